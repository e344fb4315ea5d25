package evv

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/neighborhood-lab/care-commons/internal/aggregator"
	"github.com/neighborhood-lab/care-commons/internal/domain/staterules"
)

// The compliance service defines its collaborator contracts here; the
// visit/client/caregiver packages implement them against their own tables.

// VisitInfo is the slice of a visit the EVV pipeline needs.
type VisitInfo struct {
	ID              uuid.UUID
	OrgID           uuid.UUID
	BranchID        uuid.UUID
	ClientID        uuid.UUID
	CaregiverID     uuid.UUID
	ServiceTypeCode string
	ServiceTypeName string
	ScheduledStart  time.Time
	ScheduledEnd    time.Time
	ServiceAddress  ServiceAddress
	RuralFlag       bool
}

// VisitProvider confirms visit eligibility and supplies visit context.
type VisitProvider interface {
	CanClockIn(ctx context.Context, visitID, caregiverID uuid.UUID) (bool, string, error)
	GetVisitForEVV(ctx context.Context, visitID uuid.UUID) (*VisitInfo, error)
}

// ClientInfo is the client identity snapshot written onto EVV records.
type ClientInfo struct {
	ID         uuid.UUID
	Name       string
	MedicaidID *string
	AHCCCSID   *string
	State      staterules.StateCode
	MCOCode    *string
	// PreferredAggregator drives Florida's per-client routing when set.
	PreferredAggregator *staterules.AggregatorType
}

// ClientProvider resolves client identity for EVV snapshots.
type ClientProvider interface {
	GetClientForEVV(ctx context.Context, clientID uuid.UUID) (*ClientInfo, error)
}

// ScreeningStatus is a caregiver's background-screening state.
type ScreeningStatus string

const (
	ScreeningCleared ScreeningStatus = "CLEARED"
	ScreeningExpired ScreeningStatus = "EXPIRED"
	ScreeningPending ScreeningStatus = "PENDING"
	ScreeningFailed  ScreeningStatus = "FAILED"
)

// CaregiverInfo is the caregiver identity snapshot written onto EVV records.
type CaregiverInfo struct {
	ID                  uuid.UUID
	Name                string
	EmployeeID          string
	NPI                 *string
	ActiveCredentials   []string
	ActiveCerts         []string
	BackgroundScreening ScreeningStatus
}

// ServiceAuthorization is the outcome of a caregiver-can-provide-service check.
type ServiceAuthorization struct {
	Authorized         bool
	MissingCredentials []string
	BlockedReasons     []string
}

// CaregiverProvider resolves caregiver identity and service authorization.
type CaregiverProvider interface {
	GetCaregiverForEVV(ctx context.Context, caregiverID uuid.UUID) (*CaregiverInfo, error)
	CanProvideService(ctx context.Context, caregiverID uuid.UUID, serviceTypeCode string, clientID uuid.UUID) (*ServiceAuthorization, error)
}

// StateSubmitter routes a completed record to its state's adapter and
// aggregator client. Implemented by the state provider factory.
type StateSubmitter interface {
	SubmitRecord(ctx context.Context, rec *EVVRecord) (*aggregator.Result, *aggregator.Submission, error)
	IsSupported(state staterules.StateCode) bool
	SupportedStates() []staterules.StateCode
}
