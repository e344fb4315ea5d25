package visit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/neighborhood-lab/care-commons/internal/domain/evv"
)

// earlyClockInWindow is how far ahead of the scheduled start a caregiver
// may open the visit. Late clock-ins are allowed; the verification pipeline
// flags them against the state's time tolerance instead.
const earlyClockInWindow = time.Hour

// Provider adapts the visit roster to the EVV pipeline's contract.
type Provider struct {
	repo Repository
	now  func() time.Time
}

// NewProvider builds the evv.VisitProvider over the roster.
func NewProvider(repo Repository) *Provider {
	return &Provider{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

var _ evv.VisitProvider = (*Provider)(nil)

// CanClockIn reports whether a visit may be opened by this caregiver now.
func (p *Provider) CanClockIn(ctx context.Context, visitID, caregiverID uuid.UUID) (bool, string, error) {
	v, err := p.repo.Get(ctx, visitID)
	if err != nil {
		return false, "", err
	}
	if v.CaregiverID != caregiverID {
		return false, "visit is assigned to a different caregiver", nil
	}
	switch v.Status {
	case StatusScheduled:
	case StatusInProgress:
		return false, "visit is already in progress", nil
	case StatusCompleted:
		return false, "visit is already completed", nil
	case StatusCancelled:
		return false, "visit was cancelled", nil
	case StatusMissed:
		return false, "visit was marked missed", nil
	default:
		return false, fmt.Sprintf("visit status %s does not allow clock-in", v.Status), nil
	}
	if p.now().Before(v.ScheduledStart.Add(-earlyClockInWindow)) {
		return false, fmt.Sprintf("visit does not start until %s", v.ScheduledStart.Format(time.RFC3339)), nil
	}
	return true, "", nil
}

// GetVisitForEVV returns the visit slice the EVV pipeline consumes.
func (p *Provider) GetVisitForEVV(ctx context.Context, visitID uuid.UUID) (*evv.VisitInfo, error) {
	v, err := p.repo.Get(ctx, visitID)
	if err != nil {
		return nil, err
	}
	return &evv.VisitInfo{
		ID:              v.ID,
		OrgID:           v.OrgID,
		BranchID:        v.BranchID,
		ClientID:        v.ClientID,
		CaregiverID:     v.CaregiverID,
		ServiceTypeCode: v.ServiceTypeCode,
		ServiceTypeName: v.ServiceTypeName,
		ScheduledStart:  v.ScheduledStart,
		ScheduledEnd:    v.ScheduledEnd,
		ServiceAddress:  v.ServiceAddress,
		RuralFlag:       v.RuralFlag,
	}, nil
}
