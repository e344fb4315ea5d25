package evv

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/neighborhood-lab/care-commons/internal/domain/staterules"
	"github.com/neighborhood-lab/care-commons/internal/platform/apperr"
	"github.com/neighborhood-lab/care-commons/internal/platform/geo"
)

// PermClockEVV gates the clock-in/clock-out endpoints.
const PermClockEVV = "evv:clock"

// RoleSupervisor marks callers allowed to override failed verifications and
// clock on behalf of a caregiver.
const RoleSupervisor = "supervisor"

// UserContext identifies the caller for permission checks.
type UserContext struct {
	UserID      uuid.UUID
	CaregiverID *uuid.UUID
	Roles       []string
	Permissions []string
}

// HasRole reports whether the caller holds a role.
func (u UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether the caller holds a permission.
func (u UserContext) HasPermission(perm string) bool {
	for _, p := range u.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// IsSupervisor reports whether the caller may act on another caregiver's
// behalf.
func (u UserContext) IsSupervisor() bool { return u.HasRole(RoleSupervisor) }

// TxRunner runs a function inside one storage transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Providers bundles the external collaborator contracts the service needs.
type Providers struct {
	Visits     VisitProvider
	Clients    ClientProvider
	Caregivers CaregiverProvider
}

// Retry policy for aggregator submissions.
const (
	submissionMaxRetries   = 5
	submissionBackoffBase  = 30 * time.Second
	submissionBackoffLimit = time.Hour
)

// Service is the EVV compliance orchestrator.
type Service struct {
	repo      Repository
	tx        TxRunner
	providers Providers
	submitter StateSubmitter
	log       zerolog.Logger
	now       func() time.Time
}

// NewService wires the compliance service. The submitter may be nil in
// deployments that submit through a separate worker; SubmitToStateAggregator
// then fails with a configuration error.
func NewService(repo Repository, tx TxRunner, providers Providers, submitter StateSubmitter, log zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		tx:        tx,
		providers: providers,
		submitter: submitter,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ClockInInput is the request to open a visit.
type ClockInInput struct {
	VisitID       uuid.UUID          `json:"visit_id"`
	CaregiverID   uuid.UUID          `json:"caregiver_id"`
	Reading       geo.Reading        `json:"reading"`
	Method        VerificationMethod `json:"method,omitempty"`
	DeviceInfo    map[string]string  `json:"device_info,omitempty"`
	ClientEntryID string             `json:"client_entry_id,omitempty"`
	// OccurredAt lets offline-queued events carry their capture time.
	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// ClockResult is returned from both clock operations.
type ClockResult struct {
	Record       *EVVRecord         `json:"evv_record"`
	TimeEntry    *TimeEntry         `json:"time_entry"`
	Verification VerificationResult `json:"verification"`
}

func (in *ClockInInput) validate() error {
	if in.VisitID == uuid.Nil {
		return apperr.New(apperr.KindValidation, "visit_id is required")
	}
	if in.CaregiverID == uuid.Nil {
		return apperr.New(apperr.KindValidation, "caregiver_id is required")
	}
	if in.Method == "" {
		in.Method = MethodGPS
	}
	if in.Method == MethodGPS && in.Reading.Point == (geo.Point{}) {
		return apperr.New(apperr.KindValidation, "GPS coordinates are required for GPS clock method")
	}
	return nil
}

func (s *Service) authorizeClock(user UserContext, caregiverID uuid.UUID) error {
	if !user.HasPermission(PermClockEVV) {
		return apperr.New(apperr.KindPermission, "caller lacks evv:clock permission")
	}
	return s.authorizeVisitActor(user, caregiverID)
}

// authorizeVisitActor checks the caller against the caregiver named on the
// visit or record itself, never against an identifier the caller supplied.
func (s *Service) authorizeVisitActor(user UserContext, caregiverID uuid.UUID) error {
	if user.CaregiverID != nil && *user.CaregiverID == caregiverID {
		return nil
	}
	if user.IsSupervisor() {
		return nil
	}
	return apperr.New(apperr.KindPermission, "caller is not the visit caregiver and has no supervisor override")
}

// ClockIn records the start of a visit: it authorizes the caller, confirms
// visit eligibility and caregiver screening, runs the geofence and integrity
// checks, and writes the EVVRecord/TimeEntry pair atomically. Verification
// failures flag the record for supervisor review; they never block creation.
func (s *Service) ClockIn(ctx context.Context, in ClockInInput, user UserContext) (*ClockResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := s.authorizeClock(user, in.CaregiverID); err != nil {
		return nil, err
	}

	ok, reason, err := s.providers.Visits.CanClockIn(ctx, in.VisitID, in.CaregiverID)
	if err != nil {
		return nil, fmt.Errorf("check visit eligibility: %w", err)
	}
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, "visit %s is not eligible for clock-in: %s", in.VisitID, reason)
	}

	visit, err := s.providers.Visits.GetVisitForEVV(ctx, in.VisitID)
	if err != nil {
		return nil, fmt.Errorf("load visit: %w", err)
	}
	if visit.CaregiverID != in.CaregiverID {
		return nil, apperr.Newf(apperr.KindValidation,
			"caregiver %s is not assigned to visit %s", in.CaregiverID, visit.ID)
	}

	caregiver, err := s.providers.Caregivers.GetCaregiverForEVV(ctx, in.CaregiverID)
	if err != nil {
		return nil, fmt.Errorf("load caregiver: %w", err)
	}
	if caregiver.BackgroundScreening != ScreeningCleared {
		return nil, apperr.Newf(apperr.KindValidation,
			"caregiver background screening is %s, must be CLEARED", caregiver.BackgroundScreening)
	}

	auth, err := s.providers.Caregivers.CanProvideService(ctx, in.CaregiverID, visit.ServiceTypeCode, visit.ClientID)
	if err != nil {
		return nil, fmt.Errorf("check service authorization: %w", err)
	}
	if !auth.Authorized {
		ae := apperr.Newf(apperr.KindValidation,
			"caregiver %s is not authorized for service %s", in.CaregiverID, visit.ServiceTypeCode)
		return nil, ae.WithDetails(append(auth.MissingCredentials, auth.BlockedReasons...)...)
	}

	clientInfo, err := s.providers.Clients.GetClientForEVV(ctx, visit.ClientID)
	if err != nil {
		return nil, fmt.Errorf("load client: %w", err)
	}

	rules, err := staterules.RulesFor(clientInfo.State)
	if err != nil {
		return nil, err
	}

	// A second clock-in on a visit that already has a live record is a
	// duplicate, not a new visit.
	if existing, err := s.repo.GetRecordByVisit(ctx, in.VisitID); err == nil && existing != nil {
		return nil, apperr.Newf(apperr.KindValidation,
			"visit %s already has EVV record %s (status %s)", in.VisitID, existing.ID, existing.Status)
	} else if err != nil && !apperr.IsNotFound(err) {
		return nil, fmt.Errorf("check existing record: %w", err)
	}

	fence, err := s.resolveGeofence(ctx, visit, rules)
	if err != nil {
		return nil, err
	}

	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	verification := scoreVerification(verifyInput{
		Reading:       in.Reading,
		FenceCenter:   fence.Center,
		BaseRadius:    fence.RadiusMeters,
		Rules:         rules,
		ScheduledAt:   visit.ScheduledStart,
		OccurredAt:    occurredAt,
		TimeTolerance: time.Duration(rules.VisitTimeToleranceMinutes) * time.Minute,
		Method:        in.Method,
	})

	rec := &EVVRecord{
		ID:                  uuid.New(),
		VisitID:             visit.ID,
		OrgID:               visit.OrgID,
		BranchID:            visit.BranchID,
		ClientID:            clientInfo.ID,
		ClientName:          clientInfo.Name,
		ClientMedicaidID:    clientInfo.MedicaidID,
		CaregiverID:         caregiver.ID,
		CaregiverName:       caregiver.Name,
		CaregiverEmployeeID: caregiver.EmployeeID,
		CaregiverNPI:        caregiver.NPI,
		ServiceTypeCode:     visit.ServiceTypeCode,
		ServiceTypeName:     visit.ServiceTypeName,
		ServiceDate:         occurredAt.Truncate(24 * time.Hour),
		ServiceAddress:      visit.ServiceAddress,
		ClockInTime:         occurredAt,
		ClockInVerification: verification.Location,
		Status:              RecordPending,
		VerificationLevel:   verification.Level,
		ComplianceFlags:     verification.Flags,

		RequiresSupervisorReview: verification.RequiresSupervisorReview,
		StateSpecificData:        stateSpecificSeed(rules.State, clientInfo, visit),
	}
	rec.IntegrityHash, rec.IntegrityChecksum = ComputeIntegrityHash(rec)

	entry := &TimeEntry{
		ID:          uuid.New(),
		EVVRecordID: rec.ID,
		VisitID:     visit.ID,
		CaregiverID: caregiver.ID,
		Type:        EntryClockIn,
		OccurredAt:  occurredAt,
		Location:    verification.Location,
		DeviceInfo:  in.DeviceInfo,
		Status:      entryStatusFor(verification),
		Sync:        SyncMeta{ClientEntryID: in.ClientEntryID},
	}
	entry.IntegrityHash = EntryIntegrityHash(entry)

	// The record and its clock-in entry must land together.
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.CreateRecord(txCtx, rec); err != nil {
			return fmt.Errorf("create evv record: %w", err)
		}
		if err := s.repo.CreateTimeEntry(txCtx, entry); err != nil {
			return fmt.Errorf("create time entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateGeofenceCounters(ctx, fence.ID, verification.Location.IsWithinGeofence); err != nil {
		// Counter drift is tolerable; the verification itself is recorded.
		s.log.Warn().Err(err).Str("geofence_id", fence.ID.String()).Msg("update geofence counters")
	}

	s.log.Info().
		Str("evv_record_id", rec.ID.String()).
		Str("visit_id", visit.ID.String()).
		Str("state", string(rules.State)).
		Bool("verification_passed", verification.Passed).
		Msg("clock-in recorded")

	return &ClockResult{Record: rec, TimeEntry: entry, Verification: verification}, nil
}

// ClockOutInput is the request to close a visit.
type ClockOutInput struct {
	VisitID       uuid.UUID          `json:"visit_id"`
	CaregiverID   uuid.UUID          `json:"caregiver_id"`
	Reading       geo.Reading        `json:"reading"`
	Method        VerificationMethod `json:"method,omitempty"`
	DeviceInfo    map[string]string  `json:"device_info,omitempty"`
	ClientEntryID string             `json:"client_entry_id,omitempty"`
	OccurredAt    time.Time          `json:"occurred_at,omitempty"`

	// Optional client signature attestation.
	Signature  []byte `json:"signature,omitempty"`
	AttestedBy string `json:"attested_by,omitempty"`
}

// ClockOut closes an open visit: it re-runs the verification pipeline
// against the clock-out location, computes the visit duration, optionally
// attaches the client attestation, and completes the record.
func (s *Service) ClockOut(ctx context.Context, in ClockOutInput, user UserContext) (*ClockResult, error) {
	if in.VisitID == uuid.Nil {
		return nil, apperr.New(apperr.KindValidation, "visit_id is required")
	}
	if in.Method == "" {
		in.Method = MethodGPS
	}
	if in.Method == MethodGPS && in.Reading.Point == (geo.Point{}) {
		return nil, apperr.New(apperr.KindValidation, "GPS coordinates are required for GPS clock method")
	}

	rec, err := s.repo.GetRecordByVisit(ctx, in.VisitID)
	if err != nil {
		return nil, err
	}
	// Authorization runs against the caregiver on the record, not the one
	// the request body names.
	if err := s.authorizeClock(user, rec.CaregiverID); err != nil {
		return nil, err
	}
	if in.CaregiverID != uuid.Nil && in.CaregiverID != rec.CaregiverID {
		return nil, apperr.Newf(apperr.KindValidation,
			"caregiver %s is not on evv record %s", in.CaregiverID, rec.ID)
	}
	if rec.Status != RecordPending {
		return nil, apperr.Newf(apperr.KindValidation,
			"evv record %s is %s; clock-out requires PENDING", rec.ID, rec.Status)
	}

	visit, err := s.providers.Visits.GetVisitForEVV(ctx, in.VisitID)
	if err != nil {
		return nil, fmt.Errorf("load visit: %w", err)
	}
	rules, err := staterules.RulesFor(rec.ServiceAddress.State)
	if err != nil {
		return nil, err
	}
	fence, err := s.resolveGeofence(ctx, visit, rules)
	if err != nil {
		return nil, err
	}

	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}
	if !occurredAt.After(rec.ClockInTime) {
		return nil, apperr.New(apperr.KindValidation, "clock-out time must be after clock-in time")
	}

	verification := scoreVerification(verifyInput{
		Reading:       in.Reading,
		FenceCenter:   fence.Center,
		BaseRadius:    fence.RadiusMeters,
		Rules:         rules,
		ScheduledAt:   visit.ScheduledEnd,
		OccurredAt:    occurredAt,
		TimeTolerance: time.Duration(rules.VisitTimeToleranceMinutes) * time.Minute,
		Method:        in.Method,
	})

	loc := verification.Location
	rec.ClockOutTime = &occurredAt
	rec.ClockOutVerification = &loc
	rec.TotalDurationMinutes = rec.Duration()
	rec.Status = RecordComplete
	rec.ComplianceFlags = mergeFlags(rec.ComplianceFlags, verification.Flags)
	if verification.RequiresSupervisorReview {
		rec.RequiresSupervisorReview = true
	}
	if verification.Level == LevelUnverified || rec.VerificationLevel == LevelUnverified {
		rec.VerificationLevel = LevelUnverified
	} else if verification.Level == LevelPartial || rec.VerificationLevel == LevelPartial {
		rec.VerificationLevel = LevelPartial
	}

	if len(in.Signature) > 0 {
		rec.Attestation = &Attestation{
			AttestedBy:  in.AttestedBy,
			ContentHash: HashSignature(in.Signature),
			AttestedAt:  occurredAt,
		}
	}

	entry := &TimeEntry{
		ID:          uuid.New(),
		EVVRecordID: rec.ID,
		VisitID:     rec.VisitID,
		CaregiverID: rec.CaregiverID,
		Type:        EntryClockOut,
		OccurredAt:  occurredAt,
		Location:    loc,
		DeviceInfo:  in.DeviceInfo,
		Status:      entryStatusFor(verification),
		Sync:        SyncMeta{ClientEntryID: in.ClientEntryID},
	}
	entry.IntegrityHash = EntryIntegrityHash(entry)

	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.UpdateRecord(txCtx, rec); err != nil {
			return fmt.Errorf("complete evv record: %w", err)
		}
		if err := s.repo.CreateTimeEntry(txCtx, entry); err != nil {
			return fmt.Errorf("create time entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateGeofenceCounters(ctx, fence.ID, loc.IsWithinGeofence); err != nil {
		s.log.Warn().Err(err).Str("geofence_id", fence.ID.String()).Msg("update geofence counters")
	}

	s.log.Info().
		Str("evv_record_id", rec.ID.String()).
		Int("duration_minutes", derefInt(rec.TotalDurationMinutes)).
		Bool("verification_passed", verification.Passed).
		Msg("clock-out recorded")

	return &ClockResult{Record: rec, TimeEntry: entry, Verification: verification}, nil
}

// resolveGeofence finds the client's active geofence, onboarding one from
// the visit's service address when none exists yet.
func (s *Service) resolveGeofence(ctx context.Context, visit *VisitInfo, rules staterules.Rules) (*Geofence, error) {
	fence, err := s.repo.GetGeofenceByClient(ctx, visit.ClientID)
	if err == nil {
		return fence, nil
	}
	if !apperr.IsNotFound(err) {
		return nil, fmt.Errorf("load geofence: %w", err)
	}

	radius := visit.ServiceAddress.GeofenceRadiusMeters
	if radius == 0 {
		radius = rules.GeofenceRadiusMeters
	}
	fence = &Geofence{
		ID:           uuid.New(),
		ClientID:     visit.ClientID,
		Center:       visit.ServiceAddress.Point,
		RadiusMeters: radius,
		Shape:        "circle",
		Status:       GeofenceActive,
	}
	if err := s.repo.CreateGeofence(ctx, fence); err != nil {
		return nil, fmt.Errorf("onboard geofence: %w", err)
	}
	return fence, nil
}

// stateSpecificSeed writes the open-map extension fields each state's
// adapter expects to find on the record.
func stateSpecificSeed(state staterules.StateCode, client *ClientInfo, visit *VisitInfo) map[string]interface{} {
	data := map[string]interface{}{}
	switch state {
	case staterules.StateAZ:
		if client.AHCCCSID != nil {
			data["ahcccs_id"] = *client.AHCCCSID
		}
	case staterules.StateFL:
		if client.MCOCode != nil {
			data["mco_code"] = *client.MCOCode
		}
		if client.PreferredAggregator != nil {
			data["preferred_aggregator"] = string(*client.PreferredAggregator)
		}
	case staterules.StateGA:
		if visit.RuralFlag {
			data["rural_visit"] = true
		}
	}
	if len(data) == 0 {
		return nil
	}
	return data
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
