package evv

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/neighborhood-lab/care-commons/internal/domain/staterules"
	"github.com/neighborhood-lab/care-commons/internal/platform/apperr"
	"github.com/neighborhood-lab/care-commons/internal/platform/geo"
)

// OverrideInput is a supervisor's manual override of a failed verification.
type OverrideInput struct {
	TimeEntryID    uuid.UUID                 `json:"time_entry_id"`
	Reason         staterules.OverrideReason `json:"reason"`
	Justification  string                    `json:"justification"`
	SupervisorName string                    `json:"supervisor_name,omitempty"`
}

// ApplyManualOverride marks a flagged time entry as manually verified. The
// reason must be on the record's state's allowed list, and the caller must be
// a supervisor when the state requires one.
func (s *Service) ApplyManualOverride(ctx context.Context, in OverrideInput, user UserContext) (*TimeEntry, error) {
	if in.TimeEntryID == uuid.Nil {
		return nil, apperr.New(apperr.KindValidation, "time_entry_id is required")
	}
	if in.Justification == "" {
		return nil, apperr.New(apperr.KindValidation, "justification is required")
	}

	entry, err := s.repo.GetTimeEntry(ctx, in.TimeEntryID)
	if err != nil {
		return nil, err
	}
	rec, err := s.repo.GetRecord(ctx, entry.EVVRecordID)
	if err != nil {
		return nil, err
	}
	rules, err := staterules.RulesFor(rec.ServiceAddress.State)
	if err != nil {
		return nil, err
	}

	if !rules.Override.Allows(in.Reason) {
		ae := apperr.Newf(apperr.KindValidation,
			"override reason %s is not permitted in %s", in.Reason, rules.State)
		return nil, ae.WithDetails(reasonStrings(rules.Override.AllowedReasons)...)
	}
	if rules.Override.SupervisorRequired && !user.IsSupervisor() {
		return nil, apperr.Newf(apperr.KindPermission,
			"%s requires a supervisor to apply manual overrides", rules.State)
	}

	now := s.now()
	entry.Override = &ManualOverride{
		ID:             uuid.New(),
		Reason:         in.Reason,
		SupervisorID:   user.UserID,
		SupervisorName: in.SupervisorName,
		Justification:  in.Justification,
		AppliedAt:      now,
	}
	entry.Status = EntryOverridden
	entry.Location.VerificationPassed = true

	rec.ComplianceFlags = mergeFlags(rec.ComplianceFlags, []ComplianceFlag{FlagManualOverrideApplied})
	rec.RequiresSupervisorReview = false
	rec.SupervisorReview = &SupervisorReview{
		SupervisorID: user.UserID,
		Outcome:      "OVERRIDE_APPROVED",
		Notes:        in.Justification,
		ReviewedAt:   now,
	}
	if rec.VerificationLevel == LevelUnverified {
		rec.VerificationLevel = LevelPartial
	}

	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.UpdateTimeEntry(txCtx, entry); err != nil {
			return fmt.Errorf("override time entry: %w", err)
		}
		if err := s.repo.UpdateRecord(txCtx, rec); err != nil {
			return fmt.Errorf("update evv record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("time_entry_id", entry.ID.String()).
		Str("reason", string(in.Reason)).
		Str("applied_by", user.UserID.String()).
		Msg("manual override applied")

	return entry, nil
}

// PauseInput suspends the service clock mid-visit.
type PauseInput struct {
	VisitID uuid.UUID `json:"visit_id"`
	Reason  string    `json:"reason"`
}

// Pause opens a pause window on a PENDING record. Paused minutes are
// excluded from the billed duration at clock-out.
func (s *Service) Pause(ctx context.Context, in PauseInput, user UserContext) (*EVVRecord, error) {
	rec, err := s.openRecordForVisit(ctx, in.VisitID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeVisitActor(user, rec.CaregiverID); err != nil {
		return nil, err
	}
	if last := lastPause(rec); last != nil && last.ResumedAt == nil {
		return nil, apperr.New(apperr.KindValidation, "visit is already paused")
	}
	rec.PauseEvents = append(rec.PauseEvents, PauseEvent{
		PausedAt: s.now(),
		Reason:   in.Reason,
	})
	if err := s.repo.UpdateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("pause visit: %w", err)
	}
	return rec, nil
}

// Resume closes the open pause window.
func (s *Service) Resume(ctx context.Context, visitID uuid.UUID, user UserContext) (*EVVRecord, error) {
	rec, err := s.openRecordForVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeVisitActor(user, rec.CaregiverID); err != nil {
		return nil, err
	}
	last := lastPause(rec)
	if last == nil || last.ResumedAt != nil {
		return nil, apperr.New(apperr.KindValidation, "visit is not paused")
	}
	now := s.now()
	last.ResumedAt = &now
	if err := s.repo.UpdateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("resume visit: %w", err)
	}
	return rec, nil
}

// MidVisitCheckInput is an in-progress location sample.
type MidVisitCheckInput struct {
	VisitID uuid.UUID   `json:"visit_id"`
	Reading geo.Reading `json:"reading"`
}

// MidVisitCheck records an in-progress location sample against the client's
// geofence. A sample outside the fence raises an exception event on the
// record but does not change its status.
func (s *Service) MidVisitCheck(ctx context.Context, in MidVisitCheckInput, user UserContext) (*EVVRecord, error) {
	rec, err := s.openRecordForVisit(ctx, in.VisitID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeVisitActor(user, rec.CaregiverID); err != nil {
		return nil, err
	}
	fence, err := s.repo.GetGeofenceByClient(ctx, rec.ClientID)
	if err != nil {
		return nil, fmt.Errorf("load geofence: %w", err)
	}
	rules, err := staterules.RulesFor(rec.ServiceAddress.State)
	if err != nil {
		return nil, err
	}

	effective := geo.EffectiveRadius(fence.RadiusMeters, rules.GPSToleranceMeters, in.Reading.AccuracyMeters)
	result := geo.CheckFence(in.Reading.Point, fence.Center, effective)

	sample := LocationVerification{
		Point:                 in.Reading.Point,
		AccuracyMeters:        in.Reading.AccuracyMeters,
		CapturedAt:            s.now(),
		DeviceID:              in.Reading.DeviceID,
		Method:                MethodGPS,
		DistanceFromAddress:   result.DistanceMeters,
		IsWithinGeofence:      result.WithinFence,
		EffectiveRadiusMeters: effective,
		MockLocationDetected:  geo.DetectMockLocation(in.Reading),
		VerificationPassed:    result.WithinFence,
	}
	rec.MidVisitChecks = append(rec.MidVisitChecks, sample)

	if !result.WithinFence {
		rec.ExceptionEvents = append(rec.ExceptionEvents, ExceptionEvent{
			Code:       "MID_VISIT_OUTSIDE_GEOFENCE",
			Detail:     fmt.Sprintf("sample %.1fm from fence center, allowed %.1fm", result.DistanceMeters, effective),
			OccurredAt: s.now(),
		})
		rec.RequiresSupervisorReview = true
	}
	if err := s.repo.UpdateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("record mid-visit check: %w", err)
	}
	if err := s.repo.UpdateGeofenceCounters(ctx, fence.ID, result.WithinFence); err != nil {
		s.log.Warn().Err(err).Str("geofence_id", fence.ID.String()).Msg("update geofence counters")
	}
	return rec, nil
}

// AmendInput corrects a completed record. Submitted records are immutable;
// amendment creates a superseding record that points back at the original.
type AmendInput struct {
	RecordID uuid.UUID `json:"record_id"`
	Reason   string    `json:"reason"`

	ClockInTime  *time.Time `json:"clock_in_time,omitempty"`
	ClockOutTime *time.Time `json:"clock_out_time,omitempty"`
}

// Amend creates a correction record for a submitted or approved visit.
func (s *Service) Amend(ctx context.Context, in AmendInput, user UserContext) (*EVVRecord, error) {
	if !user.IsSupervisor() {
		return nil, apperr.New(apperr.KindPermission, "amendments require a supervisor")
	}
	if in.Reason == "" {
		return nil, apperr.New(apperr.KindValidation, "amendment reason is required")
	}

	orig, err := s.repo.GetRecord(ctx, in.RecordID)
	if err != nil {
		return nil, err
	}
	switch orig.Status {
	case RecordSubmitted, RecordApproved, RecordRejected:
	default:
		return nil, apperr.Newf(apperr.KindValidation,
			"record %s is %s; only submitted records are amended, pending ones are edited directly", orig.ID, orig.Status)
	}

	amended := *orig
	amended.ID = uuid.New()
	amended.AmendsRecordID = &orig.ID
	amended.AmendReason = &in.Reason
	amended.Status = RecordComplete
	if in.ClockInTime != nil {
		amended.ClockInTime = *in.ClockInTime
	}
	if in.ClockOutTime != nil {
		amended.ClockOutTime = in.ClockOutTime
	}
	amended.TotalDurationMinutes = amended.Duration()
	amended.IntegrityHash, amended.IntegrityChecksum = ComputeIntegrityHash(&amended)

	orig.Status = RecordAmended
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.CreateRecord(txCtx, &amended); err != nil {
			return fmt.Errorf("create amendment: %w", err)
		}
		if err := s.repo.UpdateRecord(txCtx, orig); err != nil {
			return fmt.Errorf("supersede original: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("evv_record_id", amended.ID.String()).
		Str("amends", orig.ID.String()).
		Msg("amendment created")

	return &amended, nil
}

// GetRecord loads one EVV record.
func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*EVVRecord, error) {
	return s.repo.GetRecord(ctx, id)
}

// ListRecords lists EVV records with optional filters, returning the page
// and the total row count.
func (s *Service) ListRecords(ctx context.Context, filter RecordFilter, limit, offset int) ([]*EVVRecord, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListRecords(ctx, filter, limit, offset)
}

// VerifyRecordIntegrity recomputes a record's tamper-evident hash and
// compares it with the stored value.
func (s *Service) VerifyRecordIntegrity(ctx context.Context, id uuid.UUID) (bool, error) {
	rec, err := s.repo.GetRecord(ctx, id)
	if err != nil {
		return false, err
	}
	return VerifyIntegrity(rec), nil
}

func (s *Service) openRecordForVisit(ctx context.Context, visitID uuid.UUID) (*EVVRecord, error) {
	if visitID == uuid.Nil {
		return nil, apperr.New(apperr.KindValidation, "visit_id is required")
	}
	rec, err := s.repo.GetRecordByVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if rec.Status != RecordPending {
		return nil, apperr.Newf(apperr.KindValidation,
			"evv record %s is %s; expected PENDING", rec.ID, rec.Status)
	}
	return rec, nil
}

func lastPause(rec *EVVRecord) *PauseEvent {
	if len(rec.PauseEvents) == 0 {
		return nil
	}
	return &rec.PauseEvents[len(rec.PauseEvents)-1]
}

func reasonStrings(reasons []staterules.OverrideReason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}
