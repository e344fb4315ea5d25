package evv

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/neighborhood-lab/care-commons/internal/aggregator"
	"github.com/neighborhood-lab/care-commons/internal/domain/staterules"
	"github.com/neighborhood-lab/care-commons/internal/platform/apperr"
)

// SubmitToStateAggregator packages a completed record for its state's
// aggregator and transmits it. Every attempt is persisted as a submission
// row; transient failures are parked for the retry worker.
func (s *Service) SubmitToStateAggregator(ctx context.Context, recordID uuid.UUID, user UserContext) (*StateAggregatorSubmission, error) {
	if s.submitter == nil {
		return nil, apperr.New(apperr.KindConfiguration, "no state aggregator submitter is configured")
	}

	rec, err := s.repo.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	state := rec.ServiceAddress.State
	if !s.submitter.IsSupported(state) {
		ae := apperr.Newf(apperr.KindValidation, "state %s has no EVV aggregator integration", state)
		return nil, ae.WithDetails(stateStrings(s.submitter.SupportedStates())...)
	}
	switch rec.Status {
	case RecordComplete, RecordRejected:
	default:
		return nil, apperr.Newf(apperr.KindValidation,
			"evv record %s is %s; submission requires COMPLETE or REJECTED", rec.ID, rec.Status)
	}

	sub := &StateAggregatorSubmission{
		ID:             uuid.New(),
		EVVRecordID:    rec.ID,
		State:          state,
		AggregatorType: aggregatorTypeFor(state),
		Status:         SubmissionPending,
	}

	result, wire, submitErr := s.submitter.SubmitRecord(ctx, rec)
	if wire != nil {
		sub.Format = wire.Format
		sub.Payload = wire.Payload
	}

	if submitErr != nil {
		if apperr.IsTransient(submitErr) {
			sub.Status = SubmissionRetry
			sub.RetryCount = 1
			next := s.now().Add(submissionBackoff(1))
			sub.NextRetryAt = &next
			if err := s.repo.CreateSubmission(ctx, sub); err != nil {
				return nil, fmt.Errorf("persist submission attempt: %w", err)
			}
			s.log.Warn().Err(submitErr).
				Str("evv_record_id", rec.ID.String()).
				Str("state", string(state)).
				Time("next_retry_at", next).
				Msg("aggregator submission parked for retry")
			return sub, nil
		}
		// A hard failure still leaves an audit row behind.
		sub.Status = SubmissionRejected
		sub.ResponseErrors = append(sub.ResponseErrors, submitErr.Error())
		if perr := s.repo.CreateSubmission(ctx, sub); perr != nil {
			return nil, fmt.Errorf("persist submission attempt: %w", perr)
		}
		return nil, fmt.Errorf("submit to %s aggregator: %w", state, submitErr)
	}

	applySubmissionResult(sub, rec, result)

	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.CreateSubmission(txCtx, sub); err != nil {
			return fmt.Errorf("persist submission: %w", err)
		}
		if err := s.repo.UpdateRecord(txCtx, rec); err != nil {
			return fmt.Errorf("update record status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("evv_record_id", rec.ID.String()).
		Str("state", string(state)).
		Str("status", sub.Status).
		Msg("aggregator submission recorded")

	return sub, nil
}

// UnlockRequester is implemented by submitters whose state program requires
// a formal unlock request before a submitted visit may be corrected. Texas
// is the only such program today.
type UnlockRequester interface {
	BuildUnlockRequest(ctx context.Context, rec *EVVRecord, reason string) (map[string]interface{}, error)
}

// BuildUnlockRequest produces the state's visit-unlock form for a submitted
// record, for programs that require one before an amendment.
func (s *Service) BuildUnlockRequest(ctx context.Context, recordID uuid.UUID, reason string, user UserContext) (map[string]interface{}, error) {
	if !user.IsSupervisor() {
		return nil, apperr.New(apperr.KindPermission, "unlock requests require a supervisor")
	}
	unlocker, ok := s.submitter.(UnlockRequester)
	if !ok {
		return nil, apperr.New(apperr.KindConfiguration, "the configured submitter does not support unlock requests")
	}
	rec, err := s.repo.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	return unlocker.BuildUnlockRequest(ctx, rec, reason)
}

// ListSubmissions returns the transmission audit trail for a record.
func (s *Service) ListSubmissions(ctx context.Context, recordID uuid.UUID) ([]*StateAggregatorSubmission, error) {
	if _, err := s.repo.GetRecord(ctx, recordID); err != nil {
		return nil, err
	}
	return s.repo.ListSubmissionsByRecord(ctx, recordID)
}

// ProcessDueSubmissions retries parked submissions whose backoff has
// elapsed. It is called from the background worker loop and returns the
// number of rows it attempted.
func (s *Service) ProcessDueSubmissions(ctx context.Context, batchSize int) (int, error) {
	if s.submitter == nil {
		return 0, apperr.New(apperr.KindConfiguration, "no state aggregator submitter is configured")
	}
	due, err := s.repo.ListSubmissionsDueForRetry(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list submissions due for retry: %w", err)
	}

	for _, sub := range due {
		if err := s.retrySubmission(ctx, sub); err != nil {
			s.log.Error().Err(err).
				Str("submission_id", sub.ID.String()).
				Msg("submission retry failed")
		}
	}
	return len(due), nil
}

func (s *Service) retrySubmission(ctx context.Context, sub *StateAggregatorSubmission) error {
	rec, err := s.repo.GetRecord(ctx, sub.EVVRecordID)
	if err != nil {
		return err
	}

	result, wire, submitErr := s.submitter.SubmitRecord(ctx, rec)
	if wire != nil {
		sub.Format = wire.Format
		sub.Payload = wire.Payload
	}

	if submitErr != nil {
		sub.RetryCount++
		if apperr.IsTransient(submitErr) && sub.RetryCount < submissionMaxRetries {
			next := s.now().Add(submissionBackoff(sub.RetryCount))
			sub.NextRetryAt = &next
		} else {
			sub.Status = SubmissionRejected
			sub.NextRetryAt = nil
			sub.ResponseErrors = append(sub.ResponseErrors, submitErr.Error())
		}
		return s.repo.UpdateSubmission(ctx, sub)
	}

	applySubmissionResult(sub, rec, result)

	return s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.UpdateSubmission(txCtx, sub); err != nil {
			return fmt.Errorf("update submission: %w", err)
		}
		if err := s.repo.UpdateRecord(txCtx, rec); err != nil {
			return fmt.Errorf("update record status: %w", err)
		}
		return nil
	})
}

// applySubmissionResult maps an aggregator result onto the submission row
// and walks the record lifecycle accordingly.
func applySubmissionResult(sub *StateAggregatorSubmission, rec *EVVRecord, result *aggregator.Result) {
	if result.TransactionID != "" {
		txID := result.TransactionID
		sub.TransactionID = &txID
	}
	sub.ResponseErrors = result.Errors
	sub.NextRetryAt = nil

	switch result.Status {
	case aggregator.StatusAccepted:
		sub.Status = SubmissionAccepted
		if CanTransition(rec.Status, RecordSubmitted) {
			rec.Status = RecordSubmitted
		}
	case aggregator.StatusPartial:
		sub.Status = SubmissionPartial
		if CanTransition(rec.Status, RecordSubmitted) {
			rec.Status = RecordSubmitted
		}
		rec.RequiresSupervisorReview = true
	default:
		sub.Status = SubmissionRejected
		if CanTransition(rec.Status, RecordSubmitted) {
			rec.Status = RecordSubmitted
		}
		if CanTransition(rec.Status, RecordRejected) {
			rec.Status = RecordRejected
		}
		rec.RequiresSupervisorReview = true
	}
}

// aggregatorTypeFor looks up the state's configured backend for audit rows.
// Florida's per-client routing is recorded as FL_MULTI here; the submission
// payload names the concrete backend that handled it.
func aggregatorTypeFor(state staterules.StateCode) staterules.AggregatorType {
	rules, err := staterules.RulesFor(state)
	if err != nil {
		return ""
	}
	return rules.Aggregator
}

func stateStrings(states []staterules.StateCode) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

// submissionBackoff is exponential with a fixed cap.
func submissionBackoff(retry int) time.Duration {
	d := submissionBackoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= submissionBackoffLimit {
			return submissionBackoffLimit
		}
	}
	return d
}
