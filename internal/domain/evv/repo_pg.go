package evv

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/neighborhood-lab/care-commons/internal/platform/apperr"
	"github.com/neighborhood-lab/care-commons/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo builds the pgx-backed Repository.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const recCols = `id, visit_id, org_id, branch_id,
	client_id, client_name, client_medicaid_id,
	caregiver_id, caregiver_name, caregiver_employee_id, caregiver_npi,
	service_type_code, service_type_name, service_date, service_address,
	clock_in_time, clock_out_time,
	clock_in_verification, clock_out_verification, mid_visit_checks,
	pause_events, exception_events, total_duration_minutes,
	status, verification_level, compliance_flags, requires_supervisor_review,
	integrity_hash, integrity_checksum, state_specific_data,
	attestation, supervisor_review, amends_record_id, amend_reason,
	created_at, updated_at`

func (r *repoPG) CreateRecord(ctx context.Context, rec *EVVRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO evv_record (
			id, visit_id, org_id, branch_id,
			client_id, client_name, client_medicaid_id,
			caregiver_id, caregiver_name, caregiver_employee_id, caregiver_npi,
			service_type_code, service_type_name, service_date, service_address,
			clock_in_time, clock_out_time,
			clock_in_verification, clock_out_verification, mid_visit_checks,
			pause_events, exception_events, total_duration_minutes,
			status, verification_level, compliance_flags, requires_supervisor_review,
			integrity_hash, integrity_checksum, state_specific_data,
			attestation, supervisor_review, amends_record_id, amend_reason
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,
			$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,
			$31,$32,$33,$34
		)`,
		rec.ID, rec.VisitID, rec.OrgID, rec.BranchID,
		rec.ClientID, rec.ClientName, rec.ClientMedicaidID,
		rec.CaregiverID, rec.CaregiverName, rec.CaregiverEmployeeID, rec.CaregiverNPI,
		rec.ServiceTypeCode, rec.ServiceTypeName, rec.ServiceDate, rec.ServiceAddress,
		rec.ClockInTime, rec.ClockOutTime,
		rec.ClockInVerification, rec.ClockOutVerification, rec.MidVisitChecks,
		rec.PauseEvents, rec.ExceptionEvents, rec.TotalDurationMinutes,
		rec.Status, rec.VerificationLevel, rec.ComplianceFlags, rec.RequiresSupervisorReview,
		rec.IntegrityHash, rec.IntegrityChecksum, rec.StateSpecificData,
		rec.Attestation, rec.SupervisorReview, rec.AmendsRecordID, rec.AmendReason,
	)
	return err
}

func (r *repoPG) GetRecord(ctx context.Context, id uuid.UUID) (*EVVRecord, error) {
	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recCols+` FROM evv_record WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "evv record %s not found", id)
	}
	return rec, err
}

func (r *repoPG) GetRecordByVisit(ctx context.Context, visitID uuid.UUID) (*EVVRecord, error) {
	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recCols+` FROM evv_record
		 WHERE visit_id = $1 AND status <> 'VOIDED' AND amends_record_id IS NULL
		 ORDER BY created_at DESC LIMIT 1`, visitID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "no evv record for visit %s", visitID)
	}
	return rec, err
}

func (r *repoPG) UpdateRecord(ctx context.Context, rec *EVVRecord) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE evv_record SET
			clock_out_time=$2, clock_out_verification=$3, mid_visit_checks=$4,
			pause_events=$5, exception_events=$6, total_duration_minutes=$7,
			status=$8, verification_level=$9, compliance_flags=$10,
			requires_supervisor_review=$11, state_specific_data=$12,
			attestation=$13, supervisor_review=$14, amend_reason=$15,
			updated_at=NOW()
		WHERE id = $1`,
		rec.ID,
		rec.ClockOutTime, rec.ClockOutVerification, rec.MidVisitChecks,
		rec.PauseEvents, rec.ExceptionEvents, rec.TotalDurationMinutes,
		rec.Status, rec.VerificationLevel, rec.ComplianceFlags,
		rec.RequiresSupervisorReview, rec.StateSpecificData,
		rec.Attestation, rec.SupervisorReview, rec.AmendReason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.KindNotFound, "evv record %s not found", rec.ID)
	}
	return nil
}

func (r *repoPG) ListRecords(ctx context.Context, filter RecordFilter, limit, offset int) ([]*EVVRecord, int, error) {
	where := "TRUE"
	args := []interface{}{}
	n := 0
	add := func(cond string, val interface{}) {
		n++
		where += fmt.Sprintf(" AND %s = $%d", cond, n)
		args = append(args, val)
	}
	if filter.ClientID != nil {
		add("client_id", *filter.ClientID)
	}
	if filter.CaregiverID != nil {
		add("caregiver_id", *filter.CaregiverID)
	}
	if filter.Status != nil {
		add("status", *filter.Status)
	}
	if filter.State != nil {
		add("service_address->>'state'", *filter.State)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM evv_record WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM evv_record WHERE %s ORDER BY service_date DESC, created_at DESC LIMIT $%d OFFSET $%d`,
		recCols, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var recs []*EVVRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		recs = append(recs, rec)
	}
	return recs, total, rows.Err()
}

const entryCols = `id, evv_record_id, visit_id, caregiver_id, entry_type, occurred_at,
	location, device_info, status, override, sync, integrity_hash, created_at, updated_at`

func (r *repoPG) CreateTimeEntry(ctx context.Context, e *TimeEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO time_entry (
			id, evv_record_id, visit_id, caregiver_id, entry_type, occurred_at,
			location, device_info, status, override, sync, integrity_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.ID, e.EVVRecordID, e.VisitID, e.CaregiverID, e.Type, e.OccurredAt,
		e.Location, e.DeviceInfo, e.Status, e.Override, e.Sync, e.IntegrityHash,
	)
	return err
}

func (r *repoPG) GetTimeEntry(ctx context.Context, id uuid.UUID) (*TimeEntry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryCols+` FROM time_entry WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "time entry %s not found", id)
	}
	return e, err
}

func (r *repoPG) UpdateTimeEntry(ctx context.Context, e *TimeEntry) error {
	// Original clock data is immutable; only status, override, and sync
	// metadata are writable after creation.
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE time_entry SET status=$2, override=$3, sync=$4, updated_at=NOW()
		WHERE id = $1`,
		e.ID, e.Status, e.Override, e.Sync,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.KindNotFound, "time entry %s not found", e.ID)
	}
	return nil
}

func (r *repoPG) ListTimeEntriesByRecord(ctx context.Context, recordID uuid.UUID) ([]*TimeEntry, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entryCols+` FROM time_entry WHERE evv_record_id = $1 ORDER BY occurred_at`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*TimeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const fenceCols = `id, client_id, center, radius_meters, shape, status,
	verification_attempts, verification_successes, verification_failures, created_at, updated_at`

func (r *repoPG) GetGeofenceByClient(ctx context.Context, clientID uuid.UUID) (*Geofence, error) {
	f, err := scanFence(r.conn(ctx).QueryRow(ctx,
		`SELECT `+fenceCols+` FROM geofence WHERE client_id = $1 AND status = 'ACTIVE' LIMIT 1`, clientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "no active geofence for client %s", clientID)
	}
	return f, err
}

func (r *repoPG) CreateGeofence(ctx context.Context, f *Geofence) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Shape == "" {
		f.Shape = "circle"
	}
	if f.Status == "" {
		f.Status = GeofenceActive
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO geofence (id, client_id, center, radius_meters, shape, status)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		f.ID, f.ClientID, f.Center, f.RadiusMeters, f.Shape, f.Status,
	)
	return err
}

func (r *repoPG) UpdateGeofenceCounters(ctx context.Context, id uuid.UUID, passed bool) error {
	success, failure := 0, 1
	if passed {
		success, failure = 1, 0
	}
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE geofence SET
			verification_attempts = verification_attempts + 1,
			verification_successes = verification_successes + $2,
			verification_failures = verification_failures + $3,
			updated_at = NOW()
		WHERE id = $1`, id, success, failure)
	return err
}

const subCols = `id, evv_record_id, state, aggregator_type, format, payload, status,
	transaction_id, response_errors, retry_count, next_retry_at, created_at, updated_at`

func (r *repoPG) CreateSubmission(ctx context.Context, s *StateAggregatorSubmission) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO state_aggregator_submission (
			id, evv_record_id, state, aggregator_type, format, payload, status,
			transaction_id, response_errors, retry_count, next_retry_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		s.ID, s.EVVRecordID, s.State, s.AggregatorType, s.Format, s.Payload, s.Status,
		s.TransactionID, s.ResponseErrors, s.RetryCount, s.NextRetryAt,
	)
	return err
}

func (r *repoPG) UpdateSubmission(ctx context.Context, s *StateAggregatorSubmission) error {
	// Submission rows are never deleted; status and retry bookkeeping are
	// the only mutable columns.
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE state_aggregator_submission SET
			status=$2, transaction_id=$3, response_errors=$4,
			retry_count=$5, next_retry_at=$6, updated_at=NOW()
		WHERE id = $1`,
		s.ID, s.Status, s.TransactionID, s.ResponseErrors, s.RetryCount, s.NextRetryAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.KindNotFound, "submission %s not found", s.ID)
	}
	return nil
}

func (r *repoPG) ListSubmissionsByRecord(ctx context.Context, recordID uuid.UUID) ([]*StateAggregatorSubmission, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+subCols+` FROM state_aggregator_submission
		 WHERE evv_record_id = $1 ORDER BY created_at`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubmissions(rows)
}

func (r *repoPG) ListSubmissionsDueForRetry(ctx context.Context, limit int) ([]*StateAggregatorSubmission, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+subCols+` FROM state_aggregator_submission
		 WHERE status = 'RETRY' AND next_retry_at <= NOW()
		 ORDER BY next_retry_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubmissions(rows)
}

func scanRecord(row pgx.Row) (*EVVRecord, error) {
	var rec EVVRecord
	err := row.Scan(
		&rec.ID, &rec.VisitID, &rec.OrgID, &rec.BranchID,
		&rec.ClientID, &rec.ClientName, &rec.ClientMedicaidID,
		&rec.CaregiverID, &rec.CaregiverName, &rec.CaregiverEmployeeID, &rec.CaregiverNPI,
		&rec.ServiceTypeCode, &rec.ServiceTypeName, &rec.ServiceDate, &rec.ServiceAddress,
		&rec.ClockInTime, &rec.ClockOutTime,
		&rec.ClockInVerification, &rec.ClockOutVerification, &rec.MidVisitChecks,
		&rec.PauseEvents, &rec.ExceptionEvents, &rec.TotalDurationMinutes,
		&rec.Status, &rec.VerificationLevel, &rec.ComplianceFlags, &rec.RequiresSupervisorReview,
		&rec.IntegrityHash, &rec.IntegrityChecksum, &rec.StateSpecificData,
		&rec.Attestation, &rec.SupervisorReview, &rec.AmendsRecordID, &rec.AmendReason,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanEntry(row pgx.Row) (*TimeEntry, error) {
	var e TimeEntry
	err := row.Scan(
		&e.ID, &e.EVVRecordID, &e.VisitID, &e.CaregiverID, &e.Type, &e.OccurredAt,
		&e.Location, &e.DeviceInfo, &e.Status, &e.Override, &e.Sync, &e.IntegrityHash,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanFence(row pgx.Row) (*Geofence, error) {
	var f Geofence
	err := row.Scan(
		&f.ID, &f.ClientID, &f.Center, &f.RadiusMeters, &f.Shape, &f.Status,
		&f.VerificationAttempts, &f.VerificationSuccesses, &f.VerificationFailures,
		&f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func collectSubmissions(rows pgx.Rows) ([]*StateAggregatorSubmission, error) {
	var subs []*StateAggregatorSubmission
	for rows.Next() {
		var s StateAggregatorSubmission
		err := rows.Scan(
			&s.ID, &s.EVVRecordID, &s.State, &s.AggregatorType, &s.Format, &s.Payload, &s.Status,
			&s.TransactionID, &s.ResponseErrors, &s.RetryCount, &s.NextRetryAt,
			&s.CreatedAt, &s.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		subs = append(subs, &s)
	}
	return subs, rows.Err()
}
