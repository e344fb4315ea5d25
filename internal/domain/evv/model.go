// Package evv implements the Electronic Visit Verification compliance core:
// the clock-in/clock-out state machine, verification scoring, manual
// overrides, and state-aggregator submission for home-care visits.
package evv

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/google/uuid"

	"github.com/neighborhood-lab/care-commons/internal/domain/staterules"
	"github.com/neighborhood-lab/care-commons/internal/platform/geo"
)

// RecordStatus is the EVV record lifecycle state.
type RecordStatus string

const (
	RecordPending   RecordStatus = "PENDING"
	RecordComplete  RecordStatus = "COMPLETE"
	RecordSubmitted RecordStatus = "SUBMITTED"
	RecordApproved  RecordStatus = "APPROVED"
	RecordRejected  RecordStatus = "REJECTED"
	RecordDisputed  RecordStatus = "DISPUTED"
	RecordAmended   RecordStatus = "AMENDED"
	RecordVoided    RecordStatus = "VOIDED"
)

// recordTransitions is the one-directional lifecycle. AMENDED and VOIDED are
// administrative overlays reachable from any post-completion state.
var recordTransitions = map[RecordStatus][]RecordStatus{
	RecordPending:   {RecordComplete, RecordVoided},
	RecordComplete:  {RecordSubmitted, RecordAmended, RecordVoided},
	RecordSubmitted: {RecordApproved, RecordRejected, RecordDisputed, RecordAmended, RecordVoided},
	RecordApproved:  {RecordAmended, RecordVoided},
	RecordRejected:  {RecordSubmitted, RecordAmended, RecordVoided},
	RecordDisputed:  {RecordApproved, RecordRejected, RecordAmended, RecordVoided},
}

// CanTransition reports whether the record lifecycle permits from → to.
func CanTransition(from, to RecordStatus) bool {
	for _, next := range recordTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// VerificationLevel grades how strongly a record's location proof holds up.
type VerificationLevel string

const (
	LevelVerified   VerificationLevel = "VERIFIED"
	LevelPartial    VerificationLevel = "PARTIAL"
	LevelUnverified VerificationLevel = "UNVERIFIED"
)

// ComplianceFlag marks a specific verification concern on a record.
type ComplianceFlag string

const (
	FlagGeofenceViolation     ComplianceFlag = "GEOFENCE_VIOLATION"
	FlagMockLocation          ComplianceFlag = "MOCK_LOCATION"
	FlagLowGPSAccuracy        ComplianceFlag = "LOW_GPS_ACCURACY"
	FlagOutsideBaseRadius     ComplianceFlag = "OUTSIDE_BASE_RADIUS"
	FlagTimeToleranceExceeded ComplianceFlag = "TIME_TOLERANCE_EXCEEDED"
	FlagManualOverrideApplied ComplianceFlag = "MANUAL_OVERRIDE_APPLIED"
)

// EntryType is the kind of clock event a TimeEntry records.
type EntryType string

const (
	EntryClockIn  EntryType = "CLOCK_IN"
	EntryClockOut EntryType = "CLOCK_OUT"
	EntryPause    EntryType = "PAUSE"
	EntryResume   EntryType = "RESUME"
)

// EntryStatus is a TimeEntry's verification state.
type EntryStatus string

const (
	EntryPending    EntryStatus = "PENDING"
	EntryVerified   EntryStatus = "VERIFIED"
	EntryFlagged    EntryStatus = "FLAGGED"
	EntryOverridden EntryStatus = "OVERRIDDEN"
	EntryRejected   EntryStatus = "REJECTED"
	EntrySynced     EntryStatus = "SYNCED"
)

// VerificationMethod identifies how presence was proven.
type VerificationMethod string

const (
	MethodGPS       VerificationMethod = "GPS"
	MethodTelephony VerificationMethod = "TELEPHONY"
	MethodManual    VerificationMethod = "MANUAL"
)

// ServiceAddress is the client's service location with its configured fence.
type ServiceAddress struct {
	Line1                string               `json:"line1,omitempty"`
	City                 string               `json:"city,omitempty"`
	State                staterules.StateCode `json:"state"`
	PostalCode           string               `json:"postal_code,omitempty"`
	Point                geo.Point            `json:"point"`
	GeofenceRadiusMeters float64              `json:"geofence_radius_meters"`
}

// LocationVerification is one GPS reading plus its derived verification
// outcome, snapshotted onto the record it verified.
type LocationVerification struct {
	Point                 geo.Point          `json:"point"`
	AccuracyMeters        float64            `json:"accuracy_meters"`
	CapturedAt            time.Time          `json:"captured_at"`
	DeviceID              string             `json:"device_id"`
	Method                VerificationMethod `json:"method"`
	DistanceFromAddress   float64            `json:"distance_from_address"`
	IsWithinGeofence      bool               `json:"is_within_geofence"`
	EffectiveRadiusMeters float64            `json:"effective_radius_meters"`
	MockLocationDetected  bool               `json:"mock_location_detected"`
	VerificationPassed    bool               `json:"verification_passed"`
}

// Attestation is an optional client acknowledgement captured at clock-out.
// ContentHash is a SHA-256 over the signature image so later tampering with
// the stored image is detectable.
type Attestation struct {
	AttestedBy  string    `json:"attested_by"`
	ContentHash string    `json:"content_hash"`
	AttestedAt  time.Time `json:"attested_at"`
}

// PauseEvent records one pause/resume interval inside a visit.
type PauseEvent struct {
	PausedAt  time.Time  `json:"paused_at"`
	ResumedAt *time.Time `json:"resumed_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// ExceptionEvent records a mid-visit anomaly attached to the record.
type ExceptionEvent struct {
	Code       string    `json:"code"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SupervisorReview captures the resolution of a flagged record.
type SupervisorReview struct {
	SupervisorID uuid.UUID `json:"supervisor_id"`
	Outcome      string    `json:"outcome"`
	Notes        string    `json:"notes,omitempty"`
	ReviewedAt   time.Time `json:"reviewed_at"`
}

// EVVRecord is the compliance-grade record of one visit's timing and
// location proof. Once the record reaches COMPLETE its clock-in data is
// immutable; corrections are expressed as amendment rows, never in-place.
type EVVRecord struct {
	ID       uuid.UUID `db:"id" json:"id"`
	VisitID  uuid.UUID `db:"visit_id" json:"visit_id"`
	OrgID    uuid.UUID `db:"org_id" json:"org_id"`
	BranchID uuid.UUID `db:"branch_id" json:"branch_id"`

	ClientID            uuid.UUID `db:"client_id" json:"client_id"`
	ClientName          string    `db:"client_name" json:"client_name"`
	ClientMedicaidID    *string   `db:"client_medicaid_id" json:"client_medicaid_id,omitempty"`
	CaregiverID         uuid.UUID `db:"caregiver_id" json:"caregiver_id"`
	CaregiverName       string    `db:"caregiver_name" json:"caregiver_name"`
	CaregiverEmployeeID string    `db:"caregiver_employee_id" json:"caregiver_employee_id"`
	CaregiverNPI        *string   `db:"caregiver_npi" json:"caregiver_npi,omitempty"`

	ServiceTypeCode string    `db:"service_type_code" json:"service_type_code"`
	ServiceTypeName string    `db:"service_type_name" json:"service_type_name"`
	ServiceDate     time.Time `db:"service_date" json:"service_date"`

	ServiceAddress ServiceAddress `db:"service_address" json:"service_address"`

	ClockInTime  time.Time  `db:"clock_in_time" json:"clock_in_time"`
	ClockOutTime *time.Time `db:"clock_out_time" json:"clock_out_time,omitempty"`

	ClockInVerification  LocationVerification   `db:"clock_in_verification" json:"clock_in_verification"`
	ClockOutVerification *LocationVerification  `db:"clock_out_verification" json:"clock_out_verification,omitempty"`
	MidVisitChecks       []LocationVerification `db:"mid_visit_checks" json:"mid_visit_checks,omitempty"`
	PauseEvents          []PauseEvent           `db:"pause_events" json:"pause_events,omitempty"`
	ExceptionEvents      []ExceptionEvent       `db:"exception_events" json:"exception_events,omitempty"`

	TotalDurationMinutes *int `db:"total_duration_minutes" json:"total_duration_minutes,omitempty"`

	Status                   RecordStatus      `db:"status" json:"status"`
	VerificationLevel        VerificationLevel `db:"verification_level" json:"verification_level"`
	ComplianceFlags          []ComplianceFlag  `db:"compliance_flags" json:"compliance_flags,omitempty"`
	RequiresSupervisorReview bool              `db:"requires_supervisor_review" json:"requires_supervisor_review"`

	IntegrityHash     string `db:"integrity_hash" json:"integrity_hash"`
	IntegrityChecksum string `db:"integrity_checksum" json:"integrity_checksum"`

	// StateSpecificData stays an open map in storage; adapters narrow the
	// fields they understand on read.
	StateSpecificData map[string]interface{} `db:"state_specific_data" json:"state_specific_data,omitempty"`

	Attestation      *Attestation      `db:"attestation" json:"attestation,omitempty"`
	SupervisorReview *SupervisorReview `db:"supervisor_review" json:"supervisor_review,omitempty"`

	// AmendsRecordID links an amendment row back to the original record.
	AmendsRecordID *uuid.UUID `db:"amends_record_id" json:"amends_record_id,omitempty"`
	AmendReason    *string    `db:"amend_reason" json:"amend_reason,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SyncMeta carries a time entry's client-sync bookkeeping.
type SyncMeta struct {
	ClientEntryID string     `json:"client_entry_id,omitempty"`
	EnqueuedAt    *time.Time `json:"enqueued_at,omitempty"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
}

// TimeEntry is one discrete clock event. Immutable once written except for
// status and the manual-override block, which are append-style corrections.
type TimeEntry struct {
	ID          uuid.UUID            `db:"id" json:"id"`
	EVVRecordID uuid.UUID            `db:"evv_record_id" json:"evv_record_id"`
	VisitID     uuid.UUID            `db:"visit_id" json:"visit_id"`
	CaregiverID uuid.UUID            `db:"caregiver_id" json:"caregiver_id"`
	Type        EntryType            `db:"entry_type" json:"entry_type"`
	OccurredAt  time.Time            `db:"occurred_at" json:"occurred_at"`
	Location    LocationVerification `db:"location" json:"location"`
	DeviceInfo  map[string]string    `db:"device_info" json:"device_info,omitempty"`
	Status      EntryStatus          `db:"status" json:"status"`
	Override    *ManualOverride      `db:"override" json:"override,omitempty"`
	Sync        SyncMeta             `db:"sync" json:"sync"`

	IntegrityHash string `db:"integrity_hash" json:"integrity_hash"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ManualOverride is a supervisor-authored exception. Immutable once created;
// a later correction creates a new override, not a mutation.
type ManualOverride struct {
	ID             uuid.UUID                 `json:"id"`
	Reason         staterules.OverrideReason `json:"reason"`
	SupervisorID   uuid.UUID                 `json:"supervisor_id"`
	SupervisorName string                    `json:"supervisor_name"`
	Justification  string                    `json:"justification"`
	AppliedAt      time.Time                 `json:"applied_at"`
}

// GeofenceStatus is a stored geofence's lifecycle state.
type GeofenceStatus string

const (
	GeofenceActive    GeofenceStatus = "ACTIVE"
	GeofenceSuspended GeofenceStatus = "SUSPENDED"
	GeofenceArchived  GeofenceStatus = "ARCHIVED"
)

// Geofence is the stored boundary around a client's service address.
// Counters mutate with every verification; the row itself is archived,
// never deleted.
type Geofence struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	ClientID     uuid.UUID      `db:"client_id" json:"client_id"`
	Center       geo.Point      `db:"center" json:"center"`
	RadiusMeters float64        `db:"radius_meters" json:"radius_meters"`
	Shape        string         `db:"shape" json:"shape"` // "circle" or "polygon"
	Status       GeofenceStatus `db:"status" json:"status"`

	VerificationAttempts  int `db:"verification_attempts" json:"verification_attempts"`
	VerificationSuccesses int `db:"verification_successes" json:"verification_successes"`
	VerificationFailures  int `db:"verification_failures" json:"verification_failures"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SubmissionStatus values for StateAggregatorSubmission rows.
const (
	SubmissionPending  = "PENDING"
	SubmissionAccepted = "ACCEPTED"
	SubmissionRejected = "REJECTED"
	SubmissionPartial  = "PARTIAL"
	SubmissionRetry    = "RETRY"
)

// StateAggregatorSubmission is one outbound transmission attempt. Rows are
// never deleted; the table is the audit trail of everything sent to a state.
type StateAggregatorSubmission struct {
	ID             uuid.UUID                 `db:"id" json:"id"`
	EVVRecordID    uuid.UUID                 `db:"evv_record_id" json:"evv_record_id"`
	State          staterules.StateCode      `db:"state" json:"state"`
	AggregatorType staterules.AggregatorType `db:"aggregator_type" json:"aggregator_type"`
	Format         string                    `db:"format" json:"format"`
	Payload        map[string]interface{}    `db:"payload" json:"payload"`
	Status         string                    `db:"status" json:"status"`
	TransactionID  *string                   `db:"transaction_id" json:"transaction_id,omitempty"`
	ResponseErrors []string                  `db:"response_errors" json:"response_errors,omitempty"`
	RetryCount     int                       `db:"retry_count" json:"retry_count"`
	NextRetryAt    *time.Time                `db:"next_retry_at" json:"next_retry_at,omitempty"`
	CreatedAt      time.Time                 `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time                 `db:"updated_at" json:"updated_at"`
}

// ComputeIntegrityHash hashes the immutable clock-in fields of a record.
// Recomputing it on read detects tampering with the original proof.
func ComputeIntegrityHash(rec *EVVRecord) (hash string, checksum string) {
	canonical := fmt.Sprintf("%s|%s|%s|%s|%s|%.7f|%.7f|%.2f",
		rec.ID, rec.VisitID, rec.ClientID, rec.CaregiverID,
		rec.ClockInTime.UTC().Format(time.RFC3339Nano),
		rec.ClockInVerification.Point.Latitude,
		rec.ClockInVerification.Point.Longitude,
		rec.ClockInVerification.AccuracyMeters,
	)
	sum := sha256.Sum256([]byte(canonical))
	hash = hex.EncodeToString(sum[:])
	checksum = fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(hash)))
	return hash, checksum
}

// VerifyIntegrity recomputes the hash pair and reports whether the stored
// values still match.
func VerifyIntegrity(rec *EVVRecord) bool {
	hash, checksum := ComputeIntegrityHash(rec)
	return hash == rec.IntegrityHash && checksum == rec.IntegrityChecksum
}

// EntryIntegrityHash hashes a time entry's immutable fields.
func EntryIntegrityHash(e *TimeEntry) string {
	canonical := fmt.Sprintf("%s|%s|%s|%s|%s|%.7f|%.7f",
		e.ID, e.EVVRecordID, e.Type,
		e.OccurredAt.UTC().Format(time.RFC3339Nano),
		e.Location.DeviceID,
		e.Location.Point.Latitude, e.Location.Point.Longitude,
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// HashSignature hashes a captured signature image for the clock-out
// attestation.
func HashSignature(signature []byte) string {
	sum := sha256.Sum256(signature)
	return hex.EncodeToString(sum[:])
}

// Duration returns the visit length in minutes net of completed pauses, or
// nil while the visit is open.
func (r *EVVRecord) Duration() *int {
	if r.ClockOutTime == nil {
		return nil
	}
	d := r.ClockOutTime.Sub(r.ClockInTime)
	for _, p := range r.PauseEvents {
		if p.ResumedAt != nil {
			d -= p.ResumedAt.Sub(p.PausedAt)
		}
	}
	mins := int(d.Minutes())
	return &mins
}

// HasFlag reports whether a compliance flag is present on the record.
func (r *EVVRecord) HasFlag(flag ComplianceFlag) bool {
	for _, f := range r.ComplianceFlags {
		if f == flag {
			return true
		}
	}
	return false
}
