package evv

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the storage contract for the EVV compliance core. The pgx
// implementation honors a transaction placed in the context, which is how
// the clock-in record pair is written atomically.
type Repository interface {
	CreateRecord(ctx context.Context, rec *EVVRecord) error
	GetRecord(ctx context.Context, id uuid.UUID) (*EVVRecord, error)
	GetRecordByVisit(ctx context.Context, visitID uuid.UUID) (*EVVRecord, error)
	UpdateRecord(ctx context.Context, rec *EVVRecord) error
	ListRecords(ctx context.Context, filter RecordFilter, limit, offset int) ([]*EVVRecord, int, error)

	CreateTimeEntry(ctx context.Context, entry *TimeEntry) error
	GetTimeEntry(ctx context.Context, id uuid.UUID) (*TimeEntry, error)
	UpdateTimeEntry(ctx context.Context, entry *TimeEntry) error
	ListTimeEntriesByRecord(ctx context.Context, recordID uuid.UUID) ([]*TimeEntry, error)

	GetGeofenceByClient(ctx context.Context, clientID uuid.UUID) (*Geofence, error)
	CreateGeofence(ctx context.Context, fence *Geofence) error
	UpdateGeofenceCounters(ctx context.Context, id uuid.UUID, passed bool) error

	CreateSubmission(ctx context.Context, sub *StateAggregatorSubmission) error
	UpdateSubmission(ctx context.Context, sub *StateAggregatorSubmission) error
	ListSubmissionsByRecord(ctx context.Context, recordID uuid.UUID) ([]*StateAggregatorSubmission, error)
	ListSubmissionsDueForRetry(ctx context.Context, limit int) ([]*StateAggregatorSubmission, error)
}

// RecordFilter narrows ListRecords.
type RecordFilter struct {
	ClientID    *uuid.UUID
	CaregiverID *uuid.UUID
	Status      *RecordStatus
	State       *string
}
