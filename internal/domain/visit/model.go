// Package visit holds the scheduled-visit roster the EVV pipeline verifies
// against.
package visit

import (
	"time"

	"github.com/google/uuid"

	"github.com/neighborhood-lab/care-commons/internal/domain/evv"
)

// Status is a visit's scheduling state.
type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusMissed     Status = "MISSED"
)

// Visit is one scheduled service appointment.
type Visit struct {
	ID              uuid.UUID          `db:"id" json:"id"`
	OrgID           uuid.UUID          `db:"org_id" json:"org_id"`
	BranchID        uuid.UUID          `db:"branch_id" json:"branch_id"`
	ClientID        uuid.UUID          `db:"client_id" json:"client_id"`
	CaregiverID     uuid.UUID          `db:"caregiver_id" json:"caregiver_id"`
	ServiceTypeCode string             `db:"service_type_code" json:"service_type_code"`
	ServiceTypeName string             `db:"service_type_name" json:"service_type_name"`
	ScheduledStart  time.Time          `db:"scheduled_start" json:"scheduled_start"`
	ScheduledEnd    time.Time          `db:"scheduled_end" json:"scheduled_end"`
	Status          Status             `db:"status" json:"status"`
	ServiceAddress  evv.ServiceAddress `db:"service_address" json:"service_address"`
	RuralFlag       bool               `db:"rural_flag" json:"rural_flag"`
}
