package visit

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/neighborhood-lab/care-commons/internal/platform/apperr"
	"github.com/neighborhood-lab/care-commons/internal/platform/db"
)

// Repository is the visit roster storage contract.
type Repository interface {
	Create(ctx context.Context, v *Visit) error
	Get(ctx context.Context, id uuid.UUID) (*Visit, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	ListByCaregiver(ctx context.Context, caregiverID uuid.UUID, limit, offset int) ([]*Visit, error)
}

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

const visitCols = `id, org_id, branch_id, client_id, caregiver_id,
	service_type_code, service_type_name, scheduled_start, scheduled_end,
	status, service_address, rural_flag`

func (r *repoPG) Create(ctx context.Context, v *Visit) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.Status == "" {
		v.Status = StatusScheduled
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO visit (
			id, org_id, branch_id, client_id, caregiver_id,
			service_type_code, service_type_name, scheduled_start, scheduled_end,
			status, service_address, rural_flag
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		v.ID, v.OrgID, v.BranchID, v.ClientID, v.CaregiverID,
		v.ServiceTypeCode, v.ServiceTypeName, v.ScheduledStart, v.ScheduledEnd,
		v.Status, v.ServiceAddress, v.RuralFlag,
	)
	return err
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Visit, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+visitCols+` FROM visit WHERE id = $1`, id)
	v, err := scanVisit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "visit %s not found", id)
	}
	return v, err
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE visit SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.KindNotFound, "visit %s not found", id)
	}
	return nil
}

func (r *repoPG) ListByCaregiver(ctx context.Context, caregiverID uuid.UUID, limit, offset int) ([]*Visit, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+visitCols+` FROM visit
		WHERE caregiver_id = $1
		ORDER BY scheduled_start DESC
		LIMIT $2 OFFSET $3`,
		caregiverID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	err := row.Scan(
		&v.ID, &v.OrgID, &v.BranchID, &v.ClientID, &v.CaregiverID,
		&v.ServiceTypeCode, &v.ServiceTypeName, &v.ScheduledStart, &v.ScheduledEnd,
		&v.Status, &v.ServiceAddress, &v.RuralFlag,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
