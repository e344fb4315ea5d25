// Package caregiver holds the caregiver roster, background-screening state,
// and the credential requirements gating service delivery.
package caregiver

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/neighborhood-lab/care-commons/internal/domain/evv"
	"github.com/neighborhood-lab/care-commons/internal/platform/apperr"
	"github.com/neighborhood-lab/care-commons/internal/platform/db"
)

// Caregiver is one member of the care workforce.
type Caregiver struct {
	ID                   uuid.UUID           `db:"id" json:"id"`
	Name                 string              `db:"name" json:"name"`
	EmployeeID           string              `db:"employee_id" json:"employee_id"`
	NPI                  *string             `db:"npi" json:"npi,omitempty"`
	ActiveCredentials    []string            `db:"active_credentials" json:"active_credentials"`
	ActiveCertifications []string            `db:"active_certifications" json:"active_certifications"`
	BackgroundScreening  evv.ScreeningStatus `db:"background_screening" json:"background_screening"`
}

// Repository is the roster storage contract.
type Repository interface {
	Create(ctx context.Context, c *Caregiver) error
	Get(ctx context.Context, id uuid.UUID) (*Caregiver, error)

	// RequiredCredentials lists every credential a service type demands.
	RequiredCredentials(ctx context.Context, serviceTypeCode string) ([]string, error)
	SetRequiredCredentials(ctx context.Context, serviceTypeCode string, credentials []string) error
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

func (r *repoPG) Create(ctx context.Context, c *Caregiver) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO caregiver (id, name, employee_id, npi, active_credentials, active_certifications, background_screening)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		c.ID, c.Name, c.EmployeeID, c.NPI, c.ActiveCredentials, c.ActiveCertifications, c.BackgroundScreening,
	)
	return err
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Caregiver, error) {
	var c Caregiver
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, employee_id, npi, active_credentials, active_certifications, background_screening
		FROM caregiver WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.EmployeeID, &c.NPI, &c.ActiveCredentials, &c.ActiveCertifications, &c.BackgroundScreening)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "caregiver %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repoPG) RequiredCredentials(ctx context.Context, serviceTypeCode string) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT credential FROM service_type_credential
		WHERE service_type_code = $1
		ORDER BY credential`, serviceTypeCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var cred string
		if err := rows.Scan(&cred); err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

func (r *repoPG) SetRequiredCredentials(ctx context.Context, serviceTypeCode string, credentials []string) error {
	q := r.conn(ctx)
	if _, err := q.Exec(ctx,
		`DELETE FROM service_type_credential WHERE service_type_code = $1`, serviceTypeCode); err != nil {
		return err
	}
	for _, cred := range credentials {
		if _, err := q.Exec(ctx, `
			INSERT INTO service_type_credential (service_type_code, credential)
			VALUES ($1, $2)`, serviceTypeCode, cred); err != nil {
			return err
		}
	}
	return nil
}
