// Package client holds the client census the EVV pipeline snapshots
// identity from.
package client

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/neighborhood-lab/care-commons/internal/domain/evv"
	"github.com/neighborhood-lab/care-commons/internal/domain/staterules"
	"github.com/neighborhood-lab/care-commons/internal/platform/apperr"
	"github.com/neighborhood-lab/care-commons/internal/platform/db"
)

// Client is one person receiving care.
type Client struct {
	ID         uuid.UUID            `db:"id" json:"id"`
	Name       string               `db:"name" json:"name"`
	MedicaidID *string              `db:"medicaid_id" json:"medicaid_id,omitempty"`
	AHCCCSID   *string              `db:"ahcccs_id" json:"ahcccs_id,omitempty"`
	State      staterules.StateCode `db:"state" json:"state"`
	MCOCode    *string              `db:"mco_code" json:"mco_code,omitempty"`

	PreferredAggregator *staterules.AggregatorType `db:"preferred_aggregator" json:"preferred_aggregator,omitempty"`
}

// Repository is the census storage contract.
type Repository interface {
	Create(ctx context.Context, c *Client) error
	Get(ctx context.Context, id uuid.UUID) (*Client, error)
}

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo builds the pgx-backed Repository.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) Create(ctx context.Context, c *Client) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	q := querierFor(ctx, r.pool)
	_, err := q.Exec(ctx, `
		INSERT INTO client (id, name, medicaid_id, ahcccs_id, state, mco_code, preferred_aggregator)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		c.ID, c.Name, c.MedicaidID, c.AHCCCSID, c.State, c.MCOCode, c.PreferredAggregator,
	)
	return err
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Client, error) {
	q := querierFor(ctx, r.pool)
	var c Client
	err := q.QueryRow(ctx, `
		SELECT id, name, medicaid_id, ahcccs_id, state, mco_code, preferred_aggregator
		FROM client WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.MedicaidID, &c.AHCCCSID, &c.State, &c.MCOCode, &c.PreferredAggregator)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "client %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Provider adapts the census to the EVV pipeline's contract.
type Provider struct {
	repo Repository
}

// NewProvider builds the evv.ClientProvider over the census.
func NewProvider(repo Repository) *Provider {
	return &Provider{repo: repo}
}

var _ evv.ClientProvider = (*Provider)(nil)

// GetClientForEVV returns the identity snapshot written onto EVV records.
func (p *Provider) GetClientForEVV(ctx context.Context, clientID uuid.UUID) (*evv.ClientInfo, error) {
	c, err := p.repo.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return &evv.ClientInfo{
		ID:                  c.ID,
		Name:                c.Name,
		MedicaidID:          c.MedicaidID,
		AHCCCSID:            c.AHCCCSID,
		State:               c.State,
		MCOCode:             c.MCOCode,
		PreferredAggregator: c.PreferredAggregator,
	}, nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func querierFor(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}
