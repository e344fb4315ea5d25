package caregiver

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/neighborhood-lab/care-commons/internal/domain/evv"
)

// Provider adapts the roster to the EVV pipeline's contract.
type Provider struct {
	repo Repository
}

// NewProvider builds the evv.CaregiverProvider over the roster.
func NewProvider(repo Repository) *Provider {
	return &Provider{repo: repo}
}

var _ evv.CaregiverProvider = (*Provider)(nil)

// GetCaregiverForEVV returns the identity snapshot written onto EVV records.
func (p *Provider) GetCaregiverForEVV(ctx context.Context, caregiverID uuid.UUID) (*evv.CaregiverInfo, error) {
	c, err := p.repo.Get(ctx, caregiverID)
	if err != nil {
		return nil, err
	}
	return &evv.CaregiverInfo{
		ID:                  c.ID,
		Name:                c.Name,
		EmployeeID:          c.EmployeeID,
		NPI:                 c.NPI,
		ActiveCredentials:   c.ActiveCredentials,
		ActiveCerts:         c.ActiveCertifications,
		BackgroundScreening: c.BackgroundScreening,
	}, nil
}

// CanProvideService checks the caregiver against the service type's
// credential requirements. Every required credential must be active; one
// missing credential blocks the whole service.
func (p *Provider) CanProvideService(ctx context.Context, caregiverID uuid.UUID, serviceTypeCode string, clientID uuid.UUID) (*evv.ServiceAuthorization, error) {
	c, err := p.repo.Get(ctx, caregiverID)
	if err != nil {
		return nil, err
	}
	required, err := p.repo.RequiredCredentials(ctx, serviceTypeCode)
	if err != nil {
		return nil, err
	}

	held := make(map[string]bool, len(c.ActiveCredentials)+len(c.ActiveCertifications))
	for _, cred := range c.ActiveCredentials {
		held[cred] = true
	}
	for _, cert := range c.ActiveCertifications {
		held[cert] = true
	}

	auth := &evv.ServiceAuthorization{Authorized: true}
	for _, cred := range required {
		if !held[cred] {
			auth.Authorized = false
			auth.MissingCredentials = append(auth.MissingCredentials, cred)
		}
	}

	if c.BackgroundScreening != evv.ScreeningCleared {
		auth.Authorized = false
		auth.BlockedReasons = append(auth.BlockedReasons,
			fmt.Sprintf("background screening is %s", c.BackgroundScreening))
	}

	return auth, nil
}
