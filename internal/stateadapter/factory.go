package stateadapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/neighborhood-lab/care-commons/internal/aggregator"
	"github.com/neighborhood-lab/care-commons/internal/domain/evv"
	"github.com/neighborhood-lab/care-commons/internal/domain/staterules"
	"github.com/neighborhood-lab/care-commons/internal/platform/apperr"
)

// BackendConfig is one aggregator backend's connection settings.
type BackendConfig struct {
	BaseURL string
	Token   string
}

// Config wires the factory to the three aggregator backends.
type Config struct {
	Sandata     BackendConfig
	Tellus      BackendConfig
	HHAeXchange BackendConfig

	// ArizonaExemptNPIs lists caregivers under the AHCCCS live-in
	// exemption.
	ArizonaExemptNPIs []string

	// NewClient overrides backend client construction, for tests.
	NewClient func(agg staterules.AggregatorType, cfg BackendConfig) aggregator.Client
}

// Factory hands out state adapters and aggregator clients. Adapters and
// clients are built once and cached: every state assigned to the same
// backend shares one client instance, so a token refresh on it reaches all
// of them.
type Factory struct {
	cfg Config

	mu       sync.Mutex
	clients  map[staterules.AggregatorType]aggregator.Client
	adapters map[staterules.StateCode]Adapter
}

// NewFactory builds an adapter factory over the given backend config.
func NewFactory(cfg Config) *Factory {
	if cfg.NewClient == nil {
		cfg.NewClient = defaultClient
	}
	return &Factory{
		cfg:      cfg,
		clients:  make(map[staterules.AggregatorType]aggregator.Client),
		adapters: make(map[staterules.StateCode]Adapter),
	}
}

func defaultClient(agg staterules.AggregatorType, cfg BackendConfig) aggregator.Client {
	switch agg {
	case staterules.AggregatorSandata:
		return aggregator.NewSandataClient(cfg.BaseURL, cfg.Token)
	case staterules.AggregatorTellus:
		return aggregator.NewTellusClient(cfg.BaseURL, cfg.Token)
	default:
		return aggregator.NewHHAXClient(cfg.BaseURL, cfg.Token)
	}
}

// AdapterFor returns the cached adapter for a state, building it on first
// use.
func (f *Factory) AdapterFor(state staterules.StateCode) (Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapterLocked(state)
}

func (f *Factory) adapterLocked(state staterules.StateCode) (Adapter, error) {
	if a, ok := f.adapters[state]; ok {
		return a, nil
	}

	var (
		a   Adapter
		err error
	)
	switch state {
	case staterules.StateTX:
		a, err = newTexasAdapter()
	case staterules.StateFL:
		a, err = newFloridaAdapter()
	case staterules.StateOH:
		a, err = newOhioAdapter()
	case staterules.StatePA:
		a, err = newPennsylvaniaAdapter()
	case staterules.StateGA:
		a, err = newGeorgiaAdapter()
	case staterules.StateNC:
		a, err = newNorthCarolinaAdapter()
	case staterules.StateAZ:
		a, err = newArizonaAdapter(f.cfg.ArizonaExemptNPIs)
	default:
		_, err = staterules.RulesFor(state)
		if err == nil {
			err = apperr.Newf(apperr.KindConfiguration, "no adapter registered for state %s", state)
		}
	}
	if err != nil {
		return nil, err
	}
	f.adapters[state] = a
	return a, nil
}

// ClientFor returns the singleton client for a backend, building it on
// first use.
func (f *Factory) ClientFor(agg staterules.AggregatorType) aggregator.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clientLocked(agg)
}

func (f *Factory) clientLocked(agg staterules.AggregatorType) aggregator.Client {
	if c, ok := f.clients[agg]; ok {
		return c
	}
	var cfg BackendConfig
	switch agg {
	case staterules.AggregatorSandata:
		cfg = f.cfg.Sandata
	case staterules.AggregatorTellus:
		cfg = f.cfg.Tellus
	default:
		cfg = f.cfg.HHAeXchange
	}
	c := f.cfg.NewClient(agg, cfg)
	f.clients[agg] = c
	return c
}

// SubmitRecord validates a record against its state program, renders the
// aggregator envelope, and transmits it through the backend's shared
// client.
func (f *Factory) SubmitRecord(ctx context.Context, rec *evv.EVVRecord) (*aggregator.Result, *aggregator.Submission, error) {
	f.mu.Lock()
	adapter, err := f.adapterLocked(rec.ServiceAddress.State)
	f.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	outcome := adapter.Validate(rec)
	if !outcome.OK() {
		ae := apperr.Newf(apperr.KindValidation,
			"record %s fails %s program validation", rec.ID, adapter.State())
		return nil, nil, ae.WithDetails(outcome.Errors...)
	}

	sub, err := adapter.BuildSubmission(rec)
	if err != nil {
		return nil, nil, fmt.Errorf("build %s submission: %w", adapter.State(), err)
	}
	if len(outcome.Warnings) > 0 {
		sub.Payload["warnings"] = outcome.Warnings
	}

	client := f.ClientFor(adapter.AggregatorFor(rec))
	result, err := client.Submit(ctx, *sub)
	if err != nil {
		return nil, sub, err
	}
	return result, sub, nil
}

// BuildUnlockRequest renders the visit-unlock form for programs that
// require one. Only Texas does today.
func (f *Factory) BuildUnlockRequest(ctx context.Context, rec *evv.EVVRecord, reason string) (map[string]interface{}, error) {
	adapter, err := f.AdapterFor(rec.ServiceAddress.State)
	if err != nil {
		return nil, err
	}
	tx, ok := adapter.(*texasAdapter)
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation,
			"state %s has no visit-unlock workflow", rec.ServiceAddress.State)
	}
	return tx.BuildUnlockRequest(rec, reason)
}

// IsSupported reports whether a state has both rules and an adapter.
func (f *Factory) IsSupported(state staterules.StateCode) bool {
	return staterules.IsSupported(state)
}

// SupportedStates lists the states the factory can route.
func (f *Factory) SupportedStates() []staterules.StateCode {
	return staterules.SupportedStates()
}

// StatesByAggregator groups the supported states under the backend each
// submits through.
func (f *Factory) StatesByAggregator() map[staterules.AggregatorType][]staterules.StateCode {
	out := make(map[staterules.AggregatorType][]staterules.StateCode)
	for _, state := range staterules.SupportedStates() {
		rules, err := staterules.RulesFor(state)
		if err != nil {
			continue
		}
		out[rules.Aggregator] = append(out[rules.Aggregator], state)
	}
	return out
}

// AggregatorTypeFor reports which backend a state's records submit
// through.
func (f *Factory) AggregatorTypeFor(state staterules.StateCode) (staterules.AggregatorType, error) {
	rules, err := staterules.RulesFor(state)
	if err != nil {
		return "", err
	}
	return rules.Aggregator, nil
}

// StatesFor lists the supported states assigned to one backend.
func (f *Factory) StatesFor(agg staterules.AggregatorType) []staterules.StateCode {
	return f.StatesByAggregator()[agg]
}

// SetToken swaps the bearer token on one backend's shared client.
func (f *Factory) SetToken(agg staterules.AggregatorType, token string) {
	f.ClientFor(agg).SetToken(token)
}

// ClearCache drops the cached adapters and clients. Intended for config
// reloads and tests.
func (f *Factory) ClearCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients = make(map[staterules.AggregatorType]aggregator.Client)
	f.adapters = make(map[staterules.StateCode]Adapter)
}
