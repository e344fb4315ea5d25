package stateadapter

import (
	"github.com/neighborhood-lab/care-commons/internal/aggregator"
	"github.com/neighborhood-lab/care-commons/internal/domain/evv"
	"github.com/neighborhood-lab/care-commons/internal/domain/staterules"
)

// floridaAdapter implements the AHCA program rules. Florida has no single
// designated aggregator; routing is per client, by explicit preference
// first, then by the client's managed-care plan, falling back to
// HHAeXchange.
type floridaAdapter struct {
	base
}

// mcoAggregators maps Florida managed-care plan codes to the aggregator
// each plan contracts with.
var mcoAggregators = map[string]staterules.AggregatorType{
	"SUNSHINE":  staterules.AggregatorTellus,
	"HUMANA":    staterules.AggregatorHHAeXchange,
	"MOLINA":    staterules.AggregatorTellus,
	"UNITED":    staterules.AggregatorSandata,
	"SIMPLY":    staterules.AggregatorHHAeXchange,
	"AETNA":     staterules.AggregatorSandata,
	"COMMUNITY": staterules.AggregatorHHAeXchange,
}

func newFloridaAdapter() (*floridaAdapter, error) {
	b, err := newBase(staterules.StateFL)
	if err != nil {
		return nil, err
	}
	return &floridaAdapter{base: b}, nil
}

func (a *floridaAdapter) Validate(rec *evv.EVVRecord) ValidationOutcome {
	out := a.validateCommon(rec)
	if stringField(rec, "mco_code") == "" && stringField(rec, "preferred_aggregator") == "" {
		out.Warnings = append(out.Warnings, "no managed-care plan on file; routing to the default aggregator")
	}
	return out
}

func (a *floridaAdapter) AggregatorFor(rec *evv.EVVRecord) staterules.AggregatorType {
	if pref := stringField(rec, "preferred_aggregator"); pref != "" {
		switch staterules.AggregatorType(pref) {
		case staterules.AggregatorSandata, staterules.AggregatorTellus, staterules.AggregatorHHAeXchange:
			return staterules.AggregatorType(pref)
		}
	}
	if mco := stringField(rec, "mco_code"); mco != "" {
		if agg, ok := mcoAggregators[mco]; ok {
			return agg
		}
	}
	return staterules.AggregatorHHAeXchange
}

func (a *floridaAdapter) BuildSubmission(rec *evv.EVVRecord) (*aggregator.Submission, error) {
	backend := a.AggregatorFor(rec)
	payload := a.basePayload(rec)
	payload["program"] = "AHCA"
	payload["routed_aggregator"] = string(backend)
	if mco := stringField(rec, "mco_code"); mco != "" {
		payload["mco_code"] = mco
	}

	return &aggregator.Submission{
		RecordID: rec.ID,
		State:    a.state,
		Format:   formatFor(backend),
		Payload:  payload,
	}, nil
}

// formatFor names the wire format each backend accepts.
func formatFor(agg staterules.AggregatorType) string {
	switch agg {
	case staterules.AggregatorSandata:
		return aggregator.FormatSandata
	case staterules.AggregatorTellus:
		return aggregator.FormatTellus
	default:
		return aggregator.FormatHHAX
	}
}
