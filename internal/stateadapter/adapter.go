// Package stateadapter packages EVV records for each supported state
// Medicaid program. One adapter per state encodes that program's validation
// rules and payload format; the factory routes records to the adapter and
// the shared aggregator client for the state's designated backend.
package stateadapter

import (
	"github.com/neighborhood-lab/care-commons/internal/aggregator"
	"github.com/neighborhood-lab/care-commons/internal/domain/evv"
	"github.com/neighborhood-lab/care-commons/internal/domain/staterules"
)

// ValidationOutcome splits program findings into hard errors, which block
// submission, and warnings, which ride along in the payload for the
// aggregator's exception workflow.
type ValidationOutcome struct {
	Errors   []string
	Warnings []string
}

// OK reports whether the record may be submitted.
func (v ValidationOutcome) OK() bool { return len(v.Errors) == 0 }

// Adapter prepares a completed EVV record for one state program.
type Adapter interface {
	State() staterules.StateCode

	// Validate applies the program's submission rules.
	Validate(rec *evv.EVVRecord) ValidationOutcome

	// BuildSubmission renders the aggregator-bound envelope. Callers
	// validate first; BuildSubmission assumes a submittable record.
	BuildSubmission(rec *evv.EVVRecord) (*aggregator.Submission, error)

	// AggregatorFor names the concrete backend for this record. Most
	// states return a constant; Florida routes per client.
	AggregatorFor(rec *evv.EVVRecord) staterules.AggregatorType
}
