package stateadapter

import (
	"fmt"

	"github.com/neighborhood-lab/care-commons/internal/aggregator"
	"github.com/neighborhood-lab/care-commons/internal/domain/evv"
	"github.com/neighborhood-lab/care-commons/internal/domain/staterules"
)

// ruralToleranceMultiplier widens the accepted fence distance for visits
// flagged rural, where address geocoding and GPS coverage are both weaker.
const ruralToleranceMultiplier = 2.0

// georgiaAdapter implements the DCH program rules. Georgia submits through
// Tellus and extends its fence tolerance for rural service addresses.
type georgiaAdapter struct {
	base
}

func newGeorgiaAdapter() (*georgiaAdapter, error) {
	b, err := newBase(staterules.StateGA)
	if err != nil {
		return nil, err
	}
	return &georgiaAdapter{base: b}, nil
}

func (a *georgiaAdapter) Validate(rec *evv.EVVRecord) ValidationOutcome {
	out := a.validateCommon(rec)

	if boolField(rec, "rural_visit") && rec.HasFlag(evv.FlagGeofenceViolation) && a.withinRuralTolerance(rec) {
		out.Errors = dropFinding(out.Errors, "unverified visit requires a manual override before submission")
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"fence distance %.0fm accepted under the rural tolerance",
			rec.ClockInVerification.DistanceFromAddress))
	}
	return out
}

func (a *georgiaAdapter) withinRuralTolerance(rec *evv.EVVRecord) bool {
	v := rec.ClockInVerification
	if v.MockLocationDetected {
		return false
	}
	return v.DistanceFromAddress <= v.EffectiveRadiusMeters*ruralToleranceMultiplier
}

func (a *georgiaAdapter) BuildSubmission(rec *evv.EVVRecord) (*aggregator.Submission, error) {
	payload := a.basePayload(rec)
	payload["program"] = "DCH"
	if boolField(rec, "rural_visit") {
		payload["rural_visit"] = true
	}
	return &aggregator.Submission{
		RecordID: rec.ID,
		State:    a.state,
		Format:   aggregator.FormatTellus,
		Payload:  payload,
	}, nil
}
