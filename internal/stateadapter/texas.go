package stateadapter

import (
	"fmt"
	"time"

	"github.com/neighborhood-lab/care-commons/internal/aggregator"
	"github.com/neighborhood-lab/care-commons/internal/domain/evv"
	"github.com/neighborhood-lab/care-commons/internal/domain/staterules"
)

// texasAdapter implements the HHSC program rules. Texas submits through
// HHAeXchange and is the only program with a formal visit-unlock workflow
// for correcting submitted visits.
type texasAdapter struct {
	base
}

func newTexasAdapter() (*texasAdapter, error) {
	b, err := newBase(staterules.StateTX)
	if err != nil {
		return nil, err
	}
	return &texasAdapter{base: b}, nil
}

func (a *texasAdapter) Validate(rec *evv.EVVRecord) ValidationOutcome {
	out := a.validateCommon(rec)

	// HHSC accepts GPS and telephony clock methods only.
	if !texasMethod(rec.ClockInVerification.Method) {
		out.Errors = append(out.Errors, fmt.Sprintf(
			"clock-in method %s is not accepted; Texas requires GPS or telephony", rec.ClockInVerification.Method))
	}
	if rec.ClockOutVerification != nil && !texasMethod(rec.ClockOutVerification.Method) {
		out.Errors = append(out.Errors, fmt.Sprintf(
			"clock-out method %s is not accepted; Texas requires GPS or telephony", rec.ClockOutVerification.Method))
	}

	// GPS samples beyond the program accuracy ceiling are rejected
	// outright, not flagged.
	if rec.ClockInVerification.Method == evv.MethodGPS &&
		rec.ClockInVerification.AccuracyMeters > a.rules.MinimumGPSAccuracyMeters {
		out.Errors = append(out.Errors, fmt.Sprintf(
			"clock-in GPS accuracy %.0fm exceeds the %.0fm ceiling",
			rec.ClockInVerification.AccuracyMeters, a.rules.MinimumGPSAccuracyMeters))
	}

	return out
}

func (a *texasAdapter) BuildSubmission(rec *evv.EVVRecord) (*aggregator.Submission, error) {
	payload := a.basePayload(rec)
	payload["program"] = "HHSC"
	payload["telephony"] = rec.ClockInVerification.Method == evv.MethodTelephony

	return &aggregator.Submission{
		RecordID:  rec.ID,
		State:     a.state,
		Format:    aggregator.FormatHHAX,
		Payload:   payload,
		Telephony: rec.ClockInVerification.Method == evv.MethodTelephony,
	}, nil
}

// BuildUnlockRequest renders the HHSC visit maintenance unlock request form
// a provider files before correcting a visit already accepted by the
// aggregator.
func (a *texasAdapter) BuildUnlockRequest(rec *evv.EVVRecord, reason string) (map[string]interface{}, error) {
	form := map[string]interface{}{
		"form":                  "visit-maintenance-unlock-request",
		"program":               "HHSC",
		"record_id":             rec.ID.String(),
		"visit_id":              rec.VisitID.String(),
		"service_date":          rec.ServiceDate.Format("2006-01-02"),
		"caregiver_employee_id": rec.CaregiverEmployeeID,
		"reason":                reason,
		"requested_at":          time.Now().UTC().Format(time.RFC3339),
	}
	if rec.ClientMedicaidID != nil {
		form["client_medicaid_id"] = *rec.ClientMedicaidID
	}
	return form, nil
}

func texasMethod(m evv.VerificationMethod) bool {
	return m == evv.MethodGPS || m == evv.MethodTelephony
}
