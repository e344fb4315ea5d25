package stateadapter

import (
	"github.com/neighborhood-lab/care-commons/internal/aggregator"
	"github.com/neighborhood-lab/care-commons/internal/domain/evv"
	"github.com/neighborhood-lab/care-commons/internal/domain/staterules"
)

// Ohio, Pennsylvania, North Carolina, and Arizona all submit through
// Sandata; their adapters share the payload shape and differ only in the
// program rules layered on top.

// ohioAdapter implements the ODM program rules.
type ohioAdapter struct {
	base
}

func newOhioAdapter() (*ohioAdapter, error) {
	b, err := newBase(staterules.StateOH)
	if err != nil {
		return nil, err
	}
	return &ohioAdapter{base: b}, nil
}

func (a *ohioAdapter) Validate(rec *evv.EVVRecord) ValidationOutcome {
	out := a.validateCommon(rec)

	// ODM accepts manually keyed visits only after a supervisor override.
	if rec.ClockInVerification.Method == evv.MethodManual && !rec.HasFlag(evv.FlagManualOverrideApplied) {
		out.Errors = append(out.Errors, "manually keyed visits require a supervisor override")
	}
	return out
}

func (a *ohioAdapter) BuildSubmission(rec *evv.EVVRecord) (*aggregator.Submission, error) {
	payload := a.basePayload(rec)
	payload["program"] = "ODM"
	return sandataSubmission(a.state, rec, payload), nil
}

// pennsylvaniaAdapter implements the DHS program rules, the strictest of
// the supported programs.
type pennsylvaniaAdapter struct {
	base
}

func newPennsylvaniaAdapter() (*pennsylvaniaAdapter, error) {
	b, err := newBase(staterules.StatePA)
	if err != nil {
		return nil, err
	}
	return &pennsylvaniaAdapter{base: b}, nil
}

func (a *pennsylvaniaAdapter) Validate(rec *evv.EVVRecord) ValidationOutcome {
	out := a.validateCommon(rec)

	// DHS will not accept a geofence violation even with an override; the
	// visit must be corrected or disputed through the state portal.
	if rec.HasFlag(evv.FlagGeofenceViolation) {
		out.Errors = append(out.Errors, "geofence violations are not accepted by the DHS program")
	}
	return out
}

func (a *pennsylvaniaAdapter) BuildSubmission(rec *evv.EVVRecord) (*aggregator.Submission, error) {
	payload := a.basePayload(rec)
	payload["program"] = "DHS"
	payload["prior_authorization"] = stringField(rec, "prior_authorization")
	return sandataSubmission(a.state, rec, payload), nil
}

// northCarolinaAdapter implements the NC DHHS program rules. The program
// leans on telephony fallback heavily in rural coverage gaps.
type northCarolinaAdapter struct {
	base
}

func newNorthCarolinaAdapter() (*northCarolinaAdapter, error) {
	b, err := newBase(staterules.StateNC)
	if err != nil {
		return nil, err
	}
	return &northCarolinaAdapter{base: b}, nil
}

func (a *northCarolinaAdapter) Validate(rec *evv.EVVRecord) ValidationOutcome {
	out := a.validateCommon(rec)

	if rec.ClockInVerification.Method == evv.MethodTelephony {
		out.Warnings = append(out.Warnings, "telephony clock-in carries no GPS proof")
	}
	if rec.ClockInVerification.Method == evv.MethodManual && !rec.HasFlag(evv.FlagManualOverrideApplied) {
		out.Errors = append(out.Errors, "manually keyed visits require a supervisor override")
	}
	return out
}

func (a *northCarolinaAdapter) BuildSubmission(rec *evv.EVVRecord) (*aggregator.Submission, error) {
	payload := a.basePayload(rec)
	payload["program"] = "NC_DHHS"
	return sandataSubmission(a.state, rec, payload), nil
}

// azNonMedicalServiceCodes lists the attendant-care, homemaker, and respite
// codes AHCCCS accepts without a rendering-provider NPI. Skilled codes keep
// the missing-NPI warning.
var azNonMedicalServiceCodes = map[string]bool{
	"S5125": true, // attendant care
	"S5130": true, // homemaker
	"S5135": true, // companion care
	"S5150": true, // respite, 15 min
	"S5151": true, // respite, per diem
	"T1019": true, // personal care
	"T1020": true, // personal care, per diem
}

// arizonaAdapter implements the AHCCCS program rules. Non-medical service
// codes are excused from the NPI-presence warning, and caregivers on the
// live-in exemption list, keyed by NPI, are excused from geofence findings.
type arizonaAdapter struct {
	base
	exemptNPIs map[string]bool
}

func newArizonaAdapter(exemptNPIs []string) (*arizonaAdapter, error) {
	b, err := newBase(staterules.StateAZ)
	if err != nil {
		return nil, err
	}
	exempt := make(map[string]bool, len(exemptNPIs))
	for _, npi := range exemptNPIs {
		exempt[npi] = true
	}
	return &arizonaAdapter{base: b, exemptNPIs: exempt}, nil
}

func (a *arizonaAdapter) Validate(rec *evv.EVVRecord) ValidationOutcome {
	out := a.validateCommon(rec)

	if azNonMedicalServiceCodes[rec.ServiceTypeCode] {
		out.Warnings = dropFinding(out.Warnings, warnMissingNPI)
	}
	if a.isExempt(rec) && rec.HasFlag(evv.FlagGeofenceViolation) {
		// A live-in caregiver's fence findings become warnings; the
		// override requirement on the unverified level is lifted too.
		out.Errors = dropFinding(out.Errors, "unverified visit requires a manual override before submission")
		out.Warnings = append(out.Warnings, "geofence finding waived under the live-in caregiver exemption")
	}
	return out
}

func (a *arizonaAdapter) isExempt(rec *evv.EVVRecord) bool {
	return rec.CaregiverNPI != nil && a.exemptNPIs[*rec.CaregiverNPI]
}

func (a *arizonaAdapter) BuildSubmission(rec *evv.EVVRecord) (*aggregator.Submission, error) {
	payload := a.basePayload(rec)
	payload["program"] = "AHCCCS"
	payload["ahcccs_id"] = stringField(rec, "ahcccs_id")
	if a.isExempt(rec) {
		payload["live_in_exemption"] = true
	}
	return sandataSubmission(a.state, rec, payload), nil
}

func sandataSubmission(state staterules.StateCode, rec *evv.EVVRecord, payload map[string]interface{}) *aggregator.Submission {
	return &aggregator.Submission{
		RecordID:  rec.ID,
		State:     state,
		Format:    aggregator.FormatSandata,
		Payload:   payload,
		Telephony: rec.ClockInVerification.Method == evv.MethodTelephony,
	}
}

func dropFinding(findings []string, target string) []string {
	out := findings[:0]
	for _, f := range findings {
		if f != target {
			out = append(out, f)
		}
	}
	return out
}
