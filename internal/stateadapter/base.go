package stateadapter

import (
	"fmt"
	"time"

	"github.com/neighborhood-lab/care-commons/internal/domain/evv"
	"github.com/neighborhood-lab/care-commons/internal/domain/staterules"
	"github.com/neighborhood-lab/care-commons/internal/platform/geo"
)

// warnMissingNPI is the shared finding for a visit with no caregiver NPI on
// file. Arizona waives it for non-medical service codes.
const warnMissingNPI = "caregiver NPI is not on file"

// base carries the validation and payload fields shared by every program.
// State adapters embed it and layer their own rules on top.
type base struct {
	state staterules.StateCode
	rules staterules.Rules
}

func newBase(state staterules.StateCode) (base, error) {
	rules, err := staterules.RulesFor(state)
	if err != nil {
		return base{}, err
	}
	return base{state: state, rules: rules}, nil
}

func (b base) State() staterules.StateCode { return b.state }

func (b base) AggregatorFor(*evv.EVVRecord) staterules.AggregatorType {
	return b.rules.Aggregator
}

// validateCommon applies the checks every program shares. State adapters
// call it first and append their own findings.
func (b base) validateCommon(rec *evv.EVVRecord) ValidationOutcome {
	var out ValidationOutcome

	if rec.ClockOutTime == nil {
		out.Errors = append(out.Errors, "visit has no clock-out time")
	}
	if rec.ServiceTypeCode == "" {
		out.Errors = append(out.Errors, "service type code is required")
	}
	if rec.TotalDurationMinutes != nil && *rec.TotalDurationMinutes <= 0 {
		out.Errors = append(out.Errors, "visit duration must be positive")
	}
	if rec.CaregiverEmployeeID == "" {
		out.Errors = append(out.Errors, "caregiver employee id is required")
	}
	if rec.ClockInVerification.Method == evv.MethodGPS && rec.ClockInVerification.Point == (geo.Point{}) {
		out.Errors = append(out.Errors, "clock-in GPS coordinates are required")
	}
	if rec.ClockOutVerification != nil && rec.ClockOutVerification.Method == evv.MethodGPS &&
		rec.ClockOutVerification.Point == (geo.Point{}) {
		out.Errors = append(out.Errors, "clock-out GPS coordinates are required")
	}
	for _, field := range b.rules.RequiredIdentifiers {
		switch field {
		case "medicaid_id":
			if rec.ClientMedicaidID == nil || *rec.ClientMedicaidID == "" {
				out.Errors = append(out.Errors, "client medicaid id is required")
			}
		case "ahcccs_id":
			if stringField(rec, "ahcccs_id") == "" {
				out.Errors = append(out.Errors, "client AHCCCS id is required")
			}
		case "prior_authorization":
			if stringField(rec, "prior_authorization") == "" {
				out.Errors = append(out.Errors, "prior authorization number is required")
			}
		}
	}

	// An unverified record only travels if a supervisor has signed off
	// on it through the override workflow.
	if rec.VerificationLevel == evv.LevelUnverified && !rec.HasFlag(evv.FlagManualOverrideApplied) {
		out.Errors = append(out.Errors, "unverified visit requires a manual override before submission")
	}

	if rec.CaregiverNPI == nil || *rec.CaregiverNPI == "" {
		out.Warnings = append(out.Warnings, warnMissingNPI)
	}

	for _, flag := range rec.ComplianceFlags {
		out.Warnings = append(out.Warnings, fmt.Sprintf("compliance flag: %s", flag))
	}

	return out
}

// basePayload renders the fields every aggregator format carries.
func (b base) basePayload(rec *evv.EVVRecord) map[string]interface{} {
	payload := map[string]interface{}{
		"record_id":             rec.ID.String(),
		"visit_id":              rec.VisitID.String(),
		"state":                 string(b.state),
		"client_name":           rec.ClientName,
		"caregiver_name":        rec.CaregiverName,
		"caregiver_employee_id": rec.CaregiverEmployeeID,
		"service_type_code":     rec.ServiceTypeCode,
		"service_date":          rec.ServiceDate.Format("2006-01-02"),
		"clock_in_time":         rec.ClockInTime.Format(time.RFC3339),
		"clock_in_latitude":     rec.ClockInVerification.Point.Latitude,
		"clock_in_longitude":    rec.ClockInVerification.Point.Longitude,
		"verification_level":    string(rec.VerificationLevel),
		"integrity_hash":        rec.IntegrityHash,
	}
	if rec.ClientMedicaidID != nil {
		payload["client_medicaid_id"] = *rec.ClientMedicaidID
	}
	if rec.CaregiverNPI != nil {
		payload["caregiver_npi"] = *rec.CaregiverNPI
	}
	if rec.ClockOutTime != nil {
		payload["clock_out_time"] = rec.ClockOutTime.Format(time.RFC3339)
	}
	if rec.ClockOutVerification != nil {
		payload["clock_out_latitude"] = rec.ClockOutVerification.Point.Latitude
		payload["clock_out_longitude"] = rec.ClockOutVerification.Point.Longitude
	}
	if rec.TotalDurationMinutes != nil {
		payload["duration_minutes"] = *rec.TotalDurationMinutes
	}
	if len(rec.ComplianceFlags) > 0 {
		flags := make([]string, len(rec.ComplianceFlags))
		for i, f := range rec.ComplianceFlags {
			flags[i] = string(f)
		}
		payload["compliance_flags"] = flags
	}
	if rec.AmendsRecordID != nil {
		payload["amends_record_id"] = rec.AmendsRecordID.String()
		if rec.AmendReason != nil {
			payload["amend_reason"] = *rec.AmendReason
		}
	}
	return payload
}

// stringField reads a string from the record's state-specific extension map.
func stringField(rec *evv.EVVRecord, key string) string {
	if rec.StateSpecificData == nil {
		return ""
	}
	if v, ok := rec.StateSpecificData[key].(string); ok {
		return v
	}
	return ""
}

func boolField(rec *evv.EVVRecord, key string) bool {
	if rec.StateSpecificData == nil {
		return false
	}
	v, _ := rec.StateSpecificData[key].(bool)
	return v
}
