// Package staterules is the single source of truth for per-state EVV
// parameters. Every adapter reads its geofence radius, tolerances, and
// identifier requirements from here; no adapter hardcodes its own radius.
package staterules

import (
	"sort"
	"strings"

	"github.com/neighborhood-lab/care-commons/internal/platform/apperr"
)

// StateCode identifies a Medicaid program the platform operates in.
type StateCode string

const (
	StateTX StateCode = "TX"
	StateFL StateCode = "FL"
	StateOH StateCode = "OH"
	StatePA StateCode = "PA"
	StateGA StateCode = "GA"
	StateNC StateCode = "NC"
	StateAZ StateCode = "AZ"
)

// AggregatorType names a state-designated EVV aggregator backend.
type AggregatorType string

const (
	AggregatorSandata     AggregatorType = "SANDATA"
	AggregatorTellus      AggregatorType = "TELLUS"
	AggregatorHHAeXchange AggregatorType = "HHAEXCHANGE"
	// AggregatorFloridaMulti marks Florida's per-client routing across
	// HHAeXchange, Tellus, and iConnect.
	AggregatorFloridaMulti AggregatorType = "FL_MULTI"
)

// OverrideReason is a closed reason-code enum for supervisor overrides.
type OverrideReason string

const (
	ReasonGPSUnavailable        OverrideReason = "GPS_UNAVAILABLE"
	ReasonClientLocationChanged OverrideReason = "CLIENT_LOCATION_CHANGED"
	ReasonDeviceFailure         OverrideReason = "DEVICE_FAILURE"
	ReasonConnectivityLoss      OverrideReason = "CONNECTIVITY_LOSS"
	ReasonEmergency             OverrideReason = "EMERGENCY"
	ReasonCaregiverError        OverrideReason = "CAREGIVER_ERROR"
)

// OverridePolicy is a state's manual-override rule set.
type OverridePolicy struct {
	AllowedReasons     []OverrideReason
	SupervisorRequired bool
}

// Allows reports whether reason is in the state's closed reason-code list.
func (p OverridePolicy) Allows(reason OverrideReason) bool {
	for _, r := range p.AllowedReasons {
		if r == reason {
			return true
		}
	}
	return false
}

// Rules holds one state's EVV parameters.
type Rules struct {
	State                     StateCode
	GeofenceRadiusMeters      float64
	GPSToleranceMeters        float64
	MinimumGPSAccuracyMeters  float64
	VisitTimeToleranceMinutes int
	RequiredIdentifiers       []string
	Aggregator                AggregatorType
	RetentionYears            int
	Override                  OverridePolicy
}

var allReasons = []OverrideReason{
	ReasonGPSUnavailable, ReasonClientLocationChanged, ReasonDeviceFailure,
	ReasonConnectivityLoss, ReasonEmergency, ReasonCaregiverError,
}

// Per-state parameters. PA carries the strictest geofence radius of the
// seven programs; AZ keys client identity on the AHCCCS ID instead of a
// generic Medicaid ID.
var registry = map[StateCode]Rules{
	StateTX: {
		State:                     StateTX,
		GeofenceRadiusMeters:      100,
		GPSToleranceMeters:        50,
		MinimumGPSAccuracyMeters:  100,
		VisitTimeToleranceMinutes: 15,
		RequiredIdentifiers:       []string{"medicaid_id"},
		Aggregator:                AggregatorHHAeXchange,
		RetentionYears:            6,
		Override: OverridePolicy{
			AllowedReasons:     allReasons,
			SupervisorRequired: true,
		},
	},
	StateFL: {
		State:                     StateFL,
		GeofenceRadiusMeters:      150,
		GPSToleranceMeters:        50,
		MinimumGPSAccuracyMeters:  150,
		VisitTimeToleranceMinutes: 15,
		RequiredIdentifiers:       []string{"medicaid_id"},
		Aggregator:                AggregatorFloridaMulti,
		RetentionYears:            6,
		Override: OverridePolicy{
			AllowedReasons:     allReasons,
			SupervisorRequired: true,
		},
	},
	StateOH: {
		State:                     StateOH,
		GeofenceRadiusMeters:      804.5, // half mile
		GPSToleranceMeters:        100,
		MinimumGPSAccuracyMeters:  150,
		VisitTimeToleranceMinutes: 10,
		RequiredIdentifiers:       []string{"medicaid_id"},
		Aggregator:                AggregatorSandata,
		RetentionYears:            6,
		Override: OverridePolicy{
			AllowedReasons: []OverrideReason{
				ReasonGPSUnavailable, ReasonDeviceFailure,
				ReasonConnectivityLoss, ReasonEmergency,
			},
			SupervisorRequired: true,
		},
	},
	StatePA: {
		State:                     StatePA,
		GeofenceRadiusMeters:      75, // strictest of the seven programs
		GPSToleranceMeters:        25,
		MinimumGPSAccuracyMeters:  100,
		VisitTimeToleranceMinutes: 10,
		RequiredIdentifiers:       []string{"medicaid_id", "prior_authorization"},
		Aggregator:                AggregatorSandata,
		RetentionYears:            7,
		Override: OverridePolicy{
			AllowedReasons: []OverrideReason{
				ReasonGPSUnavailable, ReasonDeviceFailure, ReasonEmergency,
			},
			SupervisorRequired: true,
		},
	},
	StateGA: {
		State:                     StateGA,
		GeofenceRadiusMeters:      150,
		GPSToleranceMeters:        50,
		MinimumGPSAccuracyMeters:  150,
		VisitTimeToleranceMinutes: 15,
		RequiredIdentifiers:       []string{"medicaid_id"},
		Aggregator:                AggregatorTellus,
		RetentionYears:            6,
		Override: OverridePolicy{
			AllowedReasons:     allReasons,
			SupervisorRequired: true,
		},
	},
	StateNC: {
		State:                     StateNC,
		GeofenceRadiusMeters:      1609, // one mile
		GPSToleranceMeters:        100,
		MinimumGPSAccuracyMeters:  150,
		VisitTimeToleranceMinutes: 15,
		RequiredIdentifiers:       []string{"medicaid_id"},
		Aggregator:                AggregatorSandata,
		RetentionYears:            6,
		Override: OverridePolicy{
			AllowedReasons: []OverrideReason{
				ReasonGPSUnavailable, ReasonClientLocationChanged,
				ReasonDeviceFailure, ReasonConnectivityLoss, ReasonEmergency,
			},
			SupervisorRequired: true,
		},
	},
	StateAZ: {
		State:                     StateAZ,
		GeofenceRadiusMeters:      804.5, // half mile
		GPSToleranceMeters:        100,
		MinimumGPSAccuracyMeters:  150,
		VisitTimeToleranceMinutes: 20,
		RequiredIdentifiers:       []string{"ahcccs_id"},
		Aggregator:                AggregatorSandata,
		RetentionYears:            7,
		Override: OverridePolicy{
			AllowedReasons:     allReasons,
			SupervisorRequired: true,
		},
	},
}

// RulesFor returns the EVV parameters for a state, or a configuration error
// listing the supported codes.
func RulesFor(state StateCode) (Rules, error) {
	r, ok := registry[state]
	if !ok {
		return Rules{}, apperr.Newf(apperr.KindConfiguration,
			"no EVV rules configured for state %q (supported: %s)",
			state, strings.Join(supportedStrings(), ", ")).
			WithDetails(supportedStrings()...)
	}
	return r, nil
}

// IsSupported reports whether the platform has rules for a state.
func IsSupported(state StateCode) bool {
	_, ok := registry[state]
	return ok
}

// SupportedStates returns all configured state codes in sorted order.
func SupportedStates() []StateCode {
	states := make([]StateCode, 0, len(registry))
	for s := range registry {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	return states
}

func supportedStrings() []string {
	states := SupportedStates()
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
