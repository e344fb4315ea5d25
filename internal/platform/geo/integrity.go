package geo

import "time"

// MinPlausibleAccuracyMeters is the floor below which a reported GPS accuracy
// is treated as spoofing evidence. Consumer GPS hardware does not achieve
// sub-3m accuracy; a reading claiming better almost certainly came from a
// mock-location provider.
const MinPlausibleAccuracyMeters = 3.0

// Reading is one raw location sample from a device, before verification.
type Reading struct {
	Point          Point     `json:"point"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	CapturedAt     time.Time `json:"captured_at"`
	DeviceID       string    `json:"device_id"`
	Provider       string    `json:"provider,omitempty"`
	MockFlag       bool      `json:"mock_flag"`
}

// DetectMockLocation reports whether a reading shows spoofing signals.
// Rules are evaluated in order; any match flags the reading:
//  1. the platform itself reported a mock-location provider
//  2. reported accuracy is exactly 0
//  3. reported accuracy is implausibly precise (below 3m)
func DetectMockLocation(r Reading) bool {
	if r.MockFlag {
		return true
	}
	if r.AccuracyMeters == 0 {
		return true
	}
	if r.AccuracyMeters < MinPlausibleAccuracyMeters {
		return true
	}
	return false
}

// AccuracyAssessment is the outcome of judging a reading against a state's
// minimum acceptable GPS accuracy.
type AccuracyAssessment struct {
	Sufficient bool   `json:"sufficient"`
	Reason     string `json:"reason,omitempty"`
}

// AssessAccuracy fails a reading whose accuracy is worse than the state's
// configured minimum, or which carries spoofing signals.
func AssessAccuracy(r Reading, minimumAccuracyMeters float64) AccuracyAssessment {
	if DetectMockLocation(r) {
		return AccuracyAssessment{Sufficient: false, Reason: "mock location detected"}
	}
	if r.AccuracyMeters > minimumAccuracyMeters {
		return AccuracyAssessment{Sufficient: false, Reason: "GPS accuracy exceeds state minimum"}
	}
	return AccuracyAssessment{Sufficient: true}
}
