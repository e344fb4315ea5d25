package geo

import "testing"

func TestDetectMockLocation_PlatformFlag(t *testing.T) {
	r := Reading{AccuracyMeters: 12, MockFlag: true}
	if !DetectMockLocation(r) {
		t.Error("platform mock flag must trigger detection")
	}
}

func TestDetectMockLocation_ZeroAccuracy(t *testing.T) {
	// accuracy == 0 always flags, independent of other fields
	r := Reading{AccuracyMeters: 0, DeviceID: "dev-1", Provider: "gps"}
	if !DetectMockLocation(r) {
		t.Error("zero accuracy must trigger detection")
	}
}

func TestDetectMockLocation_ImplausiblyPrecise(t *testing.T) {
	r := Reading{AccuracyMeters: 2.5}
	if !DetectMockLocation(r) {
		t.Error("sub-3m accuracy must trigger detection")
	}
}

func TestDetectMockLocation_PlausibleReading(t *testing.T) {
	r := Reading{AccuracyMeters: 8.4}
	if DetectMockLocation(r) {
		t.Error("plausible reading must not be flagged")
	}
}

func TestAssessAccuracy(t *testing.T) {
	tests := []struct {
		name       string
		reading    Reading
		minimum    float64
		sufficient bool
	}{
		{"within minimum", Reading{AccuracyMeters: 15}, 50, true},
		{"exactly at minimum", Reading{AccuracyMeters: 50}, 50, true},
		{"worse than minimum", Reading{AccuracyMeters: 80}, 50, false},
		{"mocked reading fails regardless", Reading{AccuracyMeters: 15, MockFlag: true}, 50, false},
		{"zero accuracy fails as mock", Reading{AccuracyMeters: 0}, 50, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AssessAccuracy(tt.reading, tt.minimum)
			if got.Sufficient != tt.sufficient {
				t.Errorf("sufficient = %v, want %v (reason %q)", got.Sufficient, tt.sufficient, got.Reason)
			}
			if !got.Sufficient && got.Reason == "" {
				t.Error("failed assessment must carry a reason")
			}
		})
	}
}
