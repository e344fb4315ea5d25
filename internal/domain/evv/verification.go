package evv

import (
	"fmt"
	"time"

	"github.com/neighborhood-lab/care-commons/internal/domain/staterules"
	"github.com/neighborhood-lab/care-commons/internal/platform/geo"
)

// VerificationResult is the combined outcome of the geofence, integrity, and
// timing checks run at clock-in and clock-out.
type VerificationResult struct {
	Passed                   bool                 `json:"passed"`
	Level                    VerificationLevel    `json:"level"`
	Flags                    []ComplianceFlag     `json:"flags,omitempty"`
	Issues                   []string             `json:"issues,omitempty"`
	RequiresSupervisorReview bool                 `json:"requires_supervisor_review"`
	Location                 LocationVerification `json:"location"`
}

// verifyInput gathers everything scoring needs for one clock event.
type verifyInput struct {
	Reading       geo.Reading
	FenceCenter   geo.Point
	BaseRadius    float64
	Rules         staterules.Rules
	ScheduledAt   time.Time // scheduled boundary this event is checked against
	OccurredAt    time.Time
	TimeTolerance time.Duration
	Method        VerificationMethod
}

// scoreVerification runs the shared verification pipeline. A failure never
// blocks record creation; it is expressed through flags and the supervisor
// review bit so operations staff can resolve it through the override
// workflow.
func scoreVerification(in verifyInput) VerificationResult {
	mock := geo.DetectMockLocation(in.Reading)

	effective := geo.EffectiveRadius(in.BaseRadius, in.Rules.GPSToleranceMeters, in.Reading.AccuracyMeters)
	fence := geo.CheckFence(in.Reading.Point, in.FenceCenter, effective)

	loc := LocationVerification{
		Point:                 in.Reading.Point,
		AccuracyMeters:        in.Reading.AccuracyMeters,
		CapturedAt:            in.Reading.CapturedAt,
		DeviceID:              in.Reading.DeviceID,
		Method:                in.Method,
		DistanceFromAddress:   fence.DistanceMeters,
		IsWithinGeofence:      fence.WithinFence,
		EffectiveRadiusMeters: effective,
		MockLocationDetected:  mock,
	}

	res := VerificationResult{Passed: true}

	if mock {
		res.Passed = false
		res.RequiresSupervisorReview = true
		res.Flags = append(res.Flags, FlagMockLocation)
		res.Issues = append(res.Issues, "mock location detected on device "+in.Reading.DeviceID)
	}

	if !fence.WithinFence {
		res.Passed = false
		res.RequiresSupervisorReview = true
		res.Flags = append(res.Flags, FlagGeofenceViolation)
		res.Issues = append(res.Issues, fmt.Sprintf(
			"location %.0fm from service address exceeds effective radius %.0fm",
			fence.DistanceMeters, effective))
	} else if fence.DistanceMeters > in.BaseRadius {
		// Inside the tolerance band but outside the configured base
		// radius: compliant, but operations should take a look.
		res.RequiresSupervisorReview = true
		res.Flags = append(res.Flags, FlagOutsideBaseRadius)
		res.Issues = append(res.Issues, fmt.Sprintf(
			"location %.0fm from service address is outside the %.0fm base radius",
			fence.DistanceMeters, in.BaseRadius))
	}

	if acc := geo.AssessAccuracy(in.Reading, in.Rules.MinimumGPSAccuracyMeters); !acc.Sufficient && !mock {
		res.Flags = append(res.Flags, FlagLowGPSAccuracy)
		res.Issues = append(res.Issues, acc.Reason)
	}

	if !in.ScheduledAt.IsZero() {
		drift := in.OccurredAt.Sub(in.ScheduledAt)
		if drift < 0 {
			drift = -drift
		}
		if drift > in.TimeTolerance {
			res.Flags = append(res.Flags, FlagTimeToleranceExceeded)
			res.Issues = append(res.Issues, fmt.Sprintf(
				"clock event %s from scheduled time exceeds ±%s tolerance",
				drift.Round(time.Minute), in.TimeTolerance))
		}
	}

	switch {
	case !res.Passed:
		res.Level = LevelUnverified
	case len(res.Flags) > 0:
		res.Level = LevelPartial
	default:
		res.Level = LevelVerified
	}

	loc.VerificationPassed = res.Passed
	res.Location = loc
	return res
}

// mergeFlags appends any flags not already present on the record.
func mergeFlags(existing []ComplianceFlag, add []ComplianceFlag) []ComplianceFlag {
	for _, f := range add {
		found := false
		for _, e := range existing {
			if e == f {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, f)
		}
	}
	return existing
}

// entryStatusFor maps a verification outcome onto the time entry status.
func entryStatusFor(res VerificationResult) EntryStatus {
	if res.Passed {
		return EntryVerified
	}
	return EntryFlagged
}
