package evv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/neighborhood-lab/care-commons/internal/aggregator"
	"github.com/neighborhood-lab/care-commons/internal/domain/staterules"
	"github.com/neighborhood-lab/care-commons/internal/platform/apperr"
	"github.com/neighborhood-lab/care-commons/internal/platform/geo"
)

// metersPerDegreeLat converts a northward offset in meters to degrees.
const metersPerDegreeLat = 111194.9

var houstonHome = geo.Point{Latitude: 29.7604, Longitude: -95.3698}

func north(p geo.Point, meters float64) geo.Point {
	return geo.Point{Latitude: p.Latitude + meters/metersPerDegreeLat, Longitude: p.Longitude}
}

type fixture struct {
	svc        *Service
	repo       *mockRepo
	visits     *mockVisits
	clients    *mockClients
	caregivers *mockCaregivers
	submitter  *mockSubmitter

	visitID     uuid.UUID
	clientID    uuid.UUID
	caregiverID uuid.UUID
	caller      UserContext
	now         time.Time
}

func newFixture(t *testing.T, state staterules.StateCode) *fixture {
	t.Helper()

	visitID := uuid.New()
	clientID := uuid.New()
	caregiverID := uuid.New()
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	visits := &mockVisits{
		canClock: true,
		visit: &VisitInfo{
			ID:              visitID,
			OrgID:           uuid.New(),
			BranchID:        uuid.New(),
			ClientID:        clientID,
			CaregiverID:     caregiverID,
			ServiceTypeCode: "T1019",
			ServiceTypeName: "Personal care services",
			ScheduledStart:  now,
			ScheduledEnd:    now.Add(2 * time.Hour),
			ServiceAddress: ServiceAddress{
				Line1: "1200 Main St",
				City:  "Houston",
				State: state,
				Point: houstonHome,
			},
		},
	}
	medicaid := "TX12345678"
	clients := &mockClients{
		client: &ClientInfo{
			ID:         clientID,
			Name:       "Mary Alvarez",
			MedicaidID: &medicaid,
			State:      state,
		},
	}
	caregivers := &mockCaregivers{
		caregiver: &CaregiverInfo{
			ID:                  caregiverID,
			Name:                "Dana Okafor",
			EmployeeID:          "EMP-0042",
			ActiveCredentials:   []string{"CNA"},
			BackgroundScreening: ScreeningCleared,
		},
		authz: &ServiceAuthorization{Authorized: true},
	}
	submitter := newMockSubmitter()
	repo := newMockRepo()

	svc := NewService(repo, passthroughTx{}, Providers{
		Visits:     visits,
		Clients:    clients,
		Caregivers: caregivers,
	}, submitter, zerolog.Nop())
	svc.now = func() time.Time { return now }

	return &fixture{
		svc:         svc,
		repo:        repo,
		visits:      visits,
		clients:     clients,
		caregivers:  caregivers,
		submitter:   submitter,
		visitID:     visitID,
		clientID:    clientID,
		caregiverID: caregiverID,
		caller: UserContext{
			UserID:      uuid.New(),
			CaregiverID: &caregiverID,
			Roles:       []string{"caregiver"},
			Permissions: []string{PermClockEVV},
		},
		now: now,
	}
}

func (f *fixture) clockInAt(t *testing.T, p geo.Point, accuracy float64) *ClockResult {
	t.Helper()
	out, err := f.svc.ClockIn(context.Background(), ClockInInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: p, AccuracyMeters: accuracy, CapturedAt: f.now, DeviceID: "dev-1"},
	}, f.caller)
	if err != nil {
		t.Fatalf("ClockIn: %v", err)
	}
	return out
}

func TestClockIn_WithinGeofence(t *testing.T) {
	f := newFixture(t, staterules.StateTX)

	out := f.clockInAt(t, north(houstonHome, 30), 10)

	if out.Record.Status != RecordPending {
		t.Fatalf("record status = %s, want PENDING", out.Record.Status)
	}
	if !out.Verification.Passed {
		t.Fatalf("verification should pass inside the fence: %v", out.Verification.Issues)
	}
	if out.Record.VerificationLevel != LevelVerified {
		t.Errorf("level = %s, want VERIFIED", out.Record.VerificationLevel)
	}
	if out.TimeEntry.Status != EntryVerified {
		t.Errorf("entry status = %s, want VERIFIED", out.TimeEntry.Status)
	}
	if out.Record.IntegrityHash == "" || out.Record.IntegrityChecksum == "" {
		t.Error("integrity hash pair should be set at creation")
	}
	if got, _ := f.repo.GetRecord(context.Background(), out.Record.ID); got == nil {
		t.Error("record was not persisted")
	}
}

func TestClockIn_OutsideGeofenceStillCreatesRecord(t *testing.T) {
	f := newFixture(t, staterules.StateTX)

	// TX: base 100m + tolerance 50m + accuracy 10m = 160m effective.
	out := f.clockInAt(t, north(houstonHome, 400), 10)

	if out.Verification.Passed {
		t.Fatal("verification should fail 400m from the address")
	}
	if out.Record.Status != RecordPending {
		t.Fatalf("record must still be created; status = %s", out.Record.Status)
	}
	if !out.Record.HasFlag(FlagGeofenceViolation) {
		t.Error("missing GEOFENCE_VIOLATION flag")
	}
	if !out.Record.RequiresSupervisorReview {
		t.Error("geofence failure must require supervisor review")
	}
	if out.Record.VerificationLevel != LevelUnverified {
		t.Errorf("level = %s, want UNVERIFIED", out.Record.VerificationLevel)
	}
	if out.TimeEntry.Status != EntryFlagged {
		t.Errorf("entry status = %s, want FLAGGED", out.TimeEntry.Status)
	}
}

func TestClockIn_ToleranceBandFlagsBaseRadius(t *testing.T) {
	f := newFixture(t, staterules.StateTX)

	// 130m is outside TX's 100m base radius but inside the 160m
	// effective radius.
	out := f.clockInAt(t, north(houstonHome, 130), 10)

	if !out.Verification.Passed {
		t.Fatalf("tolerance-band location should still pass: %v", out.Verification.Issues)
	}
	if !out.Record.HasFlag(FlagOutsideBaseRadius) {
		t.Error("missing OUTSIDE_BASE_RADIUS flag")
	}
	if out.Record.VerificationLevel != LevelPartial {
		t.Errorf("level = %s, want PARTIAL", out.Record.VerificationLevel)
	}
}

func TestClockIn_MockLocationFlagged(t *testing.T) {
	f := newFixture(t, staterules.StateTX)

	out, err := f.svc.ClockIn(context.Background(), ClockInInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading: geo.Reading{
			Point:          houstonHome,
			AccuracyMeters: 10,
			CapturedAt:     f.now,
			DeviceID:       "dev-1",
			MockFlag:       true,
		},
	}, f.caller)
	if err != nil {
		t.Fatalf("ClockIn: %v", err)
	}
	if out.Verification.Passed {
		t.Fatal("mock location must fail verification")
	}
	if !out.Record.HasFlag(FlagMockLocation) {
		t.Error("missing MOCK_LOCATION flag")
	}
	if !out.Record.RequiresSupervisorReview {
		t.Error("mock location must require supervisor review")
	}
}

func TestClockIn_DuplicateVisitRejected(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	f.clockInAt(t, houstonHome, 10)

	_, err := f.svc.ClockIn(context.Background(), ClockInInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
	}, f.caller)
	if !apperr.IsValidation(err) {
		t.Fatalf("duplicate clock-in should be a validation error, got %v", err)
	}
}

func TestClockIn_CallerMustBeVisitCaregiver(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	other := uuid.New()
	caller := UserContext{
		UserID:      uuid.New(),
		CaregiverID: &other,
		Roles:       []string{"caregiver"},
		Permissions: []string{PermClockEVV},
	}
	_, err := f.svc.ClockIn(context.Background(), ClockInInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
	}, caller)
	if !apperr.IsPermission(err) {
		t.Fatalf("want permission error, got %v", err)
	}

	// A supervisor may clock on the caregiver's behalf.
	caller.Roles = append(caller.Roles, RoleSupervisor)
	if _, err := f.svc.ClockIn(context.Background(), ClockInInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
	}, caller); err != nil {
		t.Fatalf("supervisor clock-in: %v", err)
	}
}

func TestClockIn_ScreeningMustBeCleared(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	f.caregivers.caregiver.BackgroundScreening = ScreeningExpired

	_, err := f.svc.ClockIn(context.Background(), ClockInInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
	}, f.caller)
	if !apperr.IsValidation(err) {
		t.Fatalf("expired screening should be a validation error, got %v", err)
	}
}

func TestClockIn_CredentialCheckRequiresAllListed(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	f.caregivers.authz = &ServiceAuthorization{
		Authorized:         false,
		MissingCredentials: []string{"CNA", "CPR"},
	}

	_, err := f.svc.ClockIn(context.Background(), ClockInInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
	}, f.caller)
	if !apperr.IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		t.Fatal("want *apperr.Error")
	}
	if len(ae.Details) != 2 {
		t.Fatalf("details = %v, want both missing credentials listed", ae.Details)
	}
}

func TestClockIn_UnsupportedState(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	f.clients.client.State = "NY"
	f.visits.visit.ServiceAddress.State = "NY"

	_, err := f.svc.ClockIn(context.Background(), ClockInInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
	}, f.caller)
	if !apperr.IsConfiguration(err) {
		t.Fatalf("want configuration error for NY, got %v", err)
	}
}

func TestClockIn_TimeToleranceFlag(t *testing.T) {
	f := newFixture(t, staterules.StateTX)

	// 40 minutes late against TX's ±15 minute tolerance.
	out, err := f.svc.ClockIn(context.Background(), ClockInInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
		OccurredAt:  f.now.Add(40 * time.Minute),
	}, f.caller)
	if err != nil {
		t.Fatalf("ClockIn: %v", err)
	}
	if !out.Record.HasFlag(FlagTimeToleranceExceeded) {
		t.Error("missing TIME_TOLERANCE_EXCEEDED flag")
	}
	if !out.Verification.Passed {
		t.Error("time drift alone should not fail verification")
	}
}

func TestClockOut_CompletesRecordWithNetDuration(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	in := f.clockInAt(t, houstonHome, 10)

	if _, err := f.svc.Pause(context.Background(), PauseInput{VisitID: f.visitID, Reason: "lunch"}, f.caller); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	f.svc.now = func() time.Time { return f.now.Add(30 * time.Minute) }
	if _, err := f.svc.Resume(context.Background(), f.visitID, f.caller); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	out, err := f.svc.ClockOut(context.Background(), ClockOutInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
		OccurredAt:  f.now.Add(2 * time.Hour),
		Signature:   []byte("signature-bytes"),
		AttestedBy:  "Mary Alvarez",
	}, f.caller)
	if err != nil {
		t.Fatalf("ClockOut: %v", err)
	}
	if out.Record.Status != RecordComplete {
		t.Fatalf("status = %s, want COMPLETE", out.Record.Status)
	}
	if out.Record.TotalDurationMinutes == nil || *out.Record.TotalDurationMinutes != 90 {
		t.Fatalf("duration = %v, want 90 minutes net of the 30 minute pause", out.Record.TotalDurationMinutes)
	}
	if out.Record.Attestation == nil || out.Record.Attestation.ContentHash != HashSignature([]byte("signature-bytes")) {
		t.Error("attestation hash not captured")
	}
	if out.Record.ID != in.Record.ID {
		t.Error("clock-out must complete the existing record")
	}
}

func TestClockOut_RequiresPendingRecord(t *testing.T) {
	f := newFixture(t, staterules.StateTX)

	_, err := f.svc.ClockOut(context.Background(), ClockOutInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
	}, f.caller)
	if !apperr.IsNotFound(err) {
		t.Fatalf("clock-out without clock-in should be not-found, got %v", err)
	}

	f.clockInAt(t, houstonHome, 10)
	if _, err := f.svc.ClockOut(context.Background(), ClockOutInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
		OccurredAt:  f.now.Add(time.Hour),
	}, f.caller); err != nil {
		t.Fatalf("first ClockOut: %v", err)
	}

	_, err = f.svc.ClockOut(context.Background(), ClockOutInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
		OccurredAt:  f.now.Add(2 * time.Hour),
	}, f.caller)
	if !apperr.IsValidation(err) {
		t.Fatalf("second clock-out should be a validation error, got %v", err)
	}
}

func TestManualOverride(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	out := f.clockInAt(t, north(houstonHome, 400), 10)

	supervisor := UserContext{UserID: uuid.New(), Roles: []string{RoleSupervisor}}

	entry, err := f.svc.ApplyManualOverride(context.Background(), OverrideInput{
		TimeEntryID:   out.TimeEntry.ID,
		Reason:        staterules.ReasonClientLocationChanged,
		Justification: "client moved in with daughter this week",
	}, supervisor)
	if err != nil {
		t.Fatalf("ApplyManualOverride: %v", err)
	}
	if entry.Status != EntryOverridden {
		t.Errorf("entry status = %s, want OVERRIDDEN", entry.Status)
	}
	if !entry.Location.VerificationPassed {
		t.Error("override must mark the location verification as passed")
	}

	rec, _ := f.repo.GetRecord(context.Background(), out.Record.ID)
	if !rec.HasFlag(FlagManualOverrideApplied) {
		t.Error("missing MANUAL_OVERRIDE_APPLIED flag")
	}
	if rec.RequiresSupervisorReview {
		t.Error("override should clear the supervisor review bit")
	}
}

func TestManualOverride_ReasonMustBeStateAllowed(t *testing.T) {
	// OH does not allow CLIENT_LOCATION_CHANGED.
	f := newFixture(t, staterules.StateOH)
	f.visits.visit.ServiceAddress.Point = houstonHome
	out := f.clockInAt(t, north(houstonHome, 2000), 10)

	supervisor := UserContext{UserID: uuid.New(), Roles: []string{RoleSupervisor}}
	_, err := f.svc.ApplyManualOverride(context.Background(), OverrideInput{
		TimeEntryID:   out.TimeEntry.ID,
		Reason:        staterules.ReasonClientLocationChanged,
		Justification: "client relocated",
	}, supervisor)
	if !apperr.IsValidation(err) {
		t.Fatalf("disallowed reason should be a validation error, got %v", err)
	}
}

func TestManualOverride_RequiresSupervisor(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	out := f.clockInAt(t, north(houstonHome, 400), 10)

	_, err := f.svc.ApplyManualOverride(context.Background(), OverrideInput{
		TimeEntryID:   out.TimeEntry.ID,
		Reason:        staterules.ReasonGPSUnavailable,
		Justification: "no signal in the building",
	}, f.caller)
	if !apperr.IsPermission(err) {
		t.Fatalf("non-supervisor override should be a permission error, got %v", err)
	}
}

func TestSubmit_AcceptedAdvancesRecord(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	f.clockInAt(t, houstonHome, 10)
	out, err := f.svc.ClockOut(context.Background(), ClockOutInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
		OccurredAt:  f.now.Add(time.Hour),
	}, f.caller)
	if err != nil {
		t.Fatalf("ClockOut: %v", err)
	}

	supervisor := UserContext{UserID: uuid.New(), Roles: []string{RoleSupervisor}}
	sub, err := f.svc.SubmitToStateAggregator(context.Background(), out.Record.ID, supervisor)
	if err != nil {
		t.Fatalf("SubmitToStateAggregator: %v", err)
	}
	if sub.Status != SubmissionAccepted {
		t.Fatalf("submission status = %s, want ACCEPTED", sub.Status)
	}
	if sub.TransactionID == nil || *sub.TransactionID != "TXN-1" {
		t.Error("transaction id not recorded")
	}
	if sub.AggregatorType != staterules.AggregatorHHAeXchange {
		t.Errorf("aggregator type = %s, want HHAEXCHANGE for TX", sub.AggregatorType)
	}

	rec, _ := f.repo.GetRecord(context.Background(), out.Record.ID)
	if rec.Status != RecordSubmitted {
		t.Fatalf("record status = %s, want SUBMITTED", rec.Status)
	}
}

func TestSubmit_RequiresCompleteRecord(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	out := f.clockInAt(t, houstonHome, 10)

	supervisor := UserContext{UserID: uuid.New(), Roles: []string{RoleSupervisor}}
	_, err := f.svc.SubmitToStateAggregator(context.Background(), out.Record.ID, supervisor)
	if !apperr.IsValidation(err) {
		t.Fatalf("submitting a PENDING record should be a validation error, got %v", err)
	}
}

func TestSubmit_TransientErrorParksForRetry(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	f.clockInAt(t, houstonHome, 10)
	out, _ := f.svc.ClockOut(context.Background(), ClockOutInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
		OccurredAt:  f.now.Add(time.Hour),
	}, f.caller)

	f.submitter.err = apperr.New(apperr.KindTransient, "aggregator unreachable")
	supervisor := UserContext{UserID: uuid.New(), Roles: []string{RoleSupervisor}}

	sub, err := f.svc.SubmitToStateAggregator(context.Background(), out.Record.ID, supervisor)
	if err != nil {
		t.Fatalf("transient failure should park, not error: %v", err)
	}
	if sub.Status != SubmissionRetry {
		t.Fatalf("submission status = %s, want RETRY", sub.Status)
	}
	if sub.NextRetryAt == nil || !sub.NextRetryAt.After(f.now) {
		t.Fatal("next retry time not scheduled")
	}

	// The retry worker picks it up once the aggregator recovers.
	f.submitter.err = nil
	n, err := f.svc.ProcessDueSubmissions(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessDueSubmissions: %v", err)
	}
	if n != 1 {
		t.Fatalf("attempted %d submissions, want 1", n)
	}
	got, _ := f.repo.ListSubmissionsByRecord(context.Background(), out.Record.ID)
	if len(got) != 1 || got[0].Status != SubmissionAccepted {
		t.Fatalf("after retry, submissions = %+v", got)
	}
}

func TestSubmit_RejectionMarksRecordRejected(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	f.clockInAt(t, houstonHome, 10)
	out, _ := f.svc.ClockOut(context.Background(), ClockOutInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
		OccurredAt:  f.now.Add(time.Hour),
	}, f.caller)

	f.submitter.result = &aggregator.Result{
		Status: aggregator.StatusRejected,
		Errors: []string{"E1001: member id not on file"},
	}
	supervisor := UserContext{UserID: uuid.New(), Roles: []string{RoleSupervisor}}

	sub, err := f.svc.SubmitToStateAggregator(context.Background(), out.Record.ID, supervisor)
	if err != nil {
		t.Fatalf("SubmitToStateAggregator: %v", err)
	}
	if sub.Status != SubmissionRejected {
		t.Fatalf("submission status = %s, want REJECTED", sub.Status)
	}
	if len(sub.ResponseErrors) != 1 {
		t.Error("aggregator errors not carried onto the submission row")
	}
	rec, _ := f.repo.GetRecord(context.Background(), out.Record.ID)
	if rec.Status != RecordRejected {
		t.Fatalf("record status = %s, want REJECTED", rec.Status)
	}
}

func TestSubmissionBackoffGrowsAndCaps(t *testing.T) {
	prev := time.Duration(0)
	for retry := 1; retry <= 10; retry++ {
		d := submissionBackoff(retry)
		if d < prev {
			t.Fatalf("backoff shrank at retry %d: %s < %s", retry, d, prev)
		}
		if d > submissionBackoffLimit {
			t.Fatalf("backoff exceeds cap at retry %d: %s", retry, d)
		}
		prev = d
	}
	if submissionBackoff(1) != submissionBackoffBase {
		t.Errorf("first backoff = %s, want %s", submissionBackoff(1), submissionBackoffBase)
	}
}

func TestAmend_SupersedesSubmittedRecord(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	f.clockInAt(t, houstonHome, 10)
	out, _ := f.svc.ClockOut(context.Background(), ClockOutInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
		OccurredAt:  f.now.Add(time.Hour),
	}, f.caller)
	supervisor := UserContext{UserID: uuid.New(), Roles: []string{RoleSupervisor}}
	if _, err := f.svc.SubmitToStateAggregator(context.Background(), out.Record.ID, supervisor); err != nil {
		t.Fatalf("submit: %v", err)
	}

	newOut := f.now.Add(90 * time.Minute)
	amended, err := f.svc.Amend(context.Background(), AmendInput{
		RecordID:     out.Record.ID,
		Reason:       "caregiver forgot to clock out on leaving",
		ClockOutTime: &newOut,
	}, supervisor)
	if err != nil {
		t.Fatalf("Amend: %v", err)
	}
	if amended.AmendsRecordID == nil || *amended.AmendsRecordID != out.Record.ID {
		t.Fatal("amendment must reference the original record")
	}
	if amended.TotalDurationMinutes == nil || *amended.TotalDurationMinutes != 90 {
		t.Errorf("amended duration = %v, want 90", amended.TotalDurationMinutes)
	}
	orig, _ := f.repo.GetRecord(context.Background(), out.Record.ID)
	if orig.Status != RecordAmended {
		t.Fatalf("original status = %s, want AMENDED", orig.Status)
	}
}

func TestAmend_PendingRecordRejected(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	out := f.clockInAt(t, houstonHome, 10)

	supervisor := UserContext{UserID: uuid.New(), Roles: []string{RoleSupervisor}}
	_, err := f.svc.Amend(context.Background(), AmendInput{
		RecordID: out.Record.ID,
		Reason:   "typo",
	}, supervisor)
	if !apperr.IsValidation(err) {
		t.Fatalf("amending a PENDING record should be a validation error, got %v", err)
	}
}

func TestMidVisitCheck_OutsideFenceRaisesException(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	f.clockInAt(t, houstonHome, 10)

	rec, err := f.svc.MidVisitCheck(context.Background(), MidVisitCheckInput{
		VisitID: f.visitID,
		Reading: geo.Reading{Point: north(houstonHome, 500), AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
	}, f.caller)
	if err != nil {
		t.Fatalf("MidVisitCheck: %v", err)
	}
	if len(rec.ExceptionEvents) != 1 {
		t.Fatalf("exception events = %d, want 1", len(rec.ExceptionEvents))
	}
	if !rec.RequiresSupervisorReview {
		t.Error("out-of-fence sample must require supervisor review")
	}
	if len(rec.MidVisitChecks) != 1 {
		t.Error("mid-visit sample not recorded")
	}
}

func TestVerifyRecordIntegrity_DetectsTamper(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	out := f.clockInAt(t, houstonHome, 10)

	intact, err := f.svc.VerifyRecordIntegrity(context.Background(), out.Record.ID)
	if err != nil {
		t.Fatalf("VerifyRecordIntegrity: %v", err)
	}
	if !intact {
		t.Fatal("fresh record must verify intact")
	}

	// Tamper with the stored clock-in time.
	f.repo.mu.Lock()
	f.repo.records[out.Record.ID].ClockInTime = f.now.Add(-time.Hour)
	f.repo.mu.Unlock()

	intact, err = f.svc.VerifyRecordIntegrity(context.Background(), out.Record.ID)
	if err != nil {
		t.Fatalf("VerifyRecordIntegrity: %v", err)
	}
	if intact {
		t.Fatal("tampered record must fail integrity verification")
	}
}

func TestClockIn_CaregiverMustBeAssignedToVisit(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	f.visits.visit.CaregiverID = uuid.New()

	_, err := f.svc.ClockIn(context.Background(), ClockInInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
	}, f.caller)
	if !apperr.IsValidation(err) {
		t.Fatalf("unassigned caregiver should be a validation error, got %v", err)
	}
}

func TestClockOut_CallerMustBeRecordCaregiver(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	f.clockInAt(t, houstonHome, 10)

	// A different caregiver naming the record's caregiver in the body must
	// still be turned away.
	other := uuid.New()
	caller := UserContext{
		UserID:      uuid.New(),
		CaregiverID: &other,
		Roles:       []string{"caregiver"},
		Permissions: []string{PermClockEVV},
	}
	_, err := f.svc.ClockOut(context.Background(), ClockOutInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
		OccurredAt:  f.now.Add(time.Hour),
	}, caller)
	if !apperr.IsPermission(err) {
		t.Fatalf("want permission error, got %v", err)
	}
	rec, _ := f.repo.GetRecordByVisit(context.Background(), f.visitID)
	if rec.Status != RecordPending {
		t.Fatalf("record status = %s, must stay PENDING", rec.Status)
	}

	// A supervisor may close the visit on the caregiver's behalf.
	caller.Roles = append(caller.Roles, RoleSupervisor)
	if _, err := f.svc.ClockOut(context.Background(), ClockOutInput{
		VisitID:    f.visitID,
		Reading:    geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
		OccurredAt: f.now.Add(time.Hour),
	}, caller); err != nil {
		t.Fatalf("supervisor clock-out: %v", err)
	}
}

func TestClockOut_BodyCaregiverMustMatchRecord(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	f.clockInAt(t, houstonHome, 10)

	supervisor := UserContext{
		UserID:      uuid.New(),
		Roles:       []string{RoleSupervisor},
		Permissions: []string{PermClockEVV},
	}
	_, err := f.svc.ClockOut(context.Background(), ClockOutInput{
		VisitID:     f.visitID,
		CaregiverID: uuid.New(),
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
		OccurredAt:  f.now.Add(time.Hour),
	}, supervisor)
	if !apperr.IsValidation(err) {
		t.Fatalf("mismatched body caregiver should be a validation error, got %v", err)
	}
}

func TestPauseResumeMidVisit_CallerMustBeRecordCaregiver(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	f.clockInAt(t, houstonHome, 10)

	other := uuid.New()
	caller := UserContext{
		UserID:      uuid.New(),
		CaregiverID: &other,
		Roles:       []string{"caregiver"},
		Permissions: []string{PermClockEVV},
	}

	if _, err := f.svc.Pause(context.Background(), PauseInput{VisitID: f.visitID, Reason: "lunch"}, caller); !apperr.IsPermission(err) {
		t.Fatalf("Pause by another caregiver: want permission error, got %v", err)
	}
	if _, err := f.svc.MidVisitCheck(context.Background(), MidVisitCheckInput{
		VisitID: f.visitID,
		Reading: geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
	}, caller); !apperr.IsPermission(err) {
		t.Fatalf("MidVisitCheck by another caregiver: want permission error, got %v", err)
	}

	if _, err := f.svc.Pause(context.Background(), PauseInput{VisitID: f.visitID, Reason: "lunch"}, f.caller); err != nil {
		t.Fatalf("Pause by the visit caregiver: %v", err)
	}
	if _, err := f.svc.Resume(context.Background(), f.visitID, caller); !apperr.IsPermission(err) {
		t.Fatalf("Resume by another caregiver: want permission error, got %v", err)
	}

	// A supervisor may act on any record.
	supervisor := UserContext{UserID: uuid.New(), Roles: []string{RoleSupervisor}}
	if _, err := f.svc.Resume(context.Background(), f.visitID, supervisor); err != nil {
		t.Fatalf("supervisor Resume: %v", err)
	}
}

func TestSubmit_HardFailurePersistsAttempt(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	f.clockInAt(t, houstonHome, 10)
	out, _ := f.svc.ClockOut(context.Background(), ClockOutInput{
		VisitID:     f.visitID,
		CaregiverID: f.caregiverID,
		Reading:     geo.Reading{Point: houstonHome, AccuracyMeters: 10, CapturedAt: f.now, DeviceID: "dev-1"},
		OccurredAt:  f.now.Add(time.Hour),
	}, f.caller)

	f.submitter.err = apperr.New(apperr.KindValidation, "record fails program validation")
	supervisor := UserContext{UserID: uuid.New(), Roles: []string{RoleSupervisor}}

	_, err := f.svc.SubmitToStateAggregator(context.Background(), out.Record.ID, supervisor)
	if !apperr.IsValidation(err) {
		t.Fatalf("want validation error surfaced, got %v", err)
	}

	subs, _ := f.repo.ListSubmissionsByRecord(context.Background(), out.Record.ID)
	if len(subs) != 1 {
		t.Fatalf("submissions = %d, want the failed attempt on the audit trail", len(subs))
	}
	if subs[0].Status != SubmissionRejected {
		t.Errorf("submission status = %s, want REJECTED", subs[0].Status)
	}
	if len(subs[0].ResponseErrors) == 0 {
		t.Error("failure reason not carried onto the submission row")
	}

	rec, _ := f.repo.GetRecord(context.Background(), out.Record.ID)
	if rec.Status != RecordComplete {
		t.Fatalf("record status = %s, must stay COMPLETE after a failed attempt", rec.Status)
	}
}

func TestGeofenceCountersTrackOutcomes(t *testing.T) {
	f := newFixture(t, staterules.StateTX)
	f.clockInAt(t, north(houstonHome, 400), 10)

	fence, err := f.repo.GetGeofenceByClient(context.Background(), f.clientID)
	if err != nil {
		t.Fatalf("GetGeofenceByClient: %v", err)
	}
	if fence.VerificationAttempts != 1 || fence.VerificationFailures != 1 {
		t.Fatalf("counters = %d attempts / %d failures, want 1/1",
			fence.VerificationAttempts, fence.VerificationFailures)
	}
}
