package evv

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/neighborhood-lab/care-commons/internal/aggregator"
	"github.com/neighborhood-lab/care-commons/internal/domain/staterules"
	"github.com/neighborhood-lab/care-commons/internal/platform/apperr"
)

type mockRepo struct {
	mu          sync.Mutex
	records     map[uuid.UUID]*EVVRecord
	entries     map[uuid.UUID]*TimeEntry
	fences      map[uuid.UUID]*Geofence
	submissions map[uuid.UUID]*StateAggregatorSubmission
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		records:     make(map[uuid.UUID]*EVVRecord),
		entries:     make(map[uuid.UUID]*TimeEntry),
		fences:      make(map[uuid.UUID]*Geofence),
		submissions: make(map[uuid.UUID]*StateAggregatorSubmission),
	}
}

func (m *mockRepo) CreateRecord(_ context.Context, rec *EVVRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *mockRepo) GetRecord(_ context.Context, id uuid.UUID) (*EVVRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "evv record %s not found", id)
	}
	cp := *rec
	return &cp, nil
}

func (m *mockRepo) GetRecordByVisit(_ context.Context, visitID uuid.UUID) (*EVVRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.VisitID == visitID && rec.Status != RecordVoided && rec.AmendsRecordID == nil {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, apperr.Newf(apperr.KindNotFound, "no evv record for visit %s", visitID)
}

func (m *mockRepo) UpdateRecord(_ context.Context, rec *EVVRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		return apperr.Newf(apperr.KindNotFound, "evv record %s not found", rec.ID)
	}
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *mockRepo) ListRecords(_ context.Context, filter RecordFilter, limit, offset int) ([]*EVVRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*EVVRecord
	for _, rec := range m.records {
		if filter.ClientID != nil && rec.ClientID != *filter.ClientID {
			continue
		}
		if filter.CaregiverID != nil && rec.CaregiverID != *filter.CaregiverID {
			continue
		}
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		if filter.State != nil && string(rec.ServiceAddress.State) != *filter.State {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (m *mockRepo) CreateTimeEntry(_ context.Context, entry *TimeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries[entry.ID] = &cp
	return nil
}

func (m *mockRepo) GetTimeEntry(_ context.Context, id uuid.UUID) (*TimeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "time entry %s not found", id)
	}
	cp := *e
	return &cp, nil
}

func (m *mockRepo) UpdateTimeEntry(_ context.Context, entry *TimeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.ID]; !ok {
		return apperr.Newf(apperr.KindNotFound, "time entry %s not found", entry.ID)
	}
	cp := *entry
	m.entries[entry.ID] = &cp
	return nil
}

func (m *mockRepo) ListTimeEntriesByRecord(_ context.Context, recordID uuid.UUID) ([]*TimeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TimeEntry
	for _, e := range m.entries {
		if e.EVVRecordID == recordID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepo) GetGeofenceByClient(_ context.Context, clientID uuid.UUID) (*Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.fences {
		if f.ClientID == clientID && f.Status == GeofenceActive {
			cp := *f
			return &cp, nil
		}
	}
	return nil, apperr.Newf(apperr.KindNotFound, "no geofence for client %s", clientID)
}

func (m *mockRepo) CreateGeofence(_ context.Context, fence *Geofence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *fence
	m.fences[fence.ID] = &cp
	return nil
}

func (m *mockRepo) UpdateGeofenceCounters(_ context.Context, id uuid.UUID, passed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fences[id]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "geofence %s not found", id)
	}
	f.VerificationAttempts++
	if passed {
		f.VerificationSuccesses++
	} else {
		f.VerificationFailures++
	}
	return nil
}

func (m *mockRepo) CreateSubmission(_ context.Context, sub *StateAggregatorSubmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.submissions[sub.ID] = &cp
	return nil
}

func (m *mockRepo) UpdateSubmission(_ context.Context, sub *StateAggregatorSubmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.submissions[sub.ID]; !ok {
		return apperr.Newf(apperr.KindNotFound, "submission %s not found", sub.ID)
	}
	cp := *sub
	m.submissions[sub.ID] = &cp
	return nil
}

func (m *mockRepo) ListSubmissionsByRecord(_ context.Context, recordID uuid.UUID) ([]*StateAggregatorSubmission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StateAggregatorSubmission
	for _, s := range m.submissions {
		if s.EVVRecordID == recordID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepo) ListSubmissionsDueForRetry(_ context.Context, limit int) ([]*StateAggregatorSubmission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StateAggregatorSubmission
	for _, s := range m.submissions {
		if s.Status == SubmissionRetry {
			cp := *s
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// passthroughTx runs the function without a real transaction.
type passthroughTx struct{}

func (passthroughTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type mockVisits struct {
	visit     *VisitInfo
	canClock  bool
	canReason string
}

func (m *mockVisits) CanClockIn(context.Context, uuid.UUID, uuid.UUID) (bool, string, error) {
	return m.canClock, m.canReason, nil
}

func (m *mockVisits) GetVisitForEVV(context.Context, uuid.UUID) (*VisitInfo, error) {
	cp := *m.visit
	return &cp, nil
}

type mockClients struct {
	client *ClientInfo
}

func (m *mockClients) GetClientForEVV(context.Context, uuid.UUID) (*ClientInfo, error) {
	cp := *m.client
	return &cp, nil
}

type mockCaregivers struct {
	caregiver *CaregiverInfo
	authz     *ServiceAuthorization
}

func (m *mockCaregivers) GetCaregiverForEVV(context.Context, uuid.UUID) (*CaregiverInfo, error) {
	cp := *m.caregiver
	return &cp, nil
}

func (m *mockCaregivers) CanProvideService(context.Context, uuid.UUID, string, uuid.UUID) (*ServiceAuthorization, error) {
	cp := *m.authz
	return &cp, nil
}

// mockSubmitter records submissions and returns canned results.
type mockSubmitter struct {
	mu       sync.Mutex
	result   *aggregator.Result
	err      error
	calls    int
	lastRec  *EVVRecord
	supports map[staterules.StateCode]bool
}

func newMockSubmitter() *mockSubmitter {
	supports := make(map[staterules.StateCode]bool)
	for _, st := range staterules.SupportedStates() {
		supports[st] = true
	}
	return &mockSubmitter{
		result:   &aggregator.Result{Status: aggregator.StatusAccepted, TransactionID: "TXN-1"},
		supports: supports,
	}
}

func (m *mockSubmitter) SubmitRecord(_ context.Context, rec *EVVRecord) (*aggregator.Result, *aggregator.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastRec = rec
	wire := &aggregator.Submission{
		RecordID: rec.ID,
		State:    rec.ServiceAddress.State,
		Format:   "test-format",
		Payload:  map[string]interface{}{"record_id": rec.ID.String()},
	}
	if m.err != nil {
		return nil, wire, m.err
	}
	return m.result, wire, nil
}

func (m *mockSubmitter) IsSupported(state staterules.StateCode) bool {
	return m.supports[state]
}

func (m *mockSubmitter) SupportedStates() []staterules.StateCode {
	return staterules.SupportedStates()
}
