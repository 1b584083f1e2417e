package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aegis-soc/aegis/internal/analyst"
	"github.com/aegis-soc/aegis/internal/bus"
	"github.com/aegis-soc/aegis/internal/intel"
	"github.com/aegis-soc/aegis/internal/investigation"
	"github.com/aegis-soc/aegis/internal/oracle"
)

// memoryStore satisfies InvestigationStore with the same optimistic
// token discipline as the SQLite store.
type memoryStore struct {
	mu          sync.Mutex
	states      map[string]*investigation.State
	appendErr   error
	failAppends int // number of AppendIteration calls that return appendErr
}

func newMemoryStore() *memoryStore {
	return &memoryStore{states: make(map[string]*investigation.State)}
}

func (m *memoryStore) CreateInvestigation(_ context.Context, st *investigation.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[st.IncidentID]; ok {
		return fmt.Errorf("already exists: %s", st.IncidentID)
	}
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now
	if st.Status == "" {
		st.Status = investigation.StatusCreated
	}
	cp := *st
	m.states[st.IncidentID] = &cp
	return nil
}

func (m *memoryStore) mutate(incidentID string, prev time.Time, fn func(st *investigation.State)) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[incidentID]
	if !ok {
		return time.Time{}, fmt.Errorf("not found: %s", incidentID)
	}
	if !st.UpdatedAt.Equal(prev) {
		return time.Time{}, fmt.Errorf("conflict on %s", incidentID)
	}
	fn(st)
	st.UpdatedAt = st.UpdatedAt.Add(time.Millisecond)
	return st.UpdatedAt, nil
}

func (m *memoryStore) MarkRunning(_ context.Context, incidentID string, prev time.Time) (time.Time, error) {
	return m.mutate(incidentID, prev, func(st *investigation.State) {
		st.Status = investigation.StatusRunning
	})
}

func (m *memoryStore) AppendIteration(_ context.Context, incidentID string, records []investigation.TaskRecord, prev time.Time) (time.Time, error) {
	m.mu.Lock()
	if m.failAppends != 0 {
		m.failAppends--
		m.mu.Unlock()
		return time.Time{}, m.appendErr
	}
	m.mu.Unlock()
	return m.mutate(incidentID, prev, func(st *investigation.State) {
		st.TaskHistory = append(st.TaskHistory, records...)
		st.LoopCount++
	})
}

func (m *memoryStore) SetTerminal(_ context.Context, incidentID, status string, verdict *investigation.ThreatVerdict, prev time.Time) (time.Time, error) {
	return m.mutate(incidentID, prev, func(st *investigation.State) {
		st.Status = status
		st.Verdict = verdict
	})
}

func (m *memoryStore) get(incidentID string) *investigation.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[incidentID]
}

type stubIntel struct {
	report intel.Report
	err    error
	delay  time.Duration
}

func (s *stubIntel) Lookup(ctx context.Context, address string) (intel.Report, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return intel.Report{}, ctx.Err()
		}
	}
	if s.err != nil {
		return intel.Report{}, s.err
	}
	r := s.report
	r.Address = address
	return r, nil
}

type stubAnalyst struct {
	answer analyst.Answer
	err    error
	delay  time.Duration
}

func (s *stubAnalyst) Analyze(ctx context.Context, question string) (analyst.Answer, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return analyst.Answer{}, ctx.Err()
		}
	}
	if s.err != nil {
		return analyst.Answer{}, s.err
	}
	a := s.answer
	a.Question = question
	return a, nil
}

// repeatingOracle returns the same response on every call.
type repeatingOracle struct {
	response string
	calls    int
}

func (o *repeatingOracle) Generate(context.Context, string, string) (string, error) {
	o.calls++
	return o.response, nil
}

func newTestRunner(t *testing.T, store InvestigationStore, plannerOracle, synthOracle oracle.Oracle, maxLoops int) *Runner {
	t.Helper()
	p, err := NewPlanner(plannerOracle, 0, testLogger())
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}
	s, err := NewSynthesizer(synthOracle, 0, testLogger())
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}
	maliciousIntel := &stubIntel{report: intel.Report{Reputation: intel.ReputationMalicious, ThreatScore: 95, Source: "local_table"}}
	okAnalyst := &stubAnalyst{answer: analyst.Answer{Answer: "412 failed logins", Confidence: "high", Success: true}}
	return NewRunner(store, p, s, maliciousIntel, okAnalyst, bus.New(), RunnerConfig{
		MaxLoops: maxLoops,
		Logger:   testLogger(),
	})
}

func TestRunInvestigateAndComplete(t *testing.T) {
	store := newMemoryStore()
	plannerOracle := &scriptedOracle{responses: []string{continueWithIntelTask, stopDecision}}
	synthOracle := &scriptedOracle{responses: []string{highVerdict}}
	r := newTestRunner(t, store, plannerOracle, synthOracle, 10)

	st, err := r.Run(context.Background(), "SSH brute force from 89.248.172.16", "high")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Status != investigation.StatusCompleted {
		t.Errorf("status = %q, want completed", st.Status)
	}
	if st.LoopCount != 1 {
		t.Errorf("loop_count = %d, want 1", st.LoopCount)
	}
	if len(st.TaskHistory) != 1 || !st.TaskHistory[0].Success {
		t.Fatalf("unexpected history %+v", st.TaskHistory)
	}
	if !strings.Contains(string(st.TaskHistory[0].Result), `"malicious"`) {
		t.Errorf("intel result not recorded: %s", st.TaskHistory[0].Result)
	}
	if st.Verdict == nil || st.Verdict.Severity != "high" {
		t.Errorf("verdict = %+v, want severity high", st.Verdict)
	}

	stored := store.get(st.IncidentID)
	if stored.Status != investigation.StatusCompleted || stored.Verdict == nil {
		t.Errorf("store state = %q verdict=%v, want completed with verdict", stored.Status, stored.Verdict)
	}
	if len(stored.TaskHistory) != 1 {
		t.Errorf("persisted history = %d records, want 1", len(stored.TaskHistory))
	}
}

func TestRunHaltsAtLoopCeiling(t *testing.T) {
	// A planner that always continues must be cut off after exactly
	// MaxLoops iterations and still produce a verdict.
	store := newMemoryStore()
	plannerOracle := &repeatingOracle{response: continueWithIntelTask}
	synthOracle := &scriptedOracle{responses: []string{highVerdict}}
	r := newTestRunner(t, store, plannerOracle, synthOracle, 3)

	st, err := r.Run(context.Background(), "noisy alert", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Status != investigation.StatusCompleted {
		t.Errorf("status = %q, want completed", st.Status)
	}
	if st.LoopCount != 3 {
		t.Errorf("loop_count = %d, want exactly 3", st.LoopCount)
	}
	if plannerOracle.calls != 3 {
		t.Errorf("planner calls = %d, want 3", plannerOracle.calls)
	}
	if len(st.TaskHistory) != 3 {
		t.Errorf("history = %d records, want 3", len(st.TaskHistory))
	}
	if st.Priority != "medium" {
		t.Errorf("priority = %q, want medium default", st.Priority)
	}
}

func TestRunTaskFailureBecomesEvidence(t *testing.T) {
	store := newMemoryStore()
	plannerOracle := &scriptedOracle{responses: []string{continueWithIntelTask, stopDecision}}
	synthOracle := &scriptedOracle{responses: []string{highVerdict}}
	r := newTestRunner(t, store, plannerOracle, synthOracle, 10)
	r.intel = &stubIntel{err: errors.New("dial tcp: connection refused")}

	st, err := r.Run(context.Background(), "alert", "low")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Status != investigation.StatusCompleted {
		t.Errorf("status = %q, want completed despite task failure", st.Status)
	}
	if len(st.TaskHistory) != 1 {
		t.Fatalf("history = %d records, want 1", len(st.TaskHistory))
	}
	rec := st.TaskHistory[0]
	if rec.Success || !strings.Contains(rec.Error, "connection refused") {
		t.Errorf("failed record not captured: %+v", rec)
	}
	// The failure must be visible to the synthesizer as evidence.
	if !strings.Contains(synthOracle.prompts[0], "connection refused") {
		t.Errorf("synthesis prompt missing failed task detail")
	}
}

func TestRunInvalidTaskRequestBecomesFailedRecord(t *testing.T) {
	store := newMemoryStore()
	// Intel lookup without an address: unexecutable, but the request
	// itself belongs in the audit trail.
	invalid := `{"decision":"continue","reasoning":"check it","tasks":[{"agent":"intel","action":"lookup_ip"}]}`
	plannerOracle := &scriptedOracle{responses: []string{invalid, stopDecision}}
	synthOracle := &scriptedOracle{responses: []string{highVerdict}}
	r := newTestRunner(t, store, plannerOracle, synthOracle, 10)

	st, err := r.Run(context.Background(), "alert", "low")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Status != investigation.StatusCompleted {
		t.Errorf("status = %q, want completed", st.Status)
	}
	if len(st.TaskHistory) != 1 {
		t.Fatalf("history = %d records, want 1", len(st.TaskHistory))
	}
	rec := st.TaskHistory[0]
	if rec.Success || !strings.Contains(rec.Error, "missing address") {
		t.Errorf("invalid request not recorded as failed task: %+v", rec)
	}
}

func TestRunPlannerFailureFailsInvestigation(t *testing.T) {
	store := newMemoryStore()
	plannerOracle := &scriptedOracle{err: oracle.ErrUnavailable}
	synthOracle := &scriptedOracle{responses: []string{highVerdict}}
	r := newTestRunner(t, store, plannerOracle, synthOracle, 10)

	st, err := r.Run(context.Background(), "alert", "high")
	if !errors.Is(err, oracle.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if st.Status != investigation.StatusFailed {
		t.Errorf("status = %q, want failed", st.Status)
	}
	if stored := store.get(st.IncidentID); stored.Status != investigation.StatusFailed {
		t.Errorf("store status = %q, want failed", stored.Status)
	}
	if synthOracle.calls != 0 {
		t.Errorf("synthesizer called %d times after planning failure, want 0", synthOracle.calls)
	}
}

func TestRunPersistenceFailureFailsInvestigation(t *testing.T) {
	store := newMemoryStore()
	store.appendErr = errors.New("disk I/O error")
	store.failAppends = -1
	plannerOracle := &scriptedOracle{responses: []string{continueWithIntelTask}}
	synthOracle := &scriptedOracle{responses: []string{highVerdict}}
	r := newTestRunner(t, store, plannerOracle, synthOracle, 10)

	st, err := r.Run(context.Background(), "alert", "high")
	if err == nil || !strings.Contains(err.Error(), "disk I/O error") {
		t.Fatalf("err = %v, want append failure", err)
	}
	if st.Status != investigation.StatusFailed {
		t.Errorf("status = %q, want failed", st.Status)
	}
}

// A single failed append must not invalidate the optimistic token the
// runner holds. The failed status has to land in the store, not just on
// the in-memory state.
func TestRunTransientAppendFailureDurablyRecordsFailed(t *testing.T) {
	store := newMemoryStore()
	store.appendErr = errors.New("database is locked (transient)")
	store.failAppends = 1
	plannerOracle := &scriptedOracle{responses: []string{continueWithIntelTask}}
	synthOracle := &scriptedOracle{responses: []string{highVerdict}}
	r := newTestRunner(t, store, plannerOracle, synthOracle, 10)

	st, err := r.Run(context.Background(), "alert", "high")
	if err == nil || !strings.Contains(err.Error(), "database is locked") {
		t.Fatalf("err = %v, want append failure", err)
	}
	stored := store.get(st.IncidentID)
	if stored.Status != investigation.StatusFailed {
		t.Errorf("stored status = %q, want failed", stored.Status)
	}
}

func TestRunSynthesisFailureNeverDefaultsVerdict(t *testing.T) {
	store := newMemoryStore()
	plannerOracle := &scriptedOracle{responses: []string{stopDecision}}
	synthOracle := &scriptedOracle{responses: []string{"no json here"}}
	r := newTestRunner(t, store, plannerOracle, synthOracle, 10)

	st, err := r.Run(context.Background(), "alert", "high")
	if err == nil {
		t.Fatal("expected synthesis error")
	}
	if !oracle.IsMalformed(err) {
		t.Errorf("err = %v, want malformed", err)
	}
	if st.Status != investigation.StatusFailed || st.Verdict != nil {
		t.Errorf("got status %q verdict %+v, want failed with no verdict", st.Status, st.Verdict)
	}
	if stored := store.get(st.IncidentID); stored.Verdict != nil {
		t.Errorf("store carries a verdict after failed synthesis")
	}
}

func TestDispatchCollectsInCompletionOrder(t *testing.T) {
	r := newTestRunner(t, newMemoryStore(),
		&repeatingOracle{response: stopDecision},
		&scriptedOracle{responses: []string{highVerdict}}, 10)
	r.analyst = &stubAnalyst{
		delay:  100 * time.Millisecond,
		answer: analyst.Answer{Answer: "slow", Success: true},
	}

	records := r.dispatch(context.Background(), []investigation.TaskRequest{
		{Agent: investigation.AgentAnalyst, Action: investigation.ActionAnalyzeLogs, Question: "slow question"},
		{Agent: investigation.AgentIntel, Action: investigation.ActionLookupIP, Address: "8.8.8.8"},
	})
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Agent != investigation.AgentIntel {
		t.Errorf("first record agent = %q, want the fast intel task first", records[0].Agent)
	}
	if records[1].Agent != investigation.AgentAnalyst {
		t.Errorf("second record agent = %q, want analyst", records[1].Agent)
	}
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	store := newMemoryStore()
	plannerOracle := &scriptedOracle{responses: []string{continueWithIntelTask, stopDecision}}
	synthOracle := &scriptedOracle{responses: []string{highVerdict}}
	r := newTestRunner(t, store, plannerOracle, synthOracle, 10)

	sub := r.bus.Subscribe("investigation.")
	defer r.bus.Unsubscribe(sub)

	if _, err := r.Run(context.Background(), "alert", "high"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	topics := make(map[string]int)
	for {
		select {
		case ev := <-sub.Ch():
			topics[ev.Topic]++
		default:
			goto done
		}
	}
done:
	for _, want := range []string{
		bus.TopicInvestigationStarted,
		bus.TopicInvestigationIteration,
		bus.TopicInvestigationTask,
		bus.TopicInvestigationCompleted,
	} {
		if topics[want] == 0 {
			t.Errorf("no event published on %s", want)
		}
	}
}
