package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/aegis-soc/aegis/internal/investigation"
	"github.com/aegis-soc/aegis/internal/oracle"
)

// scriptedOracle returns canned responses in order and records prompts.
type scriptedOracle struct {
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (o *scriptedOracle) Generate(_ context.Context, _, prompt string) (string, error) {
	o.prompts = append(o.prompts, prompt)
	if o.err != nil {
		return "", o.err
	}
	if o.calls >= len(o.responses) {
		return "", fmt.Errorf("no scripted response for call %d", o.calls)
	}
	resp := o.responses[o.calls]
	o.calls++
	return resp, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const continueWithIntelTask = `{"decision":"continue","reasoning":"check the source IP","tasks":[{"agent":"intel","action":"lookup_ip","address":"89.248.172.16"}]}`

const stopDecision = `{"decision":"stop","reasoning":"enough evidence","tasks":[]}`

func TestPlanNextStepParsesDecision(t *testing.T) {
	mock := &scriptedOracle{responses: []string{continueWithIntelTask}}
	p, err := NewPlanner(mock, 2, testLogger())
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}

	st := &investigation.State{IncidentID: "inc-1", Alert: "brute force from 89.248.172.16", MaxLoops: 10}
	decision, err := p.PlanNextStep(context.Background(), st)
	if err != nil {
		t.Fatalf("PlanNextStep: %v", err)
	}
	if decision.Decision != investigation.DecisionContinue {
		t.Errorf("decision = %q, want continue", decision.Decision)
	}
	if len(decision.Tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(decision.Tasks))
	}
	task := decision.Tasks[0]
	if task.Agent != investigation.AgentIntel || task.Address != "89.248.172.16" {
		t.Errorf("unexpected task %+v", task)
	}
}

func TestPlanNextStepPassesInvalidTasksThrough(t *testing.T) {
	// An intel task without an address is unexecutable, but it is the
	// dispatcher's job to record it as a failed task; the planner does
	// not filter the audit trail.
	resp := `{"decision":"continue","reasoning":"mixed bag","tasks":[` +
		`{"agent":"intel","action":"lookup_ip"},` +
		`{"agent":"analyst","action":"analyze_logs","question":"How many failed logins?"}]}`
	mock := &scriptedOracle{responses: []string{resp}}
	p, err := NewPlanner(mock, 2, testLogger())
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}

	decision, err := p.PlanNextStep(context.Background(), &investigation.State{IncidentID: "inc-2", MaxLoops: 10})
	if err != nil {
		t.Fatalf("PlanNextStep: %v", err)
	}
	if len(decision.Tasks) != 2 {
		t.Fatalf("tasks = %d, want both passed through", len(decision.Tasks))
	}
	if err := decision.Tasks[0].Validate(); err == nil {
		t.Error("expected first task to fail validation")
	}
	if err := decision.Tasks[1].Validate(); err != nil {
		t.Errorf("second task should be valid: %v", err)
	}
}

func TestPlanNextStepContinueWithoutTasksBecomesStop(t *testing.T) {
	resp := `{"decision":"continue","reasoning":"hmm","tasks":[]}`
	mock := &scriptedOracle{responses: []string{resp}}
	p, err := NewPlanner(mock, 2, testLogger())
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}

	decision, err := p.PlanNextStep(context.Background(), &investigation.State{IncidentID: "inc-3", MaxLoops: 10})
	if err != nil {
		t.Fatalf("PlanNextStep: %v", err)
	}
	if decision.Decision != investigation.DecisionStop {
		t.Errorf("decision = %q, want stop when no tasks requested", decision.Decision)
	}
}

func TestPlanNextStepRetriesOnSchemaViolation(t *testing.T) {
	bad := `{"decision":"maybe","reasoning":"?","tasks":[]}`
	mock := &scriptedOracle{responses: []string{bad, stopDecision}}
	p, err := NewPlanner(mock, 2, testLogger())
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}

	decision, err := p.PlanNextStep(context.Background(), &investigation.State{IncidentID: "inc-4", MaxLoops: 10})
	if err != nil {
		t.Fatalf("PlanNextStep: %v", err)
	}
	if decision.Decision != investigation.DecisionStop {
		t.Errorf("decision = %q, want stop", decision.Decision)
	}
	if mock.calls != 2 {
		t.Errorf("oracle calls = %d, want 2", mock.calls)
	}
}

func TestPlanNextStepOracleFailurePropagates(t *testing.T) {
	mock := &scriptedOracle{err: oracle.ErrUnavailable}
	p, err := NewPlanner(mock, 2, testLogger())
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}

	_, err = p.PlanNextStep(context.Background(), &investigation.State{IncidentID: "inc-5", MaxLoops: 10})
	if !errors.Is(err, oracle.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestBuildPlannerContext(t *testing.T) {
	st := &investigation.State{
		IncidentID: "inc-6",
		Alert:      "SSH brute force",
		LoopCount:  2,
		MaxLoops:   10,
		TaskHistory: []investigation.TaskRecord{
			{
				Agent:   investigation.AgentIntel,
				Action:  investigation.ActionLookupIP,
				Params:  map[string]any{"address": "8.8.8.8"},
				Success: true,
				Result:  []byte(`{"reputation":"benign"}`),
			},
			{
				Agent:  investigation.AgentAnalyst,
				Action: investigation.ActionAnalyzeLogs,
				Params: map[string]any{"question": "failed logins?"},
				Error:  "context deadline exceeded",
			},
		},
	}

	got := buildPlannerContext(st)
	for _, want := range []string{
		"SSH brute force",
		"Iteration: 2 of 10",
		`Result: {"reputation":"benign"}`,
		"Failed: context deadline exceeded",
		"What should we do next?",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("context missing %q:\n%s", want, got)
		}
	}
}
