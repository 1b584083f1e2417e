// Package investigation defines the durable investigation record and
// the planner and verdict value types shared across the daemon.
package investigation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Investigation statuses. Transitions are monotonic except running→running.
const (
	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Agent names tasks are dispatched to.
const (
	AgentIntel   = "intel"
	AgentAnalyst = "analyst"
)

// Actions the planner may request.
const (
	ActionLookupIP    = "lookup_ip"
	ActionAnalyzeLogs = "analyze_logs"
)

// Severity levels, ordered. SeverityRank gives the ordering.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityRank = map[string]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// SeverityRank returns the ordinal of a severity, -1 for unknown values.
func SeverityRank(severity string) int {
	if r, ok := severityRank[severity]; ok {
		return r
	}
	return -1
}

// SeverityAtLeast reports whether severity is at or above threshold.
// Unknown values never satisfy the threshold.
func SeverityAtLeast(severity, threshold string) bool {
	s, ok := severityRank[severity]
	if !ok {
		return false
	}
	t, ok := severityRank[threshold]
	if !ok {
		return false
	}
	return s >= t
}

// State is the durable record of one investigation.
// TaskHistory is append-only; Verdict is set once at the terminal
// transition. UpdatedAt carries the optimistic-concurrency token.
type State struct {
	IncidentID  string         `json:"incident_id"`
	Alert       string         `json:"alert"`
	Priority    string         `json:"priority"`
	Status      string         `json:"status"`
	LoopCount   int            `json:"loop_count"`
	MaxLoops    int            `json:"max_loops"`
	TaskHistory []TaskRecord   `json:"task_history"`
	Verdict     *ThreatVerdict `json:"verdict,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TaskRecord is one completed task appended to the history.
// Exactly one of Result/Error is set, matching Success.
type TaskRecord struct {
	Agent     string          `json:"agent"`
	Action    string          `json:"action"`
	Params    map[string]any  `json:"params"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Duration  time.Duration   `json:"duration"`
	Timestamp time.Time       `json:"timestamp"`
}

// TaskRequest is one planner-requested agent invocation. The agent and
// action select the variant; Dispatch checks the pairing statically.
type TaskRequest struct {
	Agent     string `json:"agent"`
	Action    string `json:"action"`
	Address   string `json:"address,omitempty"`
	Question  string `json:"question,omitempty"`
	Reasoning string `json:"reasoning"`
}

// Validate checks that the request names a known agent/action pair and
// carries the parameter that pair requires.
func (r TaskRequest) Validate() error {
	switch {
	case r.Agent == AgentIntel && r.Action == ActionLookupIP:
		if r.Address == "" {
			return fmt.Errorf("intel %s task missing address", r.Action)
		}
	case r.Agent == AgentAnalyst && r.Action == ActionAnalyzeLogs:
		if r.Question == "" {
			return fmt.Errorf("analyst %s task missing question", r.Action)
		}
	default:
		return fmt.Errorf("unknown task %s/%s", r.Agent, r.Action)
	}
	return nil
}

// Params renders the request's variant payload for the audit record.
func (r TaskRequest) Params() map[string]any {
	switch r.Agent {
	case AgentIntel:
		return map[string]any{"address": r.Address}
	case AgentAnalyst:
		return map[string]any{"question": r.Question}
	default:
		return map[string]any{}
	}
}

// Planner decisions.
const (
	DecisionContinue = "continue"
	DecisionStop     = "stop"
)

// PlannerDecision is the planning oracle's answer for one iteration.
// It is ephemeral; only its effects (dispatched tasks) are persisted.
type PlannerDecision struct {
	Decision  string        `json:"decision"`
	Reasoning string        `json:"reasoning"`
	Tasks     []TaskRequest `json:"tasks"`
}

// ThreatVerdict is the final conclusion of one investigation.
type ThreatVerdict struct {
	Severity           string   `json:"severity"`
	Confidence         float64  `json:"confidence"`
	ThreatSummary      string   `json:"threat_summary"`
	Evidence           []string `json:"evidence"`
	RecommendedActions []string `json:"recommended_actions"`
	AffectedAssets     []string `json:"affected_assets,omitempty"`
}
