package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aegis-soc/aegis/internal/investigation"
	"github.com/aegis-soc/aegis/internal/oracle"
)

const plannerSystemPrompt = `You are a Senior SOC Manager conducting an iterative investigation.

Available agents:
1. intel - action "lookup_ip", takes "address": IP reputation and threat intelligence.
2. analyst - action "analyze_logs", takes "question": natural-language queries over the firewall logs.

Review the investigation so far and decide the next step.
- "continue": more investigation is needed; provide new tasks.
- "stop": there is enough evidence; tasks must be an empty array.

Do not repeat tasks that already have results. Prefer one or two focused tasks per step.`

const plannerSchema = `{
	"type": "object",
	"properties": {
		"decision": {"type": "string", "enum": ["continue", "stop"]},
		"reasoning": {"type": "string"},
		"tasks": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"agent": {"type": "string", "enum": ["intel", "analyst"]},
					"action": {"type": "string"},
					"address": {"type": "string"},
					"question": {"type": "string"},
					"reasoning": {"type": "string"}
				},
				"required": ["agent", "action"],
				"additionalProperties": false
			}
		}
	},
	"required": ["decision", "reasoning", "tasks"],
	"additionalProperties": false
}`

// Planner asks the planning oracle what to do next given the evidence
// accumulated so far.
type Planner struct {
	oracle     oracle.Oracle
	validator  *oracle.Validator
	maxRetries int
	logger     *slog.Logger
}

func NewPlanner(o oracle.Oracle, maxRetries int, logger *slog.Logger) (*Planner, error) {
	if maxRetries < 0 {
		maxRetries = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	v, err := oracle.NewValidator([]byte(plannerSchema))
	if err != nil {
		return nil, fmt.Errorf("compile planner schema: %w", err)
	}
	return &Planner{oracle: o, validator: v, maxRetries: maxRetries, logger: logger}, nil
}

// PlanNextStep returns the oracle's schema-validated decision. Requested
// tasks are passed through as-is; the dispatcher validates each variant
// and records invalid ones as failed tasks. A continue decision with no
// tasks at all degrades to stop rather than burning an empty iteration.
func (p *Planner) PlanNextStep(ctx context.Context, st *investigation.State) (investigation.PlannerDecision, error) {
	var decision investigation.PlannerDecision
	prompt := buildPlannerContext(st)
	if _, err := oracle.GenerateStructured(ctx, p.oracle, plannerSystemPrompt, prompt, p.validator, p.maxRetries, &decision); err != nil {
		return investigation.PlannerDecision{}, err
	}

	if decision.Decision == investigation.DecisionContinue && len(decision.Tasks) == 0 {
		p.logger.Info("planner continued without tasks; treating as stop")
		decision.Decision = investigation.DecisionStop
	}
	return decision, nil
}

func buildPlannerContext(st *investigation.State) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Original Alert: %s\n", st.Alert)
	fmt.Fprintf(&sb, "Incident ID: %s\n", st.IncidentID)
	fmt.Fprintf(&sb, "Iteration: %d of %d\n\n", st.LoopCount, st.MaxLoops)

	if len(st.TaskHistory) == 0 {
		sb.WriteString("No tasks executed yet.\n")
	} else {
		sb.WriteString("Tasks completed so far:\n")
		for i, rec := range st.TaskHistory {
			fmt.Fprintf(&sb, "%d. Agent: %s, Action: %s, Params: %s\n",
				i+1, rec.Agent, rec.Action, compactJSON(rec.Params))
			if rec.Success {
				fmt.Fprintf(&sb, "   Result: %s\n", string(rec.Result))
			} else {
				fmt.Fprintf(&sb, "   Failed: %s\n", rec.Error)
			}
		}
	}

	sb.WriteString("\nWhat should we do next?")
	return sb.String()
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
