package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aegis-soc/aegis/internal/investigation"
	"github.com/aegis-soc/aegis/internal/oracle"
)

const synthesisSystemPrompt = `You are a Senior SOC Manager. Synthesize the investigation data into a final threat verdict.

Severity guidance:
- critical: confirmed malicious IP plus successful attacks or data exfiltration.
- high: confirmed malicious IP plus a high volume of failed attacks (brute force).
- medium: suspicious IP, low volume, or scanning.
- low/info: benign IP or standard noise.

Every evidence entry must reference a specific task result from the input. Be direct and professional.`

const verdictSchema = `{
	"type": "object",
	"properties": {
		"severity": {"type": "string", "enum": ["info", "low", "medium", "high", "critical"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"threat_summary": {"type": "string"},
		"evidence": {"type": "array", "items": {"type": "string"}},
		"recommended_actions": {"type": "array", "items": {"type": "string"}},
		"affected_assets": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["severity", "confidence", "threat_summary", "evidence", "recommended_actions"],
	"additionalProperties": false
}`

// Synthesizer reduces a task history to a ThreatVerdict. It is a pure
// reduction: the history is never mutated, and a synthesis failure is
// an error for the caller to treat as terminal, never a default verdict.
type Synthesizer struct {
	oracle     oracle.Oracle
	validator  *oracle.Validator
	maxRetries int
	logger     *slog.Logger
}

func NewSynthesizer(o oracle.Oracle, maxRetries int, logger *slog.Logger) (*Synthesizer, error) {
	if maxRetries < 0 {
		maxRetries = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	v, err := oracle.NewValidator([]byte(verdictSchema))
	if err != nil {
		return nil, fmt.Errorf("compile verdict schema: %w", err)
	}
	return &Synthesizer{oracle: o, validator: v, maxRetries: maxRetries, logger: logger}, nil
}

func (s *Synthesizer) Synthesize(ctx context.Context, alert string, history []investigation.TaskRecord) (*investigation.ThreatVerdict, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Original Alert: %s\n\nTask Results:\n", alert)
	if len(history) == 0 {
		sb.WriteString("(no tasks were executed)\n")
	}
	for i, rec := range history {
		fmt.Fprintf(&sb, "%d. Agent: %s\n   Action: %s\n   Params: %s\n", i+1, rec.Agent, rec.Action, compactJSON(rec.Params))
		if rec.Success {
			fmt.Fprintf(&sb, "   Output: %s\n\n", string(rec.Result))
		} else {
			fmt.Fprintf(&sb, "   Failed: %s\n\n", rec.Error)
		}
	}

	var verdict investigation.ThreatVerdict
	if _, err := oracle.GenerateStructured(ctx, s.oracle, synthesisSystemPrompt, sb.String(), s.validator, s.maxRetries, &verdict); err != nil {
		return nil, fmt.Errorf("synthesize verdict: %w", err)
	}
	return &verdict, nil
}
