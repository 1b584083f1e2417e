// Package analyst answers natural-language questions about the log
// dataset by asking the generation oracle for an expression snippet,
// running it in the sandbox, and self-correcting on failure. Attempts
// are carried as data so the audit trail is inspectable.
package analyst

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aegis-soc/aegis/internal/dataset"
	"github.com/aegis-soc/aegis/internal/oracle"
	"github.com/aegis-soc/aegis/internal/sandbox"
)

const DefaultMaxRetries = 2

const generationSystemPrompt = `You are an expert cybersecurity data analyst specializing in network security logs.

Your job is to write a single expression in the expr language (https://expr-lang.org) to answer questions about firewall logs.

The environment exposes:
- rows: a list of log records (each a map with the columns described below)
- columns: the ordered list of column names

RULES:
1. Return ONLY one expression, no explanations and no code fences.
2. Use only expr builtins (filter, map, len, sum, groupBy, sortBy, count, keys, ...).
3. Access record fields with .field inside predicates, e.g. filter(rows, .action == "BLOCK").
4. Handle empty results (len(...) == 0 checks) where division could fail.`

const interpretationSchema = `{
	"type": "object",
	"properties": {
		"answer": {"type": "string"},
		"confidence": {"type": "string", "enum": ["high", "medium", "low"]}
	},
	"required": ["answer", "confidence"],
	"additionalProperties": false
}`

// Attempt is one generate-execute round, kept for the audit trail.
type Attempt struct {
	Snippet string         `json:"snippet"`
	Result  sandbox.Result `json:"result"`
}

// Answer is the analyst's final response to one question.
type Answer struct {
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	Confidence string    `json:"confidence"`
	Snippet    string    `json:"snippet,omitempty"`
	Output     string    `json:"output,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Attempts   []Attempt `json:"attempts"`
}

type Analyst struct {
	oracle     oracle.Oracle
	executor   *sandbox.Executor
	ds         *dataset.Dataset
	maxRetries int
	interp     *oracle.Validator
	logger     *slog.Logger
}

// New builds an Analyst. maxRetries below zero uses DefaultMaxRetries.
func New(o oracle.Oracle, executor *sandbox.Executor, ds *dataset.Dataset, maxRetries int, logger *slog.Logger) (*Analyst, error) {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	interp, err := oracle.NewValidator([]byte(interpretationSchema))
	if err != nil {
		return nil, fmt.Errorf("compile interpretation schema: %w", err)
	}
	return &Analyst{
		oracle:     o,
		executor:   executor,
		ds:         ds,
		maxRetries: maxRetries,
		interp:     interp,
		logger:     logger,
	}, nil
}

// Analyze runs the bounded generate-execute-correct loop. Execution
// failures are consumed by the retry budget and end in a failed Answer,
// never an error; only oracle transport failures return an error.
func (a *Analyst) Analyze(ctx context.Context, question string) (Answer, error) {
	ans := Answer{Question: question}

	var lastAttempt *Attempt
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		prompt := a.generationPrompt(question, lastAttempt)
		snippet, err := a.oracle.Generate(ctx, generationSystemPrompt, prompt)
		if err != nil {
			return ans, fmt.Errorf("generate snippet: %w", err)
		}
		snippet = stripFences(snippet)

		res := a.executor.Execute(ctx, snippet, a.ds)
		ans.Attempts = append(ans.Attempts, Attempt{Snippet: snippet, Result: res})
		lastAttempt = &ans.Attempts[len(ans.Attempts)-1]

		if res.Success {
			ans.Success = true
			ans.Snippet = snippet
			ans.Output = res.Output
			break
		}
		a.logger.Info("snippet attempt failed",
			"attempt", attempt+1, "reason", res.Err.Reason)
	}

	if !ans.Success {
		last := ans.Attempts[len(ans.Attempts)-1]
		ans.Error = last.Result.Err.Message
		ans.Answer = fmt.Sprintf("Unable to analyze: %s", last.Result.Err.Message)
		ans.Confidence = "low"
		return ans, nil
	}

	answer, confidence := a.interpret(ctx, question, ans.Snippet, ans.Output)
	ans.Answer = answer
	ans.Confidence = confidence
	return ans, nil
}

func (a *Analyst) generationPrompt(question string, prior *Attempt) string {
	var sb strings.Builder
	sb.WriteString("Dataset schema:\n")
	sb.WriteString(a.ds.SchemaDescription())
	sb.WriteString("\n\nQuery: ")
	sb.WriteString(question)
	if prior != nil {
		fmt.Fprintf(&sb, "\n\nPrevious attempt failed.\nSnippet:\n%s\nError (%s): %s\n\nPlease fix the expression.",
			prior.Snippet, prior.Result.Err.Reason, prior.Result.Err.Message)
	}
	return sb.String()
}

// interpret reduces the raw output to a short natural-language answer.
// A failed interpretation falls back to reporting the raw result rather
// than failing the whole task.
func (a *Analyst) interpret(ctx context.Context, question, snippet, output string) (string, string) {
	prompt := fmt.Sprintf(
		"Given this security log analysis:\n\nUser Question: %s\nExpression Executed: %s\nResult: %s\n\n"+
			"Provide a clear, concise answer to the user's question in 1-2 sentences. "+
			"If the result is a number, include context. If it is a list, summarize key findings. "+
			"Also rate your confidence: high, medium, or low.",
		question, snippet, output,
	)

	var parsed struct {
		Answer     string `json:"answer"`
		Confidence string `json:"confidence"`
	}
	if _, err := oracle.GenerateStructured(ctx, a.oracle, "", prompt, a.interp, 1, &parsed); err != nil {
		a.logger.Warn("result interpretation failed", "error", err)
		return fmt.Sprintf("Analysis complete. Result: %s", output), "medium"
	}
	return parsed.Answer, parsed.Confidence
}

// stripFences removes markdown code fences the oracle may wrap around
// the snippet despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 && !strings.ContainsAny(s[:idx], " \t(") {
		// Language tag on the fence line.
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
