// Package sandbox executes untrusted, oracle-generated analysis snippets
// against an in-memory dataset snapshot.
//
// Snippets are expr-lang expressions: a non-Turing-complete dialect with no
// imports, no I/O, no assignment and no host access. Containment is layered:
// a static deny-list rejects dangerous-looking constructs before compilation,
// the compile environment exposes only the dataset bindings (any other
// identifier is a compile error), and a wall-clock watchdog bounds every run.
// The static filter is a fast-reject layer, not the authoritative boundary;
// the strict environment and the dialect itself are what keep host
// capabilities out of reach.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"go.opentelemetry.io/otel/metric"

	"github.com/aegis-soc/aegis/internal/dataset"
	aegisotel "github.com/aegis-soc/aegis/internal/otel"
)

// Deterministic fault reason codes for snippet execution.
const (
	ReasonForbiddenConstruct = "forbidden_construct"
	ReasonTimeout            = "timeout"
	ReasonRuntimeError       = "runtime_error"
)

// DefaultTimeout is the wall-clock budget for a single snippet run.
const DefaultTimeout = 5 * time.Second

// maxOutputBytes caps captured output so a snippet cannot flood the task
// history with an unbounded result.
const maxOutputBytes = 8192

// ExecError is a structured snippet-execution fault.
type ExecError struct {
	Reason  string `json:"reason"` // one of the Reason* constants
	Message string `json:"message"`
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Result is the outcome of exactly one snippet execution.
// Exactly one of Output/Err is populated, matching Success.
type Result struct {
	Success       bool          `json:"success"`
	Output        string        `json:"output,omitempty"`
	Err           *ExecError    `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	Snippet       string        `json:"snippet"`
}

// denyPatterns is the fixed deny-list of dangerous constructs. None of these
// are expressible in the dialect anyway; a match means the snippet was written
// for some other runtime and is rejected before compilation.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bimport\b`),
	regexp.MustCompile(`\bos\s*\.`),
	regexp.MustCompile(`\bsys\s*\.`),
	regexp.MustCompile(`\bsubprocess\b`),
	regexp.MustCompile(`\bexec\s*\(`),
	regexp.MustCompile(`\beval\s*\(`),
	regexp.MustCompile(`\bcompile\s*\(`),
	regexp.MustCompile(`\bopen\s*\(`),
	regexp.MustCompile(`\bsyscall\b`),
	regexp.MustCompile(`\breflect\b`),
	regexp.MustCompile(`__\w+__`),
}

// Executor runs snippets under the admission filter and timeout.
// It holds no per-call state: two investigations sharing an Executor can
// never observe each other's execution context.
type Executor struct {
	timeout time.Duration
	metrics *aegisotel.Metrics
	logger  *slog.Logger
}

// SetMetrics attaches metric instruments. Safe to skip.
func (e *Executor) SetMetrics(m *aegisotel.Metrics) {
	e.metrics = m
}

// NewExecutor creates an Executor. A zero timeout uses DefaultTimeout.
func NewExecutor(timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{timeout: timeout, logger: logger}
}

// Execute runs one snippet against the dataset and always returns a Result;
// it never panics outward and never blocks past the configured budget.
// The dataset is read-only for the duration of the call.
func (e *Executor) Execute(ctx context.Context, snippet string, ds *dataset.Dataset) Result {
	start := time.Now()
	snippet = strings.TrimSpace(snippet)

	if snippet == "" {
		return e.fail(ctx, snippet, start, ReasonRuntimeError, "empty snippet")
	}

	// Static admission check: reject before any compilation or execution.
	for _, pat := range denyPatterns {
		if pat.MatchString(snippet) {
			e.logger.Warn("snippet rejected by admission check",
				"pattern", pat.String())
			return e.fail(ctx, snippet, start, ReasonForbiddenConstruct,
				fmt.Sprintf("snippet matches deny-listed construct %s", pat.String()))
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// The environment is built per call and exposes only the dataset
	// bindings plus the cancellation context. Identifiers outside it fail
	// compilation, so the snippet cannot name any host capability.
	env := map[string]any{
		"rows":    ds.Rows(),
		"columns": ds.Columns(),
		"ctx":     runCtx,
	}

	program, err := expr.Compile(snippet, expr.Env(env), expr.WithContext("ctx"))
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "unknown name") || strings.Contains(msg, "cannot fetch") {
			return e.fail(ctx, snippet, start, ReasonForbiddenConstruct,
				"snippet references an identifier outside the allowed namespace: "+msg)
		}
		return e.fail(ctx, snippet, start, ReasonRuntimeError, "compile: "+msg)
	}

	type runOutcome struct {
		value any
		err   error
	}
	done := make(chan runOutcome, 1)

	// The run goroutine is a disposable worker: on timeout it is abandoned
	// along with its channel and its result is never delivered. It is never
	// reused for another snippet.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, runErr := expr.Run(program, env)
		done <- runOutcome{value: out, err: runErr}
	}()

	select {
	case <-runCtx.Done():
		// runCtx also closes when the caller's context is canceled.
		// Only an expired deadline is a timeout.
		if errors.Is(context.Cause(runCtx), context.DeadlineExceeded) {
			e.logger.Warn("snippet execution timed out", "budget", e.timeout)
			return e.fail(ctx, snippet, start, ReasonTimeout,
				fmt.Sprintf("execution exceeded %s budget", e.timeout))
		}
		return e.fail(ctx, snippet, start, ReasonRuntimeError,
			"execution canceled: "+context.Cause(runCtx).Error())
	case outcome := <-done:
		if outcome.err != nil {
			if errors.Is(context.Cause(runCtx), context.DeadlineExceeded) {
				return e.fail(ctx, snippet, start, ReasonTimeout,
					fmt.Sprintf("execution exceeded %s budget", e.timeout))
			}
			return e.fail(ctx, snippet, start, ReasonRuntimeError, outcome.err.Error())
		}
		if e.metrics != nil {
			e.metrics.SnippetDuration.Record(ctx, time.Since(start).Seconds())
		}
		return Result{
			Success:       true,
			Output:        formatValue(outcome.value),
			ExecutionTime: time.Since(start),
			Snippet:       snippet,
		}
	}
}

func (e *Executor) fail(ctx context.Context, snippet string, start time.Time, reason, message string) Result {
	if e.metrics != nil {
		if reason == ReasonForbiddenConstruct {
			e.metrics.SnippetRejects.Add(ctx, 1)
		}
		e.metrics.SnippetDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(aegisotel.AttrFaultCode.String(reason)))
	}
	return Result{
		Success:       false,
		Err:           &ExecError{Reason: reason, Message: message},
		ExecutionTime: time.Since(start),
		Snippet:       snippet,
	}
}

// formatValue renders a snippet result as bounded text. Maps and slices are
// rendered as JSON (map keys sorted by encoding/json) so repeated runs over
// the same snapshot produce identical output.
func formatValue(v any) string {
	var out string
	switch val := v.(type) {
	case nil:
		out = "null"
	case string:
		out = val
	case bool, int, int64, float64:
		out = fmt.Sprintf("%v", val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			out = fmt.Sprintf("%v", val)
		} else {
			out = string(data)
		}
	}
	if len(out) > maxOutputBytes {
		out = out[:maxOutputBytes] + "… [truncated]"
	}
	return out
}
