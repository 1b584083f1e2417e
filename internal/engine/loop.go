// Package engine drives investigations: an explicit plan-execute-observe
// state machine with a hard iteration ceiling and a durable checkpoint
// after every completed iteration.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aegis-soc/aegis/internal/analyst"
	"github.com/aegis-soc/aegis/internal/bus"
	"github.com/aegis-soc/aegis/internal/intel"
	"github.com/aegis-soc/aegis/internal/investigation"
	aegisotel "github.com/aegis-soc/aegis/internal/otel"
	"github.com/aegis-soc/aegis/internal/shared"
)

const DefaultMaxLoops = 10

// AnalystService is the analyst capability the loop dispatches to.
type AnalystService interface {
	Analyze(ctx context.Context, question string) (analyst.Answer, error)
}

// InvestigationStore is the durable store contract the loop depends on.
// *persistence.Store satisfies it.
type InvestigationStore interface {
	CreateInvestigation(ctx context.Context, st *investigation.State) error
	MarkRunning(ctx context.Context, incidentID string, prev time.Time) (time.Time, error)
	AppendIteration(ctx context.Context, incidentID string, records []investigation.TaskRecord, prev time.Time) (time.Time, error)
	SetTerminal(ctx context.Context, incidentID, status string, verdict *investigation.ThreatVerdict, prev time.Time) (time.Time, error)
}

// Runner owns all InvestigationState mutation. One Run call is one
// investigation; concurrent Run calls are independent.
type Runner struct {
	store    InvestigationStore
	planner  *Planner
	synth    *Synthesizer
	intel    intel.Repository
	analyst  AnalystService
	bus      *bus.Bus
	metrics  *aegisotel.Metrics
	tracer   trace.Tracer
	maxLoops int
	logger   *slog.Logger
}

type RunnerConfig struct {
	MaxLoops int
	Metrics  *aegisotel.Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

func NewRunner(store InvestigationStore, planner *Planner, synth *Synthesizer, intelRepo intel.Repository, analystSvc AnalystService, eventBus *bus.Bus, cfg RunnerConfig) *Runner {
	maxLoops := cfg.MaxLoops
	if maxLoops <= 0 {
		maxLoops = DefaultMaxLoops
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    store,
		planner:  planner,
		synth:    synth,
		intel:    intelRepo,
		analyst:  analystSvc,
		bus:      eventBus,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		maxLoops: maxLoops,
		logger:   logger,
	}
}

// Run executes one investigation from creation to a terminal state.
// The returned state is always terminal; on error its status is failed
// and whatever evidence was gathered is already persisted.
func (r *Runner) Run(ctx context.Context, alert, priority string) (*investigation.State, error) {
	if priority == "" {
		priority = "medium"
	}
	incidentID := uuid.NewString()
	ctx = shared.WithIncidentID(ctx, incidentID)
	started := time.Now()

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "investigation.run",
			trace.WithAttributes(aegisotel.AttrIncidentID.String(incidentID)))
		defer span.End()
	}

	st := &investigation.State{
		IncidentID: incidentID,
		Alert:      alert,
		Priority:   priority,
		MaxLoops:   r.maxLoops,
	}
	if err := r.store.CreateInvestigation(ctx, st); err != nil {
		return nil, fmt.Errorf("create investigation: %w", err)
	}
	r.logger.Info("investigation started", "incident_id", incidentID, "priority", priority)
	r.publishState(st)
	if r.metrics != nil {
		r.metrics.ActiveInvestigations.Add(ctx, 1)
		defer r.metrics.ActiveInvestigations.Add(ctx, -1)
	}

	token, err := r.store.MarkRunning(ctx, incidentID, st.UpdatedAt)
	if err != nil {
		return r.fail(ctx, st, st.UpdatedAt, fmt.Errorf("mark running: %w", err))
	}
	st.Status = investigation.StatusRunning
	st.UpdatedAt = token

	// Plan-execute-observe loop. Iteration N+1's plan depends on
	// iteration N's observed results, so iterations are sequential;
	// only tasks within one iteration fan out.
	for st.LoopCount < st.MaxLoops {
		iterCtx := ctx
		var iterSpan trace.Span
		if r.tracer != nil {
			iterCtx, iterSpan = aegisotel.StartSpan(ctx, r.tracer, "investigation.iteration",
				aegisotel.AttrIncidentID.String(incidentID),
				aegisotel.AttrLoopCount.Int(st.LoopCount+1))
		}

		decision, err := r.planner.PlanNextStep(iterCtx, st)
		if err != nil {
			endSpan(iterSpan)
			return r.fail(ctx, st, token, fmt.Errorf("planning: %w", err))
		}
		r.logger.Info("planner decision",
			"incident_id", incidentID, "decision", decision.Decision,
			"tasks", len(decision.Tasks), "iteration", st.LoopCount+1)

		if decision.Decision == investigation.DecisionStop {
			endSpan(iterSpan)
			break
		}

		records := r.dispatch(iterCtx, decision.Tasks)
		// The prior token must survive an append failure: fail() needs
		// it to durably record the failed status.
		newToken, err := r.store.AppendIteration(iterCtx, incidentID, records, token)
		endSpan(iterSpan)
		if err != nil {
			return r.fail(ctx, st, token, fmt.Errorf("append iteration: %w", err))
		}
		token = newToken
		st.TaskHistory = append(st.TaskHistory, records...)
		st.LoopCount++
		st.UpdatedAt = token
		r.publishState(st)
		if r.metrics != nil {
			r.metrics.IterationsTotal.Add(ctx, 1)
		}
	}
	if st.LoopCount >= st.MaxLoops {
		r.logger.Warn("loop ceiling reached; forcing synthesis",
			"incident_id", incidentID, "max_loops", st.MaxLoops)
	}

	verdict, err := r.synth.Synthesize(ctx, st.Alert, st.TaskHistory)
	if err != nil {
		return r.fail(ctx, st, token, err)
	}
	token, err = r.store.SetTerminal(ctx, incidentID, investigation.StatusCompleted, verdict, token)
	if err != nil {
		return r.fail(ctx, st, st.UpdatedAt, fmt.Errorf("persist verdict: %w", err))
	}
	st.Status = investigation.StatusCompleted
	st.Verdict = verdict
	st.UpdatedAt = token

	r.logger.Info("investigation complete",
		"incident_id", incidentID, "severity", verdict.Severity,
		"loops", st.LoopCount, "duration", time.Since(started))
	r.publishState(st)
	if r.metrics != nil {
		r.metrics.InvestigationDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(aegisotel.AttrSeverity.String(verdict.Severity)))
	}
	return st, nil
}

// fail durably records the failed status. Partial evidence persisted in
// earlier iterations stays visible. The original cause is returned even
// when recording the failure itself also fails.
func (r *Runner) fail(ctx context.Context, st *investigation.State, token time.Time, cause error) (*investigation.State, error) {
	r.logger.Error("investigation failed",
		"incident_id", st.IncidentID, "error", cause)
	if _, err := r.store.SetTerminal(ctx, st.IncidentID, investigation.StatusFailed, nil, token); err != nil {
		r.logger.Error("failed to record terminal failure",
			"incident_id", st.IncidentID, "error", err)
	}
	st.Status = investigation.StatusFailed
	r.publishState(st)
	return st, cause
}

// dispatch fans an iteration's tasks out and joins on all of them.
// Records come back in completion order, not request order. Task-level
// failures become failed records; they never abort the iteration.
func (r *Runner) dispatch(ctx context.Context, tasks []investigation.TaskRequest) []investigation.TaskRecord {
	results := make(chan investigation.TaskRecord, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(func() error {
			results <- r.executeTask(gctx, task)
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	records := make([]investigation.TaskRecord, 0, len(tasks))
	for rec := range results {
		records = append(records, rec)
	}
	return records
}

func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

func (r *Runner) executeTask(ctx context.Context, task investigation.TaskRequest) investigation.TaskRecord {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = aegisotel.StartSpan(ctx, r.tracer, "investigation.task",
			aegisotel.AttrAgent.String(task.Agent),
			aegisotel.AttrAction.String(task.Action))
		defer span.End()
	}
	started := time.Now()
	rec := investigation.TaskRecord{
		Agent:     task.Agent,
		Action:    task.Action,
		Params:    task.Params(),
		Timestamp: started.UTC(),
	}

	var (
		payload any
		err     error
	)
	// An invalid request still becomes a failed record: the planner
	// asked for it, so the audit trail shows it was asked for.
	if err = task.Validate(); err == nil {
		switch task.Agent {
		case investigation.AgentIntel:
			payload, err = r.intel.Lookup(ctx, task.Address)
		case investigation.AgentAnalyst:
			payload, err = r.analyst.Analyze(ctx, task.Question)
		}
	}
	rec.Duration = time.Since(started)

	if err != nil {
		rec.Error = err.Error()
	} else if data, merr := json.Marshal(payload); merr != nil {
		rec.Error = fmt.Sprintf("encode task result: %s", merr)
	} else {
		rec.Success = true
		rec.Result = data
	}

	// A failed analyst answer is still a successful task: the failure
	// detail is evidence, carried in the result payload.
	r.publishTask(ctx, rec)
	if r.metrics != nil && !rec.Success {
		r.metrics.TaskErrors.Add(ctx, 1,
			metric.WithAttributes(aegisotel.AttrAgent.String(task.Agent)))
	}
	return rec
}

func (r *Runner) publishState(st *investigation.State) {
	if r.bus == nil {
		return
	}
	severity := ""
	if st.Verdict != nil {
		severity = st.Verdict.Severity
	}
	topic := bus.TopicInvestigationIteration
	switch st.Status {
	case investigation.StatusCreated:
		topic = bus.TopicInvestigationStarted
	case investigation.StatusCompleted:
		topic = bus.TopicInvestigationCompleted
	case investigation.StatusFailed:
		topic = bus.TopicInvestigationFailed
	}
	r.bus.Publish(topic, bus.InvestigationEvent{
		IncidentID: st.IncidentID,
		Status:     st.Status,
		LoopCount:  st.LoopCount,
		MaxLoops:   st.MaxLoops,
		Severity:   severity,
	})
}

func (r *Runner) publishTask(ctx context.Context, rec investigation.TaskRecord) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.TopicInvestigationTask, bus.TaskEvent{
		IncidentID: shared.IncidentID(ctx),
		Agent:      rec.Agent,
		Action:     rec.Action,
		Success:    rec.Success,
		DurationMS: rec.Duration.Milliseconds(),
	})
}
