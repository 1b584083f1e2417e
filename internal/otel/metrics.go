package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the daemon's metric instruments.
type Metrics struct {
	InvestigationDuration metric.Float64Histogram
	IterationsTotal       metric.Int64Counter
	ActiveInvestigations  metric.Int64UpDownCounter
	OracleCallDuration    metric.Float64Histogram
	SnippetDuration       metric.Float64Histogram
	SnippetRejects        metric.Int64Counter
	TaskErrors            metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.InvestigationDuration, err = meter.Float64Histogram("aegis.investigation.duration",
		metric.WithDescription("End-to-end investigation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.IterationsTotal, err = meter.Int64Counter("aegis.investigation.iterations",
		metric.WithDescription("Total planning iterations executed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveInvestigations, err = meter.Int64UpDownCounter("aegis.investigation.active",
		metric.WithDescription("Number of currently running investigations"),
	)
	if err != nil {
		return nil, err
	}

	m.OracleCallDuration, err = meter.Float64Histogram("aegis.oracle.duration",
		metric.WithDescription("Oracle API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SnippetDuration, err = meter.Float64Histogram("aegis.snippet.duration",
		metric.WithDescription("Snippet execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SnippetRejects, err = meter.Int64Counter("aegis.snippet.rejects",
		metric.WithDescription("Snippets rejected by the admission check"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskErrors, err = meter.Int64Counter("aegis.task.errors",
		metric.WithDescription("Agent task terminal failures"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
