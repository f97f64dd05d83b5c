package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the pipeline instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RequestDuration       metric.Float64Histogram
	StageDuration         metric.Float64Histogram
	BackendCallDuration   metric.Float64Histogram
	ToolCalls             metric.Int64Counter
	ConfirmationsProposed metric.Int64Counter
	ConfirmationsResolved metric.Int64Counter
	RateLimitRejects      metric.Int64Counter
	PipelineErrors        metric.Int64Counter
	ConfirmationsExpired  metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("taskchat.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StageDuration, err = meter.Float64Histogram("taskchat.stage.duration",
		metric.WithDescription("Chat pipeline stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BackendCallDuration, err = meter.Float64Histogram("taskchat.backend.duration",
		metric.WithDescription("Intent backend resolution duration in seconds, retries included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("taskchat.tool.calls",
		metric.WithDescription("Tool dispatch attempts by tool and status"),
	)
	if err != nil {
		return nil, err
	}

	m.ConfirmationsProposed, err = meter.Int64Counter("taskchat.confirmations.proposed",
		metric.WithDescription("Destructive operations held for confirmation"),
	)
	if err != nil {
		return nil, err
	}

	m.ConfirmationsResolved, err = meter.Int64Counter("taskchat.confirmations.resolved",
		metric.WithDescription("Confirmation resolutions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("taskchat.ratelimit.rejects",
		metric.WithDescription("Messages rejected by the per-owner rate limit"),
	)
	if err != nil {
		return nil, err
	}

	m.PipelineErrors, err = meter.Int64Counter("taskchat.pipeline.errors",
		metric.WithDescription("Chat requests that ended in an error, by error code"),
	)
	if err != nil {
		return nil, err
	}

	m.ConfirmationsExpired, err = meter.Int64Counter("taskchat.confirmations.expired",
		metric.WithDescription("Pending confirmations expired by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) ObserveStage(ctx context.Context, stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(AttrStage.String(stage)))
}

func (m *Metrics) ObserveBackend(ctx context.Context, backend string, start time.Time) {
	if m == nil {
		return
	}
	m.BackendCallDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(AttrBackend.String(backend)))
}

func (m *Metrics) ObserveRequest(ctx context.Context, route string, status int, start time.Time) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	))
}

func (m *Metrics) CountToolCall(ctx context.Context, tool, status string) {
	if m == nil {
		return
	}
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(AttrToolName.String(tool), AttrStatus.String(status)))
}

func (m *Metrics) CountProposed(ctx context.Context, tool string) {
	if m == nil {
		return
	}
	m.ConfirmationsProposed.Add(ctx, 1, metric.WithAttributes(AttrToolName.String(tool)))
}

func (m *Metrics) CountResolved(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.ConfirmationsResolved.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(outcome)))
}

func (m *Metrics) CountRateLimited(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}

func (m *Metrics) CountError(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.PipelineErrors.Add(ctx, 1, metric.WithAttributes(AttrErrorCode.String(code)))
}

func (m *Metrics) CountExpired(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ConfirmationsExpired.Add(ctx, n)
}
