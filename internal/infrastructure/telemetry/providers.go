package telemetry

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Providers bundles the trace, metric and log pipelines of one process
// together with the numbering instruments recorded on them.
type Providers struct {
	Tracer    *TracerProvider
	Meter     *MeterProvider
	Logs      *LoggerProvider
	Numbering *NumberingMetrics
}

// Start brings up every pipeline. Disabled pipelines stay on the global
// no-op providers, so the numbering instruments are always usable.
func Start(ctx context.Context, traces Config, metrics MetricsConfig, logs LogsConfig, logger *zap.Logger) (*Providers, error) {
	p := &Providers{}
	var err error

	if p.Tracer, err = NewTracerProvider(ctx, traces, logger); err != nil {
		return nil, err
	}
	if p.Meter, err = NewMeterProvider(ctx, metrics, logger); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	if p.Logs, err = NewLoggerProvider(ctx, logs, logger); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	if p.Numbering, err = NewNumberingMetrics(NumberingMetricsConfig{Meter: p.Meter.Meter(TracerName)}); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	return p, nil
}

// Shutdown flushes and stops every started pipeline, logs last so the
// shutdown of the others is still exported.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	if p.Tracer != nil {
		errs = append(errs, p.Tracer.Shutdown(ctx))
	}
	if p.Meter != nil {
		errs = append(errs, p.Meter.Shutdown(ctx))
	}
	if p.Logs != nil {
		errs = append(errs, p.Logs.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
