package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	OTLPInsecure   bool
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	initOnce sync.Once

	commandTracer trace.Tracer

	commandDuration      metric.Float64Histogram
	commandTotal         metric.Int64Counter
	commandConcurrent    metric.Int64UpDownCounter
	commandConcurrencyCap metric.Int64Gauge

	commandQueueWait     metric.Float64Histogram
	commandTotalDuration metric.Float64Histogram
	commandClaimLatency  metric.Float64Histogram

	commandRetryCounter   metric.Int64Counter
	commandFailureCounter metric.Int64Counter

	tsqSizeGauge        metric.Int64Gauge
	tsqEnrollCounter     metric.Int64Counter
	tsqOperatorActionCounter metric.Int64Counter

	dbPoolInUseGauge        metric.Int64Gauge
	dbPoolIdleGauge         metric.Int64Gauge
	dbPoolWaitCountGauge    metric.Int64Gauge
	dbPoolWaitDurationGauge metric.Float64Gauge
	dbPoolUsageGauge        metric.Float64Gauge
	dbPoolMaxOpenGauge      metric.Int64Gauge
	dbPoolReservedGauge     metric.Int64Gauge
	dbPoolRejectCounter     metric.Int64Counter
)

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "commandbus"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{
			getOTLPEndpointOption(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			// Log error but don't fail startup - observability is optional
			fmt.Printf("WARN: Failed to create OTLP trace exporter (traces disabled): %v\n", err)
			fmt.Printf("WARN: Endpoint: %s\n", cfg.OTLPEndpoint)
		} else {
			spanExporter = exp
			fmt.Printf("INFO: OTLP trace exporter initialised successfully for endpoint: %s\n", cfg.OTLPEndpoint)
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx) // best-effort cleanup
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		commandTracer = tracerProvider.Tracer("rcmd-sub001/worker")
		_ = initCommandInstruments(meterProvider)
		_ = initTSQInstruments(meterProvider)
		_ = initDBPoolInstruments(meterProvider)
	})

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to an http.Handler when the providers are active.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	options := []otelhttp.Option{
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		// Skip tracing for health checks to reduce noise
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	}

	return otelhttp.NewHandler(handler, "http.server", options...)
}

func initCommandInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter("rcmd-sub001/worker")

	var err error
	commandDuration, err = meter.Float64Histogram(
		"commandbus.command.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken for a handler to process a claimed command"),
	)
	if err != nil {
		return err
	}

	commandTotal, err = meter.Int64Counter(
		"commandbus.command.total",
		metric.WithDescription("Counts command outcomes processed by a worker pool"),
	)
	if err != nil {
		return err
	}

	commandConcurrent, err = meter.Int64UpDownCounter(
		"commandbus.command.concurrent",
		metric.WithDescription("Current number of commands being processed concurrently by a worker pool"),
	)
	if err != nil {
		return err
	}

	commandConcurrencyCap, err = meter.Int64Gauge(
		"commandbus.command.concurrency_capacity",
		metric.WithDescription("Configured concurrency limit for a domain's worker pool"),
	)
	if err != nil {
		return err
	}

	commandQueueWait, err = meter.Float64Histogram(
		"commandbus.command.queue_wait_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time a command spends enqueued before a worker claims it"),
	)
	if err != nil {
		return err
	}

	commandTotalDuration, err = meter.Float64Histogram(
		"commandbus.command.total_duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("End-to-end time from command send until terminal status"),
	)
	if err != nil {
		return err
	}

	commandClaimLatency, err = meter.Float64Histogram(
		"commandbus.command.claim_latency_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency to claim a command from its queue table"),
	)
	if err != nil {
		return err
	}

	commandRetryCounter, err = meter.Int64Counter(
		"commandbus.command.retries_total",
		metric.WithDescription("Number of command retry attempts scheduled"),
	)
	if err != nil {
		return err
	}

	commandFailureCounter, err = meter.Int64Counter(
		"commandbus.command.failures_total",
		metric.WithDescription("Number of commands that reached a terminal failure status"),
	)
	return err
}

func initTSQInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter("rcmd-sub001/tsq")

	var err error
	tsqSizeGauge, err = meter.Int64Gauge(
		"commandbus.tsq.size",
		metric.WithDescription("Commands currently sitting in a domain's troubleshooting queue"),
	)
	if err != nil {
		return err
	}

	tsqEnrollCounter, err = meter.Int64Counter(
		"commandbus.tsq.enrollments_total",
		metric.WithDescription("Commands moved into the troubleshooting queue"),
	)
	if err != nil {
		return err
	}

	tsqOperatorActionCounter, err = meter.Int64Counter(
		"commandbus.tsq.operator_actions_total",
		metric.WithDescription("Operator actions taken against troubleshooting-queue commands, by action"),
	)
	return err
}

func initDBPoolInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter("rcmd-sub001/db_pool")

	var err error
	dbPoolInUseGauge, err = meter.Int64Gauge(
		"commandbus.db.pool.in_use",
		metric.WithDescription("Current number of connections in use"),
	)
	if err != nil {
		return err
	}

	dbPoolIdleGauge, err = meter.Int64Gauge(
		"commandbus.db.pool.idle",
		metric.WithDescription("Current number of idle connections"),
	)
	if err != nil {
		return err
	}

	dbPoolWaitCountGauge, err = meter.Int64Gauge(
		"commandbus.db.pool.wait_count",
		metric.WithDescription("Total number of waits for a database connection"),
	)
	if err != nil {
		return err
	}

	dbPoolWaitDurationGauge, err = meter.Float64Gauge(
		"commandbus.db.pool.wait_duration_ms",
		metric.WithDescription("Total time spent waiting for database connections (milliseconds)"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	dbPoolUsageGauge, err = meter.Float64Gauge(
		"commandbus.db.pool.usage_ratio",
		metric.WithDescription("Connection pool usage ratio (in_use / max_open)"),
	)
	if err != nil {
		return err
	}

	dbPoolMaxOpenGauge, err = meter.Int64Gauge(
		"commandbus.db.pool.max_open",
		metric.WithDescription("Maximum configured open connections"),
	)
	if err != nil {
		return err
	}

	dbPoolReservedGauge, err = meter.Int64Gauge(
		"commandbus.db.pool.reserved",
		metric.WithDescription("Connections reserved for maintenance operations"),
	)
	if err != nil {
		return err
	}

	dbPoolRejectCounter, err = meter.Int64Counter(
		"commandbus.db.pool.rejects_total",
		metric.WithDescription("Number of pool rejections when context expires before acquiring a connection"),
	)
	return err
}

// CommandSpanInfo describes the attributes used when starting a span around one claimed command.
type CommandSpanInfo struct {
	Domain        string
	CommandID     string
	CommandType   string
	CorrelationID string
}

// CommandMetrics describes a processed command for metric recording.
type CommandMetrics struct {
	Domain        string
	Status        string
	Duration      time.Duration
	QueueWait     time.Duration
	TotalDuration time.Duration
}

// StartCommandSpan starts a span for one claimed command's handler invocation.
func StartCommandSpan(ctx context.Context, info CommandSpanInfo) (context.Context, trace.Span) {
	t := commandTracer
	if t == nil {
		t = otel.Tracer("rcmd-sub001/worker")
	}

	attrs := []attribute.KeyValue{
		attribute.String("command.domain", info.Domain),
		attribute.String("command.id", info.CommandID),
		attribute.String("command.type", info.CommandType),
		attribute.String("command.correlation_id", info.CorrelationID),
	}

	return t.Start(ctx, "worker.process_command", trace.WithAttributes(attrs...))
}

// RecordCommand emits command processing metrics when instrumentation is initialised.
func RecordCommand(ctx context.Context, m CommandMetrics) {
	if commandDuration != nil {
		commandDuration.Record(ctx, float64(m.Duration.Milliseconds()),
			metric.WithAttributes(attribute.String("command.domain", m.Domain), attribute.String("command.status", m.Status)))
	}

	if m.QueueWait > 0 && commandQueueWait != nil {
		commandQueueWait.Record(ctx, float64(m.QueueWait.Milliseconds()),
			metric.WithAttributes(attribute.String("command.domain", m.Domain), attribute.String("command.status", m.Status)))
	}

	if m.TotalDuration > 0 && commandTotalDuration != nil {
		commandTotalDuration.Record(ctx, float64(m.TotalDuration.Milliseconds()),
			metric.WithAttributes(attribute.String("command.domain", m.Domain), attribute.String("command.status", m.Status)))
	}

	if commandTotal != nil {
		commandTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("command.domain", m.Domain), attribute.String("command.status", m.Status)))
	}
}

// RecordPoolConcurrency records the change in concurrently dispatched commands for a domain's pool.
// delta: +1 when dispatch starts, -1 when it finishes.
// capacity: the pool's configured concurrency limit, recorded once per domain on startup.
func RecordPoolConcurrency(ctx context.Context, domain string, delta int64, capacity int64) {
	if commandConcurrent != nil {
		commandConcurrent.Add(ctx, delta,
			metric.WithAttributes(attribute.String("command.domain", domain)))
	}

	if capacity > 0 && commandConcurrencyCap != nil {
		commandConcurrencyCap.Record(ctx, capacity,
			metric.WithAttributes(attribute.String("command.domain", domain)))
	}
}

// RecordTSQSize captures a domain's current troubleshooting queue depth.
func RecordTSQSize(ctx context.Context, domain string, size int64) {
	if tsqSizeGauge != nil {
		tsqSizeGauge.Record(ctx, size, metric.WithAttributes(attribute.String("command.domain", domain)))
	}
}

// RecordTSQEnrollment counts a command moving into the troubleshooting queue.
func RecordTSQEnrollment(ctx context.Context, domain string) {
	if tsqEnrollCounter != nil {
		tsqEnrollCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("command.domain", domain)))
	}
}

// RecordTSQOperatorAction counts an operator action (retry/cancel/complete) against a TSQ command.
func RecordTSQOperatorAction(ctx context.Context, domain, action string) {
	if tsqOperatorActionCounter != nil {
		tsqOperatorActionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("command.domain", domain),
			attribute.String("operator.action", action),
		))
	}
}

// DBPoolSnapshot describes a database connection pool state.
type DBPoolSnapshot struct {
	InUse        int
	Idle         int
	WaitCount    int64
	WaitDuration time.Duration
	MaxOpen      int
	Reserved     int
	Usage        float64
}

// RecordDBPoolStats records database pool utilisation metrics.
func RecordDBPoolStats(ctx context.Context, snapshot DBPoolSnapshot) {
	if dbPoolInUseGauge != nil {
		dbPoolInUseGauge.Record(ctx, int64(snapshot.InUse), metric.WithAttributes())
	}
	if dbPoolIdleGauge != nil {
		dbPoolIdleGauge.Record(ctx, int64(snapshot.Idle), metric.WithAttributes())
	}
	if dbPoolWaitCountGauge != nil {
		dbPoolWaitCountGauge.Record(ctx, snapshot.WaitCount, metric.WithAttributes())
	}
	if dbPoolWaitDurationGauge != nil {
		dbPoolWaitDurationGauge.Record(ctx, float64(snapshot.WaitDuration)/float64(time.Millisecond), metric.WithAttributes())
	}
	if dbPoolUsageGauge != nil {
		dbPoolUsageGauge.Record(ctx, snapshot.Usage, metric.WithAttributes())
	}
	if dbPoolMaxOpenGauge != nil {
		dbPoolMaxOpenGauge.Record(ctx, int64(snapshot.MaxOpen), metric.WithAttributes())
	}
	if dbPoolReservedGauge != nil {
		dbPoolReservedGauge.Record(ctx, int64(snapshot.Reserved), metric.WithAttributes())
	}
}

// RecordCommandClaimAttempt records the latency of claiming a command from a domain's queue.
func RecordCommandClaimAttempt(ctx context.Context, domain string, latency time.Duration, status string) {
	if commandClaimLatency != nil {
		commandClaimLatency.Record(ctx, float64(latency.Milliseconds()),
			metric.WithAttributes(
				attribute.String("command.domain", domain),
				attribute.String("claim.status", status),
			))
	}
}

// RecordCommandRetry records a scheduled retry for a command.
func RecordCommandRetry(ctx context.Context, domain string, reason string) {
	if commandRetryCounter != nil {
		commandRetryCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("command.domain", domain),
				attribute.String("retry.reason", reason),
			))
	}
}

// RecordCommandFailure records a command reaching terminal failure.
func RecordCommandFailure(ctx context.Context, domain string, reason string) {
	if commandFailureCounter != nil {
		commandFailureCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("command.domain", domain),
				attribute.String("failure.reason", reason),
			))
	}
}

// RecordDBPoolRejection increments the pool rejection counter when requests are rejected before acquiring a connection.
func RecordDBPoolRejection(ctx context.Context) {
	if dbPoolRejectCounter != nil {
		dbPoolRejectCounter.Add(ctx, 1, metric.WithAttributes())
	}
}
