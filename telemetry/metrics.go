package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/credential-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	storageRequestsTotal   metric.Int64Counter
	storageRequestDuration metric.Float64Histogram
	storageBytesTotal      metric.Int64Counter
	fallbackDegradedTotal  metric.Int64Counter

	decryptTotal       metric.Int64Counter
	keyRotationsTotal  metric.Int64Counter
	importEntriesTotal metric.Int64Counter
	importDuration     metric.Float64Histogram

	broadcastMessagesTotal metric.Int64Counter
	keyMapRepairsTotal     metric.Int64Counter
	interactionTotal       metric.Int64Counter

	clearsTotal       metric.Int64Counter
	clearRemovedTotal metric.Int64Counter
	sweepRemovedTotal metric.Int64Counter
	sweepDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "credential-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
		unit        string
	}{
		{&m.storageRequestsTotal, "credential_cache_storage_requests_total", "Total number of storage tier operations", "{request}"},
		{&m.storageBytesTotal, "credential_cache_storage_bytes_total", "Total bytes read from or written to storage tiers", "By"},
		{&m.fallbackDegradedTotal, "credential_cache_fallback_degraded_total", "Durable operations that degraded to memory only", "{operation}"},
		{&m.decryptTotal, "credential_cache_decrypt_total", "Decrypt attempts by outcome", "{entry}"},
		{&m.keyRotationsTotal, "credential_cache_key_rotations_total", "Encryption secrets created", "{rotation}"},
		{&m.importEntriesTotal, "credential_cache_import_entries_total", "Entries examined by the import pass", "{entry}"},
		{&m.broadcastMessagesTotal, "credential_cache_broadcast_messages_total", "Cross-context messages by direction", "{message}"},
		{&m.keyMapRepairsTotal, "credential_cache_keymap_repairs_total", "Key-map entries removed because their record was unusable", "{key}"},
		{&m.interactionTotal, "credential_cache_interaction_total", "Interaction flag transitions by outcome", "{transition}"},
		{&m.clearsTotal, "credential_cache_clears_total", "Full cache clears", "{clear}"},
		{&m.clearRemovedTotal, "credential_cache_clear_removed_total", "Keys removed by full cache clears", "{key}"},
		{&m.sweepRemovedTotal, "credential_cache_sweep_removed_total", "Expired entries removed by the sweeper", "{entry}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, err
		}
	}

	m.storageRequestDuration, err = meter.Float64Histogram(
		"credential_cache_storage_request_duration_seconds",
		metric.WithDescription("Duration of storage tier operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1),
	)
	if err != nil {
		return nil, err
	}

	m.importDuration, err = meter.Float64Histogram(
		"credential_cache_import_duration_seconds",
		metric.WithDescription("Duration of the import pass"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	m.sweepDuration, err = meter.Float64Histogram(
		"credential_cache_sweep_duration_seconds",
		metric.WithDescription("Duration of expiry sweeps"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil || globalMetrics.meterProvider == nil {
		return nil
	}
	return globalMetrics.meterProvider.Shutdown(ctx)
}

// RecordStorageOp records a storage tier operation.
func RecordStorageOp(ctx context.Context, tier, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.storageRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.storageRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.storageBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordFallbackDegraded records a durable operation that was served from memory only.
func RecordFallbackDegraded(ctx context.Context, op string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.fallbackDegradedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordDecrypt records a decrypt attempt.
// outcome is "ok", "unencrypted", "wrong_generation" or "failed".
func RecordDecrypt(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.decryptTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", ClientIDFromContext(ctx)),
		attribute.String("outcome", outcome),
	))
}

// RecordKeyRotation records the creation of a new encryption secret.
// reason is "missing", "malformed" or "manual".
func RecordKeyRotation(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.keyRotationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordImport records one import pass.
func RecordImport(ctx context.Context, kept, dropped int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	client := attribute.String("client_id", ClientIDFromContext(ctx))
	globalMetrics.importEntriesTotal.Add(ctx, int64(kept), metric.WithAttributes(client, attribute.String("result", "kept")))
	globalMetrics.importEntriesTotal.Add(ctx, int64(dropped), metric.WithAttributes(client, attribute.String("result", "dropped")))
	globalMetrics.importDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(client))
}

// RecordBroadcast records a cross-context message.
// direction is "published", "applied" or "ignored".
func RecordBroadcast(ctx context.Context, direction string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.broadcastMessagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordKeyMapRepair records a key-map entry dropped because its record was unusable.
func RecordKeyMapRepair(ctx context.Context, class string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.keyMapRepairsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", ClientIDFromContext(ctx)),
		attribute.String("class", class),
	))
}

// RecordInteraction records an interaction flag transition.
// outcome is "acquired", "rejected", "released" or "ignored".
func RecordInteraction(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.interactionTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", ClientIDFromContext(ctx)),
		attribute.String("outcome", outcome),
	))
}

// RecordCacheClear records a full cache clear and how many keys it removed.
func RecordCacheClear(ctx context.Context, removed int) {
	if globalMetrics == nil {
		return
	}
	client := metric.WithAttributes(attribute.String("client_id", ClientIDFromContext(ctx)))
	globalMetrics.clearsTotal.Add(ctx, 1, client)
	globalMetrics.clearRemovedTotal.Add(ctx, int64(removed), client)
}

// RecordSweep records one expiry sweep. Called unconditionally per cycle.
func RecordSweep(ctx context.Context, removed int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sweepRemovedTotal.Add(ctx, int64(removed))
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
