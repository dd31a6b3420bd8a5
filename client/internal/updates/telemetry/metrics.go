package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// LoaderMetrics represents all metrics related to loader runs and asset downloads
type LoaderMetrics struct {
	runs               metric.Int64Counter
	runDurationMs      metric.Int64Histogram
	downloadDurationMs metric.Int64Histogram
	downloadedBytes    metric.Int64Counter
	failedDownloads    metric.Int64Counter
	reusedAssets       metric.Int64Counter
}

// NewLoaderMetrics creates an instance of LoaderMetrics. A nil meter records nothing.
func NewLoaderMetrics(meter metric.Meter) (*LoaderMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("ota")
	}

	runs, err := meter.Int64Counter("ota.loader.runs",
		metric.WithDescription("Loader runs by kind and outcome"))
	if err != nil {
		return nil, err
	}

	runDurationMs, err := meter.Int64Histogram("ota.loader.run.duration.ms",
		metric.WithUnit("milliseconds"))
	if err != nil {
		return nil, err
	}

	downloadDurationMs, err := meter.Int64Histogram("ota.asset.download.duration.ms",
		metric.WithUnit("milliseconds"))
	if err != nil {
		return nil, err
	}

	downloadedBytes, err := meter.Int64Counter("ota.asset.download.bytes",
		metric.WithUnit("bytes"))
	if err != nil {
		return nil, err
	}

	failedDownloads, err := meter.Int64Counter("ota.asset.download.failures")
	if err != nil {
		return nil, err
	}

	reusedAssets, err := meter.Int64Counter("ota.asset.reused",
		metric.WithDescription("Assets already present in the updates directory"))
	if err != nil {
		return nil, err
	}

	return &LoaderMetrics{
		runs:               runs,
		runDurationMs:      runDurationMs,
		downloadDurationMs: downloadDurationMs,
		downloadedBytes:    downloadedBytes,
		failedDownloads:    failedDownloads,
		reusedAssets:       reusedAssets,
	}, nil
}

// CountRun counts a finished loader run
func (m *LoaderMetrics) CountRun(ctx context.Context, kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("outcome", outcome))
	m.runs.Add(ctx, 1, attrs)
	m.runDurationMs.Record(ctx, duration.Milliseconds(), attrs)
}

// CountDownload counts a finished asset download
func (m *LoaderMetrics) CountDownload(ctx context.Context, duration time.Duration, size int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.failedDownloads.Add(ctx, 1)
		return
	}
	m.downloadDurationMs.Record(ctx, duration.Milliseconds())
	m.downloadedBytes.Add(ctx, size)
}

// CountReusedAsset counts an asset that did not need a download
func (m *LoaderMetrics) CountReusedAsset(ctx context.Context) {
	if m == nil {
		return
	}
	m.reusedAssets.Add(ctx, 1)
}
