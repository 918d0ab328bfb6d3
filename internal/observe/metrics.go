// Package observe provides observability primitives for the CareCall client:
// OpenTelemetry metrics with a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all CareCall metrics.
const meterName = "github.com/sentivo/carecall"

// Drop reasons for the frames counter attribute.
const (
	DropMuted   = "muted"
	DropPlaying = "playing"
	DropNotOpen = "not_open"
)

// Metrics holds all OpenTelemetry metric instruments for the client. All
// fields are safe for concurrent use — the underlying OTel types handle their
// own synchronisation.
type Metrics struct {
	// --- Counters ---

	// FramesSent counts outbound PCM frames handed to the transport.
	FramesSent metric.Int64Counter

	// FrameBytes counts outbound PCM bytes.
	FrameBytes metric.Int64Counter

	// FramesDropped counts capture chunks discarded before transmission.
	// Use with attribute.String("reason", DropMuted|DropPlaying|DropNotOpen).
	FramesDropped metric.Int64Counter

	// UtterancesReceived counts inbound synthesised utterances.
	UtterancesReceived metric.Int64Counter

	// UtterancesPlayed counts utterances that played to completion.
	UtterancesPlayed metric.Int64Counter

	// UtteranceFailures counts utterances dropped on the recoverable path
	// (spool write, decode, or playback failure). Use with
	// attribute.String("stage", ...).
	UtteranceFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- Histograms ---

	// PlaybackDuration tracks how long each utterance took to play.
	PlaybackDuration metric.Float64Histogram

	// CallDuration tracks the total length of finished calls.
	CallDuration metric.Float64Histogram
}

// playbackBuckets defines histogram bucket boundaries (in seconds) sized for
// short synthesised utterances.
var playbackBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 20, 30,
}

// callBuckets defines histogram bucket boundaries (in seconds) for whole
// calls.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("carecall.frames.sent",
		metric.WithDescription("Total outbound PCM frames handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FrameBytes, err = m.Int64Counter("carecall.frames.bytes",
		metric.WithDescription("Total outbound PCM bytes."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("carecall.frames.dropped",
		metric.WithDescription("Capture chunks discarded before transmission, by reason."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesReceived, err = m.Int64Counter("carecall.utterances.received",
		metric.WithDescription("Total inbound synthesised utterances."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesPlayed, err = m.Int64Counter("carecall.utterances.played",
		metric.WithDescription("Utterances that played to completion."),
	); err != nil {
		return nil, err
	}
	if met.UtteranceFailures, err = m.Int64Counter("carecall.utterances.failures",
		metric.WithDescription("Utterances dropped on the recoverable path, by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("carecall.active_calls",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.PlaybackDuration, err = m.Float64Histogram("carecall.playback.duration",
		metric.WithDescription("Playback time per utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(playbackBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("carecall.call.duration",
		metric.WithDescription("Total length of finished calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Nop returns a [Metrics] instance whose instruments record nothing. Used as
// the fallback when no metrics were wired, so callers never nil-check.
func Nop() *Metrics {
	met, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic("observe: noop metrics creation failed: " + err.Error())
	}
	return met
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordFrameSent records one outbound frame of the given size.
func (m *Metrics) RecordFrameSent(ctx context.Context, bytes int) {
	m.FramesSent.Add(ctx, 1)
	m.FrameBytes.Add(ctx, int64(bytes))
}

// RecordFrameDropped records one discarded capture chunk with its reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordUtteranceFailure records one discarded utterance with the stage that
// failed.
func (m *Metrics) RecordUtteranceFailure(ctx context.Context, stage string) {
	m.UtteranceFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
