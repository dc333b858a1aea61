// Package observe provides application-wide observability primitives for
// soundlink: OpenTelemetry metrics, distributed tracing, trace-aware
// structured logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all soundlink metrics.
const meterName = "github.com/MrWong99/soundlink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Relay ---

	// RelayFrames counts frames handed to a voice transport. Use with
	// attribute.String("kind", "audio"|"silence").
	RelayFrames metric.Int64Counter

	// RelayDropped counts frames discarded because the transport backlog
	// overflowed or the transport rejected them.
	RelayDropped metric.Int64Counter

	// RelayDecodeErrors counts backend frames that could not be decoded.
	RelayDecodeErrors metric.Int64Counter

	// --- Sessions ---

	// SessionTransitions counts state machine transitions. Use with
	// attribute.String("from", ...), attribute.String("to", ...).
	SessionTransitions metric.Int64Counter

	// Reconnects counts reconnect attempts. Use with
	// attribute.String("side", "transport"|"backend"), attribute.String("status", ...).
	Reconnects metric.Int64Counter

	// Commands counts playback commands. Use with
	// attribute.String("command", ...), attribute.String("status", ...).
	Commands metric.Int64Counter

	// JoinDuration tracks how long it takes from session creation to Playing.
	JoinDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks sessions currently in the Playing state.
	ActiveSessions metric.Int64UpDownCounter

	// RegisteredSessions tracks sessions held by the session manager in any
	// state.
	RegisteredSessions metric.Int64UpDownCounter

	// Guilds is the number of guilds the bot is a member of, sampled by the
	// stats loop.
	Guilds metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// joinBuckets are histogram boundaries (seconds) for channel join latency.
var joinBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 20}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RelayFrames, err = m.Int64Counter("soundlink.relay.frames",
		metric.WithDescription("Frames sent to voice transports by kind."),
	); err != nil {
		return nil, err
	}
	if met.RelayDropped, err = m.Int64Counter("soundlink.relay.dropped",
		metric.WithDescription("Frames dropped before reaching a voice transport."),
	); err != nil {
		return nil, err
	}
	if met.RelayDecodeErrors, err = m.Int64Counter("soundlink.relay.decode_errors",
		metric.WithDescription("Backend frames that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.SessionTransitions, err = m.Int64Counter("soundlink.session.transitions",
		metric.WithDescription("Session state transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("soundlink.session.reconnects",
		metric.WithDescription("Reconnect attempts by side and status."),
	); err != nil {
		return nil, err
	}
	if met.Commands, err = m.Int64Counter("soundlink.session.commands",
		metric.WithDescription("Playback commands by command and status."),
	); err != nil {
		return nil, err
	}
	if met.JoinDuration, err = m.Float64Histogram("soundlink.session.join.duration",
		metric.WithDescription("Time from session creation until audio starts flowing."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(joinBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("soundlink.active_sessions",
		metric.WithDescription("Sessions currently playing."),
	); err != nil {
		return nil, err
	}
	if met.RegisteredSessions, err = m.Int64UpDownCounter("soundlink.sessions.registered",
		metric.WithDescription("Sessions held by the session manager."),
	); err != nil {
		return nil, err
	}
	if met.Guilds, err = m.Int64Gauge("soundlink.guilds",
		metric.WithDescription("Guilds the bot is a member of."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("soundlink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame counts one frame handed to a transport.
func (m *Metrics) RecordFrame(ctx context.Context, silence bool) {
	kind := "audio"
	if silence {
		kind = "silence"
	}
	m.RelayFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTransition counts one session state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.SessionTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordReconnect counts one reconnect attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, side, status string) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("side", side),
		attribute.String("status", status),
	))
}

// RecordCommand counts one playback command.
func (m *Metrics) RecordCommand(ctx context.Context, command, status string) {
	m.Commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("status", status),
	))
}
