// Package base provides the foundational Connector type every platform
// connector embeds. It owns the pieces that are identical across platforms:
// the connection lifecycle state machine, the cooperative consuming flag,
// throughput accounting, the shared reconnect-with-backoff policy, and
// batch splitting for key-affine batch producers.
//
// Platform connectors embed *base.Connector and layer their SDK-specific
// client handles on top:
//
//	type Connector struct {
//	    *base.Connector
//	    client sarama.Client
//	    // ...
//	}
package base

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nexflow/streambridge/pkg/config"
	"github.com/nexflow/streambridge/pkg/connector/core"
	"github.com/nexflow/streambridge/pkg/errors"
	"github.com/nexflow/streambridge/pkg/logger"
	"github.com/nexflow/streambridge/pkg/metrics"
)

// Connector holds the platform-independent state of a connector instance.
type Connector struct {
	name     string
	platform config.Platform
	cfg      *config.StreamConfig

	log        *zap.Logger
	throughput *core.ThroughputMetrics
	reconnect  *ReconnectPolicy

	state     atomic.Int32
	consuming atomic.Bool
}

// NewConnector creates the embedded base for a platform connector. The
// supplied config binds to this instance for its lifetime.
func NewConnector(cfg *config.StreamConfig) *Connector {
	name := cfg.Name
	if name == "" {
		name = string(cfg.Platform)
	}

	return &Connector{
		name:       name,
		platform:   cfg.Platform,
		cfg:        cfg,
		log:        logger.Get().With(zap.String("platform", string(cfg.Platform)), zap.String("connector", name)),
		throughput: core.NewThroughputMetrics(),
		reconnect:  NewReconnectPolicy(cfg.Reconnect),
	}
}

// Name returns the connector instance name.
func (c *Connector) Name() string {
	return c.name
}

// Platform returns the bound platform identifier.
func (c *Connector) Platform() config.Platform {
	return c.platform
}

// Config returns the bound configuration.
func (c *Connector) Config() *config.StreamConfig {
	return c.cfg
}

// Logger returns the connector's named child logger.
func (c *Connector) Logger() *zap.Logger {
	return c.log
}

// Throughput returns the connector-owned metrics instance. Only the
// connector's own consume/produce path may mutate it.
func (c *Connector) Throughput() *core.ThroughputMetrics {
	return c.throughput
}

// Reconnect returns the shared backoff policy.
func (c *Connector) Reconnect() *ReconnectPolicy {
	return c.reconnect
}

// State returns the current lifecycle state.
func (c *Connector) State() core.ConnState {
	return core.ConnState(c.state.Load())
}

// SetState transitions the lifecycle state and mirrors it into the
// Prometheus gauge.
func (c *Connector) SetState(s core.ConnState) {
	c.state.Store(int32(s))
	metrics.ConnectionState.WithLabelValues(string(c.platform), c.name).Set(float64(s))
}

// IsConnected reports whether the connector currently holds broker
// connectivity. Pure read accessor; never blocks.
func (c *Connector) IsConnected() bool {
	switch c.State() {
	case core.StateConnected, core.StateConsuming, core.StateProducing:
		return true
	default:
		return false
	}
}

// Metrics returns a point-in-time throughput snapshot. Pure read accessor.
func (c *Connector) Metrics() core.MetricsSnapshot {
	return c.throughput.Snapshot()
}

// BeginConsuming claims the single consumption path. It fails when the
// connector is not connected or another Consume call already owns the
// path; a connector is never shared across two logical consumers.
func (c *Connector) BeginConsuming() error {
	if !c.IsConnected() {
		return errors.Newf(errors.ErrorTypeConnection, "%s connector is not connected", c.platform)
	}
	if !c.consuming.CompareAndSwap(false, true) {
		return errors.Newf(errors.ErrorTypeInternal, "%s connector is already consuming", c.platform)
	}
	c.SetState(core.StateConsuming)
	return nil
}

// EndConsuming releases the consumption path after the loop exits.
func (c *Connector) EndConsuming() {
	c.consuming.Store(false)
	if c.State() == core.StateConsuming {
		c.SetState(core.StateConnected)
	}
}

// StopConsuming clears the cooperative consuming flag. The consumption
// loop observes the flag at its next iteration boundary and exits;
// in-flight handler invocations complete.
func (c *Connector) StopConsuming() {
	c.consuming.Store(false)
}

// Consuming reports whether the consumption loop should keep running.
func (c *Connector) Consuming() bool {
	return c.consuming.Load()
}

// AccountConsumed records one delivered event in both the connector-local
// throughput counters and the shared Prometheus vectors.
func (c *Connector) AccountConsumed(payloadBytes int) {
	c.throughput.RecordIn(payloadBytes)
	metrics.EventsConsumed.WithLabelValues(string(c.platform), c.name).Inc()
	metrics.BytesConsumed.WithLabelValues(string(c.platform), c.name).Add(float64(payloadBytes))
}

// AccountProduced records confirmed sends.
func (c *Connector) AccountProduced(count, payloadBytes int) {
	c.throughput.RecordOut(count, payloadBytes)
	metrics.EventsProduced.WithLabelValues(string(c.platform), c.name).Add(float64(count))
	metrics.BytesProduced.WithLabelValues(string(c.platform), c.name).Add(float64(payloadBytes))
}

// AccountHandlerError records a handler invocation that returned an error.
func (c *Connector) AccountHandlerError() {
	metrics.HandlerErrors.WithLabelValues(string(c.platform), c.name).Inc()
}
