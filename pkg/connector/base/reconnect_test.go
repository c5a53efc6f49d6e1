package base

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexflow/streambridge/pkg/config"
	"github.com/nexflow/streambridge/pkg/connector/core"
	"github.com/nexflow/streambridge/pkg/errors"
)

func newTestConnector(maxAttempts int, baseDelay time.Duration) *Connector {
	cfg := config.NewStreamConfig(config.PlatformKafka)
	cfg.Reconnect.MaxAttempts = maxAttempts
	cfg.Reconnect.BaseDelay = baseDelay
	return NewConnector(cfg)
}

func TestReconnectPolicyBackoffSchedule(t *testing.T) {
	p := NewReconnectPolicy(config.ReconnectConfig{MaxAttempts: 3, BaseDelay: time.Second})

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))

	assert.False(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}

func TestReconnectPolicyDefaults(t *testing.T) {
	p := NewReconnectPolicy(config.ReconnectConfig{})

	assert.Equal(t, 5, p.MaxAttempts())
	assert.Equal(t, time.Second, p.Delay(1))
}

func TestReconnectPolicyResetClearsAttempts(t *testing.T) {
	p := NewReconnectPolicy(config.ReconnectConfig{MaxAttempts: 3, BaseDelay: time.Millisecond})

	assert.Equal(t, 1, p.Next())
	assert.Equal(t, 2, p.Next())

	p.Reset()
	assert.Equal(t, 0, p.Attempt())
	assert.Equal(t, 1, p.Next())
}

func TestRunWithReconnectRetriesTransientErrors(t *testing.T) {
	c := newTestConnector(5, time.Millisecond)

	opCalls := 0
	op := func(ctx context.Context) error {
		opCalls++
		if opCalls < 3 {
			return errors.New(errors.ErrorTypeTransient, "broker hiccup")
		}
		return nil
	}

	reconnects := 0
	reconnect := func(ctx context.Context) error {
		reconnects++
		c.Reconnect().Reset()
		return nil
	}

	err := c.RunWithReconnect(context.Background(), op, reconnect)
	require.NoError(t, err)
	assert.Equal(t, 3, opCalls)
	assert.Equal(t, 2, reconnects)
}

func TestRunWithReconnectSurfacesFatalErrorsImmediately(t *testing.T) {
	c := newTestConnector(5, time.Millisecond)

	opCalls := 0
	op := func(ctx context.Context) error {
		opCalls++
		return errors.New(errors.ErrorTypePayload, "record too large")
	}
	reconnect := func(ctx context.Context) error {
		t.Fatal("fatal errors must not trigger reconnects")
		return nil
	}

	err := c.RunWithReconnect(context.Background(), op, reconnect)
	require.Error(t, err)
	assert.Equal(t, 1, opCalls)
	assert.True(t, errors.IsType(err, errors.ErrorTypePayload))
}

func TestRunWithReconnectExhaustsBudgetAndFails(t *testing.T) {
	c := newTestConnector(3, time.Millisecond)

	op := func(ctx context.Context) error {
		return errors.New(errors.ErrorTypeTransient, "broker down")
	}
	reconnect := func(ctx context.Context) error {
		return errors.New(errors.ErrorTypeConnection, "still down")
	}

	err := c.RunWithReconnect(context.Background(), op, reconnect)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, core.StateFailed, c.State())
}

func TestRunWithReconnectStopsOnContextCancel(t *testing.T) {
	c := newTestConnector(5, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())

	op := func(ctx context.Context) error {
		return errors.New(errors.ErrorTypeTransient, "broker hiccup")
	}
	reconnect := func(ctx context.Context) error { return nil }

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := c.RunWithReconnect(ctx, op, reconnect)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Minute, "cancel must interrupt the backoff timer")
}

func TestRunWithReconnectResetsAttemptsAfterSuccess(t *testing.T) {
	c := newTestConnector(3, time.Millisecond)

	// Two separate outages, each shorter than the budget. Without the
	// reset after a successful reconnect the second outage would exhaust
	// the combined counter.
	opCalls := 0
	op := func(ctx context.Context) error {
		opCalls++
		if opCalls == 1 || opCalls == 2 {
			return errors.New(errors.ErrorTypeTransient, "outage")
		}
		return nil
	}
	reconnect := func(ctx context.Context) error { return nil }

	err := c.RunWithReconnect(context.Background(), op, reconnect)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Reconnect().Attempt())
}

func TestConsumingLifecycle(t *testing.T) {
	c := newTestConnector(3, time.Millisecond)

	// Not connected yet.
	err := c.BeginConsuming()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))

	c.SetState(core.StateConnected)
	require.NoError(t, c.BeginConsuming())
	assert.Equal(t, core.StateConsuming, c.State())
	assert.True(t, c.Consuming())

	// Second claim while consuming.
	err = c.BeginConsuming()
	require.Error(t, err)

	c.StopConsuming()
	assert.False(t, c.Consuming())

	c.EndConsuming()
	assert.Equal(t, core.StateConnected, c.State())
}

func TestIsConnectedStates(t *testing.T) {
	c := newTestConnector(3, time.Millisecond)

	for _, s := range []core.ConnState{core.StateConnected, core.StateConsuming, core.StateProducing} {
		c.SetState(s)
		assert.True(t, c.IsConnected(), s.String())
	}
	for _, s := range []core.ConnState{core.StateDisconnected, core.StateConnecting, core.StateReconnecting, core.StateFailed} {
		c.SetState(s)
		assert.False(t, c.IsConnected(), s.String())
	}
}
