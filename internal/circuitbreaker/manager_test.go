package circuitbreaker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"xarb-core/pkg/busproto"
)

type fakeBus struct {
	mu      sync.Mutex
	events  []busproto.CircuitBreakerEvent
	preload []json.RawMessage
}

func (f *fakeBus) Add(ctx context.Context, stream string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var event busproto.CircuitBreakerEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeBus) ReadRecent(ctx context.Context, stream string, count int64) ([]json.RawMessage, error) {
	return f.preload, nil
}

func (f *fakeBus) lastEvent() (busproto.CircuitBreakerEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return busproto.CircuitBreakerEvent{}, false
	}
	return f.events[len(f.events)-1], true
}

func testConfig() Config {
	cfg := DefaultConfig("arb-core", "instance-1")
	cfg.FailureThreshold = 3
	cfg.CooldownPeriod = 50 * time.Millisecond
	return cfg
}

func waitForEvent(t *testing.T, bus *fakeBus) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if _, ok := bus.lastEvent(); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "timed out waiting for published event")
}

func TestClosedStaysClosedBelowThreshold(t *testing.T) {
	bus := &fakeBus{}
	m := New(bus, testConfig(), nil)

	m.RecordFailure("ethereum")
	m.RecordFailure("ethereum")
	assert.True(t, m.CanExecute("ethereum"))
	assert.Equal(t, busproto.CircuitClosed, m.GetState("ethereum").State)
}

func TestOpensAtFailureThreshold(t *testing.T) {
	bus := &fakeBus{}
	m := New(bus, testConfig(), nil)

	m.RecordFailure("ethereum")
	m.RecordFailure("ethereum")
	m.RecordFailure("ethereum")

	assert.False(t, m.CanExecute("ethereum"))
	assert.Equal(t, busproto.CircuitOpen, m.GetState("ethereum").State)

	waitForEvent(t, bus)
	event, _ := bus.lastEvent()
	assert.Equal(t, busproto.CircuitOpen, event.NewState)
	assert.Equal(t, busproto.CircuitClosed, event.PreviousState)
	assert.Equal(t, 3, event.ConsecutiveFailures)
}

func TestHalfOpenAfterCooldownThenCloses(t *testing.T) {
	bus := &fakeBus{}
	m := New(bus, testConfig(), nil)

	m.RecordFailure("ethereum")
	m.RecordFailure("ethereum")
	m.RecordFailure("ethereum")
	require.False(t, m.CanExecute("ethereum"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, m.CanExecute("ethereum"))
	assert.Equal(t, busproto.CircuitHalfOpen, m.GetState("ethereum").State)

	m.RecordSuccess("ethereum")
	assert.Equal(t, busproto.CircuitClosed, m.GetState("ethereum").State)
	assert.Equal(t, 0, m.GetState("ethereum").ConsecutiveFailures)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	bus := &fakeBus{}
	m := New(bus, testConfig(), nil)

	m.RecordFailure("ethereum")
	m.RecordFailure("ethereum")
	m.RecordFailure("ethereum")
	time.Sleep(60 * time.Millisecond)
	require.True(t, m.CanExecute("ethereum"))

	m.RecordFailure("ethereum")
	assert.Equal(t, busproto.CircuitOpen, m.GetState("ethereum").State)
	assert.False(t, m.CanExecute("ethereum"))
}

func TestChainsAreIndependent(t *testing.T) {
	bus := &fakeBus{}
	m := New(bus, testConfig(), nil)

	m.RecordFailure("ethereum")
	m.RecordFailure("ethereum")
	m.RecordFailure("ethereum")

	assert.False(t, m.CanExecute("ethereum"))
	assert.True(t, m.CanExecute("arbitrum"))
}

func TestRestoreFromBusForceOpensRecentOpen(t *testing.T) {
	event := busproto.CircuitBreakerEvent{
		Chain:               "ethereum",
		PreviousState:       busproto.CircuitClosed,
		NewState:            busproto.CircuitOpen,
		Timestamp:           time.Now().UnixMilli(),
		ConsecutiveFailures: 5,
	}
	raw, err := json.Marshal(event)
	require.NoError(t, err)

	bus := &fakeBus{preload: []json.RawMessage{raw}}
	m := New(bus, testConfig(), nil)

	require.NoError(t, m.RestoreFromBus(context.Background()))
	assert.Equal(t, busproto.CircuitOpen, m.GetState("ethereum").State)
	assert.False(t, m.CanExecute("ethereum"))
}

func TestRestoreFromBusIgnoresExpiredCooldown(t *testing.T) {
	event := busproto.CircuitBreakerEvent{
		Chain:               "ethereum",
		NewState:            busproto.CircuitOpen,
		Timestamp:           time.Now().Add(-time.Hour).UnixMilli(),
		ConsecutiveFailures: 5,
	}
	raw, err := json.Marshal(event)
	require.NoError(t, err)

	bus := &fakeBus{preload: []json.RawMessage{raw}}
	m := New(bus, testConfig(), nil)

	require.NoError(t, m.RestoreFromBus(context.Background()))
	assert.Equal(t, busproto.CircuitClosed, m.GetState("ethereum").State)
	assert.True(t, m.CanExecute("ethereum"))
}

func TestHalfOpenBoundsConcurrentProbes(t *testing.T) {
	bus := &fakeBus{}
	cfg := testConfig()
	cfg.HalfOpenMaxAttempts = 2
	m := New(bus, cfg, nil)

	m.RecordFailure("ethereum")
	m.RecordFailure("ethereum")
	m.RecordFailure("ethereum")
	time.Sleep(60 * time.Millisecond)

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.CanExecute("ethereum") {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, cfg.HalfOpenMaxAttempts, admitted)
}

func TestRestoreFromBusIgnoresNonOpenLatest(t *testing.T) {
	event := busproto.CircuitBreakerEvent{
		Chain:      "ethereum",
		NewState:   busproto.CircuitClosed,
		Timestamp:  time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(event)
	require.NoError(t, err)

	bus := &fakeBus{preload: []json.RawMessage{raw}}
	m := New(bus, testConfig(), nil)

	require.NoError(t, m.RestoreFromBus(context.Background()))
	assert.True(t, m.CanExecute("ethereum"))
}
