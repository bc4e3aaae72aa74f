package engine

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/regbot/engine/internal/clock"
	"github.com/regbot/engine/internal/domain"
	"github.com/regbot/engine/internal/sisclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSIS stands in for sisclient.Client. Probe reports the real current
// second truncated to whole-second resolution, so it behaves like a SIS
// whose clock exactly matches the local one: second-boundary detection
// converges the moment a real wall-clock second rolls over, with no
// synthetic offset thrown into the calibration result.
type fakeSIS struct {
	mu           sync.Mutex
	probeCount   int64
	testTokenErr error
	prewarmErr   error
	sendScript   []sisclient.SendResult
	sendCalls    int
}

func (f *fakeSIS) Probe(ctx context.Context) (sentAt, recvAt time.Time, dateHeader string, err error) {
	atomic.AddInt64(&f.probeCount, 1)
	now := time.Now()
	return now, now, now.UTC().Truncate(time.Second).Format(http.TimeFormat), nil
}

func (f *fakeSIS) Prepare(ecrns, scrns []string) (*sisclient.PreparedRequest, error) {
	return &sisclient.PreparedRequest{}, nil
}

func (f *fakeSIS) Send(ctx context.Context, req *sisclient.PreparedRequest) sisclient.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendScript) == 0 {
		return sisclient.SendResult{}
	}
	if f.sendCalls >= len(f.sendScript) {
		f.sendCalls++
		return f.sendScript[len(f.sendScript)-1]
	}
	r := f.sendScript[f.sendCalls]
	f.sendCalls++
	return r
}

func (f *fakeSIS) Prewarm(ctx context.Context, headOnly bool) error { return f.prewarmErr }

func (f *fakeSIS) TestToken(ctx context.Context) error { return f.testTokenErr }

func (f *fakeSIS) probeCalls() int64 { return atomic.LoadInt64(&f.probeCount) }

func testConfig(target time.Time) domain.Config {
	return domain.Config{
		Token:          "tok-1",
		ECRNs:          []string{"24066"},
		TargetWallTime: target,
		MaxAttempts:    10,
		RetryInterval:  3 * time.Second,
	}
}

func drainDone(t *testing.T, events <-chan domain.Event, timeout time.Duration) *domain.DoneEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				t.Fatal("event stream closed before done event arrived")
			}
			if evt.Type == domain.EventDone {
				return evt.Done
			}
		case <-deadline:
			t.Fatal("timed out waiting for done event")
		}
	}
}

func TestConfigureRejectsInvalidConfig(t *testing.T) {
	e := newEngine(func(string) sisClient { return &fakeSIS{} }, nil, clock.System{}, nil)
	err := e.Configure(domain.Config{})
	require.Error(t, err)
}

func TestConfigureRejectsWhileRunning(t *testing.T) {
	fake := &fakeSIS{sendScript: []sisclient.SendResult{successResult()}}
	e := newEngine(func(string) sisClient { return fake }, nil, clock.System{}, nil)

	require.NoError(t, e.Configure(testConfig(time.Now().Add(150*time.Millisecond))))
	events, unsubscribe := e.Subscribe()
	defer unsubscribe()
	require.NoError(t, e.Start(context.Background()))

	err := e.Configure(testConfig(time.Now().Add(time.Hour)))
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)

	drainDone(t, events, 10*time.Second)
}

func TestStartWithoutConfigureFails(t *testing.T) {
	e := newEngine(func(string) sisClient { return &fakeSIS{} }, nil, clock.System{}, nil)
	err := e.Start(context.Background())
	require.Error(t, err)
}

func TestStartTwiceReturnsAlreadyRunning(t *testing.T) {
	fake := &fakeSIS{sendScript: []sisclient.SendResult{successResult()}}
	e := newEngine(func(string) sisClient { return fake }, nil, clock.System{}, nil)

	require.NoError(t, e.Configure(testConfig(time.Now().Add(150*time.Millisecond))))
	events, unsubscribe := e.Subscribe()
	defer unsubscribe()
	require.NoError(t, e.Start(context.Background()))

	err := e.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)

	drainDone(t, events, 10*time.Second)
}

func TestCancelWithoutRunningReturnsNotRunning(t *testing.T) {
	e := newEngine(func(string) sisClient { return &fakeSIS{} }, nil, clock.System{}, nil)
	err := e.Cancel()
	assert.ErrorIs(t, err, domain.ErrNotRunning)
}

func TestResetWhileRunningReturnsStillRunning(t *testing.T) {
	fake := &fakeSIS{sendScript: []sisclient.SendResult{successResult()}}
	e := newEngine(func(string) sisClient { return fake }, nil, clock.System{}, nil)

	require.NoError(t, e.Configure(testConfig(time.Now().Add(150*time.Millisecond))))
	events, unsubscribe := e.Subscribe()
	defer unsubscribe()
	require.NoError(t, e.Start(context.Background()))

	err := e.Reset()
	assert.ErrorIs(t, err, domain.ErrStillRunning)

	drainDone(t, events, 10*time.Second)

	require.NoError(t, e.Reset())
	snapshot := e.Snapshot()
	assert.Equal(t, domain.PhaseIdle, snapshot.Phase)
	assert.False(t, snapshot.Running)
}

func successResult() sisclient.SendResult {
	return sisclient.SendResult{
		SentAt: time.Now(), RecvAt: time.Now(),
		ECRN: map[string]domain.CRNResult{"24066": {CRN: "24066", Status: domain.CRNSuccess}},
	}
}

func TestHappyPathReachesDoneWithSuccess(t *testing.T) {
	fake := &fakeSIS{sendScript: []sisclient.SendResult{successResult()}}
	e := newEngine(func(string) sisClient { return fake }, nil, clock.System{}, nil)

	require.NoError(t, e.Configure(testConfig(time.Now().Add(150*time.Millisecond))))
	events, unsubscribe := e.Subscribe()
	defer unsubscribe()

	require.NoError(t, e.Start(context.Background()))

	done := drainDone(t, events, 10*time.Second)
	require.NotNil(t, done)
	assert.Equal(t, domain.CRNSuccess, done.Results["24066"].Status)
	assert.True(t, fake.probeCalls() > 0)

	snapshot := e.Snapshot()
	assert.Equal(t, domain.PhaseDone, snapshot.Phase)
	assert.False(t, snapshot.Running)
}

func TestTokenInvalidSkipsCalibrationAndAttempt(t *testing.T) {
	fake := &fakeSIS{testTokenErr: domain.ErrTokenInvalid}
	e := newEngine(func(string) sisClient { return fake }, nil, clock.System{}, nil)

	require.NoError(t, e.Configure(testConfig(time.Now().Add(time.Hour))))
	events, unsubscribe := e.Subscribe()
	defer unsubscribe()

	require.NoError(t, e.Start(context.Background()))

	done := drainDone(t, events, 10*time.Second)
	assert.Equal(t, "token_invalid", done.Reason)
	assert.Equal(t, int64(0), fake.probeCalls())
}

func TestCancelDuringWaitProducesDonePromptly(t *testing.T) {
	fake := &fakeSIS{sendScript: []sisclient.SendResult{successResult()}}
	e := newEngine(func(string) sisClient { return fake }, nil, clock.System{}, nil)

	require.NoError(t, e.Configure(testConfig(time.Now().Add(10*time.Second))))
	events, unsubscribe := e.Subscribe()
	defer unsubscribe()

	require.NoError(t, e.Start(context.Background()))

	// Let the run clear token check and calibration before cancelling mid-wait.
	waitForPhase(t, events, domain.PhaseWaiting, 10*time.Second)

	cancelledAt := time.Now()
	require.NoError(t, e.Cancel())

	done := drainDone(t, events, 10*time.Second)
	assert.Equal(t, "cancelled", done.Reason)
	assert.Less(t, time.Since(cancelledAt), 500*time.Millisecond)

	fake.mu.Lock()
	sendCalls := fake.sendCalls
	fake.mu.Unlock()
	assert.Equal(t, 0, sendCalls)
}

func waitForPhase(t *testing.T, events <-chan domain.Event, phase domain.EnginePhase, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt := <-events:
			if evt.Type == domain.EventState && evt.State != nil && evt.State.Phase == phase {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for phase %s", phase)
		}
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	fake := &fakeSIS{sendScript: []sisclient.SendResult{successResult()}}
	e := newEngine(func(string) sisClient { return fake }, nil, clock.System{}, nil)

	require.NoError(t, e.Configure(testConfig(time.Now().Add(150*time.Millisecond))))
	events, unsubscribe := e.Subscribe()
	defer unsubscribe()

	require.NoError(t, e.Start(context.Background()))
	drainDone(t, events, 10*time.Second)

	snapshot := e.Snapshot()
	snapshot.PerCRN["24066"] = domain.CRNResult{CRN: "24066", Status: domain.CRNError}

	fresh := e.Snapshot()
	assert.Equal(t, domain.CRNSuccess, fresh.PerCRN["24066"].Status)
}

func TestSubscribeUnsubscribeClosesStream(t *testing.T) {
	e := newEngine(func(string) sisClient { return &fakeSIS{} }, nil, clock.System{}, nil)
	events, unsubscribe := e.Subscribe()
	unsubscribe()

	_, ok := <-events
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestEventsCarryNonDecreasingTimestamps(t *testing.T) {
	fake := &fakeSIS{sendScript: []sisclient.SendResult{successResult()}}
	e := newEngine(func(string) sisClient { return fake }, nil, clock.System{}, nil)

	require.NoError(t, e.Configure(testConfig(time.Now().Add(150*time.Millisecond))))
	events, unsubscribe := e.Subscribe()
	defer unsubscribe()

	require.NoError(t, e.Start(context.Background()))

	var last time.Time
	for {
		select {
		case evt := <-events:
			assert.False(t, evt.Timestamp.Before(last), "event timestamps must be non-decreasing")
			last = evt.Timestamp
			if evt.Type == domain.EventDone {
				return
			}
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for done event")
		}
	}
}

func TestResolvedTargetAdvancesPastNow(t *testing.T) {
	now := time.Date(2024, time.January, 1, 10, 0, 0, 0, time.UTC)
	cfg := domain.Config{TargetWallTime: now.Add(-time.Minute)}
	resolved := cfg.ResolvedTarget(now)
	assert.True(t, resolved.After(now))
	assert.Equal(t, now.Add(23*time.Hour+59*time.Minute), resolved)
}
