package attempt

import (
	"context"
	"testing"
	"time"

	"github.com/regbot/engine/internal/domain"
	"github.com/regbot/engine/internal/sisclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSender replays a fixed sequence of sisclient.SendResult values,
// one per call to Send, regardless of the prepared request's contents —
// enough to drive the attempt loop's decision logic without real transport.
type scriptedSender struct {
	script []sisclient.SendResult
	calls  int
}

func (s *scriptedSender) Prepare(ecrns, scrns []string) (*sisclient.PreparedRequest, error) {
	return &sisclient.PreparedRequest{}, nil
}

func (s *scriptedSender) Send(ctx context.Context, req *sisclient.PreparedRequest) sisclient.SendResult {
	if s.calls >= len(s.script) {
		s.calls++
		return s.script[len(s.script)-1]
	}
	r := s.script[s.calls]
	s.calls++
	return r
}

func baseConfig(ecrns []string) domain.Config {
	return domain.Config{
		ECRNs:         ecrns,
		MaxAttempts:   60,
		RetryInterval: 3 * time.Second,
	}
}

func noSleep(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil }

func TestLoopHappyPathSingleAttempt(t *testing.T) {
	sender := &scriptedSender{script: []sisclient.SendResult{
		{
			SentAt: time.Now(), RecvAt: time.Now(),
			ECRN: map[string]domain.CRNResult{"24066": {CRN: "24066", Status: domain.CRNSuccess}},
		},
	}}
	loop := New(sender, nil, noSleep, nil)

	summary, err := loop.Run(context.Background(), baseConfig([]string{"24066"}), nil, nil)
	require.NoError(t, err)
	assert.True(t, summary.Succeeded)
	assert.Equal(t, 1, len(summary.Attempts))
	assert.Equal(t, domain.CRNSuccess, summary.PerCRN["24066"].Status)
}

func TestLoopDebouncePacing(t *testing.T) {
	debounce := sisclient.SendResult{
		ECRN: map[string]domain.CRNResult{"24066": {CRN: "24066", Status: domain.CRNDebounce}},
	}
	success := sisclient.SendResult{
		ECRN: map[string]domain.CRNResult{"24066": {CRN: "24066", Status: domain.CRNSuccess}},
	}
	sender := &scriptedSender{script: []sisclient.SendResult{debounce, debounce, debounce, debounce, success}}
	var sleeps []time.Duration
	recordSleep := func(ctx context.Context, d time.Duration) bool {
		sleeps = append(sleeps, d)
		return ctx.Err() == nil
	}
	loop := New(sender, nil, recordSleep, nil)

	summary, err := loop.Run(context.Background(), baseConfig([]string{"24066"}), nil, nil)
	require.NoError(t, err)
	assert.True(t, summary.Succeeded)
	assert.Equal(t, 5, len(summary.Attempts))
	require.Len(t, sleeps, 4)
	for _, d := range sleeps {
		assert.Equal(t, 3*time.Second, d)
	}
}

func TestLoopPartialSuccessAndDrop(t *testing.T) {
	sender := &scriptedSender{script: []sisclient.SendResult{
		{
			ECRN: map[string]domain.CRNResult{
				"24066": {CRN: "24066", Status: domain.CRNSuccess},
				"24067": {CRN: "24067", Status: domain.CRNFull},
			},
			SCRN: map[string]domain.CRNResult{
				"20150": {CRN: "20150", Status: domain.CRNDropped},
			},
		},
	}}
	cfg := baseConfig([]string{"24066", "24067"})
	cfg.SCRNs = []string{"20150"}
	loop := New(sender, nil, noSleep, nil)

	summary, err := loop.Run(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	assert.True(t, summary.Succeeded)
	assert.Equal(t, domain.CRNSuccess, summary.PerCRN["24066"].Status)
	assert.Equal(t, domain.CRNFull, summary.PerCRN["24067"].Status)
	assert.Equal(t, domain.CRNDropped, summary.PerCRN["20150"].Status)
}

func TestLoopWindowClosedThenOpenUsesBurstPacing(t *testing.T) {
	windowClosed := sisclient.SendResult{
		SentAt: time.Now(), RecvAt: time.Now().Add(20 * time.Millisecond),
		ECRN: map[string]domain.CRNResult{"24066": {CRN: "24066", Status: domain.CRNPending}},
	}
	success := sisclient.SendResult{
		ECRN: map[string]domain.CRNResult{"24066": {CRN: "24066", Status: domain.CRNSuccess}},
	}
	sender := &scriptedSender{script: []sisclient.SendResult{windowClosed, windowClosed, success}}
	var sleeps []time.Duration
	recordSleep := func(ctx context.Context, d time.Duration) bool {
		sleeps = append(sleeps, d)
		return ctx.Err() == nil
	}
	loop := New(sender, nil, recordSleep, nil)

	summary, err := loop.Run(context.Background(), baseConfig([]string{"24066"}), nil, nil)
	require.NoError(t, err)
	assert.True(t, summary.Succeeded)
	assert.Equal(t, 3, len(summary.Attempts))
	require.Len(t, sleeps, 2)
	for _, d := range sleeps {
		assert.Less(t, d, 3*time.Second)
	}
}

func TestLoopTokenInvalidAbortsRun(t *testing.T) {
	sender := &scriptedSender{script: []sisclient.SendResult{
		{Err: domain.ErrTokenInvalid},
	}}
	loop := New(sender, nil, noSleep, nil)

	summary, err := loop.Run(context.Background(), baseConfig([]string{"24066"}), nil, nil)
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
	assert.Equal(t, "token_invalid", summary.DoneReason)
}

func TestLoopCancellationStopsBeforeSend(t *testing.T) {
	sender := &scriptedSender{script: []sisclient.SendResult{
		{ECRN: map[string]domain.CRNResult{"24066": {CRN: "24066", Status: domain.CRNSuccess}}},
	}}
	loop := New(sender, nil, noSleep, nil)

	cancelled := true
	summary, err := loop.Run(context.Background(), baseConfig([]string{"24066"}), func() bool { return cancelled }, nil)
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, 0, len(summary.Attempts))
}

func TestLoopBudgetExhaustion(t *testing.T) {
	pending := sisclient.SendResult{
		ECRN: map[string]domain.CRNResult{"24066": {CRN: "24066", Status: domain.CRNDebounce}},
	}
	sender := &scriptedSender{script: []sisclient.SendResult{pending}}
	loop := New(sender, nil, noSleep, nil)

	cfg := baseConfig([]string{"24066"})
	cfg.MaxAttempts = 3

	summary, err := loop.Run(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	assert.False(t, summary.Succeeded)
	assert.Equal(t, "budget_exhausted", summary.DoneReason)
	assert.Equal(t, 3, len(summary.Attempts))
}

func TestLoopDryRunNeverCallsSender(t *testing.T) {
	sender := &scriptedSender{}
	loop := New(sender, nil, noSleep, nil)

	cfg := baseConfig([]string{"24066"})
	cfg.DryRun = true
	cfg.RetryInterval = 0

	summary, err := loop.Run(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	assert.True(t, summary.Succeeded)
	assert.Equal(t, 0, sender.calls)
	assert.Equal(t, domain.CRNSuccess, summary.PerCRN["24066"].Status)
}

func TestLoopUpdateCallbackReceivesCumulativeMap(t *testing.T) {
	sender := &scriptedSender{script: []sisclient.SendResult{
		{ECRN: map[string]domain.CRNResult{"24066": {CRN: "24066", Status: domain.CRNSuccess}}},
	}}
	loop := New(sender, nil, noSleep, nil)

	var captured map[string]domain.CRNResult
	_, err := loop.Run(context.Background(), baseConfig([]string{"24066"}), nil, func(m map[string]domain.CRNResult) {
		captured = m
	})
	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.Equal(t, domain.CRNSuccess, captured["24066"].Status)
}
