// Package firing implements the Firing Scheduler (spec.md §4.3): converts a
// target wall-clock moment and a calibration result into a precise local
// monotonic trigger instant, then delivers control to the attempt loop at
// that instant via coarse sleeping followed by a final busy-wait.
package firing

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/regbot/engine/internal/clock"
)

// coarseSliceMax is the largest sleep slice used while more than the final
// window remains, so cancellation stays responsive (spec.md §4.3).
const coarseSliceMax = 100 * time.Millisecond

// BusyWaitWindow is the final stretch before the trigger instant during
// which the scheduler spins on the monotonic clock instead of sleeping.
const BusyWaitWindow = 50 * time.Millisecond

// ImmediateFireThreshold is how far in the past the trigger instant may be
// before the scheduler skips waiting entirely (SUPPLEMENTED FEATURES #3).
const ImmediateFireThreshold = 5 * time.Second

// CountdownHz is the target rate for countdown events while coarse-sleeping.
const CountdownHz = 10

// Trigger computes the local monotonic instant at which the attempt loop
// should dispatch its first request (spec.md §4.3 formula):
//
//	trigger_local = target_local - server_offset - rtt_one_way + safety_buffer
func Trigger(targetLocal time.Time, serverOffset, rttOneWay, safetyBuffer time.Duration) time.Time {
	return targetLocal.Add(-serverOffset).Add(-rttOneWay).Add(safetyBuffer)
}

// CancelToken is a lock-free, set-once cancellation flag checked at every
// coarse wake and inside the busy-wait.
type CancelToken struct {
	flag atomic.Bool
}

// Cancel sets the token. Idempotent.
func (t *CancelToken) Cancel() { t.flag.Store(true) }

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool { return t.flag.Load() }

// Scheduler delivers control to the attempt loop at a precomputed trigger
// instant.
type Scheduler struct {
	clock  clock.Clock
	logger *slog.Logger

	// elevate/restore best-effort scheduling priority for the busy-wait
	// window; see priority_linux.go / priority_other.go. Failure is logged,
	// never fatal (spec.md §4.3, §9).
	elevate func() (restore func(), err error)
}

// New constructs a Scheduler. c may be nil, defaulting to clock.System{}.
func New(c clock.Clock, logger *slog.Logger) *Scheduler {
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{clock: c, logger: logger, elevate: elevatePriority}
}

// CountdownFunc is called at ~CountdownHz while coarse-sleeping, and once
// more immediately before the busy-wait begins.
type CountdownFunc func(remaining time.Duration)

// WaitUntil blocks until trigger is reached, cancel is set, or ctx is
// cancelled. It reports whether the trigger was reached (false means
// cancelled/context-done). immediateFire reports whether trigger was already
// more than ImmediateFireThreshold in the past when WaitUntil was called.
func (s *Scheduler) WaitUntil(ctx context.Context, trigger time.Time, cancel *CancelToken, onCountdown CountdownFunc) (fired bool, immediateFire bool) {
	now := s.clock.Now()
	remaining := trigger.Sub(now)

	if remaining < -ImmediateFireThreshold {
		s.logger.WarnContext(ctx, "trigger instant already passed, firing immediately",
			"overdue_ms", (-remaining).Milliseconds())
		return true, true
	}

	tick := time.NewTicker(time.Second / CountdownHz)
	defer tick.Stop()

	for {
		now = s.clock.Now()
		remaining = trigger.Sub(now)

		if cancel != nil && cancel.Cancelled() {
			return false, false
		}
		select {
		case <-ctx.Done():
			return false, false
		default:
		}

		if remaining <= BusyWaitWindow {
			break
		}

		if onCountdown != nil {
			onCountdown(remaining)
		}

		sleepFor := remaining - BusyWaitWindow
		if sleepFor > coarseSliceMax {
			sleepFor = coarseSliceMax
		}

		select {
		case <-ctx.Done():
			return false, false
		case <-tick.C:
		case <-time.After(sleepFor):
		}
	}

	if onCountdown != nil {
		onCountdown(remaining)
	}

	restore, err := s.elevate()
	if err != nil {
		s.logger.WarnContext(ctx, "failed to elevate scheduling priority", "error", err)
	} else if restore != nil {
		defer restore()
	}

	for {
		if cancel != nil && cancel.Cancelled() {
			return false, false
		}
		if s.clock.Now().After(trigger) || s.clock.Now().Equal(trigger) {
			return true, false
		}
	}
}
