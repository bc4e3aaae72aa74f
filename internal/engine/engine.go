// Package engine implements the state machine and Event Publisher
// (spec.md §4.6) and the Control interface (spec.md §6) that orchestrates
// the Clock Calibrator, Firing Scheduler, and Attempt Loop into one
// registration run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/regbot/engine/internal/attempt"
	"github.com/regbot/engine/internal/calibration"
	"github.com/regbot/engine/internal/clock"
	"github.com/regbot/engine/internal/domain"
	"github.com/regbot/engine/internal/firing"
	"github.com/regbot/engine/internal/logging"
	"github.com/regbot/engine/internal/sisclient"
)

// clientFactory builds the SIS transport for a run, given that run's
// credential; tests substitute a factory that returns a fake implementing
// sisClient.
type clientFactory func(token string) sisClient

// sisClient is the subset of sisclient.Client the engine depends on
// directly (the calibrator and attempt loop each depend on narrower
// subsets of the same concrete type).
type sisClient interface {
	calibration.Prober
	attempt.Sender
	Prewarm(ctx context.Context, headOnly bool) error
	TestToken(ctx context.Context) error
}

// recalInterval is how often the engine recalibrates during the far part
// of the wait phase (original: RECAL_INTERVAL = 30).
const recalInterval = 30 * time.Second

// finalCalFloor and finalCalCeiling bound the remaining-time window before
// trigger during which the engine performs one full recalibration (original:
// 12 < kalan <= FINAL_CAL_THRESHOLD(20)).
const finalCalFloor = 12 * time.Second
const finalCalCeiling = 20 * time.Second

// secondPrewarmThreshold is how long before trigger the engine re-warms the
// connection a second time (original: 0 < kalan <= 5.5).
const secondPrewarmThreshold = 5500 * time.Millisecond

// farSleepSlice bounds how long the engine's outer wait loop sleeps between
// checks, keeping cancellation and countdown events responsive.
const farSleepSlice = 250 * time.Millisecond

// Engine is the single long-lived worker described in spec.md §5: it owns
// all run state behind one mutex, never held across I/O, and exposes the
// small Control interface external callers use.
type Engine struct {
	newClient clientFactory
	history   *calibration.History
	clock     clock.Clock
	logger    *slog.Logger
	newID     func() string
	ntp       calibration.NTPClient

	pub *publisher

	mu      sync.Mutex
	cfg     domain.Config
	hasCfg  bool
	running bool
	cancel  *firing.CancelToken
	state   domain.EngineState
}

// New constructs an Engine targeting baseURL. history may be nil, in which
// case calibration samples are kept only for the lifetime of one run.
func New(baseURL string, history *calibration.History, c clock.Clock, logger *slog.Logger) *Engine {
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	factory := func(token string) sisClient { return sisclient.New(baseURL, token) }
	e := newEngine(factory, history, c, logger)
	e.ntp = calibration.SNTPClient{}
	return e
}

// newEngine is the test-facing constructor: it leaves ntp nil (NTP
// comparison is informational only and skipped without it) so unit tests
// never depend on reaching a real time server.
func newEngine(factory clientFactory, history *calibration.History, c clock.Clock, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		newClient: factory,
		history:   history,
		clock:     c,
		logger:    logger,
		newID:     func() string { return uuid.NewString() },
		pub:       newPublisher(),
		state:     domain.EngineState{Phase: domain.PhaseIdle},
	}
}

func (e *Engine) loggerWith(ctx context.Context, attrs ...any) *slog.Logger {
	logger := logging.FromContext(ctx)
	if logger == nil {
		logger = e.logger
	}
	pairs := append([]any{"service", "Engine"}, attrs...)
	return logger.With(pairs...)
}

// Configure replaces the working configuration. It rejects the call while a
// run is in progress (spec.md §6).
func (e *Engine) Configure(cfg domain.Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return domain.ErrAlreadyRunning
	}
	e.cfg = cfg
	e.hasCfg = true
	return nil
}

// Start begins a registration run in a new goroutine and returns
// immediately. It fails fast if a run is already in progress (invariant
// I3) or if Configure has not been called successfully.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	if !e.hasCfg {
		e.mu.Unlock()
		return domain.Config{}.Validate()
	}

	cfg := e.cfg
	cfg.TargetWallTime = cfg.ResolvedTarget(e.clock.Now())
	runID := e.newID()
	cancelToken := &firing.CancelToken{}

	e.running = true
	e.cancel = cancelToken
	e.state = domain.EngineState{
		RunID:       runID,
		Phase:       domain.PhaseIdle,
		Running:     true,
		MaxAttempts: cfg.MaxAttempts,
		PerCRN:      map[string]domain.CRNResult{},
	}
	e.mu.Unlock()

	go e.run(ctx, runID, cfg, cancelToken)
	return nil
}

// Cancel requests that the active run stop at its next suspension point.
// It fails if no run is in progress (spec.md §6).
func (e *Engine) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return domain.ErrNotRunning
	}
	e.cancel.Cancel()
	return nil
}

// Reset returns a finished engine to idle so a new Configure/Start cycle can
// begin. It fails while a run is still in progress (spec.md §6 state
// machine: "done → idle only via explicit Reset").
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return domain.ErrStillRunning
	}
	e.cfg = domain.Config{}
	e.hasCfg = false
	e.cancel = nil
	e.state = domain.EngineState{Phase: domain.PhaseIdle}
	return nil
}

// Snapshot returns a deep-enough copy of the current engine state, safe to
// read outside the engine's lock (spec.md §5 locking discipline).
func (e *Engine) Snapshot() domain.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Subscribe registers a new event consumer and returns its stream plus an
// unsubscribe function. The stream delivers events in publish order with
// drop-oldest-except-done semantics under backpressure (spec.md §4.6).
func (e *Engine) Subscribe() (<-chan domain.Event, func()) {
	id := uuid.NewString()
	ch := e.pub.subscribe(id)
	return ch, func() { e.pub.unsubscribe(id) }
}

func (e *Engine) publish(evt domain.Event) {
	evt.Timestamp = e.clock.Now()
	e.pub.publish(evt)
}

func (e *Engine) setPhase(phase domain.EnginePhase) {
	e.mu.Lock()
	e.state.Phase = phase
	running := e.state.Running
	e.mu.Unlock()
	e.publish(domain.Event{Type: domain.EventState, State: &domain.StateEvent{Phase: phase, Running: running}})
}

func (e *Engine) log(level domain.LogLevel, message string) {
	e.publish(domain.Event{Type: domain.EventLog, Log: &domain.LogEvent{Message: message, Level: level}})
}

func (e *Engine) publishCalibration(result domain.CalibrationResult) {
	e.mu.Lock()
	cal := result
	e.state.LastCalibration = &cal
	e.mu.Unlock()
	e.publish(domain.Event{Type: domain.EventCalibration, Calibration: &result})
}

func (e *Engine) publishCountdown(trigger time.Time, remaining time.Duration) {
	e.mu.Lock()
	e.state.TriggerMonotonic = trigger
	e.state.CountdownSeconds = remaining.Seconds()
	e.mu.Unlock()
	e.publish(domain.Event{
		Type: domain.EventCountdown,
		Countdown: &domain.CountdownEvent{
			TriggerMonotonic: trigger,
			RemainingSeconds: remaining.Seconds(),
		},
	})
}

func (e *Engine) onAttemptUpdate(cumulative map[string]domain.CRNResult) {
	e.mu.Lock()
	e.state.PerCRN = cumulative
	e.mu.Unlock()
	e.publish(domain.Event{Type: domain.EventCRNUpdate, CRNUpdate: &domain.CRNUpdateEvent{Results: cumulative}})
}

// run is the single control-flow task described in spec.md §5: token check
// → calibration → prewarm → wait (with periodic/final recalibration) →
// registering → done. It is grounded on the original's run() orchestrator.
func (e *Engine) run(ctx context.Context, runID string, cfg domain.Config, cancelToken *firing.CancelToken) {
	logger := e.loggerWith(ctx, "operation", "run", "run_id", runID)
	ctx = logging.ContextWithLogger(ctx, logger)

	var doneReason string
	finalResults := map[string]domain.CRNResult{}

	defer func() {
		e.mu.Lock()
		e.state.Phase = domain.PhaseDone
		e.state.Running = false
		e.state.DoneReason = doneReason
		e.state.PerCRN = finalResults
		e.running = false
		e.mu.Unlock()

		e.setPhase(domain.PhaseDone)
		e.publish(domain.Event{
			Type: domain.EventDone,
			Done: &domain.DoneEvent{Results: finalResults, Reason: doneReason},
		})
		logger.InfoContext(ctx, "run finished", "done_reason", doneReason)
	}()

	if cfg.DryRun {
		e.log(domain.LogWarning, "dry run: the SIS will not be contacted")
	}

	client := e.newClient(cfg.Token)

	e.setPhase(domain.PhaseTokenCheck)
	e.log(domain.LogInfo, "checking credential")
	if err := client.TestToken(ctx); err != nil {
		logger.ErrorContext(ctx, "token check failed", "error", err, "error_kind", domain.ErrorKind(err))
		e.log(domain.LogError, fmt.Sprintf("token invalid: %v", err))
		doneReason = "token_invalid"
		return
	}
	e.log(domain.LogInfo, "credential accepted")

	if cancelToken.Cancelled() || ctx.Err() != nil {
		doneReason = "cancelled"
		return
	}

	e.setPhase(domain.PhaseCalibrating)
	calibrator := calibration.New(client, e.clock.Now, e.ntp, logger)
	cal, err := calibrator.Calibrate(ctx, domain.SourceInitial)
	if err != nil {
		logger.ErrorContext(ctx, "calibration failed", "error", err, "error_kind", domain.ErrorKind(err))
		e.log(domain.LogError, fmt.Sprintf("calibration failed: %v", err))
		doneReason = "calibration_failed"
		return
	}
	e.recordCalibration(ctx, cfg.Token, cal)
	e.publishCalibration(cal)
	e.log(domain.LogInfo, fmt.Sprintf("server offset %.0fms, rtt %.0fms", cal.ServerOffsetMS, cal.RTTFullMS))

	if err := client.Prewarm(ctx, false); err != nil {
		logger.WarnContext(ctx, "prewarm failed", "error", err)
		e.log(domain.LogWarning, fmt.Sprintf("prewarm failed: %v", err))
	}

	if cancelToken.Cancelled() || ctx.Err() != nil {
		doneReason = "cancelled"
		return
	}

	e.setPhase(domain.PhaseWaiting)
	trigger, cancelled := e.waitForTrigger(ctx, logger, cfg, cal, client, calibrator, cancelToken)
	if cancelled {
		doneReason = "cancelled"
		return
	}

	e.setPhase(domain.PhaseRegistering)
	overdue := e.clock.Now().Sub(trigger)
	e.log(domain.LogInfo, fmt.Sprintf("firing (%s from target)", humanize.RelTime(trigger, e.clock.Now(), "late", "early")))
	logger.InfoContext(ctx, "firing", "overdue_ms", overdue.Milliseconds())

	loop := attempt.New(client, e.clock.Now, nil, logger)
	summary, runErr := loop.Run(ctx, cfg, cancelToken.Cancelled, e.onAttemptUpdate)
	finalResults = summary.PerCRN
	if finalResults == nil {
		finalResults = map[string]domain.CRNResult{}
	}

	switch {
	case runErr == nil:
		doneReason = summary.DoneReason
	case errors.Is(runErr, domain.ErrCancelled):
		doneReason = "cancelled"
	case errors.Is(runErr, domain.ErrTokenInvalid):
		doneReason = "token_invalid"
	case errors.Is(runErr, domain.ErrWholesaleReject):
		doneReason = "wholesale_reject"
	default:
		logger.ErrorContext(ctx, "attempt loop failed", "error", runErr, "error_kind", domain.ErrorKind(runErr))
		doneReason = "error"
	}

	e.log(domain.LogInfo, fmt.Sprintf("finished: %d/%d succeeded", countSucceeded(finalResults), len(finalResults)))
}

func countSucceeded(results map[string]domain.CRNResult) int {
	n := 0
	for _, r := range results {
		if r.Status == domain.CRNSuccess || r.Status == domain.CRNAlreadyEnrolled {
			n++
		}
	}
	return n
}

func (e *Engine) recordCalibration(ctx context.Context, token string, cal domain.CalibrationResult) {
	if e.history == nil {
		return
	}
	entry := calibration.HistoryEntry{
		ServerOffset: cal.ServerOffset(),
		RTTOneWay:    cal.RTTOneWay(),
		Source:       string(cal.Source),
		RecordedAt:   e.clock.Now(),
	}
	if err := e.history.Record(ctx, token, entry, e.clock.Now()); err != nil {
		e.loggerWith(ctx).WarnContext(ctx, "failed to persist calibration sample", "error", err)
	}
}

// waitForTrigger is the engine's outer wait loop: polling in slices of at
// most farSleepSlice far from the trigger instant, with periodic/final
// recalibration and the
// second prewarm, handing off to the Firing Scheduler for the precise final
// approach. Grounded on the original's run() wait loop.
func (e *Engine) waitForTrigger(
	ctx context.Context,
	logger *slog.Logger,
	cfg domain.Config,
	cal domain.CalibrationResult,
	client sisClient,
	calibrator *calibration.Calibrator,
	cancelToken *firing.CancelToken,
) (trigger time.Time, cancelled bool) {
	target := cfg.TargetWallTime
	trigger = firing.Trigger(target, cal.ServerOffset(), cal.RTTOneWay(), cfg.SafetyBuffer)
	e.publishCountdown(trigger, trigger.Sub(e.clock.Now()))

	lastRecal := e.clock.Now()
	finalCalDone := false
	secondPrewarmDone := false
	recalCount := 0

	for {
		if cancelToken.Cancelled() || ctx.Err() != nil {
			return trigger, true
		}

		now := e.clock.Now()
		remaining := trigger.Sub(now)
		e.publishCountdown(trigger, remaining)

		if remaining <= secondPrewarmThreshold {
			break
		}

		if remaining > 25*time.Second && now.Sub(lastRecal) >= recalInterval {
			lastRecal = now
			recalCount++
			logger.InfoContext(ctx, "periodic recalibration", "count", recalCount)
			if quick, err := calibrator.QuickCalibrate(ctx, domain.SourceAuto); err == nil {
				trigger = firing.Trigger(target, quick.ServerOffset(), quick.RTTOneWay(), cfg.SafetyBuffer)
				e.publishCalibration(quick)
			}
			continue
		}

		if !finalCalDone && remaining > finalCalFloor && remaining <= finalCalCeiling {
			finalCalDone = true
			e.setPhase(domain.PhaseCalibrating)
			logger.InfoContext(ctx, "final recalibration")
			if final, err := calibrator.Calibrate(ctx, domain.SourceFinal); err == nil {
				trigger = firing.Trigger(target, final.ServerOffset(), final.RTTOneWay(), cfg.SafetyBuffer)
				e.publishCalibration(final)
			}
			e.setPhase(domain.PhaseWaiting)
			continue
		}

		if !secondPrewarmDone && remaining <= secondPrewarmThreshold+farSleepSlice {
			if err := client.Prewarm(ctx, true); err != nil {
				logger.WarnContext(ctx, "second prewarm failed", "error", err)
			}
			secondPrewarmDone = true
		}

		if !e.sleepResponsive(ctx, cancelToken, minDuration(remaining-secondPrewarmThreshold, farSleepSlice)) {
			return trigger, true
		}
	}

	sched := firing.New(e.clock, logger)
	fired, immediate := sched.WaitUntil(ctx, trigger, cancelToken, func(remaining time.Duration) {
		e.publishCountdown(trigger, remaining)
	})
	if !fired {
		return trigger, true
	}
	if immediate {
		e.log(domain.LogWarning, "target time already passed, firing immediately")
	}
	return trigger, false
}

func (e *Engine) sleepResponsive(ctx context.Context, cancelToken *firing.CancelToken, d time.Duration) bool {
	if d <= 0 {
		return !cancelToken.Cancelled() && ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return !cancelToken.Cancelled()
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
