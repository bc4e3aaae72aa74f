// Package attempt implements the Attempt Loop (spec.md §4.4): issues
// registration requests, prunes CRNs that reached a terminal state,
// enforces the minimum inter-request interval, and terminates on budget
// exhaustion or total success.
package attempt

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/regbot/engine/internal/domain"
	"github.com/regbot/engine/internal/logging"
	"github.com/regbot/engine/internal/sisclient"
)

// Sender is the subset of sisclient.Client the attempt loop depends on.
type Sender interface {
	Prepare(ecrns, scrns []string) (*sisclient.PreparedRequest, error)
	Send(ctx context.Context, req *sisclient.PreparedRequest) sisclient.SendResult
}

// Summary is the outcome of a full attempt loop run.
type Summary struct {
	Attempts   []domain.AttemptRecord
	PerCRN     map[string]domain.CRNResult
	Succeeded  bool
	DoneReason string
}

// UpdateFunc is invoked after every attempt with the cumulative per-CRN map,
// mirroring the crn_update event (spec.md §4.4 step 2c).
type UpdateFunc func(cumulative map[string]domain.CRNResult)

// burstAttemptLimit caps how many of the first attempts may use burst-mode
// pacing (spec.md §4.4 "Burst vs sustained pacing").
const burstAttemptLimit = 5

// rateLimitBackoffFactor is the original implementation's adaptive back-off
// growth on HTTP 429 (SUPPLEMENTED FEATURES #2): triple the interval, capped
// at RetryIntervalMax.
const rateLimitBackoffFactor = 3.0

// Loop runs the attempt loop against cfg's working set until convergence,
// cancellation, or budget exhaustion.
type Loop struct {
	sender Sender
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool // returns false if ctx cancelled mid-sleep
	logger *slog.Logger
}

// New constructs a Loop. now defaults to time.Now; sleep defaults to a
// context-aware time.Sleep.
func New(sender Sender, now func() time.Time, sleep func(context.Context, time.Duration) bool, logger *slog.Logger) *Loop {
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = contextSleep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{sender: sender, now: now, sleep: sleep, logger: logger}
}

func contextSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (l *Loop) loggerWith(ctx context.Context, attrs ...any) *slog.Logger {
	logger := logging.FromContext(ctx)
	if logger == nil {
		logger = l.logger
	}
	pairs := append([]any{"service", "AttemptLoop"}, attrs...)
	return logger.With(pairs...)
}

// Run executes the attempt loop. cancel, when non-nil and set, aborts the
// loop at the next iteration boundary (checked between attempts, not mid
// HTTP call).
func (l *Loop) Run(ctx context.Context, cfg domain.Config, cancel func() bool, onUpdate UpdateFunc) (Summary, error) {
	logger := l.loggerWith(ctx, "operation", "Run")

	workingECRN := append([]string(nil), cfg.ECRNs...)
	scrnSet := append([]string(nil), cfg.SCRNs...)
	perCRN := make(map[string]domain.CRNResult)
	for _, crn := range workingECRN {
		perCRN[crn] = domain.CRNResult{CRN: crn, Status: domain.CRNPending}
	}
	for _, crn := range scrnSet {
		perCRN[crn] = domain.CRNResult{CRN: crn, Status: domain.CRNPending}
	}

	retryIntervalMax := cfg.RetryIntervalMax
	if retryIntervalMax <= 0 {
		retryIntervalMax = domain.DefaultRetryIntervalMax
	}
	currentInterval := cfg.RetryInterval

	var req *sisclient.PreparedRequest
	if !cfg.DryRun {
		var err error
		req, err = l.sender.Prepare(workingECRN, scrnSet)
		if err != nil {
			return Summary{}, err
		}
	} else {
		logger.WarnContext(ctx, "dry run: the SIS will not be contacted")
	}

	var attempts []domain.AttemptRecord
	dirty := false

	for attemptIndex := 1; attemptIndex <= cfg.MaxAttempts; attemptIndex++ {
		if cancel != nil && cancel() {
			return Summary{Attempts: attempts, PerCRN: perCRN, DoneReason: "cancelled"}, domain.ErrCancelled
		}
		if len(workingECRN) == 0 && len(scrnSet) == 0 {
			break
		}

		if dirty && !cfg.DryRun {
			var err error
			req, err = l.sender.Prepare(workingECRN, scrnSet)
			if err != nil {
				return Summary{Attempts: attempts, PerCRN: perCRN}, err
			}
			dirty = false
		}

		var sendResult sisclient.SendResult
		if cfg.DryRun {
			sendResult = simulateDryRun(attemptIndex, workingECRN, scrnSet, l.now())
		} else {
			sendResult = l.sender.Send(ctx, req)
		}
		record := domain.AttemptRecord{
			AttemptIndex: attemptIndex,
			SentAtLocal:  sendResult.SentAt,
			RecvAtLocal:  sendResult.RecvAt,
			HTTPStatus:   sendResult.HTTPStatus,
			Err:          sendResult.Err,
		}

		if sendResult.Err != nil {
			attempts = append(attempts, record)
			logger.ErrorContext(ctx, "attempt failed", "attempt", attemptIndex,
				"error", sendResult.Err, "error_kind", domain.ErrorKind(sendResult.Err))

			if errors.Is(sendResult.Err, domain.ErrTokenInvalid) {
				return Summary{Attempts: attempts, PerCRN: perCRN, DoneReason: "token_invalid"}, sendResult.Err
			}
			if errors.Is(sendResult.Err, domain.ErrRateLimited) {
				currentInterval = scaleInterval(currentInterval, rateLimitBackoffFactor, retryIntervalMax)
				if !l.sleep(ctx, sendResult.RetryAfter) {
					return Summary{Attempts: attempts, PerCRN: perCRN, DoneReason: "cancelled"}, domain.ErrCancelled
				}
				continue
			}
			if errors.Is(sendResult.Err, domain.ErrWholesaleReject) {
				return Summary{Attempts: attempts, PerCRN: perCRN, DoneReason: "wholesale_reject"}, sendResult.Err
			}

			// Transient transport error: consume one attempt slot, back off
			// at the standard interval, keep trying.
			if !l.sleep(ctx, currentInterval) {
				return Summary{Attempts: attempts, PerCRN: perCRN, DoneReason: "cancelled"}, domain.ErrCancelled
			}
			continue
		}

		allBurstEligible := true
		record.PerCRNResults = make(map[string]domain.CRNResult, len(sendResult.ECRN)+len(sendResult.SCRN))

		for crn, result := range sendResult.ECRN {
			record.PerCRNResults[crn] = result
			perCRN[crn] = result
			if !domain.BurstEligible(result.Status) {
				allBurstEligible = false
			}
			if result.Status.Terminal(cfg.RetryPolicy.FullNonTerminal) {
				workingECRN = removeCRN(workingECRN, crn)
				dirty = true
			}
		}
		for crn, result := range sendResult.SCRN {
			record.PerCRNResults[crn] = result
			perCRN[crn] = result
			if !domain.BurstEligible(result.Status) {
				allBurstEligible = false
			}
			if result.Status.Terminal(cfg.RetryPolicy.FullNonTerminal) {
				scrnSet = removeCRN(scrnSet, crn)
				dirty = true
			}
		}

		attempts = append(attempts, record)
		if onUpdate != nil {
			onUpdate(cloneResults(perCRN))
		}

		if len(workingECRN) == 0 && len(scrnSet) == 0 {
			break
		}

		if attemptIndex >= cfg.MaxAttempts {
			break
		}

		pacing := currentInterval
		if attemptIndex <= burstAttemptLimit && allBurstEligible {
			rttFull := sendResult.RecvAt.Sub(sendResult.SentAt)
			pacing = time.Duration(float64(rttFull) * 0.8)
			if pacing < 0 {
				pacing = 0
			}
		}

		if !l.sleep(ctx, pacing) {
			return Summary{Attempts: attempts, PerCRN: perCRN, DoneReason: "cancelled"}, domain.ErrCancelled
		}
	}

	succeeded := len(workingECRN) == 0 && len(scrnSet) == 0
	reason := "budget_exhausted"
	if succeeded {
		reason = "converged"
	}
	return Summary{Attempts: attempts, PerCRN: perCRN, Succeeded: succeeded, DoneReason: reason}, nil
}

func scaleInterval(current time.Duration, factor float64, max time.Duration) time.Duration {
	scaled := time.Duration(float64(current) * factor)
	if scaled < time.Second {
		scaled = time.Second
	}
	if scaled > max {
		scaled = max
	}
	return scaled
}

func removeCRN(set []string, crn string) []string {
	out := set[:0]
	for _, c := range set {
		if c != crn {
			out = append(out, c)
		}
	}
	return out
}

// simulateDryRun fabricates a SendResult without contacting the SIS
// (spec.md §3 "dry_run: the attempt loop does not contact the SIS"),
// grounded on the original's _kayit_yap_dry_run: the first two attempts
// come back debounced, every attempt after that succeeds.
func simulateDryRun(attemptIndex int, ecrns, scrns []string, now time.Time) sisclient.SendResult {
	result := sisclient.SendResult{SentAt: now, RecvAt: now.Add(50 * time.Millisecond)}
	result.ECRN = make(map[string]domain.CRNResult, len(ecrns))
	result.SCRN = make(map[string]domain.CRNResult, len(scrns))

	if attemptIndex <= 2 {
		for _, crn := range ecrns {
			result.ECRN[crn] = domain.CRNResult{CRN: crn, Status: domain.CRNDebounce, HumanMessage: "dry run: simulated debounce"}
		}
		for _, crn := range scrns {
			result.SCRN[crn] = domain.CRNResult{CRN: crn, Status: domain.CRNDebounce, HumanMessage: "dry run: simulated debounce"}
		}
		return result
	}

	for _, crn := range ecrns {
		result.ECRN[crn] = domain.CRNResult{CRN: crn, Status: domain.CRNSuccess, HumanMessage: "dry run: simulated success"}
	}
	for _, crn := range scrns {
		result.SCRN[crn] = domain.CRNResult{CRN: crn, Status: domain.CRNDropped, HumanMessage: "dry run: simulated success"}
	}
	return result
}

func cloneResults(m map[string]domain.CRNResult) map[string]domain.CRNResult {
	out := make(map[string]domain.CRNResult, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
