// Package calibration implements the Clock Calibrator (spec.md §4.1):
// second-boundary detection against the SIS's Date header, best-sample-pool
// aggregation, periodic recalibration during the wait phase, and an
// informational NTP comparison.
package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/regbot/engine/internal/domain"
	"github.com/regbot/engine/internal/logging"
)

// Prober is the subset of sisclient.Client the calibrator depends on, so
// tests can substitute a fake without standing up real transport.
type Prober interface {
	Probe(ctx context.Context) (sentAt, recvAt time.Time, dateHeader string, err error)
}

// Calibrator measures the SIS server clock relative to the local clock.
type Calibrator struct {
	prober Prober
	now    func() time.Time
	ntp    NTPClient
	logger *slog.Logger

	mu   sync.Mutex
	best sample
}

type sample struct {
	offset  time.Duration
	rttFull time.Duration
	set     bool
}

// New constructs a Calibrator. ntp may be nil, in which case NTP comparison
// is skipped (it is informational only, never required for correctness).
func New(prober Prober, now func() time.Time, ntp NTPClient, logger *slog.Logger) *Calibrator {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Calibrator{prober: prober, now: now, ntp: ntp, logger: logger}
}

func (c *Calibrator) loggerWith(ctx context.Context, attrs ...any) *slog.Logger {
	logger := logging.FromContext(ctx)
	if logger == nil {
		logger = c.logger
	}
	pairs := append([]any{"service", "Calibrator"}, attrs...)
	return logger.With(pairs...)
}

// Budget is the overall calibration timeout (spec.md §5: "overall
// calibration ≤ 30s").
const Budget = 30 * time.Second

// maxPolls bounds the second-boundary detection loop so a consistently
// unresponsive SIS fails NoSecondBoundary instead of spinning forever.
const maxPolls = 400

// Calibrate runs the full second-boundary detection algorithm (spec.md
// §4.1 steps 1-7): RTT sampling to pick a poll interval, then up to three
// transition-detection passes (stopping after the second when it already
// beats the median RTT), keeping the lowest-RTT sample.
func (c *Calibrator) Calibrate(ctx context.Context, source domain.CalibrationSource) (domain.CalibrationResult, error) {
	logger := c.loggerWith(ctx, "operation", "Calibrate", "source", source)
	logger.InfoContext(ctx, "measuring server clock")

	deadline, cancel := context.WithTimeout(ctx, Budget)
	defer cancel()

	medianRTT, err := c.measureMedianRTT(deadline, 5)
	if err != nil {
		return domain.CalibrationResult{}, fmt.Errorf("%w: %v", domain.ErrUnreachable, err)
	}

	pollInterval := clampDuration(medianRTT/2, 2*time.Millisecond, 50*time.Millisecond)

	var found []sample
	for pass := 0; pass < 3; pass++ {
		if deadline.Err() != nil {
			break
		}
		s, err := c.detectOneTransition(deadline, pollInterval)
		if err == nil {
			found = append(found, s)
			logger.InfoContext(ctx, "detected second boundary",
				"pass", pass, "rtt_ms", s.rttFull.Milliseconds(), "offset_ms", s.offset.Milliseconds())
			if len(found) >= 1 && s.rttFull < medianRTT*8/10 && pass >= 1 {
				break
			}
		}
	}

	ntpOffset := c.measureNTP(ctx, logger)

	if len(found) == 0 {
		logger.WarnContext(ctx, "no second boundary detected")
		return domain.CalibrationResult{}, domain.ErrNoSecondBoundary
	}

	best := found[0]
	for _, s := range found[1:] {
		if s.rttFull < best.rttFull {
			best = s
		}
	}

	result := domain.CalibrationResult{
		ServerOffsetMS:   float64(best.offset.Microseconds()) / 1000,
		RTTOneWayMS:      float64(best.rttFull.Microseconds()) / 2000,
		RTTFullMS:        float64(best.rttFull.Microseconds()) / 1000,
		NTPOffsetMS:       float64(ntpOffset.Milliseconds()),
		ServerNTPDiffMS:   float64(best.offset.Milliseconds()) - float64(ntpOffset.Milliseconds()),
		AccuracyMS:        float64(best.rttFull.Microseconds()) / 2000,
		Source:            source,
		HasNTPComparison:  c.ntp != nil,
	}
	c.recordIfBetter(result)
	return result, nil
}

// QuickCalibrate is a lighter pass used for periodic recalibration during
// waiting: one transition detection, three RTT samples (spec.md §4.1 step
// 6, "continuous recalibration... every 30s").
func (c *Calibrator) QuickCalibrate(ctx context.Context, source domain.CalibrationSource) (domain.CalibrationResult, error) {
	logger := c.loggerWith(ctx, "operation", "QuickCalibrate", "source", source)

	deadline, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	medianRTT, err := c.measureMedianRTT(deadline, 3)
	if err != nil {
		return domain.CalibrationResult{}, fmt.Errorf("%w: %v", domain.ErrUnreachable, err)
	}
	pollInterval := clampDuration(medianRTT/2, 2*time.Millisecond, 50*time.Millisecond)

	s, err := c.detectOneTransition(deadline, pollInterval)
	if err != nil {
		return domain.CalibrationResult{}, domain.ErrNoSecondBoundary
	}

	result := domain.CalibrationResult{
		ServerOffsetMS: float64(s.offset.Microseconds()) / 1000,
		RTTOneWayMS:    float64(s.rttFull.Microseconds()) / 2000,
		RTTFullMS:      float64(s.rttFull.Microseconds()) / 1000,
		AccuracyMS:     float64(s.rttFull.Microseconds()) / 2000,
		Source:         source,
	}
	logger.InfoContext(ctx, "quick calibration complete", "offset_ms", result.ServerOffsetMS, "rtt_ms", result.RTTFullMS)
	c.recordIfBetter(result)
	return result, nil
}

// recordIfBetter keeps the lowest-RTT sample seen so far, mirroring the
// best-sample-pool rule applied across a token's whole history.
func (c *Calibrator) recordIfBetter(result domain.CalibrationResult) {
	rttFull := time.Duration(result.RTTFullMS * float64(time.Millisecond))
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.best.set || rttFull < c.best.rttFull {
		c.best = sample{
			offset:  time.Duration(result.ServerOffsetMS * float64(time.Millisecond)),
			rttFull: rttFull,
			set:     true,
		}
	}
}

// Best returns the lowest-RTT sample recorded so far in this run.
func (c *Calibrator) Best() (offset, rttFull time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.best.offset, c.best.rttFull, c.best.set
}

func (c *Calibrator) measureMedianRTT(ctx context.Context, n int) (time.Duration, error) {
	var rtts []time.Duration
	for i := 0; i < n; i++ {
		sentAt, recvAt, _, err := c.prober.Probe(ctx)
		if err != nil {
			continue
		}
		if recvAt.Before(sentAt) {
			continue // invariant I5: discard apparent clock regression
		}
		rtts = append(rtts, recvAt.Sub(sentAt))
	}
	if len(rtts) == 0 {
		return 10 * time.Millisecond, fmt.Errorf("no successful RTT probes")
	}
	return median(rtts), nil
}

// detectOneTransition polls the Date header until it rolls over to the
// next second, per spec.md §4.1 steps 2-4.
func (c *Calibrator) detectOneTransition(ctx context.Context, pollInterval time.Duration) (sample, error) {
	_, _, lastDate, err := c.prober.Probe(ctx)
	if err != nil || lastDate == "" {
		return sample{}, domain.ErrNoSecondBoundary
	}

	for poll := 0; poll < maxPolls; poll++ {
		select {
		case <-ctx.Done():
			return sample{}, domain.ErrNoSecondBoundary
		case <-time.After(pollInterval):
		}

		sentAt, recvAt, dateHeader, err := c.prober.Probe(ctx)
		if err != nil {
			continue
		}
		if recvAt.Before(sentAt) {
			continue // invariant I5
		}
		if dateHeader != "" && dateHeader != lastDate {
			serverTime, parseErr := http.ParseTime(dateHeader)
			if parseErr != nil {
				lastDate = dateHeader
				continue
			}
			rttFull := recvAt.Sub(sentAt)
			midpoint := sentAt.Add(rttFull / 2)
			offset := serverTime.Sub(midpoint)
			return sample{offset: offset, rttFull: rttFull, set: true}, nil
		}
	}
	return sample{}, domain.ErrNoSecondBoundary
}

func median(ds []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), ds...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted[len(sorted)/2]
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
