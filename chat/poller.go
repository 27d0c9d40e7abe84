package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/neustream/chat-engine/telemetry"
)

// PollFunc fetches and dispatches one page of messages. Returning a
// *QuotaError grows the interval; ErrStopPolling ends the loop; any other
// error is tolerated and the loop continues at the current interval.
type PollFunc func(ctx context.Context) error

// Poller drives a pull-based connector that pretends to be a live stream.
// It owns the timer between polls and the backoff state that rewrites it,
// so stopping the owning context is the single cancellation token observed
// by both the loop and the connector's Stop path: Run returns only between
// polls or after the in-flight poll finishes, which makes "no tick after
// stop" deterministic for callers that wait on Run's return.
type Poller struct {
	Base     time.Duration
	Max      time.Duration
	Platform Platform // metrics/log attribution only

	errCount int
}

// NewPoller returns a poller with the given baseline and cap, applying the
// package defaults when zero.
func NewPoller(platform Platform, base, max time.Duration) *Poller {
	if base <= 0 {
		base = DefaultPollInterval
	}
	if max <= 0 {
		max = DefaultMaxPollInterval
	}
	return &Poller{Base: base, Max: max, Platform: platform}
}

// ErrCount exposes the consecutive quota-error counter (for status/tests).
func (p *Poller) ErrCount() int { return p.errCount }

// Interval returns the currently scheduled wait between polls.
func (p *Poller) Interval() time.Duration {
	return NextPollInterval(p.Base, p.Max, p.errCount)
}

// Run polls fn until ctx is canceled or fn returns ErrStopPolling. The
// first poll fires immediately; subsequent polls wait the scheduled
// interval. Run blocks; callers start it in the connector's goroutine.
func (p *Poller) Run(ctx context.Context, fn PollFunc) {
	log := slog.Default().With(slog.String("platform", string(p.Platform)), slog.String("component", "poller"))
	for {
		if ctx.Err() != nil {
			return
		}
		err := fn(ctx)
		switch {
		case err == nil:
			if p.errCount > 0 {
				log.Info("poll recovered; backoff reset", slog.Int("after_errors", p.errCount))
			}
			p.errCount = 0
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, ErrStopPolling):
			log.Info("poll loop stopped by connector")
			return
		default:
			switch Classify(err) {
			case ErrorQuotaExceeded:
				p.errCount++
				telemetry.CountQuotaBackoff()
				log.Warn("quota exceeded; backing off",
					slog.Int("err_count", p.errCount),
					slog.Duration("next_interval", p.Interval()),
					slog.Any("err", err))
			default:
				// Transient: keep the current schedule.
				telemetry.CountPollError()
				log.Warn("poll failed", slog.Any("err", err))
			}
		}

		timer := time.NewTimer(p.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
