package location

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/driver-agent/internal/geo"
	"github.com/example/driver-agent/internal/models"
	"github.com/example/driver-agent/internal/observability"
)

var (
	// ErrPermissionDenied is terminal for tracking until the caller
	// re-requests authorization; it is never retried internally.
	ErrPermissionDenied = errors.New("location: permission denied")

	// ErrFixTimeout marks a positioning request that ran out of time.
	// It is the only error class that triggers the low-accuracy fallback.
	ErrFixTimeout = errors.New("location: fix timed out")

	// ErrUnavailable marks positioning hardware that cannot answer at all.
	ErrUnavailable = errors.New("location: positioning unavailable")
)

// Provider is the device-side positioning backend. A request must honor the
// context and return within the given timeout, reporting ErrFixTimeout when
// it cannot.
type Provider interface {
	RequestFix(ctx context.Context, tier models.AccuracyTier, timeout time.Duration) (models.Position, error)
}

// Options bound how often and how far apart samples are delivered.
type Options struct {
	HighAccuracyTimeout time.Duration
	LowAccuracyTimeout  time.Duration
	MinInterval         time.Duration
	MinDistanceM        float64
}

// Source acquires device positions with a one-shot accuracy fallback and
// runs continuous tracking with distance and interval filters.
type Source struct {
	provider Provider
	opts     Options
	logger   *slog.Logger
}

func NewSource(provider Provider, opts Options, logger *slog.Logger) *Source {
	if opts.HighAccuracyTimeout <= 0 {
		opts.HighAccuracyTimeout = 15 * time.Second
	}
	if opts.LowAccuracyTimeout <= 0 {
		opts.LowAccuracyTimeout = 20 * time.Second
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = 5 * time.Second
	}
	return &Source{provider: provider, opts: opts, logger: logger}
}

// stage is the explicit two-step fallback state machine. Exactly one retry
// per request: highAccuracyAttempt moves to lowAccuracyAttempt only on a
// timeout, and lowAccuracyAttempt never falls through anywhere.
type stage int

const (
	highAccuracyAttempt stage = iota
	lowAccuracyAttempt
	resolved
)

// Current returns a fresh position. A high-accuracy attempt that times out
// is retried once at low accuracy with a longer timeout; GPS-grade fixes
// routinely fail indoors while network fixes still succeed, so the caller
// never observes the first timeout. Any other error surfaces immediately.
func (s *Source) Current(ctx context.Context) (models.Position, error) {
	for st := highAccuracyAttempt; st != resolved; {
		tier, timeout := models.AccuracyHigh, s.opts.HighAccuracyTimeout
		if st == lowAccuracyAttempt {
			tier, timeout = models.AccuracyLow, s.opts.LowAccuracyTimeout
		}

		pos, err := s.provider.RequestFix(ctx, tier, timeout)
		switch {
		case err == nil:
			observability.LocationSamplesTotal.WithLabelValues(string(tier)).Inc()
			return pos, nil
		case st == highAccuracyAttempt && errors.Is(err, ErrFixTimeout):
			observability.LocationFallbacksTotal.Inc()
			s.logger.Debug("high accuracy fix timed out, falling back", "timeout", timeout)
			st = lowAccuracyAttempt
		default:
			observability.LocationFixErrors.WithLabelValues(classOf(err)).Inc()
			return models.Position{}, err
		}
	}
	// Unreachable: lowAccuracyAttempt always returns.
	return models.Position{}, ErrUnavailable
}

func classOf(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission"
	case errors.Is(err, ErrFixTimeout):
		return "timeout"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}

// Watch is a handle on a continuous tracking loop.
type Watch struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error // written once by the loop before done closes
}

// Stop cancels the loop, including any positioning request in flight, and
// waits for it to exit.
func (w *Watch) Stop() {
	w.cancel()
	<-w.done
}

// Done closes when the loop has exited.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Err reports why the loop stopped on its own. Nil after Stop or parent
// context cancellation.
func (w *Watch) Err() error {
	<-w.done
	return w.err
}

// StartTracking delivers positions to fn until the watch is stopped. Samples
// are spaced at least MinInterval apart and suppressed when the device moved
// less than MinDistanceM since the last delivered sample. A permission
// denial ends the loop; transient failures only skip the cycle.
func (s *Source) StartTracking(ctx context.Context, fn func(models.Position)) *Watch {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watch{cancel: cancel, done: make(chan struct{})}
	go s.track(ctx, fn, w)
	return w
}

func (s *Source) track(ctx context.Context, fn func(models.Position), w *Watch) {
	defer close(w.done)

	var last models.Position
	var delivered bool

	for {
		pos, err := s.Current(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrPermissionDenied):
			s.logger.Warn("tracking stopped: authorization revoked")
			w.err = err
			return
		case err != nil:
			s.logger.Warn("position request failed, skipping cycle", "error", err)
		default:
			moved := geo.Haversine(last.Coord.Lat, last.Coord.Lon, pos.Coord.Lat, pos.Coord.Lon)
			if !delivered || moved >= s.opts.MinDistanceM {
				if delivered {
					pos.BearingDeg = geo.Bearing(last.Coord.Lat, last.Coord.Lon, pos.Coord.Lat, pos.Coord.Lon)
				}
				fn(pos)
				last = pos
				delivered = true
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.MinInterval):
		}
	}
}
