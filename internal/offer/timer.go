package offer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/driver-agent/internal/models"
	"github.com/example/driver-agent/internal/observability"
)

// State is the lifecycle of a single ride offer.
type State int

const (
	Active State = iota
	Accepting
	Rejecting
	Resolved
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Accepting:
		return "accepting"
	case Rejecting:
		return "rejecting"
	case Resolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// DispatchGateway is the remote side of offer resolution. Accept requires
// confirmation; Reject is best-effort and the UI never blocks on it.
type DispatchGateway interface {
	Accept(ctx context.Context, driverID, offerID string) error
	Reject(ctx context.Context, driverID, offerID string) error
}

// Events surface offer progress to the UI layer.
type Events struct {
	OnTick     func(offerID string, secondsRemaining int)
	OnResolved func(offerID string, outcome models.OfferOutcome)
}

// Timer owns one RideOffer from arrival to its terminal outcome. Whichever
// of {user action, deadline expiry} leaves Active first wins; the loser's
// action is a no-op. That single compare-and-transition, not two competing
// writes, is what keeps resolution exactly-once.
type Timer struct {
	offer    models.RideOffer
	driverID string
	gateway  DispatchGateway
	events   Events
	logger   *slog.Logger
	now      func() time.Time
	timeout  time.Duration

	mu      sync.Mutex
	state   State
	outcome models.OfferOutcome

	createdAt time.Time
	done      chan struct{}
	cancelRun context.CancelFunc
}

func newTimer(off models.RideOffer, driverID string, gw DispatchGateway, events Events, timeout time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		offer:     off,
		driverID:  driverID,
		gateway:   gw,
		events:    events,
		logger:    logger,
		now:       time.Now,
		timeout:   timeout,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Offer returns the immutable offer under decision.
func (t *Timer) Offer() models.RideOffer { return t.offer }

// State returns the current lifecycle state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Outcome returns the terminal outcome once resolved.
func (t *Timer) Outcome() (models.OfferOutcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Resolved {
		return "", false
	}
	return t.outcome, true
}

// Done closes when the offer reaches its terminal outcome.
func (t *Timer) Done() <-chan struct{} { return t.done }

// SecondsRemaining is the countdown value shown to the driver.
func (t *Timer) SecondsRemaining() int {
	left := t.offer.Deadline.Sub(t.now())
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

func (t *Timer) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancelRun = cancel
	go t.run(ctx)
}

func (t *Timer) run(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	deadline := time.NewTimer(t.offer.Deadline.Sub(t.now()))
	defer deadline.Stop()

	t.emitTick()
	for {
		select {
		case <-t.done:
			return
		case <-ctx.Done():
			// Teardown path. An accept may still be mid-flight; keep
			// pressing until the offer lands on a terminal outcome so it
			// is never left half-open with no loop to expire it.
			for !t.tryExpire() {
				select {
				case <-t.done:
					return
				case <-time.After(50 * time.Millisecond):
				}
			}
			return
		case <-tick.C:
			t.emitTick()
		case <-deadline.C:
			if t.tryExpire() {
				return
			}
			// An accept call is mid-flight; it will either resolve the
			// offer or put it back to Active already past the deadline.
			// Re-check shortly instead of racing it.
			deadline.Reset(100 * time.Millisecond)
		}
	}
}

func (t *Timer) emitTick() {
	if t.events.OnTick != nil {
		t.events.OnTick(t.offer.OfferID, t.SecondsRemaining())
	}
}

// leaveActive atomically claims the Active→next transition. Reports false
// when someone else already left Active; the caller's action is then a
// no-op, by the race rule.
func (t *Timer) leaveActive(next State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return false
	}
	t.state = next
	return true
}

// Accept claims the offer and asks the gateway to confirm. A race loss
// (already rejected or expired) is a silent no-op. On gateway failure the
// offer reverts to Active while the deadline still stands, otherwise it is
// forced to expired; either way the error tells the caller the ride is NOT
// theirs until a retry succeeds.
func (t *Timer) Accept(ctx context.Context) error {
	if !t.leaveActive(Accepting) {
		return nil
	}

	gctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	err := t.gateway.Accept(gctx, t.driverID, t.offer.OfferID)
	if err == nil {
		t.resolve(models.OfferAccepted)
		return nil
	}

	if t.now().After(t.offer.Deadline) {
		t.resolve(models.OfferExpired)
		return fmt.Errorf("accepting offer %s: deadline passed during retry window: %w", t.offer.OfferID, err)
	}

	t.mu.Lock()
	if t.state == Accepting {
		t.state = Active
	}
	t.mu.Unlock()
	return fmt.Errorf("accepting offer %s: %w", t.offer.OfferID, err)
}

// Reject resolves the offer locally without waiting for the server; the
// gateway is told best-effort in the background. A race loss is a no-op.
func (t *Timer) Reject() {
	if !t.leaveActive(Rejecting) {
		return
	}
	t.resolve(models.OfferRejected)
	go t.notifyReject()
}

// tryExpire claims expiry. Reports true when the offer is settled (either
// we expired it or it was already resolved), false when an accept is still
// in flight.
func (t *Timer) tryExpire() bool {
	if t.leaveActive(Rejecting) {
		t.resolve(models.OfferExpired)
		t.notifyReject()
		return true
	}
	t.mu.Lock()
	settled := t.state == Resolved
	t.mu.Unlock()
	return settled
}

func (t *Timer) notifyReject() {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.gateway.Reject(ctx, t.driverID, t.offer.OfferID); err != nil {
		t.logger.Warn("reject notification failed", "offer_id", t.offer.OfferID, "error", err)
	}
}

func (t *Timer) resolve(outcome models.OfferOutcome) {
	t.mu.Lock()
	t.state = Resolved
	t.outcome = outcome
	t.mu.Unlock()

	if t.cancelRun != nil {
		t.cancelRun()
	}
	close(t.done)

	observability.OffersResolvedTotal.WithLabelValues(string(outcome)).Inc()
	observability.OfferDecisionSeconds.Observe(time.Since(t.createdAt).Seconds())
	t.logger.Info("offer resolved", "offer_id", t.offer.OfferID, "outcome", string(outcome))
	if t.events.OnResolved != nil {
		t.events.OnResolved(t.offer.OfferID, outcome)
	}
}
