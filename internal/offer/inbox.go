package offer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/driver-agent/internal/models"
)

var (
	// ErrDriverOffline refuses incoming offers at the boundary; no offer
	// object is ever constructed for a driver who is not online.
	ErrDriverOffline = errors.New("offer: driver is not online")

	// ErrOfferInFlight enforces the single active offer slot.
	ErrOfferInFlight = errors.New("offer: another offer is unresolved")
)

// Inbox is the entry point for pushed ride offers. It holds the only shared
// resource in the engine: the currently active offer slot, mutually
// exclusive by refusing a new offer while one is unresolved.
type Inbox struct {
	driverID string
	gateway  DispatchGateway
	online   func() bool
	events   Events
	timeout  time.Duration
	deadline time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	active *Timer
}

type InboxOptions struct {
	GatewayTimeout  time.Duration
	DefaultDeadline time.Duration
	Events          Events
}

// NewInbox builds an inbox gated on the given duty predicate.
func NewInbox(driverID string, gateway DispatchGateway, online func() bool, opts InboxOptions, logger *slog.Logger) *Inbox {
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 10 * time.Second
	}
	if opts.DefaultDeadline <= 0 {
		opts.DefaultDeadline = 55 * time.Second
	}
	return &Inbox{
		driverID: driverID,
		gateway:  gateway,
		online:   online,
		events:   opts.Events,
		timeout:  opts.GatewayTimeout,
		deadline: opts.DefaultDeadline,
		logger:   logger,
	}
}

// Receive admits a pushed offer and starts its countdown. Offers for an
// offline driver and offers arriving while another is unresolved are
// refused before any state is created.
func (b *Inbox) Receive(ctx context.Context, off models.RideOffer) (*Timer, error) {
	if !b.online() {
		return nil, ErrDriverOffline
	}
	if off.Deadline.IsZero() {
		off.Deadline = time.Now().Add(b.deadline)
	}

	b.mu.Lock()
	if b.active != nil && b.active.State() != Resolved {
		b.mu.Unlock()
		return nil, ErrOfferInFlight
	}
	t := newTimer(off, b.driverID, b.gateway, b.events, b.timeout, b.logger)
	b.active = t
	b.mu.Unlock()

	t.start(ctx)
	b.logger.Info("offer admitted", "offer_id", off.OfferID, "deadline", off.Deadline)
	return t, nil
}

// Active returns the current offer timer, resolved or not.
func (b *Inbox) Active() (*Timer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active, b.active != nil
}

// Close tears down the active offer, forcing a terminal outcome if it is
// still pending.
func (b *Inbox) Close() {
	b.mu.Lock()
	t := b.active
	b.mu.Unlock()
	if t == nil {
		return
	}
	t.tryExpire()
	if t.cancelRun != nil {
		t.cancelRun()
	}
}
