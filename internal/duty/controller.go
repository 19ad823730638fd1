package duty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/driver-agent/internal/models"
	"github.com/example/driver-agent/internal/observability"
)

// State is the driver's duty status. The controller is the sole writer;
// everything else reads the state and requests transitions.
type State int

const (
	Offline State = iota
	GoingOnline
	Online
	GoingOffline
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case GoingOnline:
		return "going_online"
	case Online:
		return "online"
	case GoingOffline:
		return "going_offline"
	default:
		return "unknown"
	}
}

var (
	// ErrNoLocation rejects a go-online request made without a fresh fix.
	ErrNoLocation = errors.New("duty: no recent location fix")

	// ErrTransitionInFlight rejects a toggle while another one is pending
	// server confirmation.
	ErrTransitionInFlight = errors.New("duty: transition already in flight")
)

// RejectedError reports that the presence gateway refused the transition.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("duty: gateway rejected transition: %s", e.Reason)
}

// PresenceGateway is the remote authority for duty status. SetDutyStatus
// must return nil only when the server committed the transition.
// PushLocation has fire-and-forget semantics; failures are tolerated.
type PresenceGateway interface {
	SetDutyStatus(ctx context.Context, driverID string, wantOnline bool) error
	PushLocation(ctx context.Context, driverID string, pos models.Position) error
}

type Options struct {
	StaleBound     time.Duration
	GatewayTimeout time.Duration

	// OnChange observes every committed state change. Invoked outside the
	// controller lock, in transition order.
	OnChange func(State)
}

// Controller owns the online/offline state machine. The UI never commits a
// state optimistically: a toggle parks in GoingOnline/GoingOffline until the
// gateway confirms, and reverts to the last confirmed state when it does not.
type Controller struct {
	driverID string
	gateway  PresenceGateway
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	state      State
	lastFix    models.Position
	haveFix    bool
	pushFailed bool
}

func NewController(driverID string, gateway PresenceGateway, opts Options, logger *slog.Logger) *Controller {
	if opts.StaleBound <= 0 {
		opts.StaleBound = 30 * time.Second
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 10 * time.Second
	}
	return &Controller{
		driverID: driverID,
		gateway:  gateway,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// State returns the current duty state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Online reports whether the driver is confirmed online.
func (c *Controller) Online() bool { return c.State() == Online }

// LastFix returns the most recent position sample, if any.
func (c *Controller) LastFix() (models.Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFix, c.haveFix
}

// SetWantOnline is the single transition entry point. Only one transition
// may be in flight at a time; a toggle during GoingOnline/GoingOffline is
// rejected until the pending one resolves. Toggling to the current state is
// a no-op.
func (c *Controller) SetWantOnline(ctx context.Context, want bool) error {
	c.mu.Lock()
	switch c.state {
	case GoingOnline, GoingOffline:
		c.mu.Unlock()
		observability.DutyRejectionsTotal.WithLabelValues("in_flight").Inc()
		return ErrTransitionInFlight
	}
	if want == (c.state == Online) {
		c.mu.Unlock()
		return nil
	}
	if want && !(c.haveFix && c.lastFix.Fresh(c.now(), c.opts.StaleBound)) {
		c.mu.Unlock()
		observability.DutyRejectionsTotal.WithLabelValues("no_location").Inc()
		return ErrNoLocation
	}

	pending, confirmed := GoingOnline, Online
	if !want {
		pending, confirmed = GoingOffline, Offline
	}
	revert := c.state
	c.state = pending
	c.mu.Unlock()
	c.committed(pending)

	gctx, cancel := context.WithTimeout(ctx, c.opts.GatewayTimeout)
	defer cancel()
	err := c.gateway.SetDutyStatus(gctx, c.driverID, want)

	c.mu.Lock()
	if err != nil {
		c.state = revert
		c.mu.Unlock()
		c.committed(revert)
		c.logger.Warn("duty transition not confirmed, reverting",
			"want_online", want, "reverted_to", revert.String(), "error", err)
		var rej *RejectedError
		if errors.As(err, &rej) {
			return err
		}
		return fmt.Errorf("confirming duty transition: %w", err)
	}
	c.state = confirmed
	if confirmed == Offline {
		c.pushFailed = false
	}
	c.mu.Unlock()
	c.committed(confirmed)
	c.logger.Info("duty transition confirmed", "state", confirmed.String())
	return nil
}

// HandleSample is the LocationSource callback. Every sample refreshes the
// staleness window; while online it is additionally re-forwarded to the
// gateway. A failed push is logged and retried on the next sample, never
// immediately, so sustained network loss cannot build a retry storm.
func (c *Controller) HandleSample(pos models.Position) {
	c.mu.Lock()
	c.lastFix = pos
	c.haveFix = true
	online := c.state == Online
	wasFailing := c.pushFailed
	c.mu.Unlock()

	if !online {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.GatewayTimeout)
	defer cancel()
	if err := c.gateway.PushLocation(ctx, c.driverID, pos); err != nil {
		observability.TelemetryPushErrors.Inc()
		c.mu.Lock()
		c.pushFailed = true
		c.mu.Unlock()
		c.logger.Warn("telemetry push failed, deferring to next sample", "error", err)
		return
	}
	observability.TelemetryPushesTotal.Inc()
	if wasFailing {
		c.mu.Lock()
		c.pushFailed = false
		c.mu.Unlock()
		c.logger.Info("telemetry push recovered")
	}
}

func (c *Controller) committed(s State) {
	observability.DutyTransitionsTotal.WithLabelValues(s.String()).Inc()
	if c.opts.OnChange != nil {
		c.opts.OnChange(s)
	}
}
