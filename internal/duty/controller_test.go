package duty

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/driver-agent/internal/models"
)

// fakeGateway is a hand-written test double for PresenceGateway.
type fakeGateway struct {
	mu            sync.Mutex
	statusCalls   []bool
	pushCalls     int
	setDutyStatus func(ctx context.Context, driverID string, wantOnline bool) error
	pushLocation  func(ctx context.Context, driverID string, pos models.Position) error
}

func (f *fakeGateway) SetDutyStatus(ctx context.Context, driverID string, wantOnline bool) error {
	f.mu.Lock()
	f.statusCalls = append(f.statusCalls, wantOnline)
	f.mu.Unlock()
	if f.setDutyStatus != nil {
		return f.setDutyStatus(ctx, driverID, wantOnline)
	}
	return nil
}

func (f *fakeGateway) PushLocation(ctx context.Context, driverID string, pos models.Position) error {
	f.mu.Lock()
	f.pushCalls++
	f.mu.Unlock()
	if f.pushLocation != nil {
		return f.pushLocation(ctx, driverID, pos)
	}
	return nil
}

func (f *fakeGateway) statusCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statusCalls)
}

func (f *fakeGateway) pushCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushCalls
}

var _ PresenceGateway = (*fakeGateway)(nil)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func freshFix() models.Position {
	return models.Position{
		Coord:      models.Coord{Lat: 12.97, Lon: 77.59},
		Accuracy:   models.AccuracyHigh,
		CapturedAt: time.Now(),
	}
}

// stateRecorder collects OnChange notifications.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) seen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestSetWantOnline_RejectedWithoutFix(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	c := NewController("driver-1", gw, Options{}, testLogger())

	err := c.SetWantOnline(context.Background(), true)
	require.ErrorIs(t, err, ErrNoLocation)
	assert.Equal(t, Offline, c.State())
	assert.Zero(t, gw.statusCallCount(), "gateway must not see a toggle without a fix")
}

func TestSetWantOnline_RejectedWithStaleFix(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	c := NewController("driver-1", gw, Options{StaleBound: 30 * time.Second}, testLogger())

	old := freshFix()
	old.CapturedAt = time.Now().Add(-time.Minute)
	c.HandleSample(old)

	err := c.SetWantOnline(context.Background(), true)
	require.ErrorIs(t, err, ErrNoLocation)
	assert.Equal(t, Offline, c.State())
}

func TestSetWantOnline_ConfirmedByGateway(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	rec := &stateRecorder{}
	c := NewController("driver-1", gw, Options{OnChange: rec.record}, testLogger())
	c.HandleSample(freshFix())

	require.NoError(t, c.SetWantOnline(context.Background(), true))
	assert.Equal(t, Online, c.State())
	assert.Equal(t, []State{GoingOnline, Online}, rec.seen(),
		"UI must always render confirmed-or-pending, never a guess")
}

func TestSetWantOnline_GatewayRejectionReverts(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{
		setDutyStatus: func(context.Context, string, bool) error {
			return &RejectedError{Reason: "documents expired"}
		},
	}
	rec := &stateRecorder{}
	c := NewController("driver-1", gw, Options{OnChange: rec.record}, testLogger())
	c.HandleSample(freshFix())

	err := c.SetWantOnline(context.Background(), true)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, Offline, c.State())
	assert.Equal(t, []State{GoingOnline, Offline}, rec.seen())
}

func TestSetWantOnline_NetworkFailureReverts(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{
		setDutyStatus: func(context.Context, string, bool) error {
			return errors.New("connection reset")
		},
	}
	c := NewController("driver-1", gw, Options{}, testLogger())
	c.HandleSample(freshFix())

	require.Error(t, c.SetWantOnline(context.Background(), true))
	assert.Equal(t, Offline, c.State())
}

func TestSetWantOnline_SecondToggleRejectedWhileInFlight(t *testing.T) {
	t.Parallel()

	inGateway := make(chan struct{})
	release := make(chan struct{})
	gw := &fakeGateway{
		setDutyStatus: func(context.Context, string, bool) error {
			close(inGateway)
			<-release
			return nil
		},
	}
	c := NewController("driver-1", gw, Options{}, testLogger())
	c.HandleSample(freshFix())

	firstDone := make(chan error, 1)
	go func() { firstDone <- c.SetWantOnline(context.Background(), true) }()
	<-inGateway

	err := c.SetWantOnline(context.Background(), true)
	assert.ErrorIs(t, err, ErrTransitionInFlight)
	err = c.SetWantOnline(context.Background(), false)
	assert.ErrorIs(t, err, ErrTransitionInFlight)

	close(release)
	require.NoError(t, <-firstDone)
	assert.Equal(t, Online, c.State())
	assert.Equal(t, 1, gw.statusCallCount(), "only one transition may reach the gateway")
}

func TestSetWantOnline_ToggleToCurrentStateIsNoop(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	c := NewController("driver-1", gw, Options{}, testLogger())

	require.NoError(t, c.SetWantOnline(context.Background(), false))
	assert.Zero(t, gw.statusCallCount())
}

func TestSetWantOffline_Symmetric(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	c := NewController("driver-1", gw, Options{}, testLogger())
	c.HandleSample(freshFix())
	require.NoError(t, c.SetWantOnline(context.Background(), true))

	require.NoError(t, c.SetWantOnline(context.Background(), false))
	assert.Equal(t, Offline, c.State())
}

func TestSetWantOffline_FailureRevertsToOnline(t *testing.T) {
	t.Parallel()

	var fail bool
	gw := &fakeGateway{
		setDutyStatus: func(context.Context, string, bool) error {
			if fail {
				return errors.New("gateway timeout")
			}
			return nil
		},
	}
	c := NewController("driver-1", gw, Options{}, testLogger())
	c.HandleSample(freshFix())
	require.NoError(t, c.SetWantOnline(context.Background(), true))

	fail = true
	require.Error(t, c.SetWantOnline(context.Background(), false))
	assert.Equal(t, Online, c.State())
}

func TestHandleSample_ForwardsTelemetryOnlyWhileOnline(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	c := NewController("driver-1", gw, Options{}, testLogger())

	c.HandleSample(freshFix())
	assert.Zero(t, gw.pushCallCount(), "offline samples stay local")

	require.NoError(t, c.SetWantOnline(context.Background(), true))
	c.HandleSample(freshFix())
	assert.Equal(t, 1, gw.pushCallCount())
}

func TestHandleSample_PushFailureRetriesOnNextSampleOnly(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{
		pushLocation: func(context.Context, string, models.Position) error {
			return errors.New("no route to host")
		},
	}
	c := NewController("driver-1", gw, Options{}, testLogger())
	c.HandleSample(freshFix())
	require.NoError(t, c.SetWantOnline(context.Background(), true))

	c.HandleSample(freshFix())
	assert.Equal(t, 1, gw.pushCallCount(), "no immediate retry after a failed push")

	c.HandleSample(freshFix())
	assert.Equal(t, 2, gw.pushCallCount(), "next sample carries the retry")
}
