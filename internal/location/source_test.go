package location

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

// fakeProvider is a hand-written test double for Provider.
type fakeProvider struct {
	mu    sync.Mutex
	calls []models.AccuracyTier
	fix   func(ctx context.Context, tier models.AccuracyTier, timeout time.Duration) (models.Position, error)
}

func (f *fakeProvider) RequestFix(ctx context.Context, tier models.AccuracyTier, timeout time.Duration) (models.Position, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tier)
	f.mu.Unlock()
	return f.fix(ctx, tier, timeout)
}

func (f *fakeProvider) calledTiers() []models.AccuracyTier {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.AccuracyTier(nil), f.calls...)
}

var _ Provider = (*fakeProvider)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func posAt(lat, lon float64) models.Position {
	return models.Position{
		Coord:      models.Coord{Lat: lat, Lon: lon},
		Accuracy:   models.AccuracyHigh,
		CapturedAt: time.Now(),
	}
}

func TestCurrent_TimeoutFallsBackToLowAccuracy(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		fix: func(_ context.Context, tier models.AccuracyTier, _ time.Duration) (models.Position, error) {
			if tier == models.AccuracyHigh {
				return models.Position{}, ErrFixTimeout
			}
			p := posAt(12.97, 77.59)
			p.Accuracy = models.AccuracyLow
			return p, nil
		},
	}
	src := NewSource(provider, Options{}, testLogger())

	pos, err := src.Current(context.Background())
	require.NoError(t, err, "caller must never observe the first timeout")
	assert.Equal(t, models.AccuracyLow, pos.Accuracy)
	assert.Equal(t, []models.AccuracyTier{models.AccuracyHigh, models.AccuracyLow}, provider.calledTiers())
}

func TestCurrent_LowAccuracyTimeoutSurfaces(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		fix: func(_ context.Context, _ models.AccuracyTier, _ time.Duration) (models.Position, error) {
			return models.Position{}, ErrFixTimeout
		},
	}
	src := NewSource(provider, Options{}, testLogger())

	_, err := src.Current(context.Background())
	require.ErrorIs(t, err, ErrFixTimeout)
	// One fallback per request, never more.
	assert.Len(t, provider.calledTiers(), 2)
}

func TestCurrent_PermissionDeniedSkipsFallback(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		fix: func(_ context.Context, _ models.AccuracyTier, _ time.Duration) (models.Position, error) {
			return models.Position{}, ErrPermissionDenied
		},
	}
	src := NewSource(provider, Options{}, testLogger())

	_, err := src.Current(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, []models.AccuracyTier{models.AccuracyHigh}, provider.calledTiers())
}

func TestCurrent_HardwareUnavailableSkipsFallback(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		fix: func(_ context.Context, _ models.AccuracyTier, _ time.Duration) (models.Position, error) {
			return models.Position{}, ErrUnavailable
		},
	}
	src := NewSource(provider, Options{}, testLogger())

	_, err := src.Current(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, []models.AccuracyTier{models.AccuracyHigh}, provider.calledTiers())
}

func TestStartTracking_DistanceFilterSuppressesJitter(t *testing.T) {
	t.Parallel()

	// ~1.1m apart, then ~111m apart.
	script := []models.Position{
		posAt(0, 0),
		posAt(0.00001, 0),
		posAt(0.001, 0),
	}
	var idx int
	var mu sync.Mutex
	provider := &fakeProvider{
		fix: func(_ context.Context, _ models.AccuracyTier, _ time.Duration) (models.Position, error) {
			mu.Lock()
			defer mu.Unlock()
			p := script[idx]
			if idx < len(script)-1 {
				idx++
			}
			return p, nil
		},
	}
	src := NewSource(provider, Options{MinInterval: time.Millisecond, MinDistanceM: 25}, testLogger())

	var got []models.Position
	done := make(chan struct{})
	w := src.StartTracking(context.Background(), func(p models.Position) {
		got = append(got, p)
		if len(got) == 2 {
			close(done)
		}
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for samples")
	}
	w.Stop()

	require.Len(t, got, 2)
	assert.Equal(t, 0.0, got[0].Coord.Lat)
	assert.Equal(t, 0.001, got[1].Coord.Lat, "the jitter sample must be filtered out")
	assert.InDelta(t, 0, got[1].BearingDeg, 0.1, "northbound movement")
}

func TestStartTracking_PermissionDenialIsTerminal(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		fix: func(_ context.Context, _ models.AccuracyTier, _ time.Duration) (models.Position, error) {
			return models.Position{}, ErrPermissionDenied
		},
	}
	src := NewSource(provider, Options{MinInterval: time.Millisecond}, testLogger())

	w := src.StartTracking(context.Background(), func(models.Position) {
		t.Error("no sample expected")
	})

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop on permission denial")
	}
	assert.ErrorIs(t, w.Err(), ErrPermissionDenied)
}

func TestStartTracking_StopCancelsOutstandingRequest(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	var once sync.Once
	provider := &fakeProvider{
		fix: func(ctx context.Context, _ models.AccuracyTier, _ time.Duration) (models.Position, error) {
			once.Do(func() { close(started) })
			<-ctx.Done() // block until the watch cancels us
			return models.Position{}, ctx.Err()
		},
	}
	src := NewSource(provider, Options{MinInterval: time.Millisecond}, testLogger())

	w := src.StartTracking(context.Background(), func(models.Position) {
		t.Error("no sample expected")
	})
	<-started

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the in-flight request")
	}
	assert.NoError(t, w.Err())
}

func TestCurrent_WrappedTimeoutStillFallsBack(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		fix: func(_ context.Context, tier models.AccuracyTier, timeout time.Duration) (models.Position, error) {
			if tier == models.AccuracyHigh {
				return models.Position{}, errors.Join(ErrFixTimeout, errors.New("after 15s"))
			}
			return posAt(1, 1), nil
		},
	}
	src := NewSource(provider, Options{}, testLogger())

	_, err := src.Current(context.Background())
	require.NoError(t, err)
}
