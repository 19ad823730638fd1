package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/driver-agent/internal/models"
)

// OfferStream consumes ride offers pushed over the dispatch WebSocket.
// The connection is re-dialed with capped exponential backoff; a connect
// resets the backoff.
type OfferStream struct {
	URL    string
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func NewOfferStream(url string, logger *slog.Logger) *OfferStream {
	return &OfferStream{URL: url, Dialer: websocket.DefaultDialer, Logger: logger}
}

type offerEnvelope struct {
	Type  string   `json:"type"`
	Offer offerDTO `json:"offer"`
}

type offerDTO struct {
	OfferID          string    `json:"offer_id"`
	PickupLat        float64   `json:"pickup_lat"`
	PickupLon        float64   `json:"pickup_lon"`
	PickupAddress    string    `json:"pickup_address"`
	DropoffLat       float64   `json:"dropoff_lat"`
	DropoffLon       float64   `json:"dropoff_lon"`
	DropoffAddress   string    `json:"dropoff_address"`
	DistanceKm       float64   `json:"distance_km"`
	EarningsEstimate float64   `json:"earnings_estimate"`
	CustomerRating   float64   `json:"customer_rating"`
	Deadline         time.Time `json:"deadline"`
}

func (d offerDTO) toModel() models.RideOffer {
	return models.RideOffer{
		OfferID:          d.OfferID,
		Pickup:           models.Waypoint{Coord: models.Coord{Lat: d.PickupLat, Lon: d.PickupLon}, Address: d.PickupAddress},
		Dropoff:          models.Waypoint{Coord: models.Coord{Lat: d.DropoffLat, Lon: d.DropoffLon}, Address: d.DropoffAddress},
		DistanceKm:       d.DistanceKm,
		EarningsEstimate: d.EarningsEstimate,
		CustomerRating:   d.CustomerRating,
		Deadline:         d.Deadline,
	}
}

// Run blocks until ctx is cancelled, invoking handle for every pushed
// offer. handle decides admission; refusals are its concern, not the
// stream's.
func (s *OfferStream) Run(ctx context.Context, handle func(models.RideOffer)) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for ctx.Err() == nil {
		conn, _, err := s.Dialer.DialContext(ctx, s.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Logger.Warn("dispatch stream dial failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		s.Logger.Info("dispatch stream connected", "url", s.URL)
		backoff = time.Second

		s.readLoop(ctx, conn, handle)
		_ = conn.Close()
	}
}

func (s *OfferStream) readLoop(ctx context.Context, conn *websocket.Conn, handle func(models.RideOffer)) {
	// Unblock ReadJSON when the context ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var env offerEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() == nil && !errors.Is(err, websocket.ErrCloseSent) {
				s.Logger.Warn("dispatch stream read failed, reconnecting", "error", err)
			}
			return
		}
		if env.Type != "ride_offer" {
			continue
		}
		handle(env.Offer.toModel())
	}
}
