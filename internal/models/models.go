package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// AccuracyTier describes which positioning backend produced a fix.
type AccuracyTier string

const (
	AccuracyHigh AccuracyTier = "high" // GPS-grade fix
	AccuracyLow  AccuracyTier = "low"  // network / cell-tower fix
)

// Position is a single immutable location sample. Later samples supersede
// earlier ones; a Position is never mutated in place.
type Position struct {
	Coord      Coord        `json:"coord"`
	Accuracy   AccuracyTier `json:"accuracy"`
	BearingDeg float64      `json:"bearing_deg"`
	CapturedAt time.Time    `json:"captured_at"`
}

// Age reports how long ago the sample was captured.
func (p Position) Age(now time.Time) time.Duration {
	return now.Sub(p.CapturedAt)
}

// Fresh reports whether the sample is within the staleness bound.
func (p Position) Fresh(now time.Time, bound time.Duration) bool {
	return !p.CapturedAt.IsZero() && p.Age(now) <= bound
}

// Waypoint is a geographic point with a human-readable address.
type Waypoint struct {
	Coord   Coord  `json:"coord"`
	Address string `json:"address"`
}

// RideOffer is a proposed trip pushed to a specific online driver. The
// deadline is absolute; the offer is dead once it passes.
type RideOffer struct {
	OfferID          string    `json:"offer_id"`
	Pickup           Waypoint  `json:"pickup"`
	Dropoff          Waypoint  `json:"dropoff"`
	DistanceKm       float64   `json:"distance_km"`
	EarningsEstimate float64   `json:"earnings_estimate"`
	CustomerRating   float64   `json:"customer_rating"` // 0..5
	Deadline         time.Time `json:"deadline"`
}

// OfferOutcome is the terminal result of a ride offer. Exactly one outcome
// is ever recorded per offer.
type OfferOutcome string

const (
	OfferAccepted OfferOutcome = "accepted"
	OfferRejected OfferOutcome = "rejected"
	OfferExpired  OfferOutcome = "expired"
)

// DeliveryStatus marks how far an outgoing message has progressed.
type DeliveryStatus string

const (
	DeliverySent DeliveryStatus = "sent"
)

// ConversationMessage is one immutable entry in a two-party message log.
// ServerTS is the ordering key; LocalTS is the tie-break and the fallback
// when the server never stamped the message.
type ConversationMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	ReceiverID     string         `json:"receiver_id"`
	Text           string         `json:"text"`
	ServerTS       time.Time      `json:"server_ts"`
	LocalTS        time.Time      `json:"local_ts"`
	Status         DeliveryStatus `json:"status"`
}

// OrderKey returns the timestamp the message sorts by: the server stamp
// when the server assigned one, the sender's local clock otherwise.
func (m ConversationMessage) OrderKey() time.Time {
	if !m.ServerTS.IsZero() {
		return m.ServerTS
	}
	return m.LocalTS
}
