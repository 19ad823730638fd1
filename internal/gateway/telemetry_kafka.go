package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/driver-agent/internal/models"
)

// KafkaTelemetry publishes position samples to the platform's location
// ingest topic, keyed by driver so per-driver ordering is preserved.
type KafkaTelemetry struct {
	writer *kafka.Writer
}

func NewKafkaTelemetry(brokers []string, topic string) *KafkaTelemetry {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaTelemetry{writer: w}
}

type locationRecord struct {
	DriverID   string    `json:"driver_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	BearingDeg float64   `json:"bearing_deg"`
	Accuracy   string    `json:"accuracy"`
	CapturedAt time.Time `json:"captured_at"`
}

func (k *KafkaTelemetry) PublishLocation(ctx context.Context, driverID string, pos models.Position) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(locationRecord{
		DriverID:   driverID,
		Lat:        pos.Coord.Lat,
		Lon:        pos.Coord.Lon,
		BearingDeg: pos.BearingDeg,
		Accuracy:   string(pos.Accuracy),
		CapturedAt: pos.CapturedAt,
	})
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(driverID), Value: b})
}

func (k *KafkaTelemetry) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
