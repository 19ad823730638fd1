package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/driver-agent/internal/models"
)

// FixClient is a Provider backed by a local fix daemon (a gpsd bridge or
// similar) exposing a single /fix endpoint. The accuracy tier is passed as
// a query parameter; the daemon picks the positioning backend.
type FixClient struct {
	Endpoint string
	Client   *http.Client
}

func NewFixClient(endpoint string) *FixClient {
	// No client-level timeout: each request carries its own deadline.
	return &FixClient{Endpoint: endpoint, Client: &http.Client{}}
}

type fixResponse struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	BearingDeg float64   `json:"bearing_deg"`
	CapturedAt time.Time `json:"captured_at"`
}

func (c *FixClient) RequestFix(ctx context.Context, tier models.AccuracyTier, timeout time.Duration) (models.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("%s/fix?accuracy=%s", c.Endpoint, tier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.Position{}, fmt.Errorf("building fix request: %w", err)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.Position{}, fmt.Errorf("%w: %s tier after %s", ErrFixTimeout, tier, timeout)
		}
		return models.Position{}, fmt.Errorf("requesting fix: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		return models.Position{}, ErrPermissionDenied
	case http.StatusServiceUnavailable:
		return models.Position{}, ErrUnavailable
	case http.StatusGatewayTimeout:
		return models.Position{}, fmt.Errorf("%w: daemon reported no fix", ErrFixTimeout)
	default:
		return models.Position{}, fmt.Errorf("fix daemon returned %d", resp.StatusCode)
	}

	var out fixResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Position{}, fmt.Errorf("decoding fix: %w", err)
	}

	captured := out.CapturedAt
	if captured.IsZero() {
		captured = time.Now()
	}
	return models.Position{
		Coord:      models.Coord{Lat: out.Lat, Lon: out.Lon},
		Accuracy:   tier,
		BearingDeg: out.BearingDeg,
		CapturedAt: captured,
	}, nil
}
