package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/driver-agent/internal/duty"
	"github.com/example/driver-agent/internal/models"
)

// LocationPublisher is the telemetry side-channel for position pushes.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, driverID string, pos models.Position) error
}

// PresenceClient implements duty.PresenceGateway against the platform's
// presence API. When a Telemetry publisher is configured, location pushes
// go through it instead of HTTP.
type PresenceClient struct {
	BaseURL   string
	Client    *http.Client
	Telemetry LocationPublisher
}

func NewPresenceClient(baseURL string) *PresenceClient {
	return &PresenceClient{BaseURL: baseURL, Client: &http.Client{Timeout: 10 * time.Second}}
}

type statusRequest struct {
	Online bool `json:"online"`
}

type statusResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

func (c *PresenceClient) SetDutyStatus(ctx context.Context, driverID string, wantOnline bool) error {
	url := fmt.Sprintf("%s/api/v1/drivers/%s/status", c.BaseURL, driverID)
	var out statusResponse
	if err := c.postJSON(ctx, url, statusRequest{Online: wantOnline}, &out); err != nil {
		return err
	}
	if !out.OK {
		return &duty.RejectedError{Reason: out.Reason}
	}
	return nil
}

type locationRequest struct {
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	BearingDeg float64 `json:"bearing_deg"`
}

func (c *PresenceClient) PushLocation(ctx context.Context, driverID string, pos models.Position) error {
	if c.Telemetry != nil {
		return c.Telemetry.PublishLocation(ctx, driverID, pos)
	}
	url := fmt.Sprintf("%s/api/v1/drivers/%s/location", c.BaseURL, driverID)
	return c.postJSON(ctx, url, locationRequest{
		Lat:        pos.Coord.Lat,
		Lon:        pos.Coord.Lon,
		BearingDeg: pos.BearingDeg,
	}, nil)
}

func (c *PresenceClient) postJSON(ctx context.Context, url string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("calling presence gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("presence gateway returned %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
