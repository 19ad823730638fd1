package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DispatchClient implements offer.DispatchGateway against the platform's
// dispatch API. Accept requires server confirmation; Reject is best-effort
// and callers only log its failures.
type DispatchClient struct {
	BaseURL string
	Client  *http.Client
}

func NewDispatchClient(baseURL string) *DispatchClient {
	return &DispatchClient{BaseURL: baseURL, Client: &http.Client{Timeout: 10 * time.Second}}
}

type decisionRequest struct {
	DriverID string `json:"driver_id"`
}

type decisionResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

func (c *DispatchClient) Accept(ctx context.Context, driverID, offerID string) error {
	out, err := c.decide(ctx, driverID, offerID, "accept")
	if err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("dispatch refused accept: %s", out.Reason)
	}
	return nil
}

func (c *DispatchClient) Reject(ctx context.Context, driverID, offerID string) error {
	_, err := c.decide(ctx, driverID, offerID, "reject")
	return err
}

func (c *DispatchClient) decide(ctx context.Context, driverID, offerID, verb string) (decisionResponse, error) {
	var out decisionResponse
	url := fmt.Sprintf("%s/api/v1/offers/%s/%s", c.BaseURL, offerID, verb)

	b, err := json.Marshal(decisionRequest{DriverID: driverID})
	if err != nil {
		return out, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return out, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return out, fmt.Errorf("calling dispatch gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, fmt.Errorf("dispatch gateway returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decoding response: %w", err)
	}
	return out, nil
}
