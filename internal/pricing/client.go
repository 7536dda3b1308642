package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Domenick1991/airmap/config"
	"github.com/Domenick1991/airmap/internal/domain"
)

// MaxDestinationsPerRequest is the backend's batch limit per call.
const MaxDestinationsPerRequest = 50

// Client talks to the flight pricing backend. One call covers one chunk of
// destinations for a fixed origin set.
type Client struct {
	baseURL    string
	currency   string
	adults     int
	httpClient *http.Client
}

type priceRequest struct {
	Origins      []string `json:"origins"`
	Destinations []string `json:"destinations"`
	Adults       int      `json:"adults"`
	Currency     string   `json:"currency"`
}

type priceResponse struct {
	Success bool                           `json:"success"`
	Prices  map[string]*domain.PriceRecord `json:"prices"`
	Error   string                         `json:"error"`
}

func NewClient(cfg config.PricingConfig) *Client {
	currency := cfg.Currency
	if currency == "" {
		currency = "EUR"
	}
	adults := cfg.Adults
	if adults == 0 {
		adults = 1
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		currency:   currency,
		adults:     adults,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FetchPrices returns the backend's price-or-nil verdict per destination.
// A destination missing from the result was silently omitted by the backend;
// the caller decides how to record it. Cancellation of ctx aborts the call.
func (c *Client) FetchPrices(ctx context.Context, origins, destinations []string) (map[string]*domain.PriceRecord, error) {
	if len(destinations) > MaxDestinationsPerRequest {
		return nil, fmt.Errorf("too many destinations in one request: %d > %d", len(destinations), MaxDestinationsPerRequest)
	}

	payload, err := json.Marshal(priceRequest{
		Origins:      origins,
		Destinations: destinations,
		Adults:       c.adults,
		Currency:     c.currency,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prices", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pricing backend error (%d): %s", resp.StatusCode, string(body))
	}

	var result priceResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse pricing response: %w", err)
	}
	if !result.Success {
		if result.Error != "" {
			return nil, fmt.Errorf("pricing backend rejected request: %s", result.Error)
		}
		return nil, fmt.Errorf("pricing backend rejected request")
	}
	return result.Prices, nil
}
