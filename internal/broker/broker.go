// Package broker talks to an Alpaca-style brokerage REST API.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrExternalSystem wraps every failure talking to the broker.
var ErrExternalSystem = errors.New("external system error")

// Order is the subset of the broker's order payload reconciliation needs.
type Order struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Qty            string `json:"qty"`
	FilledQty      string `json:"filled_qty"`
	Status         string `json:"status"`
	SubmittedAt    string `json:"submitted_at"`
	FilledAvgPrice string `json:"filled_avg_price,omitempty"`
}

type Client struct {
	BaseURL    string
	KeyID      string
	SecretKey  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewClient(baseURL, keyID, secretKey string) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		KeyID:     keyID,
		SecretKey: secretKey,
		Timeout:   15 * time.Second,
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

// GetOrders lists orders filtered by status ("open", "closed" or "all").
func (c *Client) GetOrders(ctx context.Context, status string, limit int) ([]Order, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	q.Set("direction", "desc")
	var out []Order
	if err := c.do(ctx, http.MethodGet, "/v2/orders?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: broker base url is not configured", ErrExternalSystem)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.KeyID != "" {
		req.Header.Set("APCA-API-KEY-ID", c.KeyID)
	}
	if c.SecretKey != "" {
		req.Header.Set("APCA-API-SECRET-KEY", c.SecretKey)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExternalSystem, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrExternalSystem, err)
	}
	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrExternalSystem, err)
	}
	return nil
}

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("broker returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("broker returned status %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Is(target error) bool { return target == ErrExternalSystem }
