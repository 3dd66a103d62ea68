// Package notify предоставляет клиент вебхука биллинга для уведомлений о закрытых циклах.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с вебхуком биллинга.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// CycleClosedEvent описывает уведомление о завершении расчётного цикла.
type CycleClosedEvent struct {
	CycleID      int64   `json:"cycle_id"`
	CustomerID   int64   `json:"customer_id"`
	TiffinsTaken int     `json:"tiffins_taken"`
	Amount       float64 `json:"amount"`
	StartDate    string  `json:"start_date"`
	EndDate      string  `json:"end_date"`
}

// NewClient создаёт HTTP-клиент для отправки уведомлений по указанному адресу.
// Временные ошибки, 429 и 5xx повторяются клиентом с учётом Retry-After.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// SendCycleClosed отправляет событие о завершении цикла на вебхук биллинга.
func (c *Client) SendCycleClosed(ctx context.Context, event CycleClosedEvent) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("notify client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := base + "/api/cycles/closed"

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return nil
}
