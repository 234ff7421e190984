package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/starbridge/api/internal/domain"
)

const defaultHTTPTimeout = 30 * time.Second

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// FragmentClientConfig configures the Fragment bridge client.
type FragmentClientConfig struct {
	BaseURL   string
	AuthToken string
	// HTTPClient overrides the transport, primarily for tests.
	HTTPClient httpDoer
}

// FragmentClient implements Provider against the Fragment bridge HTTP API,
// the facade that holds the star balance and executes transfers.
type FragmentClient struct {
	baseURL string
	token   string
	http    httpDoer
}

// NewFragmentClient constructs a client for the bridge at cfg.BaseURL.
func NewFragmentClient(cfg FragmentClientConfig) (*FragmentClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("fragment client: base url is required")
	}

	doer := cfg.HTTPClient
	if doer == nil {
		doer = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &FragmentClient{
		baseURL: base,
		token:   strings.TrimSpace(cfg.AuthToken),
		http:    doer,
	}, nil
}

// GetBalance implements Provider.
func (c *FragmentClient) GetBalance(ctx context.Context) (domain.Balance, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/balance", nil)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("fragment client: build request: %w", err)
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("fragment client: balance: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode >= 400 {
		return domain.Balance{}, fmt.Errorf("fragment client: balance: status %d", resp.StatusCode)
	}

	var payload struct {
		Balance        int `json:"balance"`
		DailyLimitLeft int `json:"daily_limit_left"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.Balance{}, fmt.Errorf("fragment client: decode balance: %w", err)
	}
	return domain.Balance{Stars: payload.Balance, DailyLimitLeft: payload.DailyLimitLeft}, nil
}

// Transfer implements Provider. The bridge answers failed transfers with an
// error envelope and HTTP 200/409/429; those become not-OK results rather
// than errors so the engine can classify them for retries.
func (c *FragmentClient) Transfer(ctx context.Context, recipient string, amount int, idempotencyKey string) (domain.TransferResult, error) {
	body, err := json.Marshal(map[string]any{
		"recipient":       recipient,
		"amount":          amount,
		"idempotency_key": idempotencyKey,
	})
	if err != nil {
		return domain.TransferResult{}, fmt.Errorf("fragment client: marshal transfer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return domain.TransferResult{}, fmt.Errorf("fragment client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.TransferResult{}, fmt.Errorf("fragment client: transfer: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode >= 500 {
		return domain.TransferResult{}, fmt.Errorf("fragment client: transfer: status %d", resp.StatusCode)
	}

	var payload struct {
		OK           bool   `json:"ok"`
		TransferID   string `json:"transfer_id"`
		ErrorCode    string `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.TransferResult{}, fmt.Errorf("fragment client: decode transfer: %w", err)
	}
	return domain.TransferResult{
		OK:           payload.OK,
		TransferID:   payload.TransferID,
		ErrorCode:    payload.ErrorCode,
		ErrorMessage: payload.ErrorMessage,
	}, nil
}

func (c *FragmentClient) decorate(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
