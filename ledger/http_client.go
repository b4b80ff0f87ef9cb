package ledger

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
)

type HTTPClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type httpClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPClient(cfg HTTPClientConfig) (Client, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, errors.New("invalid ledger client configuration: base URL and API key are required")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("invalid ledger client configuration: timeout must be positive")
	}

	return &httpClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type settleRequest struct {
	IdempotencyKey string   `json:"idempotency_key"`
	Payouts        []Payout `json:"payouts"`
}

type settleResponse struct {
	Reference string `json:"reference"`
}

type queryResponse struct {
	Reference string `json:"reference"`
	Settled   bool   `json:"settled"`
}

func (c *httpClient) Settle(ctx context.Context, idempotencyKey string, payouts []Payout) (string, error) {
	body, err := json.Marshal(settleRequest{
		IdempotencyKey: idempotencyKey,
		Payouts:        payouts,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode settle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/settlements", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build settle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		// Запрос мог дойти до леджера до обрыва — исход неизвестен.
		return "", fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out settleResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&out); decodeErr != nil || out.Reference == "" {
			// Леджер принял вызов, но ссылку мы не получили.
			return "", fmt.Errorf("%w: malformed success response", ErrOutcomeUnknown)
		}
		return out.Reference, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", &APIError{StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	default:
		// 5xx: леджер мог успеть провести расчёт до своей ошибки.
		return "", fmt.Errorf("%w: ledger responded with status %d", ErrOutcomeUnknown, resp.StatusCode)
	}
}

func (c *httpClient) QueryByIdempotencyKey(ctx context.Context, idempotencyKey string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/settlements/"+idempotencyKey, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to build query request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("failed to query ledger by idempotency key: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Ключ леджеру не известен: расчёт не проводился.
		return "", false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out queryResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&out); decodeErr != nil {
			return "", false, fmt.Errorf("failed to decode ledger query response: %w", decodeErr)
		}
		return out.Reference, out.Settled, nil
	default:
		return "", false, fmt.Errorf("ledger query failed with status %d: %s", resp.StatusCode, readErrorMessage(resp.Body))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return "no error details"
	}
	var out errorResponse
	if json.Unmarshal(raw, &out) == nil && out.Error != "" {
		return out.Error
	}
	return string(bytes.TrimSpace(raw))
}
