package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidClientConfig = errors.New("bridge: invalid client config")
	ErrProviderStatus      = errors.New("bridge: provider status")
)

// Submission is a cross-chain withdrawal handed to the bridge provider.
type Submission struct {
	Asset       string
	Amount      decimal.Decimal
	Destination string // address on the destination chain, provider-validated

	// IdempotencyKey deduplicates provider-side retries of the same
	// withdrawal.
	IdempotencyKey string
}

// Receipt is the provider's acknowledgement. A submission without a
// transaction hash is a failed submission.
type Receipt struct {
	TxHash string
	Status string
}

// Provider submits withdrawals to the external bridge.
type Provider interface {
	Submit(ctx context.Context, sub Submission) (Receipt, error)
}

type ClientOption func(*Client) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidClientConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidClientConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// Client talks to the bridge provider's transfer API.
type Client struct {
	baseURL      *url.URL
	token        string
	hc           *http.Client
	maxRespBytes int64
}

func NewClient(baseURL, token string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: missing api token", ErrInvalidClientConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidClientConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidClientConfig)
	}

	c := &Client{
		baseURL:      u,
		token:        token,
		hc:           &http.Client{Timeout: 30 * time.Second},
		maxRespBytes: 1 << 20, // 1 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

type submitRequest struct {
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Destination string `json:"destination"`
}

type submitResponse struct {
	TxHash string `json:"txHash"`
	Status string `json:"status"`
}

func (c *Client) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return Receipt{}, fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}
	if strings.TrimSpace(sub.Asset) == "" || strings.TrimSpace(sub.Destination) == "" {
		return Receipt{}, fmt.Errorf("%w: missing asset or destination", ErrInvalidClientConfig)
	}
	if sub.Amount.Sign() <= 0 {
		return Receipt{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidClientConfig)
	}

	payload, err := json.Marshal(submitRequest{
		Asset:       sub.Asset,
		Amount:      sub.Amount.String(),
		Destination: sub.Destination,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("bridge: marshal submission: %w", err)
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, "/v1/transfers")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, fmt.Errorf("bridge: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if sub.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", sub.IdempotencyKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("bridge: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return Receipt{}, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return Receipt{}, fmt.Errorf("%w %d: %s", ErrProviderStatus, resp.StatusCode, msg)
	}

	var raw submitResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return Receipt{}, fmt.Errorf("bridge: decode response: %w", err)
	}
	return Receipt{
		TxHash: strings.TrimSpace(raw.TxHash),
		Status: strings.TrimSpace(raw.Status),
	}, nil
}

func joinPath(base, p string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return base + p
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("bridge: read response: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("bridge: response exceeds %d bytes", maxBytes)
	}
	return body, nil
}

var _ Provider = (*Client)(nil)
