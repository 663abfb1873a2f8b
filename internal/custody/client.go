package custody

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

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidClientConfig = errors.New("custody: invalid client config")
	ErrProviderStatus      = errors.New("custody: provider status")
)

// Transaction is one entry from the provider's per-account transaction list.
type Transaction struct {
	Ref            string
	AccountID      string
	CounterAccount string
	Operation      string
	Asset          string
	Amount         decimal.Decimal
}

// IsIncomingPayment reports whether the transaction is a deposit into the
// account rather than an internal move or an outgoing payment.
func (t Transaction) IsIncomingPayment() bool {
	return strings.EqualFold(t.Operation, "PAYMENT") && t.CounterAccount != t.AccountID
}

// Provider lists recent transactions for a derived custody account. It is
// the narrow seam behind which any concrete custody vendor sits.
type Provider interface {
	ListAccountTransactions(ctx context.Context, accountID string, limit int) ([]Transaction, error)
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

// Client talks to the custody provider's ledger API.
type Client struct {
	baseURL      *url.URL
	apiKey       string
	hc           *http.Client
	maxRespBytes int64
}

func NewClient(baseURL, apiKey string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: missing api key", ErrInvalidClientConfig)
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
		apiKey:       apiKey,
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

type providerTx struct {
	Ref              string `json:"reference"`
	AccountID        string `json:"accountId"`
	CounterAccountID string `json:"counterAccountId"`
	Operation        string `json:"operation"`
	Currency         string `json:"currency"`
	Amount           string `json:"amount"`
}

func (c *Client) ListAccountTransactions(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return nil, fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("%w: empty account id", ErrInvalidClientConfig)
	}
	if limit <= 0 {
		limit = 10
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, "/v3/ledger/account/"+url.PathEscape(accountID)+"/transactions")
	q := u.Query()
	q.Set("pageSize", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("custody: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("custody: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("%w %d: %s", ErrProviderStatus, resp.StatusCode, msg)
	}

	var raw []providerTx
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("custody: decode response: %w", err)
	}

	out := make([]Transaction, 0, len(raw))
	for i, tx := range raw {
		amount, err := decimal.NewFromString(strings.TrimSpace(tx.Amount))
		if err != nil {
			return nil, fmt.Errorf("custody: parse amount of tx %d: %w", i, err)
		}
		out = append(out, Transaction{
			Ref:            strings.TrimSpace(tx.Ref),
			AccountID:      strings.TrimSpace(tx.AccountID),
			CounterAccount: strings.TrimSpace(tx.CounterAccountID),
			Operation:      strings.TrimSpace(tx.Operation),
			Asset:          strings.ToUpper(strings.TrimSpace(tx.Currency)),
			Amount:         amount,
		})
	}
	return out, nil
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
		return nil, fmt.Errorf("custody: read response: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("custody: response exceeds %d bytes", maxBytes)
	}
	return body, nil
}

var _ Provider = (*Client)(nil)
