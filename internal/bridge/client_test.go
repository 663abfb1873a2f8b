package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestClientSubmit(t *testing.T) {
	t.Parallel()

	var gotAuth, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/transfers" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")

		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Asset != "BTC" || req.Amount != "49" || req.Destination != "bc1qdest" {
			t.Errorf("unexpected request body: %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(submitResponse{TxHash: "0xabc", Status: "DONE"})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "token-1")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	rcpt, err := c.Submit(context.Background(), Submission{
		Asset:          "BTC",
		Amount:         decimal.RequireFromString("49"),
		Destination:    "bc1qdest",
		IdempotencyKey: "wd-1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rcpt.TxHash != "0xabc" || rcpt.Status != "DONE" {
		t.Fatalf("receipt = %+v", rcpt)
	}
	if gotAuth != "Bearer token-1" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotKey != "wd-1" {
		t.Fatalf("idempotency header = %q", gotKey)
	}
}

func TestClientSubmitProviderError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "insufficient liquidity", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "token-1")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = c.Submit(context.Background(), Submission{
		Asset:       "BTC",
		Amount:      decimal.RequireFromString("1"),
		Destination: "bc1qdest",
	})
	if !errors.Is(err, ErrProviderStatus) {
		t.Fatalf("err = %v, want ErrProviderStatus", err)
	}
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		baseURL string
		token   string
	}{
		{name: "empty url", baseURL: "", token: "t"},
		{name: "empty token", baseURL: "https://bridge.example", token: ""},
		{name: "bad scheme", baseURL: "ftp://bridge.example", token: "t"},
		{name: "no host", baseURL: "https://", token: "t"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewClient(tc.baseURL, tc.token); !errors.Is(err, ErrInvalidClientConfig) {
				t.Fatalf("err = %v, want ErrInvalidClientConfig", err)
			}
		})
	}
}
