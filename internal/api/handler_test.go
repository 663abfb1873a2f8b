package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/walletmesh/custody-ledger/internal/bridge"
	"github.com/walletmesh/custody-ledger/internal/custody"
	"github.com/walletmesh/custody-ledger/internal/derive"
	"github.com/walletmesh/custody-ledger/internal/fees"
	"github.com/walletmesh/custody-ledger/internal/ledger"
	"github.com/walletmesh/custody-ledger/internal/owners"
	"github.com/walletmesh/custody-ledger/internal/reconciler"
	"github.com/walletmesh/custody-ledger/internal/scheduler"
	"github.com/walletmesh/custody-ledger/internal/txlog"
)

type fakeBridgeProvider struct {
	receipt bridge.Receipt
	err     error
}

func (p *fakeBridgeProvider) Submit(context.Context, bridge.Submission) (bridge.Receipt, error) {
	if p.err != nil {
		return bridge.Receipt{}, p.err
	}
	return p.receipt, nil
}

type fakeCustodyProvider struct {
	txs map[string][]custody.Transaction
}

func (p *fakeCustodyProvider) ListAccountTransactions(_ context.Context, accountID string, _ int) ([]custody.Transaction, error) {
	return p.txs[accountID], nil
}

type apiFixture struct {
	handler  http.Handler
	ledger   *ledger.MemoryStore
	fees     *fees.MemoryStore
	resolver *derive.Resolver
	bridge   *fakeBridgeProvider
	now      time.Time
}

func newAPIFixture(t *testing.T, opts ...func(*Config)) *apiFixture {
	t.Helper()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	nowFn := func() time.Time { return now }

	f := &apiFixture{
		ledger: ledger.NewMemoryStore(),
		fees:   fees.NewMemoryStore(),
		bridge: &fakeBridgeProvider{receipt: bridge.Receipt{TxHash: "0xbridge", Status: "DONE"}},
		now:    now,
	}
	log := txlog.NewMemoryStore(nowFn)

	deriver, err := derive.NewDeriver([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewDeriver: %v", err)
	}
	reg := owners.NewMemoryRegistry()
	f.resolver, err = derive.NewResolver(deriver, derive.NewMemoryIndex(), reg)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	sched, err := scheduler.NewService(scheduler.ServiceConfig{
		Ledger:    f.ledger,
		Transfers: scheduler.NewMemoryStore(nowFn),
		TxLog:     log,
		WorkerID:  "api-test",
		Now:       nowFn,
	})
	if err != nil {
		t.Fatalf("scheduler.NewService: %v", err)
	}

	orc, err := bridge.NewOrchestrator(bridge.OrchestratorConfig{
		Ledger:        f.ledger,
		Fees:          f.fees,
		TxLog:         log,
		Provider:      f.bridge,
		SubmitTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("bridge.NewOrchestrator: %v", err)
	}

	rec, err := reconciler.New(reconciler.Config{
		Ledger:   f.ledger,
		TxLog:    log,
		Resolver: f.resolver,
		Owners:   reg,
		Provider: &fakeCustodyProvider{txs: map[string][]custody.Transaction{}},
		Assets:   []string{"BTC"},
		Now:      nowFn,
	})
	if err != nil {
		t.Fatalf("reconciler.New: %v", err)
	}

	cfg := Config{
		Ledger:     f.ledger,
		Scheduler:  sched,
		Bridge:     orc,
		Reconciler: rec,
		Resolver:   f.resolver,
		Fees:       f.fees,
		TxLog:      log,
		Now:        nowFn,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.handler, err = NewHandler(cfg)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.RemoteAddr = "198.51.100.7:40000"
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

const (
	ownerA = "0xAaAaAaAaaAaAAAAAaaaAAAaaaaAaAAaaaAAAAAa1"
	ownerB = "0xBbBBbbbbBBbBBBBBbbbBBBbbbbBbBBbbbBBBBBb2"
)

func TestCreditAndBalances(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/balances/"+ownerA+"/credit", `{"asset":"btc","amount":"12.5"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("credit status = %d body %s", rr.Code, rr.Body)
	}

	rr = f.do(t, http.MethodGet, "/balances/"+ownerA, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("balances status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	balances, ok := body["balances"].(map[string]any)
	if !ok || balances["BTC"] != "12.5" {
		t.Fatalf("balances = %v", body)
	}
}

func TestCreditValidation(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "bad owner", path: "/balances/nothex/credit", body: `{"asset":"BTC","amount":"1"}`, want: http.StatusBadRequest},
		{name: "zero amount", path: "/balances/" + ownerA + "/credit", body: `{"asset":"BTC","amount":"0"}`, want: http.StatusBadRequest},
		{name: "bad amount", path: "/balances/" + ownerA + "/credit", body: `{"asset":"BTC","amount":"abc"}`, want: http.StatusBadRequest},
		{name: "bad json", path: "/balances/" + ownerA + "/credit", body: `{`, want: http.StatusBadRequest},
		{name: "bad asset", path: "/balances/" + ownerA + "/credit", body: `{"asset":"not a symbol!","amount":"1"}`, want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rr := f.do(t, http.MethodPost, tc.path, tc.body)
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tc.want, rr.Body)
			}
		})
	}
}

func TestTransferScheduleCancelFlow(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/balances/"+ownerA+"/credit", `{"asset":"BTC","amount":"10"}`)

	rr := f.do(t, http.MethodPost, "/transfers/schedule", fmt.Sprintf(
		`{"sender":%q,"recipient":%q,"asset":"BTC","amount":"4","delayMinutes":30}`, ownerA, ownerB))
	if rr.Code != http.StatusOK {
		t.Fatalf("schedule status = %d body %s", rr.Code, rr.Body)
	}
	body := decodeBody(t, rr)
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("missing transfer id: %v", body)
	}
	wantAt := f.now.Add(30 * time.Minute).Format(time.RFC3339)
	if body["executeAt"] != wantAt {
		t.Fatalf("executeAt = %v, want %s", body["executeAt"], wantAt)
	}

	rr = f.do(t, http.MethodGet, "/transfers/pending/"+ownerA, "")
	body = decodeBody(t, rr)
	transfers, _ := body["transfers"].([]any)
	if len(transfers) != 1 {
		t.Fatalf("pending transfers = %v", body)
	}

	rr = f.do(t, http.MethodPost, "/transfers/cancel", fmt.Sprintf(`{"sender":%q,"id":%q}`, ownerA, id))
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel status = %d body %s", rr.Code, rr.Body)
	}

	// Second cancel: already finalized.
	rr = f.do(t, http.MethodPost, "/transfers/cancel", fmt.Sprintf(`{"sender":%q,"id":%q}`, ownerA, id))
	if rr.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", rr.Code)
	}

	// Unknown id: not found.
	rr = f.do(t, http.MethodPost, "/transfers/cancel", fmt.Sprintf(
		`{"sender":%q,"id":"3f2c8a94-9c1d-4f6e-8f15-000000000000"}`, ownerA))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown cancel status = %d, want 404", rr.Code)
	}

	// A stranger cannot cancel someone else's transfer.
	f.do(t, http.MethodPost, "/balances/"+ownerA+"/credit", `{"asset":"BTC","amount":"10"}`)
	rr = f.do(t, http.MethodPost, "/transfers/schedule", fmt.Sprintf(
		`{"sender":%q,"recipient":%q,"asset":"BTC","amount":"4","delayMinutes":30}`, ownerA, ownerB))
	id2, _ := decodeBody(t, rr)["id"].(string)
	rr = f.do(t, http.MethodPost, "/transfers/cancel", fmt.Sprintf(`{"sender":%q,"id":%q}`, ownerB, id2))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("foreign cancel status = %d, want 403", rr.Code)
	}
}

func TestScheduleInsufficientFunds(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/transfers/schedule", fmt.Sprintf(
		`{"sender":%q,"recipient":%q,"asset":"BTC","amount":"4","delayMinutes":5}`, ownerA, ownerB))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if decodeBody(t, rr)["error"] != "insufficient_funds" {
		t.Fatalf("body = %s", rr.Body)
	}
}

func TestDepositAccountEndpoint(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/accounts/"+ownerA+"/BTC", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rr.Code, rr.Body)
	}
	body := decodeBody(t, rr)
	account, _ := body["accountId"].(string)
	if !strings.HasPrefix(account, "btc_wallet_") {
		t.Fatalf("accountId = %q", account)
	}

	// The derived account resolves back through the webhook path.
	rr = f.do(t, http.MethodPost, "/webhooks/deposit", fmt.Sprintf(
		`{"accountId":%q,"amount":"2","reference":"prov-acct-1"}`, account))
	if rr.Code != http.StatusOK {
		t.Fatalf("webhook status = %d body %s", rr.Code, rr.Body)
	}

	rr = f.do(t, http.MethodGet, "/accounts/"+ownerA+"/not%20a%20symbol!", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad asset status = %d, want 400", rr.Code)
	}
}

func TestDepositWebhook(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	account, err := f.resolver.Derive(context.Background(), common.HexToAddress(ownerA), "BTC")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}

	payload := fmt.Sprintf(`{"accountId":%q,"amount":"3","assetSymbol":"BTC","reference":"prov-1"}`, account)
	rr := f.do(t, http.MethodPost, "/webhooks/deposit", payload)
	if rr.Code != http.StatusOK {
		t.Fatalf("webhook status = %d body %s", rr.Code, rr.Body)
	}
	if decodeBody(t, rr)["credited"] != true {
		t.Fatalf("body = %s", rr.Body)
	}

	// Replay is accepted but credits nothing.
	rr = f.do(t, http.MethodPost, "/webhooks/deposit", payload)
	if rr.Code != http.StatusOK {
		t.Fatalf("replay status = %d", rr.Code)
	}
	if decodeBody(t, rr)["credited"] != false {
		t.Fatalf("replay body = %s", rr.Body)
	}

	b, err := f.ledger.BalanceOf(context.Background(), common.HexToAddress(ownerA), "BTC")
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if !b.Available.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("available = %s, want 3", b.Available)
	}

	// Unresolvable account: 404, no credit.
	rr = f.do(t, http.MethodPost, "/webhooks/deposit",
		`{"accountId":"btc_wallet_00000000","amount":"3","reference":"prov-2"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown account status = %d, want 404", rr.Code)
	}
}

func TestDepositWebhookWithoutReference(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	account, err := f.resolver.Derive(context.Background(), common.HexToAddress(ownerA), "BTC")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}

	// Providers may send only account, amount and symbol.
	payload := fmt.Sprintf(`{"accountId":%q,"amount":"0.5","assetSymbol":"BTC"}`, account)
	rr := f.do(t, http.MethodPost, "/webhooks/deposit", payload)
	if rr.Code != http.StatusOK {
		t.Fatalf("webhook status = %d body %s", rr.Code, rr.Body)
	}
	if decodeBody(t, rr)["credited"] != true {
		t.Fatalf("body = %s", rr.Body)
	}

	rr = f.do(t, http.MethodPost, "/webhooks/deposit", payload)
	if rr.Code != http.StatusOK {
		t.Fatalf("replay status = %d body %s", rr.Code, rr.Body)
	}
	if decodeBody(t, rr)["credited"] != false {
		t.Fatalf("replay body = %s", rr.Body)
	}

	b, err := f.ledger.BalanceOf(context.Background(), common.HexToAddress(ownerA), "BTC")
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if !b.Available.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("available = %s, want 0.5", b.Available)
	}
}

func TestBridgeWithdrawal(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/balances/"+ownerA+"/credit", `{"asset":"BTC","amount":"100"}`)
	f.do(t, http.MethodPost, "/admin/fees", `{"asset":"BTC","percent":"2"}`)

	rr := f.do(t, http.MethodPost, "/withdrawals/bridge", fmt.Sprintf(
		`{"owner":%q,"asset":"BTC","destinationAddress":"bc1qdest","amount":"50"}`, ownerA))
	if rr.Code != http.StatusOK {
		t.Fatalf("withdrawal status = %d body %s", rr.Code, rr.Body)
	}
	body := decodeBody(t, rr)
	if body["providerRef"] != "0xbridge" || body["fee"] != "1" || body["bridged"] != "49" {
		t.Fatalf("body = %v", body)
	}
}

func TestBridgeWithdrawalProviderFailure(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.bridge.err = fmt.Errorf("liquidity exhausted")
	f.do(t, http.MethodPost, "/balances/"+ownerA+"/credit", `{"asset":"BTC","amount":"100"}`)

	rr := f.do(t, http.MethodPost, "/withdrawals/bridge", fmt.Sprintf(
		`{"owner":%q,"asset":"BTC","destinationAddress":"bc1qdest","amount":"50"}`, ownerA))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}

	// Rollback already applied before the error surfaced.
	b, err := f.ledger.BalanceOf(context.Background(), common.HexToAddress(ownerA), "BTC")
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if !b.Available.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("available = %s, want 100", b.Available)
	}
}

func TestAdminFees(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/admin/fees", `{"asset":"BTC","percent":"15"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("over-limit fee status = %d, want 400", rr.Code)
	}
	rr = f.do(t, http.MethodPost, "/admin/fees", `{"asset":"BTC","percent":"10"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("max fee status = %d body %s", rr.Code, rr.Body)
	}

	if err := f.fees.AddCollected(context.Background(), "BTC", decimal.RequireFromString("7")); err != nil {
		t.Fatalf("AddCollected: %v", err)
	}

	rr = f.do(t, http.MethodGet, "/admin/fees/collected", "")
	body := decodeBody(t, rr)
	collected, _ := body["collected"].(map[string]any)
	if collected["BTC"] != "7" {
		t.Fatalf("collected = %v", body)
	}

	rr = f.do(t, http.MethodPost, "/admin/fees/withdraw", `{"asset":"BTC"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("payout status = %d", rr.Code)
	}
	rr = f.do(t, http.MethodGet, "/admin/fees/collected", "")
	body = decodeBody(t, rr)
	collected, _ = body["collected"].(map[string]any)
	if _, ok := collected["BTC"]; ok {
		t.Fatalf("collected after payout = %v", body)
	}
}

func TestTransactionsEndpoint(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	account, err := f.resolver.Derive(context.Background(), common.HexToAddress(ownerA), "BTC")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	f.do(t, http.MethodPost, "/webhooks/deposit", fmt.Sprintf(
		`{"accountId":%q,"amount":"3","reference":"prov-1"}`, account))

	rr := f.do(t, http.MethodGet, "/transactions/"+ownerA, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("transactions status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	records, _ := body["transactions"].([]any)
	if len(records) != 1 {
		t.Fatalf("transactions = %v", body)
	}
	rec, _ := records[0].(map[string]any)
	if rec["direction"] != "deposit" || rec["externalRef"] != "deposit:prov-1" {
		t.Fatalf("record = %v", rec)
	}

	rr = f.do(t, http.MethodGet, "/transactions/"+ownerA+"?limit=0", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", rr.Code)
	}
}

func TestRateLimiting(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, func(cfg *Config) {
		cfg.RateLimitPerIPPerSecond = 1
		cfg.RateLimitBurst = 2
	})

	var last int
	for i := 0; i < 3; i++ {
		rr := f.do(t, http.MethodGet, "/balances/"+ownerA, "")
		last = rr.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", last)
	}

	// Health stays reachable under throttling.
	rr := f.do(t, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "ok") {
		t.Fatalf("healthz body = %q", rr.Body.String())
	}
}
