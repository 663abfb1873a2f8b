package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/walletmesh/custody-ledger/internal/bridge"
	"github.com/walletmesh/custody-ledger/internal/derive"
	"github.com/walletmesh/custody-ledger/internal/fees"
	"github.com/walletmesh/custody-ledger/internal/ledger"
	"github.com/walletmesh/custody-ledger/internal/reconciler"
	"github.com/walletmesh/custody-ledger/internal/scheduler"
	"github.com/walletmesh/custody-ledger/internal/txlog"
)

var ErrInvalidConfig = errors.New("api: invalid config")

type Config struct {
	Ledger     ledger.Store
	Scheduler  *scheduler.Service
	Bridge     *bridge.Orchestrator
	Reconciler *reconciler.Service
	Resolver   *derive.Resolver
	Fees       fees.Store
	TxLog      txlog.Store

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Ledger == nil || cfg.Scheduler == nil || cfg.Bridge == nil || cfg.Reconciler == nil {
		return nil, fmt.Errorf("%w: missing services", ErrInvalidConfig)
	}
	if cfg.Resolver == nil || cfg.Fees == nil || cfg.TxLog == nil {
		return nil, fmt.Errorf("%w: missing stores", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg: cfg,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("POST /balances/{owner}/credit", h.handleCredit)
	mux.HandleFunc("GET /balances/{owner}", h.handleBalances)
	mux.HandleFunc("GET /accounts/{owner}/{asset}", h.handleDepositAccount)
	mux.HandleFunc("POST /transfers/schedule", h.handleTransferSchedule)
	mux.HandleFunc("POST /transfers/cancel", h.handleTransferCancel)
	mux.HandleFunc("GET /transfers/pending/{owner}", h.handleTransfersPending)
	mux.HandleFunc("POST /webhooks/deposit", h.handleDepositWebhook)
	mux.HandleFunc("POST /withdrawals/bridge", h.handleBridgeWithdrawal)
	mux.HandleFunc("POST /admin/fees", h.handleSetFee)
	mux.HandleFunc("GET /admin/fees/collected", h.handleCollectedFees)
	mux.HandleFunc("POST /admin/fees/withdraw", h.handleFeePayout)
	mux.HandleFunc("GET /transactions/{owner}", h.handleTransactions)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		allowed := h.limiter.Allow(clientIP(r), now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg     Config
	limiter *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type creditRequestBody struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (h *handler) handleCredit(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseOwner(w, r.PathValue("owner"))
	if !ok {
		return
	}
	body, ok := decodeJSONBody[creditRequestBody](w, r)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, body.Amount)
	if !ok {
		return
	}

	if err := h.cfg.Ledger.Credit(r.Context(), owner, body.Asset, amount); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"ok":      true,
	})
}

func (h *handler) handleBalances(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseOwner(w, r.PathValue("owner"))
	if !ok {
		return
	}

	balances, err := h.cfg.Ledger.BalancesOf(r.Context(), owner)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make(map[string]string, len(balances))
	for asset, available := range balances {
		out[asset] = available.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"owner":    owner.Hex(),
		"balances": out,
	})
}

// handleDepositAccount returns the owner's derived custody account for an
// asset. Deriving registers the owner, so this is also how owners enter the
// deposit scan set.
func (h *handler) handleDepositAccount(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseOwner(w, r.PathValue("owner"))
	if !ok {
		return
	}

	accountID, err := h.cfg.Resolver.Derive(r.Context(), owner, r.PathValue("asset"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"owner":     owner.Hex(),
		"accountId": accountID,
	})
}

type scheduleRequestBody struct {
	Sender        string `json:"sender"`
	Recipient     string `json:"recipient"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	DelayMinutes  int64  `json:"delayMinutes"`
	IsChainNative bool   `json:"isChainNative"`
}

func (h *handler) handleTransferSchedule(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[scheduleRequestBody](w, r)
	if !ok {
		return
	}
	sender, ok := parseOwner(w, body.Sender)
	if !ok {
		return
	}
	recipient, ok := parseOwner(w, body.Recipient)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, body.Amount)
	if !ok {
		return
	}
	if body.DelayMinutes < 0 {
		writeError(w, http.StatusBadRequest, "invalid_delay")
		return
	}

	executeAt := h.cfg.Now().UTC().Add(time.Duration(body.DelayMinutes) * time.Minute)
	t, err := h.cfg.Scheduler.Schedule(r.Context(), sender, recipient, body.Asset, amount, executeAt, body.IsChainNative)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"id":        t.ID.String(),
		"executeAt": t.ExecuteAt.UTC().Format(time.RFC3339),
	})
}

type cancelRequestBody struct {
	Sender string `json:"sender"`
	ID     string `json:"id"`
}

func (h *handler) handleTransferCancel(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[cancelRequestBody](w, r)
	if !ok {
		return
	}
	sender, ok := parseOwner(w, body.Sender)
	if !ok {
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(body.ID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_transfer_id")
		return
	}

	if _, err := h.cfg.Scheduler.Cancel(r.Context(), id, sender); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"ok":      true,
	})
}

func (h *handler) handleTransfersPending(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseOwner(w, r.PathValue("owner"))
	if !ok {
		return
	}

	pending, err := h.cfg.Scheduler.ListBySender(r.Context(), owner, scheduler.StatusPending)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(pending))
	for _, t := range pending {
		out = append(out, map[string]any{
			"id":            t.ID.String(),
			"sender":        t.Sender.Hex(),
			"recipient":     t.Recipient.Hex(),
			"asset":         t.Asset,
			"amount":        t.Amount.String(),
			"executeAt":     t.ExecuteAt.UTC().Format(time.RFC3339),
			"isChainNative": t.ChainNative,
			"status":        string(t.Status),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"owner":     owner.Hex(),
		"transfers": out,
	})
}

type depositWebhookBody struct {
	AccountID   string `json:"accountId"`
	Amount      string `json:"amount"`
	AssetSymbol string `json:"assetSymbol"`
	Reference   string `json:"reference"`
}

func (h *handler) handleDepositWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[depositWebhookBody](w, r)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, body.Amount)
	if !ok {
		return
	}

	credited, err := h.cfg.Reconciler.HandleNotification(r.Context(), reconciler.Notification{
		AccountID:   body.AccountID,
		Ref:         body.Reference,
		Amount:      amount,
		AssetSymbol: body.AssetSymbol,
		SourceIP:    clientIP(r),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"ok":       true,
		"credited": credited,
	})
}

type bridgeWithdrawalBody struct {
	Owner              string `json:"owner"`
	Asset              string `json:"asset"`
	DestinationAddress string `json:"destinationAddress"`
	Amount             string `json:"amount"`
}

func (h *handler) handleBridgeWithdrawal(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[bridgeWithdrawalBody](w, r)
	if !ok {
		return
	}
	owner, ok := parseOwner(w, body.Owner)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, body.Amount)
	if !ok {
		return
	}

	wd, err := h.cfg.Bridge.Withdraw(r.Context(), owner, body.Asset, amount, strings.TrimSpace(body.DestinationAddress))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     "v1",
		"ok":          true,
		"providerRef": wd.TxHash,
		"fee":         wd.Fee.String(),
		"bridged":     wd.Bridged.String(),
	})
}

type setFeeBody struct {
	Asset   string `json:"asset"`
	Percent string `json:"percent"`
}

func (h *handler) handleSetFee(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[setFeeBody](w, r)
	if !ok {
		return
	}
	percent, err := decimal.NewFromString(strings.TrimSpace(body.Percent))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_percent")
		return
	}

	if err := h.cfg.Fees.SetPercent(r.Context(), body.Asset, percent); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"ok":      true,
	})
}

func (h *handler) handleCollectedFees(w http.ResponseWriter, r *http.Request) {
	totals, err := h.cfg.Fees.CollectedTotals(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make(map[string]string, len(totals))
	for asset, total := range totals {
		out[asset] = total.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"collected": out,
	})
}

type feePayoutBody struct {
	Asset string `json:"asset"`
}

func (h *handler) handleFeePayout(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[feePayoutBody](w, r)
	if !ok {
		return
	}

	if err := h.cfg.Fees.ResetCollected(r.Context(), body.Asset); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"ok":      true,
	})
}

func (h *handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseOwner(w, r.PathValue("owner"))
	if !ok {
		return
	}

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = n
	}

	records, err := h.cfg.TxLog.ListByOwner(r.Context(), owner, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"id":          rec.ID,
			"direction":   string(rec.Direction),
			"asset":       rec.Asset,
			"amount":      rec.Amount.String(),
			"externalRef": rec.ExternalRef,
			"status":      rec.Status,
			"origin":      rec.Origin,
			"createdAt":   rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      "v1",
		"owner":        owner.Hex(),
		"transactions": out,
	})
}

// writeServiceError maps domain errors onto the HTTP surface. Insufficient
// funds and fee-bound violations are expected outcomes (400), finalized
// transfers are conflicts (409), unresolvable accounts are 404, and bridge
// provider failures are 502 with the rollback already applied.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_amount")
	case errors.Is(err, ledger.ErrInvalidAsset):
		writeError(w, http.StatusBadRequest, "invalid_asset")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusBadRequest, "insufficient_funds")
	case errors.Is(err, fees.ErrInvalidFeePercent):
		writeError(w, http.StatusBadRequest, "invalid_fee_percent")
	case errors.Is(err, scheduler.ErrInvalidTransfer),
		errors.Is(err, reconciler.ErrInvalidNotification),
		errors.Is(err, bridge.ErrInvalidWithdrawal):
		writeError(w, http.StatusBadRequest, "invalid_request")
	case errors.Is(err, scheduler.ErrNotFound):
		writeError(w, http.StatusNotFound, "transfer_not_found")
	case errors.Is(err, derive.ErrOwnerNotFound), errors.Is(err, derive.ErrInvalidAccountID):
		writeError(w, http.StatusNotFound, "account_not_resolved")
	case errors.Is(err, scheduler.ErrNotPending):
		writeError(w, http.StatusConflict, "already_finalized")
	case errors.Is(err, scheduler.ErrClaimed):
		writeError(w, http.StatusConflict, "execution_in_progress")
	case errors.Is(err, scheduler.ErrNotSender):
		writeError(w, http.StatusForbidden, "not_sender")
	case errors.Is(err, bridge.ErrProviderTimeout):
		writeError(w, http.StatusBadGateway, "bridge_timeout")
	case errors.Is(err, bridge.ErrBridgeFailed):
		writeError(w, http.StatusBadGateway, "bridge_failed")
	case errors.Is(err, ledger.ErrInvariantViolation):
		writeError(w, http.StatusInternalServerError, "invariant_violation")
	default:
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func parseOwner(w http.ResponseWriter, raw string) (common.Address, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid_owner")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseAmount(w http.ResponseWriter, raw string) (decimal.Decimal, bool) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return decimal.Decimal{}, false
	}
	return amount, true
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}
