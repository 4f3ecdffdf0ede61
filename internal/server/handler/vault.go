package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/service"
)

// VaultService is the subset of service.VaultService the handler drives.
type VaultService interface {
	CreateVault(ctx context.Context, caller common.Address, p domain.VaultParams) (domain.Vault, error)
	Deposit(ctx context.Context, caller common.Address, vaultID, amount uint64) (service.DepositResult, error)
	Withdraw(ctx context.Context, caller common.Address, vaultID, shares uint64) (service.WithdrawResult, error)
	Harvest(ctx context.Context, caller common.Address, vaultID, profit uint64) (service.HarvestResult, error)
	Rebalance(ctx context.Context, caller common.Address, vaultID uint64, quote *domain.PriceQuote) (service.RebalanceResult, error)
	Pause(ctx context.Context, caller common.Address, vaultID uint64) (domain.Vault, error)
	Unpause(ctx context.Context, caller common.Address, vaultID uint64) (domain.Vault, error)
	UpdateParams(ctx context.Context, caller common.Address, vaultID uint64, p domain.RiskParams) (domain.Vault, error)

	Vault(ctx context.Context, vaultID uint64) (domain.Vault, error)
	UserPosition(ctx context.Context, vaultID uint64, user common.Address) (domain.UserPosition, error)
	PreviewWithdraw(ctx context.Context, vaultID, shares uint64) (uint64, error)
	PreviewDeposit(ctx context.Context, vaultID, amount uint64) (uint64, error)
	SharePrice(ctx context.Context, vaultID uint64) (uint64, error)
	Registry(ctx context.Context) (domain.VaultRegistry, error)
}

var _ VaultService = (*service.VaultService)(nil)

// VaultHandler serves the vault endpoints.
type VaultHandler struct {
	vaults VaultService
	clock  func() time.Time
	logger *slog.Logger
}

func NewVaultHandler(vaults VaultService, logger *slog.Logger) *VaultHandler {
	return &VaultHandler{vaults: vaults, clock: time.Now, logger: logger}
}

type vaultResponse struct {
	Vault           domain.Vault `json:"vault"`
	SharePrice      uint64       `json:"share_price"`
	CanRebalance    bool         `json:"can_rebalance"`
	NextRebalanceAt time.Time    `json:"next_rebalance_at"`
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

type sharesRequest struct {
	Shares uint64 `json:"shares"`
}

type profitRequest struct {
	Profit uint64 `json:"profit"`
}

// Create registers a vault administered by the signer.
// POST /api/vaults
func (h *VaultHandler) Create(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var p domain.VaultParams
	if err := decodeJSON(r, &p); err != nil {
		badRequest(w, err.Error())
		return
	}
	v, err := h.vaults.CreateVault(r.Context(), who, p)
	if err != nil {
		writeServiceError(w, r, h.logger, "create vault", err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// Get returns a vault with its share price and rebalance eligibility.
// GET /api/vaults/{id}
func (h *VaultHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	v, err := h.vaults.Vault(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get vault", err)
		return
	}
	price, err := h.vaults.SharePrice(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get vault", err)
		return
	}
	writeJSON(w, http.StatusOK, vaultResponse{
		Vault:           v,
		SharePrice:      price,
		CanRebalance:    v.CanRebalance(h.clock().UTC()),
		NextRebalanceAt: v.NextRebalanceAt(),
	})
}

// Strategy reports the vault's strategy type.
// GET /api/vaults/{id}/strategy
func (h *VaultHandler) Strategy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	v, err := h.vaults.Vault(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get strategy", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vault_id": id, "strategy": v.Strategy})
}

// Rebalanceable reports whether the rebalance interval has elapsed.
// GET /api/vaults/{id}/rebalance
func (h *VaultHandler) Rebalanceable(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	v, err := h.vaults.Vault(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "rebalance status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"vault_id":          id,
		"can_rebalance":     v.CanRebalance(h.clock().UTC()),
		"last_rebalance":    v.LastRebalance,
		"next_rebalance_at": v.NextRebalanceAt(),
	})
}

// Preview converts shares to assets and/or assets to shares at the
// current ratio.
// GET /api/vaults/{id}/preview?shares=&amount=
func (h *VaultHandler) Preview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	q := r.URL.Query()
	if q.Get("shares") == "" && q.Get("amount") == "" {
		badRequest(w, "shares or amount is required")
		return
	}
	resp := map[string]uint64{}
	if q.Get("shares") != "" {
		shares, err := queryUint(r, "shares", 0)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		assets, err := h.vaults.PreviewWithdraw(r.Context(), id, shares)
		if err != nil {
			writeServiceError(w, r, h.logger, "preview withdraw", err)
			return
		}
		resp["shares"] = shares
		resp["assets_out"] = assets
	}
	if q.Get("amount") != "" {
		amount, err := queryUint(r, "amount", 0)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		shares, err := h.vaults.PreviewDeposit(r.Context(), id, amount)
		if err != nil {
			writeServiceError(w, r, h.logger, "preview deposit", err)
			return
		}
		resp["amount"] = amount
		resp["shares_out"] = shares
	}
	writeJSON(w, http.StatusOK, resp)
}

// Position returns a user's share position.
// GET /api/vaults/{id}/positions/{user}
func (h *VaultHandler) Position(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	user, ok := pathAddress(w, r, "user")
	if !ok {
		return
	}
	p, err := h.vaults.UserPosition(r.Context(), id, user)
	if err != nil {
		writeServiceError(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Deposit mints shares for the signer.
// POST /api/vaults/{id}/deposit
func (h *VaultHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	who, id, ok := h.signedVaultRequest(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := h.vaults.Deposit(r.Context(), who, id, req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Withdraw burns the signer's shares.
// POST /api/vaults/{id}/withdraw
func (h *VaultHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	who, id, ok := h.signedVaultRequest(w, r)
	if !ok {
		return
	}
	var req sharesRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := h.vaults.Withdraw(r.Context(), who, id, req.Shares)
	if err != nil {
		writeServiceError(w, r, h.logger, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Harvest books profit net of the performance fee. Admin only.
// POST /api/vaults/{id}/harvest
func (h *VaultHandler) Harvest(w http.ResponseWriter, r *http.Request) {
	who, id, ok := h.signedVaultRequest(w, r)
	if !ok {
		return
	}
	var req profitRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := h.vaults.Harvest(r.Context(), who, id, req.Profit)
	if err != nil {
		writeServiceError(w, r, h.logger, "harvest", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Rebalance runs a keeper rebalance. An empty body uses the cached oracle
// quote for the vault's asset.
// POST /api/vaults/{id}/rebalance
func (h *VaultHandler) Rebalance(w http.ResponseWriter, r *http.Request) {
	who, id, ok := h.signedVaultRequest(w, r)
	if !ok {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "unreadable body")
		return
	}
	var quote *domain.PriceQuote
	if len(bytes.TrimSpace(raw)) > 0 {
		quote = new(domain.PriceQuote)
		if err := json.Unmarshal(raw, quote); err != nil {
			badRequest(w, "invalid request body: "+err.Error())
			return
		}
	}
	res, err := h.vaults.Rebalance(r.Context(), who, id, quote)
	if err != nil {
		writeServiceError(w, r, h.logger, "rebalance", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Pause stops deposits. Admin only.
// POST /api/vaults/{id}/pause
func (h *VaultHandler) Pause(w http.ResponseWriter, r *http.Request) {
	who, id, ok := h.signedVaultRequest(w, r)
	if !ok {
		return
	}
	v, err := h.vaults.Pause(r.Context(), who, id)
	if err != nil {
		writeServiceError(w, r, h.logger, "pause", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Unpause re-enables deposits. Admin only.
// POST /api/vaults/{id}/unpause
func (h *VaultHandler) Unpause(w http.ResponseWriter, r *http.Request) {
	who, id, ok := h.signedVaultRequest(w, r)
	if !ok {
		return
	}
	v, err := h.vaults.Unpause(r.Context(), who, id)
	if err != nil {
		writeServiceError(w, r, h.logger, "unpause", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// UpdateParams replaces the risk parameters. Admin only.
// PUT /api/vaults/{id}/params
func (h *VaultHandler) UpdateParams(w http.ResponseWriter, r *http.Request) {
	who, id, ok := h.signedVaultRequest(w, r)
	if !ok {
		return
	}
	var p domain.RiskParams
	if err := decodeJSON(r, &p); err != nil {
		badRequest(w, err.Error())
		return
	}
	v, err := h.vaults.UpdateParams(r.Context(), who, id, p)
	if err != nil {
		writeServiceError(w, r, h.logger, "update params", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Registry returns the vault registry counters.
// GET /api/registry
func (h *VaultHandler) Registry(w http.ResponseWriter, r *http.Request) {
	reg, err := h.vaults.Registry(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "get registry", err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (h *VaultHandler) signedVaultRequest(w http.ResponseWriter, r *http.Request) (common.Address, uint64, bool) {
	who, ok := caller(w, r)
	if !ok {
		return common.Address{}, 0, false
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return common.Address{}, 0, false
	}
	return who, id, true
}
