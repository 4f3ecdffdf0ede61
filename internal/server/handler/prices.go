package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// PriceService stores and serves oracle quotes.
type PriceService interface {
	SetQuote(ctx context.Context, asset string, q domain.PriceQuote) (domain.PriceQuote, error)
	LatestQuote(ctx context.Context, asset string) (domain.PriceQuote, error)
}

// PriceHandler lets keepers push oracle quotes that keyless rebalances
// later read.
type PriceHandler struct {
	prices  PriceService
	keepers map[common.Address]bool
	logger  *slog.Logger
}

func NewPriceHandler(prices PriceService, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{prices: prices, keepers: map[common.Address]bool{}, logger: logger}
}

// WithKeepers restricts quote pushes to the given addresses. Without it any
// signed caller may push.
func (h *PriceHandler) WithKeepers(keepers []common.Address) *PriceHandler {
	for _, k := range keepers {
		h.keepers[k] = true
	}
	return h
}

// Set stores a quote for {asset}.
// POST /api/prices/{asset}
func (h *PriceHandler) Set(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	if len(h.keepers) > 0 && !h.keepers[who] {
		writeServiceError(w, r, h.logger, "set price",
			fmt.Errorf("%s is not a keeper: %w", who.Hex(), domain.ErrNotAuthorized))
		return
	}
	asset := strings.TrimSpace(r.PathValue("asset"))
	if asset == "" {
		badRequest(w, "asset is required")
		return
	}
	var q domain.PriceQuote
	if err := decodeJSON(r, &q); err != nil {
		badRequest(w, err.Error())
		return
	}
	if q.Price == 0 {
		writeServiceError(w, r, h.logger, "set price", fmt.Errorf("price must be positive: %w", domain.ErrInvalidAmount))
		return
	}
	stored, err := h.prices.SetQuote(r.Context(), asset, q)
	if err != nil {
		writeServiceError(w, r, h.logger, "set price", err)
		return
	}
	h.logger.InfoContext(r.Context(), "price quote stored",
		slog.String("asset", asset),
		slog.Uint64("price", stored.Price),
		slog.Uint64("confidence", stored.Confidence),
		slog.String("keeper", who.Hex()),
	)
	writeJSON(w, http.StatusOK, stored)
}

// Get returns the latest quote for {asset}.
// GET /api/prices/{asset}
func (h *PriceHandler) Get(w http.ResponseWriter, r *http.Request) {
	q, err := h.prices.LatestQuote(r.Context(), r.PathValue("asset"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get price", err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}
