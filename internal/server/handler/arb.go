package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/service"
)

// ArbService is the subset of service.ArbService the handler drives.
type ArbService interface {
	OpenPosition(ctx context.Context, caller common.Address, req domain.OpenPositionRequest) (service.OpenPositionResult, error)
	ClosePosition(ctx context.Context, caller common.Address, index, exitPrice uint64) (domain.ArbPosition, error)
	RecordOpportunity(ctx context.Context, caller common.Address, opp domain.Opportunity) (bool, error)
	UserState(ctx context.Context, user common.Address) (domain.UserArbState, error)
	Registry(ctx context.Context) (domain.ArbRegistry, error)
}

var _ ArbService = (*service.ArbService)(nil)

// ArbHandler serves the funding-rate arbitrage endpoints.
type ArbHandler struct {
	arb    ArbService
	logger *slog.Logger
}

func NewArbHandler(arb ArbService, logger *slog.Logger) *ArbHandler {
	return &ArbHandler{arb: arb, logger: logger}
}

type closeRequest struct {
	ExitPrice uint64 `json:"exit_price"`
}

// Open records a new position for the signer.
// POST /api/arb/positions
func (h *ArbHandler) Open(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req domain.OpenPositionRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := h.arb.OpenPosition(r.Context(), who, req)
	if err != nil {
		writeServiceError(w, r, h.logger, "open position", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Close settles the signer's position at list index {index}.
// POST /api/arb/positions/{index}/close
func (h *ArbHandler) Close(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	index, ok := pathUint(w, r, "index")
	if !ok {
		return
	}
	var req closeRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	pos, err := h.arb.ClosePosition(r.Context(), who, index, req.ExitPrice)
	if err != nil {
		writeServiceError(w, r, h.logger, "close position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// RecordOpportunity logs a funding opportunity. Rates under the minimum
// are accepted and ignored.
// POST /api/arb/opportunities
func (h *ArbHandler) RecordOpportunity(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var opp domain.Opportunity
	if err := decodeJSON(r, &opp); err != nil {
		badRequest(w, err.Error())
		return
	}
	recorded, err := h.arb.RecordOpportunity(r.Context(), who, opp)
	if err != nil {
		writeServiceError(w, r, h.logger, "record opportunity", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recorded": recorded})
}

// User returns a user's arbitrage state. Unknown users read as empty.
// GET /api/arb/users/{user}
func (h *ArbHandler) User(w http.ResponseWriter, r *http.Request) {
	user, ok := pathAddress(w, r, "user")
	if !ok {
		return
	}
	st, err := h.arb.UserState(r.Context(), user)
	if err != nil {
		writeServiceError(w, r, h.logger, "get arb user", err)
		return
	}
	if st.Positions == nil {
		st.Positions = []domain.ArbPosition{}
	}
	writeJSON(w, http.StatusOK, st)
}

// Registry returns the global arbitrage counters.
// GET /api/arb/registry
func (h *ArbHandler) Registry(w http.ResponseWriter, r *http.Request) {
	reg, err := h.arb.Registry(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "get arb registry", err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}
