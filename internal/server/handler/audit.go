package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

const defaultAuditLimit = 100

// AuditHandler serves the operator audit trail.
type AuditHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

func NewAuditHandler(audit domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger}
}

// List returns audit entries newest first.
// GET /api/audit?event=&vault_id=&since=<RFC3339>&limit=&offset=
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	q := domain.AuditQuery{Event: r.URL.Query().Get("event")}

	var err error
	if q.VaultID, err = queryUint(r, "vault_id", 0); err != nil {
		badRequest(w, err.Error())
		return
	}
	limit, err := queryUint(r, "limit", defaultAuditLimit)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	q.Limit = int(min(max(limit, 1), maxEventLimit))
	offset, err := queryUint(r, "offset", 0)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	q.Offset = int(min(offset, 1<<31-1))

	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(w, fmt.Sprintf("since: %v", err))
			return
		}
		q.Since = &since
	}

	entries, err := h.audit.List(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
