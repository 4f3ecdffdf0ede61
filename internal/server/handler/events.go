package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// EventSource reads the committed event log.
type EventSource interface {
	Events(ctx context.Context, q domain.EventQuery) ([]domain.Event, error)
}

// EventHandler serves event log queries.
type EventHandler struct {
	events EventSource
	logger *slog.Logger
}

func NewEventHandler(events EventSource, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logger}
}

// List returns events in sequence order. Page with after=<last seq>.
// GET /api/events?vault_id=&user=&after=&limit=
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	var q domain.EventQuery
	var err error
	if q.VaultID, err = queryUint(r, "vault_id", 0); err != nil {
		badRequest(w, err.Error())
		return
	}
	if q.AfterSeq, err = queryUint(r, "after", 0); err != nil {
		badRequest(w, err.Error())
		return
	}
	limit, err := queryUint(r, "limit", defaultEventLimit)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	q.Limit = int(min(max(limit, 1), maxEventLimit))
	if raw := r.URL.Query().Get("user"); raw != "" {
		user, err := parseAddress(raw)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		q.User = &user
	}

	events, err := h.events.Events(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, h.logger, "list events", err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	var next uint64
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "next_after": next})
}
