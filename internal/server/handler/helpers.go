package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/server/middleware"
)

const maxBodyBytes = 1 << 20

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error","code":"INTERNAL"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, msg, "BAD_REQUEST")
}

// statusFor maps a domain error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case "NOT_AUTHORIZED":
		return http.StatusForbidden
	case "VAULT_NOT_FOUND", "POSITION_NOT_FOUND", "NOT_FOUND":
		return http.StatusNotFound
	case "INVALID_AMOUNT", "INVALID_FUNDING_RATE", "INVALID_PARAMS":
		return http.StatusBadRequest
	case "INSUFFICIENT_BALANCE", "VAULT_PAUSED", "PRICE_STALE", "REBALANCE_TOO_SOON", "ALREADY_EXISTS":
		return http.StatusConflict
	case "OVERFLOW":
		return http.StatusUnprocessableEntity
	case "LOCK_HELD":
		return http.StatusServiceUnavailable
	case "RATE_LIMITED":
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError answers with the status for err's domain code.
// Unclassified errors are logged and hidden from the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	code := domain.ErrorCode(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		writeError(w, status, op+" failed", code)
		return
	}
	writeError(w, status, err.Error(), code)
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// caller returns the principal set by the signature middleware.
func caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, ok := middleware.Principal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "request is not signed", "UNAUTHENTICATED")
	}
	return addr, ok
}

func pathUint(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	raw := r.PathValue(name)
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		badRequest(w, fmt.Sprintf("%s must be an unsigned integer, got %q", name, raw))
		return 0, false
	}
	return n, true
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	addr, err := parseAddress(r.PathValue(name))
	if err != nil {
		badRequest(w, err.Error())
		return common.Address{}, false
	}
	return addr, true
}

// queryUint parses an optional unsigned query parameter; absent yields def.
func queryUint(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an unsigned integer, got %q", name, raw)
	}
	return n, nil
}
