package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/crypto"
	"github.com/alanyoungcy/vaultd/internal/domain"
)

// maxSignedBody bounds the request body read for signature checks.
const maxSignedBody = 1 << 20

type principalKey struct{}

// WithPrincipal returns a context carrying the authenticated address.
func WithPrincipal(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, principalKey{}, addr)
}

// Principal returns the authenticated address, if any.
func Principal(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(principalKey{}).(common.Address)
	return addr, ok
}

// SignatureAuth verifies X-Vault-Address, X-Vault-Timestamp and
// X-Vault-Signature and stores the signer as the request principal.
// Requests whose timestamp is further than maxSkew from now are rejected.
// When replay is non-nil each signature is accepted once; it is held for
// twice maxSkew, the full span its timestamp stays valid.
func SignatureAuth(maxSkew time.Duration, replay domain.ReplayGuard, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	replayTTL := 2 * maxSkew
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addrHex := strings.TrimSpace(r.Header.Get(crypto.HeaderAddress))
			tsRaw := strings.TrimSpace(r.Header.Get(crypto.HeaderTimestamp))
			sig := strings.TrimSpace(r.Header.Get(crypto.HeaderSignature))
			if addrHex == "" || tsRaw == "" || sig == "" {
				writeUnauthorized(w, "missing signature headers")
				return
			}
			if !common.IsHexAddress(addrHex) {
				writeUnauthorized(w, "invalid address")
				return
			}
			ts, err := strconv.ParseInt(tsRaw, 10, 64)
			if err != nil {
				writeUnauthorized(w, "invalid timestamp")
				return
			}
			if skew := now().Sub(time.Unix(ts, 0)); skew > maxSkew || skew < -maxSkew {
				writeUnauthorized(w, "timestamp outside allowed skew")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
			if err != nil {
				writeUnauthorized(w, "unreadable body")
				return
			}
			if len(body) > maxSignedBody {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "body too large", "INVALID_PARAMS")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			addr := common.HexToAddress(addrHex)
			if err := crypto.VerifyRequest(addr, r.Method, r.URL.Path, ts, body, sig); err != nil {
				writeUnauthorized(w, "signature does not match address")
				return
			}
			if replay != nil {
				fresh, err := replay.Claim(r.Context(), "sig:"+strings.ToLower(strings.TrimPrefix(sig, "0x")), replayTTL)
				if err != nil {
					writeJSONError(w, http.StatusServiceUnavailable, "replay check unavailable", "INTERNAL")
					return
				}
				if !fresh {
					writeUnauthorized(w, "signature already used")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), addr)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusUnauthorized, msg, "UNAUTHENTICATED")
}

func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `","code":"` + code + `"}`))
}
