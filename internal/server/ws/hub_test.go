package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil, slog.Default())
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.HandleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (string, domain.Event) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	var e domain.Event
	require.NoError(t, json.Unmarshal(env.Payload, &e))
	return env.Type, e
}

func TestHubFiltersByVault(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "?vault_id=1")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, hub.HandleEvent(ctx, domain.Event{Seq: 1, Kind: domain.EventDeposit, VaultID: 2}))
	require.NoError(t, hub.HandleEvent(ctx, domain.Event{Seq: 2, Kind: domain.EventDeposit, VaultID: 1}))

	kind, e := readEnvelope(t, conn)
	assert.Equal(t, "event", kind)
	assert.Equal(t, uint64(2), e.Seq)
}

func TestHubSubscribeMessage(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "?vault_id=1")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "subscribe", VaultIDs: []uint64{5}}))
	require.Eventually(t, func() bool {
		for c := range snapshot(hub) {
			if c.wants(5) {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.HandleEvent(context.Background(), domain.Event{Seq: 7, Kind: domain.EventHarvest, VaultID: 5}))
	_, e := readEnvelope(t, conn)
	assert.Equal(t, uint64(7), e.Seq)
}

func TestHubUnsubscribeLastVault(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "?vault_id=1")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", VaultIDs: []uint64{1}}))
	require.Eventually(t, func() bool {
		for c := range snapshot(hub) {
			if c.wants(1) {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, hub.HandleEvent(ctx, domain.Event{Seq: 1, Kind: domain.EventDeposit, VaultID: 1}))
	require.NoError(t, hub.HandleEvent(ctx, domain.Event{Seq: 2, Kind: domain.EventDeposit, VaultID: 2}))
	require.NoError(t, hub.HandleEvent(ctx, domain.Event{Seq: 3, Kind: domain.EventPositionOpened, PositionID: 1}))

	_, e := readEnvelope(t, conn)
	assert.Equal(t, uint64(3), e.Seq, "empty id set follows no vaults")

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "all"}))
	require.Eventually(t, func() bool {
		for c := range snapshot(hub) {
			if c.wants(2) {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestHubArbEventsReachEveryone(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "?vault_id=3")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.HandleEvent(context.Background(), domain.Event{Seq: 4, Kind: domain.EventPositionOpened, PositionID: 1}))
	_, e := readEnvelope(t, conn)
	assert.Equal(t, domain.EventPositionOpened, e.Kind)
}

func TestHubRejectsBadVaultFilter(t *testing.T) {
	_, srv := startHub(t)
	resp, err := http.Get(srv.URL + "/ws?vault_id=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func snapshot(h *Hub) map[*client]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[*client]bool, len(h.clients))
	for c := range h.clients {
		out[c] = true
	}
	return out
}
