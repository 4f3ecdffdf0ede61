package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

type captureSender struct {
	name   string
	titles []string
	err    error
}

func (c *captureSender) Send(_ context.Context, title, _ string) error {
	c.titles = append(c.titles, title)
	return c.err
}

func (c *captureSender) Name() string { return c.name }

var (
	alice    = common.HexToAddress("0xA11CE00000000000000000000000000000000001")
	testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func harvestEvent() domain.Event {
	e := domain.NewEvent(domain.EventHarvest, alice, testTime)
	e.VaultID = 3
	e.Profit = 200
	e.Fee = 20
	return e
}

func TestNotifierFiltersKinds(t *testing.T) {
	s := &captureSender{name: "capture"}
	n := NewNotifier([]Sender{s}, []string{"harvest", " position_closed "}, slog.Default())

	require.NoError(t, n.HandleEvent(context.Background(), harvestEvent()))
	require.NoError(t, n.HandleEvent(context.Background(), domain.NewEvent(domain.EventDeposit, alice, testTime)))

	assert.Equal(t, []string{"Vault 3 harvested"}, s.titles)
	assert.True(t, n.Allows(domain.EventPositionClosed))
	assert.False(t, n.Allows(domain.EventDeposit))
}

func TestNotifierEmptyFilterAllowsAll(t *testing.T) {
	s := &captureSender{name: "capture"}
	n := NewNotifier([]Sender{s}, nil, slog.Default())
	require.NoError(t, n.HandleEvent(context.Background(), domain.NewEvent(domain.EventDeposit, alice, testTime)))
	assert.Len(t, s.titles, 1)
}

func TestNotifierContinuesAfterSenderFailure(t *testing.T) {
	bad := &captureSender{name: "bad", err: errors.New("boom")}
	good := &captureSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, slog.Default())

	err := n.NotifyAll(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.titles, 1)
}

func TestFormat(t *testing.T) {
	rebalance := domain.NewEvent(domain.EventHarvest, alice, testTime)
	rebalance.VaultID = 1
	rebalance.Price = 1_000_000

	tests := []struct {
		name  string
		event domain.Event
		title string
	}{
		{"harvest", harvestEvent(), "Vault 3 harvested"},
		{"rebalance", rebalance, "Vault 1 rebalanced"},
		{"opened", domain.Event{Kind: domain.EventPositionOpened, PositionID: 7}, "Arb position 7 opened"},
		{"unknown", domain.Event{Kind: "mystery", Seq: 9}, "mystery"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			title, body := Format(tc.event)
			assert.Equal(t, tc.title, title)
			assert.NotEmpty(t, body)
		})
	}
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithAPIBase(srv.URL + "/")
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestDiscordSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: unexpected status 429")
}

func TestDiscordSenderEmbed(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	s.now = func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) }
	require.NoError(t, s.Send(context.Background(), "Vault 1 harvest", "net 180, fee 20"))

	assert.Equal(t, "vaultd", got.Username)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "Vault 1 harvest", got.Embeds[0].Title)
	assert.Equal(t, "net 180, fee 20", got.Embeds[0].Description)
	assert.Equal(t, "2024-05-01T08:00:00Z", got.Embeds[0].Timestamp)
}
