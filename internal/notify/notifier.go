// Package notify forwards selected vault and arbitrage events to chat
// channels such as Telegram and Discord.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// Sender delivers one formatted message to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans events out to every Sender. When a kind filter is
// configured, events of other kinds are dropped.
type Notifier struct {
	senders []Sender
	kinds   map[domain.EventKind]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty kinds list lets every event
// through.
func NewNotifier(senders []Sender, kinds []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventKind]bool, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			allowed[domain.EventKind(k)] = true
		}
	}
	return &Notifier{
		senders: senders,
		kinds:   allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Allows reports whether events of kind pass the filter.
func (n *Notifier) Allows(kind domain.EventKind) bool {
	return len(n.kinds) == 0 || n.kinds[kind]
}

// HandleEvent formats a committed event and sends it to every channel.
func (n *Notifier) HandleEvent(ctx context.Context, e domain.Event) error {
	if !n.Allows(e.Kind) {
		return nil
	}
	title, message := Format(e)
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a free-form message regardless of the kind filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Format renders an event as a title and a short body.
func Format(e domain.Event) (string, string) {
	user := e.User.Hex()
	switch e.Kind {
	case domain.EventDeposit:
		return fmt.Sprintf("Deposit into vault %d", e.VaultID),
			fmt.Sprintf("%s deposited %d for %d shares", user, e.Amount, e.Shares)
	case domain.EventWithdraw:
		return fmt.Sprintf("Withdrawal from vault %d", e.VaultID),
			fmt.Sprintf("%s redeemed %d shares for %d", user, e.Shares, e.Amount)
	case domain.EventHarvest:
		if e.Profit == 0 && e.Price != 0 {
			return fmt.Sprintf("Vault %d rebalanced", e.VaultID),
				fmt.Sprintf("keeper %s rebalanced at price %d", user, e.Price)
		}
		return fmt.Sprintf("Vault %d harvested", e.VaultID),
			fmt.Sprintf("profit %d, performance fee %d", e.Profit, e.Fee)
	case domain.EventPositionOpened:
		return fmt.Sprintf("Arb position %d opened", e.PositionID),
			fmt.Sprintf("%s on %s, size %d at %d bps", user, e.Market, e.Amount, e.FundingRateBps)
	case domain.EventPositionClosed:
		return fmt.Sprintf("Arb position %d closed", e.PositionID),
			fmt.Sprintf("%s realized %d", user, e.Profit)
	case domain.EventOpportunityFound:
		return "Funding opportunity",
			fmt.Sprintf("%s at %d bps, predicted profit %d", e.Market, e.FundingRateBps, e.Profit)
	case domain.EventVaultCreated:
		return fmt.Sprintf("Vault %d created", e.VaultID), fmt.Sprintf("admin %s", user)
	case domain.EventVaultPaused:
		return fmt.Sprintf("Vault %d paused", e.VaultID), fmt.Sprintf("by %s", user)
	case domain.EventVaultUnpaused:
		return fmt.Sprintf("Vault %d unpaused", e.VaultID), fmt.Sprintf("by %s", user)
	case domain.EventVaultParamsUpdated:
		return fmt.Sprintf("Vault %d parameters updated", e.VaultID), fmt.Sprintf("by %s", user)
	default:
		return string(e.Kind), fmt.Sprintf("event %d from %s", e.Seq, user)
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
