package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

const maxAuditPage = 1000

// AuditStore implements domain.AuditStore on the audit_log table.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends one entry. A numeric "vault_id" in detail is copied into the
// indexed vault_id column.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (event, vault_id, detail) VALUES (@event, @vault_id, @detail)`,
		pgx.NamedArgs{"event": event, "vault_id": auditVaultID(detail), "detail": raw},
	)
	if err != nil {
		return fmt.Errorf("postgres: log audit %s: %w", event, err)
	}
	return nil
}

// List returns matching entries newest first.
func (s *AuditStore) List(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	where := []string{"TRUE"}
	args := pgx.NamedArgs{}
	if q.Event != "" {
		where = append(where, "event = @event")
		args["event"] = q.Event
	}
	if q.VaultID != 0 {
		where = append(where, "vault_id = @vault_id")
		args["vault_id"] = int64(q.VaultID)
	}
	if q.Since != nil {
		where = append(where, "created_at >= @since")
		args["since"] = *q.Since
	}
	if q.Until != nil {
		where = append(where, "created_at <= @until")
		args["until"] = *q.Until
	}

	limit := q.Limit
	if limit <= 0 || limit > maxAuditPage {
		limit = maxAuditPage
	}
	args["limit"] = limit
	args["offset"] = max(q.Offset, 0)

	query := `SELECT id, event, COALESCE(vault_id, 0), detail, created_at FROM audit_log WHERE ` +
		strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC LIMIT @limit OFFSET @offset`

	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AuditEntry, error) {
		var (
			e       domain.AuditEntry
			vaultID int64
			raw     []byte
		)
		if err := row.Scan(&e.ID, &e.Event, &vaultID, &raw, &e.CreatedAt); err != nil {
			return e, err
		}
		e.VaultID = uint64(vaultID)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Detail); err != nil {
				return e, fmt.Errorf("unmarshal detail: %w", err)
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	return entries, nil
}

// auditVaultID returns nil when detail carries no usable vault id so the
// column stays NULL.
func auditVaultID(detail map[string]any) any {
	switch v := detail["vault_id"].(type) {
	case uint64:
		if v > 0 && v <= 1<<63-1 {
			return int64(v)
		}
	case int64:
		if v > 0 {
			return v
		}
	case int:
		if v > 0 {
			return int64(v)
		}
	case float64:
		if v > 0 {
			return int64(v)
		}
	}
	return nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
