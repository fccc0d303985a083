package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/connbroker/internal/model"
)

// defaultAuditLimit はAuditFilter.Limitが未指定の場合の取得件数。
const defaultAuditLimit = 100

// PostgresAuditRepo はPostgreSQLを使用した監査ログリポジトリ。
// UPDATE/DELETEは提供しない。
type PostgresAuditRepo struct {
	db *sql.DB
}

// NewPostgresAuditRepo はPostgresAuditRepoを生成する。
func NewPostgresAuditRepo(db *sql.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

// Append は監査ログを追記する。
func (r *PostgresAuditRepo) Append(ctx context.Context, entry *model.AuditLogEntry) error {
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode audit metadata: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`INSERT INTO audit_logs (user_id, action, metadata, ip_address, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		nullString(entry.UserID), entry.Action, raw, entry.IPAddress, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return nil
}

// List はユーザーの監査ログを新しい順に返す。UserIDが空の場合は何も返さない。
func (r *PostgresAuditRepo) List(ctx context.Context, filter model.AuditFilter) ([]*model.AuditLogEntry, error) {
	if filter.UserID == "" {
		return nil, nil
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, action, metadata, ip_address, created_at
		 FROM audit_logs
		 WHERE user_id = $1 AND ($2::text = '' OR action = $2::text)
		 ORDER BY id DESC
		 LIMIT $3`,
		filter.UserID, string(filter.Action), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*model.AuditLogEntry
	for rows.Next() {
		entry := &model.AuditLogEntry{}
		var userID sql.NullString
		var raw []byte
		if err := rows.Scan(&entry.ID, &userID, &entry.Action, &raw, &entry.IPAddress, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		entry.UserID = nullStringValue(userID)
		if err := json.Unmarshal(raw, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit logs: %w", err)
	}
	return entries, nil
}

// compile-time interface check
var _ AuditRepository = (*PostgresAuditRepo)(nil)
