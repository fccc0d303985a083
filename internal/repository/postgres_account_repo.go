package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/hitoshi/connbroker/internal/model"
)

// identityProviderKey は identities の (provider, provider_user_id) 一意制約名。
const identityProviderKey = "identities_provider_provider_user_id_key"

// PostgresAccountRepo はログインユーザーとそのidentityを扱うリポジトリ。
// UserRepository と IdentityRepository の両方を実装する。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	u := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at, updated_at FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return u, nil
}

// FindByProviderAndProviderUserID はIdPのサブジェクトからidentityを引く。
// 見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	ident := &model.Identity{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, provider_user_id, created_at
		 FROM identities
		 WHERE provider = $1 AND provider_user_id = $2`,
		provider, providerUserID,
	).Scan(&ident.ID, &ident.UserID, &ident.Provider, &ident.ProviderUserID, &ident.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	return ident, nil
}

// CreateWithIdentity はユーザー、identity、残高0のウォレットを同一トランザクションで作成する。
// 同じサブジェクトの初回ログインが並行した場合、後着側は ErrIdentityExists を返す。
func (r *PostgresAccountRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, email, name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Email, user.Name, user.CreatedAt, user.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO identities (id, user_id, provider, provider_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		identity.ID, user.ID, identity.Provider, identity.ProviderUserID, identity.CreatedAt,
	); err != nil {
		if isUniqueViolation(err, identityProviderKey) {
			return ErrIdentityExists
		}
		return fmt.Errorf("failed to insert identity: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_wallets (user_id, balance, updated_at)
		 VALUES ($1, 0, $2)
		 ON CONFLICT (user_id) DO NOTHING`,
		user.ID, user.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to open wallet: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	identity.UserID = user.ID
	return nil
}

// PostgresSessionRepo はログインセッションのリポジトリ。
// CookieのセッションIDはSHA-256ダイジェストとして保存し、平文はDBに残さない。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// sessionDigest はセッションIDの保存用ダイジェストを返す。
func sessionDigest(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, user_agent, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		sessionDigest(session.ID), session.UserID, session.UserAgent, session.ExpiresAt, session.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は有効期限内のセッションを取得する。期限切れ・未登録の場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	s := &model.Session{ID: id}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, user_agent, expires_at, created_at
		 FROM sessions
		 WHERE id = $1 AND expires_at > now()`,
		sessionDigest(id),
	).Scan(&s.UserID, &s.UserAgent, &s.ExpiresAt, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return s, nil
}

// DeleteByID はセッションを破棄する。存在しない場合も成功とする。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		sessionDigest(id),
	); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

var (
	_ UserRepository     = (*PostgresAccountRepo)(nil)
	_ IdentityRepository = (*PostgresAccountRepo)(nil)
	_ SessionRepository  = (*PostgresSessionRepo)(nil)
)
