package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/connbroker/internal/model"
)

// SupersededMessage は新しい認可フローに置き換えられたpending連携のエラーメッセージ。
const SupersededMessage = "superseded by a newer authorization"

// activeConnectionIndex は(user_id, platform)ごとの有効な連携を1件に制限する部分ユニークインデックス名。
const activeConnectionIndex = "uq_connections_user_platform_active"

const connectionColumns = `id, user_id, platform, status, external_account_id, external_username,
	scopes, verified, follower_count, error_message, access_token, refresh_token,
	token_expires_at, created_at, updated_at, connected_at, revoked_at`

// PostgresConnectionRepo はPostgreSQLを使用した連携リポジトリ。
type PostgresConnectionRepo struct {
	db     *sql.DB
	locker *KeyLocker
}

// NewPostgresConnectionRepo はPostgresConnectionRepoを生成する。
func NewPostgresConnectionRepo(db *sql.DB, locker *KeyLocker) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{db: db, locker: locker}
}

// connectionLockKey は(user, platform)の直列化キーを返す。
func connectionLockKey(userID string, platform model.Platform) string {
	return fmt.Sprintf("connection:%s:%s", userID, platform)
}

// CreatePending はpending連携とstateを作成する。
// アドバイザリロックと部分ユニークインデックスの二重で(user, platform)の一意性を守る。
// ロックを経由しない書き込みと競合して一意制約違反になった場合は1回だけやり直す。
func (r *PostgresConnectionRepo) CreatePending(ctx context.Context, conn *model.Connection, state *model.OAuthState) (string, error) {
	var supersededID string
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		supersededID, err = r.createPendingOnce(ctx, conn, state)
		if err == nil || !isUniqueViolation(err, activeConnectionIndex) {
			return supersededID, err
		}
	}
	return "", ErrAlreadyConnected
}

func (r *PostgresConnectionRepo) createPendingOnce(ctx context.Context, conn *model.Connection, state *model.OAuthState) (string, error) {
	var supersededID string
	err := r.locker.WithKeyLock(ctx, connectionLockKey(conn.UserID, conn.Platform), func(tx *sql.Tx) error {
		var existingID string
		var existingStatus model.ConnectionStatus
		err := tx.QueryRowContext(ctx,
			`SELECT id, status FROM connections
			 WHERE user_id = $1 AND platform = $2 AND status IN ('pending', 'connected')
			 FOR UPDATE`,
			conn.UserID, conn.Platform,
		).Scan(&existingID, &existingStatus)

		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return fmt.Errorf("failed to find active connection: %w", err)
		case existingStatus == model.ConnectionStatusConnected:
			return ErrAlreadyConnected
		default:
			if _, err := tx.ExecContext(ctx,
				`UPDATE connections
				 SET status = 'error', error_message = $2, updated_at = $3
				 WHERE id = $1 AND status = 'pending'`,
				existingID, SupersededMessage, conn.CreatedAt,
			); err != nil {
				return fmt.Errorf("failed to supersede pending connection: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE oauth_states SET consumed_at = $2
				 WHERE connection_id = $1 AND consumed_at IS NULL`,
				existingID, conn.CreatedAt,
			); err != nil {
				return fmt.Errorf("failed to invalidate superseded states: %w", err)
			}
			supersededID = existingID
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO connections (id, user_id, platform, status, scopes, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
			conn.ID, conn.UserID, conn.Platform, model.ConnectionStatusPending,
			pq.Array(conn.Scopes), conn.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert pending connection: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO oauth_states (state_token, user_id, platform, connection_id, code_verifier, issued_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			state.Token, state.UserID, state.Platform, state.ConnectionID,
			state.CodeVerifier, state.IssuedAt, state.ExpiresAt,
		); err != nil {
			return fmt.Errorf("failed to insert oauth state: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return supersededID, nil
}

// FindByID は指定IDの連携を取得する。見つからない場合はnilを返す。
func (r *PostgresConnectionRepo) FindByID(ctx context.Context, id string) (*model.Connection, error) {
	conn, err := scanConnection(r.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find connection: %w", err)
	}
	return conn, nil
}

// FindConnected はユーザーの指定プラットフォームの接続済み連携を取得する。
func (r *PostgresConnectionRepo) FindConnected(ctx context.Context, userID string, platform model.Platform) (*model.Connection, error) {
	conn, err := scanConnection(r.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE user_id = $1 AND platform = $2 AND status = 'connected'`,
		userID, platform,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find connected account: %w", err)
	}
	return conn, nil
}

// ListByUserID はプラットフォームごとに最新の連携を返す。
func (r *PostgresConnectionRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Connection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT ON (platform) `+connectionColumns+`
		 FROM connections
		 WHERE user_id = $1
		 ORDER BY platform, created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*model.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}
	return conns, nil
}

// MarkConnected はpendingの連携をconnectedへ遷移させる。
func (r *PostgresConnectionRepo) MarkConnected(ctx context.Context, id string, account *model.ConnectedAccount, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE connections SET
		    status = 'connected',
		    external_account_id = $2, external_username = $3, scopes = $4,
		    verified = $5, follower_count = $6,
		    access_token = $7, refresh_token = $8, token_expires_at = $9,
		    error_message = '', connected_at = $10, updated_at = $10
		 WHERE id = $1 AND status = 'pending'`,
		id, account.ExternalAccountID, account.ExternalUsername, pq.Array(account.Scopes),
		account.Verified, account.FollowerCount,
		account.AccessToken, account.RefreshToken, account.TokenExpiresAt,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark connection connected: %w", err)
	}
	return affectedOne(result)
}

// MarkError はpendingの連携をerrorへ遷移させる。行は削除せず残す。
func (r *PostgresConnectionRepo) MarkError(ctx context.Context, id, message string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE connections SET status = 'error', error_message = $2, updated_at = $3
		 WHERE id = $1 AND status = 'pending'`,
		id, message, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark connection error: %w", err)
	}
	return affectedOne(result)
}

// MarkRevoked はconnectedの連携をrevokedへ遷移させ、保持していたトークンを消去する。
func (r *PostgresConnectionRepo) MarkRevoked(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE connections SET
		    status = 'revoked', revoked_at = $2, updated_at = $2,
		    access_token = '', refresh_token = '', token_expires_at = NULL
		 WHERE id = $1 AND status = 'connected'`,
		id, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark connection revoked: %w", err)
	}
	return affectedOne(result)
}

// UpdateTokens はconnectedの連携のトークンを差し替える。
func (r *PostgresConnectionRepo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE connections SET
		    access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = $5
		 WHERE id = $1 AND status = 'connected'`,
		id, accessToken, refreshToken, expiresAt, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update connection tokens: %w", err)
	}
	return affectedOne(result)
}

func scanConnection(row rowScanner) (*model.Connection, error) {
	conn := &model.Connection{}
	var tokenExpiresAt, connectedAt, revokedAt sql.NullTime
	err := row.Scan(
		&conn.ID, &conn.UserID, &conn.Platform, &conn.Status,
		&conn.ExternalAccountID, &conn.ExternalUsername,
		pq.Array(&conn.Scopes), &conn.Verified, &conn.FollowerCount, &conn.ErrorMessage,
		&conn.AccessToken, &conn.RefreshToken,
		&tokenExpiresAt, &conn.CreatedAt, &conn.UpdatedAt, &connectedAt, &revokedAt,
	)
	if err != nil {
		return nil, err
	}
	conn.TokenExpiresAt = nullTimePtr(tokenExpiresAt)
	conn.ConnectedAt = nullTimePtr(connectedAt)
	conn.RevokedAt = nullTimePtr(revokedAt)
	return conn, nil
}

// affectedOne は更新件数が1件以上かを返す。
func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// PostgresOAuthStateRepo はPostgreSQLを使用したstateトークンリポジトリ。
// stateの作成は連携と同じトランザクションで PostgresConnectionRepo.CreatePending が行う。
type PostgresOAuthStateRepo struct {
	db *sql.DB
}

// NewPostgresOAuthStateRepo はPostgresOAuthStateRepoを生成する。
func NewPostgresOAuthStateRepo(db *sql.DB) *PostgresOAuthStateRepo {
	return &PostgresOAuthStateRepo{db: db}
}

const stateColumns = `state_token, user_id, platform, connection_id, code_verifier, issued_at, expires_at, consumed_at`

// FindByToken はstateトークンを取得する。見つからない場合はnilを返す。
func (r *PostgresOAuthStateRepo) FindByToken(ctx context.Context, token string) (*model.OAuthState, error) {
	state, err := scanState(r.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM oauth_states WHERE state_token = $1`, token,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find oauth state: %w", err)
	}
	return state, nil
}

// Consume は条件付きUPDATEでstateを消費する。成功するのは最初の1回だけ。
func (r *PostgresOAuthStateRepo) Consume(ctx context.Context, token, connectionID string, now time.Time) (*model.OAuthState, error) {
	state, err := scanState(r.db.QueryRowContext(ctx,
		`UPDATE oauth_states SET consumed_at = $3
		 WHERE state_token = $1 AND connection_id = $2
		   AND consumed_at IS NULL AND expires_at > $3
		 RETURNING `+stateColumns,
		token, connectionID, now,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}
	return state, nil
}

func scanState(row rowScanner) (*model.OAuthState, error) {
	state := &model.OAuthState{}
	var consumedAt sql.NullTime
	err := row.Scan(
		&state.Token, &state.UserID, &state.Platform, &state.ConnectionID,
		&state.CodeVerifier, &state.IssuedAt, &state.ExpiresAt, &consumedAt,
	)
	if err != nil {
		return nil, err
	}
	state.ConsumedAt = nullTimePtr(consumedAt)
	return state, nil
}

// compile-time interface check
var (
	_ ConnectionRepository = (*PostgresConnectionRepo)(nil)
	_ OAuthStateRepository = (*PostgresOAuthStateRepo)(nil)
)
