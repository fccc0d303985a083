package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// KeyLocker は任意の文字列キーでトランザクションを直列化する。
// PostgreSQLのトランザクションスコープのアドバイザリロックを使うため、
// 複数インスタンスから同時に呼ばれても同じキーの処理は1つずつ実行される。
type KeyLocker struct {
	db TxBeginner
}

// NewKeyLocker はKeyLockerを生成する。
func NewKeyLocker(db TxBeginner) *KeyLocker {
	return &KeyLocker{db: db}
}

// WithKeyLock はkeyのロックを取得したトランザクション内でfnを実行する。
// fnがnilを返した場合のみコミットする。ロックはコミットまたはロールバックで解放される。
func (l *KeyLocker) WithKeyLock(ctx context.Context, key string, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("failed to acquire lock for %q: %w", key, err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// isUniqueViolation はerrが一意制約違反かを判定する。
// constraintが空でない場合は制約名も一致する必要がある。
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// nullString は空文字をNULLとして扱うsql.NullStringを生成する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullTimePtr はsql.NullTimeを*time.Timeに変換する。
func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
