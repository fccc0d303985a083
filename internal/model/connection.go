// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Platform は連携先の外部SNSを表す。
type Platform string

const (
	// PlatformTwitter はTwitter(X)連携。
	PlatformTwitter Platform = "twitter"
	// PlatformReddit はReddit連携。
	PlatformReddit Platform = "reddit"
	// PlatformLinkedIn はLinkedIn連携。列挙値として予約済みだが未実装。
	PlatformLinkedIn Platform = "linkedin"
)

// knownPlatforms は認識済みプラットフォームの一覧。
var knownPlatforms = []Platform{PlatformTwitter, PlatformReddit, PlatformLinkedIn}

// ParsePlatform は文字列をPlatformに変換する。
// 大文字小文字と前後の空白は無視する。未知の値の場合はfalseを返す。
func ParsePlatform(raw string) (Platform, bool) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range knownPlatforms {
		if p == known {
			return p, true
		}
	}
	return "", false
}

// KnownPlatforms は認識済みプラットフォームのコピーを返す。
func KnownPlatforms() []Platform {
	out := make([]Platform, len(knownPlatforms))
	copy(out, knownPlatforms)
	return out
}

// DisplayName はユーザー向けメッセージに使う表示名を返す。
func (p Platform) DisplayName() string {
	switch p {
	case PlatformTwitter:
		return "Twitter"
	case PlatformReddit:
		return "Reddit"
	case PlatformLinkedIn:
		return "LinkedIn"
	default:
		return string(p)
	}
}

// ConnectionStatus は連携レコードのライフサイクル状態を表す。
type ConnectionStatus string

const (
	// ConnectionStatusPending は認可フロー開始済み・コールバック待ち。
	ConnectionStatusPending ConnectionStatus = "pending"
	// ConnectionStatusConnected は連携完了。
	ConnectionStatusConnected ConnectionStatus = "connected"
	// ConnectionStatusRevoked はユーザーによる連携解除済み。
	ConnectionStatusRevoked ConnectionStatus = "revoked"
	// ConnectionStatusError はコールバック失敗・期限切れ・置き換え等による終了状態。
	ConnectionStatusError ConnectionStatus = "error"
)

// Connection はユーザーと外部プラットフォームアカウントの連携を表す。
// (user_id, platform) ごとに connected は最大1件。
type Connection struct {
	ID                string
	UserID            string
	Platform          Platform
	Status            ConnectionStatus
	ExternalAccountID string
	ExternalUsername  string
	Scopes            []string
	Verified          bool
	FollowerCount     int
	ErrorMessage      string
	AccessToken       string // 暗号化済み
	RefreshToken      string // 暗号化済み
	TokenExpiresAt    *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ConnectedAt       *time.Time
	RevokedAt         *time.Time
}

// TokenExpired はアクセストークンの有効期限が切れていて、
// リフレッシュトークンも保持していない場合にtrueを返す。
func (c *Connection) TokenExpired(now time.Time) bool {
	if c.Status != ConnectionStatusConnected || c.TokenExpiresAt == nil {
		return false
	}
	return c.RefreshToken == "" && !now.Before(*c.TokenExpiresAt)
}

// ConnectedAccount は認可コード交換で得られた外部アカウント情報。
// トークンは暗号化済みの値を保持する。
type ConnectedAccount struct {
	ExternalAccountID string
	ExternalUsername  string
	Scopes            []string
	Verified          bool
	FollowerCount     int
	AccessToken       string
	RefreshToken      string
	TokenExpiresAt    *time.Time
}

// OAuthStateTTL はCSRF stateトークンの有効期間。
// 放棄された認可フローはこの期限で打ち切られる。
const OAuthStateTTL = 15 * time.Minute

// OAuthState は認可リクエストを開始ユーザーと連携レコードに結びつける
// 使い捨てのCSRF stateトークン。
type OAuthState struct {
	Token        string
	UserID       string
	Platform     Platform
	ConnectionID string
	CodeVerifier string // PKCE
	IssuedAt     time.Time
	ExpiresAt    time.Time
	ConsumedAt   *time.Time
}

// StateCheck はstateトークン検証の結果を表す。
// クライアントへは StateValid 以外をすべて同じ「Session expired」として返し、
// 区別はサーバーログにのみ残す。
type StateCheck string

const (
	StateValid    StateCheck = "valid"
	StateAbsent   StateCheck = "absent"
	StateConsumed StateCheck = "consumed"
	StateExpired  StateCheck = "expired"
	StateMismatch StateCheck = "mismatch"
)

// Check はstateが指定時刻・指定連携IDで消費可能かを判定する。
// nilレシーバーは StateAbsent を返す。
func (s *OAuthState) Check(now time.Time, connectionID string) StateCheck {
	switch {
	case s == nil:
		return StateAbsent
	case s.ConsumedAt != nil:
		return StateConsumed
	case !now.Before(s.ExpiresAt):
		return StateExpired
	case s.ConnectionID != connectionID:
		return StateMismatch
	default:
		return StateValid
	}
}
