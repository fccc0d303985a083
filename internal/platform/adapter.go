// Package platform は外部SNSとのOAuth連携・投稿を行うアダプターを提供する。
// ブローカーはAdapterインターフェースのみを通して外部プラットフォームを扱う。
package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hitoshi/connbroker/internal/model"
	"github.com/hitoshi/connbroker/internal/security"
)

// ErrNotImplemented は認識済みだがアダプターが登録されていないプラットフォームで返される。
var ErrNotImplemented = errors.New("platform adapter not implemented")

// Token はOAuthトークン。平文のため永続化前に暗号化すること。
type Token struct {
	AccessToken  string
	RefreshToken string
	Scopes       []string
	ExpiresAt    *time.Time
}

// Account は認可コード交換で得られた外部アカウント情報。
type Account struct {
	ExternalAccountID string
	Username          string
	Verified          bool
	FollowerCount     int
	Token             Token
}

// PublishRequest は投稿リクエスト。
type PublishRequest struct {
	AccessToken string
	Content     string
	// Title はRedditの投稿タイトル。空の場合は本文の先頭から生成する。
	Title string
	// Target はRedditの投稿先subreddit。空の場合はユーザープロフィールに投稿する。
	Target string
	// Username は投稿者の外部ユーザー名。
	Username string
}

// PublishResult は投稿結果。
type PublishResult struct {
	ExternalID string
	URL        string
}

// Adapter は外部プラットフォームのOAuthと投稿APIを抽象化する。
type Adapter interface {
	// Platform は対応するプラットフォームを返す。
	Platform() model.Platform
	// AuthCodeURL は認可画面のURLを返す。verifierはPKCE非対応のプラットフォームでは無視される。
	AuthCodeURL(state, redirectURL, verifier string) string
	// Exchange は認可コードをトークンに交換し、外部アカウント情報を取得する。
	Exchange(ctx context.Context, code, redirectURL, verifier string) (*Account, error)
	// Refresh はリフレッシュトークンで新しいトークンを取得する。
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
	// Revoke はトークンを失効させる。
	Revoke(ctx context.Context, token string) error
	// Publish は投稿を行う。
	Publish(ctx context.Context, req PublishRequest) (*PublishResult, error)
}

// Registry はプラットフォームごとのアダプターを保持する。
type Registry struct {
	adapters map[model.Platform]Adapter
}

// NewRegistry はRegistryを生成する。nilのアダプターは無視する。
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Platform()] = a
		}
	}
	return r
}

// Lookup は指定プラットフォームのアダプターを返す。
// 登録されていない場合は ErrNotImplemented を返す。
func (r *Registry) Lookup(p model.Platform) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, ErrNotImplemented)
	}
	return a, nil
}

// Platforms は登録済みのプラットフォームを名前順に返す。
func (r *Registry) Platforms() []model.Platform {
	out := make([]model.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Endpoints はアダプターの接続先URL。空の項目は既定値を使う。
type Endpoints struct {
	AuthURL    string
	TokenURL   string
	RevokeURL  string
	APIBaseURL string
}

// ValidateEndpoints は設定で上書きされたエンドポイントをSSRFガードで検証する。
func ValidateEndpoints(guard security.SSRFGuardService, e Endpoints) error {
	for name, u := range map[string]string{
		"auth":   e.AuthURL,
		"token":  e.TokenURL,
		"revoke": e.RevokeURL,
		"api":    e.APIBaseURL,
	} {
		if u == "" {
			continue
		}
		if err := guard.ValidateURL(u); err != nil {
			return fmt.Errorf("invalid %s endpoint: %w", name, err)
		}
	}
	return nil
}

// StatusError は外部APIが成功以外のステータスを返したことを表す。
type StatusError struct {
	Platform   model.Platform
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed with status %d: %s", e.Platform, e.Operation, e.StatusCode, e.Body)
}
