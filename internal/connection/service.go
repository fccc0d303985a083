// Package connection は外部SNSアカウント連携のOAuthフローを管理する。
// 連携開始・コールバック処理・連携解除を提供し、状態はリポジトリの条件付き更新で遷移させる。
package connection

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/hitoshi/connbroker/internal/audit"
	"github.com/hitoshi/connbroker/internal/metrics"
	"github.com/hitoshi/connbroker/internal/model"
	"github.com/hitoshi/connbroker/internal/platform"
	"github.com/hitoshi/connbroker/internal/ratelimit"
	"github.com/hitoshi/connbroker/internal/repository"
	"github.com/hitoshi/connbroker/internal/security"
)

const (
	// stateTokenBytes はstateトークンのランダムバイト数。
	stateTokenBytes = 32
	// maxUsernameRunes は保存する外部ユーザー名の最大文字数。
	maxUsernameRunes = 100
	// initiateAction はレート制限キーのアクション名。
	initiateAction = "oauth_initiate"
	// defaultAdapterTimeout は外部API呼び出しの既定タイムアウト。
	defaultAdapterTimeout = 15 * time.Second
)

// コールバックのリダイレクトに載せるメッセージ。
const (
	MessageAuthorizationDenied = "Authorization was denied"
	MessageAuthorizationFailed = "Authorization failed"
	MessageMissingParameters   = "Missing parameters"
)

// AdapterRegistry はプラットフォームアダプターの検索。
type AdapterRegistry interface {
	Lookup(p model.Platform) (platform.Adapter, error)
}

// RateLimiter はキー単位のレート制限判定。
type RateLimiter interface {
	Allow(ctx context.Context, key string) (model.RateLimitDecision, error)
}

// Config はServiceの設定。
type Config struct {
	// CallbackURL は外部プラットフォームからのリダイレクト先（/auth/callback の絶対URL）。
	CallbackURL string
	// StateTTL はstateトークンの有効期間。0の場合は model.OAuthStateTTL。
	StateTTL time.Duration
	// AdapterTimeout はトークン交換・失効APIのタイムアウト。
	AdapterTimeout time.Duration
}

// InitiateResult は連携開始の結果。
type InitiateResult struct {
	AuthURL      string
	ConnectionID string
	State        string
	Platform     model.Platform
}

// CallbackParams は外部プラットフォームからのコールバックパラメータ。
type CallbackParams struct {
	ConnectionID     string
	State            string
	Code             string
	Error            string
	ErrorDescription string
	IPAddress        string
}

// CallbackResult はコールバック処理の結果。リダイレクト先の決定に使う。
// 連携IDやトークンは含めない。
type CallbackResult struct {
	Success  bool
	Platform model.Platform
	Message  string
}

// ActiveAccount は投稿に使う接続済みアカウントと復号済みアクセストークン。
type ActiveAccount struct {
	Connection  *model.Connection
	AccessToken string
}

// Service は連携サービス。
type Service struct {
	conns     repository.ConnectionRepository
	states    repository.OAuthStateRepository
	adapters  AdapterRegistry
	limiter   RateLimiter
	audit     audit.Recorder
	sealer    security.TokenSealer
	sanitizer security.TextSanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
	newID     func() string
}

// NewService はServiceを生成する。
func NewService(
	conns repository.ConnectionRepository,
	states repository.OAuthStateRepository,
	adapters AdapterRegistry,
	limiter RateLimiter,
	recorder audit.Recorder,
	sealer security.TokenSealer,
	sanitizer security.TextSanitizer,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = model.OAuthStateTTL
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = defaultAdapterTimeout
	}
	if mc == nil {
		mc = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		conns:     conns,
		states:    states,
		adapters:  adapters,
		limiter:   limiter,
		audit:     recorder,
		sealer:    sealer,
		sanitizer: sanitizer,
		metrics:   mc,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Initiate はOAuth連携を開始し、認可URLを返す。
// 検証順: プラットフォーム → レート制限 → 重複。いずれかで拒否された場合は連携を作成しない。
func (s *Service) Initiate(ctx context.Context, userID, rawPlatform, clientIP string) (*InitiateResult, error) {
	if userID == "" {
		return nil, model.NewUnauthorizedError()
	}

	p, ok := model.ParsePlatform(rawPlatform)
	if !ok {
		s.metrics.RecordInitiation("unknown", "invalid")
		return nil, model.NewInvalidPlatformError()
	}
	adapter, err := s.adapters.Lookup(p)
	if err != nil {
		s.metrics.RecordInitiation(string(p), "not_implemented")
		return nil, model.NewNotImplementedError(p)
	}

	decision, err := s.limiter.Allow(ctx, ratelimit.Key(userID, clientIP, initiateAction, p))
	if err != nil {
		return nil, fmt.Errorf("failed to check rate limit: %w", err)
	}
	if !decision.Allowed {
		s.metrics.RecordInitiation(string(p), "rate_limited")
		s.metrics.RecordRateLimited(initiateAction)
		s.logger.WarnContext(ctx, "oauth initiation rate limited",
			slog.String("user_id", userID),
			slog.String("platform", string(p)),
			slog.Duration("retry_after", decision.RetryAfter),
		)
		return nil, model.NewRateLimitedError(decision.RetryAfter)
	}

	token, err := newStateToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	conn := &model.Connection{
		ID:        s.newID(),
		UserID:    userID,
		Platform:  p,
		Status:    model.ConnectionStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	state := &model.OAuthState{
		Token:        token,
		UserID:       userID,
		Platform:     p,
		ConnectionID: conn.ID,
		CodeVerifier: oauth2.GenerateVerifier(),
		IssuedAt:     now,
		ExpiresAt:    now.Add(s.cfg.StateTTL),
	}

	supersededID, err := s.conns.CreatePending(ctx, conn, state)
	if errors.Is(err, repository.ErrAlreadyConnected) {
		s.metrics.RecordInitiation(string(p), "duplicate")
		s.record(ctx, audit.Event{
			UserID:    userID,
			Action:    model.AuditConnectionDuplicateRejected,
			IPAddress: clientIP,
			Metadata:  map[string]any{"platform": string(p)},
		})
		return nil, model.NewAlreadyConnectedError(p)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create pending connection: %w", err)
	}

	metadata := map[string]any{"platform": string(p), "connection_id": conn.ID}
	if supersededID != "" {
		metadata["superseded_connection_id"] = supersededID
	}
	s.record(ctx, audit.Event{
		UserID:    userID,
		Action:    model.AuditConnectionInitiated,
		IPAddress: clientIP,
		Metadata:  metadata,
	})
	s.metrics.RecordInitiation(string(p), "ok")

	return &InitiateResult{
		AuthURL:      adapter.AuthCodeURL(state.Token, s.redirectURL(conn.ID), state.CodeVerifier),
		ConnectionID: conn.ID,
		State:        state.Token,
		Platform:     p,
	}, nil
}

// HandleCallback は外部プラットフォームからのコールバックを処理する。
// 失敗の詳細はサーバーログにのみ残し、結果には利用者向けのメッセージだけを載せる。
func (s *Service) HandleCallback(ctx context.Context, params CallbackParams) *CallbackResult {
	if params.Error != "" {
		return s.handleDenied(ctx, params)
	}
	if params.ConnectionID == "" || params.State == "" {
		s.metrics.RecordCallback("unknown", "missing_parameters")
		return &CallbackResult{Message: MessageMissingParameters}
	}

	now := s.now()
	stored, err := s.states.FindByToken(ctx, params.State)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to look up oauth state", slog.String("error", err.Error()))
		return &CallbackResult{Message: MessageAuthorizationFailed}
	}
	if check := stored.Check(now, params.ConnectionID); check != model.StateValid {
		return s.sessionExpired(ctx, stored, params, check)
	}

	state, err := s.states.Consume(ctx, params.State, params.ConnectionID, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to consume oauth state", slog.String("error", err.Error()))
		return &CallbackResult{Message: MessageAuthorizationFailed}
	}
	if state == nil {
		// 検証後に他のリクエストが先に消費した
		return s.sessionExpired(ctx, stored, params, model.StateConsumed)
	}

	account, err := s.exchange(ctx, state, params)
	if err != nil {
		return s.fail(ctx, state, params, err)
	}

	sealed, err := s.sealAccount(account)
	if err != nil {
		return s.fail(ctx, state, params, err)
	}

	ok, err := s.conns.MarkConnected(ctx, state.ConnectionID, sealed, s.now())
	if err != nil {
		return s.fail(ctx, state, params, err)
	}
	if !ok {
		// 新しい認可フローに置き換えられた、または期限切れ処理でerrorになった
		s.revokeQuietly(ctx, state.Platform, account.Token.AccessToken)
		return s.sessionExpired(ctx, stored, params, model.StateExpired)
	}

	s.record(ctx, audit.Event{
		UserID:    state.UserID,
		Action:    model.AuditConnectionCompleted,
		IPAddress: params.IPAddress,
		Metadata: map[string]any{
			"platform":            string(state.Platform),
			"connection_id":       state.ConnectionID,
			"external_account_id": sealed.ExternalAccountID,
		},
	})
	s.metrics.RecordCallback(string(state.Platform), "ok")

	return &CallbackResult{Success: true, Platform: state.Platform}
}

// handleDenied はユーザーが認可を拒否した、またはプラットフォームがエラーを返したコールバックを処理する。
// stateを特定できる場合はstateを消費し、pendingの連携をerrorにする。
func (s *Service) handleDenied(ctx context.Context, params CallbackParams) *CallbackResult {
	message := MessageAuthorizationFailed
	if params.Error == "access_denied" {
		message = MessageAuthorizationDenied
	}

	var userID string
	p := model.Platform("unknown")
	if params.State != "" && params.ConnectionID != "" {
		state, err := s.states.Consume(ctx, params.State, params.ConnectionID, s.now())
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to consume oauth state", slog.String("error", err.Error()))
		}
		if state != nil {
			userID = state.UserID
			p = state.Platform
			s.markError(ctx, state.ConnectionID, message)
		}
	}

	s.logger.InfoContext(ctx, "oauth callback returned error",
		slog.String("platform", string(p)),
		slog.String("error", params.Error),
		slog.String("error_description", params.ErrorDescription),
	)
	s.record(ctx, audit.Event{
		UserID:    userID,
		Action:    model.AuditConnectionCallbackDenied,
		IPAddress: params.IPAddress,
		Metadata: map[string]any{
			"platform":          string(p),
			"error":             params.Error,
			"error_description": s.sanitizer.Sanitize(params.ErrorDescription, 200),
		},
	})
	s.metrics.RecordCallback(string(p), "denied")

	return &CallbackResult{Platform: p, Message: message}
}

// sessionExpired は無効なstateのコールバックを記録し、一律のメッセージを返す。
func (s *Service) sessionExpired(ctx context.Context, stored *model.OAuthState, params CallbackParams, check model.StateCheck) *CallbackResult {
	p := model.Platform("unknown")
	if stored != nil {
		p = stored.Platform
	}
	s.logger.WarnContext(ctx, "oauth callback rejected",
		slog.String("platform", string(p)),
		slog.String("reason", string(check)),
		slog.String("ip_address", params.IPAddress),
	)
	s.metrics.RecordCallback(string(p), "session_expired")
	return &CallbackResult{Platform: p, Message: model.NewSessionExpiredError().Message}
}

// fail は消費済みstateの連携をerrorにし、監査ログを残す。
func (s *Service) fail(ctx context.Context, state *model.OAuthState, params CallbackParams, cause error) *CallbackResult {
	apiErr := model.NewAdapterFailureError(state.Platform, cause)
	s.logger.ErrorContext(ctx, "oauth callback failed",
		slog.String("platform", string(state.Platform)),
		slog.String("connection_id", state.ConnectionID),
		slog.String("error", cause.Error()),
	)
	s.markError(ctx, state.ConnectionID, apiErr.Message)
	s.record(ctx, audit.Event{
		UserID:    state.UserID,
		Action:    model.AuditConnectionFailed,
		IPAddress: params.IPAddress,
		Metadata: map[string]any{
			"platform":      string(state.Platform),
			"connection_id": state.ConnectionID,
		},
	})
	s.metrics.RecordCallback(string(state.Platform), "adapter_failure")
	return &CallbackResult{Platform: state.Platform, Message: apiErr.Message}
}

func (s *Service) exchange(ctx context.Context, state *model.OAuthState, params CallbackParams) (*platform.Account, error) {
	if params.Code == "" {
		return nil, errors.New("missing authorization code")
	}
	adapter, err := s.adapters.Lookup(state.Platform)
	if err != nil {
		return nil, err
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, s.cfg.AdapterTimeout)
	defer cancel()
	account, err := adapter.Exchange(exchangeCtx, params.Code, s.redirectURL(state.ConnectionID), state.CodeVerifier)
	if err != nil {
		return nil, fmt.Errorf("authorization code exchange failed: %w", err)
	}
	return account, nil
}

// sealAccount はトークンを暗号化し、ユーザー名を正規化した連携情報を返す。
func (s *Service) sealAccount(account *platform.Account) (*model.ConnectedAccount, error) {
	accessToken, err := s.sealer.Seal(account.Token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal access token: %w", err)
	}
	refreshToken, err := s.sealer.Seal(account.Token.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal refresh token: %w", err)
	}
	return &model.ConnectedAccount{
		ExternalAccountID: account.ExternalAccountID,
		ExternalUsername:  s.sanitizer.Sanitize(account.Username, maxUsernameRunes),
		Scopes:            account.Token.Scopes,
		Verified:          account.Verified,
		FollowerCount:     account.FollowerCount,
		AccessToken:       accessToken,
		RefreshToken:      refreshToken,
		TokenExpiresAt:    account.Token.ExpiresAt,
	}, nil
}

// Disconnect は接続済みの連携を解除し、解除時刻を返す。
// 外部プラットフォームでのトークン失効はベストエフォートで、失敗しても解除は行う。
func (s *Service) Disconnect(ctx context.Context, userID, rawPlatform, clientIP string) (time.Time, error) {
	if userID == "" {
		return time.Time{}, model.NewUnauthorizedError()
	}
	if rawPlatform == "" {
		return time.Time{}, model.NewInvalidInputError("Platform is required")
	}
	p, ok := model.ParsePlatform(rawPlatform)
	if !ok {
		return time.Time{}, model.NewInvalidPlatformError()
	}

	conn, err := s.conns.FindConnected(ctx, userID, p)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to find connection: %w", err)
	}
	if conn == nil {
		return time.Time{}, model.NewNotConnectedError(p)
	}

	if accessToken, err := s.sealer.Open(conn.AccessToken); err != nil {
		s.logger.WarnContext(ctx, "failed to open stored token for revocation",
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.revokeQuietly(ctx, p, accessToken)
	}

	now := s.now()
	ok, err = s.conns.MarkRevoked(ctx, conn.ID, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to revoke connection: %w", err)
	}
	if !ok {
		return time.Time{}, model.NewNotConnectedError(p)
	}

	s.record(ctx, audit.Event{
		UserID:    userID,
		Action:    model.AuditConnectionRevoked,
		IPAddress: clientIP,
		Metadata:  map[string]any{"platform": string(p), "connection_id": conn.ID},
	})
	return now, nil
}

// List はプラットフォームごとに最新の連携を返す。
func (s *Service) List(ctx context.Context, userID string) ([]*model.Connection, error) {
	if userID == "" {
		return nil, model.NewUnauthorizedError()
	}
	conns, err := s.conns.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, nil
}

// ActiveAccount は投稿用に接続済みアカウントと復号済みアクセストークンを返す。
// アクセストークンが期限切れでリフレッシュトークンがある場合は更新して保存する。
func (s *Service) ActiveAccount(ctx context.Context, userID string, p model.Platform) (*ActiveAccount, error) {
	conn, err := s.conns.FindConnected(ctx, userID, p)
	if err != nil {
		return nil, fmt.Errorf("failed to find connection: %w", err)
	}
	if conn == nil {
		return nil, model.NewNotConnectedError(p)
	}

	accessToken, err := s.sealer.Open(conn.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to open access token: %w", err)
	}

	now := s.now()
	if conn.TokenExpiresAt == nil || now.Before(*conn.TokenExpiresAt) || conn.RefreshToken == "" {
		return &ActiveAccount{Connection: conn, AccessToken: accessToken}, nil
	}

	refreshToken, err := s.sealer.Open(conn.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to open refresh token: %w", err)
	}
	adapter, err := s.adapters.Lookup(p)
	if err != nil {
		return nil, model.NewNotImplementedError(p)
	}

	refreshCtx, cancel := context.WithTimeout(ctx, s.cfg.AdapterTimeout)
	defer cancel()
	tok, err := adapter.Refresh(refreshCtx, refreshToken)
	if err != nil {
		return nil, model.NewAdapterFailureError(p, err)
	}

	sealedAccess, err := s.sealer.Seal(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal access token: %w", err)
	}
	sealedRefresh, err := s.sealer.Seal(tok.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal refresh token: %w", err)
	}
	if _, err := s.conns.UpdateTokens(ctx, conn.ID, sealedAccess, sealedRefresh, tok.ExpiresAt, now); err != nil {
		return nil, fmt.Errorf("failed to store refreshed tokens: %w", err)
	}
	conn.AccessToken = sealedAccess
	conn.RefreshToken = sealedRefresh
	conn.TokenExpiresAt = tok.ExpiresAt

	return &ActiveAccount{Connection: conn, AccessToken: tok.AccessToken}, nil
}

// redirectURL は連携IDを含むコールバックURLを返す。
// トークン交換時にも同じ値を渡す必要がある。
func (s *Service) redirectURL(connectionID string) string {
	return s.cfg.CallbackURL + "?" + url.Values{"connectionId": {connectionID}}.Encode()
}

func (s *Service) revokeQuietly(ctx context.Context, p model.Platform, accessToken string) {
	if accessToken == "" {
		return
	}
	adapter, err := s.adapters.Lookup(p)
	if err != nil {
		return
	}
	revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AdapterTimeout)
	defer cancel()
	if err := adapter.Revoke(revokeCtx, accessToken); err != nil {
		s.logger.WarnContext(ctx, "failed to revoke token at platform",
			slog.String("platform", string(p)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) markError(ctx context.Context, connectionID, message string) {
	if _, err := s.conns.MarkError(ctx, connectionID, message, s.now()); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark connection error",
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()),
		)
	}
}

// record は監査ログを記録する。失敗はRecorder側でログ出力済みのため処理は続行する。
func (s *Service) record(ctx context.Context, ev audit.Event) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, ev)
}

// newStateToken は32バイトの暗号論的乱数をbase64url化したstateトークンを生成する。
func newStateToken() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
