// Package auth はサービスへのログイン（Google OAuth）とセッション管理を提供する。
// SNS連携のOAuthフローは connection パッケージが扱う。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/connbroker/internal/audit"
	"github.com/hitoshi/connbroker/internal/model"
	"github.com/hitoshi/connbroker/internal/repository"
)

const (
	// signupBonusReference は新規登録ボーナスの参照値。ユーザーごとに1回だけ付与する。
	signupBonusReference = "signup"
	// maxUserAgentLength はセッションに保存するUser-Agentの最大長。
	maxUserAgentLength = 255
)

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Provider       string // "google" 等
}

// OAuthProvider はログイン用OAuthプロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// CreditGranter は新規登録ボーナスの付与先。ledger.Service が実装する。
type CreditGranter interface {
	GrantOnce(ctx context.Context, userID string, txType model.TxType, amount int64, description, reference string) (*model.CreditTransaction, bool, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int   // セッション有効期間（秒）
	SignupBonus   int64 // 新規ユーザーへの付与クレジット。0なら付与しない
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth       OAuthProvider
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	sessionRepo repository.SessionRepository
	granter     CreditGranter
	recorder    audit.Recorder
	config      ServiceConfig
	logger      *slog.Logger
	now         func() time.Time
}

// NewService はServiceを生成する。
// granterとrecorderはnilでもよい（その場合ボーナス付与と監査記録を行わない）。
func NewService(
	oauth OAuthProvider,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	granter CreditGranter,
	recorder audit.Recorder,
	config ServiceConfig,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		oauth:       oauth,
		userRepo:    userRepo,
		identRepo:   identRepo,
		sessionRepo: sessionRepo,
		granter:     granter,
		recorder:    recorder,
		config:      config,
		logger:      logger,
		now:         time.Now,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// 未登録ユーザーの場合はusersレコードとidentitiesレコードを同時に作成し、登録ボーナスを付与する。
func (s *Service) HandleCallback(ctx context.Context, code, userAgent string) (*model.Session, error) {
	// 1. 認可コードをトークンに交換し、ユーザー情報を取得
	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	// 2. identitiesテーブルで既存ユーザーを検索
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, userInfo.Provider, userInfo.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	var userID string

	if identity != nil {
		userID = identity.UserID
		s.logger.Info("existing user logged in",
			slog.String("user_id", userID),
			slog.String("provider", userInfo.Provider),
		)
	} else {
		now := s.now()
		newUser := &model.User{
			ID:        uuid.New().String(),
			Email:     userInfo.Email,
			Name:      userInfo.Name,
			CreatedAt: now,
			UpdatedAt: now,
		}
		newIdentity := &model.Identity{
			ID:             uuid.New().String(),
			UserID:         newUser.ID,
			Provider:       userInfo.Provider,
			ProviderUserID: userInfo.ProviderUserID,
			CreatedAt:      now,
		}

		err := s.userRepo.CreateWithIdentity(ctx, newUser, newIdentity)
		switch {
		case errors.Is(err, repository.ErrIdentityExists):
			// 同じサブジェクトの初回ログインが並行した。先着側のユーザーでログインさせる
			identity, err = s.identRepo.FindByProviderAndProviderUserID(ctx, userInfo.Provider, userInfo.ProviderUserID)
			if err != nil {
				return nil, fmt.Errorf("failed to find identity: %w", err)
			}
			if identity == nil {
				return nil, fmt.Errorf("identity vanished after concurrent signup")
			}
			userID = identity.UserID
		case err != nil:
			return nil, fmt.Errorf("failed to create user and identity: %w", err)
		default:
			userID = newUser.ID
			s.logger.Info("new user created",
				slog.String("user_id", userID),
				slog.String("provider", userInfo.Provider),
			)

			// ボーナス付与に失敗してもログインは継続する。参照値で一意なので再試行で重複しない。
			s.grantSignupBonus(ctx, userID)
		}
	}

	// 3. セッションを発行
	session, err := s.createSession(ctx, userID, userAgent)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// grantSignupBonus は新規ユーザーに登録ボーナスを付与し、監査ログを記録する。
func (s *Service) grantSignupBonus(ctx context.Context, userID string) {
	if s.granter == nil || s.config.SignupBonus <= 0 {
		return
	}

	t, created, err := s.granter.GrantOnce(ctx, userID, model.TxTypeEarn, s.config.SignupBonus, "Signup bonus", signupBonusReference)
	if err != nil {
		s.logger.Error("failed to grant signup bonus",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !created || s.recorder == nil {
		return
	}

	if err := s.recorder.Record(ctx, audit.Event{
		UserID: userID,
		Action: model.AuditCreditGranted,
		Metadata: map[string]any{
			"transaction_id": t.ID,
			"credits":        t.Credits,
			"reason":         signupBonusReference,
		},
	}); err != nil {
		s.logger.Warn("failed to record audit log",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.logger.Info("user logged out")
	return nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session not found or expired")
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user not found")
	}

	return user, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID, userAgent string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	if len(userAgent) > maxUserAgentLength {
		userAgent = userAgent[:maxUserAgentLength]
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		UserAgent: userAgent,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
