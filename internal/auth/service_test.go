package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/connbroker/internal/audit"
	"github.com/hitoshi/connbroker/internal/model"
	"github.com/hitoshi/connbroker/internal/repository"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn           func(ctx context.Context, id string) (*model.User, error)
	createWithIdentityFn func(ctx context.Context, user *model.User, identity *model.Identity) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	if m.createWithIdentityFn != nil {
		return m.createWithIdentityFn(ctx, user, identity)
	}
	return nil
}

type mockIdentityRepo struct {
	findByProviderFn func(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
}

func (m *mockIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	if m.findByProviderFn != nil {
		return m.findByProviderFn(ctx, provider, providerUserID)
	}
	return nil, nil
}

type mockSessionRepo struct {
	createFn     func(ctx context.Context, session *model.Session) error
	findByIDFn   func(ctx context.Context, id string) (*model.Session, error)
	deleteByIDFn func(ctx context.Context, id string) error
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if m.createFn != nil {
		return m.createFn(ctx, session)
	}
	return nil
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if m.deleteByIDFn != nil {
		return m.deleteByIDFn(ctx, id)
	}
	return nil
}

type mockOAuthProvider struct {
	getLoginURLFn  func(state string) string
	exchangeCodeFn func(ctx context.Context, code string) (*OAuthUserInfo, error)
}

func (m *mockOAuthProvider) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return ""
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return nil, nil
}

type mockGranter struct {
	grantOnceFn func(ctx context.Context, userID string, txType model.TxType, amount int64, description, reference string) (*model.CreditTransaction, bool, error)
}

func (m *mockGranter) GrantOnce(ctx context.Context, userID string, txType model.TxType, amount int64, description, reference string) (*model.CreditTransaction, bool, error) {
	if m.grantOnceFn != nil {
		return m.grantOnceFn(ctx, userID, txType, amount, description, reference)
	}
	return nil, false, nil
}

type mockRecorder struct {
	events []audit.Event
}

func (m *mockRecorder) Record(_ context.Context, ev audit.Event) error {
	m.events = append(m.events, ev)
	return nil
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.IdentityRepository = (*mockIdentityRepo)(nil)
var _ repository.SessionRepository = (*mockSessionRepo)(nil)
var _ OAuthProvider = (*mockOAuthProvider)(nil)
var _ CreditGranter = (*mockGranter)(nil)
var _ audit.Recorder = (*mockRecorder)(nil)

func newTestService(provider OAuthProvider, userRepo repository.UserRepository, identRepo repository.IdentityRepository, sessionRepo repository.SessionRepository) *Service {
	return NewService(provider, userRepo, identRepo, sessionRepo, nil, nil, ServiceConfig{SessionMaxAge: 86400}, nil)
}

func newUserProvider(providerUserID string) *mockOAuthProvider {
	return &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
			return &OAuthUserInfo{
				ProviderUserID: providerUserID,
				Email:          "test@example.com",
				Name:           "Test User",
				Provider:       "google",
			}, nil
		},
	}
}

// --- テスト ---

func TestGetLoginURL_ReturnsOAuthURL(t *testing.T) {
	provider := &mockOAuthProvider{
		getLoginURLFn: func(state string) string {
			return "https://accounts.google.com/o/oauth2/auth?state=" + state
		},
	}
	svc := newTestService(provider, nil, nil, nil)

	url := svc.GetLoginURL("test-state")

	expected := "https://accounts.google.com/o/oauth2/auth?state=test-state"
	if url != expected {
		t.Errorf("GetLoginURL() = %q, want %q", url, expected)
	}
}

func TestHandleCallback_NewUser_CreatesUserAndIdentityAndSession(t *testing.T) {
	ctx := context.Background()

	var createdUser *model.User
	var createdIdentity *model.Identity
	var createdSession *model.Session

	userRepo := &mockUserRepo{
		createWithIdentityFn: func(ctx context.Context, user *model.User, identity *model.Identity) error {
			createdUser = user
			createdIdentity = identity
			return nil
		},
	}
	sessionRepo := &mockSessionRepo{
		createFn: func(ctx context.Context, session *model.Session) error {
			createdSession = session
			return nil
		},
	}

	svc := newTestService(newUserProvider("google-user-123"), userRepo, &mockIdentityRepo{}, sessionRepo)

	session, err := svc.HandleCallback(ctx, "auth-code-123", "Mozilla/5.0")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}

	if session == nil || session.ID == "" {
		t.Fatal("expected session with non-empty ID")
	}
	if len(session.ID) != 64 {
		t.Errorf("session ID length = %d, want 64", len(session.ID))
	}

	if createdUser == nil {
		t.Fatal("expected user to be created")
	}
	if createdUser.Email != "test@example.com" {
		t.Errorf("user email = %q, want %q", createdUser.Email, "test@example.com")
	}

	if createdIdentity == nil {
		t.Fatal("expected identity to be created")
	}
	if createdIdentity.UserID != createdUser.ID {
		t.Errorf("identity userID = %q, want %q", createdIdentity.UserID, createdUser.ID)
	}
	if createdIdentity.ProviderUserID != "google-user-123" {
		t.Errorf("identity providerUserID = %q, want %q", createdIdentity.ProviderUserID, "google-user-123")
	}

	if createdSession == nil {
		t.Fatal("expected session to be created")
	}
	if createdSession.UserID != createdUser.ID {
		t.Errorf("session userID = %q, want %q", createdSession.UserID, createdUser.ID)
	}
	if createdSession.UserAgent != "Mozilla/5.0" {
		t.Errorf("session user agent = %q, want %q", createdSession.UserAgent, "Mozilla/5.0")
	}
	if createdSession.ExpiresAt.Before(time.Now()) {
		t.Error("session should not be expired")
	}
}

func TestHandleCallback_NewUser_GrantsSignupBonus(t *testing.T) {
	ctx := context.Background()

	var grantedTo, grantedRef string
	var grantedAmount int64
	granter := &mockGranter{
		grantOnceFn: func(ctx context.Context, userID string, txType model.TxType, amount int64, description, reference string) (*model.CreditTransaction, bool, error) {
			if txType != model.TxTypeEarn {
				t.Errorf("txType = %q, want %q", txType, model.TxTypeEarn)
			}
			grantedTo, grantedAmount, grantedRef = userID, amount, reference
			return &model.CreditTransaction{ID: "tx-1", UserID: userID, Credits: amount}, true, nil
		},
	}
	recorder := &mockRecorder{}

	var createdUser *model.User
	userRepo := &mockUserRepo{
		createWithIdentityFn: func(ctx context.Context, user *model.User, identity *model.Identity) error {
			createdUser = user
			return nil
		},
	}

	svc := NewService(newUserProvider("google-new"), userRepo, &mockIdentityRepo{}, &mockSessionRepo{},
		granter, recorder, ServiceConfig{SessionMaxAge: 86400, SignupBonus: 100}, nil)

	if _, err := svc.HandleCallback(ctx, "code", ""); err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}

	if grantedTo != createdUser.ID {
		t.Errorf("granted to %q, want %q", grantedTo, createdUser.ID)
	}
	if grantedAmount != 100 {
		t.Errorf("granted amount = %d, want 100", grantedAmount)
	}
	if grantedRef != signupBonusReference {
		t.Errorf("reference = %q, want %q", grantedRef, signupBonusReference)
	}
	if len(recorder.events) != 1 || recorder.events[0].Action != model.AuditCreditGranted {
		t.Fatalf("audit events = %+v, want one credit_granted", recorder.events)
	}
}

func TestHandleCallback_SignupBonusFailure_StillLogsIn(t *testing.T) {
	granter := &mockGranter{
		grantOnceFn: func(ctx context.Context, userID string, txType model.TxType, amount int64, description, reference string) (*model.CreditTransaction, bool, error) {
			return nil, false, errors.New("db down")
		},
	}
	recorder := &mockRecorder{}

	svc := NewService(newUserProvider("google-new"), &mockUserRepo{}, &mockIdentityRepo{}, &mockSessionRepo{},
		granter, recorder, ServiceConfig{SessionMaxAge: 86400, SignupBonus: 100}, nil)

	session, err := svc.HandleCallback(context.Background(), "code", "")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if session == nil {
		t.Fatal("expected session")
	}
	if len(recorder.events) != 0 {
		t.Errorf("audit events = %d, want 0", len(recorder.events))
	}
}

func TestHandleCallback_ExistingUser_NoBonus(t *testing.T) {
	ctx := context.Background()

	existingUserID := "existing-user-id-456"
	var createdSession *model.Session

	identityRepo := &mockIdentityRepo{
		findByProviderFn: func(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
			return &model.Identity{
				ID:             "identity-id-1",
				UserID:         existingUserID,
				Provider:       "google",
				ProviderUserID: "google-user-789",
			}, nil
		},
	}
	sessionRepo := &mockSessionRepo{
		createFn: func(ctx context.Context, session *model.Session) error {
			createdSession = session
			return nil
		},
	}
	granter := &mockGranter{
		grantOnceFn: func(ctx context.Context, userID string, txType model.TxType, amount int64, description, reference string) (*model.CreditTransaction, bool, error) {
			t.Error("GrantOnce should not be called for an existing user")
			return nil, false, nil
		},
	}
	userRepo := &mockUserRepo{
		createWithIdentityFn: func(ctx context.Context, user *model.User, identity *model.Identity) error {
			t.Error("CreateWithIdentity should not be called for an existing user")
			return nil
		},
	}

	svc := NewService(newUserProvider("google-user-789"), userRepo, identityRepo, sessionRepo,
		granter, nil, ServiceConfig{SessionMaxAge: 86400, SignupBonus: 100}, nil)

	session, err := svc.HandleCallback(ctx, "auth-code-existing", "")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if session.UserID != existingUserID {
		t.Errorf("session userID = %q, want %q", session.UserID, existingUserID)
	}
	if createdSession == nil || createdSession.UserID != existingUserID {
		t.Fatal("expected session to be created for existing user")
	}
}

func TestHandleCallback_TruncatesUserAgent(t *testing.T) {
	var createdSession *model.Session
	sessionRepo := &mockSessionRepo{
		createFn: func(ctx context.Context, session *model.Session) error {
			createdSession = session
			return nil
		},
	}
	svc := newTestService(newUserProvider("google-ua"), &mockUserRepo{}, &mockIdentityRepo{}, sessionRepo)

	long := make([]byte, 400)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := svc.HandleCallback(context.Background(), "code", string(long)); err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if len(createdSession.UserAgent) != maxUserAgentLength {
		t.Errorf("user agent length = %d, want %d", len(createdSession.UserAgent), maxUserAgentLength)
	}
}

func TestHandleCallback_OAuthError_ReturnsError(t *testing.T) {
	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
			return nil, errors.New("oauth exchange failed")
		},
	}

	svc := newTestService(provider, nil, nil, nil)

	if _, err := svc.HandleCallback(context.Background(), "bad-code", ""); err == nil {
		t.Fatal("expected error from HandleCallback")
	}
}

func TestHandleCallback_UserCreationError_ReturnsError(t *testing.T) {
	userRepo := &mockUserRepo{
		createWithIdentityFn: func(ctx context.Context, user *model.User, identity *model.Identity) error {
			return errors.New("db error")
		},
	}

	svc := newTestService(newUserProvider("google-user-err"), userRepo, &mockIdentityRepo{}, nil)

	if _, err := svc.HandleCallback(context.Background(), "auth-code-err", ""); err == nil {
		t.Fatal("expected error from HandleCallback")
	}
}

func TestLogout_DeletesSession(t *testing.T) {
	var deletedSessionID string

	sessionRepo := &mockSessionRepo{
		deleteByIDFn: func(ctx context.Context, id string) error {
			deletedSessionID = id
			return nil
		},
	}

	svc := newTestService(nil, nil, nil, sessionRepo)

	if err := svc.Logout(context.Background(), "session-to-delete"); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if deletedSessionID != "session-to-delete" {
		t.Errorf("deleted session ID = %q, want %q", deletedSessionID, "session-to-delete")
	}
}

func TestLogout_EmptySessionID_ReturnsError(t *testing.T) {
	svc := newTestService(nil, nil, nil, nil)

	if err := svc.Logout(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty session ID")
	}
}

func TestGetCurrentUser_ValidSession_ReturnsUser(t *testing.T) {
	userID := "user-id-123"

	sessionRepo := &mockSessionRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			return &model.Session{
				ID:        "session-valid",
				UserID:    userID,
				ExpiresAt: time.Now().Add(1 * time.Hour),
			}, nil
		},
	}
	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return &model.User{ID: userID, Email: "user@example.com", Name: "Test User"}, nil
		},
	}

	svc := newTestService(nil, userRepo, nil, sessionRepo)

	user, err := svc.GetCurrentUser(context.Background(), "session-valid")
	if err != nil {
		t.Fatalf("GetCurrentUser() error = %v", err)
	}
	if user == nil || user.ID != userID {
		t.Fatalf("user = %+v, want ID %q", user, userID)
	}
}

func TestGetCurrentUser_ExpiredSession_ReturnsError(t *testing.T) {
	sessionRepo := &mockSessionRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			// 期限切れセッション -> リポジトリはnilを返す
			return nil, nil
		},
	}

	svc := newTestService(nil, nil, nil, sessionRepo)

	if _, err := svc.GetCurrentUser(context.Background(), "expired-session"); err == nil {
		t.Fatal("expected error for expired session")
	}
}

func TestGetCurrentUser_EmptySessionID_ReturnsError(t *testing.T) {
	svc := newTestService(nil, nil, nil, nil)

	if _, err := svc.GetCurrentUser(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty session ID")
	}
}

func TestHandleCallback_ConcurrentSignup_UsesWinningUser(t *testing.T) {
	const winnerID = "winner-user"
	lookups := 0
	identityRepo := &mockIdentityRepo{
		findByProviderFn: func(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
			lookups++
			if lookups == 1 {
				return nil, nil
			}
			return &model.Identity{UserID: winnerID, Provider: provider, ProviderUserID: providerUserID}, nil
		},
	}
	userRepo := &mockUserRepo{
		createWithIdentityFn: func(ctx context.Context, user *model.User, identity *model.Identity) error {
			return repository.ErrIdentityExists
		},
	}
	granter := &mockGranter{
		grantOnceFn: func(ctx context.Context, userID string, txType model.TxType, amount int64, description, reference string) (*model.CreditTransaction, bool, error) {
			t.Error("GrantOnce should not be called by the losing signup")
			return nil, false, nil
		},
	}

	svc := NewService(newUserProvider("google-race"), userRepo, identityRepo, &mockSessionRepo{},
		granter, nil, ServiceConfig{SessionMaxAge: 86400, SignupBonus: 100}, nil)

	session, err := svc.HandleCallback(context.Background(), "code", "")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if session.UserID != winnerID {
		t.Errorf("session userID = %q, want %q", session.UserID, winnerID)
	}
	if lookups != 2 {
		t.Errorf("identity lookups = %d, want 2", lookups)
	}
}
