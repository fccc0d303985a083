package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/connbroker/internal/audit"
	"github.com/hitoshi/connbroker/internal/model"
	"github.com/hitoshi/connbroker/internal/platform"
	"github.com/hitoshi/connbroker/internal/repository"
)

// memoryRepo はConnectionRepositoryとOAuthStateRepositoryのインメモリ実装。
// 1つのmutexで(user, platform)の直列化と条件付き更新を再現する。
type memoryRepo struct {
	mu     sync.Mutex
	conns  map[string]*model.Connection
	states map[string]*model.OAuthState
	order  []string
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{conns: map[string]*model.Connection{}, states: map[string]*model.OAuthState{}}
}

func (r *memoryRepo) CreatePending(ctx context.Context, conn *model.Connection, state *model.OAuthState) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var superseded string
	for _, c := range r.conns {
		if c.UserID != conn.UserID || c.Platform != conn.Platform {
			continue
		}
		switch c.Status {
		case model.ConnectionStatusConnected:
			return "", repository.ErrAlreadyConnected
		case model.ConnectionStatusPending:
			c.Status = model.ConnectionStatusError
			c.ErrorMessage = repository.SupersededMessage
			for _, s := range r.states {
				if s.ConnectionID == c.ID && s.ConsumedAt == nil {
					at := conn.CreatedAt
					s.ConsumedAt = &at
				}
			}
			superseded = c.ID
		}
	}
	copiedConn := *conn
	copiedState := *state
	r.conns[conn.ID] = &copiedConn
	r.states[state.Token] = &copiedState
	r.order = append(r.order, conn.ID)
	return superseded, nil
}

func (r *memoryRepo) FindByID(ctx context.Context, id string) (*model.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, nil
	}
	copied := *c
	return &copied, nil
}

func (r *memoryRepo) FindConnected(ctx context.Context, userID string, p model.Platform) (*model.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		if c.UserID == userID && c.Platform == p && c.Status == model.ConnectionStatusConnected {
			copied := *c
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *memoryRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	latest := map[model.Platform]*model.Connection{}
	for _, id := range r.order {
		c := r.conns[id]
		if c.UserID == userID {
			latest[c.Platform] = c
		}
	}
	var out []*model.Connection
	for _, p := range model.KnownPlatforms() {
		if c, ok := latest[p]; ok {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memoryRepo) transition(id string, from model.ConnectionStatus, apply func(c *model.Connection)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok || c.Status != from {
		return false
	}
	apply(c)
	return true
}

func (r *memoryRepo) MarkConnected(ctx context.Context, id string, a *model.ConnectedAccount, now time.Time) (bool, error) {
	return r.transition(id, model.ConnectionStatusPending, func(c *model.Connection) {
		c.Status = model.ConnectionStatusConnected
		c.ExternalAccountID = a.ExternalAccountID
		c.ExternalUsername = a.ExternalUsername
		c.Scopes = a.Scopes
		c.Verified = a.Verified
		c.FollowerCount = a.FollowerCount
		c.AccessToken = a.AccessToken
		c.RefreshToken = a.RefreshToken
		c.TokenExpiresAt = a.TokenExpiresAt
		c.ConnectedAt = &now
	}), nil
}

func (r *memoryRepo) MarkError(ctx context.Context, id, message string, now time.Time) (bool, error) {
	return r.transition(id, model.ConnectionStatusPending, func(c *model.Connection) {
		c.Status = model.ConnectionStatusError
		c.ErrorMessage = message
	}), nil
}

func (r *memoryRepo) MarkRevoked(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.transition(id, model.ConnectionStatusConnected, func(c *model.Connection) {
		c.Status = model.ConnectionStatusRevoked
		c.RevokedAt = &now
		c.AccessToken = ""
		c.RefreshToken = ""
	}), nil
}

func (r *memoryRepo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time, now time.Time) (bool, error) {
	return r.transition(id, model.ConnectionStatusConnected, func(c *model.Connection) {
		c.AccessToken = accessToken
		c.RefreshToken = refreshToken
		c.TokenExpiresAt = expiresAt
	}), nil
}

func (r *memoryRepo) FindByToken(ctx context.Context, token string) (*model.OAuthState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[token]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (r *memoryRepo) Consume(ctx context.Context, token, connectionID string, now time.Time) (*model.OAuthState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[token]
	if !ok || s.ConnectionID != connectionID || s.ConsumedAt != nil || !now.Before(s.ExpiresAt) {
		return nil, nil
	}
	s.ConsumedAt = &now
	copied := *s
	return &copied, nil
}

func (r *memoryRepo) countActive(userID string, p model.Platform) (pending, connected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		if c.UserID != userID || c.Platform != p {
			continue
		}
		switch c.Status {
		case model.ConnectionStatusPending:
			pending++
		case model.ConnectionStatusConnected:
			connected++
		}
	}
	return pending, connected
}

// fakeAdapter はplatform.Adapterのフェイク。
type fakeAdapter struct {
	platform    model.Platform
	mu          sync.Mutex
	account     *platform.Account
	exchangeErr error
	refreshed   *platform.Token
	revoked     []string
	revokeErr   error
	gotVerifier string
}

func (a *fakeAdapter) Platform() model.Platform { return a.platform }

func (a *fakeAdapter) AuthCodeURL(state, redirectURL, verifier string) string {
	return fmt.Sprintf("https://%s.example/authorize?state=%s&redirect_uri=%s", a.platform, state, redirectURL)
}

func (a *fakeAdapter) Exchange(ctx context.Context, code, redirectURL, verifier string) (*platform.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gotVerifier = verifier
	if a.exchangeErr != nil {
		return nil, a.exchangeErr
	}
	if !strings.Contains(redirectURL, "connectionId=") {
		return nil, errors.New("redirect_uri mismatch")
	}
	copied := *a.account
	return &copied, nil
}

func (a *fakeAdapter) Refresh(ctx context.Context, refreshToken string) (*platform.Token, error) {
	if a.refreshed == nil {
		return nil, errors.New("invalid_grant")
	}
	return a.refreshed, nil
}

func (a *fakeAdapter) Revoke(ctx context.Context, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked = append(a.revoked, token)
	return a.revokeErr
}

func (a *fakeAdapter) Publish(ctx context.Context, req platform.PublishRequest) (*platform.PublishResult, error) {
	return &platform.PublishResult{ExternalID: "1"}, nil
}

// countingLimiter はキーごとに回数を数えるRateLimiterのフェイク。
type countingLimiter struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
	keys   []string
}

func newCountingLimiter(limit int) *countingLimiter {
	return &countingLimiter{limit: limit, counts: map[string]int{}}
}

func (l *countingLimiter) Allow(ctx context.Context, key string) (model.RateLimitDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	if l.counts[key] >= l.limit {
		return model.RateLimitDecision{Allowed: false, RetryAfter: 14*time.Minute + 30*time.Second}, nil
	}
	l.counts[key]++
	return model.RateLimitDecision{Allowed: true}, nil
}

// recordingAuditor はaudit.Recorderのモック。
type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAuditor) Record(ctx context.Context, ev audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingAuditor) actions() []model.AuditAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AuditAction, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Action
	}
	return out
}

func (r *recordingAuditor) last() audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}
