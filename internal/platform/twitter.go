package platform

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/hitoshi/connbroker/internal/model"
)

var twitterDefaultEndpoints = Endpoints{
	AuthURL:    "https://twitter.com/i/oauth2/authorize",
	TokenURL:   "https://api.twitter.com/2/oauth2/token",
	RevokeURL:  "https://api.twitter.com/2/oauth2/revoke",
	APIBaseURL: "https://api.twitter.com",
}

var twitterDefaultScopes = []string{"tweet.read", "tweet.write", "users.read", "offline.access"}

// Twitter はTwitter(X) API v2のアダプター。認可はOAuth 2.0 + PKCEで行う。
type Twitter struct {
	client *oauthClient
}

// NewTwitter はTwitterアダプターを生成する。
func NewTwitter(cfg ClientConfig) *Twitter {
	return &Twitter{client: newOAuthClient(model.PlatformTwitter, cfg, twitterDefaultEndpoints, twitterDefaultScopes)}
}

// Platform はtwitterを返す。
func (t *Twitter) Platform() model.Platform {
	return model.PlatformTwitter
}

// AuthCodeURL はS256のcode_challengeを含む認可URLを返す。
func (t *Twitter) AuthCodeURL(state, redirectURL, verifier string) string {
	return t.client.configFor(redirectURL).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

type twitterUserResponse struct {
	Data struct {
		ID            string `json:"id"`
		Username      string `json:"username"`
		Verified      bool   `json:"verified"`
		PublicMetrics struct {
			FollowersCount int `json:"followers_count"`
		} `json:"public_metrics"`
	} `json:"data"`
}

// Exchange は認可コードとPKCE verifierでトークンを取得し、/2/users/me を呼ぶ。
func (t *Twitter) Exchange(ctx context.Context, code, redirectURL, verifier string) (*Account, error) {
	tok, err := t.client.exchange(ctx, code, redirectURL, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, err
	}

	var me twitterUserResponse
	if err := t.client.getJSON(ctx, "users_me", "/2/users/me?user.fields=verified,public_metrics", tok.AccessToken, &me); err != nil {
		return nil, fmt.Errorf("failed to fetch twitter user: %w", err)
	}
	if me.Data.ID == "" {
		return nil, fmt.Errorf("empty id in twitter user response")
	}

	return &Account{
		ExternalAccountID: me.Data.ID,
		Username:          me.Data.Username,
		Verified:          me.Data.Verified,
		FollowerCount:     me.Data.PublicMetrics.FollowersCount,
		Token:             *tok,
	}, nil
}

// Refresh はリフレッシュトークンでアクセストークンを更新する。
func (t *Twitter) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	return t.client.refresh(ctx, refreshToken)
}

// Revoke はトークンを失効させる。
func (t *Twitter) Revoke(ctx context.Context, token string) error {
	return t.client.revoke(ctx, token)
}

type twitterTweetResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Publish はツイートを投稿する。
func (t *Twitter) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	var resp twitterTweetResponse
	if err := t.client.postJSON(ctx, "publish", "/2/tweets", req.AccessToken, map[string]string{"text": req.Content}, &resp); err != nil {
		return nil, err
	}
	if resp.Data.ID == "" {
		return nil, fmt.Errorf("empty id in tweet response")
	}

	url := "https://twitter.com/i/web/status/" + resp.Data.ID
	if req.Username != "" {
		url = fmt.Sprintf("https://twitter.com/%s/status/%s", req.Username, resp.Data.ID)
	}
	return &PublishResult{ExternalID: resp.Data.ID, URL: url}, nil
}

// compile-time interface check
var _ Adapter = (*Twitter)(nil)
