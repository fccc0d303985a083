package platform

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/oauth2"

	"github.com/hitoshi/connbroker/internal/model"
)

var redditDefaultEndpoints = Endpoints{
	AuthURL:    "https://www.reddit.com/api/v1/authorize",
	TokenURL:   "https://www.reddit.com/api/v1/access_token",
	RevokeURL:  "https://www.reddit.com/api/v1/revoke_token",
	APIBaseURL: "https://oauth.reddit.com",
}

var redditDefaultScopes = []string{"identity", "submit"}

// redditDefaultUserAgent はUser-Agent未設定時に使う値。RedditはUser-Agentのないリクエストを制限する。
const redditDefaultUserAgent = "connbroker/1.0"

// maxRedditTitleRunes はRedditの投稿タイトルの最大文字数。
const maxRedditTitleRunes = 300

// Reddit はReddit APIのアダプター。PKCEには対応しないためverifierは使わない。
type Reddit struct {
	client *oauthClient
}

// NewReddit はRedditアダプターを生成する。
func NewReddit(cfg ClientConfig) *Reddit {
	if cfg.UserAgent == "" {
		cfg.UserAgent = redditDefaultUserAgent
	}
	return &Reddit{client: newOAuthClient(model.PlatformReddit, cfg, redditDefaultEndpoints, redditDefaultScopes)}
}

// Platform はredditを返す。
func (r *Reddit) Platform() model.Platform {
	return model.PlatformReddit
}

// AuthCodeURL は永続トークンを要求する認可URLを返す。
func (r *Reddit) AuthCodeURL(state, redirectURL, verifier string) string {
	return r.client.configFor(redirectURL).AuthCodeURL(state, oauth2.SetAuthURLParam("duration", "permanent"))
}

type redditMeResponse struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	HasVerifiedEmail bool   `json:"has_verified_email"`
	Subreddit        struct {
		Subscribers int `json:"subscribers"`
	} `json:"subreddit"`
}

// Exchange は認可コードでトークンを取得し、/api/v1/me を呼ぶ。
func (r *Reddit) Exchange(ctx context.Context, code, redirectURL, verifier string) (*Account, error) {
	tok, err := r.client.exchange(ctx, code, redirectURL)
	if err != nil {
		return nil, err
	}

	var me redditMeResponse
	if err := r.client.getJSON(ctx, "me", "/api/v1/me", tok.AccessToken, &me); err != nil {
		return nil, fmt.Errorf("failed to fetch reddit user: %w", err)
	}
	if me.ID == "" {
		return nil, fmt.Errorf("empty id in reddit user response")
	}

	return &Account{
		ExternalAccountID: me.ID,
		Username:          me.Name,
		Verified:          me.HasVerifiedEmail,
		FollowerCount:     me.Subreddit.Subscribers,
		Token:             *tok,
	}, nil
}

// Refresh はリフレッシュトークンでアクセストークンを更新する。
func (r *Reddit) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	return r.client.refresh(ctx, refreshToken)
}

// Revoke はトークンを失効させる。
func (r *Reddit) Revoke(ctx context.Context, token string) error {
	return r.client.revoke(ctx, token)
}

type redditSubmitResponse struct {
	JSON struct {
		Errors [][]any `json:"errors"`
		Data   struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			URL  string `json:"url"`
		} `json:"data"`
	} `json:"json"`
}

// Publish はテキスト投稿を行う。Targetが空の場合はユーザープロフィール(u_<name>)に投稿する。
func (r *Reddit) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	target := strings.TrimPrefix(req.Target, "r/")
	if target == "" {
		if req.Username == "" {
			return nil, fmt.Errorf("reddit publish requires a subreddit or username")
		}
		target = "u_" + req.Username
	}

	form := url.Values{
		"api_type": {"json"},
		"kind":     {"self"},
		"sr":       {target},
		"title":    {redditTitle(req)},
		"text":     {req.Content},
	}

	var resp redditSubmitResponse
	if err := r.client.postForm(ctx, "publish", "/api/submit", req.AccessToken, form, &resp); err != nil {
		return nil, err
	}
	if len(resp.JSON.Errors) > 0 {
		return nil, fmt.Errorf("reddit rejected submission: %v", resp.JSON.Errors[0])
	}
	if resp.JSON.Data.ID == "" {
		return nil, fmt.Errorf("empty id in reddit submit response")
	}

	return &PublishResult{ExternalID: resp.JSON.Data.ID, URL: resp.JSON.Data.URL}, nil
}

// redditTitle はタイトル未指定時に本文の1行目から生成する。
func redditTitle(req PublishRequest) string {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title, _, _ = strings.Cut(strings.TrimSpace(req.Content), "\n")
		title = strings.TrimSpace(title)
	}
	if utf8.RuneCountInString(title) > maxRedditTitleRunes {
		title = string([]rune(title)[:maxRedditTitleRunes])
	}
	return title
}

// compile-time interface check
var _ Adapter = (*Reddit)(nil)
