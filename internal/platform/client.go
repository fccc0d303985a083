package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/connbroker/internal/metrics"
	"github.com/hitoshi/connbroker/internal/model"
)

// maxErrorBodyLength はエラーに含めるレスポンスボディの最大長。
const maxErrorBodyLength = 512

// ClientConfig はOAuthアダプター共通の設定。
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	// Scopes が空の場合はプラットフォームの既定スコープを使う。
	Scopes    []string
	Endpoints Endpoints
	// HTTPClient が nil の場合は http.DefaultClient を使う。本番ではSSRFガード付きクライアントを渡す。
	HTTPClient *http.Client
	Metrics    metrics.MetricsCollector
	UserAgent  string
}

// oauthClient はアダプター共通のOAuth・API呼び出し処理。
type oauthClient struct {
	platform   model.Platform
	config     oauth2.Config
	endpoints  Endpoints
	httpClient *http.Client
	metrics    metrics.MetricsCollector
	userAgent  string
}

func newOAuthClient(p model.Platform, cfg ClientConfig, defaults Endpoints, defaultScopes []string) *oauthClient {
	e := cfg.Endpoints
	if e.AuthURL == "" {
		e.AuthURL = defaults.AuthURL
	}
	if e.TokenURL == "" {
		e.TokenURL = defaults.TokenURL
	}
	if e.RevokeURL == "" {
		e.RevokeURL = defaults.RevokeURL
	}
	if e.APIBaseURL == "" {
		e.APIBaseURL = defaults.APIBaseURL
	}
	e.APIBaseURL = strings.TrimSuffix(e.APIBaseURL, "/")

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	mc := cfg.Metrics
	if mc == nil {
		mc = metrics.Noop{}
	}

	return &oauthClient{
		platform: p,
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   e.AuthURL,
				TokenURL:  e.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		endpoints:  e,
		httpClient: httpClient,
		metrics:    mc,
		userAgent:  cfg.UserAgent,
	}
}

// configFor はリダイレクトURLを設定したoauth2.Configのコピーを返す。
func (c *oauthClient) configFor(redirectURL string) *oauth2.Config {
	cfg := c.config
	cfg.RedirectURL = redirectURL
	return &cfg
}

// oauthContext はoauth2パッケージが使うHTTPクライアントをコンテキストに設定する。
func (c *oauthClient) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// exchange は認可コードをトークンに交換する。
func (c *oauthClient) exchange(ctx context.Context, code, redirectURL string, opts ...oauth2.AuthCodeOption) (*Token, error) {
	start := time.Now()
	defer func() { c.metrics.RecordAdapterLatency(string(c.platform), "exchange", time.Since(start)) }()

	tok, err := c.configFor(redirectURL).Exchange(c.oauthContext(ctx), code, opts...)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	return toToken(tok), nil
}

// refresh はリフレッシュトークンで新しいトークンを取得する。
func (c *oauthClient) refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token")
	}
	start := time.Now()
	defer func() { c.metrics.RecordAdapterLatency(string(c.platform), "refresh", time.Since(start)) }()

	src := c.config.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	t := toToken(tok)
	if t.RefreshToken == "" {
		t.RefreshToken = refreshToken
	}
	return t, nil
}

// revoke はRFC 7009形式でトークンを失効させる。
func (c *oauthClient) revoke(ctx context.Context, token string) error {
	form := url.Values{
		"token":           {token},
		"token_type_hint": {"access_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(c.config.ClientID), url.QueryEscape(c.config.ClientSecret))
	return c.do(req, "revoke", nil)
}

// getJSON はBearerトークン付きでGETし、レスポンスをoutにデコードする。
func (c *oauthClient) getJSON(ctx context.Context, operation, path, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.APIBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return c.do(req, operation, out)
}

// postJSON はBearerトークン付きでJSONをPOSTする。
func (c *oauthClient) postJSON(ctx context.Context, operation, path, accessToken string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", operation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.APIBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, operation, out)
}

// postForm はBearerトークン付きでフォームをPOSTする。
func (c *oauthClient) postForm(ctx context.Context, operation, path, accessToken string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.APIBaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, operation, out)
}

// do はリクエストを送信し、2xx以外を StatusError として返す。outがnilの場合はボディを読み捨てる。
func (c *oauthClient) do(req *http.Request, operation string, out any) error {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.RecordAdapterLatency(string(c.platform), operation, time.Since(start))
	if err != nil {
		return fmt.Errorf("%s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBodyLength {
			body = body[:maxErrorBodyLength]
		}
		return &StatusError{
			Platform:   c.platform,
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", operation, err)
	}
	return nil
}

func toToken(tok *oauth2.Token) *Token {
	t := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		t.ExpiresAt = &expiry
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		t.Scopes = strings.Fields(strings.ReplaceAll(scope, ",", " "))
	}
	return t
}
