// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// 連携アカウントとクレジットウォレットはユーザーに属する。
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity はログイン用IdPとの紐付け情報を表す。
// SNS連携（Connection）とは別物で、サービスへのログインにのみ使う。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
// IDはCookieに載る平文のトークンで、DBにはそのダイジェストだけが残る。
type Session struct {
	ID        string
	UserID    string
	UserAgent string
	ExpiresAt time.Time
	CreatedAt time.Time
}
