// Package token はアップロードトークンの発行と検証を担う
//
// # 責務
// - (セッション, デバイス) の組に限定された短命トークンの発行
// - トークンの署名・対象・有効期限の検証
//
// # 仕様
// - HMAC-SHA256 署名付きJWTとして実装する
// - 有効期限はトークン自身に埋め込まれ、検証時にのみ判定される
// - 状態を持たない: 秘密鍵さえあればどのプロセスでも検証できる
// - 署名鍵は操作者クレデンシャルとは別の専用の鍵を使う
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformedToken はトークンの構造が解析できない場合のエラー
	ErrMalformedToken = errors.New("トークンを解析できません")
	// ErrTokenMismatch はトークンの対象がリクエストの主張と一致しない場合のエラー
	ErrTokenMismatch = errors.New("トークンの対象が一致しません")
	// ErrTokenExpired はトークンの有効期限が切れている場合のエラー
	ErrTokenExpired = errors.New("トークンの有効期限が切れています")
)

// Claims はトークンに埋め込む内容
// セッションIDとデバイスIDに標準の有効期限を加えたもの
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	DeviceID  string `json:"did"`
}

// Authority はトークンの発行・検証を行う
type Authority struct {
	secret []byte
	now    func() time.Time // テストで差し替え可能な時計
}

// NewAuthority は新しいAuthorityを作成する
func NewAuthority(secret []byte) *Authority {
	return &Authority{
		secret: secret,
		now:    time.Now,
	}
}

// Issue は (セッション, デバイス) に限定されたトークンを発行する
// 有効期限は now + ttl となる
func (a *Authority) Issue(sessionID, deviceID string, ttl time.Duration) (string, error) {
	now := a.now()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionID: sessionID,
		DeviceID:  deviceID,
	})

	return token.SignedString(a.secret)
}

// Verify はトークンを検証する
// 署名・対象の (セッション, デバイス)・有効期限がすべて一致した場合のみnilを返す
// 判定は 署名 -> 対象 -> 有効期限 の順で行う
func (a *Authority) Verify(tokenString, sessionID, deviceID string) error {
	claims := &Claims{}

	// 有効期限はこの後に自前で判定するため、解析では署名のみ検証する
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrMalformedToken
		}
		return a.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid {
		return ErrMalformedToken
	}

	// 対象の一致を検証する（別セッション・別デバイスへのリプレイを拒否）
	if claims.SessionID != sessionID || claims.DeviceID != deviceID {
		return ErrTokenMismatch
	}

	// 有効期限ちょうどの時刻は期限切れとして扱う
	if claims.ExpiresAt == nil || !a.now().Before(claims.ExpiresAt.Time) {
		return ErrTokenExpired
	}

	return nil
}
