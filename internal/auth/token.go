package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken はセッショントークンの署名・形式・有効期限が不正な場合に返される。
var ErrInvalidToken = errors.New("invalid session token")

// SessionClaims はセッショントークンのクレーム。
// Subjectはidentity ID、IDはセッションID、Generationはセッション行の世代を表す。
type SessionClaims struct {
	Generation int64 `json:"gen"`
	jwt.RegisteredClaims
}

// TokenIssuer はHS256で署名したセッショントークンを発行・検証する。
type TokenIssuer struct {
	secret []byte
	issuer string
}

// NewTokenIssuer はTokenIssuerを生成する。secretは32バイト以上を推奨する。
func NewTokenIssuer(secret, issuer string) (*TokenIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("session secret is required")
	}
	return &TokenIssuer{secret: []byte(secret), issuer: issuer}, nil
}

// Mint はセッションID・ユーザーID・世代を含むトークンを発行する。
func (t *TokenIssuer) Mint(sessionID, userID string, generation int64, issuedAt, expiresAt time.Time) (string, error) {
	claims := SessionClaims{
		Generation: generation,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Subject:   userID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Parse はトークンの署名と有効期限を検証し、クレームを返す。
func (t *TokenIssuer) Parse(token string, now time.Time) (*SessionClaims, error) {
	return t.parse(token, jwt.WithTimeFunc(func() time.Time { return now }))
}

// ParseIgnoringExpiry は署名のみ検証し、有効期限切れのトークンからもクレームを返す。
// サインアウトで期限切れのトークンを受け付けるために使用する。
func (t *TokenIssuer) ParseIgnoringExpiry(token string) (*SessionClaims, error) {
	return t.parse(token, jwt.WithoutClaimsValidation())
}

func (t *TokenIssuer) parse(token string, opts ...jwt.ParserOption) (*SessionClaims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
