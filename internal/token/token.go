// Package token はアクセストークン（JWT）の発行と検証を提供する。
package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/usercore/internal/model"
)

// DefaultTTL はアクセストークンの既定の有効期間。
const DefaultTTL = time.Hour

// ErrInvalidToken は署名・アルゴリズム・有効期限のいずれかの検証に失敗した場合に返される。
var ErrInvalidToken = errors.New("invalid token")

// Claims はアクセストークンのクレーム。usernameは含めない。
type Claims struct {
	UserID int64    `json:"user_id"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole はクレームにroleが含まれるかを返す。
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Options はIssuerの設定。PrivateKeyPEMが指定された場合はRS256、それ以外はSecretでHS256を使う。
type Options struct {
	Secret        []byte
	PrivateKeyPEM []byte
	Issuer        string
	TTL           time.Duration
}

// Issuer はアクセストークンを署名・検証する。並行アクセスに安全。
type Issuer struct {
	method  jwt.SigningMethod
	signKey any
	keyFunc jwt.Keyfunc
	issuer  string
	ttl     time.Duration
	now     func() time.Time
}

// New はOptionsからIssuerを生成する。
func New(opts Options) (*Issuer, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}

	iss := &Issuer{issuer: opts.Issuer, ttl: opts.TTL, now: time.Now}

	switch {
	case len(opts.PrivateKeyPEM) > 0:
		key, err := jwt.ParseRSAPrivateKeyFromPEM(opts.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RSA private key: %w", err)
		}
		iss.useRSA(key)
	case len(opts.Secret) > 0:
		iss.method = jwt.SigningMethodHS256
		iss.signKey = opts.Secret
		iss.keyFunc = func(*jwt.Token) (any, error) { return opts.Secret, nil }
	default:
		return nil, errors.New("either a secret or a private key is required")
	}
	return iss, nil
}

func (i *Issuer) useRSA(key *rsa.PrivateKey) {
	i.method = jwt.SigningMethodRS256
	i.signKey = key
	i.keyFunc = func(*jwt.Token) (any, error) { return &key.PublicKey, nil }
}

// TTL はアクセストークンの有効期間を返す。
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Algorithm は署名アルゴリズム名を返す。
func (i *Issuer) Algorithm() string {
	return i.method.Alg()
}

// Issue はユーザーのアクセストークンを発行し、署名済み文字列と有効期限を返す。
func (i *Issuer) Issue(user *model.User) (string, time.Time, error) {
	if user == nil || user.ID == 0 {
		return "", time.Time{}, errors.New("user with an id is required")
	}

	issuedAt := i.now()
	expiresAt := issuedAt.Add(i.ttl)

	claims := &Claims{
		UserID: user.ID,
		Email:  user.Email,
		Roles:  user.RolesWithDefault(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(i.method, claims).SignedString(i.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	// JWTのexpは秒精度
	return signed, expiresAt.Truncate(time.Second), nil
}

// Verify は署名・アルゴリズム・有効期限を検証してクレームを返す。
// 失敗した場合はErrInvalidTokenをラップしたエラーを返す。
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{i.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, i.keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid || claims.UserID == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseUnverified は署名を検証せずにクレームを取り出す。
// ログアウト時に失効期間を決めるためだけに使い、認可の判断には使わないこと。
func ParseUnverified(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// RemainingLifetime はnow時点での残り有効期間を返す。expがない場合はfalseを返す。
func (c *Claims) RemainingLifetime(now time.Time) (time.Duration, bool) {
	if c.ExpiresAt == nil {
		return 0, false
	}
	return c.ExpiresAt.Sub(now), true
}
