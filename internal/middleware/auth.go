// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/usercore/internal/model"
	"github.com/hitoshi/usercore/internal/token"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

const (
	claimsContextKey      = contextKey("claims")
	accessTokenContextKey = contextKey("access_token")
)

// Authenticator はアクセストークンを検証してクレームを返す。
// auth.Serviceが実装する。
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*token.Claims, error)
}

// NewBearerAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// 検証済みのクレームと生のトークンをリクエストコンテキストに注入する。
// トークンがない・無効・失効済みの場合は401 Unauthorizedを返す。
func NewBearerAuthMiddleware(authenticator Authenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := BearerToken(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidTokenError())
				return
			}

			claims, err := authenticator.Authenticate(r.Context(), raw)
			if err != nil {
				var apiErr *model.APIError
				if errors.As(err, &apiErr) {
					WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
					return
				}
				slog.ErrorContext(r.Context(), "failed to authenticate request",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			ctx := ContextWithClaims(r.Context(), claims)
			ctx = context.WithValue(ctx, accessTokenContextKey, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole はクレームに指定ロールが含まれない場合に403 Forbiddenを返すミドルウェアを返す。
// NewBearerAuthMiddlewareの後に配置する。
func RequireRole(role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidTokenError())
				return
			}
			if !claims.HasRole(role) {
				slog.WarnContext(r.Context(), "role check failed",
					slog.Int64("user_id", claims.UserID),
					slog.String("required_role", role),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
// スキーム名は大文字小文字を区別しない。
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, raw, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	return raw, true
}

// ClaimsFromContext はリクエストコンテキストから検証済みクレームを取得する。
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*token.Claims)
	return claims, ok && claims != nil
}

// UserIDFromContext はリクエストコンテキストから認証済みユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (int64, error) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok || claims.UserID == 0 {
		return 0, errors.New("user ID not found in context")
	}
	return claims.UserID, nil
}

// AccessTokenFromContext は認証に使われた生のアクセストークンを返す。
func AccessTokenFromContext(ctx context.Context) (string, bool) {
	raw, ok := ctx.Value(accessTokenContextKey).(string)
	return raw, ok && raw != ""
}

// ContextWithClaims はコンテキストにクレームを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithClaims(ctx context.Context, claims *token.Claims) context.Context {
	if claims != nil {
		NoteUserID(ctx, claims.UserID)
	}
	return context.WithValue(ctx, claimsContextKey, claims)
}
