// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/usercore/internal/auth"
	"github.com/hitoshi/usercore/internal/middleware"
	"github.com/hitoshi/usercore/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, in auth.RegisterInput) (*model.User, error)
	Login(ctx context.Context, email, password, ip string) (*auth.TokenPair, error)
	Logout(ctx context.Context, accessToken string) error
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	CurrentUser(ctx context.Context, userID int64) (*model.User, error)
	RequestEmailVerification(ctx context.Context, userID int64) error
	VerifyEmail(ctx context.Context, verificationToken string) error
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, resetToken, newPassword string) error
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type registeredUser struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

type registerResponse struct {
	Message string         `json:"message"`
	User    registeredUser `json:"user"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// tokenResponse はログインとトークン更新のレスポンス。
type tokenResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

type meResponse struct {
	ID         int64    `json:"id"`
	Email      string   `json:"email"`
	Name       string   `json:"name,omitempty"`
	Roles      []string `json:"roles"`
	IsVerified bool     `json:"is_verified"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// Register はユーザー登録を処理する。
// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.service.Register(r.Context(), auth.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		Message: "User registered successfully",
		User:    registeredUser{ID: user.ID, Email: user.Email},
	})
}

// Login はメールアドレスとパスワードで認証し、トークンを発行する。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pair, err := h.service.Login(r.Context(), req.Email, req.Password, middleware.ClientIP(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toTokenResponse(pair))
}

// Refresh はリフレッシュトークンを消費して新しいトークンを発行する。
// POST /api/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pair, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toTokenResponse(pair))
}

// Logout はBearerトークンを失効させる。トークンがなくても成功を返す。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if raw, ok := middleware.BearerToken(r); ok {
		if err := h.service.Logout(r.Context(), raw); err != nil {
			// 失効に失敗してもクライアント側のトークン破棄は妨げない
			slog.ErrorContext(r.Context(), "failed to logout", slog.String("error", err.Error()))
		}
	}

	writeMessage(w, http.StatusOK, "Logged out successfully")
}

// Me は現在のログインユーザー情報を返す。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	user, err := h.service.CurrentUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		ID:         user.ID,
		Email:      user.Email,
		Name:       user.Name,
		Roles:      user.RolesWithDefault(),
		IsVerified: user.IsVerified,
	})
}

// RequestEmailVerification は確認メールの送信を要求する。
// POST /api/auth/verify-email/request
func (h *AuthHandler) RequestEmailVerification(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.RequestEmailVerification(r.Context(), userID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeMessage(w, http.StatusAccepted, "Verification email requested")
}

// VerifyEmail は確認トークンでメールアドレスを確認済みにする。
// POST /api/auth/verify-email
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidVerificationTokenError())
		return
	}

	if err := h.service.VerifyEmail(r.Context(), req.Token); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeMessage(w, http.StatusOK, "Email verified successfully")
}

// ForgotPassword はパスワードリセットメールの送信を要求する。
// 登録の有無に関わらず同じレスポンスを返す。
// POST /api/auth/password/forgot
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), req.Email); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeMessage(w, http.StatusAccepted, "If the email is registered, a reset link has been sent")
}

// ResetPassword はリセットトークンでパスワードを変更する。
// POST /api/auth/password/reset
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidResetTokenError())
		return
	}

	if err := h.service.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeMessage(w, http.StatusOK, "Password has been reset")
}

func toTokenResponse(pair *auth.TokenPair) tokenResponse {
	return tokenResponse{
		Token:        pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	}
}
