package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/usercore/internal/auth"
	"github.com/hitoshi/usercore/internal/middleware"
	"github.com/hitoshi/usercore/internal/model"
	"github.com/hitoshi/usercore/internal/token"
)

// --- モック定義 ---

type mockAuthService struct {
	registerFn                 func(ctx context.Context, in auth.RegisterInput) (*model.User, error)
	loginFn                    func(ctx context.Context, email, password, ip string) (*auth.TokenPair, error)
	logoutFn                   func(ctx context.Context, accessToken string) error
	refreshFn                  func(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	currentUserFn              func(ctx context.Context, userID int64) (*model.User, error)
	requestEmailVerificationFn func(ctx context.Context, userID int64) error
	verifyEmailFn              func(ctx context.Context, tok string) error
	requestPasswordResetFn     func(ctx context.Context, email string) error
	resetPasswordFn            func(ctx context.Context, tok, password string) error
}

func (m *mockAuthService) Register(ctx context.Context, in auth.RegisterInput) (*model.User, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, in)
	}
	return &model.User{ID: 1, Email: in.Email}, nil
}

func (m *mockAuthService) Login(ctx context.Context, email, password, ip string) (*auth.TokenPair, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, email, password, ip)
	}
	return &auth.TokenPair{}, nil
}

func (m *mockAuthService) Logout(ctx context.Context, accessToken string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, accessToken)
	}
	return nil
}

func (m *mockAuthService) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return &auth.TokenPair{}, nil
}

func (m *mockAuthService) CurrentUser(ctx context.Context, userID int64) (*model.User, error) {
	if m.currentUserFn != nil {
		return m.currentUserFn(ctx, userID)
	}
	return &model.User{ID: userID}, nil
}

func (m *mockAuthService) RequestEmailVerification(ctx context.Context, userID int64) error {
	if m.requestEmailVerificationFn != nil {
		return m.requestEmailVerificationFn(ctx, userID)
	}
	return nil
}

func (m *mockAuthService) VerifyEmail(ctx context.Context, tok string) error {
	if m.verifyEmailFn != nil {
		return m.verifyEmailFn(ctx, tok)
	}
	return nil
}

func (m *mockAuthService) RequestPasswordReset(ctx context.Context, email string) error {
	if m.requestPasswordResetFn != nil {
		return m.requestPasswordResetFn(ctx, email)
	}
	return nil
}

func (m *mockAuthService) ResetPassword(ctx context.Context, tok, password string) error {
	if m.resetPasswordFn != nil {
		return m.resetPasswordFn(ctx, tok, password)
	}
	return nil
}

// --- ヘルパー ---

func withUserID(r *http.Request, userID int64) *http.Request {
	claims := &token.Claims{UserID: userID, Roles: []string{model.RoleUser}}
	return r.WithContext(middleware.ContextWithClaims(r.Context(), claims))
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v\nbody: %s", err, w.Body.String())
	}
	return v
}

// --- POST /api/auth/register ---

func TestAuthHandler_Register_Success(t *testing.T) {
	svc := &mockAuthService{
		registerFn: func(ctx context.Context, in auth.RegisterInput) (*model.User, error) {
			if in.Email != "new@example.com" || in.Password != "password123" || in.Name != "Taro" {
				t.Errorf("unexpected input: %+v", in)
			}
			return &model.User{ID: 10, Email: "new@example.com"}, nil
		},
	}
	h := NewAuthHandler(svc)

	w := httptest.NewRecorder()
	h.Register(w, jsonRequest(http.MethodPost, "/api/auth/register",
		`{"email":"new@example.com","password":"password123","name":"Taro"}`))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	body := decodeBody[registerResponse](t, w)
	if body.User.ID != 10 || body.User.Email != "new@example.com" {
		t.Errorf("user = %+v", body.User)
	}
	if body.Message == "" {
		t.Error("message should not be empty")
	}
}

func TestAuthHandler_Register_DuplicateEmail_Returns400(t *testing.T) {
	svc := &mockAuthService{
		registerFn: func(ctx context.Context, in auth.RegisterInput) (*model.User, error) {
			return nil, model.NewDuplicateEmailError()
		},
	}
	h := NewAuthHandler(svc)

	w := httptest.NewRecorder()
	h.Register(w, jsonRequest(http.MethodPost, "/api/auth/register",
		`{"email":"dup@example.com","password":"password123"}`))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	body := decodeBody[middleware.ErrorResponseBody](t, w)
	if body.Code != model.ErrCodeDuplicateEmail {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeDuplicateEmail)
	}
	if body.Error == "" {
		t.Error("error field should not be empty")
	}
}

func TestAuthHandler_Register_InvalidJSON_Returns400(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{
		registerFn: func(ctx context.Context, in auth.RegisterInput) (*model.User, error) {
			t.Error("service should not be called")
			return nil, nil
		},
	})

	w := httptest.NewRecorder()
	h.Register(w, jsonRequest(http.MethodPost, "/api/auth/register", `{"email":`))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// --- POST /api/auth/login ---

func TestAuthHandler_Login_Success(t *testing.T) {
	var gotIP string
	svc := &mockAuthService{
		loginFn: func(ctx context.Context, email, password, ip string) (*auth.TokenPair, error) {
			gotIP = ip
			return &auth.TokenPair{AccessToken: "access", RefreshToken: "refresh", ExpiresIn: 3600}, nil
		},
	}
	h := NewAuthHandler(svc)

	req := jsonRequest(http.MethodPost, "/api/auth/login", `{"email":"a@example.com","password":"password123"}`)
	req.RemoteAddr = "192.0.2.10:40000"
	w := httptest.NewRecorder()
	h.Login(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := decodeBody[map[string]any](t, w)
	if body["token"] != "access" || body["refresh_token"] != "refresh" || body["expires_in"] != float64(3600) {
		t.Errorf("body = %v", body)
	}
	if gotIP != "192.0.2.10" {
		t.Errorf("ip = %q, want %q", gotIP, "192.0.2.10")
	}
}

func TestAuthHandler_Login_InvalidCredentials_Returns401(t *testing.T) {
	svc := &mockAuthService{
		loginFn: func(ctx context.Context, email, password, ip string) (*auth.TokenPair, error) {
			return nil, model.NewInvalidCredentialsError()
		},
	}
	h := NewAuthHandler(svc)

	w := httptest.NewRecorder()
	h.Login(w, jsonRequest(http.MethodPost, "/api/auth/login", `{"email":"a@example.com","password":"wrong"}`))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if body := decodeBody[middleware.ErrorResponseBody](t, w); body.Code != model.ErrCodeInvalidCredentials {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidCredentials)
	}
}

func TestAuthHandler_Login_InternalError_Returns500(t *testing.T) {
	svc := &mockAuthService{
		loginFn: func(ctx context.Context, email, password, ip string) (*auth.TokenPair, error) {
			return nil, errors.New("db down")
		},
	}
	h := NewAuthHandler(svc)

	w := httptest.NewRecorder()
	h.Login(w, jsonRequest(http.MethodPost, "/api/auth/login", `{"email":"a@example.com","password":"x"}`))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	body := decodeBody[middleware.ErrorResponseBody](t, w)
	if strings.Contains(body.Message, "db down") {
		t.Error("internal error details must not leak to the client")
	}
}

// --- POST /api/auth/refresh ---

func TestAuthHandler_Refresh(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"成功", nil, http.StatusOK},
		{"無効なトークン", model.NewInvalidRefreshTokenError(), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				refreshFn: func(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
					if refreshToken != "r1" {
						t.Errorf("refresh token = %q, want %q", refreshToken, "r1")
					}
					if tt.err != nil {
						return nil, tt.err
					}
					return &auth.TokenPair{AccessToken: "a2", RefreshToken: "r2", ExpiresIn: 3600}, nil
				},
			}
			h := NewAuthHandler(svc)

			w := httptest.NewRecorder()
			h.Refresh(w, jsonRequest(http.MethodPost, "/api/auth/refresh", `{"refresh_token":"r1"}`))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

// --- POST /api/auth/logout ---

func TestAuthHandler_Logout_RevokesBearerToken(t *testing.T) {
	var revoked string
	svc := &mockAuthService{
		logoutFn: func(ctx context.Context, accessToken string) error {
			revoked = accessToken
			return nil
		},
	}
	h := NewAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	w := httptest.NewRecorder()
	h.Logout(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if revoked != "tok-1" {
		t.Errorf("revoked = %q, want %q", revoked, "tok-1")
	}
	if body := decodeBody[messageResponse](t, w); body.Message == "" {
		t.Error("message should not be empty")
	}
}

func TestAuthHandler_Logout_WithoutTokenOrOnError_StillSucceeds(t *testing.T) {
	calls := 0
	svc := &mockAuthService{
		logoutFn: func(ctx context.Context, accessToken string) error {
			calls++
			return errors.New("store unavailable")
		},
	}
	h := NewAuthHandler(svc)

	w := httptest.NewRecorder()
	h.Logout(w, httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil))
	if w.Code != http.StatusOK {
		t.Errorf("no token: status = %d, want %d", w.Code, http.StatusOK)
	}
	if calls != 0 {
		t.Errorf("logout called %d times without a token", calls)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w = httptest.NewRecorder()
	h.Logout(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("service error: status = %d, want %d", w.Code, http.StatusOK)
	}
}

// --- GET /api/auth/me ---

func TestAuthHandler_Me_ReturnsProfile(t *testing.T) {
	svc := &mockAuthService{
		currentUserFn: func(ctx context.Context, userID int64) (*model.User, error) {
			return &model.User{ID: userID, Email: "me@example.com", Roles: []string{model.RoleAdmin}, IsVerified: true}, nil
		},
	}
	h := NewAuthHandler(svc)

	w := httptest.NewRecorder()
	h.Me(w, withUserID(httptest.NewRequest(http.MethodGet, "/api/auth/me", nil), 7))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := decodeBody[meResponse](t, w)
	if body.ID != 7 || body.Email != "me@example.com" || !body.IsVerified {
		t.Errorf("body = %+v", body)
	}
	if len(body.Roles) != 2 || body.Roles[0] != model.RoleAdmin || body.Roles[1] != model.RoleUser {
		t.Errorf("roles = %v, want [%s %s]", body.Roles, model.RoleAdmin, model.RoleUser)
	}
}

func TestAuthHandler_Me_NoUserID_Returns401(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{})

	w := httptest.NewRecorder()
	h.Me(w, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// --- メール確認・パスワードリセット ---

func TestAuthHandler_RequestEmailVerification_Returns202(t *testing.T) {
	var gotID int64
	svc := &mockAuthService{
		requestEmailVerificationFn: func(ctx context.Context, userID int64) error {
			gotID = userID
			return nil
		},
	}
	h := NewAuthHandler(svc)

	w := httptest.NewRecorder()
	h.RequestEmailVerification(w, withUserID(httptest.NewRequest(http.MethodPost, "/api/auth/verify-email/request", nil), 3))

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if gotID != 3 {
		t.Errorf("userID = %d, want 3", gotID)
	}
}

func TestAuthHandler_VerifyEmail(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"成功", `{"token":"abc"}`, nil, http.StatusOK, ""},
		{"トークンなし", `{}`, nil, http.StatusBadRequest, model.ErrCodeInvalidVerificationToken},
		{"無効なトークン", `{"token":"bad"}`, model.NewInvalidVerificationTokenError(), http.StatusBadRequest, model.ErrCodeInvalidVerificationToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				verifyEmailFn: func(ctx context.Context, tok string) error { return tt.err },
			}
			h := NewAuthHandler(svc)

			w := httptest.NewRecorder()
			h.VerifyEmail(w, jsonRequest(http.MethodPost, "/api/auth/verify-email", tt.body))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if body := decodeBody[middleware.ErrorResponseBody](t, w); body.Code != tt.wantCode {
					t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
				}
			}
		})
	}
}

func TestAuthHandler_ForgotPassword_Returns202(t *testing.T) {
	var gotEmail string
	svc := &mockAuthService{
		requestPasswordResetFn: func(ctx context.Context, email string) error {
			gotEmail = email
			return nil
		},
	}
	h := NewAuthHandler(svc)

	w := httptest.NewRecorder()
	h.ForgotPassword(w, jsonRequest(http.MethodPost, "/api/auth/password/forgot", `{"email":"who@example.com"}`))

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if gotEmail != "who@example.com" {
		t.Errorf("email = %q", gotEmail)
	}
}

func TestAuthHandler_ForgotPassword_InvalidEmail_Returns400(t *testing.T) {
	svc := &mockAuthService{
		requestPasswordResetFn: func(ctx context.Context, email string) error {
			return model.NewValidationError("メールアドレスの形式が不正です")
		},
	}
	h := NewAuthHandler(svc)

	w := httptest.NewRecorder()
	h.ForgotPassword(w, jsonRequest(http.MethodPost, "/api/auth/password/forgot", `{"email":"nope"}`))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAuthHandler_ResetPassword(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{"成功", `{"token":"t","password":"newpassword"}`, nil, http.StatusOK},
		{"トークンなし", `{"password":"newpassword"}`, nil, http.StatusBadRequest},
		{"期限切れ", `{"token":"old","password":"newpassword"}`, model.NewInvalidResetTokenError(), http.StatusBadRequest},
		{"短いパスワード", `{"token":"t","password":"short"}`, model.NewValidationError("too short"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				resetPasswordFn: func(ctx context.Context, tok, password string) error { return tt.err },
			}
			h := NewAuthHandler(svc)

			w := httptest.NewRecorder()
			h.ResetPassword(w, jsonRequest(http.MethodPost, "/api/auth/password/reset", tt.body))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestMapAPIErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{model.ErrCodeDuplicateEmail, http.StatusBadRequest},
		{model.ErrCodeValidationFailed, http.StatusBadRequest},
		{model.ErrCodeInvalidResetToken, http.StatusBadRequest},
		{model.ErrCodeInvalidVerificationToken, http.StatusBadRequest},
		{model.ErrCodeInvalidCredentials, http.StatusUnauthorized},
		{model.ErrCodeInvalidToken, http.StatusUnauthorized},
		{model.ErrCodeRevokedToken, http.StatusUnauthorized},
		{model.ErrCodeInvalidRefreshToken, http.StatusUnauthorized},
		{model.ErrCodeForbidden, http.StatusForbidden},
		{model.ErrCodeUserNotFound, http.StatusNotFound},
		{model.ErrCodeNotImplemented, http.StatusNotImplemented},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := mapAPIErrorToHTTPStatus(&model.APIError{Code: tt.code}); got != tt.want {
				t.Errorf("mapAPIErrorToHTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}
