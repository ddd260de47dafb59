package handler

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/usercore/internal/middleware"
	"github.com/hitoshi/usercore/internal/model"
)

// exportFlushEvery はエクスポート時にレスポンスをフラッシュする行数の間隔。
const exportFlushEvery = 100

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Withdraw はユーザーを論理削除し、リフレッシュトークンを破棄する。
	Withdraw(ctx context.Context, userID int64) error
	// Restore は論理削除を取り消す。
	Restore(ctx context.Context, userID int64) error
	// Export は全ユーザーをID昇順で列挙する。
	Export(ctx context.Context, includeDeleted bool) iter.Seq2[*model.User, error]
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// exportedUser はエクスポートの1行を表す。パスワードハッシュとトークンは含めない。
type exportedUser struct {
	ID          int64      `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name,omitempty"`
	Roles       []string   `json:"roles"`
	IsActive    bool       `json:"is_active"`
	IsVerified  bool       `json:"is_verified"`
	LoginCount  int        `json:"login_count"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Withdraw はユーザーの退会処理を実行する。
// DELETE /api/users/me
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.Withdraw(r.Context(), userID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Restore は論理削除されたユーザーを復元する。管理者専用。
// POST /api/users/{id}/restore
func (h *UserHandler) Restore(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || userID <= 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("ユーザーIDが不正です"))
		return
	}

	if err := h.service.Restore(r.Context(), userID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Export は全ユーザーをNDJSONでストリーミングする。管理者専用。
// ?include_deleted=true で論理削除済みのユーザーも含める。
// GET /api/users/export
func (h *UserHandler) Export(w http.ResponseWriter, r *http.Request) {
	includeDeleted, _ := strconv.ParseBool(r.URL.Query().Get("include_deleted"))

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	count := 0

	for user, err := range h.service.Export(r.Context(), includeDeleted) {
		if err != nil {
			if count == 0 {
				handleServiceError(w, r, err)
				return
			}
			// ヘッダー送信後はステータスを変更できないため、ログに残して打ち切る
			slog.ErrorContext(r.Context(), "user export aborted",
				slog.Int("exported", count),
				slog.String("error", err.Error()),
			)
			return
		}

		if count == 0 {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
		}
		if err := enc.Encode(toExportedUser(user)); err != nil {
			// クライアント切断。ループを抜けるとカーソルは解放される
			slog.WarnContext(r.Context(), "user export interrupted",
				slog.Int("exported", count),
				slog.String("error", err.Error()),
			)
			return
		}
		count++
		if flusher != nil && count%exportFlushEvery == 0 {
			flusher.Flush()
		}
	}

	if count == 0 {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	}

	slog.InfoContext(r.Context(), "user export completed",
		slog.Int("exported", count),
		slog.Bool("include_deleted", includeDeleted),
	)
}

func toExportedUser(u *model.User) exportedUser {
	return exportedUser{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.Name,
		Roles:       u.RolesWithDefault(),
		IsActive:    u.IsActive,
		IsVerified:  u.IsVerified,
		LoginCount:  u.LoginCount,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
		DeletedAt:   u.DeletedAt,
	}
}
