package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeDuplicateEmail           = "DUPLICATE_EMAIL"
	ErrCodeInvalidCredentials       = "INVALID_CREDENTIALS"
	ErrCodeInvalidToken             = "INVALID_TOKEN"
	ErrCodeRevokedToken             = "REVOKED_TOKEN"
	ErrCodeInvalidRefreshToken      = "INVALID_REFRESH_TOKEN"
	ErrCodeNotImplemented           = "NOT_IMPLEMENTED"
	ErrCodeValidationFailed         = "VALIDATION_FAILED"
	ErrCodeInvalidResetToken        = "INVALID_RESET_TOKEN"
	ErrCodeInvalidVerificationToken = "INVALID_VERIFICATION_TOKEN"
	ErrCodeUserNotFound             = "USER_NOT_FOUND"
	ErrCodeForbidden                = "FORBIDDEN"
	ErrCodeInternal                 = "INTERNAL_ERROR"
)

// NewDuplicateEmailError は大文字小文字を無視して同一のメールアドレスが登録済みの場合のエラーを生成する。
func NewDuplicateEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateEmail,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "validation",
		Action:   "別のメールアドレスを使用するか、ログインしてください。",
	}
}

// NewInvalidCredentialsError は認証情報が一致しない場合のエラーを生成する。
// ユーザーの存在有無を推測されないよう、原因は区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewInvalidTokenError は署名不正または期限切れのトークンに対するエラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "トークンが無効か、有効期限が切れています。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewRevokedTokenError はログアウト済みトークンに対するエラーを生成する。
func NewRevokedTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeRevokedToken,
		Message:  "このトークンは無効化されています。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewInvalidRefreshTokenError は使用済み・期限切れ・未知のリフレッシュトークンに対するエラーを生成する。
func NewInvalidRefreshTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRefreshToken,
		Message:  "リフレッシュトークンが無効です。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewValidationError は入力値検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("入力内容に誤りがあります: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidResetTokenError はパスワードリセットトークンが無効な場合のエラーを生成する。
func NewInvalidResetTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidResetToken,
		Message:  "パスワードリセットトークンが無効か、有効期限が切れています。",
		Category: "validation",
		Action:   "パスワードリセットを再度リクエストしてください。",
	}
}

// NewInvalidVerificationTokenError はメール確認トークンが無効な場合のエラーを生成する。
func NewInvalidVerificationTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidVerificationToken,
		Message:  "メール確認トークンが無効です。",
		Category: "validation",
		Action:   "確認メールを再送信してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewForbiddenError は権限不足のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者にお問い合わせください。",
	}
}
