package messenger

// イベント型名。レーン名としても使われる。
const (
	TypeUserCreated = "user.created"
	TypeUserUpdated = "user.updated"
)

// UserCreated はユーザー登録時に発行される。
type UserCreated struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
}

// MessageType はイベント型名を返す。
func (UserCreated) MessageType() string { return TypeUserCreated }

// UserUpdated はメール確認やパスワードリセットなど、ユーザーの状態変化時に発行される。
// Tokenは確認メールやリセットメールの送信に必要な場合だけ設定する。
type UserUpdated struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Change string `json:"change"`
	Token  string `json:"token,omitempty"`
}

// MessageType はイベント型名を返す。
func (UserUpdated) MessageType() string { return TypeUserUpdated }

// UserUpdated.Change の値
const (
	ChangeVerificationRequested  = "verification_requested"
	ChangeEmailVerified          = "email_verified"
	ChangePasswordResetRequested = "password_reset_requested"
	ChangePasswordReset          = "password_reset"
	ChangeWithdrawn              = "withdrawn"
	ChangeRestored               = "restored"
)
