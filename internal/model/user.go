// Package model はドメインモデルを定義する。
package model

import (
	"slices"
	"strings"
	"time"
)

// RoleUser はすべてのユーザーが暗黙的に持つデフォルトロール。
const RoleUser = "ROLE_USER"

// RoleAdmin はユーザーエクスポート等の管理操作を許可するロール。
const RoleAdmin = "ROLE_ADMIN"

// User は認証に関わるユーザー集約を表す。
// タイムスタンプの更新はライフサイクルフックではなく各ミューテータが明示的に行う。
type User struct {
	ID                          int64
	Email                       string
	PasswordHash                string
	Name                        string
	Roles                       []string
	IsActive                    bool
	IsVerified                  bool
	VerificationToken           *string
	EmailVerifiedAt             *time.Time
	ResetPasswordToken          *string
	ResetPasswordTokenExpiresAt *time.Time
	LastLoginAt                 *time.Time
	LastLoginIP                 *string
	LoginCount                  int
	CreatedAt                   time.Time
	UpdatedAt                   *time.Time
	DeletedAt                   *time.Time
}

// NewUser は登録直後の状態のユーザーを生成する。メールアドレスは正規化される。
func NewUser(email, passwordHash, name string, now time.Time) *User {
	return &User{
		Email:        NormalizeEmail(email),
		PasswordHash: passwordHash,
		Name:         name,
		Roles:        []string{RoleUser},
		IsActive:     true,
		CreatedAt:    now,
	}
}

// NormalizeEmail は前後の空白を除去し小文字化したメールアドレスを返す。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RolesWithDefault はデフォルトロールを必ず含む重複のないロール一覧を返す。
func (u *User) RolesWithDefault() []string {
	roles := make([]string, 0, len(u.Roles)+1)
	for _, r := range u.Roles {
		if r != "" && !slices.Contains(roles, r) {
			roles = append(roles, r)
		}
	}
	if !slices.Contains(roles, RoleUser) {
		roles = append(roles, RoleUser)
	}
	return roles
}

// HasRole はユーザーが指定ロールを持つかを返す。
func (u *User) HasRole(role string) bool {
	return slices.Contains(u.RolesWithDefault(), role)
}

// AddRole はロールを追加する。
func (u *User) AddRole(role string, now time.Time) {
	if role == "" || slices.Contains(u.Roles, role) {
		return
	}
	u.Roles = append(u.Roles, role)
	u.touch(now)
}

// RemoveRole はロールを削除する。デフォルトロールは実効ロールから外れない。
func (u *User) RemoveRole(role string, now time.Time) {
	u.Roles = slices.DeleteFunc(u.Roles, func(r string) bool { return r == role })
	u.touch(now)
}

// IssueVerificationToken はメール確認用トークンを設定する。
func (u *User) IssueVerificationToken(token string, now time.Time) {
	u.VerificationToken = &token
	u.touch(now)
}

// MarkVerified はメール確認済みにし、確認トークンを破棄する。
func (u *User) MarkVerified(now time.Time) {
	u.IsVerified = true
	u.VerificationToken = nil
	u.EmailVerifiedAt = &now
	u.touch(now)
}

// IssueResetPasswordToken はパスワードリセット用トークンと有効期限を設定する。
func (u *User) IssueResetPasswordToken(token string, expiresAt, now time.Time) {
	u.ResetPasswordToken = &token
	u.ResetPasswordTokenExpiresAt = &expiresAt
	u.touch(now)
}

// ClearResetPasswordToken はリセットトークンと有効期限を同時に破棄する。
func (u *User) ClearResetPasswordToken(now time.Time) {
	u.ResetPasswordToken = nil
	u.ResetPasswordTokenExpiresAt = nil
	u.touch(now)
}

// IsResetPasswordTokenValid はトークンと有効期限が揃っており、期限内であるかを返す。
func (u *User) IsResetPasswordTokenValid(now time.Time) bool {
	if u.ResetPasswordToken == nil || u.ResetPasswordTokenExpiresAt == nil {
		return false
	}
	return u.ResetPasswordTokenExpiresAt.After(now)
}

// RecordLogin はログイン回数・最終ログイン日時・IPを更新する。
func (u *User) RecordLogin(ip string, now time.Time) {
	u.LoginCount++
	u.LastLoginAt = &now
	if ip != "" {
		u.LastLoginIP = &ip
	}
	u.touch(now)
}

// SoftDelete は削除マーカーを設定し、アカウントを無効化する。
func (u *User) SoftDelete(now time.Time) {
	u.DeletedAt = &now
	u.IsActive = false
	u.touch(now)
}

// Restore は論理削除を取り消し、アカウントを再度有効化する。
func (u *User) Restore(now time.Time) {
	u.DeletedAt = nil
	u.IsActive = true
	u.touch(now)
}

// IsDeleted は論理削除済みかを返す。
func (u *User) IsDeleted() bool {
	return u.DeletedAt != nil
}

// CanLogin はログイン可能な状態かを返す。
func (u *User) CanLogin() bool {
	return u.IsActive && !u.IsDeleted()
}

func (u *User) touch(now time.Time) {
	u.UpdatedAt = &now
}
