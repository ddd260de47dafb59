// Package auth はユーザー登録・ログイン・ログアウト・トークン更新などの認証フローを提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/usercore/internal/messenger"
	"github.com/hitoshi/usercore/internal/metrics"
	"github.com/hitoshi/usercore/internal/model"
	"github.com/hitoshi/usercore/internal/repository"
	"github.com/hitoshi/usercore/internal/revocation"
	"github.com/hitoshi/usercore/internal/token"
)

const (
	// MinPasswordLength はパスワードの最小文字数。
	MinPasswordLength = 8
	// MaxPasswordBytes はbcryptが扱えるパスワードの最大バイト数。
	MaxPasswordBytes = 72
	// DefaultRefreshTokenTTL はリフレッシュトークンの既定の有効期間。
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	// DefaultResetTokenTTL はパスワードリセットトークンの有効期間。
	DefaultResetTokenTTL = 24 * time.Hour
)

// TokenIssuer はアクセストークンの発行と検証を行う。
type TokenIssuer interface {
	Issue(user *model.User) (string, time.Time, error)
	Verify(tokenString string) (*token.Claims, error)
	TTL() time.Duration
}

// EventSource はアウトボックスに書き込むイベントのビルダーを提供する。
type EventSource interface {
	Builder(build func(u *model.User) messenger.Event, opts ...messenger.Option) repository.EventBuilder
}

// NameSanitizer は表示名を無害化する。
type NameSanitizer interface {
	Sanitize(name string) string
}

// TokenPair はログインとトークン更新の結果。
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int // アクセストークンの有効期間（秒）
}

// RegisterInput はユーザー登録の入力。
type RegisterInput struct {
	Email    string
	Password string
	Name     string
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	RefreshTokenTTL time.Duration
	ResetTokenTTL   time.Duration
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	refreshRepo repository.RefreshTokenRepository
	issuer      TokenIssuer
	revoked     revocation.Cache
	hasher      PasswordHasher
	events      EventSource
	sanitizer   NameSanitizer
	metrics     metrics.AuthRecorder
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。recがnilの場合はメトリクスを記録しない。
func NewService(
	userRepo repository.UserRepository,
	refreshRepo repository.RefreshTokenRepository,
	issuer TokenIssuer,
	revoked revocation.Cache,
	hasher PasswordHasher,
	events EventSource,
	sanitizer NameSanitizer,
	rec metrics.AuthRecorder,
	config ServiceConfig,
) *Service {
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.ResetTokenTTL <= 0 {
		config.ResetTokenTTL = DefaultResetTokenTTL
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Service{
		userRepo:    userRepo,
		refreshRepo: refreshRepo,
		issuer:      issuer,
		revoked:     revoked,
		hasher:      hasher,
		events:      events,
		sanitizer:   sanitizer,
		metrics:     rec,
		config:      config,
		now:         time.Now,
	}
}

// Register はユーザーを登録し、user.createdイベントを同一トランザクションでエンキューする。
// メールアドレスは大文字小文字を区別せずに重複を判定する。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.User, error) {
	email := model.NormalizeEmail(in.Email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}

	existing, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewDuplicateEmailError()
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	name := in.Name
	if s.sanitizer != nil {
		name = s.sanitizer.Sanitize(name)
	}

	user := model.NewUser(email, hash, name, s.now())
	build := s.events.Builder(func(u *model.User) messenger.Event {
		return messenger.UserCreated{UserID: u.ID, Email: u.Email}
	})
	if err := s.userRepo.CreateWithEvent(ctx, user, build); err != nil {
		// 同時登録は一意インデックスで検出される
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, model.NewDuplicateEmailError()
		}
		return nil, fmt.Errorf("ユーザーの登録に失敗しました: %w", err)
	}

	s.metrics.RecordRegistration()
	slog.InfoContext(ctx, "ユーザーを登録しました",
		slog.Int64("user_id", user.ID),
	)
	return user, nil
}

// Login はメールアドレスとパスワードを検証し、トークンを発行する。
// ユーザーが存在しない・無効化されている・パスワード不一致のいずれもINVALID_CREDENTIALSを返す。
func (s *Service) Login(ctx context.Context, email, password, ip string) (*TokenPair, error) {
	user, err := s.userRepo.FindByEmail(ctx, model.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}
	if user == nil || !user.CanLogin() {
		s.metrics.RecordLogin(false)
		return nil, model.NewInvalidCredentialsError()
	}
	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		s.metrics.RecordLogin(false)
		if errors.Is(err, ErrPasswordMismatch) {
			return nil, model.NewInvalidCredentialsError()
		}
		return nil, err
	}

	now := s.now()
	count, err := s.userRepo.RecordLogin(ctx, user.ID, ip, now)
	if errors.Is(err, repository.ErrUserUnavailable) {
		// 照合中に退会・無効化された
		s.metrics.RecordLogin(false)
		return nil, model.NewInvalidCredentialsError()
	}
	if err != nil {
		return nil, fmt.Errorf("ログイン情報の更新に失敗しました: %w", err)
	}
	user.RecordLogin(ip, now)
	user.LoginCount = count

	pair, err := s.issueTokens(ctx, user)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordLogin(true)
	slog.InfoContext(ctx, "ユーザーがログインしました",
		slog.Int64("user_id", user.ID),
		slog.Int("login_count", user.LoginCount),
	)
	return pair, nil
}

// Logout はアクセストークンを残り有効期間だけ失効させる。
// 有効期限を読み取れないトークンは設定されたトークン有効期間で失効させる。
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}

	ttl := s.issuer.TTL()
	if claims, err := token.ParseUnverified(accessToken); err == nil {
		if remaining, ok := claims.RemainingLifetime(s.now()); ok {
			if remaining <= 0 {
				// 既に期限切れのトークンは失効させる必要がない
				s.metrics.RecordLogout()
				return nil
			}
			ttl = min(remaining, ttl)
		}
	}

	if err := s.revoked.Revoke(ctx, accessToken, ttl); err != nil {
		return fmt.Errorf("トークンの失効に失敗しました: %w", err)
	}

	s.metrics.RecordLogout()
	slog.InfoContext(ctx, "ユーザーがログアウトしました", slog.Duration("revoked_for", ttl))
	return nil
}

// Refresh はリフレッシュトークンを1回限り消費し、新しいアクセストークンとリフレッシュトークンを発行する。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		s.metrics.RecordRefresh(false)
		return nil, model.NewInvalidRefreshTokenError()
	}

	now := s.now()
	nextRaw, next, err := s.newRefreshToken(0, now)
	if err != nil {
		return nil, err
	}

	userID, err := s.refreshRepo.Rotate(ctx, revocation.Fingerprint(refreshToken), next, now)
	if errors.Is(err, repository.ErrInvalidRefreshToken) {
		s.metrics.RecordRefresh(false)
		return nil, model.NewInvalidRefreshTokenError()
	}
	if err != nil {
		return nil, fmt.Errorf("リフレッシュトークンの更新に失敗しました: %w", err)
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil || !user.CanLogin() {
		if err := s.refreshRepo.DeleteByUserID(ctx, userID); err != nil {
			slog.WarnContext(ctx, "無効なユーザーのリフレッシュトークン削除に失敗しました",
				slog.Int64("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		s.metrics.RecordRefresh(false)
		return nil, model.NewInvalidRefreshTokenError()
	}

	access, _, err := s.issuer.Issue(user)
	if err != nil {
		return nil, fmt.Errorf("アクセストークンの発行に失敗しました: %w", err)
	}

	s.metrics.RecordRefresh(true)
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: nextRaw,
		ExpiresIn:    int(s.issuer.TTL() / time.Second),
	}, nil
}

// Authenticate はアクセストークンを検証し、失効していなければクレームを返す。
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*token.Claims, error) {
	claims, err := s.issuer.Verify(accessToken)
	if err != nil {
		return nil, model.NewInvalidTokenError()
	}

	revoked, err := s.revoked.IsRevoked(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("失効状態の確認に失敗しました: %w", err)
	}
	if revoked {
		s.metrics.RecordRevokedTokenRejected()
		return nil, model.NewRevokedTokenError()
	}
	return claims, nil
}

// CurrentUser は認証済みユーザーを取得する。削除済みの場合はUSER_NOT_FOUNDを返す。
func (s *Service) CurrentUser(ctx context.Context, userID int64) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil || user.IsDeleted() {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// RequestEmailVerification は確認トークンを発行し、確認メール送信用のイベントをエンキューする。
// 確認済みのユーザーに対しては何もしない。
func (s *Service) RequestEmailVerification(ctx context.Context, userID int64) error {
	user, err := s.CurrentUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.IsVerified {
		return nil
	}

	tok, err := generateToken()
	if err != nil {
		return err
	}
	_, err = s.userRepo.ModifyWithEvent(ctx, user.ID, func(u *model.User) error {
		if u.IsDeleted() {
			return model.NewUserNotFoundError()
		}
		if u.IsVerified {
			return repository.ErrNoChange
		}
		u.IssueVerificationToken(tok, s.now())
		return nil
	}, s.updatedEvent(messenger.ChangeVerificationRequested, tok))
	if errors.Is(err, repository.ErrNoChange) {
		return nil
	}
	if err != nil {
		return modifyError(err, model.NewUserNotFoundError, "確認トークンの保存に失敗しました")
	}

	slog.InfoContext(ctx, "メール確認を要求しました", slog.Int64("user_id", user.ID))
	return nil
}

// VerifyEmail は確認トークンでメールアドレスを確認済みにする。トークンは1回限り有効。
func (s *Service) VerifyEmail(ctx context.Context, verificationToken string) error {
	user, err := s.userRepo.FindByVerificationToken(ctx, verificationToken)
	if err != nil {
		return fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}
	if user == nil || user.IsDeleted() {
		return model.NewInvalidVerificationTokenError()
	}

	_, err = s.userRepo.ModifyWithEvent(ctx, user.ID, func(u *model.User) error {
		// 行ロック取得までに同じトークンで確認が済んでいれば2回目は無効
		if u.IsDeleted() || !hasToken(u.VerificationToken, verificationToken) {
			return model.NewInvalidVerificationTokenError()
		}
		u.MarkVerified(s.now())
		return nil
	}, s.updatedEvent(messenger.ChangeEmailVerified, ""))
	if err != nil {
		return modifyError(err, model.NewInvalidVerificationTokenError, "メール確認の保存に失敗しました")
	}

	slog.InfoContext(ctx, "メールアドレスを確認しました", slog.Int64("user_id", user.ID))
	return nil
}

// RequestPasswordReset はリセットトークンを発行し、リセットメール送信用のイベントをエンキューする。
// 未登録のメールアドレスでもエラーを返さない。
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = model.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return err
	}

	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}
	if user == nil || !user.CanLogin() {
		return nil
	}

	tok, err := generateToken()
	if err != nil {
		return err
	}
	now := s.now()
	_, err = s.userRepo.ModifyWithEvent(ctx, user.ID, func(u *model.User) error {
		if !u.CanLogin() {
			return repository.ErrNoChange
		}
		u.IssueResetPasswordToken(tok, now.Add(s.config.ResetTokenTTL), now)
		return nil
	}, s.updatedEvent(messenger.ChangePasswordResetRequested, tok))
	if errors.Is(err, repository.ErrNoChange) || errors.Is(err, repository.ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("リセットトークンの保存に失敗しました: %w", err)
	}

	slog.InfoContext(ctx, "パスワードリセットを要求しました", slog.Int64("user_id", user.ID))
	return nil
}

// ResetPassword はリセットトークンを検証してパスワードを変更する。
// トークンは1回限り有効で、既存のリフレッシュトークンは全て破棄される。
func (s *Service) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	user, err := s.userRepo.FindByResetPasswordToken(ctx, resetToken)
	if err != nil {
		return fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}
	now := s.now()
	if user == nil || !user.CanLogin() || !user.IsResetPasswordTokenValid(now) {
		return model.NewInvalidResetTokenError()
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	// トークンは行ロック下で再検証して消費する。同じトークンの並行リセットは一方だけが成功する。
	_, err = s.userRepo.ModifyWithEvent(ctx, user.ID, func(u *model.User) error {
		if !u.CanLogin() || !hasToken(u.ResetPasswordToken, resetToken) || !u.IsResetPasswordTokenValid(now) {
			return model.NewInvalidResetTokenError()
		}
		u.PasswordHash = hash
		u.ClearResetPasswordToken(now)
		return nil
	}, s.updatedEvent(messenger.ChangePasswordReset, ""))
	if err != nil {
		return modifyError(err, model.NewInvalidResetTokenError, "パスワードの変更に失敗しました")
	}
	if err := s.refreshRepo.DeleteByUserID(ctx, user.ID); err != nil {
		return fmt.Errorf("リフレッシュトークンの破棄に失敗しました: %w", err)
	}

	slog.InfoContext(ctx, "パスワードをリセットしました", slog.Int64("user_id", user.ID))
	return nil
}

// modifyError はModifyWithEventのエラーを変換する。applyが返したAPIErrorはそのまま返し、
// 行が消えていた場合はnotFoundのエラーにする。
func modifyError(err error, notFound func() *model.APIError, msg string) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	if errors.Is(err, repository.ErrUserNotFound) {
		return notFound()
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func hasToken(stored *string, presented string) bool {
	return stored != nil && presented != "" && *stored == presented
}

func (s *Service) updatedEvent(change, tok string) repository.EventBuilder {
	return s.events.Builder(func(u *model.User) messenger.Event {
		return messenger.UserUpdated{UserID: u.ID, Email: u.Email, Change: change, Token: tok}
	})
}

// issueTokens はアクセストークンとリフレッシュトークンを発行し、リフレッシュトークンのハッシュを保存する。
func (s *Service) issueTokens(ctx context.Context, user *model.User) (*TokenPair, error) {
	access, _, err := s.issuer.Issue(user)
	if err != nil {
		return nil, fmt.Errorf("アクセストークンの発行に失敗しました: %w", err)
	}

	raw, refresh, err := s.newRefreshToken(user.ID, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.refreshRepo.Create(ctx, refresh); err != nil {
		return nil, fmt.Errorf("リフレッシュトークンの保存に失敗しました: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: raw,
		ExpiresIn:    int(s.issuer.TTL() / time.Second),
	}, nil
}

func (s *Service) newRefreshToken(userID int64, now time.Time) (string, *model.RefreshToken, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(b)
	return raw, &model.RefreshToken{
		TokenHash: revocation.Fingerprint(raw),
		UserID:    userID,
		ExpiresAt: now.Add(s.config.RefreshTokenTTL),
		CreatedAt: now,
	}, nil
}

// generateToken はメール確認・パスワードリセット用の推測困難なトークンを生成する。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func validateEmail(email string) error {
	if email == "" {
		return model.NewValidationError("メールアドレスを入力してください。")
	}
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return model.NewValidationError("メールアドレスの形式が正しくありません。")
	}
	return nil
}

func validatePassword(password string) error {
	if len([]rune(password)) < MinPasswordLength {
		return model.NewValidationError(fmt.Sprintf("パスワードは%d文字以上で入力してください。", MinPasswordLength))
	}
	// bcryptは72バイトを超える入力を受け付けない
	if len(password) > MaxPasswordBytes {
		return model.NewValidationError(fmt.Sprintf("パスワードは%dバイト以内で入力してください。", MaxPasswordBytes))
	}
	return nil
}
