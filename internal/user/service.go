// Package user は認証以外のアカウント管理（退会・復元・エクスポート）を提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/hitoshi/usercore/internal/messenger"
	"github.com/hitoshi/usercore/internal/model"
	"github.com/hitoshi/usercore/internal/repository"
)

// RefreshTokenDeleter はリフレッシュトークンの一括削除インターフェース。
type RefreshTokenDeleter interface {
	DeleteByUserID(ctx context.Context, userID int64) error
}

// EventSource はアウトボックスに書き込むイベントのビルダーを提供する。
type EventSource interface {
	Builder(build func(u *model.User) messenger.Event, opts ...messenger.Option) repository.EventBuilder
}

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo     repository.UserRepository
	tokenDeleter RefreshTokenDeleter
	events       EventSource
	now          func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.UserRepository,
	tokenDeleter RefreshTokenDeleter,
	events EventSource,
) *Service {
	return &Service{
		userRepo:     userRepo,
		tokenDeleter: tokenDeleter,
		events:       events,
		now:          time.Now,
	}
}

// Withdraw はユーザーを論理削除し、user.updatedイベントを同一トランザクションでエンキューする。
// 発行済みのリフレッシュトークンは全て削除する。アクセストークンは有効期限まで残るが、
// 論理削除済みユーザーはログインもトークン更新もできない。
func (s *Service) Withdraw(ctx context.Context, userID int64) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil || user.IsDeleted() {
		return model.NewUserNotFoundError()
	}

	slog.InfoContext(ctx, "退会処理を開始します", slog.Int64("user_id", userID))

	_, err = s.userRepo.ModifyWithEvent(ctx, userID, func(u *model.User) error {
		if u.IsDeleted() {
			return model.NewUserNotFoundError()
		}
		u.SoftDelete(s.now())
		return nil
	}, s.updatedEvent(messenger.ChangeWithdrawn))
	if err != nil {
		if isAPIError(err) {
			return err
		}
		if errors.Is(err, repository.ErrUserNotFound) {
			return model.NewUserNotFoundError()
		}
		return fmt.Errorf("ユーザーの論理削除に失敗しました: %w", err)
	}

	if s.tokenDeleter != nil {
		if err := s.tokenDeleter.DeleteByUserID(ctx, userID); err != nil {
			return fmt.Errorf("リフレッシュトークンの削除に失敗しました: %w", err)
		}
	}

	slog.InfoContext(ctx, "退会処理が完了しました", slog.Int64("user_id", userID))
	return nil
}

// Restore は論理削除を取り消す。削除されていないユーザーに対しては何もしない。
func (s *Service) Restore(ctx context.Context, userID int64) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}
	if !user.IsDeleted() {
		return nil
	}

	_, err = s.userRepo.ModifyWithEvent(ctx, userID, func(u *model.User) error {
		if !u.IsDeleted() {
			return repository.ErrNoChange
		}
		u.Restore(s.now())
		return nil
	}, s.updatedEvent(messenger.ChangeRestored))
	if errors.Is(err, repository.ErrNoChange) {
		return nil
	}
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return model.NewUserNotFoundError()
		}
		return fmt.Errorf("ユーザーの復元に失敗しました: %w", err)
	}

	slog.InfoContext(ctx, "ユーザーを復元しました", slog.Int64("user_id", userID))
	return nil
}

// Export は全ユーザーをID昇順で列挙する。列挙を途中で止めてもカーソルは解放される。
func (s *Service) Export(ctx context.Context, includeDeleted bool) iter.Seq2[*model.User, error] {
	return s.userRepo.Export(ctx, includeDeleted)
}

func isAPIError(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr)
}

func (s *Service) updatedEvent(change string) repository.EventBuilder {
	return s.events.Builder(func(u *model.User) messenger.Event {
		return messenger.UserUpdated{UserID: u.ID, Email: u.Email, Change: change}
	})
}
