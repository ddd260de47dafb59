package model

import "time"

// QueueMessage はmessenger_messagesテーブルの1行を表す。
// DeliveredAtがnilかつAvailableAtが現在時刻以前のときにクレーム可能となる。
type QueueMessage struct {
	ID          int64
	Body        string
	Headers     map[string]string
	QueueName   string
	CreatedAt   time.Time
	AvailableAt time.Time
	DeliveredAt *time.Time
}

// IsClaimable は指定時刻においてクレーム可能かを返す。
func (m *QueueMessage) IsClaimable(now time.Time) bool {
	return m.DeliveredAt == nil && !m.AvailableAt.After(now)
}

// Header はヘッダー値を返す。未設定の場合は空文字列。
func (m *QueueMessage) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// RefreshToken はリフレッシュトークンの保存形式を表す。
// 平文のトークンは保存せず、SHA-256ハッシュのみを保持する。
type RefreshToken struct {
	TokenHash  string
	UserID     int64
	ExpiresAt  time.Time
	CreatedAt  time.Time
	UsedAt     *time.Time
	ReplacedBy *string
}
