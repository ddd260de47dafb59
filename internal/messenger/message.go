// Package messenger はアウトボックスに書き込むメッセージの組み立てと、
// 配信時に呼び出すハンドラの登録を提供する。
package messenger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/hitoshi/usercore/internal/model"
)

// 標準ヘッダー
const (
	HeaderType          = "type"
	HeaderContentType   = "content_type"
	HeaderMessageID     = "message_id"
	HeaderProducer      = "producer"
	HeaderRetryCount    = "retry_count"
	HeaderLastError     = "last_error"
	HeaderOriginalQueue = "original_queue"
)

// ContentTypeJSON はbodyがJSONであることを表す。
const ContentTypeJSON = "application/json"

// FailedQueue は再試行上限に達したメッセージの移動先レーン。
const FailedQueue = "failed"

// Event はアウトボックスに書き込めるドメインイベント。
type Event interface {
	// MessageType はヘッダーtypeとレーン名に使う型名を返す。
	MessageType() string
}

// Option はメッセージ組み立て時のオプション。
type Option func(*model.QueueMessage)

// WithDelay はavailable_atをcreated_atからdだけ遅らせる。
func WithDelay(d time.Duration) Option {
	return func(m *model.QueueMessage) {
		m.AvailableAt = m.CreatedAt.Add(d)
	}
}

// WithQueue はレーン名を型名以外に変更する。
func WithQueue(queue string) Option {
	return func(m *model.QueueMessage) {
		m.QueueName = queue
	}
}

// NewMessage はイベントをJSONにエンコードし、標準ヘッダー付きのメッセージを組み立てる。
// レーン名は既定でイベントの型名になる。
func NewMessage(event Event, producer string, now time.Time, opts ...Option) (*model.QueueMessage, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", event.MessageType(), err)
	}

	msg := &model.QueueMessage{
		Body: string(body),
		Headers: map[string]string{
			HeaderType:        event.MessageType(),
			HeaderContentType: ContentTypeJSON,
			HeaderMessageID:   ksuid.New().String(),
			HeaderProducer:    producer,
		},
		QueueName:   event.MessageType(),
		CreatedAt:   now,
		AvailableAt: now,
	}
	for _, opt := range opts {
		opt(msg)
	}
	return msg, nil
}

// Decode はメッセージのbodyをvにデコードする。
func Decode(msg *model.QueueMessage, v any) error {
	if err := json.Unmarshal([]byte(msg.Body), v); err != nil {
		return fmt.Errorf("message %d: failed to decode body: %w", msg.ID, err)
	}
	return nil
}

// RetryCount はヘッダーの再試行回数を返す。未設定や不正値は0とみなす。
func RetryCount(msg *model.QueueMessage) int {
	n, err := strconv.Atoi(msg.Header(HeaderRetryCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// CloneHeaders はヘッダーのコピーを返す。
func CloneHeaders(msg *model.QueueMessage) map[string]string {
	h := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		h[k] = v
	}
	return h
}
