package dispatch

import (
	"fmt"
	"time"
)

const (
	// initialBackoff はハンドラ失敗時の初回再試行遅延（1秒）。
	initialBackoff = time.Second
	// maxBackoff は再試行遅延の上限（1時間）。
	maxBackoff = time.Hour
	// maxLastErrorLen はヘッダーlast_errorに残すエラーメッセージの最大バイト数。
	maxLastErrorLen = 500
)

// CalculateBackoff は再試行回数に基づいて指数バックオフ遅延を計算する。
// 初回1秒、2倍ずつ増加、最大1時間。
func CalculateBackoff(retryCount int) time.Duration {
	delay := initialBackoff
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// DeliveryFailure はハンドラがメッセージの処理に失敗したことを表す。
// ログとメトリクスにのみ使用し、呼び出し元には伝播しない。
type DeliveryFailure struct {
	MessageID   int64
	MessageType string
	Queue       string
	Attempt     int
	Err         error
}

func (f *DeliveryFailure) Error() string {
	return fmt.Sprintf("message %d (%s) on %s failed at attempt %d: %v",
		f.MessageID, f.MessageType, f.Queue, f.Attempt, f.Err)
}

func (f *DeliveryFailure) Unwrap() error {
	return f.Err
}

// truncateError はヘッダーに保存できる長さにエラーメッセージを切り詰める。
func truncateError(err error) string {
	s := err.Error()
	if len(s) <= maxLastErrorLen {
		return s
	}
	// UTF-8の途中で切らない
	cut := maxLastErrorLen
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
