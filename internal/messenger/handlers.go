package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/usercore/internal/model"
)

// NewLogHandler はユーザーイベントを構造化ログに記録するハンドラを返す。
func NewLogHandler(logger *slog.Logger) Handler {
	return HandlerFunc(func(ctx context.Context, msg *model.QueueMessage) error {
		var payload struct {
			UserID int64  `json:"user_id"`
			Email  string `json:"email"`
			Change string `json:"change,omitempty"`
		}
		if err := Decode(msg, &payload); err != nil {
			return err
		}

		attrs := []any{
			slog.String("type", msg.Header(HeaderType)),
			slog.String("message_id", msg.Header(HeaderMessageID)),
			slog.Int64("user_id", payload.UserID),
			slog.String("email", payload.Email),
		}
		if payload.Change != "" {
			attrs = append(attrs, slog.String("change", payload.Change))
		}
		logger.InfoContext(ctx, "ユーザーイベントを受信しました", attrs...)
		return nil
	})
}

// webhookPayload はWebhookに送信するJSONの形式。
type webhookPayload struct {
	Type      string          `json:"type"`
	MessageID string          `json:"message_id"`
	CreatedAt string          `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// maxWebhookErrorBody はエラー時にログへ残すレスポンスボディの最大バイト数。
const maxWebhookErrorBody = 512

// NewWebhookHandler はイベントを外部URLへPOSTするハンドラを返す。
// 2xx以外の応答はエラーとして再試行させる。受信側はmessage_idで重複を除去すること。
// clientにはSSRF対策済みのクライアントを渡す。
func NewWebhookHandler(client *http.Client, url string) Handler {
	return HandlerFunc(func(ctx context.Context, msg *model.QueueMessage) error {
		body, err := json.Marshal(webhookPayload{
			Type:      msg.Header(HeaderType),
			MessageID: msg.Header(HeaderMessageID),
			CreatedAt: msg.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			Payload:   json.RawMessage(msg.Body),
		})
		if err != nil {
			return fmt.Errorf("failed to encode webhook payload: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create webhook request: %w", err)
		}
		req.Header.Set("Content-Type", ContentTypeJSON)
		req.Header.Set("X-Message-Id", msg.Header(HeaderMessageID))

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxWebhookErrorBody))
			return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	})
}
