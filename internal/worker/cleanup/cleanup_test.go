package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type execCall struct {
	query string
	args  []interface{}
}

// Executor インターフェースに対するモック実装
type mockExecutor struct {
	mu    sync.Mutex
	calls []execCall
	// errFor はクエリに含まれる文字列に対応するエラーを返す。
	errFor map[string]error
	rows   int64
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, execCall{query: query, args: args})
	for key, err := range m.errFor {
		if strings.Contains(query, key) {
			return nil, err
		}
	}
	return &fakeResult{rowsAffected: m.rows}, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var fixedNow = time.Date(2026, 3, 1, 9, 30, 15, 500, time.UTC)

func newTestJob(mock *mockExecutor, buf *bytes.Buffer) *CleanupJob {
	job := NewCleanupJob(mock, newTestLogger(buf))
	job.now = func() time.Time { return fixedNow }
	return job
}

func TestNewCleanupJob_DefaultRetention(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockExecutor{}, newTestLogger(&buf))

	if job.MessageRetention != 7*24*time.Hour {
		t.Errorf("MessageRetention = %v, want 168h", job.MessageRetention)
	}
}

func TestCleanupJob_Run_DeletesOnlyDeliveredMessagesPastRetention(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{}
	job := newTestJob(mock, &buf)
	job.MessageRetention = 48 * time.Hour

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	if len(mock.calls) != 3 {
		t.Fatalf("ExecContext calls = %d, want 3", len(mock.calls))
	}

	msgCall := mock.calls[0]
	if !strings.Contains(msgCall.query, "DELETE FROM messenger_messages") {
		t.Errorf("first query should delete messages: %s", msgCall.query)
	}
	if !strings.Contains(msgCall.query, "delivered_at IS NOT NULL") {
		t.Error("pending messages must never be deleted")
	}
	want := fixedNow.Truncate(time.Second).Add(-48 * time.Hour)
	if got, ok := msgCall.args[0].(time.Time); !ok || !got.Equal(want) {
		t.Errorf("cutoff = %v, want %v", msgCall.args[0], want)
	}
}

func TestCleanupJob_Run_DeletesExpiredTokens(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{}
	job := newTestJob(mock, &buf)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	for i, table := range []string{"revoked_tokens", "refresh_tokens"} {
		call := mock.calls[i+1]
		if !strings.Contains(call.query, "DELETE FROM "+table) {
			t.Errorf("query %d = %s, want delete from %s", i+1, call.query, table)
		}
		if got := call.args[0].(time.Time); !got.Equal(fixedNow.Truncate(time.Second)) {
			t.Errorf("%s cutoff = %v, want now", table, got)
		}
	}
}

func TestCleanupJob_Run_ContinuesAfterFailureAndReturnsError(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{errFor: map[string]error{"revoked_tokens": sql.ErrConnDone}}
	job := newTestJob(mock, &buf)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if len(mock.calls) != 3 {
		t.Errorf("残りの対象も処理されるべき: calls = %d, want 3", len(mock.calls))
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_LogsDeletedCountAndDuration(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{rows: 4}
	job := newTestJob(mock, &buf)

	_ = job.Run(context.Background())

	var summary map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if _, ok := entry["duration_ms"]; ok {
			summary = entry
		}
	}
	if summary == nil {
		t.Fatalf("ログに duration_ms が記録されていない。ログ出力: %s", buf.String())
	}
	if summary["deleted_count"] != float64(12) {
		t.Errorf("deleted_count = %v, want 12", summary["deleted_count"])
	}
}

func TestCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockExecutor{}, &buf)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("1回目の Run() がエラーを返した: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("2回目の Run() がエラーを返した: %v", err)
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{}
	job := newTestJob(mock, &buf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mock.mu.Lock()
		n := len(mock.calls)
		mock.mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("起動直後にジョブが実行されていない")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後に Start() が戻らない")
	}
}
