package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/usercore/internal/model"
)

func TestPostgresMessageRepo_ImplementsInterface(t *testing.T) {
	var _ MessageRepository = (*PostgresMessageRepo)(nil)
}

func TestNewPostgresMessageRepo_DefaultLease(t *testing.T) {
	repo := NewPostgresMessageRepo(nil, 0)
	if repo.leaseTimeout != DefaultLeaseTimeout {
		t.Errorf("leaseTimeout = %v, want %v", repo.leaseTimeout, DefaultLeaseTimeout)
	}
}

func TestEnqueue_RequiresQueueName(t *testing.T) {
	repo := NewPostgresMessageRepo(nil, time.Minute)
	if _, err := repo.Enqueue(context.Background(), &model.QueueMessage{Body: "{}"}); err == nil {
		t.Fatal("expected error for empty queue name")
	}
}

func TestPostgresMessageRepo_EnqueueClaimAck(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresMessageRepo(db, time.Minute)
	ctx := context.Background()

	id, err := repo.Enqueue(ctx, &model.QueueMessage{
		Body:      `{"user_id":1}`,
		Headers:   map[string]string{"type": "user.created"},
		QueueName: "user.created",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claim, err := repo.ClaimNext(ctx, "user.created", time.Now())
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claim == nil {
		t.Fatal("expected a claim")
	}
	if claim.Message.ID != id {
		t.Errorf("claimed id = %d, want %d", claim.Message.ID, id)
	}
	if claim.Message.Header("type") != "user.created" {
		t.Errorf("headers = %v", claim.Message.Headers)
	}
	if !claim.Message.AvailableAt.Equal(claim.Message.CreatedAt) {
		t.Errorf("available_at should default to created_at")
	}

	ok, err := claim.Ack(ctx)
	if err != nil || !ok {
		t.Fatalf("Ack = %v, %v", ok, err)
	}

	msg, err := repo.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if msg.DeliveredAt == nil {
		t.Error("delivered_at should be set after ack")
	}

	next, err := repo.ClaimNext(ctx, "user.created", time.Now())
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if next != nil {
		t.Errorf("delivered message must not be claimed again (got id %d)", next.Message.ID)
	}
}

func TestPostgresMessageRepo_DelayedVisibility(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresMessageRepo(db, time.Minute)
	ctx := context.Background()
	now := time.Now()

	if _, err := repo.Enqueue(ctx, &model.QueueMessage{
		Body:        "{}",
		QueueName:   "x",
		CreatedAt:   now,
		AvailableAt: now.Add(10 * time.Second),
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claim, err := repo.ClaimNext(ctx, "x", now)
	if err != nil {
		t.Fatalf("ClaimNext(now): %v", err)
	}
	if claim != nil {
		t.Fatal("message must not be visible before available_at")
	}

	claim, err = repo.ClaimNext(ctx, "x", now.Add(11*time.Second))
	if err != nil {
		t.Fatalf("ClaimNext(now+11s): %v", err)
	}
	if claim == nil {
		t.Fatal("message should be visible after available_at")
	}
	defer claim.Release()
}

func TestPostgresMessageRepo_DelayedVisibility_SubSecond(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresMessageRepo(db, time.Minute)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	availableAt := now.Add(10*time.Second + 700*time.Millisecond)

	if _, err := repo.Enqueue(ctx, &model.QueueMessage{
		Body:        "{}",
		QueueName:   "x",
		CreatedAt:   now,
		AvailableAt: availableAt,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// 秒未満を切り捨てると10.2秒時点でクレームできてしまう
	claim, err := repo.ClaimNext(ctx, "x", now.Add(10*time.Second+200*time.Millisecond))
	if err != nil {
		t.Fatalf("ClaimNext(now+10.2s): %v", err)
	}
	if claim != nil {
		claim.Release()
		t.Fatal("message must not be visible before its sub-second available_at")
	}

	claim, err = repo.ClaimNext(ctx, "x", now.Add(11*time.Second))
	if err != nil {
		t.Fatalf("ClaimNext(now+11s): %v", err)
	}
	if claim == nil {
		t.Fatal("message should be visible once available_at has passed")
	}
	defer claim.Release()
}

func TestPostgresMessageRepo_RetryDoesNotShortenBackoff(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresMessageRepo(db, time.Minute)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if _, err := repo.Enqueue(ctx, &model.QueueMessage{Body: "{}", QueueName: "x", CreatedAt: now}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claim, err := repo.ClaimNext(ctx, "x", now)
	if err != nil || claim == nil {
		t.Fatalf("ClaimNext: claim=%v err=%v", claim, err)
	}
	failedAt := now.Add(600 * time.Millisecond)
	if err := claim.Retry(ctx, failedAt.Add(time.Second), map[string]string{"retry_count": "1"}); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	// 1秒のバックオフは失敗時刻から1秒経つまで見えない
	claim, err = repo.ClaimNext(ctx, "x", failedAt.Add(900*time.Millisecond))
	if err != nil {
		t.Fatalf("ClaimNext(before backoff): %v", err)
	}
	if claim != nil {
		claim.Release()
		t.Fatal("retried message must not be visible before its backoff elapses")
	}

	claim, err = repo.ClaimNext(ctx, "x", now.Add(2*time.Second))
	if err != nil || claim == nil {
		t.Fatalf("ClaimNext(after backoff): claim=%v err=%v", claim, err)
	}
	defer claim.Release()
}

func TestPostgresMessageRepo_ConcurrentClaimsAreExclusive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresMessageRepo(db, time.Minute)
	ctx := context.Background()

	if _, err := repo.Enqueue(ctx, &model.QueueMessage{Body: "{}", QueueName: "x"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	const workers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims []*Claim
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c, err := repo.ClaimNext(ctx, "x", time.Now())
			if err != nil {
				t.Errorf("ClaimNext: %v", err)
				return
			}
			if c != nil {
				mu.Lock()
				claims = append(claims, c)
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(claims) != 1 {
		t.Fatalf("claims = %d, want exactly 1", len(claims))
	}
	claims[0].Release()
}

func TestPostgresMessageRepo_ReleaseMakesClaimableAgain(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresMessageRepo(db, time.Minute)
	ctx := context.Background()

	id, err := repo.Enqueue(ctx, &model.QueueMessage{Body: "{}", QueueName: "x"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, err := repo.ClaimNext(ctx, "x", time.Now())
	if err != nil || first == nil {
		t.Fatalf("ClaimNext = %v, %v", first, err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := repo.ClaimNext(ctx, "x", time.Now())
	if err != nil || second == nil {
		t.Fatalf("ClaimNext after release = %v, %v", second, err)
	}
	defer second.Release()
	if second.Message.ID != id {
		t.Errorf("id = %d, want %d", second.Message.ID, id)
	}
}

func TestPostgresMessageRepo_LeaseExpiryReleasesClaim(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresMessageRepo(db, 200*time.Millisecond)
	ctx := context.Background()

	if _, err := repo.Enqueue(ctx, &model.QueueMessage{Body: "{}", QueueName: "x"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	abandoned, err := repo.ClaimNext(ctx, "x", time.Now())
	if err != nil || abandoned == nil {
		t.Fatalf("ClaimNext = %v, %v", abandoned, err)
	}

	select {
	case <-abandoned.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("lease context was not cancelled")
	}

	var again *Claim
	deadline := time.Now().Add(5 * time.Second)
	for again == nil && time.Now().Before(deadline) {
		again, err = repo.ClaimNext(ctx, "x", time.Now())
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if again == nil {
			time.Sleep(50 * time.Millisecond)
		}
	}
	if again == nil {
		t.Fatal("message should be claimable after lease expiry")
	}
	again.Release()
	abandoned.Release()
}

func TestPostgresMessageRepo_FIFOWithinLane(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresMessageRepo(db, time.Minute)
	ctx := context.Background()

	var ids []int64
	for range 3 {
		id, err := repo.Enqueue(ctx, &model.QueueMessage{Body: "{}", QueueName: "x"})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, id)
	}
	if _, err := repo.Enqueue(ctx, &model.QueueMessage{Body: "{}", QueueName: "other"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for _, want := range ids {
		c, err := repo.ClaimNext(ctx, "x", time.Now())
		if err != nil || c == nil {
			t.Fatalf("ClaimNext = %v, %v", c, err)
		}
		if c.Message.ID != want {
			t.Errorf("claimed %d, want %d", c.Message.ID, want)
		}
		if _, err := c.Ack(ctx); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}

	n, err := repo.CountPending(ctx, "other")
	if err != nil {
		t.Fatalf("CountPending: %v", err)
	}
	if n != 1 {
		t.Errorf("other lane pending = %d, want 1", n)
	}
}

func TestPostgresMessageRepo_MarkDeliveredIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresMessageRepo(db, time.Minute)
	ctx := context.Background()

	id, err := repo.Enqueue(ctx, &model.QueueMessage{Body: "{}", QueueName: "x"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, err := repo.MarkDelivered(ctx, id)
	if err != nil || !first {
		t.Fatalf("first MarkDelivered = %v, %v", first, err)
	}
	second, err := repo.MarkDelivered(ctx, id)
	if err != nil {
		t.Fatalf("second MarkDelivered: %v", err)
	}
	if second {
		t.Error("second MarkDelivered should report no-op")
	}
}

func TestPostgresMessageRepo_RetryPostponesVisibility(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresMessageRepo(db, time.Minute)
	ctx := context.Background()
	now := time.Now()

	id, err := repo.Enqueue(ctx, &model.QueueMessage{Body: "{}", QueueName: "x"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	c, err := repo.ClaimNext(ctx, "x", now)
	if err != nil || c == nil {
		t.Fatalf("ClaimNext = %v, %v", c, err)
	}
	if err := c.Retry(ctx, now.Add(time.Hour), map[string]string{"retry_count": "1"}); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	if c, _ := repo.ClaimNext(ctx, "x", now.Add(time.Minute)); c != nil {
		c.Release()
		t.Fatal("retried message must stay invisible until its new available_at")
	}

	msg, err := repo.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if msg.DeliveredAt != nil {
		t.Error("retried message must not be delivered")
	}
	if msg.Header("retry_count") != "1" {
		t.Errorf("retry_count = %q", msg.Header("retry_count"))
	}
}

func TestPostgresMessageRepo_MoveToFailureLane(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresMessageRepo(db, time.Minute)
	ctx := context.Background()

	id, err := repo.Enqueue(ctx, &model.QueueMessage{Body: "{}", QueueName: "x"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	c, err := repo.ClaimNext(ctx, "x", time.Now())
	if err != nil || c == nil {
		t.Fatalf("ClaimNext = %v, %v", c, err)
	}
	if err := c.MoveTo(ctx, "failed", map[string]string{"original_queue": "x"}); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}

	msg, err := repo.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if msg.QueueName != "failed" || msg.Header("original_queue") != "x" {
		t.Errorf("moved message = %+v", msg)
	}
}
