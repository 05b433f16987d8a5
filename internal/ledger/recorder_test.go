package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func mustMarshal(t *testing.T, tx *Transaction) string {
	t.Helper()
	raw, err := json.Marshal(tx)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(raw)
}

func sampleTransaction(status TransactionStatus) *Transaction {
	return &Transaction{
		SessionID: "sess-1",
		ServiceID: "svc-1",
		Buyer:     "agent-1",
		Amount:    "0.05",
		Currency:  "USD",
		Status:    status,
	}
}

func waitForRows(t *testing.T, store *MemoryStore, want int) []*Transaction {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rows, err := store.List(context.Background(), ListOptions{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(rows) >= want {
			return rows
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d rows, have %d", want, len(rows))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecordWritesSynchronouslyWithoutQueue(t *testing.T) {
	store := NewMemoryStore()
	recorder := NewRecorder(store, nil)

	if err := recorder.Record(context.Background(), sampleTransaction(StatusCompleted)); err != nil {
		t.Fatalf("record: %v", err)
	}

	rows, err := store.List(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	if rows[0].ID == "" || rows[0].CreatedAt == 0 {
		t.Fatalf("record must normalize id and timestamp: %+v", rows[0])
	}
}

func TestRecordRejectsInvalidTransaction(t *testing.T) {
	recorder := NewRecorder(NewMemoryStore(), nil)

	bad := sampleTransaction(StatusCompleted)
	bad.ServiceID = ""
	if err := recorder.Record(context.Background(), bad); err == nil {
		t.Fatalf("expected validation error")
	}
	if err := recorder.Record(context.Background(), nil); err == nil {
		t.Fatalf("nil transaction must be rejected")
	}
}

func TestRecordFlowsThroughQueue(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	recorder := NewRecorder(store, queue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = recorder.Run(ctx, 2) }()

	if err := recorder.Record(ctx, sampleTransaction(StatusCompleted)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := recorder.Record(ctx, sampleTransaction(StatusFailed)); err != nil {
		t.Fatalf("record: %v", err)
	}

	rows := waitForRows(t, store, 2)
	if len(rows) != 2 {
		t.Fatalf("expected two rows, got %d", len(rows))
	}
}

// brokenQueue 模拟不可用的消息队列。
type brokenQueue struct{}

func (brokenQueue) Publish(context.Context, string) error { return errors.New("broker down") }

func (brokenQueue) Consume(ctx context.Context, _ int, _ Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (brokenQueue) Close() error { return nil }

func TestRecordFallsBackToSyncWriteWhenQueueFails(t *testing.T) {
	store := NewMemoryStore()
	recorder := NewRecorder(store, brokenQueue{})

	if err := recorder.Record(context.Background(), sampleTransaction(StatusCompleted)); err != nil {
		t.Fatalf("record must fall back to a direct write: %v", err)
	}

	rows, err := store.List(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row from the fallback path, got %d", len(rows))
	}
}

func TestConsumerTreatsDuplicateDeliveryAsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	recorder := NewRecorder(store, queue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = recorder.Run(ctx, 1) }()

	tx := sampleTransaction(StatusCompleted)
	tx.Normalize(time.Now())
	// 同一条记录重复投递两次，只能落一条。
	payload := mustMarshal(t, tx)
	if err := queue.Publish(ctx, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := queue.Publish(ctx, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// 再投一条格式损坏的载荷，消费者应当丢弃而不是卡死。
	if err := queue.Publish(ctx, "{not json"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := queue.Publish(ctx, mustMarshal(t, sampleTransaction(StatusFailed))); err != nil {
		t.Fatalf("publish: %v", err)
	}

	rows := waitForRows(t, store, 2)
	if len(rows) != 2 {
		t.Fatalf("expected two distinct rows, got %d", len(rows))
	}
}

func TestMemoryStoreListFiltersAndPaginates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tx := sampleTransaction(StatusCompleted)
		if i%2 == 1 {
			tx.Buyer = "agent-2"
		}
		tx.Normalize(time.Now())
		if err := store.Insert(ctx, tx); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	rows, err := store.List(ctx, ListOptions{Buyer: "agent-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows for agent-1, got %d", len(rows))
	}

	rows, err = store.List(ctx, ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected a 2-row page, got %d", len(rows))
	}
}
