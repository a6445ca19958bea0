package webhook

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLetter(id string) DeadLetter {
	return DeadLetter{
		Delivery: Delivery{
			ID:             id,
			EndpointURL:    "https://partner.example/hooks",
			EventType:      "order.completed",
			Payload:        []byte(`{"order_id":"ord-1"}`),
			IdempotencyKey: "idem-" + id,
		},
		Attempts:   3,
		Reason:     "endpoint returned 500",
		FailedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		StatusCode: 500,
	}
}

func TestFileDeadLetterStore_AppendAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletters.jsonl")

	store, err := NewFileDeadLetterStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Add(context.Background(), testLetter("d-1")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Add(context.Background(), testLetter("d-2")); err != nil {
		t.Fatalf("add: %v", err)
	}

	letters := store.Letters()
	if len(letters) != 2 {
		t.Fatalf("letters = %d, want 2", len(letters))
	}
	if letters[1].Delivery.ID != "d-2" || letters[1].StatusCode != 500 {
		t.Fatalf("letter = %+v", letters[1])
	}
}

func TestFileDeadLetterStore_ReplayAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletters.jsonl")

	store, err := NewFileDeadLetterStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Add(context.Background(), testLetter("d-1")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewFileDeadLetterStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	letters := reopened.Letters()
	if len(letters) != 1 {
		t.Fatalf("letters = %d, want 1 after replay", len(letters))
	}
	if letters[0].Delivery.IdempotencyKey != "idem-d-1" {
		t.Fatalf("replayed letter = %+v", letters[0])
	}
	if !letters[0].FailedAt.Equal(testLetter("d-1").FailedAt) {
		t.Fatalf("failed at = %v", letters[0].FailedAt)
	}
}

func TestFileDeadLetterStore_RejectsCanceledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletters.jsonl")

	store, err := NewFileDeadLetterStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Add(ctx, testLetter("d-1")); err == nil {
		t.Fatalf("expected context error")
	}
	if len(store.Letters()) != 0 {
		t.Fatalf("expected no letters recorded")
	}
}

func TestFileDeadLetterStore_CorruptJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletters.jsonl")

	store, err := NewFileDeadLetterStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := appendRaw(path, "{not json}\n"); err != nil {
		t.Fatalf("corrupt journal: %v", err)
	}
	if _, err := NewFileDeadLetterStore(path); err == nil {
		t.Fatalf("expected replay error for corrupt journal")
	}
}

func appendRaw(path, data string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(data)
	return err
}
