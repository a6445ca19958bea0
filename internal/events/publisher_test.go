package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"tradewind/internal/saga"
)

func TestFromTransition(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := FromTransition(saga.Transition{
		SagaID: "saga-1",
		Type:   "checkout",
		From:   saga.StatusRunning,
		To:     saga.StatusCompleted,
		At:     at,
	})

	if ev.ID == "" {
		t.Fatal("expected a generated event id")
	}
	if ev.Type != "saga.completed" {
		t.Fatalf("type = %q, want saga.completed", ev.Type)
	}
	if ev.Key != "saga-1" {
		t.Fatalf("key = %q, want saga-1", ev.Key)
	}
	if !ev.OccurredAt.Equal(at) {
		t.Fatalf("occurred at = %v, want %v", ev.OccurredAt, at)
	}

	var payload map[string]string
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["saga_type"] != "checkout" || payload["to"] != "completed" {
		t.Fatalf("payload = %v", payload)
	}
}

type failingPublisher struct {
	err error
}

func (p failingPublisher) Publish(context.Context, Event) error { return p.err }

func TestFanoutPublisher_AttemptsAllChildren(t *testing.T) {
	boom := errors.New("broker down")
	recorder := NewMemoryPublisher()
	fanout := NewFanoutPublisher(failingPublisher{err: boom}, recorder)

	err := fanout.Publish(context.Background(), Event{ID: "e1"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want broker error", err)
	}
	if len(recorder.Events()) != 1 {
		t.Fatalf("recorder got %d events, want 1 despite sibling failure", len(recorder.Events()))
	}
}

type captureBroadcaster struct {
	msgs [][]byte
}

func (b *captureBroadcaster) Broadcast(msg []byte) { b.msgs = append(b.msgs, msg) }

func TestBroadcastPublisher_MarshalsEvent(t *testing.T) {
	b := &captureBroadcaster{}
	pub := NewBroadcastPublisher(b)

	ev := Event{ID: "e1", Type: "saga.completed", Key: "saga-1", Payload: []byte(`{}`)}
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(b.msgs) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(b.msgs))
	}

	var got Event
	if err := json.Unmarshal(b.msgs[0], &got); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if got.ID != "e1" || got.Type != "saga.completed" {
		t.Fatalf("broadcast = %+v", got)
	}
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_WritesKeyedMessage(t *testing.T) {
	writer := &fakeKafkaWriter{}
	pub := NewKafkaPublisherWithWriter(writer)

	ev := Event{ID: "e1", Type: "saga.completed", Key: "saga-1", Payload: []byte(`{}`)}
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(writer.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(writer.msgs))
	}

	msg := writer.msgs[0]
	if string(msg.Key) != "saga-1" {
		t.Fatalf("key = %q, want saga-1", msg.Key)
	}
	var headerTypes []string
	for _, h := range msg.Headers {
		if h.Key == "event_type" {
			headerTypes = append(headerTypes, string(h.Value))
		}
	}
	if len(headerTypes) != 1 || headerTypes[0] != "saga.completed" {
		t.Fatalf("event_type headers = %v", headerTypes)
	}

	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !writer.closed {
		t.Fatal("Close did not reach the writer")
	}
}

func TestKafkaPublisher_WrapsWriteError(t *testing.T) {
	boom := errors.New("dial tcp: connection refused")
	pub := NewKafkaPublisherWithWriter(&fakeKafkaWriter{err: boom})

	err := pub.Publish(context.Background(), Event{ID: "e1", Key: "saga-1"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped write error", err)
	}
}
