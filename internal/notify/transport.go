package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

// Channel is the delivery medium for a notification.
type Channel string

const (
	ChannelEmail   Channel = "EMAIL"
	ChannelSMS     Channel = "SMS"
	ChannelPush    Channel = "PUSH"
	ChannelWebhook Channel = "WEBHOOK"
)

// Message is one notification to be delivered.
type Message struct {
	Channel    Channel
	Recipient  string
	TemplateID string
	Subject    string
	Body       string
}

// Fingerprint derives the deduplication key for the message. Two messages
// with the same channel, recipient, template, and body are the same send.
func (m Message) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(string(m.Channel)))
	h.Write([]byte{0})
	h.Write([]byte(m.Recipient))
	h.Write([]byte{0})
	h.Write([]byte(m.TemplateID))
	h.Write([]byte{0})
	h.Write([]byte(m.Body))
	return hex.EncodeToString(h.Sum(nil))
}

// Transport delivers messages for one channel.
type Transport interface {
	Deliver(ctx context.Context, msg Message) error
}

// ErrNoTransport signals a send on a channel with no registered transport.
var ErrNoTransport = errors.New("no transport registered for channel")

// MemoryTransport records delivered messages in memory. It stands in for the
// real email/SMS/push providers in tests and DSN-less runs.
type MemoryTransport struct {
	mu        sync.Mutex
	delivered []Message
	fail      error
}

// NewMemoryTransport constructs an empty recorder.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{}
}

// FailWith makes subsequent deliveries return err (nil restores success).
func (t *MemoryTransport) FailWith(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = err
}

func (t *MemoryTransport) Deliver(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return t.fail
	}
	t.delivered = append(t.delivered, msg)
	return nil
}

// Delivered returns a copy of everything delivered so far.
func (t *MemoryTransport) Delivered() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.delivered))
	copy(out, t.delivered)
	return out
}
