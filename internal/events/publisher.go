package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Publisher delivers events to a downstream consumer.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// MemoryPublisher records events in memory. It backs tests and broker-less
// runs.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryPublisher constructs an empty publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// FanoutPublisher forwards each event to every child publisher. All children
// are attempted; their errors are joined.
type FanoutPublisher struct {
	children []Publisher
}

// NewFanoutPublisher constructs a publisher that fans out to the children.
func NewFanoutPublisher(children ...Publisher) *FanoutPublisher {
	return &FanoutPublisher{children: children}
}

func (p *FanoutPublisher) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, child := range p.children {
		if err := child.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Broadcaster pushes raw messages to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// BroadcastPublisher mirrors events onto a realtime broadcaster so dashboard
// clients see saga progress live.
type BroadcastPublisher struct {
	broadcaster Broadcaster
}

// NewBroadcastPublisher constructs a publisher targeting the broadcaster.
func NewBroadcastPublisher(b Broadcaster) *BroadcastPublisher {
	return &BroadcastPublisher{broadcaster: b}
}

func (p *BroadcastPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if p.broadcaster != nil {
		p.broadcaster.Broadcast(data)
	}
	return nil
}
