package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"tradewind/internal/saga"
)

// Event is one domain event emitted by the checkout pipeline.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// sagaTransitionPayload is the wire shape for saga lifecycle events.
type sagaTransitionPayload struct {
	SagaID   string `json:"saga_id"`
	SagaType string `json:"saga_type"`
	From     string `json:"from"`
	To       string `json:"to"`
	StepID   string `json:"step_id,omitempty"`
}

// FromTransition converts a saga transition into a publishable event, keyed
// by saga id so all events for one saga land on the same partition.
func FromTransition(t saga.Transition) Event {
	payload, _ := json.Marshal(sagaTransitionPayload{
		SagaID:   t.SagaID,
		SagaType: t.Type,
		From:     string(t.From),
		To:       string(t.To),
		StepID:   t.StepID,
	})
	return Event{
		ID:         uuid.NewString(),
		Type:       "saga." + string(t.To),
		Key:        t.SagaID,
		OccurredAt: t.At,
		Payload:    payload,
	}
}
