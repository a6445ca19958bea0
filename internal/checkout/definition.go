package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tradewind/internal/notify"
	"tradewind/internal/observability"
	"tradewind/internal/payments"
	"tradewind/internal/reliability"
	"tradewind/internal/saga"
	"tradewind/internal/webhook"
)

// SagaType names the checkout pipeline in the saga store and event stream.
const SagaType = "checkout"

// Deps wires the external capabilities the checkout steps act on.
type Deps struct {
	Inventory InventoryClient
	Orders    OrderService
	Tracker   *payments.Tracker
	Gateway   payments.Gateway
	Guardrail *notify.Guardrail
	Webhooks  *webhook.Guard
	Metrics   *observability.Metrics

	// ChargeRetry overrides the charge step's retry schedule; nil uses three
	// attempts with exponential backoff, matching the tracker's budget.
	ChargeRetry *reliability.RetryPolicy
}

// NewDefinition builds the checkout saga: reserve stock, charge the card,
// confirm the order, then the non-compensating tail of receipt and partner
// webhook.
func NewDefinition(deps Deps) saga.Definition {
	chargeRetry := deps.ChargeRetry
	if chargeRetry == nil {
		chargeRetry = &reliability.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     reliability.BackoffExponential,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		}
	}

	return saga.Definition{
		Type: SagaType,
		Steps: []saga.StepConfig{
			{
				Step:    NewReserveInventoryStep(deps.Inventory),
				Timeout: 10 * time.Second,
			},
			{
				Step:    NewChargePaymentStep(deps.Tracker, deps.Gateway, deps.Metrics),
				Timeout: 30 * time.Second,
				Retry:   chargeRetry,
			},
			{
				Step:    NewConfirmOrderStep(deps.Orders),
				Timeout: 10 * time.Second,
			},
			{
				Step:    NewSendReceiptStep(deps.Guardrail, deps.Metrics),
				Timeout: 15 * time.Second,
			},
			{
				// The guard already spends up to three 30s attempts per call.
				Step:    NewPublishOrderEventStep(deps.Webhooks, deps.Metrics),
				Timeout: 2 * time.Minute,
				Retry:   &reliability.RetryPolicy{MaxAttempts: 1},
			},
		},
	}
}

// Submit validates the request and enqueues a checkout saga, returning its id.
func Submit(ctx context.Context, orc *saga.Orchestrator, deps Deps, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("checkout request: %w", err)
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode checkout request: %w", err)
	}
	return orc.Submit(ctx, NewDefinition(deps), map[string]json.RawMessage{keyOrder: raw}, saga.SubmitOptions{
		TenantID:      req.CustomerID,
		CorrelationID: req.OrderID,
	})
}
