package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"tradewind/internal/notify"
	"tradewind/internal/observability"
	"tradewind/internal/payments"
	"tradewind/internal/saga"
	"tradewind/internal/webhook"
)

// keyOrder is where Submit seeds the checkout request in the saga context.
const keyOrder = "order"

// Step IDs double as the keys under which each step's output is stored.
const (
	StepReserveInventory  = "reserve_inventory"
	StepChargePayment     = "charge_payment"
	StepConfirmOrder      = "confirm_order"
	StepSendReceipt       = "send_receipt"
	StepPublishOrderEvent = "publish_order_event"
)

func orderFromRun(run *saga.Run) (Request, error) {
	var order Request
	ok, err := run.Get(keyOrder, &order)
	if err != nil {
		return Request{}, err
	}
	if !ok {
		return Request{}, errors.New("checkout request missing from saga context")
	}
	return order, nil
}

// ReserveInventoryStep places a hold on stock for the order. Its compensation
// releases the hold.
type ReserveInventoryStep struct {
	inventory InventoryClient
}

// NewReserveInventoryStep constructs the step.
func NewReserveInventoryStep(inventory InventoryClient) *ReserveInventoryStep {
	return &ReserveInventoryStep{inventory: inventory}
}

func (s *ReserveInventoryStep) ID() string { return StepReserveInventory }

type reservationOutput struct {
	ReservationID string `json:"reservation_id"`
}

func (s *ReserveInventoryStep) Execute(ctx context.Context, run *saga.Run) saga.StepResult {
	order, err := orderFromRun(run)
	if err != nil {
		return saga.Fail(saga.FailureTerminal, err)
	}

	reservationID, err := s.inventory.Reserve(ctx, order.OrderID, order.Items)
	if err != nil {
		return saga.Fail(saga.FailureTransient, fmt.Errorf("reserve inventory for %s: %w", order.OrderID, err))
	}

	out, err := json.Marshal(reservationOutput{ReservationID: reservationID})
	if err != nil {
		return saga.Fail(saga.FailureTerminal, err)
	}
	return saga.Succeed(out, out)
}

func (s *ReserveInventoryStep) Compensate(ctx context.Context, run *saga.Run, compensationData json.RawMessage) error {
	var res reservationOutput
	if err := json.Unmarshal(compensationData, &res); err != nil {
		return fmt.Errorf("decode reservation: %w", err)
	}
	return s.inventory.Release(ctx, res.ReservationID)
}

// ChargePaymentStep executes exactly one physical payment attempt per call.
// The orchestrator's step retry drives follow-up attempts, each with a fresh
// idempotency key, while the tracker enforces the attempt budget and the
// card-errors-are-final rule. Its compensation refunds the captured charge.
type ChargePaymentStep struct {
	tracker *payments.Tracker
	gateway payments.Gateway
	metrics *observability.Metrics
}

// NewChargePaymentStep constructs the step.
func NewChargePaymentStep(tracker *payments.Tracker, gateway payments.Gateway, metrics *observability.Metrics) *ChargePaymentStep {
	return &ChargePaymentStep{tracker: tracker, gateway: gateway, metrics: metrics}
}

func (s *ChargePaymentStep) ID() string { return StepChargePayment }

// IntentID derives the logical payment intent for an order.
func IntentID(orderID string) string {
	return "pi-" + orderID
}

type chargeOutput struct {
	AttemptID     string `json:"attempt_id"`
	AttemptNumber int    `json:"attempt_number"`
	GatewayRef    string `json:"gateway_ref"`
}

type chargeCompensation struct {
	PaymentIntentID string `json:"payment_intent_id"`
	AmountCents     int64  `json:"amount_cents"`
	RefundKey       string `json:"refund_key"`
}

func (s *ChargePaymentStep) Execute(ctx context.Context, run *saga.Run) saga.StepResult {
	order, err := orderFromRun(run)
	if err != nil {
		return saga.Fail(saga.FailureTerminal, err)
	}
	intentID := IntentID(order.OrderID)

	attempt, err := s.tracker.Begin(ctx, intentID)
	if err != nil {
		// A lingering active attempt means a previous try crashed mid-flight;
		// it has to be resolved before another charge goes out.
		return saga.Fail(saga.FailureTransient, fmt.Errorf("begin attempt for %s: %w", intentID, err))
	}
	if attempt.IsRetry {
		s.metrics.CountPaymentRetry()
	}

	result, err := s.gateway.Charge(ctx, payments.ChargeRequest{
		PaymentIntentID: intentID,
		AmountCents:     order.AmountCents,
		Currency:        order.Currency,
		IdempotencyKey:  attempt.IdempotencyKey,
	})
	if err != nil {
		if _, recErr := s.tracker.RecordOutcome(ctx, attempt.ID, payments.StatusFailed, payments.ErrorTypeNetwork, ""); recErr != nil {
			return saga.Fail(saga.FailureTransient, recErr)
		}
		return s.failOrExhaust(ctx, intentID, fmt.Errorf("charge %s: %w", intentID, err))
	}

	switch result.Outcome {
	case payments.OutcomeApproved:
		if _, err := s.tracker.RecordOutcome(ctx, attempt.ID, payments.StatusSucceeded, "", result.GatewayRef); err != nil {
			return saga.Fail(saga.FailureTransient, err)
		}
		out, err := json.Marshal(chargeOutput{
			AttemptID:     attempt.ID,
			AttemptNumber: attempt.AttemptNumber,
			GatewayRef:    result.GatewayRef,
		})
		if err != nil {
			return saga.Fail(saga.FailureTerminal, err)
		}
		comp, err := json.Marshal(chargeCompensation{
			PaymentIntentID: intentID,
			AmountCents:     order.AmountCents,
			RefundKey:       uuid.NewString(),
		})
		if err != nil {
			return saga.Fail(saga.FailureTerminal, err)
		}
		return saga.Succeed(out, comp)

	case payments.OutcomeRetryable:
		errType := result.ErrorType
		if errType == "" {
			errType = payments.ErrorTypeGateway
		}
		if _, err := s.tracker.RecordOutcome(ctx, attempt.ID, payments.StatusFailed, errType, ""); err != nil {
			return saga.Fail(saga.FailureTransient, err)
		}
		return s.failOrExhaust(ctx, intentID, fmt.Errorf("gateway rejected %s: %s", intentID, result.Message))

	default:
		errType := result.ErrorType
		if errType == "" {
			errType = payments.ErrorTypeCard
		}
		if _, err := s.tracker.RecordOutcome(ctx, attempt.ID, payments.StatusFailed, errType, ""); err != nil {
			return saga.Fail(saga.FailureTransient, err)
		}
		return saga.Fail(saga.FailureTerminal, fmt.Errorf("payment declined for %s: %s", intentID, result.Message))
	}
}

// failOrExhaust classifies a failed attempt: transient while the tracker still
// permits a retry, terminal once the budget is spent.
func (s *ChargePaymentStep) failOrExhaust(ctx context.Context, intentID string, cause error) saga.StepResult {
	retry, err := s.tracker.ShouldRetry(ctx, intentID)
	if err != nil {
		return saga.Fail(saga.FailureTransient, err)
	}
	if retry {
		return saga.Fail(saga.FailureTransient, cause)
	}
	return saga.Fail(saga.FailureTerminal, fmt.Errorf("attempt budget exhausted: %w", cause))
}

func (s *ChargePaymentStep) Compensate(ctx context.Context, run *saga.Run, compensationData json.RawMessage) error {
	var comp chargeCompensation
	if err := json.Unmarshal(compensationData, &comp); err != nil {
		return fmt.Errorf("decode charge compensation: %w", err)
	}
	if err := s.gateway.Refund(ctx, comp.PaymentIntentID, comp.RefundKey, comp.AmountCents); err != nil {
		return fmt.Errorf("refund %s: %w", comp.PaymentIntentID, err)
	}
	return nil
}

// ConfirmOrderStep flips the order to confirmed; compensation reverts it.
type ConfirmOrderStep struct {
	orders OrderService
}

// NewConfirmOrderStep constructs the step.
func NewConfirmOrderStep(orders OrderService) *ConfirmOrderStep {
	return &ConfirmOrderStep{orders: orders}
}

func (s *ConfirmOrderStep) ID() string { return StepConfirmOrder }

type confirmOutput struct {
	OrderID string `json:"order_id"`
}

func (s *ConfirmOrderStep) Execute(ctx context.Context, run *saga.Run) saga.StepResult {
	order, err := orderFromRun(run)
	if err != nil {
		return saga.Fail(saga.FailureTerminal, err)
	}
	if err := s.orders.Confirm(ctx, order.OrderID); err != nil {
		return saga.Fail(saga.FailureTransient, fmt.Errorf("confirm %s: %w", order.OrderID, err))
	}
	out, err := json.Marshal(confirmOutput{OrderID: order.OrderID})
	if err != nil {
		return saga.Fail(saga.FailureTerminal, err)
	}
	return saga.Succeed(out, out)
}

func (s *ConfirmOrderStep) Compensate(ctx context.Context, run *saga.Run, compensationData json.RawMessage) error {
	var out confirmOutput
	if err := json.Unmarshal(compensationData, &out); err != nil {
		return fmt.Errorf("decode confirmation: %w", err)
	}
	return s.orders.CancelConfirmation(ctx, out.OrderID)
}

// SendReceiptStep emails the customer through the notification guardrail.
// A suppressed send (duplicate or rate limited) still completes the step; the
// disposition is recorded on the saga. There is nothing to compensate.
type SendReceiptStep struct {
	guardrail *notify.Guardrail
	metrics   *observability.Metrics
}

// NewSendReceiptStep constructs the step.
func NewSendReceiptStep(guardrail *notify.Guardrail, metrics *observability.Metrics) *SendReceiptStep {
	return &SendReceiptStep{guardrail: guardrail, metrics: metrics}
}

func (s *SendReceiptStep) ID() string { return StepSendReceipt }

type receiptOutput struct {
	Disposition string `json:"disposition"`
}

func (s *SendReceiptStep) Execute(ctx context.Context, run *saga.Run) saga.StepResult {
	order, err := orderFromRun(run)
	if err != nil {
		return saga.Fail(saga.FailureTerminal, err)
	}
	if order.CustomerEmail == "" {
		return saga.Fail(saga.FailureTerminal, errors.New("customer email is required for receipts"))
	}

	disposition, err := s.guardrail.Send(ctx, notify.Message{
		Channel:    notify.ChannelEmail,
		Recipient:  order.CustomerEmail,
		TemplateID: "order_receipt",
		Subject:    fmt.Sprintf("Receipt for order %s", order.OrderID),
		Body:       fmt.Sprintf("Order %s charged %d %s", order.OrderID, order.AmountCents, order.Currency),
	})
	if err != nil {
		return saga.Fail(saga.FailureTransient, err)
	}
	if disposition != notify.DispositionSent {
		s.metrics.CountNotificationSkip(string(disposition))
	}

	out, err := json.Marshal(receiptOutput{Disposition: string(disposition)})
	if err != nil {
		return saga.Fail(saga.FailureTerminal, err)
	}
	return saga.Succeed(out, nil)
}

func (s *SendReceiptStep) Compensate(ctx context.Context, run *saga.Run, _ json.RawMessage) error {
	// Email cannot be unsent.
	return nil
}

// PublishOrderEventStep notifies the partner endpoint that checkout finished.
// The delivery guard owns retries and dead-lettering, so even an exhausted
// delivery completes the step; losing a webhook must not unwind a paid order.
type PublishOrderEventStep struct {
	webhooks *webhook.Guard
	metrics  *observability.Metrics
}

// NewPublishOrderEventStep constructs the step.
func NewPublishOrderEventStep(webhooks *webhook.Guard, metrics *observability.Metrics) *PublishOrderEventStep {
	return &PublishOrderEventStep{webhooks: webhooks, metrics: metrics}
}

func (s *PublishOrderEventStep) ID() string { return StepPublishOrderEvent }

type publishOutput struct {
	Status   string `json:"status"`
	Attempts int    `json:"attempts,omitempty"`
}

func (s *PublishOrderEventStep) Execute(ctx context.Context, run *saga.Run) saga.StepResult {
	order, err := orderFromRun(run)
	if err != nil {
		return saga.Fail(saga.FailureTerminal, err)
	}
	if order.WebhookURL == "" {
		out, _ := json.Marshal(publishOutput{Status: "skipped"})
		return saga.Succeed(out, nil)
	}

	payload, err := json.Marshal(struct {
		OrderID     string `json:"order_id"`
		CustomerID  string `json:"customer_id"`
		AmountCents int64  `json:"amount_cents"`
		Currency    string `json:"currency"`
		Status      string `json:"status"`
	}{
		OrderID:     order.OrderID,
		CustomerID:  order.CustomerID,
		AmountCents: order.AmountCents,
		Currency:    order.Currency,
		Status:      "completed",
	})
	if err != nil {
		return saga.Fail(saga.FailureTerminal, err)
	}

	// The order id keys the delivery, so re-driving this step after a crash
	// cannot post the same completion twice.
	result, err := s.webhooks.Deliver(ctx, webhook.Delivery{
		ID:          order.OrderID,
		EndpointURL: order.WebhookURL,
		EventType:   "order.completed",
		Payload:     payload,
	})
	if err != nil {
		return saga.Fail(saga.FailureTransient, err)
	}
	if result.Status == webhook.StatusDeadLettered {
		s.metrics.CountWebhookDeadLetter()
	}

	out, err := json.Marshal(publishOutput{Status: string(result.Status), Attempts: result.Attempts})
	if err != nil {
		return saga.Fail(saga.FailureTerminal, err)
	}
	return saga.Succeed(out, nil)
}

func (s *PublishOrderEventStep) Compensate(ctx context.Context, run *saga.Run, _ json.RawMessage) error {
	// Delivered webhooks are not recalled; the partner sees compensation
	// events through the saga event stream instead.
	return nil
}
