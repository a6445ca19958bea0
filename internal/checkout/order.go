package checkout

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Item is one order line.
type Item struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// Request carries everything the checkout pipeline needs for one order.
type Request struct {
	OrderID       string `json:"order_id"`
	CustomerID    string `json:"customer_id"`
	CustomerEmail string `json:"customer_email"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	Items         []Item `json:"items"`
	// WebhookURL, when set, receives an order.completed event after checkout.
	WebhookURL string `json:"webhook_url,omitempty"`
}

// Validate rejects orders the pipeline cannot process.
func (r Request) Validate() error {
	if r.OrderID == "" {
		return ErrMissingOrderID
	}
	if r.CustomerID == "" {
		return ErrMissingCustomerID
	}
	if r.AmountCents <= 0 {
		return ErrInvalidAmount
	}
	if len(r.Items) == 0 {
		return ErrNoItems
	}
	return nil
}

var (
	ErrMissingOrderID    = errors.New("order id is required")
	ErrMissingCustomerID = errors.New("customer id is required")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrNoItems           = errors.New("order has no items")

	// ErrReservationNotFound signals a release for an unknown reservation.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrOrderNotFound signals a confirm or cancel for an unknown order.
	ErrOrderNotFound = errors.New("order not found")
)

// InventoryClient reserves and releases stock for an order.
type InventoryClient interface {
	Reserve(ctx context.Context, orderID string, items []Item) (reservationID string, err error)
	Release(ctx context.Context, reservationID string) error
}

// OrderService flips order state in the order system of record.
type OrderService interface {
	Confirm(ctx context.Context, orderID string) error
	CancelConfirmation(ctx context.Context, orderID string) error
}

// MemoryInventory is an in-process inventory for tests and DSN-less runs.
// Releases are idempotent: undoing an already-released reservation is a no-op,
// so a re-driven compensation cannot double-release stock.
type MemoryInventory struct {
	mu           sync.Mutex
	reservations map[string]bool
	releaseCount map[string]int
	reserveErrs  []error
}

// NewMemoryInventory constructs an empty inventory.
func NewMemoryInventory() *MemoryInventory {
	return &MemoryInventory{
		reservations: make(map[string]bool),
		releaseCount: make(map[string]int),
	}
}

// FailReservesWith queues errors returned by successive Reserve calls.
func (m *MemoryInventory) FailReservesWith(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserveErrs = append(m.reserveErrs, errs...)
}

func (m *MemoryInventory) Reserve(ctx context.Context, orderID string, items []Item) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.reserveErrs) > 0 {
		err := m.reserveErrs[0]
		m.reserveErrs = m.reserveErrs[1:]
		if err != nil {
			return "", err
		}
	}

	id := uuid.NewString()
	m.reservations[id] = true
	return id, nil
}

func (m *MemoryInventory) Release(ctx context.Context, reservationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	if held {
		m.reservations[reservationID] = false
		m.releaseCount[reservationID]++
	}
	return nil
}

// ReleaseCount reports how many effective releases a reservation saw.
func (m *MemoryInventory) ReleaseCount(reservationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseCount[reservationID]
}

// HeldCount reports how many reservations are currently held.
func (m *MemoryInventory) HeldCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, held := range m.reservations {
		if held {
			count++
		}
	}
	return count
}

// MemoryOrderService tracks confirmations in process memory.
type MemoryOrderService struct {
	mu        sync.Mutex
	confirmed map[string]bool
}

// NewMemoryOrderService constructs an empty service.
func NewMemoryOrderService() *MemoryOrderService {
	return &MemoryOrderService{confirmed: make(map[string]bool)}
}

func (m *MemoryOrderService) Confirm(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed[orderID] = true
	return nil
}

func (m *MemoryOrderService) CancelConfirmation(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.confirmed[orderID]; !ok {
		return ErrOrderNotFound
	}
	m.confirmed[orderID] = false
	return nil
}

// Confirmed reports whether the order is currently confirmed.
func (m *MemoryOrderService) Confirmed(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmed[orderID]
}
