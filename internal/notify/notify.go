// Package notify announces sync outcomes to operators. Notification is
// fire-and-forget: no notifier failure ever reaches the sync path.
package notify

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Kind names what happened to an order.
type Kind string

const (
	KindOrderCreated  Kind = "order.created"
	KindOrderUpdated  Kind = "order.updated"
	KindReversePushed Kind = "reverse.pushed"
	KindSyncFailed    Kind = "sync.failed"
)

// Event is one sync outcome.
type Event struct {
	Kind        Kind            `json:"kind"`
	Success     bool            `json:"success"`
	SourceID    int64           `json:"source_id,omitempty"`
	OrderID     string          `json:"order_id,omitempty"`
	OrderNumber string          `json:"order_number,omitempty"`
	Status      string          `json:"status,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Summary     string          `json:"summary"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Notifier receives sync outcomes. Implementations must not block the
// caller for long and must swallow their own failures.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Fanout forwards each event to every notifier in order.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, event Event) {
	for _, notifier := range f {
		if notifier != nil {
			notifier.Notify(ctx, event)
		}
	}
}
