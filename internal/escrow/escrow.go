// Package escrow owns the payment hold for a marketplace sale and its
// state machine.
//
// Flow:
//  1. Sale accepted → Transaction + Hold created together (status held)
//  2. Seller ships → shipped (tracking number required)
//  3. Carrier signal → delivered (optional, buyer can confirm from shipped)
//  4. Buyer confirms satisfied → confirmed → payout dispatched → released
//  5. Buyer confirms unsatisfied → disputed, frozen until manual adjudication
//  6. Seller may request release 7 days after delivery; buyer silence for
//     24 hours counts as acceptance and the scheduler confirms automatically
//
// Every transition is a compare-and-swap on the hold status: the writer
// supplies the status it read, and a concurrent change fails the write with
// ErrStaleState. That is the only serialization mechanism; the scheduler and
// request handlers race safely on it.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/caddypay/caddypay/internal/fees"
	"github.com/caddypay/caddypay/internal/pagination"
)

var (
	ErrNotFound          = errors.New("transaction not found")
	ErrDuplicate         = errors.New("transaction already exists")
	ErrInvalidTransition = errors.New("invalid transition for current hold status")
	ErrStaleState        = errors.New("hold status changed concurrently, re-read and retry")
	ErrTooEarly          = errors.New("release cannot be requested before 7 days post-delivery")
	ErrAlreadyDisputed   = errors.New("hold is disputed, awaiting manual adjudication")
	ErrAlreadyReleased   = errors.New("hold already released")
)

// Status is the state of a payment hold.
type Status string

const (
	StatusHeld             Status = "held"
	StatusShipped          Status = "shipped"
	StatusDelivered        Status = "delivered"
	StatusConfirmed        Status = "confirmed"
	StatusReleaseRequested Status = "release_requested"
	StatusDisputed         Status = "disputed"
	StatusReleased         Status = "released"
	StatusReversed         Status = "reversed"
)

// Timing rules for seller-initiated release.
const (
	// ReleaseDelay is how long after delivery a seller must wait before
	// requesting release.
	ReleaseDelay = 7 * 24 * time.Hour
	// ResponseWindow is how long a buyer has to respond to a release
	// request before silence counts as acceptance.
	ResponseWindow = 24 * time.Hour
)

// Transaction is one completed sale. Immutable once created.
type Transaction struct {
	ID          string     `json:"id"`
	ProductID   string     `json:"productId"`
	BuyerID     string     `json:"buyerId"`
	SellerID    string     `json:"sellerId"`
	GrossAmount fees.Pence `json:"grossAmount"`
	Currency    string     `json:"currency"`
	SellerTier  fees.Tier  `json:"sellerTier"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Hold is the escrow state for a Transaction. Exactly one per transaction,
// mutated only through the Service transition API.
type Hold struct {
	TransactionID  string     `json:"transactionId"`
	Status         Status     `json:"status"`
	HeldAt         time.Time  `json:"heldAt"`
	ShippedAt      *time.Time `json:"shippedAt,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	ConfirmedAt    *time.Time `json:"deliveryConfirmedAt,omitempty"`
	ReleaseReqAt   *time.Time `json:"releaseRequestedAt,omitempty"`
	ReleasedAt     *time.Time `json:"releasedAt,omitempty"`
	TrackingNumber string     `json:"shippingTrackingNumber,omitempty"`
	Carrier        string     `json:"shippingCarrier,omitempty"`
	DisputeNotes   string     `json:"disputeNotes,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// IsTerminal reports whether the hold can no longer transition automatically.
// Disputed holds are terminal for automation but can still be adjudicated.
func (h *Hold) IsTerminal() bool {
	switch h.Status {
	case StatusReleased, StatusReversed, StatusDisputed:
		return true
	}
	return false
}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor filters results to items after the given cursor position.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}

// Store persists transactions and holds.
//
// UpdateHold is the compare-and-swap primitive: it writes the hold only if
// the persisted status still equals expected, and returns ErrStaleState
// otherwise. All transition safety rests on this contract.
type Store interface {
	CreateTransaction(ctx context.Context, tx *Transaction, hold *Hold) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetHold(ctx context.Context, transactionID string) (*Hold, error)
	UpdateHold(ctx context.Context, hold *Hold, expected Status) error
	ListBySeller(ctx context.Context, sellerID string, limit int, opts ...ListOption) ([]*Transaction, error)
	// ListReleaseRequested returns holds in release_requested whose request
	// is older than the cutoff, for the scheduler sweep.
	ListReleaseRequested(ctx context.Context, requestedBefore time.Time, limit int) ([]*Hold, error)
}
