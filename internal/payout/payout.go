// Package payout executes exactly-once payouts for released holds over two
// rails: bank transfer and e-wallet.
//
// The idempotency key for everything here is the transaction ID: at most one
// non-failed payout ever exists per transaction, no matter how many times
// dispatch is retried by handlers, the release scheduler, or an operator.
package payout

import (
	"context"
	"errors"
	"time"

	"github.com/caddypay/caddypay/internal/fees"
	"github.com/caddypay/caddypay/internal/pagination"
)

var (
	ErrNotFound        = errors.New("payout not found")
	ErrAccountNotFound = errors.New("payout account not found")
	ErrDuplicatePayout = errors.New("a non-failed payout already exists for this transaction")
	ErrAccountNotReady = errors.New("seller has no payout account ready to receive funds")
	ErrProviderFailure = errors.New("payout provider call failed")
	ErrPayoutInFlight  = errors.New("payout is processing or completed and cannot be reversed")
	ErrStalePayout     = errors.New("payout was updated concurrently")
	ErrUnsupportedRail = errors.New("no provider configured for rail")
)

// Status is the state of a payout.
type Status string

const (
	StatusPending    Status = "pending"    // created, waiting on account readiness or retry
	StatusProcessing Status = "processing" // provider call in flight
	StatusCompleted  Status = "completed"  // provider accepted, reference recorded
	StatusFailed     Status = "failed"     // provider rejected, retryable
	StatusReversed   Status = "reversed"   // written off by manual adjudication
)

// Payout is the single money movement to a seller for one transaction.
// Immutable once completed.
type Payout struct {
	ID                  string     `json:"id"`
	TransactionID       string     `json:"transactionId"`
	SellerID            string     `json:"sellerId"`
	GrossAmount         fees.Pence `json:"grossAmount"`
	CommissionRate      int64      `json:"commissionRateBps"`
	CommissionAmount    fees.Pence `json:"commissionAmount"`
	ProcessingFee       fees.Pence `json:"processingFee"`
	NetAmount           fees.Pence `json:"netAmount"`
	Currency            string     `json:"currency"`
	Method              fees.Rail  `json:"payoutMethod"`
	ProviderReferenceID string     `json:"providerReferenceId,omitempty"`
	Status              Status     `json:"status"`
	FailureReason       string     `json:"failureReason,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Account is a seller's payout destination for one rail. Readiness flags are
// owned by the external onboarding flow; this engine only reads them.
type Account struct {
	ID                string    `json:"id"`
	SellerID          string    `json:"sellerId"`
	Rail              fees.Rail `json:"rail"`
	Default           bool      `json:"default"`
	ProviderAccountID string    `json:"providerAccountId,omitempty"`
	Email             string    `json:"email,omitempty"`
	ChargesEnabled    bool      `json:"chargesEnabled"`
	PayoutsEnabled    bool      `json:"payoutsEnabled"`
	DetailsSubmitted  bool      `json:"detailsSubmitted"`
	Verified          bool      `json:"verified"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Ready reports whether the account can receive a payout. Readiness is
// rail-specific: bank accounts follow the provider's onboarding flags,
// wallet accounts need a verified email.
func (a *Account) Ready() bool {
	switch a.Rail {
	case fees.RailBank:
		return a.ProviderAccountID != "" && a.ChargesEnabled && a.PayoutsEnabled && a.DetailsSubmitted
	case fees.RailWallet:
		return a.Email != "" && a.Verified
	}
	return false
}

// Destination returns the provider-facing account reference.
func (a *Account) Destination() string {
	if a.Rail == fees.RailWallet {
		return a.Email
	}
	return a.ProviderAccountID
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

// Store persists payouts and payout accounts.
//
// CreatePayout must reject a second non-failed payout for the same
// transaction with ErrDuplicatePayout; that uniqueness guarantee is the
// exactly-once backstop for concurrent dispatchers.
//
// UpdatePayout writes only when the stored status still equals expected,
// returning ErrStalePayout otherwise, the same compare-and-swap contract as
// the hold store. Two dispatchers racing a pending record therefore cannot
// both move it to processing.
type Store interface {
	CreatePayout(ctx context.Context, p *Payout) error
	GetByTransaction(ctx context.Context, transactionID string) (*Payout, error)
	UpdatePayout(ctx context.Context, p *Payout, expected Status) error
	ListBySeller(ctx context.Context, sellerID string, limit int, opts ...ListOption) ([]*Payout, error)

	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccountsBySeller(ctx context.Context, sellerID string) ([]*Account, error)
	// GetPreferredAccount returns the seller's default account, or their
	// only account if none is marked default.
	GetPreferredAccount(ctx context.Context, sellerID string) (*Account, error)
}

// ProviderRequest is the rail-agnostic payout instruction.
type ProviderRequest struct {
	AccountRef     string
	Amount         fees.Pence
	Currency       string
	IdempotencyKey string
}

// ProviderResult carries the provider's reference for an accepted payout.
type ProviderResult struct {
	ProviderReferenceID string
}

// Provider executes a payout on one rail. Implementations must honour the
// idempotency key so a retried request never produces a duplicate transfer.
type Provider interface {
	Rail() fees.Rail
	Send(ctx context.Context, req ProviderRequest) (ProviderResult, error)
}
