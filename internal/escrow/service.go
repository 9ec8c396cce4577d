package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caddypay/caddypay/internal/events"
	"github.com/caddypay/caddypay/internal/fees"
	"github.com/caddypay/caddypay/internal/idgen"
	"github.com/caddypay/caddypay/internal/metrics"
	"github.com/caddypay/caddypay/internal/pagination"
	"github.com/caddypay/caddypay/internal/traces"
)

// PayoutDispatcher executes payouts for confirmed holds. Dispatch is keyed
// by transaction ID so repeated calls never pay twice. Reverse rejects any
// in-flight or completed payout.
type PayoutDispatcher interface {
	Dispatch(ctx context.Context, transactionID string) error
	Reverse(ctx context.Context, transactionID string) error
}

// CreateRequest contains the parameters for opening a transaction and its
// payment hold. Amount is a decimal string in major units ("100.00").
type CreateRequest struct {
	ProductID  string `json:"productId" binding:"required"`
	BuyerID    string `json:"buyerId" binding:"required"`
	SellerID   string `json:"sellerId" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
	Currency   string `json:"currency"`
	SellerTier string `json:"sellerTier"`
}

// AdjudicationOutcome is a manual resolution decision for a disputed hold.
type AdjudicationOutcome string

const (
	OutcomeRelease AdjudicationOutcome = "released"
	OutcomeReverse AdjudicationOutcome = "reversed"
)

// Service implements the escrow ledger: the transition API plus transaction
// creation. All writes go through the store's CAS contract.
type Service struct {
	store      Store
	dispatcher PayoutDispatcher
	events     *events.Emitter
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithDispatcher wires the payout dispatcher invoked on confirmation.
func (s *Service) WithDispatcher(d PayoutDispatcher) *Service {
	s.dispatcher = d
	return s
}

// WithEvents wires the lifecycle event emitter.
func (s *Service) WithEvents(e *events.Emitter) *Service {
	s.events = e
	return s
}

// Create opens a transaction and its payment hold atomically.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transaction, *Hold, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.SellerID(req.SellerID))
	defer span.End()

	gross, err := fees.Parse(req.Amount)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid amount: %w", err)
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "GBP"
	}

	now := s.now()
	tx := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		ProductID:   req.ProductID,
		BuyerID:     req.BuyerID,
		SellerID:    req.SellerID,
		GrossAmount: gross,
		Currency:    currency,
		SellerTier:  fees.Tier(req.SellerTier),
		CreatedAt:   now,
	}
	hold := &Hold{
		TransactionID: tx.ID,
		Status:        StatusHeld,
		HeldAt:        now,
		UpdatedAt:     now,
	}

	if err := s.store.CreateTransaction(ctx, tx, hold); err != nil {
		return nil, nil, fmt.Errorf("create transaction: %w", err)
	}

	metrics.HoldTransitions.WithLabelValues(string(StatusHeld)).Inc()
	return tx, hold, nil
}

// MarkShipped transitions held → shipped. The seller must provide a
// non-empty tracking number and carrier.
func (s *Service) MarkShipped(ctx context.Context, transactionID, trackingNumber, carrier string) (*Hold, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	carrier = strings.TrimSpace(carrier)
	if trackingNumber == "" || carrier == "" {
		return nil, fmt.Errorf("%w: tracking number and carrier are required", ErrInvalidTransition)
	}

	hold, err := s.store.GetHold(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := guard(hold, StatusHeld); err != nil {
		return nil, err
	}

	now := s.now()
	hold.Status = StatusShipped
	hold.ShippedAt = &now
	hold.TrackingNumber = trackingNumber
	hold.Carrier = carrier
	hold.UpdatedAt = now

	if err := s.store.UpdateHold(ctx, hold, StatusHeld); err != nil {
		return nil, err
	}

	metrics.HoldTransitions.WithLabelValues(string(StatusShipped)).Inc()
	s.events.HoldShipped(transactionID, trackingNumber, carrier)
	return hold, nil
}

// MarkDelivered transitions shipped → delivered on an external
// delivery-tracking signal.
func (s *Service) MarkDelivered(ctx context.Context, transactionID string) (*Hold, error) {
	hold, err := s.store.GetHold(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := guard(hold, StatusShipped); err != nil {
		return nil, err
	}

	now := s.now()
	hold.Status = StatusDelivered
	hold.DeliveredAt = &now
	hold.UpdatedAt = now

	if err := s.store.UpdateHold(ctx, hold, StatusShipped); err != nil {
		return nil, err
	}

	metrics.HoldTransitions.WithLabelValues(string(StatusDelivered)).Inc()
	return hold, nil
}

// ConfirmDelivery records the buyer's verdict. Satisfied moves the hold to
// confirmed and dispatches the payout; unsatisfied moves it to disputed and
// freezes it for manual review. Notes are required for a dispute.
//
// Valid from shipped, delivered, and release_requested (the buyer answering
// inside the response window). A concurrent scheduler confirmation loses or
// wins the CAS; the loser sees ErrStaleState.
func (s *Service) ConfirmDelivery(ctx context.Context, transactionID string, satisfied bool, notes string) (*Hold, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmDelivery", traces.TransactionID(transactionID))
	defer span.End()

	hold, err := s.store.GetHold(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.HoldStatus(string(hold.Status)))
	if err := guard(hold, StatusShipped, StatusDelivered, StatusReleaseRequested); err != nil {
		return nil, err
	}

	if satisfied {
		return s.confirm(ctx, hold)
	}
	return s.dispute(ctx, hold, notes)
}

func (s *Service) confirm(ctx context.Context, hold *Hold) (*Hold, error) {
	expected := hold.Status
	now := s.now()
	hold.Status = StatusConfirmed
	hold.ConfirmedAt = &now
	hold.UpdatedAt = now

	if err := s.store.UpdateHold(ctx, hold, expected); err != nil {
		return nil, err
	}
	metrics.HoldTransitions.WithLabelValues(string(StatusConfirmed)).Inc()

	// Payout problems (provider down, account not ready) are recorded on
	// the payout record and retried later; the confirmation itself stands.
	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, hold.TransactionID); err != nil {
			s.logger.Warn("payout dispatch failed, hold stays confirmed",
				"transactionId", hold.TransactionID, "error", err)
		}
	}

	// Re-read: a successful payout moves the hold to released.
	fresh, err := s.store.GetHold(ctx, hold.TransactionID)
	if err != nil {
		return hold, nil
	}
	return fresh, nil
}

func (s *Service) dispute(ctx context.Context, hold *Hold, notes string) (*Hold, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, fmt.Errorf("%w: dispute notes are required", ErrInvalidTransition)
	}

	expected := hold.Status
	now := s.now()
	hold.Status = StatusDisputed
	hold.DisputeNotes = notes
	hold.UpdatedAt = now

	if err := s.store.UpdateHold(ctx, hold, expected); err != nil {
		return nil, err
	}

	metrics.HoldTransitions.WithLabelValues(string(StatusDisputed)).Inc()
	s.notifyDispute(ctx, hold)
	return hold, nil
}

// notifyDispute hands the frozen hold off to the manual-review queue.
func (s *Service) notifyDispute(ctx context.Context, hold *Hold) {
	tx, err := s.store.GetTransaction(ctx, hold.TransactionID)
	if err != nil {
		s.logger.Error("dispute opened but transaction lookup failed",
			"transactionId", hold.TransactionID, "error", err)
		return
	}
	s.events.DisputeOpened(tx.ID, fees.Format(tx.GrossAmount), tx.Currency, hold.DisputeNotes)
	s.logger.Info("dispute opened",
		"transactionId", tx.ID,
		"amount", fees.Format(tx.GrossAmount),
		"currency", tx.Currency,
	)
}

// RequestRelease is the seller-initiated path: allowed once the item has
// been delivered and ReleaseDelay has elapsed. Opens the buyer response
// window.
func (s *Service) RequestRelease(ctx context.Context, transactionID string) (*Hold, error) {
	hold, err := s.store.GetHold(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := guard(hold, StatusShipped, StatusDelivered); err != nil {
		return nil, err
	}

	// Without a delivery timestamp the 7-day clock has not started.
	if hold.DeliveredAt == nil {
		return nil, ErrTooEarly
	}
	now := s.now()
	if now.Sub(*hold.DeliveredAt) < ReleaseDelay {
		return nil, ErrTooEarly
	}

	expected := hold.Status
	hold.Status = StatusReleaseRequested
	hold.ReleaseReqAt = &now
	hold.UpdatedAt = now

	if err := s.store.UpdateHold(ctx, hold, expected); err != nil {
		return nil, err
	}

	metrics.HoldTransitions.WithLabelValues(string(StatusReleaseRequested)).Inc()
	return hold, nil
}

// autoConfirm is the scheduler's transition for an expired response window.
// A lost CAS means the buyer acted first, which is not an error.
func (s *Service) autoConfirm(ctx context.Context, hold *Hold) (*Hold, error) {
	if hold.Status != StatusReleaseRequested {
		return nil, ErrStaleState
	}
	return s.confirm(ctx, hold)
}

// Adjudicate applies a manual resolution. It is the only exit from
// disputed: released pays the seller out through the normal dispatcher path;
// reversed refunds the buyer and is also the chargeback/fraud exit from any
// non-terminal state. An in-flight or completed payout blocks reversal.
func (s *Service) Adjudicate(ctx context.Context, transactionID string, outcome AdjudicationOutcome) (*Hold, error) {
	hold, err := s.store.GetHold(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case OutcomeRelease:
		if err := guard(hold, StatusDisputed); err != nil {
			return nil, err
		}
		return s.confirm(ctx, hold)

	case OutcomeReverse:
		if hold.Status == StatusReleased {
			return nil, ErrAlreadyReleased
		}
		if hold.Status == StatusReversed {
			return hold, nil
		}
		if s.dispatcher != nil {
			if err := s.dispatcher.Reverse(ctx, transactionID); err != nil {
				return nil, fmt.Errorf("reverse payout: %w", err)
			}
		}
		expected := hold.Status
		now := s.now()
		hold.Status = StatusReversed
		hold.UpdatedAt = now
		if err := s.store.UpdateHold(ctx, hold, expected); err != nil {
			return nil, err
		}
		metrics.HoldTransitions.WithLabelValues(string(StatusReversed)).Inc()
		return hold, nil

	default:
		return nil, fmt.Errorf("%w: unknown adjudication outcome %q", ErrInvalidTransition, outcome)
	}
}

// MarkReleased finalizes a hold after its payout completed: confirmed →
// released. Called by the payout dispatcher only.
func (s *Service) MarkReleased(ctx context.Context, transactionID string) error {
	hold, err := s.store.GetHold(ctx, transactionID)
	if err != nil {
		return err
	}
	if hold.Status == StatusReleased {
		return nil // idempotent
	}
	if hold.Status != StatusConfirmed {
		return fmt.Errorf("%w: hold is %s, not confirmed", ErrInvalidTransition, hold.Status)
	}

	now := s.now()
	hold.Status = StatusReleased
	hold.ReleasedAt = &now
	hold.UpdatedAt = now

	if err := s.store.UpdateHold(ctx, hold, StatusConfirmed); err != nil {
		return err
	}

	metrics.HoldTransitions.WithLabelValues(string(StatusReleased)).Inc()
	s.events.HoldReleased(transactionID)
	return nil
}

// Transaction returns a transaction by ID.
func (s *Service) Transaction(ctx context.Context, id string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// Hold returns the payment hold for a transaction.
func (s *Service) Hold(ctx context.Context, transactionID string) (*Hold, error) {
	return s.store.GetHold(ctx, transactionID)
}

// ListBySeller returns one page of a seller's transactions, newest first,
// plus the cursor for the next page.
func (s *Service) ListBySeller(ctx context.Context, sellerID string, limit int, cursor string) ([]*Transaction, string, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	txs, err := s.store.ListBySeller(ctx, sellerID, limit+1, WithCursor(cursor))
	if err != nil {
		return nil, "", false, err
	}
	txs, next, hasMore := pagination.ComputePage(txs, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return txs, next, hasMore, nil
}

// guard checks the hold is in one of the allowed source states; otherwise it
// maps the current state to the most useful error for the caller.
func guard(hold *Hold, allowed ...Status) error {
	for _, a := range allowed {
		if hold.Status == a {
			return nil
		}
	}
	switch hold.Status {
	case StatusDisputed:
		return ErrAlreadyDisputed
	case StatusReleased:
		return ErrAlreadyReleased
	}
	return fmt.Errorf("%w: hold is %s", ErrInvalidTransition, hold.Status)
}
