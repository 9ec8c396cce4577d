package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caddypay/caddypay/internal/circuitbreaker"
	"github.com/caddypay/caddypay/internal/escrow"
	"github.com/caddypay/caddypay/internal/events"
	"github.com/caddypay/caddypay/internal/fees"
	"github.com/caddypay/caddypay/internal/idgen"
	"github.com/caddypay/caddypay/internal/metrics"
	"github.com/caddypay/caddypay/internal/pagination"
	"github.com/caddypay/caddypay/internal/retry"
	"github.com/caddypay/caddypay/internal/traces"
)

// DefaultProviderTimeout bounds the external provider call. The dispatcher
// holds no in-process lock across it.
const DefaultProviderTimeout = 30 * time.Second

// Ledger is the slice of the escrow service the dispatcher needs: reading
// the sale and finalizing the hold once money has moved.
type Ledger interface {
	Transaction(ctx context.Context, id string) (*escrow.Transaction, error)
	MarkReleased(ctx context.Context, transactionID string) error
}

// Service is the payout dispatcher. Invoked on entry into confirmed, and
// again on every retry; the transaction-keyed payout record makes all of
// those calls collapse into at most one transfer.
type Service struct {
	store           Store
	ledger          Ledger
	providers       map[fees.Rail]Provider
	breaker         *circuitbreaker.Breaker
	events          *events.Emitter
	logger          *slog.Logger
	providerTimeout time.Duration
}

// NewService creates a payout dispatcher for the given providers.
func NewService(store Store, ledger Ledger, providers []Provider, logger *slog.Logger) *Service {
	byRail := make(map[fees.Rail]Provider, len(providers))
	for _, p := range providers {
		byRail[p.Rail()] = p
	}
	return &Service{
		store:           store,
		ledger:          ledger,
		providers:       byRail,
		breaker:         circuitbreaker.New(5, 30*time.Second),
		logger:          logger,
		providerTimeout: DefaultProviderTimeout,
	}
}

// WithEvents wires the lifecycle event emitter.
func (s *Service) WithEvents(e *events.Emitter) *Service {
	s.events = e
	return s
}

// Dispatch executes the payout for a confirmed transaction.
//
// It is safe to call any number of times: a completed payout is returned
// unchanged, a processing one is left alone, and pending/failed ones are
// retried under the same idempotency key. Account-not-ready is surfaced as
// a pending payout plus an event rather than an error, since the hold transition
// that triggered the dispatch must not fail on it.
func (s *Service) Dispatch(ctx context.Context, transactionID string) error {
	ctx, span := traces.StartSpan(ctx, "payout.Dispatch", traces.TransactionID(transactionID))
	defer span.End()

	existing, err := s.store.GetByTransaction(ctx, transactionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("lookup payout: %w", err)
	}
	if existing != nil {
		switch existing.Status {
		case StatusCompleted:
			// Money already moved; make sure the hold caught up.
			return s.ledger.MarkReleased(ctx, transactionID)
		case StatusProcessing:
			// Another dispatcher is mid-call. Leave it to them.
			return nil
		case StatusReversed:
			return nil
		}
	}

	tx, err := s.ledger.Transaction(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("lookup transaction: %w", err)
	}

	account, err := s.store.GetPreferredAccount(ctx, tx.SellerID)
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		return fmt.Errorf("lookup payout account: %w", err)
	}
	if account == nil || !account.Ready() {
		return s.parkPending(ctx, tx, existing)
	}

	split, err := fees.ComputeSplit(tx.GrossAmount, tx.SellerTier, account.Rail)
	if err != nil {
		// Pathological fee math. Never pay out a negative amount.
		if existing != nil {
			s.markFailed(ctx, existing, existing.Status, err.Error())
		}
		return fmt.Errorf("compute split: %w", err)
	}

	p, err := s.beginProcessing(ctx, tx, account, split, existing)
	if err != nil {
		if errors.Is(err, ErrDuplicatePayout) || errors.Is(err, ErrStalePayout) {
			return nil // concurrent dispatcher won the race for this record
		}
		return err
	}

	return s.execute(ctx, p, account)
}

// parkPending records (or keeps) the payout as pending and notifies the
// seller dashboard. The split is computed once a rail is known.
func (s *Service) parkPending(ctx context.Context, tx *escrow.Transaction, existing *Payout) error {
	if existing == nil {
		now := time.Now()
		p := &Payout{
			ID:            idgen.WithPrefix("po_"),
			TransactionID: tx.ID,
			SellerID:      tx.SellerID,
			GrossAmount:   tx.GrossAmount,
			Currency:      tx.Currency,
			Status:        StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.store.CreatePayout(ctx, p); err != nil && !errors.Is(err, ErrDuplicatePayout) {
			return fmt.Errorf("create pending payout: %w", err)
		}
		metrics.PayoutsTotal.WithLabelValues("none", string(StatusPending)).Inc()
	}

	s.events.PayoutAccountNotReady(tx.ID, tx.SellerID)
	s.logger.Info("payout pending, seller has no ready account",
		"transactionId", tx.ID, "sellerId", tx.SellerID)
	return nil
}

// beginProcessing creates or reuses the payout record and moves it to
// processing with the final split and rail. The transition is CAS-guarded
// on the status the caller read, so of two dispatchers racing the same
// pending or failed record exactly one proceeds to the provider call.
func (s *Service) beginProcessing(ctx context.Context, tx *escrow.Transaction, account *Account, split fees.Split, existing *Payout) (*Payout, error) {
	now := time.Now()

	if existing != nil {
		expected := existing.Status
		existing.GrossAmount = split.Gross
		existing.CommissionRate = split.CommissionRate
		existing.CommissionAmount = split.Commission
		existing.ProcessingFee = split.ProcessingFee
		existing.NetAmount = split.Net
		existing.Method = account.Rail
		existing.Status = StatusProcessing
		existing.FailureReason = ""
		existing.UpdatedAt = now
		if err := s.store.UpdatePayout(ctx, existing, expected); err != nil {
			if errors.Is(err, ErrStalePayout) {
				return nil, err
			}
			return nil, fmt.Errorf("update payout: %w", err)
		}
		return existing, nil
	}

	p := &Payout{
		ID:               idgen.WithPrefix("po_"),
		TransactionID:    tx.ID,
		SellerID:         tx.SellerID,
		GrossAmount:      split.Gross,
		CommissionRate:   split.CommissionRate,
		CommissionAmount: split.Commission,
		ProcessingFee:    split.ProcessingFee,
		NetAmount:        split.Net,
		Currency:         tx.Currency,
		Method:           account.Rail,
		Status:           StatusProcessing,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreatePayout(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// execute performs the provider call and finalizes the payout record.
func (s *Service) execute(ctx context.Context, p *Payout, account *Account) error {
	ctx, span := traces.StartSpan(ctx, "payout.execute",
		traces.PayoutRail(string(account.Rail)),
		traces.Amount(int64(p.NetAmount)),
	)
	defer span.End()

	provider, ok := s.providers[account.Rail]
	if !ok {
		s.markFailed(ctx, p, StatusProcessing, ErrUnsupportedRail.Error())
		return fmt.Errorf("%w %q", ErrUnsupportedRail, account.Rail)
	}

	key := string(account.Rail)
	if !s.breaker.Allow(key) {
		s.markFailed(ctx, p, StatusProcessing, "provider circuit open")
		return fmt.Errorf("%w: circuit open for %s", ErrProviderFailure, key)
	}

	req := ProviderRequest{
		AccountRef:     account.Destination(),
		Amount:         p.NetAmount,
		Currency:       p.Currency,
		IdempotencyKey: p.TransactionID,
	}

	start := time.Now()
	var result ProviderResult
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
		defer cancel()
		var callErr error
		result, callErr = provider.Send(callCtx, req)
		return callErr
	})
	metrics.ProviderCallDuration.WithLabelValues(key).Observe(time.Since(start).Seconds())

	if err != nil {
		s.breaker.RecordFailure(key)
		s.markFailed(ctx, p, StatusProcessing, err.Error())
		s.events.PayoutFailed(p.TransactionID, p.ID, err.Error())
		return fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}
	s.breaker.RecordSuccess(key)

	now := time.Now()
	p.Status = StatusCompleted
	p.ProviderReferenceID = result.ProviderReferenceID
	p.CompletedAt = &now
	p.UpdatedAt = now
	if err := s.store.UpdatePayout(ctx, p, StatusProcessing); err != nil {
		// Money moved but the record is stale. Log loudly rather than
		// re-sending under the same key on a later retry.
		s.logger.Error("CRITICAL: payout sent but status update failed",
			"payoutId", p.ID, "transactionId", p.TransactionID,
			"providerRef", result.ProviderReferenceID, "error", err)
		return fmt.Errorf("update payout after transfer: %w", err)
	}

	metrics.PayoutsTotal.WithLabelValues(key, string(StatusCompleted)).Inc()
	s.events.PayoutCompleted(p.TransactionID, p.ID, result.ProviderReferenceID, fees.Format(p.NetAmount))
	s.logger.Info("payout completed",
		"payoutId", p.ID,
		"transactionId", p.TransactionID,
		"rail", key,
		"net", fees.Format(p.NetAmount),
		"providerRef", result.ProviderReferenceID,
	)

	return s.ledger.MarkReleased(ctx, p.TransactionID)
}

func (s *Service) markFailed(ctx context.Context, p *Payout, expected Status, reason string) {
	p.Status = StatusFailed
	p.FailureReason = reason
	p.UpdatedAt = time.Now()
	if err := s.store.UpdatePayout(ctx, p, expected); err != nil {
		s.logger.Error("failed to record payout failure",
			"payoutId", p.ID, "transactionId", p.TransactionID, "error", err)
		return
	}
	metrics.PayoutsTotal.WithLabelValues(string(p.Method), string(StatusFailed)).Inc()
}

// Retry re-dispatches a pending or failed payout under the same
// idempotency key.
func (s *Service) Retry(ctx context.Context, transactionID string) (*Payout, error) {
	p, err := s.store.GetByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusCompleted || p.Status == StatusReversed {
		return p, nil
	}
	if err := s.Dispatch(ctx, transactionID); err != nil {
		return nil, err
	}
	p, err = s.store.GetByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusPending {
		// Dispatch parked it again: the seller still has no usable account.
		return p, ErrAccountNotReady
	}
	return p, nil
}

// Reverse writes off a payout during manual adjudication. A payout that is
// processing or completed blocks the reversal: money that has moved (or may
// be moving) cannot be silently unwound here.
func (s *Service) Reverse(ctx context.Context, transactionID string) error {
	p, err := s.store.GetByTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil // no payout to unwind
		}
		return err
	}

	switch p.Status {
	case StatusCompleted, StatusProcessing:
		return ErrPayoutInFlight
	case StatusReversed:
		return nil
	}

	expected := p.Status
	p.Status = StatusReversed
	p.UpdatedAt = time.Now()
	if err := s.store.UpdatePayout(ctx, p, expected); err != nil {
		return err
	}
	metrics.PayoutsTotal.WithLabelValues(string(p.Method), string(StatusReversed)).Inc()
	return nil
}

// Get returns the payout for a transaction.
func (s *Service) Get(ctx context.Context, transactionID string) (*Payout, error) {
	return s.store.GetByTransaction(ctx, transactionID)
}

// ListBySeller returns one page of a seller's payouts, newest first, plus
// the cursor for the next page.
func (s *Service) ListBySeller(ctx context.Context, sellerID string, limit int, cursor string) ([]*Payout, string, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	payouts, err := s.store.ListBySeller(ctx, sellerID, limit+1, WithCursor(cursor))
	if err != nil {
		return nil, "", false, err
	}
	payouts, next, hasMore := pagination.ComputePage(payouts, limit, func(p *Payout) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	return payouts, next, hasMore, nil
}

// CreateAccount registers a payout destination for a seller. Readiness
// flags arrive from the onboarding flow; this engine never sets them true
// on its own.
func (s *Service) CreateAccount(ctx context.Context, a *Account) (*Account, error) {
	if !a.Rail.Valid() {
		return nil, fmt.Errorf("unknown rail %q", a.Rail)
	}
	if a.ID == "" {
		a.ID = idgen.WithPrefix("acct_")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAccounts returns a seller's payout accounts.
func (s *Service) ListAccounts(ctx context.Context, sellerID string) ([]*Account, error) {
	return s.store.ListAccountsBySeller(ctx, sellerID)
}
