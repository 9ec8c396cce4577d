//go:build integration

package payout

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/caddypay/caddypay/internal/fees"
	"github.com/caddypay/caddypay/internal/testutil"
)

// seedTransaction satisfies the payouts foreign key.
func seedTransaction(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO transactions (id, product_id, buyer_id, seller_id, gross_amount, currency, seller_tier, created_at)
		VALUES ($1, 'wedge-1', 'buyer-1', 'seller-1', 10000, 'GBP', 'pro', NOW())`, id)
	if err != nil {
		t.Fatalf("seed transaction %s: %v", id, err)
	}
}

func newPayout(id, txID string, status Status, createdAt time.Time) *Payout {
	return &Payout{
		ID:               id,
		TransactionID:    txID,
		SellerID:         "seller-1",
		GrossAmount:      fees.Pence(10000),
		CommissionRate:   300,
		CommissionAmount: fees.Pence(300),
		ProcessingFee:    fees.Pence(20),
		NetAmount:        fees.Pence(9680),
		Currency:         "GBP",
		Method:           fees.RailWallet,
		Status:           status,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
}

func TestPostgresPayout_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	seedTransaction(t, db, "txn_po_1")

	po := newPayout("po_pg_1", "txn_po_1", StatusProcessing, now)
	if err := store.CreatePayout(ctx, po); err != nil {
		t.Fatalf("CreatePayout failed: %v", err)
	}

	got, err := store.GetByTransaction(ctx, "txn_po_1")
	if err != nil {
		t.Fatalf("GetByTransaction failed: %v", err)
	}
	if got.NetAmount != fees.Pence(9680) {
		t.Errorf("NetAmount: got %d, want 9680", got.NetAmount)
	}
	if got.Method != fees.RailWallet {
		t.Errorf("Method: got %s, want %s", got.Method, fees.RailWallet)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt should be nil, got %v", got.CompletedAt)
	}

	if _, err := store.GetByTransaction(ctx, "txn_missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresPayout_UniquePerTransaction(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	seedTransaction(t, db, "txn_po_uniq")

	first := newPayout("po_pg_u1", "txn_po_uniq", StatusProcessing, now)
	if err := store.CreatePayout(ctx, first); err != nil {
		t.Fatalf("CreatePayout failed: %v", err)
	}

	// Second live payout trips the partial unique index
	second := newPayout("po_pg_u2", "txn_po_uniq", StatusPending, now)
	if err := store.CreatePayout(ctx, second); err != ErrDuplicatePayout {
		t.Fatalf("expected ErrDuplicatePayout, got %v", err)
	}

	// Once the first fails, a fresh attempt is allowed
	first.Status = StatusFailed
	first.FailureReason = "provider timeout"
	first.UpdatedAt = now.Add(time.Minute)
	if err := store.UpdatePayout(ctx, first, StatusProcessing); err != nil {
		t.Fatalf("UpdatePayout failed: %v", err)
	}
	second.CreatedAt = now.Add(2 * time.Minute)
	if err := store.CreatePayout(ctx, second); err != nil {
		t.Fatalf("CreatePayout after failure: %v", err)
	}

	// Live record wins over failed history
	got, err := store.GetByTransaction(ctx, "txn_po_uniq")
	if err != nil {
		t.Fatalf("GetByTransaction failed: %v", err)
	}
	if got.ID != "po_pg_u2" {
		t.Errorf("expected po_pg_u2, got %s", got.ID)
	}
}

func TestPostgresPayout_UpdateCompletion(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	seedTransaction(t, db, "txn_po_upd")

	po := newPayout("po_pg_upd", "txn_po_upd", StatusProcessing, now)
	if err := store.CreatePayout(ctx, po); err != nil {
		t.Fatalf("CreatePayout failed: %v", err)
	}

	completedAt := now.Add(time.Minute)
	po.Status = StatusCompleted
	po.ProviderReferenceID = "wp_ref_1"
	po.CompletedAt = &completedAt
	po.UpdatedAt = completedAt
	if err := store.UpdatePayout(ctx, po, StatusProcessing); err != nil {
		t.Fatalf("UpdatePayout failed: %v", err)
	}

	// The record is completed now, so the same guard no longer matches
	po.UpdatedAt = completedAt.Add(time.Minute)
	if err := store.UpdatePayout(ctx, po, StatusProcessing); err != ErrStalePayout {
		t.Errorf("expected ErrStalePayout, got %v", err)
	}

	got, err := store.GetByTransaction(ctx, "txn_po_upd")
	if err != nil {
		t.Fatalf("GetByTransaction failed: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status: got %s, want %s", got.Status, StatusCompleted)
	}
	if got.ProviderReferenceID != "wp_ref_1" {
		t.Errorf("ProviderReferenceID: got %q", got.ProviderReferenceID)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completedAt) {
		t.Errorf("CompletedAt: got %v, want %v", got.CompletedAt, completedAt)
	}

	missing := newPayout("po_pg_missing", "txn_po_upd", StatusFailed, now)
	if err := store.UpdatePayout(ctx, missing, StatusFailed); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresPayout_ListBySeller(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	for i, txID := range []string{"txn_po_l1", "txn_po_l2"} {
		seedTransaction(t, db, txID)
		po := newPayout("po_pg_l"+txID[len(txID)-1:], txID, StatusCompleted, now.Add(time.Duration(i)*time.Second))
		if err := store.CreatePayout(ctx, po); err != nil {
			t.Fatalf("CreatePayout %s failed: %v", txID, err)
		}
	}

	results, err := store.ListBySeller(ctx, "seller-1", 10)
	if err != nil {
		t.Fatalf("ListBySeller failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 payouts, got %d", len(results))
	}
	if results[0].TransactionID != "txn_po_l2" {
		t.Errorf("expected newest first, got %s", results[0].TransactionID)
	}
}

func TestPostgresAccounts(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	wallet := &Account{
		ID: "acct_pg_w", SellerID: "seller-1", Rail: fees.RailWallet,
		Email: "seller@example.com", Verified: true, CreatedAt: now,
	}
	bank := &Account{
		ID: "acct_pg_b", SellerID: "seller-1", Rail: fees.RailBank, Default: true,
		ProviderAccountID: "acct_stripe_1", ChargesEnabled: true, PayoutsEnabled: true,
		DetailsSubmitted: true, CreatedAt: now.Add(time.Second),
	}
	if err := store.CreateAccount(ctx, wallet); err != nil {
		t.Fatalf("CreateAccount wallet failed: %v", err)
	}
	if err := store.CreateAccount(ctx, bank); err != nil {
		t.Fatalf("CreateAccount bank failed: %v", err)
	}

	got, err := store.GetAccount(ctx, "acct_pg_w")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if got.Email != "seller@example.com" || !got.Verified {
		t.Errorf("wallet account round-trip mismatch: %+v", got)
	}
	if got.ProviderAccountID != "" {
		t.Errorf("ProviderAccountID should be empty, got %q", got.ProviderAccountID)
	}

	// Default beats creation order
	pref, err := store.GetPreferredAccount(ctx, "seller-1")
	if err != nil {
		t.Fatalf("GetPreferredAccount failed: %v", err)
	}
	if pref.ID != "acct_pg_b" {
		t.Errorf("expected acct_pg_b, got %s", pref.ID)
	}

	accounts, err := store.ListAccountsBySeller(ctx, "seller-1")
	if err != nil {
		t.Fatalf("ListAccountsBySeller failed: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(accounts))
	}

	if _, err := store.GetAccount(ctx, "acct_missing"); err != ErrAccountNotFound {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := store.GetPreferredAccount(ctx, "seller-none"); err != ErrAccountNotFound {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}
