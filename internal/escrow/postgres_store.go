package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/caddypay/caddypay/internal/fees"
)

// PostgresStore persists escrow data in PostgreSQL.
//
// The CAS contract is implemented by guarding every hold update with
// `AND status = <expected>`; zero rows affected with an existing row means
// a concurrent writer won.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, t *Transaction, h *Hold) error {
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dbtx.Rollback() }()

	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, product_id, buyer_id, seller_id, gross_amount, currency,
			seller_tier, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.ProductID, t.BuyerID, t.SellerID, int64(t.GrossAmount),
		t.Currency, string(t.SellerTier), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO payment_holds (
			transaction_id, status, held_at, updated_at
		) VALUES ($1, $2, $3, $4)`,
		h.TransactionID, string(h.Status), h.HeldAt, h.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert hold: %w", err)
	}

	return dbtx.Commit()
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, product_id, buyer_id, seller_id, gross_amount, currency,
		       seller_tier, created_at
		FROM transactions WHERE id = $1`, id)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

const holdColumns = `transaction_id, status, held_at, shipped_at, delivered_at,
		       confirmed_at, release_requested_at, released_at,
		       tracking_number, carrier, dispute_notes, updated_at`

func (p *PostgresStore) GetHold(ctx context.Context, transactionID string) (*Hold, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM payment_holds WHERE transaction_id = $1`, transactionID)

	h, err := scanHold(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return h, err
}

func (p *PostgresStore) UpdateHold(ctx context.Context, h *Hold, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_holds SET
			status = $1, shipped_at = $2, delivered_at = $3,
			confirmed_at = $4, release_requested_at = $5, released_at = $6,
			tracking_number = $7, carrier = $8, dispute_notes = $9,
			updated_at = $10
		WHERE transaction_id = $11 AND status = $12`,
		string(h.Status), nullTime(h.ShippedAt), nullTime(h.DeliveredAt),
		nullTime(h.ConfirmedAt), nullTime(h.ReleaseReqAt), nullTime(h.ReleasedAt),
		nullString(h.TrackingNumber), nullString(h.Carrier), nullString(h.DisputeNotes),
		h.UpdatedAt,
		h.TransactionID, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var one int
		err := p.db.QueryRowContext(ctx,
			`SELECT 1 FROM payment_holds WHERE transaction_id = $1`, h.TransactionID).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrStaleState
	}
	return nil
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int, opts ...ListOption) ([]*Transaction, error) {
	o := applyListOpts(opts)

	query := `
		SELECT id, product_id, buyer_id, seller_id, gross_amount, currency,
		       seller_tier, created_at
		FROM transactions
		WHERE seller_id = $1`
	args := []interface{}{sellerID}
	if o.cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, o.cursor.CreatedAt, o.cursor.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListReleaseRequested(ctx context.Context, requestedBefore time.Time, limit int) ([]*Hold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+holdColumns+`
		FROM payment_holds
		WHERE status = $1 AND release_requested_at < $2
		ORDER BY release_requested_at ASC
		LIMIT $3`,
		string(StatusReleaseRequested), requestedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	var t Transaction
	var gross int64
	var tier string
	if err := s.Scan(&t.ID, &t.ProductID, &t.BuyerID, &t.SellerID,
		&gross, &t.Currency, &tier, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.GrossAmount = fees.Pence(gross)
	t.SellerTier = fees.Tier(tier)
	return &t, nil
}

func scanHold(s scanner) (*Hold, error) {
	var h Hold
	var status string
	var shippedAt, deliveredAt, confirmedAt, releaseReqAt, releasedAt sql.NullTime
	var tracking, carrier, notes sql.NullString

	if err := s.Scan(&h.TransactionID, &status, &h.HeldAt,
		&shippedAt, &deliveredAt, &confirmedAt, &releaseReqAt, &releasedAt,
		&tracking, &carrier, &notes, &h.UpdatedAt); err != nil {
		return nil, err
	}

	h.Status = Status(status)
	h.ShippedAt = timePtr(shippedAt)
	h.DeliveredAt = timePtr(deliveredAt)
	h.ConfirmedAt = timePtr(confirmedAt)
	h.ReleaseReqAt = timePtr(releaseReqAt)
	h.ReleasedAt = timePtr(releasedAt)
	h.TrackingNumber = tracking.String
	h.Carrier = carrier.String
	h.DisputeNotes = notes.String
	return &h, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	cp := t.Time
	return &cp
}
