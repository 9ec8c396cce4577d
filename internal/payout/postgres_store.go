package payout

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/caddypay/caddypay/internal/fees"
)

// PostgresStore persists payouts and payout accounts in PostgreSQL.
//
// The payouts table carries a partial unique index on transaction_id for
// rows whose status is not 'failed'; a concurrent duplicate create
// surfaces as a unique violation and is returned as ErrDuplicatePayout.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const payoutColumns = `id, transaction_id, seller_id, gross_amount, commission_rate_bps,
		       commission_amount, processing_fee, net_amount, currency, method,
		       provider_reference_id, status, failure_reason, created_at,
		       completed_at, updated_at`

func (p *PostgresStore) CreatePayout(ctx context.Context, po *Payout) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		po.ID, po.TransactionID, po.SellerID, int64(po.GrossAmount), po.CommissionRate,
		int64(po.CommissionAmount), int64(po.ProcessingFee), int64(po.NetAmount),
		po.Currency, nullString(string(po.Method)),
		nullString(po.ProviderReferenceID), string(po.Status), nullString(po.FailureReason),
		po.CreatedAt, nullTime(po.CompletedAt), po.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicatePayout
		}
		return err
	}
	return nil
}

// GetByTransaction returns the live payout for a transaction: the non-failed
// one if present, otherwise the most recent failed attempt.
func (p *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*Payout, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE transaction_id = $1
		ORDER BY (status != 'failed') DESC, created_at DESC
		LIMIT 1`, transactionID)

	po, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return po, err
}

func (p *PostgresStore) UpdatePayout(ctx context.Context, po *Payout, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payouts SET
			gross_amount = $1, commission_rate_bps = $2, commission_amount = $3,
			processing_fee = $4, net_amount = $5, method = $6,
			provider_reference_id = $7, status = $8, failure_reason = $9,
			completed_at = $10, updated_at = $11
		WHERE id = $12 AND status = $13`,
		int64(po.GrossAmount), po.CommissionRate, int64(po.CommissionAmount),
		int64(po.ProcessingFee), int64(po.NetAmount), nullString(string(po.Method)),
		nullString(po.ProviderReferenceID), string(po.Status), nullString(po.FailureReason),
		nullTime(po.CompletedAt), po.UpdatedAt,
		po.ID, string(expected),
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
			`SELECT 1 FROM payouts WHERE id = $1`, po.ID).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrStalePayout
	}
	return nil
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int, opts ...ListOption) ([]*Payout, error) {
	o := applyListOpts(opts)

	query := `
		SELECT ` + payoutColumns + `
		FROM payouts
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

	var result []*Payout
	for rows.Next() {
		po, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, po)
	}
	return result, rows.Err()
}

const accountColumns = `id, seller_id, rail, is_default, provider_account_id, email,
		       charges_enabled, payouts_enabled, details_submitted, verified, created_at`

func (p *PostgresStore) CreateAccount(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payout_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.SellerID, string(a.Rail), a.Default,
		nullString(a.ProviderAccountID), nullString(a.Email),
		a.ChargesEnabled, a.PayoutsEnabled, a.DetailsSubmitted, a.Verified, a.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM payout_accounts WHERE id = $1`, id)

	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (p *PostgresStore) ListAccountsBySeller(ctx context.Context, sellerID string) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM payout_accounts
		WHERE seller_id = $1
		ORDER BY created_at ASC`, sellerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetPreferredAccount(ctx context.Context, sellerID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM payout_accounts
		WHERE seller_id = $1
		ORDER BY is_default DESC, created_at ASC
		LIMIT 1`, sellerID)

	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return a, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayout(s scanner) (*Payout, error) {
	var po Payout
	var gross, commission, fee, net int64
	var method, providerRef, failureReason sql.NullString
	var completedAt sql.NullTime
	var status string

	if err := s.Scan(&po.ID, &po.TransactionID, &po.SellerID, &gross, &po.CommissionRate,
		&commission, &fee, &net, &po.Currency, &method,
		&providerRef, &status, &failureReason, &po.CreatedAt,
		&completedAt, &po.UpdatedAt); err != nil {
		return nil, err
	}

	po.GrossAmount = fees.Pence(gross)
	po.CommissionAmount = fees.Pence(commission)
	po.ProcessingFee = fees.Pence(fee)
	po.NetAmount = fees.Pence(net)
	po.Method = fees.Rail(method.String)
	po.ProviderReferenceID = providerRef.String
	po.Status = Status(status)
	po.FailureReason = failureReason.String
	po.CompletedAt = timePtr(completedAt)
	return &po, nil
}

func scanAccount(s scanner) (*Account, error) {
	var a Account
	var rail string
	var providerAcct, email sql.NullString

	if err := s.Scan(&a.ID, &a.SellerID, &rail, &a.Default, &providerAcct, &email,
		&a.ChargesEnabled, &a.PayoutsEnabled, &a.DetailsSubmitted, &a.Verified,
		&a.CreatedAt); err != nil {
		return nil, err
	}

	a.Rail = fees.Rail(rail)
	a.ProviderAccountID = providerAcct.String
	a.Email = email.String
	return &a, nil
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
