package events

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists event subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subColumns = `id, name, url, secret, events, active, created_at, last_success, last_error`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO event_subscriptions (`+subColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sub.ID, sub.Name, sub.URL, sub.Secret, pq.Array(eventStrings(sub.Events)),
		sub.Active, sub.CreatedAt, nullTime(sub.LastSuccess), nullString(sub.LastError),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+subColumns+` FROM event_subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+subColumns+` FROM event_subscriptions ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectSubscriptions(rows)
}

func (p *PostgresStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	// Empty events array means subscribed to everything.
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subColumns+`
		FROM event_subscriptions
		WHERE cardinality(events) = 0 OR $1 = ANY(events)`,
		string(eventType))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectSubscriptions(rows)
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE event_subscriptions SET
			name = $1, url = $2, events = $3, active = $4,
			last_success = $5, last_error = $6
		WHERE id = $7`,
		sub.Name, sub.URL, pq.Array(eventStrings(sub.Events)), sub.Active,
		nullTime(sub.LastSuccess), nullString(sub.LastError), sub.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM event_subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func collectSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var result []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(s scanner) (*Subscription, error) {
	var sub Subscription
	var eventNames []string
	var lastSuccess sql.NullTime
	var lastError sql.NullString

	if err := s.Scan(&sub.ID, &sub.Name, &sub.URL, &sub.Secret, pq.Array(&eventNames),
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError); err != nil {
		return nil, err
	}

	sub.Events = make([]EventType, len(eventNames))
	for i, name := range eventNames {
		sub.Events[i] = EventType(name)
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		sub.LastSuccess = &t
	}
	sub.LastError = lastError.String
	return &sub, nil
}

func eventStrings(events []EventType) []string {
	result := make([]string, len(events))
	for i, e := range events {
		result[i] = string(e)
	}
	return result
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
