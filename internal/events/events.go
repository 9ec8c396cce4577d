// Package events delivers escrow lifecycle notifications to external
// collaborators: the support-queue system consumes dispute events, the
// seller dashboard consumes payout events.
//
// Consumers register a subscription URL; deliveries are JSON POSTs signed
// with an HMAC-SHA256 of the payload.
package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

// EventType identifies an escrow lifecycle event.
type EventType string

const (
	EventHoldShipped           EventType = "hold.shipped"
	EventHoldReleased          EventType = "hold.released"
	EventDisputeOpened         EventType = "dispute.opened"
	EventPayoutCompleted       EventType = "payout.completed"
	EventPayoutFailed          EventType = "payout.failed"
	EventPayoutAccountNotReady EventType = "payout.account_not_ready"
)

// Event is one lifecycle notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription is a registered delivery endpoint.
type Subscription struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	URL         string      `json:"url"`
	Secret      string      `json:"-"` // HMAC signing key
	Events      []EventType `json:"events"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastSuccess *time.Time  `json:"lastSuccess,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
}

// subscribedTo reports whether the subscription wants this event type.
// An empty Events list means all types.
func (s *Subscription) subscribedTo(t EventType) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists event subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher delivers events to matching subscriptions.
type Dispatcher struct {
	store         Store
	client        *http.Client
	defaultSecret string
}

// NewDispatcher creates a new event dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithDefaultSecret sets the signing secret used for subscriptions that
// did not register one of their own.
func (d *Dispatcher) WithDefaultSecret(secret string) *Dispatcher {
	d.defaultSecret = secret
	return d
}

// Dispatch sends an event to all active matching subscriptions.
// Deliveries run async so emitters never block on a slow consumer.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		go d.send(context.WithoutCancel(ctx), sub, event)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.updateError(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caddypay-Event", string(event.Type))
	req.Header.Set("X-Caddypay-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	secret := sub.Secret
	if secret == "" {
		secret = d.defaultSecret
	}
	if secret != "" {
		req.Header.Set("X-Caddypay-Signature", Sign(payload, secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.updateSuccess(ctx, sub)
	} else {
		d.updateError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 of payload under secret. Consumers
// recompute it to verify delivery authenticity.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	_ = d.store.Update(ctx, sub)
}
