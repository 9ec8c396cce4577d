package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/caddypay/caddypay/internal/idgen"
)

var (
	eventEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "caddypay",
		Subsystem: "events",
		Name:      "emit_total",
		Help:      "Total event emit attempts by event type.",
	}, []string{"event_type"})

	eventEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "caddypay",
		Subsystem: "events",
		Name:      "emit_errors_total",
		Help:      "Total event emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(eventEmitTotal, eventEmitErrors)
}

// Emitter wraps a Dispatcher with typed helpers for the engine's lifecycle
// events. All methods are fire-and-forget and nil-safe: a nil emitter (no
// dispatcher wired) is a no-op, and errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new event emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	eventEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.Dispatch(ctx, event); err != nil {
		eventEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("event emit failed", "event", eventType, "error", err)
	}
}

// HoldShipped notifies that a seller shipped the item.
func (e *Emitter) HoldShipped(transactionID, trackingNumber, carrier string) {
	e.emit(EventHoldShipped, map[string]interface{}{
		"transactionId":  transactionID,
		"trackingNumber": trackingNumber,
		"carrier":        carrier,
	})
}

// HoldReleased notifies that escrowed funds reached the seller.
func (e *Emitter) HoldReleased(transactionID string) {
	e.emit(EventHoldReleased, map[string]interface{}{
		"transactionId": transactionID,
	})
}

// DisputeOpened hands a frozen hold to the manual-review queue.
func (e *Emitter) DisputeOpened(transactionID, amount, currency, notes string) {
	e.emit(EventDisputeOpened, map[string]interface{}{
		"transactionId": transactionID,
		"amount":        amount,
		"currency":      currency,
		"disputeNotes":  notes,
	})
}

// PayoutCompleted notifies the seller dashboard of a finished payout.
func (e *Emitter) PayoutCompleted(transactionID, payoutID, providerRef, netAmount string) {
	e.emit(EventPayoutCompleted, map[string]interface{}{
		"transactionId":       transactionID,
		"payoutId":            payoutID,
		"providerReferenceId": providerRef,
		"netAmount":           netAmount,
	})
}

// PayoutFailed notifies that a payout attempt failed and will be retried.
func (e *Emitter) PayoutFailed(transactionID, payoutID, reason string) {
	e.emit(EventPayoutFailed, map[string]interface{}{
		"transactionId": transactionID,
		"payoutId":      payoutID,
		"reason":        reason,
	})
}

// PayoutAccountNotReady surfaces the missing-account condition to the
// seller dashboard so onboarding can be completed.
func (e *Emitter) PayoutAccountNotReady(transactionID, sellerID string) {
	e.emit(EventPayoutAccountNotReady, map[string]interface{}{
		"transactionId": transactionID,
		"sellerId":      sellerID,
	})
}
