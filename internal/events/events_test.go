package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// receiver is an httptest endpoint that records deliveries.
type receiver struct {
	srv *httptest.Server

	mu         sync.Mutex
	deliveries []delivery
	status     int
	got        chan struct{}
}

type delivery struct {
	body      []byte
	event     string
	signature string
	timestamp string
}

func newReceiver(status int) *receiver {
	r := &receiver{status: status, got: make(chan struct{}, 16)}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.deliveries = append(r.deliveries, delivery{
			body:      body,
			event:     req.Header.Get("X-Caddypay-Event"),
			signature: req.Header.Get("X-Caddypay-Signature"),
			timestamp: req.Header.Get("X-Caddypay-Timestamp"),
		})
		r.mu.Unlock()
		w.WriteHeader(r.status)
		r.got <- struct{}{}
	}))
	return r
}

func (r *receiver) wait(t *testing.T) delivery {
	t.Helper()
	select {
	case <-r.got:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deliveries[len(r.deliveries)-1]
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries)
}

func testEvent(t EventType) *Event {
	return &Event{
		ID:        "evt_test",
		Type:      t,
		Timestamp: time.Unix(1700000000, 0),
		Data:      map[string]interface{}{"transactionId": "txn_1"},
	}
}

func TestDispatch_DeliversSignedPayload(t *testing.T) {
	rec := newReceiver(http.StatusOK)
	defer rec.srv.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID:     "sub_1",
		Name:   "support queue",
		URL:    rec.srv.URL,
		Secret: "queue-secret",
		Active: true,
	}))

	d := NewDispatcher(store)
	require.NoError(t, d.Dispatch(context.Background(), testEvent(EventDisputeOpened)))

	got := rec.wait(t)
	assert.Equal(t, "dispute.opened", got.event)
	assert.Equal(t, "1700000000", got.timestamp)
	assert.Equal(t, Sign(got.body, "queue-secret"), got.signature)

	var delivered Event
	require.NoError(t, json.Unmarshal(got.body, &delivered))
	assert.Equal(t, "evt_test", delivered.ID)
	assert.Equal(t, "txn_1", delivered.Data["transactionId"])
}

func TestDispatch_DefaultSecretFallback(t *testing.T) {
	rec := newReceiver(http.StatusOK)
	defer rec.srv.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID:     "sub_1",
		URL:    rec.srv.URL,
		Active: true,
	}))

	d := NewDispatcher(store).WithDefaultSecret("shared-secret")
	require.NoError(t, d.Dispatch(context.Background(), testEvent(EventPayoutCompleted)))

	got := rec.wait(t)
	assert.Equal(t, Sign(got.body, "shared-secret"), got.signature)
}

func TestDispatch_NoSecretNoSignature(t *testing.T) {
	rec := newReceiver(http.StatusOK)
	defer rec.srv.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID:     "sub_1",
		URL:    rec.srv.URL,
		Active: true,
	}))

	d := NewDispatcher(store)
	require.NoError(t, d.Dispatch(context.Background(), testEvent(EventHoldReleased)))

	got := rec.wait(t)
	assert.Empty(t, got.signature)
}

func TestDispatch_FiltersSubscriptions(t *testing.T) {
	payoutRec := newReceiver(http.StatusOK)
	defer payoutRec.srv.Close()
	inactiveRec := newReceiver(http.StatusOK)
	defer inactiveRec.srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID:     "sub_payouts",
		URL:    payoutRec.srv.URL,
		Events: []EventType{EventPayoutCompleted, EventPayoutFailed},
		Active: true,
	}))
	require.NoError(t, store.Create(ctx, &Subscription{
		ID:     "sub_inactive",
		URL:    inactiveRec.srv.URL,
		Active: false,
	}))

	d := NewDispatcher(store)

	// Dispute event matches neither: one has it filtered out, one is inactive
	require.NoError(t, d.Dispatch(ctx, testEvent(EventDisputeOpened)))
	require.NoError(t, d.Dispatch(ctx, testEvent(EventPayoutCompleted)))

	got := payoutRec.wait(t)
	assert.Equal(t, "payout.completed", got.event)
	assert.Equal(t, 1, payoutRec.count())
	assert.Equal(t, 0, inactiveRec.count())
}

func TestDispatch_RecordsDeliveryOutcome(t *testing.T) {
	okRec := newReceiver(http.StatusOK)
	defer okRec.srv.Close()
	failRec := newReceiver(http.StatusInternalServerError)
	defer failRec.srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{ID: "sub_ok", URL: okRec.srv.URL, Active: true}))
	require.NoError(t, store.Create(ctx, &Subscription{ID: "sub_fail", URL: failRec.srv.URL, Active: true}))

	d := NewDispatcher(store)
	require.NoError(t, d.Dispatch(ctx, testEvent(EventHoldShipped)))
	okRec.wait(t)
	failRec.wait(t)

	// The store write happens after the HTTP exchange
	require.Eventually(t, func() bool {
		ok, err := store.Get(ctx, "sub_ok")
		if err != nil || ok.LastSuccess == nil {
			return false
		}
		fail, err := store.Get(ctx, "sub_fail")
		return err == nil && fail.LastError == "status 500"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubscribedTo(t *testing.T) {
	all := &Subscription{}
	assert.True(t, all.subscribedTo(EventHoldShipped))
	assert.True(t, all.subscribedTo(EventPayoutFailed))

	narrow := &Subscription{Events: []EventType{EventDisputeOpened}}
	assert.True(t, narrow.subscribedTo(EventDisputeOpened))
	assert.False(t, narrow.subscribedTo(EventHoldShipped))
}

func TestSign(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)

	sig := Sign(payload, "secret-a")
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, Sign(payload, "secret-a"))
	assert.NotEqual(t, sig, Sign(payload, "secret-b"))
	assert.NotEqual(t, sig, Sign([]byte(`{"id":"evt_2"}`), "secret-a"))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "sub_missing")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	assert.ErrorIs(t, store.Update(ctx, &Subscription{ID: "sub_missing"}), ErrSubscriptionNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "sub_missing"), ErrSubscriptionNotFound)

	require.NoError(t, store.Create(ctx, &Subscription{ID: "sub_1", Name: "one", Active: true}))
	sub, err := store.Get(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "one", sub.Name)

	// Stored copy is isolated from caller mutation
	sub.Name = "changed"
	again, err := store.Get(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "one", again.Name)

	subs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	require.NoError(t, store.Delete(ctx, "sub_1"))
	_, err = store.Get(ctx, "sub_1")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}
