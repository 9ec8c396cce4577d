package escrow

import (
	"context"
	"testing"
	"time"
)

// advance a hold to release_requested with the request made in the past.
func holdAwaitingBuyer(t *testing.T, svc *Service, requestedAgo time.Duration) *Transaction {
	t.Helper()
	ctx := context.Background()
	base := time.Now()

	svc.now = func() time.Time { return base.Add(-requestedAgo - ReleaseDelay) }
	tx := createHold(t, svc)
	if _, err := svc.MarkShipped(ctx, tx.ID, "TRK1", "dpd"); err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}
	if _, err := svc.MarkDelivered(ctx, tx.ID); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	svc.now = func() time.Time { return base.Add(-requestedAgo) }
	if _, err := svc.RequestRelease(ctx, tx.ID); err != nil {
		t.Fatalf("RequestRelease failed: %v", err)
	}

	svc.now = func() time.Time { return base }
	return tx
}

func TestSweep_AutoConfirmsAfterSilence(t *testing.T) {
	store := NewMemoryStore()
	dispatcher := &mockDispatcher{}
	svc := NewService(store, testLogger()).WithDispatcher(dispatcher)
	sched := NewScheduler(svc, store, time.Minute, testLogger())
	ctx := context.Background()

	// 25h of silence: past the 24h response window
	tx := holdAwaitingBuyer(t, svc, 25*time.Hour)

	sched.Sweep(ctx)

	hold, err := svc.Hold(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if hold.Status != StatusConfirmed {
		t.Errorf("Expected auto-confirm to confirmed, got %s", hold.Status)
	}
	if dispatcher.dispatchCount() != 1 {
		t.Errorf("Expected 1 dispatch, got %d", dispatcher.dispatchCount())
	}

	// A second sweep finds nothing: exactly one payout ever
	sched.Sweep(ctx)
	if dispatcher.dispatchCount() != 1 {
		t.Errorf("Second sweep must not re-dispatch, got %d", dispatcher.dispatchCount())
	}
}

func TestSweep_LeavesOpenWindowAlone(t *testing.T) {
	store := NewMemoryStore()
	dispatcher := &mockDispatcher{}
	svc := NewService(store, testLogger()).WithDispatcher(dispatcher)
	sched := NewScheduler(svc, store, time.Minute, testLogger())
	ctx := context.Background()

	// Requested only 2h ago: buyer still has time to answer
	tx := holdAwaitingBuyer(t, svc, 2*time.Hour)

	sched.Sweep(ctx)

	hold, _ := svc.Hold(ctx, tx.ID)
	if hold.Status != StatusReleaseRequested {
		t.Errorf("Expected hold untouched inside window, got %s", hold.Status)
	}
	if dispatcher.dispatchCount() != 0 {
		t.Errorf("Expected no dispatch, got %d", dispatcher.dispatchCount())
	}
}

func TestSweep_DisputeFreezesHold(t *testing.T) {
	store := NewMemoryStore()
	dispatcher := &mockDispatcher{}
	svc := NewService(store, testLogger()).WithDispatcher(dispatcher)
	sched := NewScheduler(svc, store, time.Minute, testLogger())
	ctx := context.Background()

	tx := holdAwaitingBuyer(t, svc, 25*time.Hour)

	// Buyer disputes inside their window; the dispute wins over the sweep
	if _, err := svc.ConfirmDelivery(ctx, tx.ID, false, "fake club, not genuine"); err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}

	sched.Sweep(ctx)

	hold, _ := svc.Hold(ctx, tx.ID)
	if hold.Status != StatusDisputed {
		t.Errorf("Expected disputed hold to stay frozen, got %s", hold.Status)
	}
	if dispatcher.dispatchCount() != 0 {
		t.Errorf("Disputed hold must never pay out, got %d dispatches", dispatcher.dispatchCount())
	}
}

func TestSweep_LostCASIsNotAnError(t *testing.T) {
	store := NewMemoryStore()
	dispatcher := &mockDispatcher{}
	svc := NewService(store, testLogger()).WithDispatcher(dispatcher)
	sched := NewScheduler(svc, store, time.Minute, testLogger())
	ctx := context.Background()

	tx := holdAwaitingBuyer(t, svc, 25*time.Hour)

	// Capture the expired listing, then let the buyer confirm first
	expired, err := store.ListReleaseRequested(ctx, svc.now().Add(-ResponseWindow), 100)
	if err != nil || len(expired) != 1 {
		t.Fatalf("Expected 1 expired hold, got %d (err %v)", len(expired), err)
	}
	if _, err := svc.ConfirmDelivery(ctx, tx.ID, true, ""); err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}
	dispatchesBefore := dispatcher.dispatchCount()

	// The scheduler's stale snapshot loses the CAS quietly
	if _, err := svc.autoConfirm(ctx, expired[0]); err == nil {
		t.Error("Expected autoConfirm to lose the CAS")
	}
	if dispatcher.dispatchCount() != dispatchesBefore {
		t.Error("Lost CAS must not dispatch a payout")
	}

	sched.Sweep(ctx)
	if dispatcher.dispatchCount() != dispatchesBefore {
		t.Error("Sweep after buyer confirmation must not re-dispatch")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, testLogger())
	sched := NewScheduler(svc, store, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()

	// Let at least one tick fire
	time.Sleep(30 * time.Millisecond)
	if !sched.Running() {
		t.Error("Expected scheduler to report running")
	}

	sched.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Scheduler did not stop")
	}
	if sched.Running() {
		t.Error("Expected scheduler to report stopped")
	}
}

func TestScheduler_StopIsLatched(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, testLogger())
	sched := NewScheduler(svc, store, 10*time.Millisecond, testLogger())

	// A Stop issued before the loop is listening must still take effect.
	sched.Stop()
	sched.Stop() // second call is a no-op, not a panic

	done := make(chan struct{})
	go func() {
		sched.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Scheduler ignored a Stop issued while it was busy")
	}
}
