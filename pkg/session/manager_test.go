package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/duet-ai/duet-orchestrator/pkg/backpressure"
)

func TestManager_CreateAndGet(t *testing.T) {
	m := NewManager(10, time.Minute, nil)

	s, err := m.Create(context.Background(), Config{TenantID: "acme"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ID == "" {
		t.Error("expected a generated session id")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Config.TenantID != "acme" {
		t.Errorf("expected tenant acme, got %q", got.Config.TenantID)
	}
}

func TestManager_GetUnknownReturnsNotFound(t *testing.T) {
	m := NewManager(10, time.Minute, nil)
	_, err := m.Get("nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_RejectsAtCapacityWithoutBackpressure(t *testing.T) {
	m := NewManager(1, time.Minute, nil)

	_, err := m.Create(context.Background(), Config{})
	if err != nil {
		t.Fatalf("unexpected error admitting first session: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Create(ctx, Config{})
	if !errors.Is(err, ErrCapacityExhausted) {
		t.Errorf("expected ErrCapacityExhausted, got %v", err)
	}
}

func TestManager_ActiveCountNeverExceedsCap(t *testing.T) {
	m := NewManager(3, time.Minute, nil)

	var wg sync.WaitGroup
	admitted := 0
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			if _, err := m.Create(ctx, Config{}); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted > 3 {
		t.Errorf("expected at most 3 admitted sessions, got %d", admitted)
	}
	if m.ActiveCount() > 3 {
		t.Errorf("active count %d exceeds cap 3", m.ActiveCount())
	}
}

func TestManager_RejectsImmediatelyAtSessionRejectLevel(t *testing.T) {
	bp := backpressure.NewController(nil)
	bp.Evaluate(backpressure.Metrics{ErrorRatePct: 10, MaxSessions: 100})

	m := NewManager(100, time.Minute, bp)
	_, err := m.Create(context.Background(), Config{})
	if !errors.Is(err, ErrCapacityExhausted) {
		t.Errorf("expected ErrCapacityExhausted at SESSION_REJECT level, got %v", err)
	}
}

func TestManager_QueuesAtSessionQueueLevelAndAdmitsOnFreedSlot(t *testing.T) {
	bp := backpressure.NewController(nil)
	bp.Evaluate(backpressure.Metrics{VRAMPercent: 96, MaxSessions: 2}) // SESSION_QUEUE

	m := NewManager(1, time.Minute, bp)
	first, err := m.Create(context.Background(), Config{})
	if err != nil {
		t.Fatalf("unexpected error admitting first session: %v", err)
	}

	done := make(chan struct{})
	var queuedErr error
	go func() {
		_, queuedErr = m.Create(context.Background(), Config{})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond) // let the goroutine join the wait queue
	m.Close(first.ID)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued Create never completed after a slot freed")
	}
	if queuedErr != nil {
		t.Errorf("expected queued session to be admitted, got %v", queuedErr)
	}
}

// TestManager_ConcurrentCreateAndQueueWakeupNeverExceedsCap races a
// freshly-arriving direct Create against a queued waiter's wakeup for the
// same just-freed slot. Only one of them may win it — a waiter woken from
// the FIFO queue must recheck capacity rather than admit unconditionally,
// or both can be admitted past the cap.
func TestManager_ConcurrentCreateAndQueueWakeupNeverExceedsCap(t *testing.T) {
	bp := backpressure.NewController(nil)
	bp.Evaluate(backpressure.Metrics{VRAMPercent: 96, MaxSessions: 100}) // SESSION_QUEUE

	for i := 0; i < 20; i++ {
		m := NewManager(2, time.Minute, bp)
		s1, err := m.Create(context.Background(), Config{})
		if err != nil {
			t.Fatalf("iteration %d: unexpected error admitting s1: %v", i, err)
		}
		if _, err := m.Create(context.Background(), Config{}); err != nil {
			t.Fatalf("iteration %d: unexpected error admitting s2: %v", i, err)
		}

		joined := make(chan struct{})
		waiterDone := make(chan error, 1)
		go func() {
			close(joined)
			ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
			defer cancel()
			_, err := m.Create(ctx, Config{})
			waiterDone <- err
		}()
		<-joined
		time.Sleep(5 * time.Millisecond) // let the waiter register before the slot frees

		start := make(chan struct{})
		directDone := make(chan error, 1)
		go func() {
			<-start
			ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
			defer cancel()
			_, err := m.Create(ctx, Config{})
			directDone <- err
		}()
		close(start)
		m.Close(s1.ID)

		waiterErr := <-waiterDone
		directErr := <-directDone

		admitted := 0
		if waiterErr == nil {
			admitted++
		}
		if directErr == nil {
			admitted++
		}
		if admitted != 1 {
			t.Fatalf("iteration %d: expected exactly one of the queued waiter/direct Create to win the single freed slot, got %d admitted (waiterErr=%v directErr=%v)", i, admitted, waiterErr, directErr)
		}
		if got := m.ActiveCount(); got > 2 {
			t.Fatalf("iteration %d: active count %d exceeds cap 2", i, got)
		}
	}
}

func TestManager_AdmissionTimeoutWhenQueueNeverDrains(t *testing.T) {
	bp := backpressure.NewController(nil)
	bp.Evaluate(backpressure.Metrics{VRAMPercent: 96, MaxSessions: 2})

	m := NewManager(1, time.Minute, bp)
	_, err := m.Create(context.Background(), Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	start := time.Now()
	_, err = m.Create(context.Background(), Config{})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrAdmissionTimeout) {
		t.Errorf("expected ErrAdmissionTimeout, got %v", err)
	}
	if elapsed < AdmissionDeadline {
		t.Errorf("expected to wait at least the admission deadline, waited %v", elapsed)
	}
}

func TestManager_IdleSweepExpiresAndInvokesHook(t *testing.T) {
	m := NewManager(10, 10*time.Millisecond, nil)

	var expired []*Session
	var mu sync.Mutex
	m.SetExpireHook(func(s *Session) {
		mu.Lock()
		expired = append(expired, s)
		mu.Unlock()
	})

	s, _ := m.Create(context.Background(), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)

	if _, err := m.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Error("expected session to be swept after idle timeout")
	}
	mu.Lock()
	n := len(expired)
	mu.Unlock()
	if n != 1 {
		t.Errorf("expected expire hook called once, got %d", n)
	}
}
