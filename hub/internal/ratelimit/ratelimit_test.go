package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func newTestLimiter(rules map[Operation]Rule) (*Limiter, *time.Time) {
	l := New(rules)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllow_CeilingWithinWindow(t *testing.T) {
	l, now := newTestLimiter(DefaultRules())

	for i := 0; i < 30; i++ {
		res := l.Allow("u1", OpSendMessage)
		if !res.Allowed {
			t.Fatalf("call #%d denied", i+1)
		}
		if res.Remaining != 30-(i+1) {
			t.Errorf("call #%d: expected remaining %d, got %d", i+1, 30-(i+1), res.Remaining)
		}
		*now = now.Add(time.Second)
	}

	res := l.Allow("u1", OpSendMessage)
	if res.Allowed {
		t.Fatal("expected 31st call to be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", res.Remaining)
	}
	if !res.ResetAt.After(*now) {
		t.Errorf("expected reset_at in the future, got %v (now %v)", res.ResetAt, *now)
	}

	// Denied calls keep the original window.
	again := l.Allow("u1", OpSendMessage)
	if !again.ResetAt.Equal(res.ResetAt) {
		t.Errorf("denied call moved the window: %v != %v", again.ResetAt, res.ResetAt)
	}
}

func TestAllow_WindowReset(t *testing.T) {
	l, now := newTestLimiter(map[Operation]Rule{OpHistory: {Limit: 2, Window: time.Minute}})

	l.Allow("u1", OpHistory)
	first := l.Allow("u1", OpHistory)
	if !first.Allowed {
		t.Fatal("second call should be allowed")
	}
	if l.Allow("u1", OpHistory).Allowed {
		t.Fatal("third call should be denied")
	}

	*now = first.ResetAt
	res := l.Allow("u1", OpHistory)
	if !res.Allowed {
		t.Fatal("expected a fresh window at reset time")
	}
	if res.Remaining != 1 {
		t.Errorf("expected remaining 1, got %d", res.Remaining)
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(map[Operation]Rule{
		OpJoinRoom: {Limit: 1, Window: time.Minute},
		OpTyping:   {Limit: 1, Window: time.Minute},
	})

	if !l.Allow("u1", OpJoinRoom).Allowed {
		t.Fatal("u1 join should be allowed")
	}
	if !l.Allow("u1", OpTyping).Allowed {
		t.Fatal("u1 typing uses a separate bucket")
	}
	if !l.Allow("u2", OpJoinRoom).Allowed {
		t.Fatal("u2 join uses a separate bucket")
	}
	if l.Allow("u1", OpJoinRoom).Allowed {
		t.Fatal("u1 second join should be denied")
	}
}

func TestAllow_UnknownOperationDenied(t *testing.T) {
	l, _ := newTestLimiter(map[Operation]Rule{})
	if l.Allow("u1", OpSendMessage).Allowed {
		t.Fatal("operation without a rule must be denied")
	}
}

func TestSetRules(t *testing.T) {
	l, _ := newTestLimiter(map[Operation]Rule{OpTyping: {Limit: 1, Window: time.Minute}})
	l.Allow("u1", OpTyping)
	if l.Allow("u1", OpTyping).Allowed {
		t.Fatal("expected denial under old rule")
	}

	l.SetRules(map[Operation]Rule{OpTyping: {Limit: 3, Window: time.Minute}})
	if !l.Allow("u1", OpTyping).Allowed {
		t.Fatal("expected raised limit to apply to the open window")
	}
}

func TestCleanup(t *testing.T) {
	l, now := newTestLimiter(DefaultRules())
	l.Allow("u1", OpSendMessage)
	l.Allow("u2", OpSendMessage)

	*now = now.Add(30 * time.Second)
	l.Allow("u3", OpSendMessage)

	// Nothing has expired yet.
	if n := l.cleanup(time.Minute); n != 0 {
		t.Fatalf("expected 0 removed, got %d", n)
	}

	*now = now.Add(2 * time.Minute)
	if n := l.cleanup(time.Minute); n != 3 {
		t.Fatalf("expected 3 removed, got %d", n)
	}
	if l.Len() != 0 {
		t.Errorf("expected no buckets, got %d", l.Len())
	}
}

func TestAllow_ConcurrentNeverExceedsLimit(t *testing.T) {
	l, _ := newTestLimiter(map[Operation]Rule{OpSendMessage: {Limit: 30, Window: time.Minute}})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("u1", OpSendMessage).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 30 {
		t.Errorf("expected exactly 30 allowed, got %d", allowed)
	}
}
