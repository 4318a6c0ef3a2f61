package quota

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestTracker(t *testing.T, opts Options) (*Tracker, *time.Time) {
	t.Helper()
	tr := New(opts, slog.Default())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestAdmitConnection_Ceiling(t *testing.T) {
	tr, _ := newTestTracker(t, Options{MaxConnections: 3})

	for i := 0; i < 3; i++ {
		if err := tr.AdmitConnection("u1", fmt.Sprintf("c%d", i)); err != nil {
			t.Fatalf("admit #%d: %v", i+1, err)
		}
	}

	err := tr.AdmitConnection("u1", "c3")
	if !errors.Is(err, ErrConnectionLimit) {
		t.Fatalf("expected ErrConnectionLimit, got %v", err)
	}
	if n := tr.Connections("u1"); n != 3 {
		t.Errorf("expected 3 live connections, got %d", n)
	}

	// Other users are unaffected.
	if err := tr.AdmitConnection("u2", "c0"); err != nil {
		t.Errorf("admit for other user: %v", err)
	}
}

func TestAdmitConnection_SameIDIsIdempotent(t *testing.T) {
	tr, _ := newTestTracker(t, Options{MaxConnections: 1})

	if err := tr.AdmitConnection("u1", "c1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.AdmitConnection("u1", "c1"); err != nil {
		t.Fatalf("re-admitting held connection should succeed: %v", err)
	}
	if n := tr.Connections("u1"); n != 1 {
		t.Errorf("expected 1 connection, got %d", n)
	}
}

func TestReleaseConnection(t *testing.T) {
	tr, _ := newTestTracker(t, Options{MaxConnections: 2})

	_ = tr.AdmitConnection("u1", "c1")
	_ = tr.AdmitConnection("u1", "c2")
	if err := tr.AdmitConnection("u1", "c3"); err == nil {
		t.Fatal("expected denial at ceiling")
	}

	tr.ReleaseConnection("u1", "c1")
	if err := tr.AdmitConnection("u1", "c3"); err != nil {
		t.Fatalf("admit after release: %v", err)
	}

	tr.ReleaseConnection("u1", "c2")
	tr.ReleaseConnection("u1", "c3")
	users, conns := tr.Stats()
	if users != 0 || conns != 0 {
		t.Errorf("expected empty tracker, got users=%d conns=%d", users, conns)
	}

	// Releasing again is a no-op.
	tr.ReleaseConnection("u1", "c3")
	tr.ReleaseConnection("nobody", "c9")
}

func TestRecordAttempt_Window(t *testing.T) {
	tr, now := newTestTracker(t, Options{MaxAttempts: 5, AttemptWindow: 5 * time.Minute})

	for i := 0; i < 5; i++ {
		if err := tr.RecordAttempt("u1"); err != nil {
			t.Fatalf("attempt #%d: %v", i+1, err)
		}
		*now = now.Add(10 * time.Second)
	}
	if err := tr.RecordAttempt("u1"); !errors.Is(err, ErrAttemptLimit) {
		t.Fatalf("expected ErrAttemptLimit on 6th attempt, got %v", err)
	}

	// Window elapsed since the last attempt: counter restarts.
	*now = now.Add(5*time.Minute + time.Second)
	if err := tr.RecordAttempt("u1"); err != nil {
		t.Fatalf("attempt after window: %v", err)
	}
}

func TestPruneAttempts(t *testing.T) {
	tr, now := newTestTracker(t, Options{AttemptWindow: time.Minute})

	_ = tr.RecordAttempt("u1")
	_ = tr.RecordAttempt("u2")
	*now = now.Add(2 * time.Minute)
	_ = tr.RecordAttempt("u3")

	if n := tr.PruneAttempts(); n != 2 {
		t.Errorf("expected 2 pruned, got %d", n)
	}
}

func TestAdmitConnection_Concurrent(t *testing.T) {
	tr, _ := newTestTracker(t, Options{MaxConnections: 5})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if tr.AdmitConnection("u1", fmt.Sprintf("c%d", i)) == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if admitted != 5 {
		t.Errorf("expected exactly 5 admitted, got %d", admitted)
	}
	if n := tr.Connections("u1"); n != 5 {
		t.Errorf("expected 5 live connections, got %d", n)
	}
}
