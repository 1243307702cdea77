package timer

import (
	"testing"
	"time"
)

func newTestEngine(start time.Time) (*Engine, *time.Time) {
	cur := start
	e := New()
	e.now = func() time.Time { return cur }
	return e, &cur
}

func TestCreateAndFire(t *testing.T) {
	e, cur := newTestEngine(time.Unix(1000, 0))
	fired := false
	e.Create(2*time.Second, func() bool { fired = true; return false }, Normal)

	e.RunExpired()
	if fired {
		t.Fatal("fired before deadline")
	}

	*cur = cur.Add(2 * time.Second)
	e.RunExpired()
	if !fired {
		t.Fatal("did not fire at deadline")
	}
	if e.Len() != 0 {
		t.Fatalf("expected timer removed after firing, len=%d", e.Len())
	}
}

func TestDestroyCancelsPending(t *testing.T) {
	e, cur := newTestEngine(time.Unix(1000, 0))
	fired := false
	h := e.Create(time.Second, func() bool { fired = true; return false }, Normal)
	e.Destroy(h)

	*cur = cur.Add(time.Second)
	e.RunExpired()
	if fired {
		t.Fatal("destroyed timer fired")
	}
}

func TestDestroyFromOwnCallbackIsNoop(t *testing.T) {
	e, cur := newTestEngine(time.Unix(1000, 0))
	var h Handle
	h = e.Create(time.Second, func() bool {
		e.Destroy(h) // no-op: already firing
		return false
	}, Normal)

	*cur = cur.Add(time.Second)
	e.RunExpired() // must not panic or misbehave
	if e.Pending(h) {
		t.Fatal("handle should not be pending after it fired")
	}
}

func TestHighBeforeNormalSameTick(t *testing.T) {
	e, cur := newTestEngine(time.Unix(1000, 0))
	var order []string
	e.Create(time.Second, func() bool { order = append(order, "normal"); return false }, Normal)
	e.Create(time.Second, func() bool { order = append(order, "high"); return false }, High)

	*cur = cur.Add(time.Second)
	e.RunExpired()

	if len(order) != 2 || order[0] != "high" || order[1] != "normal" {
		t.Fatalf("expected [high normal], got %v", order)
	}
}

func TestRescheduleOnContinue(t *testing.T) {
	e, cur := newTestEngine(time.Unix(1000, 0))
	count := 0
	e.Create(time.Second, func() bool {
		count++
		return count < 3 // continue twice, then stop
	}, High)

	for i := 0; i < 3; i++ {
		*cur = cur.Add(time.Second)
		e.RunExpired()
	}
	if count != 3 {
		t.Fatalf("expected 3 fires, got %d", count)
	}
	if e.Len() != 0 {
		t.Fatalf("expected timer removed after returning false, len=%d", e.Len())
	}
}

func TestReentrantCreateDuringCallback(t *testing.T) {
	e, cur := newTestEngine(time.Unix(1000, 0))
	inner := false
	e.Create(time.Second, func() bool {
		e.Create(time.Second, func() bool { inner = true; return false }, Normal)
		return false
	}, Normal)

	*cur = cur.Add(time.Second)
	e.RunExpired()
	if e.Len() != 1 {
		t.Fatalf("expected the reentrantly created timer to be pending, len=%d", e.Len())
	}
	*cur = cur.Add(time.Second)
	e.RunExpired()
	if !inner {
		t.Fatal("reentrantly created timer never fired")
	}
}

func TestNextDeadline(t *testing.T) {
	e, _ := newTestEngine(time.Unix(1000, 0))
	if e.NextDeadline() >= 0 {
		t.Fatal("expected negative NextDeadline on empty engine")
	}
	e.Create(5*time.Second, func() bool { return false }, Normal)
	if d := e.NextDeadline(); d <= 0 || d > 5*time.Second {
		t.Fatalf("unexpected NextDeadline: %v", d)
	}
}
