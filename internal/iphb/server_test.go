package iphb

import (
	"testing"
	"time"

	"dsmed/bus"
	"dsmed/internal/config"
	"dsmed/timer"
	"dsmed/types"
)

func newTestServer(start time.Time) (*Server, *time.Time) {
	now := start
	b := bus.NewBus(8)
	conn := b.NewConnection("test")
	s := New(conn, timer.New(), config.IPHB{SocketPath: "", KernelDevice: ""})
	s.now = func() time.Time { return now }
	return s, &now
}

func subscribeWakeup(s *Server) *bus.Subscription {
	return s.conn.Subscribe(types.TopicWakeup)
}

func expectWakeup(t *testing.T, sub *bus.Subscription) {
	t.Helper()
	select {
	case <-sub.Channel():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected a wakeup, got none")
	}
}

func expectNoWakeup(t *testing.T, sub *bus.Subscription) {
	t.Helper()
	select {
	case m := <-sub.Channel():
		t.Fatalf("expected no wakeup, got %v", m)
	case <-time.After(20 * time.Millisecond):
	}
}

// TestTwoPassCoalescing exercises spec.md §8 scenario 5: client A declares
// [min=5, max=60] and client B declares [min=10, max=20]. At t=20s B's
// maxtime elapses, which should also pull A along in the mintime pass since
// A has already waited past its own 5s mintime.
func TestTwoPassCoalescing(t *testing.T) {
	s, now := newTestServer(time.Unix(1000, 0))
	sub := subscribeWakeup(s)

	a := &client{pid: -1}
	bC := &client{pid: -1}
	s.clients[a] = struct{}{}
	s.clients[bC] = struct{}{}

	s.handleWait(a, reqFrame{Cmd: cmdWait, MinTime: 5, MaxTime: 60})
	s.handleWait(bC, reqFrame{Cmd: cmdWait, MinTime: 10, MaxTime: 20})

	*now = now.Add(20 * time.Second)
	s.recompute(false)

	if a.waiting() {
		t.Error("expected A to be woken by the coalesced mintime pass")
	}
	if bC.waiting() {
		t.Error("expected B to be woken by its own maxtime elapsing")
	}
	expectWakeup(t, sub)
	expectWakeup(t, sub)
}

// TestKernelWakeForcesMintimePassWithoutAnyMaxtimeCrossing exercises spec.md
// §4.3 line 130: pass 2 must run "if any client was woken in pass 1 (or
// kernel woke us)" even when no client's maxtime elapsed in this tick.
func TestKernelWakeForcesMintimePassWithoutAnyMaxtimeCrossing(t *testing.T) {
	s, now := newTestServer(time.Unix(5000, 0))
	sub := subscribeWakeup(s)

	a := &client{pid: -1}
	s.clients[a] = struct{}{}
	s.handleWait(a, reqFrame{Cmd: cmdWait, MinTime: 5, MaxTime: 3600})

	*now = now.Add(10 * time.Second) // past mintime, nowhere near maxtime

	s.recompute(false)
	if !a.waiting() {
		t.Fatal("without a forced pass, A's elapsed mintime alone must not wake it")
	}
	expectNoWakeup(t, sub)

	s.recompute(true)
	if a.waiting() {
		t.Error("expected the forced mintime pass (kernel wake) to wake A")
	}
	expectWakeup(t, sub)
}

func TestNoWakeBeforeMintimeOrMaxtime(t *testing.T) {
	s, now := newTestServer(time.Unix(2000, 0))
	sub := subscribeWakeup(s)

	a := &client{pid: -1}
	s.clients[a] = struct{}{}
	s.handleWait(a, reqFrame{Cmd: cmdWait, MinTime: 30, MaxTime: 60})

	*now = now.Add(5 * time.Second)
	s.recompute(false)

	if !a.waiting() {
		t.Error("A should still be waiting, neither mintime nor maxtime elapsed")
	}
	expectNoWakeup(t, sub)
}

func TestMaxtimeAloneWakesWithoutOthers(t *testing.T) {
	s, now := newTestServer(time.Unix(3000, 0))
	sub := subscribeWakeup(s)

	a := &client{pid: -1}
	s.clients[a] = struct{}{}
	s.handleWait(a, reqFrame{Cmd: cmdWait, MinTime: 5, MaxTime: 10})

	*now = now.Add(10 * time.Second)
	s.recompute(false)

	if a.waiting() {
		t.Error("expected A woken once its own maxtime elapsed")
	}
	expectWakeup(t, sub)
}

func TestSleepDurationIsSmallestRemainingMaxtime(t *testing.T) {
	s, now := newTestServer(time.Unix(4000, 0))

	a := &client{pid: -1}
	bC := &client{pid: -1}
	s.clients[a] = struct{}{}
	s.clients[bC] = struct{}{}
	s.handleWait(a, reqFrame{Cmd: cmdWait, MinTime: 5, MaxTime: 60})
	s.handleWait(bC, reqFrame{Cmd: cmdWait, MinTime: 10, MaxTime: 20})

	got := s.sleepDuration(*now)
	if got != 20*time.Second {
		t.Errorf("expected 20s (B's maxtime), got %v", got)
	}
}

func TestSleepDurationDefaultsWhenIdle(t *testing.T) {
	s, now := newTestServer(time.Unix(5000, 0))
	if got := s.sleepDuration(*now); got != defaultSleep {
		t.Errorf("expected default sleep of %v, got %v", defaultSleep, got)
	}
}

func TestWaitedSecondsSaturatesAtZero(t *testing.T) {
	c := &client{waitStarted: time.Unix(6000, 0)}
	if got := c.waitedSeconds(time.Unix(5999, 0)); got != 0 {
		t.Errorf("expected saturated 0, got %d", got)
	}
	if got := c.waitedSeconds(time.Unix(6010, 0)); got != 10 {
		t.Errorf("expected 10, got %d", got)
	}
}

func TestCancelWaitWithZeroZero(t *testing.T) {
	s, now := newTestServer(time.Unix(7000, 0))
	a := &client{pid: -1}
	s.clients[a] = struct{}{}
	s.handleWait(a, reqFrame{Cmd: cmdWait, MinTime: 5, MaxTime: 60})
	if !a.waiting() {
		t.Fatal("expected A to be waiting")
	}
	_ = now
	s.handleWait(a, reqFrame{Cmd: cmdWait})
	if a.waiting() {
		t.Error("expected cancel (mintime=maxtime=0) to stop the wait")
	}
}

func TestOnBusWaitRegistersAndReplacesByID(t *testing.T) {
	s, _ := newTestServer(time.Unix(8000, 0))
	s.onBusWait(&bus.Message{Payload: types.IPHBWaitReq{ID: "battery", MinTime: 5 * time.Second, MaxTime: 30 * time.Second}})
	if len(s.clients) != 1 {
		t.Fatalf("expected one registered waiter, got %d", len(s.clients))
	}
	c := s.byBusID["battery"]
	if c == nil || !c.waiting() {
		t.Fatal("expected the battery waiter to be registered and waiting")
	}
	s.onBusWait(&bus.Message{Payload: types.IPHBWaitReq{ID: "battery", MinTime: 10 * time.Second, MaxTime: 40 * time.Second}})
	if len(s.clients) != 1 {
		t.Errorf("expected re-registration to replace, not duplicate, got %d clients", len(s.clients))
	}
	if c.mintime != 10 || c.maxtime != 40 {
		t.Errorf("expected updated window 10/40, got %d/%d", c.mintime, c.maxtime)
	}
}
