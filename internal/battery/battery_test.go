package battery

import (
	"testing"
	"time"

	"dsmed/bus"
	"dsmed/internal/config"
	"dsmed/timer"
	"dsmed/types"
)

func newTestTracker(t *testing.T, start time.Time) (*Tracker, *bus.Connection, *time.Time) {
	t.Helper()
	now := start
	b := bus.NewBus(8)
	conn := b.NewConnection("test")
	te := timer.New()
	te.SetClock(func() time.Time { return now })
	tr := New(conn, te, config.Default().Battery)
	tr.now = func() time.Time { return now }
	return tr, conn, &now
}

func setReading(tr *Tracker, percent int, charging bool) {
	tr.read = func() reading { return reading{percent: percent, isCharging: charging, ok: true} }
}

func recvSetBattery(t *testing.T, sub *bus.Subscription) types.SetBattery {
	t.Helper()
	select {
	case m := <-sub.Channel():
		return m.Payload.(types.SetBattery)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SET_BATTERY")
		return types.SetBattery{}
	}
}

func recvWaitReq(t *testing.T, sub *bus.Subscription) types.IPHBWaitReq {
	t.Helper()
	select {
	case m := <-sub.Channel():
		return m.Payload.(types.IPHBWaitReq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for IPHB wait request")
		return types.IPHBWaitReq{}
	}
}

func TestClassifyDescendingThresholds(t *testing.T) {
	cfg := config.Default().Battery
	cases := []struct {
		percent int
		want    types.BatteryBucket
	}{
		{100, types.BucketFull},
		{80, types.BucketFull},
		{79, types.BucketNormal},
		{20, types.BucketNormal},
		{19, types.BucketLow},
		{10, types.BucketLow},
		{9, types.BucketWarning},
		{3, types.BucketWarning},
		{2, types.BucketEmpty},
		{0, types.BucketEmpty},
	}
	for _, c := range cases {
		if got := classify(cfg, c.percent); got != c.want {
			t.Errorf("classify(%d) = %v, want %v", c.percent, got, c.want)
		}
	}
}

func TestEvaluate_PublishesSetBatteryAndSchedulesNextWait(t *testing.T) {
	tr, conn, _ := newTestTracker(t, time.Unix(1000, 0))
	setReading(tr, 50, true)
	battSub := conn.Subscribe(types.TopicSetBattery)
	waitSub := conn.Subscribe(types.TopicIPHBWait)

	tr.evaluate()

	got := recvSetBattery(t, battSub)
	if got.Percent != 50 || got.Bucket != types.BucketNormal || !got.IsCharging || got.Empty {
		t.Errorf("unexpected SET_BATTERY: %+v", got)
	}
	req := recvWaitReq(t, waitSub)
	if req.ID != "battery" || req.MinTime <= 0 || req.MaxTime < req.MinTime {
		t.Errorf("unexpected wait request: %+v", req)
	}
}

func TestEvaluate_EmptyNotChargingRequestsShutdown(t *testing.T) {
	tr, conn, _ := newTestTracker(t, time.Unix(1000, 0))
	setReading(tr, 1, false)
	battSub := conn.Subscribe(types.TopicSetBattery)
	conn.Subscribe(types.TopicIPHBWait)

	tr.evaluate()

	got := recvSetBattery(t, battSub)
	if !got.Empty {
		t.Error("expected empty=true when EMPTY and not charging outside ACTDEAD/alarm-hold")
	}
}

func TestEvaluate_ActdeadChargingNeverShutsDownOnEmpty(t *testing.T) {
	tr, conn, _ := newTestTracker(t, time.Unix(1000, 0))
	tr.state = types.StateActdead
	setReading(tr, 0, true)
	battSub := conn.Subscribe(types.TopicSetBattery)
	conn.Subscribe(types.TopicIPHBWait)

	tr.evaluate()

	got := recvSetBattery(t, battSub)
	if got.Empty {
		t.Error("expected empty=false: ACTDEAD while charging never shuts down on EMPTY")
	}
}

func TestEvaluate_UserChargingBelowOnePercentForcesShutdown(t *testing.T) {
	tr, conn, _ := newTestTracker(t, time.Unix(1000, 0))
	tr.state = types.StateUser
	setReading(tr, 0, true)
	battSub := conn.Subscribe(types.TopicSetBattery)
	conn.Subscribe(types.TopicIPHBWait)

	tr.evaluate()

	got := recvSetBattery(t, battSub)
	if !got.Empty {
		t.Error("expected forced empty=true in USER when charging but percent<1")
	}
}

func TestEvaluate_ActdeadAlarmActiveHoldsEmptyAndReevaluatesOnClear(t *testing.T) {
	tr, conn, _ := newTestTracker(t, time.Unix(1000, 0))
	tr.state = types.StateActdead
	tr.alarmActive = true
	setReading(tr, 0, false)
	battSub := conn.Subscribe(types.TopicSetBattery)
	conn.Subscribe(types.TopicIPHBWait)

	tr.evaluate()
	held := recvSetBattery(t, battSub)
	if held.Empty {
		t.Fatal("expected no empty sent yet while alarm-hold is pending")
	}
	if !tr.t.Pending(tr.holdHandle) {
		t.Fatal("expected the 60s alarm-hold timer to be armed")
	}

	tr.onAlarmActive(false)

	cleared := recvSetBattery(t, battSub)
	if !cleared.Empty {
		t.Error("expected empty=true to be sent immediately once the alarm clears")
	}
}

func TestEvaluate_LeavingWarningClearsWarnedFlagExceptToEmpty(t *testing.T) {
	tr, conn, _ := newTestTracker(t, time.Unix(1000, 0))
	conn.Subscribe(types.TopicSetBattery)
	conn.Subscribe(types.TopicIPHBWait)

	setReading(tr, 3, true)
	tr.evaluate()
	if !tr.warned {
		t.Fatal("expected warned to be set at bucket=WARNING")
	}

	setReading(tr, 0, true)
	tr.evaluate()
	if !tr.warned {
		t.Error("expected warned to remain set when moving from WARNING into EMPTY")
	}

	setReading(tr, 50, true)
	tr.evaluate()
	if tr.warned {
		t.Error("expected warned to clear once the bucket leaves WARNING for NORMAL")
	}
}

func TestEvaluate_InvalidReadingSkipsPublishAndUsesStaleWindow(t *testing.T) {
	tr, conn, _ := newTestTracker(t, time.Unix(1000, 0))
	tr.read = func() reading { return reading{} }
	battSub := conn.Subscribe(types.TopicSetBattery)
	waitSub := conn.Subscribe(types.TopicIPHBWait)

	tr.evaluate()

	select {
	case m := <-battSub.Channel():
		t.Fatalf("expected no SET_BATTERY on an invalid reading, got %+v", m.Payload)
	case <-time.After(20 * time.Millisecond):
	}
	req := recvWaitReq(t, waitSub)
	if req.MinTime != staleMinWait || req.MaxTime != staleMaxWait {
		t.Errorf("expected the default stale window, got %+v", req)
	}
}

func timeAfter() <-chan time.Time { return time.After(time.Millisecond) }
