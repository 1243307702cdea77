// Package battery is dsmed's battery tracker (spec.md §4.5, §4.6): on each
// IPHB WAKEUP it reads the charge percentage and charging status, classifies
// the reading into a bucket, and publishes SET_BATTERY for the state engine
// to fuse into its battery_empty condition bit. It owns the one-shot WARNING
// log and the ACTDEAD alarm-hold that withholds empty=true while an alarm is
// imminent, the same "request shutdown by publishing the fact, let the state
// engine own the debounce and the actual transition" split the alarm tracker
// uses for SET_ALARM.
//
// Like the other components it is a single event-loop goroutine (Run);
// reading the charge sysfs files is fast and non-blocking enough to happen
// directly on that loop, unlike lifeguard's process I/O or alarm's D-Bus
// connection.
package battery

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"dsmed/bus"
	"dsmed/internal/config"
	"dsmed/timer"
	"dsmed/types"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "battery")

const (
	chargePercentagePath = "/run/state/namespaces/Battery/ChargePercentage"
	isChargingPath       = "/run/state/namespaces/Battery/IsCharging"

	alarmHoldDuration = 60 * time.Second

	staleMinWait = 30 * time.Second
	staleMaxWait = 60 * time.Second
)

// bucketProfile is a bucket's polling cadence: the tracker asks IPHB for a
// wakeup window of [polling, polling+polling/2), tighter in the low buckets
// where a stale reading matters more. The profile holds only the polling
// period: it has no flag for waking the device during suspend, and every
// bucket's wait request has the same [polling, 1.5*polling) shape.
type bucketProfile struct {
	polling time.Duration
}

var profiles = map[types.BatteryBucket]bucketProfile{
	types.BucketFull:    {10 * time.Minute},
	types.BucketNormal:  {5 * time.Minute},
	types.BucketLow:     {2 * time.Minute},
	types.BucketWarning: {time.Minute},
	types.BucketEmpty:   {30 * time.Second},
}

// reading is what a charge source returns. ok is false when either sysfs
// file could not be read or parsed, mirroring the reading type's "valid"
// field (spec.md glossary).
type reading struct {
	percent    int
	isCharging bool
	ok         bool
}

// Tracker is the battery tracker's state. The zero value is not usable;
// use New.
type Tracker struct {
	conn *bus.Connection
	t    *timer.Engine
	cfg  config.Battery

	read func() reading

	bucket      types.BatteryBucket
	valid       bool
	warned      bool
	alarmActive bool
	state       types.State
	holdHandle  timer.Handle

	now func() time.Time
}

// New builds a Tracker. Run must be called to start polling.
func New(conn *bus.Connection, t *timer.Engine, cfg config.Battery) *Tracker {
	return &Tracker{
		conn:  conn,
		t:     t,
		cfg:   cfg,
		read:  readSysfs,
		state: types.StateNotSet,
		now:   time.Now,
	}
}

// Run subscribes to WAKEUP, STATE_CHANGE and the internal alarm-set bit,
// takes one reading immediately, and dispatches until ctx is cancelled. It
// blocks; call it in its own goroutine.
func (tr *Tracker) Run(ctx context.Context) error {
	wakeSub := tr.conn.Subscribe(types.TopicWakeup)
	defer tr.conn.Unsubscribe(wakeSub)
	stateSub := tr.conn.Subscribe(types.TopicStateChange)
	defer tr.conn.Unsubscribe(stateSub)
	alarmSub := tr.conn.Subscribe(types.TopicSetAlarm)
	defer tr.conn.Unsubscribe(alarmSub)

	tr.evaluate()

	wake := time.NewTimer(time.Hour)
	if !wake.Stop() {
		<-wake.C
	}
	defer wake.Stop()

	for {
		if d := tr.t.NextDeadline(); d >= 0 {
			wake.Reset(d)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-wakeSub.Channel():
			tr.evaluate()
		case m := <-stateSub.Channel():
			tr.state = m.Payload.(types.StateChange).State
		case m := <-alarmSub.Channel():
			tr.onAlarmActive(m.Payload.(types.SetAlarm).Set)
		case <-wake.C:
			tr.t.RunExpired()
		}
		if !wake.Stop() {
			select {
			case <-wake.C:
			default:
			}
		}
	}
}

// evaluate takes a reading, applies the WARNING and empty-shutdown policy,
// publishes SET_BATTERY, and schedules the next IPHB wait (spec.md §4.6).
func (tr *Tracker) evaluate() {
	r := tr.read()
	if !r.ok {
		log.Warn("battery reading unavailable, will retry")
		tr.valid = false
		tr.scheduleNext()
		return
	}
	tr.valid = true
	bucket := classify(tr.cfg, r.percent)
	tr.applyWarning(bucket)

	sendEmpty := tr.shouldSendEmpty(bucket, r.isCharging, r.percent)
	if bucket != types.BucketEmpty {
		tr.cancelHold()
	}
	tr.bucket = bucket

	tr.conn.Publish(&bus.Message{Topic: types.TopicSetBattery, Payload: types.SetBattery{
		Percent:     r.percent,
		Empty:       sendEmpty,
		Bucket:      bucket,
		IsCharging:  r.isCharging,
		AlarmActive: tr.alarmActive,
	}})

	tr.scheduleNext()
}

// applyWarning logs the one-shot WARNING and clears it once the bucket
// leaves WARNING for anything other than EMPTY (spec.md §4.6).
func (tr *Tracker) applyWarning(bucket types.BatteryBucket) {
	if bucket == types.BucketWarning {
		if !tr.warned {
			log.Warn("battery level low")
			tr.warned = true
		}
		return
	}
	if bucket != types.BucketEmpty {
		tr.warned = false
	}
}

// shouldSendEmpty implements the EMPTY-bucket shutdown policy (spec.md
// §4.6): request shutdown unless held off by an imminent alarm in ACTDEAD,
// or by charging (except the USER near-zero-percent override).
func (tr *Tracker) shouldSendEmpty(bucket types.BatteryBucket, charging bool, percent int) bool {
	if bucket != types.BucketEmpty {
		return false
	}
	if !charging {
		if tr.state == types.StateActdead && tr.alarmActive {
			tr.armHold()
			return false
		}
		return true
	}
	// charging == true
	if tr.state == types.StateActdead {
		return false // never shut down on EMPTY while charging in ACTDEAD
	}
	if tr.state == types.StateUser && percent < 1 {
		return true // forced shutdown override, spec.md §4.6
	}
	return false
}

// armHold starts the 60-second alarm-hold timer unless one is already
// pending (spec.md §4.6, §8 scenario 4).
func (tr *Tracker) armHold() {
	if tr.t.Pending(tr.holdHandle) {
		return
	}
	tr.holdHandle = tr.t.Create(alarmHoldDuration, func() bool {
		tr.evaluate()
		return false
	}, timer.Normal)
}

func (tr *Tracker) cancelHold() {
	tr.t.Destroy(tr.holdHandle)
}

// onAlarmActive reacts to the internal alarm-set bit flipping. When it
// clears while a hold is pending, re-evaluate immediately instead of
// waiting out the rest of the 60 seconds (spec.md §8 scenario 4: "if the
// alarm clears within 60s, empty is sent immediately").
func (tr *Tracker) onAlarmActive(set bool) {
	tr.alarmActive = set
	if !set && tr.t.Pending(tr.holdHandle) {
		tr.cancelHold()
		tr.evaluate()
	}
}

// scheduleNext asks IPHB for the next wakeup window, using the current
// bucket's polling profile, or the 30..60s default when the last reading
// was invalid (spec.md §4.6).
func (tr *Tracker) scheduleNext() {
	min, max := staleMinWait, staleMaxWait
	if tr.valid {
		if p, ok := profiles[tr.bucket]; ok {
			min = p.polling
			max = p.polling + p.polling/2
		}
	}
	tr.conn.Publish(&bus.Message{Topic: types.TopicIPHBWait, Payload: types.IPHBWaitReq{
		ID:      "battery",
		MinTime: min,
		MaxTime: max,
	}})
}

// classify buckets a percentage by descending config thresholds (spec.md
// §4.6).
func classify(cfg config.Battery, percent int) types.BatteryBucket {
	switch {
	case percent >= cfg.FullPercent:
		return types.BucketFull
	case percent >= cfg.NormalPercent:
		return types.BucketNormal
	case percent >= cfg.LowPercent:
		return types.BucketLow
	case percent >= cfg.WarningPercent:
		return types.BucketWarning
	default:
		return types.BucketEmpty
	}
}

// readSysfs reads the two kernel/device paths spec.md §7 names.
func readSysfs() reading {
	percent, err := readIntFile(chargePercentagePath)
	if err != nil {
		log.WithError(err).Debug("failed reading charge percentage")
		return reading{}
	}
	chargingRaw, err := readIntFile(isChargingPath)
	if err != nil {
		log.WithError(err).Debug("failed reading charging status")
		return reading{}
	}
	return reading{percent: percent, isCharging: chargingRaw != 0, ok: true}
}

func readIntFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(raw)))
}
