// Package watchdog is dsmed's watchdog kicker (spec.md §4.7), grounded on
// the teacher's services/heartbeat/service.go: both are a single ticking
// loop that emits a bus event every tick. The teacher's heartbeat reads its
// period from a retained config message; the kicker takes its period from
// config.Watchdog when it is built. The kicker generalizes that shape from a
// plain time.Ticker to a timer.Engine so its kick runs at HIGH priority
// relative to any other timer on that engine, and adds the actual
// hardware/systemd liveness signaling the teacher's heartbeat never needed.
package watchdog

import (
	"context"
	"os"
	"time"

	"dsmed/bus"
	"dsmed/internal/config"
	"dsmed/timer"
	"dsmed/types"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var log = logrus.WithField("component", "watchdog")

// Kicker periodically kicks the hardware and software watchdog devices,
// notifies systemd of liveness, and broadcasts a HEARTBEAT message other
// components (lifeguard, the alarm/battery trackers) can use as a coarse
// "dsmed is alive" signal.
type Kicker struct {
	conn *bus.Connection
	t    *timer.Engine

	hwPath, swPath string
	period         time.Duration

	hw, sw *os.File
	handle timer.Handle

	memLocked bool
}

// New builds a Kicker from cfg. Opening the watchdog device files is
// deferred to Start, since /dev/watchdog* may not exist outside a real
// device (or a test's fake path).
func New(conn *bus.Connection, t *timer.Engine, cfg config.Watchdog) *Kicker {
	period := cfg.Period
	if period <= 0 {
		period = 15 * time.Second
	}
	return &Kicker{
		conn:   conn,
		t:      t,
		hwPath: cfg.HWDevice,
		swPath: cfg.SWDevice,
		period: period,
	}
}

// Start locks the process's memory pages (best-effort, logged not fatal —
// a build running under a container without CAP_IPC_LOCK still has to run),
// opens whichever watchdog device files exist, and schedules the recurring
// HIGH-priority kick. Calling Start twice is a no-op.
func (k *Kicker) Start() {
	if k.handle != (timer.Handle{}) && k.t.Pending(k.handle) {
		return
	}
	k.lockMemory()
	k.hw = openWatchdog(k.hwPath)
	k.sw = openWatchdog(k.swPath)

	k.handle = k.t.Create(k.period, k.tick, timer.High)
	// Fire once immediately so the watchdog devices and systemd get a first
	// kick without waiting a full period.
	k.tick()
}

// Stop closes the open watchdog device files. On most kernels closing
// /dev/watchdog without first writing the magic close character ('V')
// leaves the watchdog armed and the board reboots — that is dsmed's
// intended behavior on a crash, so Stop does not write it.
func (k *Kicker) Stop() {
	k.t.Destroy(k.handle)
	closeWatchdog(k.hw)
	closeWatchdog(k.sw)
}

// Run subscribes to HWWD_KICK and drives the recurring kick timer until ctx
// is cancelled. Start must be called first so the timer and device files
// already exist. It blocks; call it in its own goroutine.
func (k *Kicker) Run(ctx context.Context) {
	kickSub := k.conn.Subscribe(types.TopicHWWDKick)
	defer k.conn.Unsubscribe(kickSub)

	wake := time.NewTimer(time.Hour)
	if !wake.Stop() {
		<-wake.C
	}
	defer wake.Stop()

	for {
		if d := k.t.NextDeadline(); d >= 0 {
			wake.Reset(d)
		}
		select {
		case <-ctx.Done():
			return
		case <-kickSub.Channel():
			// spec.md §4.6/§6: a HWWD_KICK message forces an immediate kick
			// and resets the periodic timer, rather than waiting for it.
			k.t.FireNow(k.handle)
		case <-wake.C:
			k.t.RunExpired()
		}
		if !wake.Stop() {
			select {
			case <-wake.C:
			default:
			}
		}
	}
}

func (k *Kicker) tick() bool {
	kickWatchdog(k.hw)
	kickWatchdog(k.sw)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		log.WithError(err).Warn("sd_notify watchdog kick failed")
	} else if ok {
		log.Trace("sd_notify watchdog kick sent")
	}

	now := time.Now()
	k.conn.Publish(&bus.Message{Topic: types.TopicHeartbeat, Payload: types.Heartbeat{At: now}})
	return true
}

// NotifyReady tells systemd dsmed has finished its startup sequence
// (spec.md §4.7: readiness is distinct from the recurring liveness kick).
func (k *Kicker) NotifyReady() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Warn("sd_notify ready failed")
	} else if !ok {
		log.Debug("sd_notify: not running under systemd supervision")
	}
}

func (k *Kicker) lockMemory() {
	if k.memLocked {
		return
	}
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		log.WithError(err).Warn("mlockall failed, continuing without memory lock")
		return
	}
	k.memLocked = true
}

func openWatchdog(path string) *os.File {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		log.WithError(err).WithField("path", path).Debug("watchdog device unavailable")
		return nil
	}
	return f
}

func kickWatchdog(f *os.File) {
	if f == nil {
		return
	}
	if _, err := f.Write([]byte{0}); err != nil {
		log.WithError(err).Warn("watchdog kick write failed")
	}
}

func closeWatchdog(f *os.File) {
	if f == nil {
		return
	}
	_ = f.Close()
}
