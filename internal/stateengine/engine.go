// Package stateengine is dsmed's core: it fuses the condition bits arriving
// on the bus into the device's overall State and drives the delayed
// shutdown/runlevel/actdead/user transition timers (spec.md §4.1).
//
// Its event loop is the same shape as the teacher's HAL.Run
// (services/hal/internal/core/loop.go): one goroutine, one select, a reused
// wall-clock timer armed to the next deadline reported by the engine's own
// timer.Engine. Where HAL dispatches on a parsed capability topic, the engine
// dispatches on the concrete Go type of the message payload — the bus carries
// typed payloads already, so a type switch is the natural analogue of HAL's
// topic router.
package stateengine

import (
	"context"
	"time"

	"dsmed/bus"
	"dsmed/errcode"
	"dsmed/internal/config"
	"dsmed/timer"
	"dsmed/types"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "stateengine")

// delayKind identifies which of the mutually exclusive delayed transition
// timers is currently armed (spec.md §4.1 "Delayed timers", §5).
type delayKind int

const (
	delayNone delayKind = iota
	delayShutdown
	delayActdead
	delayUser
	delayMalf
)

// Engine owns every condition bit and the current State. It is not
// safe for concurrent use; every method must run on the goroutine executing
// Run (or before Run starts, from Start).
type Engine struct {
	conn *bus.Connection
	t    *timer.Engine
	cfg  config.Timers

	bits    types.Bits
	current types.State

	batteryPercent int

	delayKind   delayKind
	delayHandle timer.Handle

	overheatTimer           timer.Handle
	chargerDisconnectTimer  timer.Handle
	batteryEmptyTimer       timer.Handle

	stateSub *bus.Subscription
	malfSub  *bus.Subscription
}

// New builds an Engine. RnDMode and DirectUserActdead come from
// configuration rather than a build-time flag (spec.md §9 Design Notes).
func New(conn *bus.Connection, t *timer.Engine, cfg config.Timers, rndMode, directUserActdead bool) *Engine {
	return &Engine{
		conn: conn,
		t:    t,
		cfg:  cfg,
		bits: types.Bits{
			Charger: types.ChargerUnknown,
			RnDMode: rndMode,
			DirectUserActdead: directUserActdead,
		},
		current: types.StateNotSet,
	}
}

// Current reports the engine's present State. Safe to call from Run's own
// goroutine only; diagnostics go through STATE_QUERY on the bus instead.
func (e *Engine) Current() types.State { return e.current }

// Start initializes the condition bits from the boot environment
// (spec.md §4.1 "Bootstate parsing") and runs the first selection.
func (e *Engine) Start(bootstate string) {
	e.applyBootstate(bootstate)
	e.reselect()
}

// Run is the engine's event loop: it subscribes to every state-affecting
// topic plus the malfunction-entry topic, then dispatches messages and fires
// expired timers until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.stateSub = e.conn.Subscribe(bus.T("state", "#"))
	e.malfSub = e.conn.Subscribe(types.TopicEnterMalf)
	defer e.conn.Unsubscribe(e.stateSub)
	defer e.conn.Unsubscribe(e.malfSub)

	wake := time.NewTimer(time.Hour)
	if !wake.Stop() {
		<-wake.C
	}
	defer wake.Stop()

	for {
		if d := e.t.NextDeadline(); d < 0 {
			if !wake.Stop() {
				select {
				case <-wake.C:
				default:
				}
			}
		} else {
			wake.Reset(d)
		}

		select {
		case <-ctx.Done():
			return
		case msg := <-e.stateSub.Channel():
			e.dispatch(msg)
		case msg := <-e.malfSub.Channel():
			e.handleEnterMalf(msg)
		case <-wake.C:
		}

		e.t.RunExpired()

		if !wake.Stop() {
			select {
			case <-wake.C:
			default:
			}
		}
	}
}

func (e *Engine) dispatch(msg *bus.Message) {
	switch p := msg.Payload.(type) {
	case types.SetCharger:
		e.onSetCharger(p)
	case types.SetAlarm:
		e.bits.AlarmSet = p.Set
		e.reselect()
	case types.SetThermal:
		e.onSetThermal(p)
	case types.SetEmergencyCall:
		e.onSetEmergencyCall(p)
	case types.SetBattery:
		e.onSetBattery(p)
	case types.SetUSB:
		e.bits.MountedToPC = p.Mounted
	case types.ShutdownReq:
		e.onShutdownReq()
	case types.PowerupReq:
		e.onPowerupReq()
	case types.RebootReq:
		e.onRebootReq()
	case types.Telinit:
		e.onTelinit(p.Name)
	case types.StateQuery:
		e.conn.Reply(msg, types.StateQueryReply{State: e.current, AlarmSet: e.bits.AlarmSet}, false)
	case types.RunlevelSwitchDone:
		e.onRunlevelSwitchDone(p.Runlevel)
	case types.BaseBootDone:
		e.bits.InitHasCompleted = true
	case types.DbusConnect:
		log.Debug("dbus connected")
	case types.DbusDisconnect:
		log.Warn("dbus disconnected")
	default:
		// Our own STATE_CHANGE/SAVE_DATA/etc. broadcasts loop back on the
		// same "state/#" subscription; nothing to do with them here.
	}
}

func (e *Engine) handleEnterMalf(msg *bus.Message) {
	p, ok := msg.Payload.(types.EnterMalf)
	if !ok {
		return
	}
	log.WithFields(logrus.Fields{"reason": p.Reason, "component": p.Component}).Warn("entering malf")
	e.bits.Malf = true
	e.reselect()
}

// -----------------------------------------------------------------------------
// Selection and transition
// -----------------------------------------------------------------------------

// selectState implements the priority-ordered selector of spec.md §4.1.
func (e *Engine) selectState() types.State {
	switch {
	case e.bits.Malf:
		return types.StateMalf
	case e.bits.Local:
		return types.StateLocal
	case e.bits.Test:
		return types.StateTest
	case e.bits.BatteryEmpty:
		return types.StateShutoff
	case e.bits.DeviceOverheated:
		return types.StateShutoff
	case e.bits.ActdeadRequested:
		return types.StateActdead
	case e.bits.ShutdownRequested && e.bits.Charger == types.ChargerDisconnected && !e.bits.AlarmSet:
		return types.StateShutoff
	case e.bits.RebootRequested:
		return types.StateReboot
	case e.bits.ShutdownRequested || e.bits.RebootRequested:
		return types.StateActdead
	default:
		return types.StateUser
	}
}

// reselect re-evaluates selectState and applies the transition, unless the
// engine is frozen by an active emergency call (spec.md §4.1 rule 1, §8
// "While emergency_call=true, the current State does not change").
func (e *Engine) reselect() {
	if e.bits.EmergencyCall {
		return
	}
	e.applyTransition(e.selectState())
}

func (e *Engine) applyTransition(next types.State) {
	if next == e.current {
		return
	}

	// spec.md line 94: "Any CONNECT or STATE change cancels it" — any State
	// change away from ACTDEAD must cancel a pending charger-disconnect
	// debounce, not just an explicit CONNECT event, or a stale timer can
	// fire well after the device has moved on (e.g. a power-key-triggered
	// ACTDEAD->USER) and incorrectly flip bits.Charger from that context.
	if e.current == types.StateActdead {
		e.t.Destroy(e.chargerDisconnectTimer)
	}

	switch {
	case next == types.StateShutoff || next == types.StateReboot:
		e.publishSaveData()
		e.publishStateChange(next)
		e.current = next
		e.startDelayed(delayShutdown, 2*time.Second, func() bool {
			e.conn.Publish(&bus.Message{Topic: types.TopicHWWDKick, Payload: types.HWWDKick{}})
			e.conn.Publish(&bus.Message{Topic: types.TopicShutdown, Payload: types.Shutdown{Runlevel: types.RunlevelOf(e.current)}})
			return false
		})

	case next == types.StateUser && e.current == types.StateActdead:
		e.transitionActdeadToUser()

	case next == types.StateActdead && e.current == types.StateUser:
		e.transitionUserToActdead()

	case e.current == types.StateNotSet && (next == types.StateUser || next == types.StateActdead):
		e.current = next
		e.publishStateChange(next)

	case next == types.StateTest || next == types.StateLocal:
		if e.current == types.StateNotSet {
			e.current = next
			e.publishStateChange(next)
		}

	case next == types.StateMalf:
		e.current = next
		e.publishStateChange(next)
		if !e.bits.RnDMode {
			e.startDelayed(delayMalf, 120*time.Second, func() bool {
				e.bits.ShutdownRequested = true
				e.applyTransition(types.StateShutoff)
				return false
			})
		}

	default:
		e.current = next
		e.publishStateChange(next)
	}
}

func (e *Engine) transitionActdeadToUser() {
	if e.batteryPercent < 3 {
		e.bits.ShutdownRequested = true
		log.Warn("denying ACTDEAD->USER: battery below 3%")
		return
	}
	if !e.bits.DirectUserActdead {
		e.applyTransition(types.StateReboot)
		return
	}
	delay := e.userDelay()
	e.current = types.StateUser
	e.publishStateChange(types.StateUser)
	e.startDelayed(delayUser, delay, func() bool {
		e.conn.Publish(&bus.Message{Topic: types.TopicChangeRunlevel, Payload: types.ChangeRunlevel{Runlevel: types.RunlevelUser}})
		return false
	})
}

func (e *Engine) transitionUserToActdead() {
	if !e.bits.DirectUserActdead {
		e.applyTransition(types.StateShutoff)
		return
	}
	delay := e.userDelay()
	e.current = types.StateActdead
	e.publishStateChange(types.StateActdead)
	e.startDelayed(delayActdead, delay, func() bool {
		e.conn.Publish(&bus.Message{Topic: types.TopicChangeRunlevel, Payload: types.ChangeRunlevel{Runlevel: types.RunlevelActdead}})
		return false
	})
}

// userDelay picks between the fast (2s) and slow (45s) delayed-transition
// window per spec.md §4.1: once init has finished booting, the switch can
// be fast; during early boot it waits out the long window.
func (e *Engine) userDelay() time.Duration {
	if e.bits.InitHasCompleted {
		return 2 * time.Second
	}
	return 45 * time.Second
}

// startDelayed cancels whatever delayed timer is currently armed (at most
// one of {shutdown, actdead, user, malf} may be active, spec.md §4.1/§5) and
// arms a new one.
func (e *Engine) startDelayed(kind delayKind, after time.Duration, cb timer.Callback) {
	e.cancelDelayed()
	e.delayKind = kind
	e.delayHandle = e.t.Create(after, func() bool {
		// Mark the slot free before running cb: cb may itself start a new
		// delayed timer (e.g. the shutdown-grace timer started by the MALF
		// auto-shutdown callback), and that call must not think one is
		// already pending.
		e.delayKind = delayNone
		return cb()
	}, timer.Normal)
}

func (e *Engine) cancelDelayed() {
	if e.delayKind != delayNone {
		e.t.Destroy(e.delayHandle)
		e.delayKind = delayNone
	}
}

// fireDelayedNow runs the pending delayed timer's callback immediately and
// cancels the scheduled firing, used by onRunlevelSwitchDone (spec.md §4.1
// "if the matching opposite-direction timer is pending, fire it
// immediately").
func (e *Engine) fireDelayedNow() {
	if e.delayKind == delayNone {
		return
	}
	e.t.FireNow(e.delayHandle)
}

func (e *Engine) publishStateChange(s types.State) {
	e.conn.Publish(&bus.Message{Topic: types.TopicStateChange, Payload: types.StateChange{State: s}, Retained: true})
}

func (e *Engine) publishSaveData() {
	e.conn.Publish(&bus.Message{Topic: types.TopicSaveData, Payload: types.SaveDataInd{}})
}

// -----------------------------------------------------------------------------
// Event handlers
// -----------------------------------------------------------------------------

func (e *Engine) onSetCharger(p types.SetCharger) {
	prior := e.bits.Charger
	if e.current == types.StateActdead && prior != types.ChargerUnknown &&
		prior == types.ChargerConnected && p.State == types.ChargerDisconnected {
		e.t.Destroy(e.chargerDisconnectTimer)
		e.chargerDisconnectTimer = e.t.Create(e.chargerDebounce(), func() bool {
			e.bits.Charger = types.ChargerDisconnected
			e.reselect()
			return false
		}, timer.Normal)
		return
	}
	if p.State == types.ChargerConnected {
		e.t.Destroy(e.chargerDisconnectTimer)
	}
	e.bits.Charger = p.State
	e.reselect()
}

func (e *Engine) chargerDebounce() time.Duration {
	if e.cfg.ChargerDisconnectDebounce > 0 {
		return e.cfg.ChargerDisconnectDebounce
	}
	return 15 * time.Second
}

func (e *Engine) onSetThermal(p types.SetThermal) {
	if e.bits.DeviceOverheated {
		return // monotonic towards OVERHEATED, spec.md §3
	}
	if p.Status != types.ThermalOverheated {
		return
	}
	if e.t.Pending(e.overheatTimer) {
		return
	}
	debounce := e.cfg.OverheatDebounce
	if debounce <= 0 {
		debounce = 8 * time.Second
	}
	e.overheatTimer = e.t.Create(debounce, func() bool {
		e.bits.DeviceOverheated = true
		e.reselect()
		return false
	}, timer.Normal)
}

func (e *Engine) onSetEmergencyCall(p types.SetEmergencyCall) {
	if p.Active {
		e.bits.EmergencyCall = true
		e.cancelDelayed()
		return
	}
	e.bits.EmergencyCall = false
	e.reselect()
}

func (e *Engine) onSetBattery(p types.SetBattery) {
	e.batteryPercent = p.Percent
	if p.Empty && !e.bits.BatteryEmpty {
		e.conn.Publish(&bus.Message{Topic: types.TopicBatteryEmpty, Payload: types.BatteryEmptyInd{}})
		debounce := e.cfg.BatteryEmptyDebounce
		if debounce <= 0 {
			debounce = 8 * time.Second
		}
		e.t.Destroy(e.batteryEmptyTimer)
		e.batteryEmptyTimer = e.t.Create(debounce, func() bool {
			e.bits.BatteryEmpty = true
			e.reselect()
			return false
		}, timer.Normal)
	}
	if !p.Empty {
		e.t.Destroy(e.batteryEmptyTimer)
		if e.bits.BatteryEmpty {
			e.bits.BatteryEmpty = false
			e.reselect()
		}
	}
}

// onShutdownReq and onRebootReq enforce the USB mount denial rule
// (spec.md §4.1, §8): a user-originated request that would move the device
// towards SHUTDOWN or REBOOT while mounted_to_pc is true is refused outright.
func (e *Engine) onShutdownReq() {
	if e.bits.MountedToPC {
		e.publishDenied(types.StateShutoff)
		return
	}
	e.bits.ShutdownRequested = true
	e.reselect()
}

func (e *Engine) onRebootReq() {
	if e.bits.MountedToPC {
		e.publishDenied(types.StateReboot)
		return
	}
	e.bits.RebootRequested = true
	e.reselect()
}

func (e *Engine) onPowerupReq() {
	e.bits.ShutdownRequested = false
	e.bits.ActdeadRequested = false
	e.reselect()
}

func (e *Engine) publishDenied(s types.State) {
	e.conn.Publish(&bus.Message{Topic: types.TopicStateReqDenied, Payload: types.StateReqDenied{State: s, Reason: "usb"}})
}

func (e *Engine) onTelinit(name string) {
	switch name {
	case "0", "SHUTDOWN":
		e.onShutdownReq()
	case "6", "REBOOT":
		e.onRebootReq()
	case "2", "USER":
		e.onPowerupReq()
	case "5", "ACTDEAD", "ACT_DEAD":
		// The USB-mount denial rule (spec.md lines 88, 250) is scoped to
		// "any SHUTDOWN or REBOOT request", not ACTDEAD — unlike
		// onShutdownReq/onRebootReq above, this is never refused.
		e.bits.ActdeadRequested = true
		e.reselect()
	case "10", "LOCAL":
		e.bits.Local = true
		e.reselect()
	default:
		log.WithField("name", name).WithField("code", errcode.InvalidTelinit).Warn("unrecognized telinit request, ignoring")
	}
}

func (e *Engine) onRunlevelSwitchDone(runlevel int) {
	switch types.Runlevel(runlevel) {
	case types.RunlevelActdead:
		e.bits.ActdeadSwitchDone = true
		if e.delayKind == delayUser {
			e.fireDelayedNow()
		}
	case types.RunlevelUser:
		e.bits.UserSwitchDone = true
		if e.delayKind == delayActdead {
			e.fireDelayedNow()
		}
	}
}

// applyBootstate implements spec.md §4.1 "Bootstate parsing".
func (e *Engine) applyBootstate(bootstate string) {
	switch {
	case bootstate == "SHUTDOWN":
		e.bits.Charger = types.ChargerDisconnected
		e.bits.ShutdownRequested = true
	case hasPrefix(bootstate, "USER"):
		// no-op; trailing MALF info would trigger MALF unless R&D mode, but
		// dsmed has no calibration-block parser to surface that here.
	case hasPrefix(bootstate, "ACT_DEAD"):
		e.bits.ShutdownRequested = true
	case bootstate == "BOOT":
		e.bits.RebootRequested = true
	case bootstate == "LOCAL":
		e.bits.Local = true
	case bootstate == "TEST" || bootstate == "FLASH":
		e.bits.Test = true
	case hasPrefix(bootstate, "MALF"):
		e.bits.Malf = true
	default:
		e.bits.Malf = true
		log.WithField("bootstate", bootstate).Warn("unrecognized bootstate, entering malf: SOFTWARE bootloader unknown bootreason")
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
