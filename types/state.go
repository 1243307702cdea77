// Package types holds the dsmed data model: the State/Runlevel enumerations,
// the condition bits the state engine fuses, and the payload structs carried
// on the bus topics named in spec.md §6.
package types

// State is the device's overall operating state (spec.md §3).
// The integer codes are stable and match the legacy wire values.
type State int

const (
	StateNotSet  State = -1
	StateShutoff State = 0
	StateUser    State = 2
	StateActdead State = 5
	StateReboot  State = 6
	StateTest    State = 7
	StateLocal   State = 8
	StateMalf    State = 9
	StateBoot    State = 10
)

func (s State) String() string {
	switch s {
	case StateNotSet:
		return "NOT_SET"
	case StateShutoff:
		return "SHUTDOWN"
	case StateUser:
		return "USER"
	case StateActdead:
		return "ACTDEAD"
	case StateReboot:
		return "REBOOT"
	case StateTest:
		return "TEST"
	case StateLocal:
		return "LOCAL"
	case StateMalf:
		return "MALF"
	case StateBoot:
		return "BOOT"
	default:
		return "UNKNOWN"
	}
}

// Runlevel is the Unix runlevel a State maps onto for telinit/systemctl.
type Runlevel int

const (
	RunlevelShutdown Runlevel = 0
	RunlevelUser     Runlevel = 2
	RunlevelActdead  Runlevel = 5
	RunlevelReboot   Runlevel = 6
	RunlevelTest     Runlevel = 7
	RunlevelMalf     Runlevel = 8
	RunlevelLocal    Runlevel = 10
)

// RunlevelOf maps a State to its Runlevel (spec.md §3, §9).
//
// The legacy implementation's state2runlevel was missing a break after
// LOCAL, so LOCAL fell through into the ACTDEAD case. dsmed picks the
// non-falling-through reading: LOCAL keeps its own runlevel. See DESIGN.md
// "Open Questions" for the rationale.
func RunlevelOf(s State) Runlevel {
	switch s {
	case StateShutoff:
		return RunlevelShutdown
	case StateUser:
		return RunlevelUser
	case StateActdead:
		return RunlevelActdead
	case StateReboot:
		return RunlevelReboot
	case StateTest:
		return RunlevelTest
	case StateMalf:
		return RunlevelMalf
	case StateLocal:
		return RunlevelLocal
	default:
		return RunlevelShutdown
	}
}

// ChargerState is the tri-state charger-connection bit.
type ChargerState int

const (
	ChargerUnknown ChargerState = iota
	ChargerConnected
	ChargerDisconnected
)

func (c ChargerState) String() string {
	switch c {
	case ChargerConnected:
		return "CONNECTED"
	case ChargerDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// ThermalStatus is monotonic towards Overheated: once overheated, a NORMAL
// reading never downgrades it (spec.md §3).
type ThermalStatus int

const (
	ThermalNormal ThermalStatus = iota
	ThermalLowTemp
	ThermalOverheated
)

// BatteryBucket is the discrete battery-level class governing polling
// cadence and shutdown policy (spec.md §4.5).
type BatteryBucket int

const (
	BucketFull BatteryBucket = iota
	BucketNormal
	BucketLow
	BucketWarning
	BucketEmpty
)

func (b BatteryBucket) String() string {
	switch b {
	case BucketFull:
		return "FULL"
	case BucketNormal:
		return "NORMAL"
	case BucketLow:
		return "LOW"
	case BucketWarning:
		return "WARNING"
	case BucketEmpty:
		return "EMPTY"
	default:
		return "UNKNOWN"
	}
}

// SupervisedAction is the exit policy attached to a lifeguard process
// (spec.md §3).
type SupervisedAction int

const (
	ActionOnce SupervisedAction = iota
	ActionRespawn
	ActionRespawnFail
	ActionReset
)

func (a SupervisedAction) String() string {
	switch a {
	case ActionOnce:
		return "ONCE"
	case ActionRespawn:
		return "RESPAWN"
	case ActionRespawnFail:
		return "RESPAWN_FAIL"
	case ActionReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// TimerPriority is the timer engine's strict two-tier priority (spec.md
// §4.2): HIGH timers run before NORMAL timers expiring in the same tick.
type TimerPriority int

const (
	PriorityNormal TimerPriority = iota
	PriorityHigh
)

// Bits is the full set of condition bits the state engine fuses into a
// State (spec.md §3). It is owned exclusively by the state engine's event
// loop goroutine; nothing else mutates it directly.
type Bits struct {
	Charger            ChargerState
	AlarmSet           bool
	DeviceOverheated   bool
	EmergencyCall      bool
	MountedToPC        bool
	BatteryEmpty       bool
	ShutdownRequested  bool
	ActdeadRequested   bool
	RebootRequested    bool
	Test               bool
	Local              bool
	Malf               bool
	ActdeadSwitchDone  bool
	UserSwitchDone     bool
	InitHasCompleted   bool
	RnDMode            bool
	DirectUserActdead  bool // whether the build supports direct USER<->ACTDEAD transitions
}
