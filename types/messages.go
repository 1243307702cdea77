package types

import (
	"time"

	"dsmed/bus"
)

// Bus topics. Each is a fixed, well-known path. Most subscribers use exact
// match; the state engine subscribes to the whole "state" subtree with the
// "#" wildcard.
var (
	TopicSetCharger       = bus.T("state", "set_charger")
	TopicSetAlarm         = bus.T("state", "set_alarm")
	TopicSetThermal       = bus.T("state", "set_thermal")
	TopicSetEmergencyCall = bus.T("state", "set_emergency_call")
	TopicSetBattery       = bus.T("state", "set_battery")
	TopicSetUSB           = bus.T("state", "set_usb")
	TopicShutdownReq      = bus.T("state", "shutdown_req")
	TopicPowerupReq       = bus.T("state", "powerup_req")
	TopicRebootReq        = bus.T("state", "reboot_req")
	TopicTelinit          = bus.T("state", "telinit")
	TopicStateQuery       = bus.T("state", "query")
	TopicStateChange      = bus.T("state", "change")
	TopicStateReqDenied   = bus.T("state", "req_denied")
	TopicSaveData         = bus.T("state", "save_data")
	TopicChangeRunlevel   = bus.T("state", "change_runlevel")
	TopicShutdown         = bus.T("state", "shutdown")
	TopicRunlevelSwitched = bus.T("state", "runlevel_switch_done")
	TopicBaseBootDone     = bus.T("state", "base_boot_done")
	TopicDbusConnect      = bus.T("state", "dbus_connect")
	TopicDbusDisconnect   = bus.T("state", "dbus_disconnect")

	TopicHWWDKick     = bus.T("watchdog", "kick")
	TopicHeartbeat    = bus.T("watchdog", "heartbeat")
	TopicWakeup       = bus.T("iphb", "wakeup")
	TopicIPHBWait     = bus.T("iphb", "wait")
	TopicAlarmState   = bus.T("alarm", "set_alarm_state")
	TopicBatteryEmpty = bus.T("battery", "empty")

	TopicProcessStart       = bus.T("lifeguard", "process_start")
	TopicProcessStartStatus = bus.T("lifeguard", "process_start_status")
	TopicProcessStop        = bus.T("lifeguard", "process_stop")
	TopicProcessStopStatus  = bus.T("lifeguard", "process_stop_status")
	TopicProcessExited      = bus.T("lifeguard", "process_exited")
	TopicLGNotice           = bus.T("lifeguard", "notice")
	TopicStateChangeInd     = bus.T("lifeguard", "state_change_ind")

	TopicEnterMalf = bus.T("malf", "enter")
)

// --- state-affecting message payloads ---

type SetCharger struct{ State ChargerState }
type SetAlarm struct{ Set bool }
type SetThermal struct{ Status ThermalStatus }
type SetEmergencyCall struct{ Active bool }
type SetBattery struct {
	Percent     int
	Empty       bool
	Bucket      BatteryBucket
	IsCharging  bool
	AlarmActive bool
}
type SetUSB struct{ Mounted bool }
type ShutdownReq struct{}
type PowerupReq struct{}
type RebootReq struct{}
type Telinit struct{ Name string }
type StateQuery struct{}
type StateQueryReply struct {
	State       State
	AlarmSet    bool
}
type StateChange struct{ State State }
type StateReqDenied struct {
	State  State
	Reason string
}
type SaveDataInd struct{}
type ChangeRunlevel struct{ Runlevel Runlevel }
type Shutdown struct{ Runlevel Runlevel }
type RunlevelSwitchDone struct{ Runlevel int }
type BaseBootDone struct{}
type DbusConnect struct{}
type DbusDisconnect struct{}

// --- watchdog / IPHB ---

type HWWDKick struct{}
type Heartbeat struct{ At time.Time }
type Wakeup struct{}

// IPHBWaitReq registers (or re-registers) an in-process waiter with the
// IPHB server, for components (the battery tracker) that live in the same
// process and so need not speak the Unix-socket wire protocol (spec.md
// §4.3, §4.5 "On WAKEUP (from IPHB)"). ID identifies the waiter so a
// second request from the same caller replaces rather than duplicates its
// registration; MinTime=MaxTime=0 cancels.
type IPHBWaitReq struct {
	ID      string
	MinTime time.Duration
	MaxTime time.Duration
}

type SetAlarmState struct{ Set bool }
type BatteryEmptyInd struct{}

// --- lifeguard ---

type ProcessStart struct {
	Command       string
	Action        SupervisedAction
	UID           int
	GID           int
	Nice          int
	RestartLimit  int
	RestartPeriod time.Duration
	CallerUID     int
}
type ProcessStartStatus struct {
	PID    int
	Status int
}
type ProcessStop struct {
	Command   string
	Signal    int
	CallerUID int
}
type ProcessStopStatus struct {
	Killed bool
	Info   string
}
type ProcessExited struct {
	PID    int
	Status int
}
type LGNotice struct {
	Command string
	Notice  string // "RESET", "PROCESS_FAILED", "PROCESS_RESTART"
}
type StateChangeInd struct {
	State     State
	CallerUID int
}

type EnterMalf struct {
	Reason    string
	Component string
	Details   string
}
