// Package config loads dsmed's YAML configuration file and publishes it on
// the bus as retained messages, the same "read once, publish retained
// settings" shape as the teacher's services/config, generalized from a
// per-device embedded JSON blob (decoded with tinyjson) to a single typed
// struct decoded with gopkg.in/yaml.v3.
package config

import (
	"os"
	"time"

	"dsmed/bus"

	"gopkg.in/yaml.v3"
)

const topicPrefix = "config"

// Battery holds the bucket thresholds the battery tracker classifies raw
// percentages against (spec.md §4.6).
type Battery struct {
	FullPercent    int `yaml:"full_percent"`
	NormalPercent  int `yaml:"normal_percent"`
	LowPercent     int `yaml:"low_percent"`
	WarningPercent int `yaml:"warning_percent"`
}

// Lifeguard holds the process supervisor's privilege and bookkeeping paths
// (spec.md §4.4).
type Lifeguard struct {
	PrivilegedUIDFile string        `yaml:"privileged_uid_file"`
	StatsDir          string        `yaml:"stats_dir"`
	RestartLimit      int           `yaml:"restart_limit"`
	RestartPeriod     time.Duration `yaml:"restart_period"`
	// RebootsEnabled gates the REBOOT_REQ a RESET notice or an exhausted
	// privileged respawn would otherwise issue (spec.md §4.4); the
	// /etc/no_lg_reboots sentinel file is an additional, unconditional veto.
	RebootsEnabled bool `yaml:"reboots_enabled"`
}

// Alarm holds the alarm tracker's persisted-state path (spec.md §4.5).
type Alarm struct {
	HeadFile string `yaml:"head_file"`
}

// IPHB holds the heartbeat server's listening socket and optional kernel
// heartbeat character device (spec.md §4.3).
type IPHB struct {
	SocketPath   string `yaml:"socket_path"`
	KernelDevice string `yaml:"kernel_device"`
}

// Watchdog holds the device paths the kicker writes to (spec.md §4.7).
type Watchdog struct {
	HWDevice string        `yaml:"hw_device"`
	SWDevice string        `yaml:"sw_device"`
	Period   time.Duration `yaml:"period"`
}

// Bus holds the in-process pub/sub bus's own tunables. dsmed is a single
// monolithic process, so this is the one "transport" config section with no
// device file or socket of its own — every other component reads its own
// section below, the bus reads this one before any of them are constructed.
type Bus struct {
	// QueueLen is each subscriber's channel depth (bus.Options.QueueLen).
	// dsmed's busiest topics (battery/power values, IPHB control) are
	// low-frequency compared to the teacher's sensor telemetry, so a modest
	// depth is enough to absorb a burst of config-driven republishes.
	QueueLen int `yaml:"queue_len"`
}

// Timers holds every debounce and delayed-transition duration the state
// engine's timer table names (spec.md §4.1, §4.2).
type Timers struct {
	ChargerDisconnectDebounce time.Duration `yaml:"charger_disconnect_debounce"`
	OverheatDebounce          time.Duration `yaml:"overheat_debounce"`
	BatteryEmptyDebounce      time.Duration `yaml:"battery_empty_debounce"`
	ShutdownDelay             time.Duration `yaml:"shutdown_delay"`
	ActdeadDelay              time.Duration `yaml:"actdead_delay"`
	UserDelay                 time.Duration `yaml:"user_delay"`
	AlarmSnooze               time.Duration `yaml:"alarm_snooze"`
}

// Config is dsmed's full runtime configuration. The zero value is not
// meaningful; use Default or Load.
type Config struct {
	// BootstateOverride lets a test harness or a calibration build force the
	// bootstate dsmed would otherwise read from the BOOTSTATE environment
	// variable (spec.md §9 Design Notes).
	BootstateOverride string `yaml:"bootstate_override"`
	// RnDMode, when true, keeps the state engine from arming the automatic
	// shutdown timer that otherwise follows entering MALF on R&D-mode
	// hardware.
	RnDMode bool `yaml:"rnd_mode"`
	// DirectUserActdead enables the optional direct USER<->ACTDEAD
	// transition some device builds support (spec.md §4.1).
	DirectUserActdead bool `yaml:"direct_user_actdead"`

	Battery   Battery   `yaml:"battery"`
	Lifeguard Lifeguard `yaml:"lifeguard"`
	Alarm     Alarm     `yaml:"alarm"`
	IPHB      IPHB      `yaml:"iphb"`
	Watchdog  Watchdog  `yaml:"watchdog"`
	Timers    Timers    `yaml:"timers"`
	Bus       Bus       `yaml:"bus"`
}

// Default returns dsmed's built-in defaults, matching the values named in
// spec.md's timer and threshold tables.
func Default() Config {
	return Config{
		Battery: Battery{
			FullPercent:    80,
			NormalPercent:  20,
			LowPercent:     10,
			WarningPercent: 3,
		},
		Lifeguard: Lifeguard{
			PrivilegedUIDFile: "/etc/dsme/privileged_uids",
			StatsDir:          "/var/lib/dsme/lifeguard",
			RestartLimit:      3,
			RestartPeriod:     10 * time.Second,
			RebootsEnabled:    true,
		},
		Alarm: Alarm{
			HeadFile: "/var/lib/dsme/alarm_head",
		},
		IPHB: IPHB{
			SocketPath:   "/tmp/iphb",
			KernelDevice: "/dev/iphb",
		},
		Watchdog: Watchdog{
			HWDevice: "/dev/watchdog",
			SWDevice: "/dev/watchdog0",
			Period:   15 * time.Second,
		},
		Timers: Timers{
			ChargerDisconnectDebounce: 15 * time.Second,
			OverheatDebounce:          8 * time.Second,
			BatteryEmptyDebounce:      8 * time.Second,
			ShutdownDelay:             2 * time.Second,
			ActdeadDelay:              2 * time.Second,
			UserDelay:                 2 * time.Second,
			AlarmSnooze:               120 * time.Second,
		},
		Bus: Bus{
			QueueLen: 8,
		},
	}
}

// Load reads path and overlays it onto Default. A missing file is not an
// error — dsmed runs on its built-in defaults, same as the teacher's
// EmbeddedConfigLookup falling back silently when a device has no config.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Publish publishes each configuration section as a retained message under
// "config/<section>", the typed-struct analogue of the teacher's per-JSON-key
// retained publish. dsmed's components are constructed with Config values
// directly and do not subscribe to these sections, so a section published
// later does not reconfigure them.
func Publish(conn *bus.Connection, cfg Config) {
	publish := func(key string, v any) {
		conn.Publish(&bus.Message{Topic: bus.T(topicPrefix, key), Payload: v, Retained: true})
	}
	publish("battery", cfg.Battery)
	publish("lifeguard", cfg.Lifeguard)
	publish("alarm", cfg.Alarm)
	publish("iphb", cfg.IPHB)
	publish("watchdog", cfg.Watchdog)
	publish("timers", cfg.Timers)
	publish("bus", cfg.Bus)
	publish("rnd_mode", cfg.RnDMode)
	publish("direct_user_actdead", cfg.DirectUserActdead)
	publish("bootstate_override", cfg.BootstateOverride)
}
