// Command dsmed is the device-state manager daemon (spec.md): it fuses
// charger, alarm, thermal, battery, USB-mount and telinit signals into the
// device's overall State, drives delayed shutdown/runlevel transitions,
// supervises a small set of processes, and kicks the hardware watchdog so a
// wedged event loop reboots the device rather than hanging forever.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dsmed/bus"
	"dsmed/internal/alarm"
	"dsmed/internal/battery"
	"dsmed/internal/config"
	"dsmed/internal/iphb"
	"dsmed/internal/lifeguard"
	"dsmed/internal/malf"
	"dsmed/internal/powerkey"
	"dsmed/internal/runlevel"
	"dsmed/internal/stateengine"
	"dsmed/internal/watchdog"
	"dsmed/timer"

	"github.com/sirupsen/logrus"
)

const version = "0.1.0"

func main() {
	var (
		configPath     = flag.String("config", "/etc/dsme/dsme.yaml", "path to dsmed's YAML configuration file")
		iphbSocket     = flag.String("iphb-socket", "", "override the IPHB unix socket path")
		wdHW           = flag.String("wd-hw", "", "override the hardware watchdog device path")
		wdSW           = flag.String("wd-sw", "", "override the software watchdog device path")
		privilegedUIDs = flag.String("privileged-uids", "", "override the lifeguard privileged-uid file path")
		busQueueLen    = flag.Int("bus-queue-len", 0, "override each bus subscriber's channel depth")
		logLevel       = flag.String("log-level", "info", "logrus level: trace, debug, info, warn, error")
		showVersion    = flag.Bool("v", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("dsmed", version)
		return
	}

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logrus.WithField("component", "main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed loading configuration")
	}
	if *iphbSocket != "" {
		cfg.IPHB.SocketPath = *iphbSocket
	}
	if *wdHW != "" {
		cfg.Watchdog.HWDevice = *wdHW
	}
	if *wdSW != "" {
		cfg.Watchdog.SWDevice = *wdSW
	}
	if *privilegedUIDs != "" {
		cfg.Lifeguard.PrivilegedUIDFile = *privilegedUIDs
	}
	if *busQueueLen > 0 {
		cfg.Bus.QueueLen = *busQueueLen
	}

	b := bus.NewBus(cfg.Bus.QueueLen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("received shutdown signal, draining")
		cancel()
	}()

	config.Publish(b.NewConnection("config"), cfg)

	// Every component owns its own timer.Engine: spec.md §4.2/§5's
	// "single-threaded, no locking" discipline is per event-loop goroutine,
	// not one shared queue serialized across the whole process.
	wd := watchdog.New(b.NewConnection("watchdog"), timer.New(), cfg.Watchdog)
	wd.Start()
	defer wd.Stop()
	wd.NotifyReady()
	go wd.Run(ctx)

	engine := stateengine.New(b.NewConnection("stateengine"), timer.New(), cfg.Timers, cfg.RnDMode, cfg.DirectUserActdead)
	bootstate := cfg.BootstateOverride
	if bootstate == "" {
		bootstate = os.Getenv("BOOTSTATE")
	}
	if bootstate == "" {
		bootstate = "USER"
	}
	engine.Start(bootstate)
	go engine.Run(ctx)

	alarmTracker := alarm.New(b.NewConnection("alarm"), timer.New(), cfg.Alarm, cfg.Timers.AlarmSnooze)
	go func() {
		if err := alarmTracker.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("alarm tracker exited unexpectedly")
		}
	}()

	batteryTracker := battery.New(b.NewConnection("battery"), timer.New(), cfg.Battery)
	go func() {
		if err := batteryTracker.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("battery tracker exited unexpectedly")
		}
	}()

	iphbServer := iphb.New(b.NewConnection("iphb"), timer.New(), cfg.IPHB)
	go func() {
		if err := iphbServer.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Fatal("iphb server exited unexpectedly")
		}
	}()

	supervisor := lifeguard.New(b.NewConnection("lifeguard"), cfg.Lifeguard)
	go supervisor.Run(ctx)

	executor := runlevel.New(b.NewConnection("runlevel"))
	go executor.Run(ctx)

	malfHandler := malf.New(b.NewConnection("malf"))
	go malfHandler.Run(ctx)

	pkMonitor := powerkey.New(b.NewConnection("powerkey"))
	go func() {
		if err := pkMonitor.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("power-key monitor exited unexpectedly")
		}
	}()

	<-ctx.Done()
	log.Info("dsmed shutting down")
}
