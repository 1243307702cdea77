// Package runlevel is dsmed's runlevel executor (spec.md §4.7): it turns
// the state engine's CHANGE_RUNLEVEL and SHUTDOWN messages into the actual
// OS action, trying systemd, then telinit, then a last-resort sync/remount/
// exec fallback in that order.
//
// Like the other dsmed components it is a single event-loop goroutine; the
// blocking operations it performs (the bounded 2s/3s retry sleeps) are the
// ones spec.md §5 explicitly carves out of the "handlers never block" rule.
package runlevel

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"dsmed/bus"
	"dsmed/types"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "runlevel")

const mountsPath = "/proc/mounts"

// mountEntry is one parsed line of /proc/mounts.
type mountEntry struct {
	device     string
	mountPoint string
}

// Executor is the runlevel executor's state. The zero value is not usable;
// use New.
type Executor struct {
	conn *bus.Connection

	lookPath    func(string) (string, error)
	runCmd      func(name string, args ...string) error
	sync        func()
	sleep       func(time.Duration)
	exit        func(int)
	findTelinit func() string
	readMounts  func() ([]mountEntry, error)
}

// New builds an Executor. Run must be called to start dispatching.
func New(conn *bus.Connection) *Executor {
	return &Executor{
		conn:        conn,
		lookPath:    exec.LookPath,
		runCmd:      runCmd,
		sync:        syscall.Sync,
		sleep:       time.Sleep,
		exit:        os.Exit,
		findTelinit: findTelinit,
		readMounts:  readMountsFile,
	}
}

// Run subscribes to CHANGE_RUNLEVEL/SHUTDOWN and dispatches until ctx is
// cancelled. It blocks; call it in its own goroutine.
func (x *Executor) Run(ctx context.Context) {
	runlevelSub := x.conn.Subscribe(types.TopicChangeRunlevel)
	shutdownSub := x.conn.Subscribe(types.TopicShutdown)
	defer x.conn.Unsubscribe(runlevelSub)
	defer x.conn.Unsubscribe(shutdownSub)

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-runlevelSub.Channel():
			if p, ok := m.Payload.(types.ChangeRunlevel); ok {
				x.changeRunlevel(p.Runlevel)
			}
		case m := <-shutdownSub.Channel():
			if p, ok := m.Payload.(types.Shutdown); ok {
				x.shutdown(p.Runlevel)
			}
		}
	}
}

// changeRunlevel handles a plain (non-power-affecting) runlevel switch —
// the USER<->ACTDEAD transitions the state engine's delayed timers fire.
// There is no systemd equivalent of "switch to runlevel 5 without powering
// anything off", so this path only ever goes through telinit; a pure-
// systemd build with no telinit binary simply has no way to honor it, which
// dsmed logs rather than silently drops.
func (x *Executor) changeRunlevel(rl types.Runlevel) {
	if x.telinit(rl) {
		return
	}
	log.WithField("runlevel", int(rl)).Warn("no telinit binary available, cannot switch runlevel")
}

// shutdown handles CHANGE_RUNLEVEL→SHUTDOWN/REBOOT and the MALF path
// (spec.md §4.7).
func (x *Executor) shutdown(rl types.Runlevel) {
	action := actionFor(rl)

	if rl != types.RunlevelMalf {
		if path, err := x.lookPath("systemctl"); err == nil {
			if err := x.runCmd(path, "--no-block", action); err == nil {
				return
			}
			log.WithField("action", action).Warn("systemctl invocation failed, falling back to telinit")
		}
	}

	if x.telinit(rl) {
		return
	}

	if rl == types.RunlevelMalf {
		action = actionFor(types.RunlevelShutdown)
	}
	x.fallback(action)
}

func actionFor(rl types.Runlevel) string {
	if rl == types.RunlevelReboot {
		return "reboot"
	}
	return "poweroff"
}

// telinit invokes telinit N, retrying once after a 2s backoff on failure
// (spec.md §4.7 step 2, §5 timeouts table).
func (x *Executor) telinit(rl types.Runlevel) bool {
	path := x.findTelinit()
	if path == "" {
		return false
	}
	return x.retryTelinitAt(path, rl)
}

func (x *Executor) retryTelinitAt(path string, rl types.Runlevel) bool {
	n := strconv.Itoa(int(rl))
	if err := x.runCmd(path, n); err == nil {
		return true
	}
	x.sleep(2 * time.Second)
	if err := x.runCmd(path, n); err == nil {
		return true
	}
	log.WithField("runlevel", n).Warn("telinit failed twice")
	return false
}

func findTelinit() string {
	for _, dir := range []string{"/sbin", "/usr/sbin"} {
		p := filepath.Join(dir, "telinit")
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	return ""
}

// fallback implements spec.md §4.7 step 3: sync, remount any mmcblk* mount
// read-only, then exec poweroff/reboot with one 3s-backoff retry. If both
// attempts fail, dsmed exits so the hardware watchdog resets the device
// (spec.md §7 "Irrecoverable ... terminate").
func (x *Executor) fallback(action string) {
	x.sync()
	x.remountMMCReadOnly()

	bin, err := x.lookPath(action)
	if err != nil {
		log.WithError(err).WithField("action", action).Error("no poweroff/reboot binary on PATH")
		x.exit(1)
		return
	}
	if err := x.runCmd(bin); err == nil {
		return
	}
	x.sleep(3 * time.Second)
	if err := x.runCmd(bin); err == nil {
		return
	}
	log.WithField("action", action).Error("fallback shutdown failed twice, exiting for watchdog reset")
	x.exit(1)
}

// remountMMCReadOnly parses /proc/mounts for mmcblk* devices and remounts
// each read-only via a forked mount(8) (spec.md §4.7 step 3).
func (x *Executor) remountMMCReadOnly() {
	mounts, err := x.readMounts()
	if err != nil {
		log.WithError(err).Debug("could not read /proc/mounts")
		return
	}
	for _, m := range mounts {
		if !strings.Contains(m.device, "mmcblk") {
			continue
		}
		if err := x.runCmd("mount", "-o", "remount,ro", m.mountPoint); err != nil {
			log.WithError(err).WithField("mount", m.mountPoint).Warn("failed remounting read-only")
		}
	}
}

func readMountsFile() ([]mountEntry, error) {
	f, err := os.Open(mountsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []mountEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		out = append(out, mountEntry{device: fields[0], mountPoint: fields[1]})
	}
	return out, scanner.Err()
}

func runCmd(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}
