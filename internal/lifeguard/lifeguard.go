// Package lifeguard is dsmed's process supervisor (spec.md §4.4): it spawns
// processes on request, watches them exit, and applies a rate-limited
// restart/reset policy keyed on each process's declared action.
//
// Like every other dsmed component its state (the supervised-process table)
// is owned exclusively by Run's event-loop goroutine; a spawned child's exit
// is observed on a dedicated per-process goroutine that blocks on Wait and
// only ever forwards the result onto the shared event channel, the same
// discipline internal/iphb uses for its client readers.
package lifeguard

import (
	"context"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"dsmed/bus"
	"dsmed/internal/config"
	"dsmed/types"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var log = logrus.WithField("component", "lifeguard")

const noRebootsSentinel = "/etc/no_lg_reboots"

// process is a supervised process (spec.md §3).
type process struct {
	command string
	cmd     *exec.Cmd
	pid     int
	uid     int
	gid     int
	nice    int
	action  types.SupervisedAction

	restartLimit     int
	restartPeriod    time.Duration
	firstRestartTime time.Time
	restartCount     int

	callerUID int
}

type exitEvent struct {
	pid    int
	status int
}

// Supervisor is the lifeguard process table plus its privileged-uid set.
type Supervisor struct {
	conn *bus.Connection
	cfg  config.Lifeguard

	privileged map[int]bool

	byCommand map[string]*process
	byPID     map[int]*process

	exitedCh chan exitEvent

	now func() time.Time
}

// New builds a Supervisor. Run must be called to start processing requests.
func New(conn *bus.Connection, cfg config.Lifeguard) *Supervisor {
	privileged, err := loadPrivilegedUIDs(cfg.PrivilegedUIDFile)
	if err != nil {
		log.WithError(err).Warn("failed loading privileged uid file, treating as empty")
		privileged = map[int]bool{}
	}
	return &Supervisor{
		conn:       conn,
		cfg:        cfg,
		privileged: privileged,
		byCommand:  make(map[string]*process),
		byPID:      make(map[int]*process),
		exitedCh:   make(chan exitEvent, 16),
		now:        time.Now,
	}
}

// Run dispatches PROCESS_START/STOP requests and exit notifications until
// ctx is cancelled. It blocks; call it in its own goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	startSub := s.conn.Subscribe(types.TopicProcessStart)
	stopSub := s.conn.Subscribe(types.TopicProcessStop)
	stateSub := s.conn.Subscribe(types.TopicStateChangeInd)
	defer s.conn.Unsubscribe(startSub)
	defer s.conn.Unsubscribe(stopSub)
	defer s.conn.Unsubscribe(stateSub)

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-startSub.Channel():
			if req, ok := m.Payload.(types.ProcessStart); ok {
				s.onStart(req)
			}
		case m := <-stopSub.Channel():
			if req, ok := m.Payload.(types.ProcessStop); ok {
				s.onStop(req)
			}
		case m := <-stateSub.Channel():
			if req, ok := m.Payload.(types.StateChangeInd); ok {
				s.onStateChangeInd(req)
			}
		case ev := <-s.exitedCh:
			s.onExited(ev)
		}
	}
}

func (s *Supervisor) privilegedCaller(uid int) bool {
	return uid == 0 || s.privileged[uid]
}

// onStart implements PROCESS_START (spec.md §4.4).
func (s *Supervisor) onStart(req types.ProcessStart) {
	reply := func(pid, status int) {
		s.conn.Publish(&bus.Message{Topic: types.TopicProcessStartStatus, Payload: types.ProcessStartStatus{PID: pid, Status: status}})
	}

	if _, dup := s.byCommand[req.Command]; dup {
		reply(0, int(syscall.EEXIST))
		return
	}
	if req.CallerUID != 0 && req.UID < req.CallerUID {
		log.WithFields(logrus.Fields{"command": req.Command, "caller_uid": req.CallerUID, "requested_uid": req.UID}).
			Warn("refusing privilege escalation in PROCESS_START")
		reply(0, int(syscall.EPERM))
		return
	}
	if req.Action == types.ActionReset && !s.privilegedCaller(req.CallerUID) {
		reply(0, int(syscall.EPERM))
		return
	}

	argv, err := shlex.Split(req.Command)
	if err != nil || len(argv) == 0 {
		reply(0, int(syscall.EINVAL))
		return
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(req.UID), Gid: uint32(req.GID)},
	}
	if err := cmd.Start(); err != nil {
		log.WithError(err).WithField("command", req.Command).Warn("process start failed")
		reply(0, int(errnoOf(err)))
		return
	}
	if req.Nice != 0 {
		if err := unix.Setpriority(unix.PRIO_PROCESS, cmd.Process.Pid, req.Nice); err != nil {
			log.WithError(err).Debug("setpriority failed, leaving default nice")
		}
	}

	p := &process{
		command:       req.Command,
		cmd:           cmd,
		pid:           cmd.Process.Pid,
		uid:           req.UID,
		gid:           req.GID,
		nice:          req.Nice,
		action:        req.Action,
		restartLimit:  req.RestartLimit,
		restartPeriod: req.RestartPeriod,
		callerUID:     req.CallerUID,
	}
	if p.restartLimit == 0 {
		p.restartLimit = s.cfg.RestartLimit
	}
	if p.restartPeriod == 0 {
		p.restartPeriod = s.cfg.RestartPeriod
	}
	s.byCommand[p.command] = p
	s.byPID[p.pid] = p
	go s.wait(p)

	reply(p.pid, 0)
}

func (s *Supervisor) wait(p *process) {
	err := p.cmd.Wait()
	s.exitedCh <- exitEvent{pid: p.pid, status: exitStatus(err)}
}

// onStop implements PROCESS_STOP (spec.md §4.4): signal every supervised
// process matching Command, transiently running with the caller's effective
// uid so the kernel's permission check against the target process is the
// caller's, not lifeguard's own (root).
func (s *Supervisor) onStop(req types.ProcessStop) {
	sig := syscall.Signal(req.Signal)
	if sig == 0 {
		sig = syscall.SIGTERM
	}

	killed := false
	info := "no matching process"
	for _, p := range s.byCommand {
		if p.command != req.Command {
			continue
		}
		err := withEUID(req.CallerUID, func() error {
			return p.cmd.Process.Signal(sig)
		})
		if err != nil {
			info = err.Error()
			continue
		}
		p.action = types.ActionOnce
		killed = true
		info = "signalled"
	}
	s.conn.Publish(&bus.Message{Topic: types.TopicProcessStopStatus, Payload: types.ProcessStopStatus{Killed: killed, Info: info}})
}

// withEUID runs fn with the calling OS thread's effective uid set to uid,
// then restores it to 0. The thread is locked for the duration and, per
// runtime.LockOSThread's own guidance, only unlocked again once the
// restore has actually succeeded — a thread whose credentials didn't reset
// cleanly is abandoned rather than returned to the scheduler's pool.
func withEUID(uid int, fn func() error) error {
	runtime.LockOSThread()
	if err := unix.Setreuid(-1, uid); err != nil {
		runtime.UnlockOSThread()
		return err
	}
	err := fn()
	if rerr := unix.Setreuid(-1, 0); rerr != nil {
		log.WithError(rerr).Error("failed restoring euid after PROCESS_STOP, abandoning OS thread")
		return err
	}
	runtime.UnlockOSThread()
	return err
}

// onExited implements PROCESS_EXITED's restart/reset policy (spec.md §4.4).
func (s *Supervisor) onExited(ev exitEvent) {
	p, ok := s.byPID[ev.pid]
	if !ok {
		return
	}
	delete(s.byPID, ev.pid)

	log.WithFields(logrus.Fields{"command": p.command, "pid": ev.pid, "reason": classifyExit(ev.status)}).
		Info("supervised process exited")

	switch p.action {
	case types.ActionOnce:
		delete(s.byCommand, p.command)
	case types.ActionRespawn, types.ActionRespawnFail:
		s.countRestart(p)
		if p.restartCount > p.restartLimit {
			if p.action == types.ActionRespawn && s.privilegedCaller(p.callerUID) {
				s.notice(p.command, "RESET")
				_ = s.recordStat("restarts", p.command)
				s.maybeReboot()
			} else {
				s.notice(p.command, "PROCESS_FAILED")
			}
			delete(s.byCommand, p.command)
			return
		}
		s.respawn(p)
		s.notice(p.command, "PROCESS_RESTART")
		_ = s.recordStat("restarts", p.command)
	case types.ActionReset:
		if s.privilegedCaller(p.callerUID) {
			s.notice(p.command, "RESET")
			_ = s.recordStat("resets", p.command)
			s.maybeReboot()
		} else {
			s.notice(p.command, "PROCESS_FAILED")
		}
		delete(s.byCommand, p.command)
	}
}

func (s *Supervisor) countRestart(p *process) {
	now := s.now()
	if !p.firstRestartTime.IsZero() && now.Sub(p.firstRestartTime) < p.restartPeriod {
		p.restartCount++
		return
	}
	p.firstRestartTime = now
	p.restartCount = 1
}

func (s *Supervisor) respawn(p *process) {
	argv, err := shlex.Split(p.command)
	if err != nil || len(argv) == 0 {
		log.WithError(err).WithField("command", p.command).Error("cannot respawn, command no longer parses")
		return
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(p.uid), Gid: uint32(p.gid)},
	}
	if err := cmd.Start(); err != nil {
		log.WithError(err).WithField("command", p.command).Error("respawn failed")
		delete(s.byCommand, p.command)
		return
	}
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	s.byPID[p.pid] = p
	go s.wait(p)
}

func (s *Supervisor) notice(command, notice string) {
	s.conn.Publish(&bus.Message{Topic: types.TopicLGNotice, Payload: types.LGNotice{Command: command, Notice: notice}})
}

// maybeReboot implements the "subject to the reboot-enabled flag and a
// sentinel file" guard (spec.md §4.4).
func (s *Supervisor) maybeReboot() {
	if !s.cfg.RebootsEnabled {
		return
	}
	if _, err := os.Stat(noRebootsSentinel); err == nil {
		log.Info("reboot suppressed by sentinel file")
		return
	}
	s.conn.Publish(&bus.Message{Topic: types.TopicRebootReq, Payload: types.RebootReq{}})
}

// onStateChangeInd marks every supervised process ONCE so none is respawned
// during shutdown (spec.md §4.4). The sender must be uid 0.
func (s *Supervisor) onStateChangeInd(req types.StateChangeInd) {
	if req.CallerUID != 0 {
		return
	}
	if req.State != types.StateShutoff && req.State != types.StateReboot {
		return
	}
	for _, p := range s.byCommand {
		p.action = types.ActionOnce
	}
}

func loadPrivilegedUIDs(path string) (map[int]bool, error) {
	out := make(map[int]bool)
	if path == "" {
		return out, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if uid, err := strconv.Atoi(line); err == nil {
			out[uid] = true
			continue
		}
		if u, err := user.Lookup(line); err == nil {
			if uid, err := strconv.Atoi(u.Uid); err == nil {
				out[uid] = true
			}
		}
	}
	return out, nil
}

func classifyExit(status int) string {
	if status < 0 {
		return "signal " + strconv.Itoa(-status)
	}
	return "status " + strconv.Itoa(status)
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return -1
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return -int(ws.Signal())
		}
		return ws.ExitStatus()
	}
	return -1
}

func errnoOf(err error) syscall.Errno {
	if pe, ok := err.(*os.PathError); ok {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return errno
		}
	}
	return syscall.EIO
}

// recordStat appends a restart/reset line for command to the named stats
// file (spec.md §4.4, §6). filename is "restarts" or "resets".
func (s *Supervisor) recordStat(filename, command string) error {
	return appendStatLine(filepath.Join(s.cfg.StatsDir, filename), command)
}
