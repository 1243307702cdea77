// Package iphb is dsmed's IP Heartbeat coalescing wakeup service
// (spec.md §4.3): many waiters each declare a [mintime, maxtime] window and
// the server wakes as few of them, as late as possible, as it can get away
// with, by running a two-pass wake algorithm after every input.
//
// Its event loop follows the same single-owner shape the rest of dsmed
// uses (services/hal/internal/core/loop.go's Emit/evCh pattern): accepted
// connections and the optional kernel heartbeat device each get their own
// goroutine doing blocking I/O, and every one of them only ever forwards a
// parsed event to the server's event channel — only Run's own goroutine
// ever touches the client map or the timer engine.
package iphb

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"dsmed/bus"
	"dsmed/internal/config"
	"dsmed/timer"
	"dsmed/types"
	"dsmed/x/mathx"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "iphb")

const defaultSleep = time.Hour // spec.md §4.3 "default 3600 s"

// Server is the IPHB Unix-domain socket server plus its in-process waiter
// registry. The zero value is not usable; use New.
type Server struct {
	conn *bus.Connection
	t    *timer.Engine

	socketPath   string
	kernelDevice string

	ln *net.UnixListener
	hb *os.File // kernel heartbeat device, nil when no clients or unavailable

	clients map[*client]struct{}
	byBusID map[string]*client // in-process waiters, keyed by caller-chosen ID

	acceptCh chan *net.UnixConn
	eventCh  chan frameEvent
	kernelCh chan struct{}

	sleepHandle timer.Handle

	waitSub *bus.Subscription

	now func() time.Time // overridable for tests
}

// New builds a Server. Run must be called to begin listening.
func New(conn *bus.Connection, t *timer.Engine, cfg config.IPHB) *Server {
	return &Server{
		conn:         conn,
		t:            t,
		socketPath:   cfg.SocketPath,
		kernelDevice: cfg.KernelDevice,
		clients:      make(map[*client]struct{}),
		byBusID:      make(map[string]*client),
		acceptCh:     make(chan *net.UnixConn, 4),
		eventCh:      make(chan frameEvent, 16),
		kernelCh:     make(chan struct{}, 1),
		now:          time.Now,
	}
}

// Run listens on the configured socket and serves clients and in-process
// waiters until ctx is cancelled. It blocks; call it in its own goroutine.
func (s *Server) Run(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("failed removing stale iphb socket")
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.socketPath, Net: "unix"})
	if err != nil {
		return err
	}
	s.ln = ln
	defer ln.Close()

	s.waitSub = s.conn.Subscribe(types.TopicIPHBWait)
	defer s.conn.Unsubscribe(s.waitSub)

	go s.acceptLoop(ctx)

	wake := time.NewTimer(time.Hour)
	if !wake.Stop() {
		<-wake.C
	}
	defer wake.Stop()

	s.recompute(false)

	for {
		if d := s.t.NextDeadline(); d >= 0 {
			wake.Reset(d)
		}

		select {
		case <-ctx.Done():
			s.closeAll()
			return nil
		case uc := <-s.acceptCh:
			s.onAccept(uc)
		case ev := <-s.eventCh:
			s.onFrame(ev)
		case <-s.kernelCh:
			// spec.md §4.3 line 130: pass 2 runs "if any client was woken in
			// pass 1 (or kernel woke us)" — the kernel event is itself an
			// independent trigger for the mintime pass, not just a reason to
			// re-run pass 1.
			s.recompute(true)
		case m := <-s.waitSub.Channel():
			s.onBusWait(m)
		case <-wake.C:
			s.t.RunExpired()
		}

		if !wake.Stop() {
			select {
			case <-wake.C:
			default:
			}
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.WithError(err).Warn("iphb accept failed")
			continue
		}
		select {
		case s.acceptCh <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func (s *Server) onAccept(uc *net.UnixConn) {
	pid, err := peerPID(uc)
	if err != nil {
		log.WithError(err).Debug("could not read peer credentials, continuing with pid 0")
	}
	c := &client{conn: uc, pid: pid}
	s.clients[c] = struct{}{}
	go c.readLoop(s.eventCh)
	s.openKernelDeviceIfNeeded()
}

func (s *Server) onFrame(ev frameEvent) {
	if ev.err != nil {
		s.dropClient(ev.c)
		return
	}
	switch ev.req.Cmd {
	case cmdStat:
		s.replyStats(ev.c)
	case cmdWait:
		s.handleWait(ev.c, ev.req)
	}
	s.recompute(false)
}

// handleWait implements spec.md §4.3 WAIT semantics.
func (s *Server) handleWait(c *client, req reqFrame) {
	if req.MinTime == 0 && req.MaxTime == 0 {
		if c.waiting() {
			c.waitStarted = time.Time{}
		}
		return
	}
	if req.MinTime > 0 && req.MaxTime > req.MinTime &&
		mathx.RoundDiv(uint32(req.MinTime), uint32(req.MaxTime-req.MinTime)) < 5 {
		log.WithFields(logrus.Fields{"mintime": req.MinTime, "maxtime": req.MaxTime}).
			Warn("iphb: narrow coalescing window")
	}
	c.mintime = req.MinTime
	c.maxtime = req.MaxTime
	c.waitStarted = s.now()
}

func (s *Server) onBusWait(m *bus.Message) {
	req, ok := m.Payload.(types.IPHBWaitReq)
	if !ok || req.ID == "" {
		return
	}
	c, ok := s.byBusID[req.ID]
	if !ok {
		c = &client{pid: -1}
		s.byBusID[req.ID] = c
		s.clients[c] = struct{}{}
	}
	rf := reqFrame{
		Cmd:     cmdWait,
		MinTime: uint16(req.MinTime / time.Second),
		MaxTime: uint16(req.MaxTime / time.Second),
	}
	s.handleWait(c, rf)
	s.recompute(false)
}

func (s *Server) dropClient(c *client) {
	delete(s.clients, c)
	for id, cc := range s.byBusID {
		if cc == c {
			delete(s.byBusID, id)
		}
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	s.openKernelDeviceIfNeeded()
}

func (s *Server) closeAll() {
	for c := range s.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
	s.closeKernelDevice()
}

// recompute runs the two wake passes and reschedules the HIGH sleep timer
// (spec.md §4.3 "Scheduling"). Pass 2 (the mintime wake) runs if pass 1 woke
// any client, or if forceMintime is set — spec.md line 130's "or kernel woke
// us" is an independent trigger for pass 2, not merely a reason to re-run
// pass 1.
func (s *Server) recompute(forceMintime bool) {
	now := s.now()

	wokeAny := false
	for c := range s.clients {
		if !c.waiting() {
			continue
		}
		if now.Sub(c.waitStarted) >= time.Duration(c.maxtime)*time.Second {
			s.wake(c, now)
			wokeAny = true
		}
	}
	if wokeAny || forceMintime {
		for c := range s.clients {
			if !c.waiting() {
				continue
			}
			if now.Sub(c.waitStarted) >= time.Duration(c.mintime)*time.Second {
				s.wake(c, now)
			}
		}
	}

	s.t.Destroy(s.sleepHandle)
	s.sleepHandle = s.t.Create(s.sleepDuration(now), func() bool {
		s.recompute(false)
		return false
	}, timer.High)

	s.armKernelDevice(s.sleepDuration(now))
}

func (s *Server) sleepDuration(now time.Time) time.Duration {
	min := defaultSleep
	for c := range s.clients {
		if !c.waiting() {
			continue
		}
		remaining := time.Duration(c.maxtime)*time.Second - now.Sub(c.waitStarted)
		if remaining < 0 {
			remaining = 0
		}
		if remaining < min {
			min = remaining
		}
	}
	return min
}

func (s *Server) wake(c *client, now time.Time) {
	waited := c.waitedSeconds(now)
	c.waitStarted = time.Time{}
	if c.conn != nil {
		if err := writeWaitResp(c.conn, waitResp{Waited: waited}); err != nil {
			log.WithError(err).Debug("iphb wake write failed, dropping client")
			s.dropClient(c)
		}
		return
	}
	// In-process waiter: broadcast on the bus instead of writing a socket.
	s.conn.Publish(&bus.Message{Topic: types.TopicWakeup, Payload: types.Wakeup{}})
}

func (s *Server) replyStats(c *client) {
	waiting := 0
	for cc := range s.clients {
		if cc.waiting() {
			waiting++
		}
	}
	next := s.sleepDuration(s.now())
	if c.conn == nil {
		return
	}
	if err := writeStatsResp(c.conn, statsResp{
		Clients: uint32(len(s.clients)),
		Waiting: uint32(waiting),
		NextHB:  uint32(next / time.Second),
	}); err != nil {
		log.WithError(err).Debug("iphb stats write failed, dropping client")
		s.dropClient(c)
	}
}

func (s *Server) openKernelDeviceIfNeeded() {
	if s.kernelDevice == "" || s.hb != nil || len(s.clients) == 0 {
		return
	}
	f, err := os.OpenFile(s.kernelDevice, os.O_RDWR, 0)
	if err != nil {
		log.WithError(err).Debug("kernel heartbeat device unavailable")
		return
	}
	s.hb = f
	go s.kernelReadLoop(f)
}

func (s *Server) closeKernelDevice() {
	if s.hb == nil {
		return
	}
	_ = s.hb.Close()
	s.hb = nil
}

func (s *Server) kernelReadLoop(f *os.File) {
	buf := make([]byte, 1)
	for {
		if _, err := f.Read(buf); err != nil {
			return
		}
		select {
		case s.kernelCh <- struct{}{}:
		default:
		}
	}
}

func (s *Server) armKernelDevice(period time.Duration) {
	if s.hb == nil {
		return
	}
	seconds := int(period / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	if _, err := s.hb.WriteString(strconv.Itoa(seconds)); err != nil {
		log.WithError(err).Debug("kernel heartbeat arm write failed")
	}
}
