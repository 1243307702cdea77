package iphb

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// client is an IPHB_client (spec.md §3): owned exclusively by Server's
// event-loop goroutine once accepted. Its socket I/O runs on its own
// goroutine (readLoop), which only ever forwards parsed frames or a closed
// notice to the server's event channel — it never touches client or
// clients itself, preserving the single-owner discipline the rest of dsmed
// uses for its event loops.
type client struct {
	conn net.Conn
	pid  int32

	waitStarted time.Time // zero means idle
	mintime     uint16
	maxtime     uint16
}

// peerPID reads SO_PEERCRED off a freshly accepted Unix socket connection,
// giving the server a kernel-verified pid instead of trusting whatever the
// client claims in its request payload (spec.md §4.3 "client ucred used for
// pid tracking").
func peerPID(conn *net.UnixConn) (int32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, err
	}
	if credErr != nil {
		return 0, credErr
	}
	return cred.Pid, nil
}

// frameEvent is what a client's readLoop forwards to the server.
type frameEvent struct {
	c    *client
	req  reqFrame
	err  error // non-nil (including io.EOF) means the client is gone
}

func (c *client) readLoop(out chan<- frameEvent) {
	for {
		req, err := readReq(c.conn)
		out <- frameEvent{c: c, req: req, err: err}
		if err != nil {
			return
		}
	}
}

func (c *client) waiting() bool { return !c.waitStarted.IsZero() }

// waitedSeconds saturates at zero rather than reproducing the unsigned
// wraparound the legacy send_stats arithmetic had (spec.md §9 Design Notes).
func (c *client) waitedSeconds(now time.Time) uint32 {
	if c.waitStarted.IsZero() {
		return 0
	}
	d := now.Sub(c.waitStarted)
	if d < 0 {
		return 0
	}
	return uint32(d / time.Second)
}
