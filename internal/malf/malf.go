// Package malf is dsmed's malfunction handler (spec.md §1, §7): on
// ENTER_MALF it invokes the external enter_malf helper binary and, if that
// helper cannot be run, forces an immediate shutdown rather than relying on
// the state engine's own 120-second MALF grace timer.
//
// The state engine (internal/stateengine) also subscribes to ENTER_MALF
// directly to flip its malf condition bit and select MALF; this package is
// the side-effecting counterpart spec.md §7 names separately ("MALF either
// invokes an external enter_malf helper or force-shutdowns if the helper
// fails").
package malf

import (
	"context"
	"os/exec"
	"time"

	"dsmed/bus"
	"dsmed/types"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "malf")

const (
	helperBinary  = "enter_malf"
	helperTimeout = 5 * time.Second
)

// Handler is the malf handler's state. The zero value is not usable; use
// New.
type Handler struct {
	conn *bus.Connection
	run  func(ctx context.Context, name string, args ...string) error
}

// New builds a Handler. Run must be called to start dispatching.
func New(conn *bus.Connection) *Handler {
	return &Handler{conn: conn, run: runHelper}
}

// Run subscribes to ENTER_MALF and dispatches until ctx is cancelled. It
// blocks; call it in its own goroutine.
func (h *Handler) Run(ctx context.Context) {
	sub := h.conn.Subscribe(types.TopicEnterMalf)
	defer h.conn.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-sub.Channel():
			if p, ok := m.Payload.(types.EnterMalf); ok {
				h.onEnterMalf(ctx, p)
			}
		}
	}
}

func (h *Handler) onEnterMalf(ctx context.Context, p types.EnterMalf) {
	if err := h.run(ctx, helperBinary, p.Reason, p.Component, p.Details); err != nil {
		log.WithError(err).WithFields(logrus.Fields{"reason": p.Reason, "component": p.Component}).
			Warn("enter_malf helper unavailable, forcing shutdown")
		h.conn.Publish(&bus.Message{Topic: types.TopicShutdown, Payload: types.Shutdown{Runlevel: types.RunlevelShutdown}})
		return
	}
	log.WithFields(logrus.Fields{"reason": p.Reason, "component": p.Component, "details": p.Details}).
		Info("enter_malf helper invoked")
}

func runHelper(ctx context.Context, name string, args ...string) error {
	cctx, cancel := context.WithTimeout(ctx, helperTimeout)
	defer cancel()
	return exec.CommandContext(cctx, name, args...).Run()
}
