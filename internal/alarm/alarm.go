// Package alarm is dsmed's alarm tracker (spec.md §4.5): it consumes the
// alarm daemon's D-Bus "next alarm" signal, persists the head timestamp,
// and derives the two alarm_set booleans the rest of dsmed cares about —
// the internal one (an alarm is imminent enough that a hard shutdown should
// be refused) feeds the state engine's SET_ALARM input; the external one
// (any alarm exists at all) is broadcast for D-Bus peers and answered on
// STATE_QUERY.
//
// Like the other components it is owned by a single event-loop goroutine
// (Run); persisting the head file is the one thing that must never block
// that loop, so it runs on its own goroutine fed by a one-deep,
// overwrite-on-full channel — latest head wins, same discipline bus.go's
// tryDeliver/drainOne uses for a full subscriber channel.
package alarm

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dsmed/bus"
	"dsmed/internal/config"
	"dsmed/timer"
	"dsmed/types"

	"github.com/godbus/dbus/v5"
	renameio "github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "alarm")

const (
	dbusIfaceAlarmd    = "com.nokia.alarmd"
	dbusMemberQueue    = "queue_status_ind"
	dbusIfaceTime      = "com.nokia.time"
	dbusMemberBootup   = "next_bootup_event"
	dbusIfaceDsme      = "com.nokia.dsme"
	dbusMemberAlarmInd = "alarm_state_ind"
)

var dbusObjectPath = dbus.ObjectPath("/com/nokia/dsme")

// Tracker is the alarm tracker's state. The zero value is not usable; use
// New.
type Tracker struct {
	conn *bus.Connection
	t    *timer.Engine

	headFile string
	window   time.Duration // spec.md §4.5 "head - now <= 120s"

	head         int64 // unix seconds, 0 = no alarm queued
	internalSet  bool
	externalSet  bool
	reevalHandle timer.Handle

	dbusConn *dbus.Conn
	writeCh  chan int64

	now func() time.Time
}

// New builds a Tracker, loading any previously persisted head timestamp.
// Run must be called to start consuming D-Bus signals.
func New(conn *bus.Connection, t *timer.Engine, cfg config.Alarm, window time.Duration) *Tracker {
	head, err := loadHead(cfg.HeadFile)
	if err != nil {
		log.WithError(err).Warn("failed loading persisted alarm head, starting with none")
	}
	tr := &Tracker{
		conn:     conn,
		t:        t,
		headFile: cfg.HeadFile,
		window:   window,
		head:     head,
		writeCh:  make(chan int64, 1),
		now:      time.Now,
	}
	return tr
}

// Run connects to the system bus, subscribes to the alarm daemon's signals
// and to STATE_QUERY, and dispatches until ctx is cancelled. It blocks;
// call it in its own goroutine.
func (tr *Tracker) Run(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("alarm: connecting to system bus: %w", err)
	}
	tr.dbusConn = conn
	defer conn.Close()

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusIfaceAlarmd),
		dbus.WithMatchMember(dbusMemberQueue),
	); err != nil {
		log.WithError(err).Warn("failed matching alarmd queue_status_ind")
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusIfaceTime),
		dbus.WithMatchMember(dbusMemberBootup),
	); err != nil {
		log.WithError(err).Warn("failed matching time next_bootup_event")
	}

	sigCh := make(chan *dbus.Signal, 8)
	conn.Signal(sigCh)

	querySub := tr.conn.Subscribe(types.TopicStateQuery)
	defer tr.conn.Unsubscribe(querySub)

	go tr.writeLoop(ctx)

	tr.recompute()

	wake := time.NewTimer(time.Hour)
	if !wake.Stop() {
		<-wake.C
	}
	defer wake.Stop()

	for {
		if d := tr.t.NextDeadline(); d >= 0 {
			wake.Reset(d)
		}
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			tr.onSignal(sig)
		case m := <-querySub.Channel():
			tr.conn.Reply(m, types.SetAlarmState{Set: tr.externalSet}, false)
		case <-wake.C:
			tr.t.RunExpired()
		}
		if !wake.Stop() {
			select {
			case <-wake.C:
			default:
			}
		}
	}
}

// onSignal extracts the next-alarm time_t from whichever signal arrived.
// queue_status_ind's payload is under-specified by spec.md ("(i,i,i[,i])");
// dsmed reads its last argument as the head time, matching
// next_bootup_event's single-int payload and the legacy alarmd convention
// of appending the resolved wakeup time as the final field.
func (tr *Tracker) onSignal(sig *dbus.Signal) error {
	if len(sig.Body) == 0 {
		return nil
	}
	last := sig.Body[len(sig.Body)-1]
	head, err := toInt64(last)
	if err != nil {
		log.WithError(err).WithField("signal", sig.Name).Warn("could not parse alarm signal payload")
		return err
	}
	tr.setHead(head)
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int32:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected dbus arg type %T", v)
	}
}

func (tr *Tracker) setHead(head int64) {
	if head == tr.head {
		return
	}
	tr.head = head
	tr.queuePersist(head)
	tr.recompute()
}

// queuePersist hands head to the writer goroutine without blocking the
// event loop, overwriting any not-yet-written previous value (only the
// latest head is ever worth persisting).
func (tr *Tracker) queuePersist(head int64) {
	select {
	case tr.writeCh <- head:
	default:
		select {
		case <-tr.writeCh:
		default:
		}
		select {
		case tr.writeCh <- head:
		default:
		}
	}
}

func (tr *Tracker) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case head := <-tr.writeCh:
			if err := persistHead(tr.headFile, head); err != nil {
				log.WithError(err).Warn("failed persisting alarm head")
			}
		}
	}
}

// recompute re-derives both alarm_set booleans and publishes whichever
// changed (spec.md §4.5).
func (tr *Tracker) recompute() {
	now := tr.now()
	tr.t.Destroy(tr.reevalHandle)

	externalSet := tr.head != 0
	var internalSet bool
	if tr.head != 0 {
		remaining := time.Unix(tr.head, 0).Sub(now) - tr.window
		if remaining <= 0 {
			internalSet = true
		} else {
			tr.reevalHandle = tr.t.Create(remaining, func() bool {
				tr.recompute()
				return false
			}, timer.Normal)
		}
	}

	if internalSet != tr.internalSet {
		tr.internalSet = internalSet
		tr.conn.Publish(&bus.Message{Topic: types.TopicSetAlarm, Payload: types.SetAlarm{Set: internalSet}})
	}
	if externalSet != tr.externalSet {
		tr.externalSet = externalSet
		tr.conn.Publish(&bus.Message{Topic: types.TopicAlarmState, Payload: types.SetAlarmState{Set: externalSet}})
		tr.emitExternal(externalSet)
	}
}

func (tr *Tracker) emitExternal(set bool) {
	if tr.dbusConn == nil {
		return
	}
	if err := tr.dbusConn.Emit(dbusObjectPath, dbusIfaceDsme+"."+dbusMemberAlarmInd, set); err != nil {
		log.WithError(err).Debug("failed emitting alarm_state_ind")
	}
}

func loadHead(path string) (int64, error) {
	if path == "" {
		return 0, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	head, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, err
	}
	return head, nil
}

func persistHead(path string, head int64) error {
	if path == "" {
		return nil
	}
	return renameio.WriteFile(path, []byte(strconv.FormatInt(head, 10)+"\n"), 0o644)
}
