package malf

import (
	"context"
	"errors"
	"testing"
	"time"

	"dsmed/bus"
	"dsmed/types"
)

func newTestHandler() (*Handler, *bus.Connection) {
	b := bus.NewBus(4)
	conn := b.NewConnection("test-malf")
	return New(conn), conn
}

func TestOnEnterMalf_HelperSucceeds(t *testing.T) {
	h, conn := newTestHandler()
	var gotArgs []string
	h.run = func(ctx context.Context, name string, args ...string) error {
		gotArgs = append([]string{name}, args...)
		return nil
	}

	shutdownSub := conn.Subscribe(types.TopicShutdown)
	defer conn.Unsubscribe(shutdownSub)

	h.onEnterMalf(context.Background(), types.EnterMalf{
		Reason: "overtemp", Component: "charger", Details: "junction 95C",
	})

	if len(gotArgs) != 4 || gotArgs[0] != helperBinary {
		t.Fatalf("run args = %v, want helper invoked with reason/component/details", gotArgs)
	}

	select {
	case <-shutdownSub.Channel():
		t.Fatal("did not expect a forced Shutdown when the helper succeeds")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOnEnterMalf_HelperFailsForcesShutdown(t *testing.T) {
	h, conn := newTestHandler()
	h.run = func(ctx context.Context, name string, args ...string) error {
		return errors.New("enter_malf: not found")
	}

	sub := conn.Subscribe(types.TopicShutdown)
	defer conn.Unsubscribe(sub)

	h.onEnterMalf(context.Background(), types.EnterMalf{Reason: "watchdog", Component: "core"})

	select {
	case m := <-sub.Channel():
		p, ok := m.Payload.(types.Shutdown)
		if !ok || p.Runlevel != types.RunlevelShutdown {
			t.Fatalf("unexpected shutdown payload: %+v", m.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a forced Shutdown message when the enter_malf helper fails")
	}
}

func TestRun_DispatchesEnterMalf(t *testing.T) {
	h, conn := newTestHandler()
	invoked := make(chan types.EnterMalf, 1)
	h.run = func(ctx context.Context, name string, args ...string) error {
		invoked <- types.EnterMalf{Reason: args[0], Component: args[1], Details: args[2]}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn.Publish(&bus.Message{Topic: types.TopicEnterMalf, Payload: types.EnterMalf{
		Reason: "battery", Component: "fuel-gauge", Details: "i2c timeout",
	}})

	select {
	case got := <-invoked:
		if got.Reason != "battery" || got.Component != "fuel-gauge" {
			t.Fatalf("unexpected dispatch: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Run to dispatch the ENTER_MALF message")
	}
}
