package powerkey

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"dsmed/bus"
	"dsmed/types"
)

// writeEvent appends one raw input_event frame to f.
func writeEvent(t *testing.T, f *os.File, typ, code uint16, value int32) {
	t.Helper()
	ev := inputEvent{Type: typ, Code: code, Value: value}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &ev); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		t.Fatal(err)
	}
}

func newFIFODevice(t *testing.T) (*os.File, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "event0")
	// A FIFO stands in for the device node: like an evdev node, a read on it
	// blocks until a frame arrives, whereas a plain file would hand the
	// monitor an immediate EOF and end its read loop. Keeping a writable
	// handle open lets the test append frames as the assertions progress.
	if err := syscall.Mkfifo(path, 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	return f, path
}

func TestRun_LongPressPublishesShutdownReq(t *testing.T) {
	wf, path := newFIFODevice(t)
	defer wf.Close()

	b := bus.NewBus(4)
	conn := b.NewConnection("test-powerkey")
	sub := conn.Subscribe(types.TopicShutdownReq)
	defer conn.Unsubscribe(sub)

	m := New(conn)
	m.devicePath = path
	m.longPress = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	writeEvent(t, wf, evKey, keyPower, 1) // key down

	select {
	case <-sub.Channel():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ShutdownReq after a long press")
	}
}

func TestRun_ShortPressDoesNotPublish(t *testing.T) {
	wf, path := newFIFODevice(t)
	defer wf.Close()

	b := bus.NewBus(4)
	conn := b.NewConnection("test-powerkey-short")
	sub := conn.Subscribe(types.TopicShutdownReq)
	defer conn.Unsubscribe(sub)

	m := New(conn)
	m.devicePath = path
	m.longPress = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	writeEvent(t, wf, evKey, keyPower, 1) // down
	time.Sleep(20 * time.Millisecond)
	writeEvent(t, wf, evKey, keyPower, 0) // up, well before the long-press window

	select {
	case <-sub.Channel():
		t.Fatal("did not expect ShutdownReq after a short press")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRun_IgnoresOtherKeys(t *testing.T) {
	wf, path := newFIFODevice(t)
	defer wf.Close()

	b := bus.NewBus(4)
	conn := b.NewConnection("test-powerkey-other")
	sub := conn.Subscribe(types.TopicShutdownReq)
	defer conn.Unsubscribe(sub)

	m := New(conn)
	m.devicePath = path
	m.longPress = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	writeEvent(t, wf, evKey, 30 /* KEY_A */, 1)

	select {
	case <-sub.Channel():
		t.Fatal("did not expect ShutdownReq for an unrelated key")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRun_NoDeviceFoundIsNotFatal(t *testing.T) {
	b := bus.NewBus(4)
	conn := b.NewConnection("test-powerkey-nodevice")
	m := New(conn)
	m.devicePath = "" // forces discovery, which will find nothing in a test sandbox

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v, want nil when no power-key device exists", err)
	}
}
