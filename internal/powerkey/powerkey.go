// Package powerkey is dsmed's power-key monitor (spec.md §1, §6): it reads
// raw evdev input_event frames off the power-key device and requests a
// shutdown on a long press.
//
// Like internal/iphb's client readers, the blocking device read happens on
// its own goroutine that only ever forwards a parsed event onto a channel;
// Run's own goroutine is the only one that touches the press timer.
package powerkey

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unsafe"

	"dsmed/bus"
	"dsmed/types"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var log = logrus.WithField("component", "powerkey")

const (
	evKey     = 0x01
	keyPower  = 116 // KEY_POWER, linux/input-event-codes.h
	devGlob   = "/dev/input/event*"
	nameMark  = "pwrbutton" // spec.md §6: identified by this substring in EVIOCGNAME
	longPress = 5 * time.Second

	// input_event on a 64-bit Linux target: two 8-byte timeval fields plus
	// type/code (u16 each) and value (s32) — 24 bytes total.
	inputEventSize = 24
)

type inputEvent struct {
	Sec, Usec  int64
	Type, Code uint16
	Value      int32
}

// Monitor watches the power-key evdev device for a long press. The zero
// value is not usable; use New.
type Monitor struct {
	conn *bus.Connection

	// devicePath overrides device discovery, used by tests to point at a
	// fake device file instead of globbing /dev/input.
	devicePath string
	longPress  time.Duration
}

// New builds a Monitor. Run must be called to start watching.
func New(conn *bus.Connection) *Monitor {
	return &Monitor{conn: conn, longPress: longPress}
}

// Run finds the power-key input device and watches it until ctx is
// cancelled. Not every build has a discrete power-key input; when none is
// found, Run logs and returns nil rather than treating it as fatal.
func (m *Monitor) Run(ctx context.Context) error {
	path := m.devicePath
	if path == "" {
		found, err := findPowerKeyDevice()
		if err != nil {
			log.WithError(err).Info("no power-key input device found, power-key monitor idle")
			return nil
		}
		path = found
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	evCh := make(chan inputEvent, 8)
	errCh := make(chan error, 1)
	go readLoop(f, evCh, errCh)

	var pressTimer *time.Timer
	defer func() {
		if pressTimer != nil {
			pressTimer.Stop()
		}
	}()

	for {
		var timerCh <-chan time.Time
		if pressTimer != nil {
			timerCh = pressTimer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			log.WithError(err).Warn("power-key device read failed")
			return err
		case ev := <-evCh:
			if ev.Type != evKey || ev.Code != keyPower {
				continue
			}
			switch ev.Value {
			case 1: // key down
				if pressTimer != nil {
					pressTimer.Stop()
				}
				pressTimer = time.NewTimer(m.longPress)
			case 0: // key up
				if pressTimer != nil {
					pressTimer.Stop()
					pressTimer = nil
				}
			}
		case <-timerCh:
			pressTimer = nil
			log.Info("power key long press, requesting shutdown")
			m.conn.Publish(&bus.Message{Topic: types.TopicShutdownReq, Payload: types.ShutdownReq{}})
		}
	}
}

func readLoop(f *os.File, out chan<- inputEvent, errc chan<- error) {
	buf := make([]byte, inputEventSize)
	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			errc <- err
			return
		}
		var ev inputEvent
		if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &ev); err != nil {
			errc <- err
			return
		}
		out <- ev
	}
}

// findPowerKeyDevice globs /dev/input/event* and returns the first one
// whose EVIOCGNAME response contains "pwrbutton" (spec.md §6).
func findPowerKeyDevice() (string, error) {
	matches, err := filepath.Glob(devGlob)
	if err != nil {
		return "", err
	}
	for _, path := range matches {
		name, err := deviceName(path)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(name), nameMark) {
			return path, nil
		}
	}
	return "", fmt.Errorf("no evdev device matched %q", nameMark)
}

// deviceName issues the EVIOCGNAME ioctl directly: golang.org/x/sys/unix
// (already used elsewhere in dsmed for Mlockall/Setreuid/GetsockoptUcred)
// has no evdev-specific helper, so this constructs the ioctl request number
// the same way the kernel's own _IOC macro does.
func deviceName(path string) (string, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 256)
	req := evNameIoctl(len(buf))
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return "", errno
	}
	n := bytes.IndexByte(buf, 0)
	if n < 0 {
		n = len(buf)
	}
	return string(buf[:n]), nil
}

// evNameIoctl builds EVIOCGNAME(len): _IOC(_IOC_READ, 'E', 0x06, len).
func evNameIoctl(size int) uintptr {
	const (
		iocRead      = 2
		iocTypeEvdev = 'E'
		iocNRGetName = 0x06
	)
	return uintptr(iocRead<<30 | size<<16 | iocTypeEvdev<<8 | iocNRGetName)
}
