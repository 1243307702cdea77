package runlevel

import (
	"errors"
	"testing"
	"time"

	"dsmed/bus"
	"dsmed/types"
)

type call struct {
	name string
	args []string
}

func newTestExecutor() (*Executor, *[]call) {
	b := bus.NewBus(4)
	conn := b.NewConnection("test-runlevel")
	calls := &[]call{}
	x := New(conn)
	x.sleep = func(time.Duration) {}
	x.exit = func(int) {}
	x.runCmd = func(name string, args ...string) error {
		*calls = append(*calls, call{name, args})
		return nil
	}
	return x, calls
}

func TestShutdown_PrefersSystemd(t *testing.T) {
	x, calls := newTestExecutor()
	x.lookPath = func(name string) (string, error) {
		if name == "systemctl" {
			return "/usr/bin/systemctl", nil
		}
		return "", errors.New("not found")
	}

	x.shutdown(types.RunlevelShutdown)

	if len(*calls) != 1 {
		t.Fatalf("calls = %v, want exactly one systemctl invocation", *calls)
	}
	got := (*calls)[0]
	if got.name != "/usr/bin/systemctl" || got.args[0] != "--no-block" || got.args[1] != "poweroff" {
		t.Fatalf("unexpected call: %+v", got)
	}
}

func TestShutdown_RebootActionViaSystemd(t *testing.T) {
	x, calls := newTestExecutor()
	x.lookPath = func(name string) (string, error) { return "/usr/bin/systemctl", nil }

	x.shutdown(types.RunlevelReboot)

	if len(*calls) != 1 || (*calls)[0].args[1] != "reboot" {
		t.Fatalf("calls = %v, want a single reboot invocation", *calls)
	}
}

func TestShutdown_MalfSkipsSystemd(t *testing.T) {
	x, calls := newTestExecutor()
	systemctlCalled := false
	x.lookPath = func(name string) (string, error) {
		if name == "systemctl" {
			systemctlCalled = true
			return "/usr/bin/systemctl", nil
		}
		return "", errors.New("not found")
	}
	// No filesystem telinit binary in a test sandbox; fallback is exercised
	// instead, which is fine — the assertion is only that systemd was
	// never invoked for MALF.
	x.shutdown(types.RunlevelMalf)

	if systemctlCalled {
		t.Fatal("systemctl must never be invoked for the MALF runlevel")
	}
	_ = calls
}

func TestShutdown_FallsBackWhenSystemdFails(t *testing.T) {
	x, calls := newTestExecutor()
	x.lookPath = func(name string) (string, error) {
		if name == "systemctl" {
			return "/usr/bin/systemctl", nil
		}
		if name == "poweroff" {
			return "/sbin/poweroff", nil
		}
		return "", errors.New("not found")
	}
	first := true
	x.runCmd = func(name string, args ...string) error {
		*calls = append(*calls, call{name, args})
		if name == "/usr/bin/systemctl" && first {
			first = false
			return errors.New("dbus unreachable")
		}
		return nil
	}

	x.shutdown(types.RunlevelShutdown)

	if len(*calls) < 2 {
		t.Fatalf("calls = %v, want systemctl attempt then a fallback", *calls)
	}
	last := (*calls)[len(*calls)-1]
	if last.name != "/sbin/poweroff" {
		t.Fatalf("expected the fallback to exec poweroff, got %+v", last)
	}
}

func TestTelinit_RetriesOnceAfterFailure(t *testing.T) {
	x, calls := newTestExecutor()
	x.lookPath = func(string) (string, error) { return "", errors.New("no systemd") }
	attempts := 0
	x.runCmd = func(name string, args ...string) error {
		*calls = append(*calls, call{name, args})
		attempts++
		if attempts == 1 {
			return errors.New("telinit busy")
		}
		return nil
	}
	slept := false
	x.sleep = func(time.Duration) { slept = true }

	// Force findTelinit to "succeed" by stubbing telinit directly via the
	// runCmd path: since findTelinit stats the real filesystem, exercise
	// the retry logic through the lower-level helper instead.
	ok := x.retryTelinitAt("/sbin/telinit", types.RunlevelUser)
	if !ok {
		t.Fatal("expected telinit to succeed on its second attempt")
	}
	if !slept {
		t.Fatal("expected a backoff sleep before the retry")
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestChangeRunlevel_LogsWhenNoTelinitAvailable(t *testing.T) {
	x, _ := newTestExecutor()
	x.lookPath = func(string) (string, error) { return "", errors.New("no systemd") }
	// No telinit binary exists at /sbin or /usr/sbin in the test sandbox,
	// so changeRunlevel should simply return without panicking.
	x.changeRunlevel(types.RunlevelUser)
}

func TestFallback_RemountsMMCMounts(t *testing.T) {
	x, calls := newTestExecutor()
	x.lookPath = func(name string) (string, error) {
		if name == "poweroff" {
			return "/sbin/poweroff", nil
		}
		return "", errors.New("not found")
	}
	x.readMounts = func() ([]mountEntry, error) {
		return []mountEntry{
			{device: "/dev/mmcblk0p1", mountPoint: "/"},
			{device: "tmpfs", mountPoint: "/tmp"},
		}, nil
	}

	x.fallback("poweroff")

	var sawRemount bool
	for _, c := range *calls {
		if c.name == "mount" && len(c.args) == 3 && c.args[2] == "/" {
			sawRemount = true
		}
	}
	if !sawRemount {
		t.Fatalf("calls = %v, want a remount of the mmcblk-backed root", *calls)
	}
}

func TestFallback_ExitsWhenBinaryMissing(t *testing.T) {
	x, _ := newTestExecutor()
	x.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	x.readMounts = func() ([]mountEntry, error) { return nil, errors.New("no mounts") }
	exited := false
	x.exit = func(code int) {
		exited = true
		if code != 1 {
			t.Fatalf("exit code = %d, want 1", code)
		}
	}

	x.fallback("poweroff")

	if !exited {
		t.Fatal("expected fallback to exit(1) when no poweroff binary is found")
	}
}
