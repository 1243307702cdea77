package lifeguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAppendStatLine_NewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restarts")
	if err := appendStatLine(path, "foo"); err != nil {
		t.Fatalf("appendStatLine: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := strings.TrimSpace(string(raw)); got != "foo : 1 *" {
		t.Errorf("got %q", got)
	}
}

func TestAppendStatLine_IncrementsExistingAndMovesLatestMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restarts")
	if err := appendStatLine(path, "foo"); err != nil {
		t.Fatal(err)
	}
	if err := appendStatLine(path, "bar"); err != nil {
		t.Fatal(err)
	}
	if err := appendStatLine(path, "foo"); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %v", len(lines), lines)
	}

	stars := 0
	var fooLine string
	for _, l := range lines {
		if strings.HasSuffix(l, "*") {
			stars++
		}
		if strings.HasPrefix(l, "foo") {
			fooLine = l
		}
	}
	if stars != 1 {
		t.Errorf("expected exactly one '*' marker, got %d", stars)
	}
	if fooLine != "foo : 2 *" {
		t.Errorf("expected foo's count to be 2 and marked latest, got %q", fooLine)
	}
}

func TestAppendStatLine_RotatesOverThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restarts")
	for i := 0; i < 200; i++ {
		cmd := fmt.Sprintf("a-fairly-long-supervised-command-name-number-%03d", i)
		if err := appendStatLine(path, cmd); err != nil {
			t.Fatal(err)
		}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) > maxStatsFileBytes+128 {
		t.Errorf("expected rotation to keep the file near the threshold, got %d bytes", len(raw))
	}
	if len(raw) == 0 {
		t.Error("expected at least the most recent line to survive rotation")
	}
}

func TestParseStatLine(t *testing.T) {
	cmd, n, ok := parseStatLine("foo : 3 *")
	if !ok || cmd != "foo" || n != 3 {
		t.Errorf("got cmd=%q n=%d ok=%v", cmd, n, ok)
	}
	if _, _, ok := parseStatLine(""); ok {
		t.Error("expected empty line to be rejected")
	}
}
