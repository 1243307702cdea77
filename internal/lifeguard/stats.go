package lifeguard

import (
	"os"
	"strconv"
	"strings"

	renameio "github.com/google/renameio/v2"
)

// maxStatsFileBytes is the rotation threshold named in spec.md §6: "File is
// truncated by dropping the first line when size exceeds 1024 bytes."
const maxStatsFileBytes = 1024

// appendStatLine records one more restart/reset against command in the
// lines-of-"COMMAND : N *" file at path, atomically replacing the file via
// temp-then-rename so a crash mid-write never leaves a half-written stats
// file behind (spec.md §4.4, §6).
func appendStatLine(path, command string) error {
	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var kept []string
	count := 1
	for _, line := range strings.Split(string(raw), "\n") {
		cmd, n, ok := parseStatLine(line)
		if !ok {
			continue
		}
		if cmd == command {
			count = n + 1
			continue
		}
		kept = append(kept, formatStatLine(cmd, n, false))
	}
	kept = append(kept, formatStatLine(command, count, true))

	for statLen(kept) > maxStatsFileBytes && len(kept) > 1 {
		kept = kept[1:]
	}

	content := strings.Join(kept, "\n") + "\n"
	return renameio.WriteFile(path, []byte(content), 0o644)
}

func statLen(lines []string) int {
	n := 0
	for _, l := range lines {
		n += len(l) + 1
	}
	return n
}

func parseStatLine(line string) (cmd string, count int, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", 0, false
	}
	line = strings.TrimSuffix(line, "*")
	line = strings.TrimSpace(line)
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return "", 0, false
	}
	cmd = strings.TrimSpace(parts[0])
	count, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return "", 0, false
	}
	return cmd, count, true
}

func formatStatLine(cmd string, count int, latest bool) string {
	if latest {
		return cmd + " : " + strconv.Itoa(count) + " *"
	}
	return cmd + " : " + strconv.Itoa(count)
}
