package tmuxfmt

import (
	"strconv"
	"strings"
)

// FieldSeparator delimits fields in -F format strings. ASCII Unit Separator
// cannot appear in window names created by nomadflow, unlike ':' or '_'.
const FieldSeparator = "\x1f"

// Join builds a tmux format string with the canonical delimiter.
func Join(fields ...string) string {
	return strings.Join(fields, FieldSeparator)
}

// SplitLine splits a formatted line into at most maxParts fields. Older tmux
// builds escape control characters in -F output, so a literal "\037" or a
// real tab is accepted as well.
func SplitLine(line string, maxParts int) []string {
	if maxParts <= 0 {
		return nil
	}
	for _, sep := range []string{FieldSeparator, `\037`, "\t"} {
		if strings.Contains(line, sep) {
			return strings.SplitN(line, sep, maxParts)
		}
	}
	return []string{line}
}

// Lines returns the non-empty lines of tmux output with trailing CR removed.
func Lines(out string) []string {
	raw := strings.Split(out, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

// Atoi parses a numeric tmux field, returning -1 on failure.
func Atoi(field string) int {
	n, err := strconv.Atoi(strings.TrimSpace(field))
	if err != nil {
		return -1
	}
	return n
}
