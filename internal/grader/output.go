package grader

import (
	"strings"
	"unicode/utf8"
)

// SameOutput compares program output with the expected answer, ignoring
// trailing whitespace on each line and trailing blank lines.
func SameOutput(actual, expected string) bool {
	return normalize(actual) == normalize(expected)
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func trimStrToRect(s string, maxHeight int, maxWidth int) string {
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > maxHeight {
		lines = lines[:maxHeight]
		lines = append(lines, "[...]")
	}
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(cutRunes(line, maxWidth))
	}
	return b.String()
}

// cutRunes shortens line to maxWidth characters, never splitting one.
func cutRunes(line string, maxWidth int) string {
	if utf8.RuneCountInString(line) <= maxWidth {
		return line
	}
	n := 0
	for i := range line {
		if n == maxWidth {
			return line[:i] + "[...]"
		}
		n++
	}
	return line
}
