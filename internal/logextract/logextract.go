// Package logextract reduces raw EDA tool logs to compact diagnostics:
// the error lines with their surrounding context, or the log tail when no
// error marker is present.
package logextract

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultTailLines is the tail length used when no error marker is found.
	DefaultTailLines = 20
	// MaxLineChars is the width at which a line is cut and marked with Ellipsis.
	MaxLineChars = 500
	// ContextLines is the number of lines kept on each side of an error line.
	ContextLines = 2
	// Ellipsis marks a truncated line.
	Ellipsis = "…"
	// GapMarker separates non-adjacent runs of extracted lines.
	GapMarker = "  ..."
)

// errorKeywords are matched case-sensitively as substrings.
var errorKeywords = []string{"ERROR", "FATAL", "Error:", "Fatal:", "Exception:", "traceback"}

// Tail returns the last n non-empty lines of text, each trimmed and cut
// to MaxLineChars characters.
func Tail(text string, n int) string {
	if n <= 0 {
		return ""
	}
	var kept []string
	for _, line := range splitLines(text) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		kept = append(kept, truncate(line))
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return strings.Join(kept, "\n")
}

// ExtractErrors returns every line containing an error keyword together
// with ContextLines lines on either side. Overlapping windows are merged
// and non-adjacent runs are separated by GapMarker. Without any match it
// falls back to Tail(text, DefaultTailLines).
func ExtractErrors(text string) string {
	if text == "" {
		return ""
	}
	lines := splitLines(text)

	keep := make([]bool, len(lines))
	found := false
	for i, line := range lines {
		if !hasErrorKeyword(line) {
			continue
		}
		found = true
		lo := max(0, i-ContextLines)
		hi := min(len(lines)-1, i+ContextLines)
		for j := lo; j <= hi; j++ {
			keep[j] = true
		}
	}
	if !found {
		return Tail(text, DefaultTailLines)
	}

	var b strings.Builder
	prev := -1
	for i, ok := range keep {
		if !ok {
			continue
		}
		if prev != -1 && i > prev+1 {
			b.WriteString(GapMarker)
			b.WriteByte('\n')
		}
		b.WriteString(truncate(strings.TrimRight(lines[i], " \t\r")))
		b.WriteByte('\n')
		prev = i
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func hasErrorKeyword(line string) bool {
	for _, kw := range errorKeywords {
		if strings.Contains(line, kw) {
			return true
		}
	}
	return false
}

// splitLines splits on \n, \r\n and bare \r. A trailing newline does not
// produce an empty final line.
func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func truncate(line string) string {
	if utf8.RuneCountInString(line) <= MaxLineChars {
		return line
	}
	runes := []rune(line)
	return string(runes[:MaxLineChars]) + Ellipsis
}
