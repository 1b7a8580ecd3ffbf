// Package draft maintains the continuously edited frontend message a
// streaming turn renders into. A Display accumulates what the model has
// produced so far; a Manager reconciles it onto one frontend message
// with rate-limited edits and finalizes it when the turn ends.
package draft

import (
	"fmt"
	"strings"
)

const thinkingIndicator = "💭 thinking…"

// Display accumulates the three channels a streaming turn produces:
// visible text, thinking text, and tool-call markers. It is not
// self-locking; the Manager serializes access.
type Display struct {
	text     strings.Builder
	thinking strings.Builder
	markers  []string
}

// AppendText adds a visible text delta.
func (d *Display) AppendText(s string) {
	d.text.WriteString(s)
}

// AppendThinking adds a thinking text delta.
func (d *Display) AppendThinking(s string) {
	d.thinking.WriteString(s)
}

// AddMarker records a staged tool call.
func (d *Display) AddMarker(label string) {
	d.markers = append(d.markers, label)
}

// Text returns the accumulated visible text.
func (d *Display) Text() string {
	return d.text.String()
}

// Thinking returns the accumulated thinking text.
func (d *Display) Thinking() string {
	return d.thinking.String()
}

// Empty reports whether nothing has been accumulated yet.
func (d *Display) Empty() bool {
	return d.text.Len() == 0 && d.thinking.Len() == 0 && len(d.markers) == 0
}

// View renders the streaming snapshot: visible text above, staged tool
// markers as a status block below. While no visible text has arrived a
// thinking indicator stands in so the user sees progress. fromTextRune
// skips text already frozen into earlier messages.
func (d *Display) View(fromTextRune int) string {
	text := tailRunes(d.text.String(), fromTextRune)

	var parts []string
	if strings.TrimSpace(text) != "" {
		parts = append(parts, strings.TrimRight(text, " \t"))
	} else if fromTextRune == 0 && d.thinking.Len() > 0 {
		parts = append(parts, thinkingIndicator)
	}
	if len(d.markers) > 0 {
		lines := make([]string, len(d.markers))
		for i, m := range d.markers {
			lines[i] = fmt.Sprintf("⚙️ %s", m)
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// tailRunes returns s with the first n runes removed.
func tailRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if n >= len(r) {
		return ""
	}
	return string(r[n:])
}

// headRunes returns the first n runes of s.
func headRunes(s string, n int) string {
	r := []rune(s)
	if n >= len(r) {
		return s
	}
	return string(r[:n])
}
