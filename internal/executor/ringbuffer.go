package executor

import "strings"

// tailLimit is the maximum number of non-blank lines retained per stream.
const tailLimit = 100

// lineRing keeps the last tailLimit non-blank lines of a stream in order.
type lineRing struct {
	lines []string
}

// Add appends a line, dropping blank lines and evicting the oldest entry
// once the limit is reached.
func (r *lineRing) Add(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if len(r.lines) >= tailLimit {
		copy(r.lines, r.lines[1:])
		r.lines[len(r.lines)-1] = line
		return
	}
	r.lines = append(r.lines, line)
}

// String joins the retained lines with newlines.
func (r *lineRing) String() string {
	return strings.Join(r.lines, "\n")
}

// Len returns the number of retained lines.
func (r *lineRing) Len() int { return len(r.lines) }
