package terraform

import (
	"bytes"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	// DefaultTailLines is how many trailing lines a Capture keeps.
	DefaultTailLines = 20
	// MaxTailChars caps the text returned by Tail.
	MaxTailChars = 2000

	maxLineBytes = 4096
)

// Capture is an io.Writer that splits tool output into lines, hands each line
// to an optional callback as it arrives, and keeps only the last few lines.
// Memory use is bounded no matter how long the tool runs.
type Capture struct {
	mu      sync.Mutex
	ring    []string
	next    int
	full    bool
	partial bytes.Buffer
	onLine  func(string)
}

// NewCapture keeps the last maxLines lines. onLine may be nil.
func NewCapture(maxLines int, onLine func(string)) *Capture {
	if maxLines <= 0 {
		maxLines = DefaultTailLines
	}
	return &Capture{ring: make([]string, maxLines), onLine: onLine}
}

// Write never fails.
func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rest := p
	for len(rest) > 0 {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			c.partial.Write(rest)
			if c.partial.Len() >= maxLineBytes {
				c.flushPartial()
			}
			break
		}
		c.partial.Write(rest[:i])
		c.flushPartial()
		rest = rest[i+1:]
	}
	return len(p), nil
}

func (c *Capture) flushPartial() {
	line := strings.TrimRight(c.partial.String(), "\r")
	c.partial.Reset()
	if len(line) > maxLineBytes {
		line = line[:maxLineBytes]
	}
	c.ring[c.next] = line
	c.next = (c.next + 1) % len(c.ring)
	if c.next == 0 {
		c.full = true
	}
	if c.onLine != nil {
		c.onLine(line)
	}
}

// Lines returns the retained complete lines, oldest first.
func (c *Capture) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines()
}

func (c *Capture) lines() []string {
	if !c.full {
		return append([]string(nil), c.ring[:c.next]...)
	}
	out := make([]string, 0, len(c.ring))
	out = append(out, c.ring[c.next:]...)
	return append(out, c.ring[:c.next]...)
}

// Tail returns the retained lines plus any unterminated output, limited to the
// last MaxTailChars bytes.
func (c *Capture) Tail() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines := c.lines()
	if c.partial.Len() > 0 {
		lines = append(lines, strings.TrimRight(c.partial.String(), "\r"))
	}
	return TruncateTail(strings.Join(lines, "\n"), MaxTailChars)
}

// TruncateTail keeps the last max bytes of s without splitting a UTF-8 sequence.
func TruncateTail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	s = s[len(s)-max:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}
