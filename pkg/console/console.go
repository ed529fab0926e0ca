// Package console implements the kernel's single text-console sink (spec
// §4.9, §6): an 80x25 cell buffer, scrolled on overflow, plus the
// put_char/put_str/put_hex/put_dec/debug operations every other subsystem
// logs through. It also implements logr.LogSink so the rest of the kernel
// can log via a plain logr.Logger, the same way the teacher wires
// go-logr/logr everywhere.
package console

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-logr/logr"
)

const (
	Cols = 80
	Rows = 25

	// DefaultAttr is light-grey-on-black, the conventional VGA text attribute.
	DefaultAttr = 0x07
)

// Cell is one screen position: char | (attribute << 8), per spec §6.
type Cell struct {
	Char byte
	Attr byte
}

// Console is not reentrant; callers must serialize access (spec §4.9) via
// the embedded mutex, which stands in for per-CPU buffers/disabling
// interrupts in the original design.
type Console struct {
	mu   sync.Mutex
	buf  [Rows][Cols]Cell
	row  int
	col  int
	attr byte
}

func New() *Console {
	c := &Console{attr: DefaultAttr}
	c.clearLocked()
	return c
}

func (c *Console) clearLocked() {
	for r := range c.buf {
		for col := range c.buf[r] {
			c.buf[r][col] = Cell{Char: ' ', Attr: c.attr}
		}
	}
	c.row, c.col = 0, 0
}

// PutChar writes one character, handling newline and scroll-on-overflow of
// the last row.
func (c *Console) PutChar(ch byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putCharLocked(ch)
}

func (c *Console) putCharLocked(ch byte) {
	if ch == '\n' {
		c.newlineLocked()
		return
	}
	c.buf[c.row][c.col] = Cell{Char: ch, Attr: c.attr}
	c.col++
	if c.col >= Cols {
		c.newlineLocked()
	}
}

func (c *Console) newlineLocked() {
	c.col = 0
	c.row++
	if c.row >= Rows {
		c.scrollLocked()
		c.row = Rows - 1
	}
}

func (c *Console) scrollLocked() {
	for r := 1; r < Rows; r++ {
		c.buf[r-1] = c.buf[r]
	}
	for col := range c.buf[Rows-1] {
		c.buf[Rows-1][col] = Cell{Char: ' ', Attr: c.attr}
	}
}

// PutStr writes a string one byte at a time.
func (c *Console) PutStr(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < len(s); i++ {
		c.putCharLocked(s[i])
	}
}

// PutHex writes v as 0x-prefixed hexadecimal.
func (c *Console) PutHex(v uint32) {
	c.PutStr(fmt.Sprintf("0x%x", v))
}

// PutDec writes v as decimal.
func (c *Console) PutDec(v uint32) {
	c.PutStr(fmt.Sprintf("%d", v))
}

// Debug prefixes "[DEBUG] " and newline-terminates, per spec §4.9.
func (c *Console) Debug(s string) {
	c.PutStr("[DEBUG] " + s + "\n")
}

// Snapshot returns the visible rows as text, oldest row first, for tests and
// diagnostics.
func (c *Console) Snapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sb strings.Builder
	for r := 0; r < Rows; r++ {
		for col := 0; col < Cols; col++ {
			sb.WriteByte(c.buf[r][col].Char)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// logSink adapts Console to logr.LogSink so the rest of the kernel can use
// a plain logr.Logger that ultimately prints through the text buffer.
type logSink struct {
	c      *Console
	name   string
	values []any
	depth  int
}

// NewLogger returns a logr.Logger backed by c.
func NewLogger(c *Console) logr.Logger {
	return logr.New(&logSink{c: c})
}

func (s *logSink) Init(info logr.RuntimeInfo) { s.depth = info.CallDepth }

func (s *logSink) Enabled(level int) bool { return true }

func (s *logSink) Info(level int, msg string, kv ...any) {
	s.c.PutStr(s.format("INFO", msg, kv))
}

func (s *logSink) Error(err error, msg string, kv ...any) {
	all := append([]any{"error", err}, kv...)
	s.c.PutStr(s.format("ERROR", msg, all))
}

func (s *logSink) format(level, msg string, kv []any) string {
	var sb strings.Builder
	sb.WriteByte('[')
	sb.WriteString(level)
	sb.WriteString("] ")
	if s.name != "" {
		sb.WriteString(s.name)
		sb.WriteString(": ")
	}
	sb.WriteString(msg)
	all := append(append([]any{}, s.values...), kv...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(&sb, " %v=%v", all[i], all[i+1])
	}
	sb.WriteByte('\n')
	return sb.String()
}

func (s *logSink) WithValues(kv ...any) logr.LogSink {
	cp := *s
	cp.values = append(append([]any{}, s.values...), kv...)
	return &cp
}

func (s *logSink) WithName(name string) logr.LogSink {
	cp := *s
	if cp.name == "" {
		cp.name = name
	} else {
		cp.name = cp.name + "." + name
	}
	return &cp
}

var _ logr.LogSink = (*logSink)(nil)
