// Package logging is the console logger shared by every component of a
// session. It also owns the single-line progress display so that log lines
// and the progress line never interleave.
package logging

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

type Level int

const (
	LevelDebug Level = iota
	LevelLog
	LevelInfo
	LevelSuccess
	LevelWarning
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug:   "DEBUG",
	LevelLog:     "LOG",
	LevelInfo:    "INFO",
	LevelSuccess: "SUCCESS",
	LevelWarning: "WARNING",
	LevelError:   "ERROR",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

var levelColors = map[Level]lipgloss.Color{
	LevelDebug:   lipgloss.Color("8"),
	LevelLog:     lipgloss.Color("7"),
	LevelInfo:    lipgloss.Color("12"),
	LevelSuccess: lipgloss.Color("10"),
	LevelWarning: lipgloss.Color("11"),
	LevelError:   lipgloss.Color("9"),
}

type sink struct {
	mu       sync.Mutex
	out      io.Writer
	renderer *lipgloss.Renderer
	debug    bool
	now      func() time.Time
	status   int // width of the progress line currently on screen
}

// Logger writes leveled, component-tagged lines. Loggers returned by With
// share the same output and lock.
type Logger struct {
	s    *sink
	comp string
}

func New(out io.Writer, debug bool) *Logger {
	return &Logger{
		s: &sink{
			out:      out,
			renderer: lipgloss.NewRenderer(out),
			debug:    debug,
			now:      time.Now,
		},
		comp: "Sys",
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, false)
}

// With returns a logger for another component.
func (l *Logger) With(comp string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{s: l.s, comp: comp}
}

func (l *Logger) Component() string {
	if l == nil {
		return ""
	}
	return l.comp
}

func (l *Logger) Debugf(format string, args ...any)   { l.logf(LevelDebug, format, args...) }
func (l *Logger) Printf(format string, args ...any)   { l.logf(LevelLog, format, args...) }
func (l *Logger) Infof(format string, args ...any)    { l.logf(LevelInfo, format, args...) }
func (l *Logger) Successf(format string, args ...any) { l.logf(LevelSuccess, format, args...) }
func (l *Logger) Warnf(format string, args ...any)    { l.logf(LevelWarning, format, args...) }
func (l *Logger) Errorf(format string, args ...any)   { l.logf(LevelError, format, args...) }

func (l *Logger) logf(level Level, format string, args ...any) {
	if l == nil || l.s == nil {
		return
	}
	if level == LevelDebug && !l.s.debug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.clearStatus()
	ts := l.s.now().Format("15:04:05")
	lvl := fmt.Sprintf("%-7s", level.String())
	style := l.s.renderer.NewStyle().Foreground(levelColors[level])
	dim := l.s.renderer.NewStyle().Faint(true)
	fmt.Fprintf(l.s.out, "%s %s %s %s\n",
		dim.Render("["+ts+"]"),
		style.Render("["+lvl+"]"),
		dim.Render(fmt.Sprintf("[%-5s]", l.comp)),
		msg)
}

// Status replaces the progress line. It is written without a trailing
// newline and erased before the next log line.
func (l *Logger) Status(line string) {
	if l == nil || l.s == nil {
		return
	}
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	w := lipgloss.Width(line)
	pad := ""
	if l.s.status > w {
		pad = strings.Repeat(" ", l.s.status-w)
	}
	fmt.Fprintf(l.s.out, "\r%s%s", line, pad)
	l.s.status = w
}

// ClearStatus erases the progress line, if any.
func (l *Logger) ClearStatus() {
	if l == nil || l.s == nil {
		return
	}
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.clearStatus()
}

func (s *sink) clearStatus() {
	if s.status == 0 {
		return
	}
	fmt.Fprintf(s.out, "\r%s\r", strings.Repeat(" ", s.status))
	s.status = 0
}

// Style renders text with the given foreground color through the logger's
// renderer, so colors are dropped when the output is not a terminal.
func (l *Logger) Style(color string, text string) string {
	if l == nil || l.s == nil {
		return text
	}
	return l.s.renderer.NewStyle().Foreground(lipgloss.Color(color)).Render(text)
}
