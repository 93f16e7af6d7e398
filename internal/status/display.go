// Package status shows how a running session is doing: a progress line on
// the terminal and a websocket feed of session snapshots.
package status

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/signalnine/minidani/internal/logging"
	"github.com/signalnine/minidani/internal/session"
)

const (
	barWidth        = 10
	TTYInterval     = time.Second
	PlainInterval   = 10 * time.Second
	maxLogLineWidth = 60
)

var spinner = []string{"-", "\\", "|", "/"}

// Display redraws the progress line while competitors run. On a terminal it
// refreshes every second; otherwise it logs a summary every ten seconds.
type Display struct {
	Session  *session.Session
	Log      *logging.Logger
	TTY      bool
	Timeout  time.Duration // per-competitor limit, the bar's full width
	Interval time.Duration
}

// Start runs the display until the returned stop function is called.
func (d *Display) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (d *Display) run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = PlainInterval
		if d.TTY {
			interval = TTYInterval
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer d.Log.ClearStatus()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			view := d.Session.Snapshot()
			if view.Phase != session.PhaseCompete {
				d.Log.ClearStatus()
				continue
			}
			if d.TTY {
				d.Log.Status(Line(view, now, d.Timeout))
			} else if s := Summary(view, now); s != "" {
				d.Log.Infof("Progress: %s", s)
			}
		}
	}
}

// Line renders the one-line terminal view of the current round.
func Line(v session.View, now time.Time, timeout time.Duration) string {
	var parts, logs []string
	var earliest time.Time
	for _, c := range current(v) {
		id := strings.ToUpper(c.ID)
		switch c.Status {
		case session.StatusRunning:
			if earliest.IsZero() || c.StartedAt.Before(earliest) {
				earliest = c.StartedAt
			}
			el := c.Elapsed(now)
			spin := spinner[int(now.UnixMilli()/250)%len(spinner)]
			parts = append(parts, fmt.Sprintf("%s %s [%s] %.0fs", id, spin, bar(el, timeout), el.Seconds()))
		case session.StatusCompleted:
			parts = append(parts, fmt.Sprintf("%s [%s] done", id, strings.Repeat("#", barWidth)))
		case session.StatusFailed, session.StatusTimedOut:
			parts = append(parts, fmt.Sprintf("%s [%s] fail", id, strings.Repeat("!", barWidth)))
		default:
			parts = append(parts, fmt.Sprintf("%s [%s] wait", id, strings.Repeat(".", barWidth)))
		}
		if c.LastLog != "" {
			logs = append(logs, fmt.Sprintf("%s: %s", id, clip(c.LastLog, maxLogLineWidth)))
		}
	}
	total := 0.0
	if !earliest.IsZero() {
		total = now.Sub(earliest).Seconds()
	}
	line := fmt.Sprintf("R%d %s | total %.0fs", v.Round, strings.Join(parts, " "), total)
	if len(logs) > 0 {
		line += " | logs " + strings.Join(logs, " | ")
	}
	return line
}

// Summary is the plain-text progress report of running competitors.
func Summary(v session.View, now time.Time) string {
	var lines []string
	for _, c := range current(v) {
		if c.Status != session.StatusRunning {
			continue
		}
		s := fmt.Sprintf("%s %.0fs", strings.ToUpper(c.ID), c.Elapsed(now).Seconds())
		if c.LastLog != "" {
			s += " | last: " + clip(c.LastLog, maxLogLineWidth)
		}
		lines = append(lines, s)
	}
	return strings.Join(lines, "; ")
}

func current(v session.View) []session.CompetitorView {
	var out []session.CompetitorView
	for _, c := range v.Competitors {
		if c.Round == v.Round {
			out = append(out, c)
		}
	}
	return out
}

func bar(elapsed, total time.Duration) string {
	if total <= 0 {
		total = time.Second
	}
	frac := float64(elapsed) / float64(total)
	if frac > 1 {
		frac = 1
	}
	fill := int(frac * barWidth)
	return strings.Repeat("#", fill) + strings.Repeat(".", barWidth-fill)
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
