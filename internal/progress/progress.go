// Package progress reports the advance of multi-page CLI runs.
package progress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Reporter receives progress events of a run over a known number of items.
type Reporter interface {
	OnStart(total int)
	// OnProgress is called after item number current (1-based) finished.
	OnProgress(current, total int, item string)
	OnComplete()
	OnError(current int, item string, err error)
}

// NoOp discards every event.
type NoOp struct{}

func (NoOp) OnStart(int)                 {}
func (NoOp) OnProgress(int, int, string) {}
func (NoOp) OnComplete()                 {}
func (NoOp) OnError(int, string, error)  {}

// Console draws a progress bar on a terminal.
type Console struct {
	writer         io.Writer
	prefix         string
	width          int
	updateInterval time.Duration

	mu         sync.Mutex
	lastUpdate time.Time
	startTime  time.Time
	showETA    bool
}

// NewConsole creates a console reporter writing to w (stderr when nil).
func NewConsole(w io.Writer, prefix string) *Console {
	if w == nil {
		w = os.Stderr
	}
	return &Console{
		writer:         w,
		prefix:         prefix,
		width:          30,
		updateInterval: 100 * time.Millisecond,
		showETA:        true,
	}
}

// WithWidth sets the bar width in characters.
func (c *Console) WithWidth(width int) *Console {
	c.width = width
	return c
}

// WithUpdateInterval sets the minimum time between redraws.
func (c *Console) WithUpdateInterval(d time.Duration) *Console {
	c.updateInterval = d
	return c
}

// WithETA toggles the remaining time estimate.
func (c *Console) WithETA(show bool) *Console {
	c.showETA = show
	return c
}

func (c *Console) OnStart(total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startTime = time.Now()
	c.lastUpdate = time.Time{}
	_, _ = fmt.Fprintf(c.writer, "%s0/%d pages\n", c.prefix, total)
}

func (c *Console) OnProgress(current, total int, item string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.lastUpdate) < c.updateInterval && current < total {
		return
	}
	c.lastUpdate = now
	c.draw(current, total, item, now)
}

func (c *Console) OnComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.writer, "\n%sdone in %v\n", c.prefix, time.Since(c.startTime).Round(time.Millisecond))
}

func (c *Console) OnError(current int, item string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.writer, "\n%spage %d (%s) failed: %v\n", c.prefix, current, item, err)
}

func (c *Console) draw(current, total int, item string, now time.Time) {
	if total <= 0 {
		return
	}
	current = min(current, total)
	filled := c.width * current / total
	bar := strings.Repeat("█", filled) + strings.Repeat("░", c.width-filled)
	status := fmt.Sprintf("\r%s[%s] %d/%d (%.1f%%)", c.prefix, bar, current, total, float64(current)/float64(total)*100)

	elapsed := now.Sub(c.startTime)
	if c.showETA && current > 0 && current < total && elapsed > 0 {
		eta := time.Duration(float64(elapsed) * float64(total-current) / float64(current))
		status += fmt.Sprintf(" ETA %v", eta.Round(time.Second))
	}
	if item != "" {
		status += " " + item
	}
	_, _ = fmt.Fprint(c.writer, status)
}

// Log reports progress through slog.
type Log struct {
	logger    *slog.Logger
	level     slog.Level
	interval  int
	lastLog   int
	startTime time.Time
}

// NewLog creates a reporter logging every interval items (and the last one).
func NewLog(logger *slog.Logger, level slog.Level, interval int) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 1
	}
	return &Log{logger: logger, level: level, interval: interval}
}

func (l *Log) OnStart(total int) {
	l.startTime = time.Now()
	l.lastLog = 0
	l.logger.Log(context.Background(), l.level, "Processing pages", "total", total)
}

func (l *Log) OnProgress(current, total int, item string) {
	if current-l.lastLog < l.interval && current != total {
		return
	}
	l.lastLog = current
	l.logger.Log(context.Background(), l.level, "Page processed",
		"current", current,
		"total", total,
		"item", item,
		"elapsed", time.Since(l.startTime).Round(time.Millisecond),
	)
}

func (l *Log) OnComplete() {
	l.logger.Log(context.Background(), l.level, "Processing completed", "elapsed", time.Since(l.startTime).Round(time.Millisecond))
}

func (l *Log) OnError(current int, item string, err error) {
	l.logger.Log(context.Background(), slog.LevelError, "Page failed", "current", current, "item", item, "error", err)
}

// Multi fans events out to several reporters.
type Multi []Reporter

func (m Multi) OnStart(total int) {
	for _, r := range m {
		r.OnStart(total)
	}
}

func (m Multi) OnProgress(current, total int, item string) {
	for _, r := range m {
		r.OnProgress(current, total, item)
	}
}

func (m Multi) OnComplete() {
	for _, r := range m {
		r.OnComplete()
	}
}

func (m Multi) OnError(current int, item string, err error) {
	for _, r := range m {
		r.OnError(current, item, err)
	}
}
