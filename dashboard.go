package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"timedrive/buffer"
	"timedrive/munge"
	"timedrive/session"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// uiSurface is what main drives; nil means headless.
type uiSurface interface {
	WaitReady()
	Stop()
	SetStats(lines []string)
	SetSessions(lines []string)
	SetRecent(lines []string)
	SystemWriter() io.Writer
}

// dashboard renders the console layout when a compatible terminal is available.
// It shows stats, the session table, recent requests and the system log.
type dashboard struct {
	app          *tview.Application
	statsView    *tview.TextView
	sessionsView *tview.TextView
	recentView   *tview.TextView
	systemView   *tview.TextView
	systemLines  []string
	paneMu       sync.Mutex
	events       chan string
	closed       atomic.Bool
	ready        chan struct{}
}

const (
	paneMaxLines  = 8
	recentMaxRows = 8
)

func newDashboard() *dashboard {
	makePane := func(title string) *tview.TextView {
		tv := tview.NewTextView().
			SetDynamicColors(false).
			SetWrap(false)
		tv.SetBorder(true)
		if title != "" {
			tv.SetTitle(" " + title + " ").SetTitleAlign(tview.AlignLeft)
		}
		return tv
	}

	stats := makePane("TimeDrive")
	stats.SetTextColor(tcell.ColorYellow)
	sessionsPane := makePane("Sessions")
	recentPane := makePane("Recent requests")
	systemPane := makePane("System")
	systemPane.SetTextColor(tcell.ColorYellow)

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(stats, 5, 0, false).
		AddItem(sessionsPane, paneMaxLines+2, 0, false).
		AddItem(recentPane, recentMaxRows+2, 0, false).
		AddItem(systemPane, 0, 1, false)

	app := tview.NewApplication().SetRoot(layout, true).EnableMouse(false)
	ready := make(chan struct{})
	var once sync.Once
	app.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		once.Do(func() { close(ready) })
		return false
	})
	d := &dashboard{
		app:          app,
		statsView:    stats,
		sessionsView: sessionsPane,
		recentView:   recentPane,
		systemView:   systemPane,
		events:       make(chan string, 256),
		ready:        ready,
	}

	// Dedicated flusher so logging can drop instead of blocking when the UI lags.
	go d.runEventLoop()

	go func() {
		if err := app.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "dashboard error: %v\n", err)
		}
	}()

	return d
}

func (d *dashboard) Stop() {
	if d == nil || d.app == nil {
		return
	}
	if d.closed.Swap(true) {
		return
	}
	close(d.events)
	d.app.Stop()
}

func (d *dashboard) WaitReady() {
	if d == nil || d.ready == nil {
		return
	}
	<-d.ready
}

func (d *dashboard) SetStats(lines []string) {
	d.setText(d.statsView, lines)
}

func (d *dashboard) SetSessions(lines []string) {
	d.setText(d.sessionsView, lines)
}

func (d *dashboard) SetRecent(lines []string) {
	d.setText(d.recentView, lines)
}

func (d *dashboard) setText(view *tview.TextView, lines []string) {
	if d == nil || d.closed.Load() {
		return
	}
	text := strings.Join(lines, "\n")
	d.app.QueueUpdateDraw(func() {
		view.SetText(text)
	})
}

func (d *dashboard) SystemWriter() io.Writer {
	return &paneWriter{d: d}
}

// paneWriter feeds complete log lines to the system pane.
type paneWriter struct {
	d *dashboard
}

func (w *paneWriter) Write(p []byte) (int, error) {
	if w == nil || w.d == nil || w.d.closed.Load() {
		return len(p), nil
	}
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		select {
		case w.d.events <- line:
		default:
			// Drop on saturation to keep the hot path non-blocking.
		}
	}
	return len(p), nil
}

func (d *dashboard) runEventLoop() {
	for line := range d.events {
		d.appendSystem(line)
	}
}

func (d *dashboard) appendSystem(line string) {
	d.paneMu.Lock()
	d.systemLines = append(d.systemLines, line)
	if len(d.systemLines) > 200 {
		d.systemLines = d.systemLines[len(d.systemLines)-200:]
	}
	text := strings.Join(d.systemLines, "\n")
	d.paneMu.Unlock()

	d.app.QueueUpdateDraw(func() {
		d.systemView.SetText(text)
		d.systemView.ScrollToEnd()
	})
}

// formatSessionLines renders one row per session in fingerprint order,
// capped at limit rows plus an overflow note.
func formatSessionLines(entries []session.Entry, limit int) []string {
	if len(entries) == 0 {
		return []string{"No sessions yet"}
	}
	lines := make([]string, 0, min(len(entries), limit)+1)
	for i, e := range entries {
		if i == limit {
			lines = append(lines, fmt.Sprintf("... and %d more", len(entries)-limit))
			break
		}
		name := e.Fingerprint
		if e.Global {
			name = "global"
		}
		lines = append(lines, formatSessionRow(name, e.State))
	}
	return lines
}

func formatSessionRow(name string, st munge.State) string {
	at := time.UnixMilli(int64(st.Time * 1000)).UTC().Format("2006-01-02 15:04:05")
	return fmt.Sprintf("%-16s %-8s %-8s %s  d=%s rate=%s",
		name, st.Mode, st.Reference, at, munge.FormatSeconds(st.Duration), munge.FormatSeconds(st.Rate))
}

// formatRecentLines renders newest-first request records.
func formatRecentLines(records []*buffer.Record) []string {
	if len(records) == 0 {
		return []string{"No requests yet"}
	}
	lines := make([]string, 0, len(records))
	for _, r := range records {
		path := r.Path
		if r.Rewritten != "" && r.Rewritten != r.Path {
			path += " -> " + r.Rewritten
		}
		lines = append(lines, fmt.Sprintf("%s %-19s %-12s %3d %8s %s",
			r.At.UTC().Format("15:04:05"), r.Route, r.Outcome, r.Status, humanize.Bytes(uint64(max(r.Bytes, 0))), path))
	}
	return lines
}
