package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"timedrive/config"
)

const (
	logFileDateLayout = "02-Jan-2006"
	maxLogBufferBytes = 16 * 1024
)

// lineSink receives complete log lines. zerolog already stamps each event,
// so sinks write lines verbatim.
type lineSink interface {
	WriteLine(line string, now time.Time)
	Close() error
}

type ioLineSink struct {
	w io.Writer
}

// Purpose: Copy one zerolog line to a console writer.
// Key aspects: No prefix is added; the event carries its own time field.
// Upstream: logFanout.Write.
// Downstream: io.WriteString (stderr or the dashboard System pane).
func (s *ioLineSink) WriteLine(line string, _ time.Time) {
	if s == nil || s.w == nil {
		return
	}
	_, _ = io.WriteString(s.w, line+"\n")
}

func (s *ioLineSink) Close() error {
	return nil
}

// dailyFileSink appends to DD-Mon-YYYY.log in dir, switching files at UTC
// midnight and pruning files older than retentionDays.
type dailyFileSink struct {
	dir           string
	retentionDays int
	currentDate   string
	currentPath   string
	file          *os.File
	lastErrorAt   time.Time
	rotateHook    logRotateHook
	mu            sync.Mutex
}

// Purpose: Prepare the gateway's log directory for daily files.
// Key aspects: Creates the directory and prunes expired files up front; the
// first file is opened lazily by the first line.
// Upstream: setupLogging when logging.file is set.
// Downstream: os.MkdirAll, cleanupOldLogs.
func newDailyFileSink(dir string, retentionDays int) (*dailyFileSink, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("log directory is empty")
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if err := os.MkdirAll(trimmed, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", trimmed, err)
	}
	if err := cleanupOldLogs(trimmed, time.Now().UTC(), retentionDays); err != nil {
		fmt.Fprintf(os.Stderr, "Logging: cleanup failed for %s: %v\n", trimmed, err)
	}
	return &dailyFileSink{
		dir:           trimmed,
		retentionDays: retentionDays,
	}, nil
}

// Purpose: Append a line to the file for now's UTC date.
// Key aspects: Rotates first when the date changed; the rotate hook runs
// after the lock is released so it may log.
// Upstream: logFanout.Write, logFanout.WriteFileOnlyLine.
// Downstream: rotateLocked, os.File.WriteString.
func (s *dailyFileSink) WriteLine(line string, now time.Time) {
	if s == nil {
		return
	}
	now = now.UTC()
	date := now.Format(logFileDateLayout)

	var rot rotation
	s.mu.Lock()
	if s.file == nil || s.currentDate != date {
		rot = s.rotateLocked(date, now)
	}
	if s.file == nil {
		s.mu.Unlock()
		return
	}
	if _, err := s.file.WriteString(line + "\n"); err != nil {
		s.reportErrorLocked(now, fmt.Errorf("write failed: %w", err))
	}
	s.mu.Unlock()

	rot.fire()
}

func (s *dailyFileSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.currentDate = ""
	s.currentPath = ""
	return err
}

type logRotateHook func(prevDate time.Time, prevPath, newPath string)

// rotation is a pending rotate-hook call, made once the sink lock is free.
type rotation struct {
	hook     logRotateHook
	prevDate time.Time
	prevPath string
	newPath  string
}

func (r rotation) fire() {
	if r.hook != nil && !r.prevDate.IsZero() {
		r.hook(r.prevDate, r.prevPath, r.newPath)
	}
}

func (s *dailyFileSink) SetRotateHook(hook logRotateHook) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.rotateHook = hook
	s.mu.Unlock()
}

// Purpose: Switch to the file for date.
// Key aspects: Returns the hook call only when an earlier day's file was
// open, so startup does not look like a rotation.
// Upstream: dailyFileSink.WriteLine (lock held).
// Downstream: os.OpenFile, cleanupOldLogs.
func (s *dailyFileSink) rotateLocked(date string, now time.Time) rotation {
	var rot rotation
	if s.currentDate != "" && s.currentDate != date {
		if parsed, err := time.ParseInLocation(logFileDateLayout, s.currentDate, time.UTC); err == nil {
			rot.prevDate = parsed
		}
		rot.prevPath = s.currentPath
		rot.hook = s.rotateHook
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		s.reportErrorLocked(now, fmt.Errorf("failed to create log directory %q: %w", s.dir, err))
		return rotation{}
	}
	path := filepath.Join(s.dir, logFileNameForDate(now))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.reportErrorLocked(now, fmt.Errorf("open failed for %s: %w", path, err))
		return rotation{}
	}
	s.file = file
	s.currentDate = date
	s.currentPath = path
	if err := cleanupOldLogs(s.dir, now, s.retentionDays); err != nil {
		s.reportErrorLocked(now, fmt.Errorf("cleanup failed: %w", err))
	}
	rot.newPath = path
	return rot
}

// reportErrorLocked goes to stderr directly; logging through zerolog here
// would re-enter the sink.
func (s *dailyFileSink) reportErrorLocked(now time.Time, err error) {
	if err == nil {
		return
	}
	if !s.lastErrorAt.IsZero() && now.Sub(s.lastErrorAt) < time.Minute {
		return
	}
	s.lastErrorAt = now
	fmt.Fprintf(os.Stderr, "Logging: %v\n", err)
}

// logFanout is the io.Writer handed to zerolog. It splits the stream into
// lines and copies each to the console (stderr or the dashboard pane) and
// the optional daily file.
type logFanout struct {
	mu      sync.Mutex
	buf     []byte
	console lineSink
	file    lineSink
}

func newLogFanout(console lineSink, file lineSink) *logFanout {
	return &logFanout{
		console: console,
		file:    file,
	}
}

// Purpose: Build the writer zerolog logs through.
// Key aspects: The fanout is usable even when the file sink fails; the
// error is returned so main can warn once logging is up.
// Upstream: run.
// Downstream: newDailyFileSink.
func setupLogging(cfg config.LoggingConfig, console io.Writer) (*logFanout, error) {
	fanout := newLogFanout(&ioLineSink{w: console}, nil)
	if !cfg.File {
		return fanout, nil
	}
	fileSink, err := newDailyFileSink(cfg.Dir, cfg.RetentionDays)
	if err != nil {
		return fanout, err
	}
	fanout.SetFileSink(fileSink)
	return fanout, nil
}

// Purpose: Redirect console lines, e.g. into the dashboard System pane.
// Key aspects: A nil writer silences the console; the file sink is untouched.
// Upstream: run after the dashboard is ready.
// Downstream: None.
func (f *logFanout) SetConsoleSink(writer io.Writer) {
	if f == nil {
		return
	}
	var sink lineSink
	if writer != nil {
		sink = &ioLineSink{w: writer}
	}
	f.mu.Lock()
	f.console = sink
	f.mu.Unlock()
}

func (f *logFanout) SetFileSink(sink lineSink) {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.file = sink
	f.mu.Unlock()
}

type rotateHookSetter interface {
	SetRotateHook(hook logRotateHook)
}

// SetRotateHook is a no-op when file logging is off.
func (f *logFanout) SetRotateHook(hook logRotateHook) {
	if f == nil {
		return
	}
	f.mu.Lock()
	sink := f.file
	f.mu.Unlock()
	if setter, ok := sink.(rotateHookSetter); ok {
		setter.SetRotateHook(hook)
	}
}

// Purpose: Accept zerolog output and dispatch whole lines to the sinks.
// Key aspects: Partial lines are buffered; an oversized partial line is
// flushed as-is so the buffer stays bounded. Sinks run without f.mu held.
// Upstream: zerolog (console or JSON encoder).
// Downstream: lineSink.WriteLine.
func (f *logFanout) Write(p []byte) (int, error) {
	if f == nil {
		return len(p), nil
	}
	f.mu.Lock()
	var lines []string
	lines, f.buf = splitLines(append(f.buf, p...), maxLogBufferBytes)
	console := f.console
	file := f.file
	f.mu.Unlock()

	if len(lines) == 0 {
		return len(p), nil
	}
	now := time.Now().UTC()
	for _, line := range lines {
		if console != nil {
			console.WriteLine(line, now)
		}
		if file != nil {
			file.WriteLine(line, now)
		}
	}
	return len(p), nil
}

// splitLines returns the complete lines in data and the unterminated tail.
// A tail longer than limit is returned as a line of its own.
func splitLines(data []byte, limit int) ([]string, []byte) {
	var lines []string
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(data[:idx], "\r")))
		data = data[idx+1:]
	}
	if len(data) > limit {
		if tail := string(bytes.TrimRight(data, "\r")); tail != "" {
			lines = append(lines, tail)
		}
		data = data[:0]
	}
	return lines, data
}

func (f *logFanout) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	console := f.console
	file := f.file
	f.mu.Unlock()

	if console != nil {
		_ = console.Close()
	}
	if file != nil {
		return file.Close()
	}
	return nil
}

// Purpose: Record stats lines in the log file only.
// Key aspects: The dashboard already shows the same lines in its own pane.
// Upstream: statsReporter.report, the rotate hook in run.
// Downstream: dailyFileSink.WriteLine.
func (f *logFanout) WriteFileOnlyLine(line string, now time.Time) {
	if f == nil {
		return
	}
	f.mu.Lock()
	file := f.file
	f.mu.Unlock()
	if file != nil {
		file.WriteLine(line, now)
	}
}

func logFileNameForDate(now time.Time) string {
	return now.UTC().Format(logFileDateLayout) + ".log"
}

func parseLogFileDate(name string) (time.Time, bool) {
	if filepath.Ext(name) != ".log" {
		return time.Time{}, false
	}
	base := strings.TrimSuffix(name, ".log")
	parsed, err := time.ParseInLocation(logFileDateLayout, base, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// Purpose: Delete daily log files older than the retention window.
// Key aspects: Only files named like DD-Mon-YYYY.log are considered.
// Upstream: newDailyFileSink, rotateLocked.
// Downstream: os.ReadDir, os.Remove.
func cleanupOldLogs(dir string, now time.Time, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	cutoff := dateOnly(now.UTC()).AddDate(0, 0, -(retentionDays - 1))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		date, ok := parseLogFileDate(entry.Name())
		if !ok {
			continue
		}
		if date.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}

func dateOnly(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
