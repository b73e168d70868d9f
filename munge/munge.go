// Package munge owns the per-session virtual clock that TimeDrive injects into
// outgoing data requests.
//
// Architecture:
//   - TimeMunge is a small state machine over (reference, time, duration,
//     play mode, rate, lastPlayUpdate). Advance charges elapsed wall-clock time
//     to the active play mode; Update applies validated changes; Render and
//     State.Body emit the query fragment and the munge body.
//   - Query (query.go) parses munge parameters out of request paths and merges
//     a client-supplied munge with the session's.
//
// Concurrency Design:
//   - TimeMunge is not safe for concurrent use. session.Store serializes all
//     access and hands callers frozen State copies.
package munge

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Reference anchors a requested time.
type Reference string

const (
	RefAbsolute Reference = "absolute"
	RefOldest   Reference = "oldest"
	RefNewest   Reference = "newest"
)

// ParseReference accepts the three known reference names, case-insensitively.
func ParseReference(s string) (Reference, bool) {
	switch Reference(strings.ToLower(strings.TrimSpace(s))) {
	case RefAbsolute:
		return RefAbsolute, true
	case RefOldest:
		return RefOldest, true
	case RefNewest:
		return RefNewest, true
	}
	return "", false
}

// runsWithWallClock reports whether time moves forward as playback moves
// forward. Newest-anchored times count backward from the end of the data.
func (r Reference) runsWithWallClock() bool {
	return r == RefAbsolute || r == RefOldest
}

// PlayMode is the playback direction of a session clock.
type PlayMode int

const (
	Pause PlayMode = iota
	Forward
	Backward
	Live
)

var playModeNames = [...]string{"pause", "forward", "backward", "live"}

func (m PlayMode) String() string {
	if m < Pause || m > Live {
		return "unknown"
	}
	return playModeNames[m]
}

// MarshalText encodes the mode by name for the admin JSON views.
func (m PlayMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name, so clients can read the admin views
// back into a State.
func (m *PlayMode) UnmarshalText(text []byte) error {
	mode, ok := ParsePlayMode(string(text))
	if !ok {
		return fmt.Errorf("unknown play mode %q", text)
	}
	*m = mode
	return nil
}

// Valid reports whether m is one of the four known modes.
func (m PlayMode) Valid() bool {
	return m >= Pause && m <= Live
}

// ParsePlayMode maps a play string from a query onto a mode.
func ParsePlayMode(s string) (PlayMode, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range playModeNames {
		if s == name {
			return PlayMode(i), true
		}
	}
	return Pause, false
}

// State is a frozen copy of a TimeMunge, safe to use after the store lock is
// released.
type State struct {
	Reference      Reference `json:"reference"`
	Time           float64   `json:"time"`
	Duration       float64   `json:"duration"`
	Mode           PlayMode  `json:"play"`
	Rate           float64   `json:"rate"`
	LastPlayUpdate int64     `json:"last_play_update_ms"`
}

// Body renders the munge body returned by the update routes:
// [r=<ref>&]t=<int>&d=<int>&play=<mode>&rate=<int>[&syncchan=<name>].
// Fractions are truncated toward zero.
func (s State) Body(syncChannel string) string {
	var b strings.Builder
	if s.Reference != RefAbsolute {
		b.WriteString("r=")
		b.WriteString(string(s.Reference))
		b.WriteByte('&')
	}
	b.WriteString("t=")
	b.WriteString(strconv.FormatInt(int64(s.Time), 10))
	b.WriteString("&d=")
	b.WriteString(strconv.FormatInt(int64(s.Duration), 10))
	b.WriteString("&play=")
	b.WriteString(s.Mode.String())
	b.WriteString("&rate=")
	b.WriteString(strconv.FormatInt(int64(s.Rate), 10))
	if syncChannel != "" {
		b.WriteString("&syncchan=")
		b.WriteString(syncChannel)
	}
	return b.String()
}

// ParseBody reads a munge body as written by Body. A missing r means
// absolute; t, d, play and rate are required.
func ParseBody(body string) (State, string, error) {
	st := State{Reference: RefAbsolute}
	var sync string
	seen := make(map[string]bool, 6)
	for _, pair := range strings.Split(strings.TrimSpace(body), "&") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return State{}, "", fmt.Errorf("malformed munge field %q", pair)
		}
		seen[key] = true
		var err error
		switch key {
		case "r":
			ref, ok := ParseReference(value)
			if !ok {
				return State{}, "", fmt.Errorf("unknown reference %q", value)
			}
			st.Reference = ref
		case "t":
			st.Time, err = strconv.ParseFloat(value, 64)
		case "d":
			st.Duration, err = strconv.ParseFloat(value, 64)
		case "rate":
			st.Rate, err = strconv.ParseFloat(value, 64)
		case "play":
			err = st.Mode.UnmarshalText([]byte(value))
		case "syncchan":
			sync = value
		}
		if err != nil {
			return State{}, "", fmt.Errorf("munge field %s: %w", key, err)
		}
	}
	for _, key := range []string{"t", "d", "play", "rate"} {
		if !seen[key] {
			return State{}, "", fmt.Errorf("munge body missing %s", key)
		}
	}
	return st, sync, nil
}

// Update carries optional changes for TimeMunge.Update. A nil pointer or an
// empty string leaves the field alone; invalid values are ignored.
type Update struct {
	Reference string
	Time      *float64
	Duration  *float64
	Play      string
	Rate      *float64
}

// Float returns a pointer to v for building an Update.
func Float(v float64) *float64 {
	return &v
}

// TimeMunge is one session's virtual clock.
type TimeMunge struct {
	reference      Reference
	time           float64
	duration       float64
	mode           PlayMode
	rate           float64
	lastPlayUpdate int64
	now            func() time.Time
}

// New returns a clock in Live mode at the current time, rate 1, absolute
// reference. A nil now uses time.Now.
func New(now func() time.Time) *TimeMunge {
	if now == nil {
		now = time.Now
	}
	m := &TimeMunge{
		reference: RefAbsolute,
		mode:      Live,
		rate:      1,
		now:       now,
	}
	at := now()
	m.time = seconds(at)
	m.lastPlayUpdate = at.UnixMilli()
	return m
}

// Snapshot copies the current fields without advancing.
func (m *TimeMunge) Snapshot() State {
	return State{
		Reference:      m.reference,
		Time:           m.time,
		Duration:       m.duration,
		Mode:           m.mode,
		Rate:           m.rate,
		LastPlayUpdate: m.lastPlayUpdate,
	}
}

// SetTime installs t, clamped to [0, now]. A non-finite t keeps the current
// time but still clamps it.
func (m *TimeMunge) SetTime(t float64) {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		t = m.time
	}
	nowSec := seconds(m.now())
	switch {
	case t > nowSec:
		t = nowSec
	case t < 0:
		t = 0
	}
	m.time = t
}

// Advance charges the wall-clock time elapsed since the last play update to
// the active mode. It reports true when playback ran off either end of the
// timeline and was demoted to Pause.
func (m *TimeMunge) Advance() bool {
	switch m.mode {
	case Pause:
		return false
	case Live:
		m.time = seconds(m.now())
		return false
	}

	at := m.now()
	nowMillis := at.UnixMilli()
	nowSec := seconds(at)

	delta := float64(nowMillis-m.lastPlayUpdate) / 1000 * m.rate
	if m.mode == Backward {
		delta = -delta
	}
	next := m.time - delta
	if m.reference.runsWithWallClock() {
		next = m.time + delta
	}

	demoted := false
	switch {
	case next > nowSec:
		m.time = nowSec
		m.mode = Pause
		demoted = true
	case next < 0:
		m.time = 0
		m.mode = Pause
		demoted = true
	default:
		m.time = next
	}
	m.lastPlayUpdate = nowMillis
	return demoted
}

// Update advances the clock under the mode that was active, then applies the
// valid fields of u and returns the resulting state.
func (m *TimeMunge) Update(u Update) State {
	target := m.mode
	if mode, ok := ParsePlayMode(u.Play); ok {
		target = mode
	}

	// A play request without an explicit time must not resume play past the
	// end of the timeline the clock just hit.
	if m.Advance() && u.Time == nil && (target == Forward || target == Backward) {
		target = Pause
	}

	if ref, ok := ParseReference(u.Reference); ok {
		m.reference = ref
	}
	if u.Time != nil {
		m.SetTime(*u.Time)
	} else {
		m.SetTime(m.time)
	}
	if u.Duration != nil && validMagnitude(*u.Duration) {
		m.duration = *u.Duration
	}
	if target != m.mode {
		m.lastPlayUpdate = m.now().UnixMilli()
		m.mode = target
	}
	if u.Rate != nil && validMagnitude(*u.Rate) {
		m.rate = *u.Rate
	}
	return m.Snapshot()
}

// NoDurationOverride tells Render to use the session duration.
const NoDurationOverride = -1.0

// Render advances the clock and returns the query fragment for a data
// request: [r=<ref>&]t=<start>&d=<duration>. tempDuration replaces the session
// duration when it is finite and non-negative. For forward-running references
// t is the start of the interval ending at the session time, never negative.
func (m *TimeMunge) Render(tempDuration float64) string {
	m.Advance()

	start := m.time
	if m.mode == Live {
		start = seconds(m.now())
	}
	dur := m.duration
	if validMagnitude(tempDuration) {
		dur = tempDuration
	}
	if m.reference.runsWithWallClock() {
		if start > dur {
			start -= dur
		} else {
			dur = start
			start = 0
		}
	}

	var b strings.Builder
	if m.reference != RefAbsolute {
		b.WriteString("r=")
		b.WriteString(string(m.reference))
		b.WriteByte('&')
	}
	b.WriteString("t=")
	b.WriteString(FormatSeconds(start))
	b.WriteString("&d=")
	b.WriteString(FormatSeconds(dur))
	return b.String()
}

// FormatSeconds prints v without a trailing ".0" for whole values.
func FormatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func validMagnitude(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func seconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}
