// Package session maps client identities onto their TimeMunge clocks.
//
// Concurrency Design:
//   - One mutex guards the identity map, every TimeMunge it owns, and the
//     shared sync channel. Callers only ever receive munge.State copies, so no
//     clock escapes the lock.
//   - Entries are created lazily and live for the life of the process.
package session

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"timedrive/munge"

	"github.com/zeebo/xxh3"
)

// GlobalIdentity keys the shared session used when no per-user identity
// applies.
const GlobalIdentity = "__GLOBAL__"

// Mode selects how a request is mapped to a session.
type Mode int

const (
	Off          Mode = 1
	ByIP         Mode = 2
	ByCredential Mode = 3
	Combo        Mode = 4
)

var modeNames = map[Mode]string{
	Off:          "off",
	ByIP:         "ip",
	ByCredential: "auth",
	Combo:        "combo",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "unknown"
}

// RequiresCredential reports whether requests without Basic credentials
// must be challenged.
func (m Mode) RequiresCredential() bool {
	return m == ByCredential || m == Combo
}

// ParseMode accepts the legacy numeric values 1-4 and the names off, ip,
// auth and combo.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if _, ok := modeNames[Mode(n)]; ok {
			return Mode(n), nil
		}
		return 0, fmt.Errorf("identity mode %d out of range 1-4", n)
	}
	for mode, name := range modeNames {
		if s == name {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("unknown identity mode %q", s)
}

// IdentityFor resolves the session key for one request. ok is false when the
// mode needs a credential and none was supplied. Combo concatenates the
// resolved address and the credential without a separator.
func IdentityFor(mode Mode, credential, headerIP, socketIP string) (identity string, ok bool) {
	ip := headerIP
	if ip == "" {
		ip = socketIP
	}
	switch mode {
	case ByIP:
		return ip, true
	case ByCredential:
		if credential == "" {
			return "", false
		}
		return credential, true
	case Combo:
		if credential == "" {
			return "", false
		}
		return ip + credential, true
	}
	return GlobalIdentity, true
}

// Fingerprint hashes an identity for logs and admin views so credentials
// never leave the process.
func Fingerprint(identity string) string {
	if identity == "" {
		identity = GlobalIdentity
	}
	return fmt.Sprintf("%016x", xxh3.HashString(identity))
}

// Options configures a Store.
type Options struct {
	SyncChannel string
	Now         func() time.Time
	// OnCreate runs under the store lock after a new session is created.
	OnCreate func(total int)
}

// Store is the process-wide session table.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*munge.TimeMunge
	syncChannel string
	now         func() time.Time
	onCreate    func(total int)
}

// NewStore builds an empty Store.
func NewStore(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		sessions:    make(map[string]*munge.TimeMunge),
		syncChannel: opts.SyncChannel,
		now:         now,
		onCreate:    opts.OnCreate,
	}
}

// lookupLocked returns the clock for identity, creating it on first use.
func (s *Store) lookupLocked(identity string) *munge.TimeMunge {
	if strings.TrimSpace(identity) == "" {
		identity = GlobalIdentity
	}
	m, ok := s.sessions[identity]
	if !ok {
		m = munge.New(s.now)
		s.sessions[identity] = m
		if s.onCreate != nil {
			s.onCreate(len(s.sessions))
		}
	}
	return m
}

// Get advances the session clock and returns a copy of it.
func (s *Store) Get(identity string) munge.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.lookupLocked(identity)
	m.Advance()
	return m.Snapshot()
}

// Update applies u to the session and returns the resulting copy.
func (s *Store) Update(identity string, u munge.Update) munge.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(identity).Update(u)
}

// Render returns the session's data-request munge fragment.
func (s *Store) Render(identity string, tempDuration float64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(identity).Render(tempDuration)
}

// View binds the store to one identity for munge.Merge.
func (s *Store) View(identity string) munge.SessionView {
	return storeView{store: s, identity: identity}
}

type storeView struct {
	store    *Store
	identity string
}

func (v storeView) Render(tempDuration float64) string {
	return v.store.Render(v.identity, tempDuration)
}

func (v storeView) Duration() float64 {
	return v.store.Get(v.identity).Duration
}

// SyncChannel returns the channel last used to synchronize time.
func (s *Store) SyncChannel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncChannel
}

// SetSyncChannel records the channel used to synchronize time.
func (s *Store) SetSyncChannel(name string) {
	s.mu.Lock()
	s.syncChannel = name
	s.mu.Unlock()
}

// Len reports the number of sessions created so far.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Entry is one session as exposed to the dashboard and admin endpoint.
type Entry struct {
	Fingerprint string      `json:"fingerprint"`
	Global      bool        `json:"global"`
	State       munge.State `json:"state"`
}

// Entries advances every session and returns them ordered by fingerprint.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.sessions))
	for identity, m := range s.sessions {
		m.Advance()
		out = append(out, Entry{
			Fingerprint: Fingerprint(identity),
			Global:      identity == GlobalIdentity,
			State:       m.Snapshot(),
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}
