// Package session implements per-tenant mischief policy: which plugins fire
// on a request and in what scheduling mode, plus the in-memory session map.
package session

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lokisec/loki/pkg/mischief"
)

// Mode is the plugin scheduling policy for a session.
type Mode string

// Scheduling modes.
const (
	// ModeExplicit fires every configured plugin on every request.
	ModeExplicit Mode = "explicit"
	// ModeRandom fires a single random plugin with the configured probability.
	ModeRandom Mode = "random"
	// ModeShuffled fires the configured plugins one per request in a
	// pre-shuffled order, then goes quiet.
	ModeShuffled Mode = "shuffled"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeExplicit, ModeRandom, ModeShuffled:
		return true
	}
	return false
}

// Session errors.
var (
	ErrInvalidMode        = errors.New("invalid session mode")
	ErrInvalidProbability = errors.New("probability must be in [0,1]")
	ErrNotExplicit        = errors.New("plugins can only be enabled in explicit mode")
	ErrEnded              = errors.New("session has ended")
	ErrNotFound           = errors.New("session not found")
)

// Options configures a new session.
type Options struct {
	Name string
	Mode Mode
	// Mischief is the ordered list of plugin ids this session may fire.
	Mischief []string
	// Probability is required in random mode.
	Probability float64
	// PluginConfig maps plugin id to its per-plugin configuration.
	PluginConfig map[string]map[string]any
}

// Session holds one tenant's fault-injection policy. After End() the session
// is read-only.
type Session struct {
	ID          string
	Name        string
	Mode        Mode
	Probability float64
	StartedAt   time.Time

	mu           sync.Mutex
	mischief     []string
	shuffleQueue []string
	pluginConfig map[string]map[string]any
	endedAt      *time.Time
}

// New creates a session with a generated sess_-prefixed id. In shuffled mode
// a Fisher-Yates permutation of the mischief list is stored as the queue.
func New(opts Options) (*Session, error) {
	if opts.Mode == "" {
		opts.Mode = ModeExplicit
	}
	if !opts.Mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, opts.Mode)
	}
	if opts.Mode == ModeRandom && (opts.Probability < 0 || opts.Probability > 1) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidProbability, opts.Probability)
	}

	s := &Session{
		ID:           "sess_" + uuid.NewString(),
		Name:         opts.Name,
		Mode:         opts.Mode,
		Probability:  opts.Probability,
		StartedAt:    time.Now().UTC(),
		mischief:     append([]string(nil), opts.Mischief...),
		pluginConfig: opts.PluginConfig,
	}

	if opts.Mode == ModeShuffled {
		s.shuffleQueue = append([]string(nil), opts.Mischief...)
		rand.Shuffle(len(s.shuffleQueue), func(i, j int) {
			s.shuffleQueue[i], s.shuffleQueue[j] = s.shuffleQueue[j], s.shuffleQueue[i]
		})
	}

	return s, nil
}

// NextPlugins returns the plugin ids to fire for one incoming request.
// Shuffled mode consumes the queue head; concurrent requests against the
// same session are serialised here.
func (s *Session) NextPlugins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.Mode {
	case ModeExplicit:
		return append([]string(nil), s.mischief...)
	case ModeRandom:
		if len(s.mischief) == 0 || rand.Float64() > s.Probability {
			return nil
		}
		return []string{s.mischief[rand.IntN(len(s.mischief))]}
	case ModeShuffled:
		if len(s.shuffleQueue) == 0 {
			return nil
		}
		head := s.shuffleQueue[0]
		s.shuffleQueue = s.shuffleQueue[1:]
		return []string{head}
	}
	return nil
}

// Enable appends a plugin id to the mischief list. Only valid in explicit
// mode on a live session.
func (s *Session) Enable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.endedAt != nil {
		return ErrEnded
	}
	if s.Mode != ModeExplicit {
		return fmt.Errorf("%w: session is in %s mode", ErrNotExplicit, s.Mode)
	}
	s.mischief = append(s.mischief, id)
	return nil
}

// End marks the session ended. Subsequent calls are no-ops; the first end
// time wins.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endedAt == nil {
		now := time.Now().UTC()
		s.endedAt = &now
	}
}

// EndedAt returns the end timestamp, or nil while the session is live.
func (s *Session) EndedAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endedAt == nil {
		return nil
	}
	t := *s.endedAt
	return &t
}

// Mischief returns a copy of the configured plugin id list.
func (s *Session) Mischief() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.mischief...)
}

// ConfigFor returns the per-plugin configuration map for a plugin id, or nil.
func (s *Session) ConfigFor(pluginID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pluginConfig == nil {
		return nil
	}
	return s.pluginConfig[pluginID]
}

// Info returns the read-only summary exposed to plugins and ledger entries.
func (s *Session) Info() mischief.SessionInfo {
	return mischief.SessionInfo{ID: s.ID, Name: s.Name, Mode: string(s.Mode)}
}

// Record is the durable snapshot of a session.
type Record struct {
	ID           string                    `json:"id"`
	Name         string                    `json:"name,omitempty"`
	Mode         Mode                      `json:"mode"`
	Mischief     []string                  `json:"mischief"`
	Probability  float64                   `json:"probability,omitempty"`
	ShuffleQueue []string                  `json:"shuffleQueue,omitempty"`
	PluginConfig map[string]map[string]any `json:"pluginConfig,omitempty"`
	StartedAt    time.Time                 `json:"startedAt"`
	EndedAt      *time.Time                `json:"endedAt,omitempty"`
}

// Record snapshots the session for persistence.
func (s *Session) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Record{
		ID:           s.ID,
		Name:         s.Name,
		Mode:         s.Mode,
		Mischief:     append([]string(nil), s.mischief...),
		Probability:  s.Probability,
		ShuffleQueue: append([]string(nil), s.shuffleQueue...),
		PluginConfig: s.pluginConfig,
		StartedAt:    s.StartedAt,
	}
	if s.endedAt != nil {
		t := *s.endedAt
		r.EndedAt = &t
	}
	return r
}

// FromRecord rehydrates a session from its durable snapshot, preserving the
// remaining shuffle queue.
func FromRecord(r Record) *Session {
	s := &Session{
		ID:           r.ID,
		Name:         r.Name,
		Mode:         r.Mode,
		Probability:  r.Probability,
		StartedAt:    r.StartedAt,
		mischief:     append([]string(nil), r.Mischief...),
		shuffleQueue: append([]string(nil), r.ShuffleQueue...),
		pluginConfig: r.PluginConfig,
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		s.endedAt = &t
	}
	return s
}

// Manager is the process-wide session map.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Create builds and registers a new session.
func (m *Manager) Create(opts Options) (*Session, error) {
	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s, nil
}

// Put registers an existing (e.g. rehydrated) session.
func (m *Manager) Put(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns all sessions in descending start-time order.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Delete removes a session from the map, reporting whether it existed.
// Cascading deletion of ledger state is the caller's job so both drops
// happen under one admin operation.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}
