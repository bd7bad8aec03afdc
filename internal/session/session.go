// Package session persists authenticated browser state between runs.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/browser"
	"github.com/PentesterFlow/merchantcrawler/internal/logger"
)

// DefaultMaxAge is how long a captured session may be reused.
const DefaultMaxAge = 4 * time.Hour

// DefaultSlot is the record key used when none is configured.
const DefaultSlot = "portal"

// State is the serialized browser state of one authenticated identity.
type State struct {
	Identity     string            `json:"identity"`
	CapturedAt   time.Time         `json:"captured_at"`
	LastActivity time.Time         `json:"last_activity"`
	Persona      string            `json:"persona,omitempty"`
	Cookies      []browser.Cookie  `json:"cookies"`
	Origins      []browser.Storage `json:"origins,omitempty"`
}

// Age returns how long ago the state was captured.
func (s *State) Age(now time.Time) time.Duration {
	if s.CapturedAt.IsZero() || now.Before(s.CapturedAt) {
		return 0
	}
	return now.Sub(s.CapturedAt)
}

// Config selects and configures the backend.
type Config struct {
	// Backend is "bolt" (default), "file" or "memory".
	Backend  string        `yaml:"backend" json:"backend"`
	Path     string        `yaml:"path" json:"path,omitempty"`
	Slot     string        `yaml:"slot" json:"slot,omitempty"`
	MaxAge   time.Duration `yaml:"max_age" json:"max_age"`
	Compress bool          `yaml:"compress" json:"compress"`
}

// OpenBackend creates the backend named by cfg.
func OpenBackend(cfg Config) (Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "bolt":
		path := cfg.Path
		if path == "" {
			p, err := DefaultPath()
			if err != nil {
				return nil, fmt.Errorf("resolve session path: %w", err)
			}
			path = p
		}
		return NewBoltBackend(path)
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("file session backend requires a path")
		}
		return NewFileBackend(cfg.Path, cfg.Compress)
	case "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// Store validates records on load. Storage failures never escape Load;
// they are logged and reported as "no session".
type Store struct {
	mu      sync.Mutex
	backend Backend
	slot    string
	maxAge  time.Duration
	log     *logger.Logger
	now     func() time.Time
}

// New creates a store over backend.
func New(backend Backend, cfg Config, log *logger.Logger) *Store {
	if cfg.Slot == "" {
		cfg.Slot = DefaultSlot
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Store{
		backend: backend,
		slot:    cfg.Slot,
		maxAge:  cfg.MaxAge,
		log:     log.WithComponent("session"),
		now:     time.Now,
	}
}

// MaxAge returns the configured maximum age.
func (s *Store) MaxAge() time.Duration {
	return s.maxAge
}

// Save replaces the stored record with st owned by identity.
func (s *Store) Save(ctx context.Context, st *State, identity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("nil session state")
	}

	rec := *st
	rec.Identity = identity
	now := s.now()
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = now
	}
	rec.LastActivity = now

	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Put(s.slot, data); err != nil {
		s.log.WithError(err).Warn("failed to save session")
		return err
	}
	s.log.WithField("cookies", len(rec.Cookies)).Debug("session saved")
	return nil
}

// Load returns the stored state for identity, or nil. Expired and foreign
// records are deleted.
func (s *Store) Load(ctx context.Context, identity string) *State {
	if ctx.Err() != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.backend.Get(s.slot)
	if err != nil {
		s.log.WithError(err).Warn("failed to read session, continuing without one")
		return nil
	}
	if data == nil {
		return nil
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.log.WithError(err).Warn("discarding unreadable session")
		s.deleteLocked()
		return nil
	}

	if st.Identity != identity {
		s.log.Info("stored session belongs to another identity, discarding")
		s.deleteLocked()
		return nil
	}
	if age := st.Age(s.now()); age > s.maxAge {
		s.log.WithField("age", age.String()).Info("stored session expired, discarding")
		s.deleteLocked()
		return nil
	}
	return &st
}

func (s *Store) deleteLocked() {
	if err := s.backend.Delete(s.slot); err != nil {
		s.log.WithError(err).Warn("failed to delete session")
	}
}

// Invalidate deletes the stored record.
func (s *Store) Invalidate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Delete(s.slot); err != nil {
		s.log.WithError(err).Warn("failed to invalidate session")
		return err
	}
	return nil
}

// Touch bumps LastActivity of the stored record, leaving CapturedAt alone.
func (s *Store) Touch(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.backend.Get(s.slot)
	if err != nil || data == nil {
		return err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	st.LastActivity = s.now()
	if data, err = json.Marshal(&st); err != nil {
		return err
	}
	return s.backend.Put(s.slot, data)
}

// Peek returns the raw stored record without validating it.
func (s *Store) Peek(ctx context.Context) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.backend.Get(s.slot)
	if err != nil || data == nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
