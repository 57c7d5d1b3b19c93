// Package events keeps an append-only journal of forwarder lifecycle and
// reconciliation events in events.jsonl.
package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/treykane/tunnel-cli/internal/appconfig"
	"github.com/treykane/tunnel-cli/internal/model"
)

// Event types written by the registry and the supervisor.
const (
	TypeStartSucceeded = "start_succeeded"
	TypeStartFailed    = "start_failed"
	TypeStopped        = "stopped"
	TypeForceKilled    = "force_killed"
	TypePortDown       = "port_down"
	TypeInstallFailed  = "install_failed"
)

// IsProblem reports whether eventType means the tunnel stopped serving
// traffic or never started.
func IsProblem(eventType string) bool {
	switch eventType {
	case TypeStartFailed, TypeForceKilled, TypePortDown, TypeInstallFailed:
		return true
	}
	return false
}

// Event is one tunnel lifecycle record persisted to events.jsonl.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	TunnelID  string                 `json:"tunnel_id,omitempty"`
	Subdomain string                 `json:"subdomain,omitempty"`
	EventType string                 `json:"event_type"`
	Status    model.ConnectionStatus `json:"status,omitempty"`
	LocalPort int                    `json:"local_port,omitempty"`
	Message   string                 `json:"message,omitempty"`
	PID       int                    `json:"pid,omitempty"`
}

// Query selects journal entries. Zero fields match everything.
type Query struct {
	// TunnelID matches a full id or an id prefix as shown by `tunnel list`.
	TunnelID  string
	Subdomain string
	Types     []string
	LocalPort int
	Since     time.Time

	// ProblemsOnly keeps start failures, forced kills, closed ports and
	// install failures.
	ProblemsOnly bool

	// Limit keeps the newest Limit matches.
	Limit int
}

func (q Query) match(evt Event) bool {
	switch {
	case q.TunnelID != "" && !strings.HasPrefix(evt.TunnelID, q.TunnelID):
		return false
	case q.Subdomain != "" && evt.Subdomain != q.Subdomain:
		return false
	case q.LocalPort > 0 && evt.LocalPort != q.LocalPort:
		return false
	case !q.Since.IsZero() && evt.Timestamp.Before(q.Since):
		return false
	case q.ProblemsOnly && !IsProblem(evt.EventType):
		return false
	}
	if len(q.Types) == 0 {
		return true
	}
	for _, t := range q.Types {
		if evt.EventType == t {
			return true
		}
	}
	return false
}

// Journal is what producers need; Store implements it.
type Journal interface {
	Append(evt Event) error
}

// Store is the events.jsonl journal. One Store must be shared by every
// producer in a process so appends do not interleave.
type Store struct {
	mu sync.Mutex
}

func NewStore() *Store {
	return &Store{}
}

// Append stamps evt if needed and writes it as one line.
func (s *Store) Append(evt Event) error {
	if evt.EventType == "" {
		return fmt.Errorf("append event: missing event type")
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	path, err := appconfig.EventsFilePath()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(evt); err != nil {
		f.Close()
		return fmt.Errorf("append event: %w", err)
	}
	return f.Close()
}

// each calls fn for every well-formed entry in append order. Lines that do
// not decode are skipped; a crash can leave a partial last line.
func (s *Store) each(fn func(Event)) error {
	path, err := appconfig.EventsFilePath()
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		var evt Event
		if json.Unmarshal(sc.Bytes(), &evt) != nil || evt.EventType == "" {
			continue
		}
		fn(evt)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	return nil
}

// Read returns matching events oldest first.
func (s *Store) Read(q Query) ([]Event, error) {
	var out []Event
	err := s.each(func(evt Event) {
		if !q.match(evt) {
			return
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) > 2*q.Limit {
			out = append(out[:0], out[len(out)-q.Limit:]...)
		}
	})
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// TunnelHealth is the journal's view of one tunnel.
type TunnelHealth struct {
	TunnelID  string
	Subdomain string
	Last      Event

	// Failures counts start and install failures since the last
	// successful start.
	Failures int
}

// Failing reports whether the tunnel's latest event is a failed start or
// install.
func (h TunnelHealth) Failing() bool {
	return h.Last.EventType == TypeStartFailed || h.Last.EventType == TypeInstallFailed
}

// Health folds the journal into one entry per tunnel, sorted by subdomain.
func (s *Store) Health(since time.Time) ([]TunnelHealth, error) {
	byID := map[string]*TunnelHealth{}
	err := s.each(func(evt Event) {
		if evt.TunnelID == "" || (!since.IsZero() && evt.Timestamp.Before(since)) {
			return
		}
		h, ok := byID[evt.TunnelID]
		if !ok {
			h = &TunnelHealth{TunnelID: evt.TunnelID}
			byID[evt.TunnelID] = h
		}
		if evt.Subdomain != "" {
			h.Subdomain = evt.Subdomain
		}
		h.Last = evt
		switch evt.EventType {
		case TypeStartSucceeded:
			h.Failures = 0
		case TypeStartFailed, TypeInstallFailed:
			h.Failures++
		}
	})
	if err != nil {
		return nil, err
	}
	out := make([]TunnelHealth, 0, len(byID))
	for _, h := range byID {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subdomain != out[j].Subdomain {
			return out[i].Subdomain < out[j].Subdomain
		}
		return out[i].TunnelID < out[j].TunnelID
	})
	return out, nil
}
