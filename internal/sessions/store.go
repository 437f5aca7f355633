package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Message is one record of a session log.
type Message struct {
	Role       string          `json:"role"` // "user", "assistant", "tool", "system"
	Text       string          `json:"text"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`
	ToolResult string          `json:"tool_result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Tokens     int             `json:"tokens,omitempty"`
	Cost       float64         `json:"cost,omitempty"`
}

// Store persists per-session logs as JSONL files under a storage dir.
// The log is strictly append-only: writers only add lines, never rewrite.
// Each session is written by the engine run that owns it; readers get
// snapshots. Appends are buffered and fsynced when the batch closes so a
// crash loses at most one unflushed batch.
type Store struct {
	dir string

	mu       sync.RWMutex
	sessions map[string]*sessionState
}

type sessionState struct {
	mu       sync.Mutex
	file     *os.File
	w        *bufio.Writer
	messages []Message // in-memory mirror for fast reads
	lastUsed time.Time
}

// NewStore opens (or creates) the session storage directory and loads
// existing logs.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	s := &Store{dir: dir, sessions: make(map[string]*sessionState)}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan sessions dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		id := strings.ReplaceAll(strings.TrimSuffix(e.Name(), ".jsonl"), "__", ":")
		msgs, err := readLog(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("load session %s: %w", id, err)
		}
		st := &sessionState{messages: msgs}
		if len(msgs) > 0 {
			st.lastUsed = msgs[len(msgs)-1].CreatedAt
		}
		s.sessions[id] = st
	}
	return nil
}

func readLog(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var msgs []Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			// A torn trailing line from a crash is tolerated; anything
			// mid-file is corruption worth surfacing.
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, sc.Err()
}

func (s *Store) state(sessionID string) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		s.sessions[sessionID] = st
	}
	return st
}

// Append adds messages to the session log in order. The batch is flushed
// and fsynced as a unit.
func (s *Store) Append(sessionID string, msgs ...Message) error {
	st := s.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.file == nil {
		path := filepath.Join(s.dir, FileSafe(sessionID)+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open session log: %w", err)
		}
		st.file = f
		st.w = bufio.NewWriter(f)
	}

	for i := range msgs {
		if msgs[i].CreatedAt.IsZero() {
			msgs[i].CreatedAt = time.Now().UTC()
		}
		line, err := json.Marshal(msgs[i])
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		if _, err := st.w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append session log: %w", err)
		}
		st.messages = append(st.messages, msgs[i])
	}
	st.lastUsed = time.Now().UTC()

	if err := st.w.Flush(); err != nil {
		return fmt.Errorf("flush session log: %w", err)
	}
	return st.file.Sync()
}

// LastN returns a snapshot of the last n messages in append order.
func (s *Store) LastN(sessionID string, n int) []Message {
	s.mu.RLock()
	st, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	start := len(st.messages) - n
	if n <= 0 || start < 0 {
		start = 0
	}
	out := make([]Message, len(st.messages)-start)
	copy(out, st.messages[start:])
	return out
}

// All returns a full snapshot of the session log.
func (s *Store) All(sessionID string) []Message {
	return s.LastN(sessionID, 0)
}

// LastActivity returns the time of the most recent append ("" zero time
// when the session is unknown).
func (s *Store) LastActivity(sessionID string) time.Time {
	s.mu.RLock()
	st, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastUsed
}

// List returns known session ids ordered by most recent activity first.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type entry struct {
		id string
		t  time.Time
	}
	items := make([]entry, 0, len(s.sessions))
	for id, st := range s.sessions {
		items = append(items, entry{id, st.lastUsed})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.After(items[j].t) })

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.id
	}
	return ids
}

// IdleSince returns session ids whose last activity is older than cutoff.
func (s *Store) IdleSince(cutoff time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, st := range s.sessions {
		if !st.lastUsed.IsZero() && st.lastUsed.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Delete removes a session log from memory and disk.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.file != nil {
		st.file.Close()
	}
	path := filepath.Join(s.dir, FileSafe(sessionID)+".jsonl")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session log: %w", err)
	}
	return nil
}

// Close flushes and closes all open log files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, st := range s.sessions {
		st.mu.Lock()
		if st.w != nil {
			if err := st.w.Flush(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if st.file != nil {
			if err := st.file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			st.file = nil
			st.w = nil
		}
		st.mu.Unlock()
	}
	return firstErr
}
