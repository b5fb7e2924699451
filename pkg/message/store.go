package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrInvalidRole is returned when a caller names a role outside the closed
// queue-role set.
var ErrInvalidRole = errors.New("message: role is not a recognized queue role")

var tmpCounter int64

// Store reads and writes the per-role inbox/outbox JSON-array files under a
// session's message root. It is safe for concurrent use; the orchestrator is
// the sole writer per §5, but reads may happen from multiple goroutines.
type Store struct {
	root string // .../.swarm/messages
	log  *slog.Logger
	mu   sync.Mutex // serializes read-modify-write sequences per Store
}

// NewStore creates a Store rooted at root (typically <sessionRoot>/.swarm/messages).
func NewStore(root string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{root: root, log: log}
}

// EnsureDirs creates the inbox/ and outbox/ directories and an empty array
// file for every queue role, if they do not already exist. Safe to call
// repeatedly (§8 idempotence: ensureMessageDirs).
func (s *Store) EnsureDirs(ctx context.Context) error {
	for _, dir := range []string{"inbox", "outbox"} {
		p := filepath.Join(s.root, dir)
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("message: create %s dir: %w", dir, err)
		}
		for _, role := range QueueRoles {
			f := filepath.Join(p, string(role)+".json")
			if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
				if err := s.atomicWrite(f, []Message{}); err != nil {
					return fmt.Errorf("message: seed %s: %w", f, err)
				}
			} else if err != nil {
				return fmt.Errorf("message: stat %s: %w", f, err)
			}
		}
	}
	return nil
}

func (s *Store) path(box string, role Role) (string, error) {
	if !IsQueueRole(role) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return filepath.Join(s.root, box, string(role)+".json"), nil
}

// ReadInbox returns the validated contents of role's inbox.
func (s *Store) ReadInbox(role Role) ([]Message, error) {
	return s.read("inbox", role)
}

// ReadOutbox returns the validated contents of role's outbox.
func (s *Store) ReadOutbox(role Role) ([]Message, error) {
	return s.read("outbox", role)
}

// read implements §4.1 "Read queue": file absence, empty file, non-array
// JSON, and parse errors all resolve to an empty slice with a warning log.
// Individual entries failing Message.Valid are dropped and counted.
func (s *Store) read(box string, role Role) ([]Message, error) {
	p, err := s.path(box, role)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Warn("message queue file is absent; treating as empty", "path", p)
		return []Message{}, nil
	}
	if err != nil {
		// Permission errors and similar are fatal filesystem errors (§4.1).
		return nil, fmt.Errorf("message: read %s: %w", p, err)
	}
	if len(raw) == 0 {
		s.log.Warn("message queue file is empty; treating as empty", "path", p)
		return []Message{}, nil
	}

	var rawEntries []json.RawMessage
	if err := json.Unmarshal(raw, &rawEntries); err != nil {
		s.log.Warn("message queue is not a JSON array; treating as empty", "path", p, "error", err)
		return []Message{}, nil
	}

	out := make([]Message, 0, len(rawEntries))
	dropped := 0
	for _, re := range rawEntries {
		var m Message
		if err := json.Unmarshal(re, &m); err != nil {
			dropped++
			continue
		}
		if !m.Valid() {
			dropped++
			continue
		}
		out = append(out, m)
	}
	if dropped > 0 {
		s.log.Warn("dropped invalid queue entries", "path", p, "dropped", dropped)
	}
	return out, nil
}

// Append reads the current array, appends m in memory, and writes the
// complete new array back atomically.
func (s *Store) Append(box string, role Role, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.read(box, role)
	if err != nil {
		return err
	}
	cur = append(cur, m)

	p, err := s.path(box, role)
	if err != nil {
		return err
	}
	return s.atomicWrite(p, cur)
}

// AppendToInbox is a convenience wrapper for Append("inbox", ...).
func (s *Store) AppendToInbox(role Role, m Message) error { return s.Append("inbox", role, m) }

// AppendToOutbox is a convenience wrapper for Append("outbox", ...).
func (s *Store) AppendToOutbox(role Role, m Message) error { return s.Append("outbox", role, m) }

// RemoveByID reads, filters out the entry with id, and writes the result.
// Absence of id is not an error.
func (s *Store) RemoveByID(box string, role Role, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.read(box, role)
	if err != nil {
		return err
	}
	filtered := cur[:0:0]
	for _, m := range cur {
		if m.ID != id {
			filtered = append(filtered, m)
		}
	}

	p, err := s.path(box, role)
	if err != nil {
		return err
	}
	return s.atomicWrite(p, filtered)
}

// Clear writes an empty array to the given queue.
func (s *Store) Clear(box string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.path(box, role)
	if err != nil {
		return err
	}
	return s.atomicWrite(p, []Message{})
}

// FilterByCategory is a pure projection over a read.
func FilterByCategory(msgs []Message, cat Category) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Type == cat {
			out = append(out, m)
		}
	}
	return out
}

// FilterByMinPriority returns messages at or above minPriority in urgency,
// sorted so that Critical sorts ahead of Normal (§8 boundary property).
func FilterByMinPriority(msgs []Message, min Priority) []Message {
	threshold := min.Rank()
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Priority.Rank() <= threshold {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority.Rank() < out[j].Priority.Rank()
	})
	return out
}

// atomicWrite implements the write-to-temp-then-rename protocol: a unique
// sibling temp path is written in full, then renamed onto target. On POSIX
// the rename is atomic at the inode level. On any failure the temp file is
// best-effort unlinked.
func (s *Store) atomicWrite(target string, msgs []Message) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("message: mkdir for %s: %w", target, err)
	}

	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("message: marshal %s: %w", target, err)
	}
	data = append(data, '\n')

	n := atomic.AddInt64(&tmpCounter, 1)
	tmp := fmt.Sprintf("%s.tmp.%d", target, n)

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("message: write temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("message: rename %s -> %s: %w", tmp, target, err)
	}
	return nil
}
