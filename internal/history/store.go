// Package history implements the durable, checkpointed conversation store.
//
// The backing file is newline-delimited JSON, one record per line. Besides
// normal messages, two metadata record kinds exist:
//
//	{"role":"_usage","token_count":N}
//	{"role":"_checkpoint","id":N}
//
// Reverting to a checkpoint rotates the current file to <name>.<n> (smallest
// unused n) and replays the prefix into a fresh file.
package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jimi-agent/jimi/internal/providers"
)

const (
	roleUsage      = "_usage"
	roleCheckpoint = "_checkpoint"

	// maxRotations bounds the <name>.<n> probe so a runaway revert loop
	// cannot fill the directory.
	maxRotations = 1000
)

var (
	// ErrUnknownCheckpoint is returned when reverting to an id that was
	// never created in this file generation.
	ErrUnknownCheckpoint = errors.New("unknown checkpoint")

	// ErrRotationLimit is returned when no free rotation filename exists.
	ErrRotationLimit = errors.New("history rotation limit reached")

	// ErrAlreadyLoaded is returned by Restore on a non-empty store.
	ErrAlreadyLoaded = errors.New("store already has in-memory state")
)

type usageRecord struct {
	Role       string `json:"role"`
	TokenCount int    `json:"token_count"`
}

type checkpointRecord struct {
	Role string `json:"role"`
	ID   int    `json:"id"`
}

// Store is an append-only conversation history with numbered checkpoints.
// All mutating operations are serialized by an internal lock; the lock is a
// leaf — no callbacks run while it is held.
type Store struct {
	mu   sync.Mutex
	path string
	f    *os.File

	messages       []providers.Message
	tokenCount     int
	nextCheckpoint int
}

// Open creates or appends to the history file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	return &Store{path: path, f: f}, nil
}

// Path returns the history file path.
func (s *Store) Path() string { return s.path }

// History returns a copy of the in-memory message list.
func (s *Store) History() []providers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]providers.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// TokenCount returns the value of the last _usage record.
func (s *Store) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCount
}

// NextCheckpointID returns the id the next Checkpoint call will assign.
func (s *Store) NextCheckpointID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextCheckpoint
}

// Append writes messages in order, fsyncing each line. On write failure the
// in-memory state is left unchanged and the error is returned to the caller,
// who decides whether to abort the turn.
func (s *Store) Append(msgs ...providers.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		if err := s.writeLine(m); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
	}
	s.messages = append(s.messages, msgs...)
	return nil
}

// UpdateTokenCount records a _usage line. The counter is read by the
// compaction check before each step.
func (s *Store) UpdateTokenCount(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLine(usageRecord{Role: roleUsage, TokenCount: n}); err != nil {
		return fmt.Errorf("write usage record: %w", err)
	}
	s.tokenCount = n
	return nil
}

// Checkpoint writes a _checkpoint line and returns the new id. When
// addUserMarker is set, a user-role marker message follows so the savepoint
// stays visible to the LLM.
func (s *Store) Checkpoint(addUserMarker bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextCheckpoint
	if err := s.writeLine(checkpointRecord{Role: roleCheckpoint, ID: id}); err != nil {
		return 0, fmt.Errorf("write checkpoint record: %w", err)
	}
	s.nextCheckpoint = id + 1

	if addUserMarker {
		marker := providers.UserMessage(fmt.Sprintf("<system>CHECKPOINT %d</system>", id))
		if err := s.writeLine(marker); err != nil {
			return 0, fmt.Errorf("write checkpoint marker: %w", err)
		}
		s.messages = append(s.messages, marker)
	}
	return id, nil
}

// RevertTo removes every record written after the k-th checkpoint marker.
// The current file rotates to <name>.<n>; the surviving prefix is replayed
// into a fresh file and in-memory state is rebuilt from it.
func (s *Store) RevertTo(k int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k >= s.nextCheckpoint || k < 0 {
		return fmt.Errorf("%w: %d (next id %d)", ErrUnknownCheckpoint, k, s.nextCheckpoint)
	}

	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close history file: %w", err)
	}

	rotated, err := rotateName(s.path)
	if err != nil {
		return err
	}
	if err := os.Rename(s.path, rotated); err != nil {
		return fmt.Errorf("rotate history file: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create history file: %w", err)
	}
	s.f = f
	s.messages = nil
	s.tokenCount = 0
	s.nextCheckpoint = 0

	if err := s.replay(rotated, k); err != nil {
		return err
	}
	slog.Debug("history reverted", "path", s.path, "checkpoint", k, "rotated", rotated)
	return nil
}

// Restore replays the current file into memory. It fails on a store that
// already holds state, making it idempotent-at-startup only.
func (s *Store) Restore() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) > 0 || s.tokenCount != 0 || s.nextCheckpoint != 0 {
		return ErrAlreadyLoaded
	}
	return s.replay(s.path, -1)
}

// Close releases the file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// writeLine marshals one record, writes it newline-terminated and fsyncs.
// Callers hold s.mu.
func (s *Store) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := s.f.Write(data); err != nil {
		return err
	}
	return s.f.Sync()
}

// replay reads records from src into memory, re-writing them to the live
// file when src differs from s.path. Replay stops before the _checkpoint
// record with id == stopAt; stopAt < 0 replays everything without copying.
// Callers hold s.mu.
func (s *Store) replay(src string, stopAt int) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open history for replay: %w", err)
	}
	defer in.Close()

	copyLines := src != s.path

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var probe struct {
			Role       string `json:"role"`
			TokenCount int    `json:"token_count"`
			ID         int    `json:"id"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			slog.Warn("skipping malformed history line", "path", src, "error", err)
			continue
		}

		if probe.Role == roleCheckpoint && stopAt >= 0 && probe.ID == stopAt {
			break
		}

		if copyLines {
			out := append(append([]byte(nil), line...), '\n')
			if _, err := s.f.Write(out); err != nil {
				return fmt.Errorf("replay history: %w", err)
			}
		}

		switch probe.Role {
		case roleUsage:
			s.tokenCount = probe.TokenCount
		case roleCheckpoint:
			s.nextCheckpoint = probe.ID + 1
		default:
			var msg providers.Message
			if err := json.Unmarshal(line, &msg); err != nil {
				slog.Warn("skipping malformed message record", "path", src, "error", err)
				continue
			}
			s.messages = append(s.messages, msg)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan history: %w", err)
	}
	if copyLines {
		return s.f.Sync()
	}
	return nil
}

// rotateName returns <path>.<n> for the smallest n >= 1 not yet taken.
func rotateName(path string) (string, error) {
	for n := 1; n <= maxRotations; n++ {
		candidate := fmt.Sprintf("%s.%d", path, n)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", ErrRotationLimit
}

// NextSubPath returns "<base>_sub_<i>" with the smallest i whose file does
// not yet exist, used for child-engine history files.
func NextSubPath(base string) (string, error) {
	for i := 1; i <= maxRotations; i++ {
		candidate := fmt.Sprintf("%s_sub_%d", base, i)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", ErrRotationLimit
}
