package webhook

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileDeadLetterStore journals dead letters to an append-only file, one JSON
// record per line, fsynced per write. Existing records are replayed at open
// so letters survive a restart.
type FileDeadLetterStore struct {
	mu      sync.Mutex
	f       *os.File
	letters []DeadLetter
}

// NewFileDeadLetterStore opens (or creates) the journal at path and replays
// its contents.
func NewFileDeadLetterStore(path string) (*FileDeadLetterStore, error) {
	letters, err := replayJournal(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileDeadLetterStore{f: f, letters: letters}, nil
}

func replayJournal(path string) ([]DeadLetter, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var letters []DeadLetter
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var letter DeadLetter
		if err := json.Unmarshal(line, &letter); err != nil {
			return nil, fmt.Errorf("replay dead-letter journal %s: %w", path, err)
		}
		letters = append(letters, letter)
	}
	return letters, scanner.Err()
}

// Add appends the letter to the journal before exposing it in memory.
func (s *FileDeadLetterStore) Add(ctx context.Context, letter DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", letter.Delivery.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.f.Write(append(data, '\n'))
	if err != nil {
		return err
	}
	if n != len(data)+1 {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(data)+1)
	}
	if err := s.f.Sync(); err != nil {
		return err
	}

	s.letters = append(s.letters, letter)
	return nil
}

// Letters returns a copy of the journaled dead letters.
func (s *FileDeadLetterStore) Letters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.letters))
	copy(out, s.letters)
	return out
}

// Close releases the underlying file handle.
func (s *FileDeadLetterStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
