// Package store persists the account state between runs: the OAuth
// client id, the token set and the discovered vehicles. The file is
// written atomically with owner-only permissions, and a running daemon
// can watch it to pick up tokens from a login performed next to it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/BertilJ/bmw-data/internal/auth"
	"github.com/BertilJ/bmw-data/internal/cardata"
	"github.com/BertilJ/bmw-data/pkg/log"
)

// ErrNotFound reports that the account file does not exist yet.
var ErrNotFound = errors.New("account file not found")

// Account is the on-disk state of one CarData account.
type Account struct {
	ClientID string                    `json:"client_id"`
	Tokens   *auth.TokenSet            `json:"tokens,omitempty"`
	Vehicles []cardata.VehicleIdentity `json:"vehicles,omitempty"`
}

// Store reads and writes the account file at a fixed path.
type Store struct {
	path   string
	logger log.Logger
}

func NewStore(path string, logger log.Logger) *Store {
	return &Store{
		path:   filepath.Clean(path),
		logger: logger.WithName("store"),
	}
}

// Path returns the location of the account file.
func (s *Store) Path() string {
	return s.path
}

// Load reads and decodes the account file.
func (s *Store) Load() (*Account, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read account file: %w", err)
	}

	var acc Account
	if err := json.Unmarshal(raw, &acc); err != nil {
		return nil, fmt.Errorf("parse account file %s: %w", s.path, err)
	}
	return &acc, nil
}

// Save writes the account atomically: temp file in the same directory,
// owner-only permissions, rename over the target.
func (s *Store) Save(acc *Account) error {
	raw, err := json.MarshalIndent(acc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}
	raw = append(raw, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create account directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".account-*.json")
	if err != nil {
		return fmt.Errorf("create temp account file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("restrict account file permissions: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write account file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close account file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace account file: %w", err)
	}
	return nil
}

// SaveTokens re-reads the account, swaps the token set and writes it
// back, so fields updated by a concurrent login survive.
func (s *Store) SaveTokens(tok *auth.TokenSet) error {
	acc, err := s.Load()
	if err != nil {
		return err
	}
	acc.Tokens = tok
	return s.Save(acc)
}

// Watch signals whenever the account file is rewritten or replaced.
// The channel closes when ctx ends. Notifications are coalesced;
// callers reload and decide what changed.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create account directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create account watcher: %w", err)
	}

	// Watch the directory, not the file. Atomic saves replace the
	// inode and a watch on the old one would go stale.
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != s.path || !ev.Op.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Account watcher error", "err", err)
			}
		}
	}()

	return ch, nil
}
