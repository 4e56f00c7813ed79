// Package credential is the shipped credential authority: a read-only
// YAML file mapping blake3 digests of client tokens to quotas. Tokens
// themselves are never stored.
package credential

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/Thiagojm/qrngd/ratelimit"
)

// Entry is one client in the credentials file.
type Entry struct {
	Client string `yaml:"client"`
	// TokenBlake3 is the lowercase hex blake3-256 digest of the token.
	TokenBlake3    string  `yaml:"token_blake3"`
	BytesPerSecond float64 `yaml:"bytes_per_second"`
	Burst          int     `yaml:"burst"`
}

// File is the on-disk layout.
type File struct {
	Credentials []Entry `yaml:"credentials"`
}

// Store resolves tokens against a loaded credentials file.
type Store struct {
	byDigest map[string]ratelimit.Identity
}

// Digest returns the hex blake3-256 digest of token, as stored in the
// credentials file.
func Digest(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Load reads and parses a credentials file.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse builds a Store from YAML.
func Parse(data []byte) (*Store, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return FromEntries(f.Credentials)
}

// FromEntries validates entries and builds a Store.
func FromEntries(entries []Entry) (*Store, error) {
	s := &Store{byDigest: make(map[string]ratelimit.Identity, len(entries))}
	for i, e := range entries {
		digest := strings.ToLower(strings.TrimSpace(e.TokenBlake3))
		if e.Client == "" {
			return nil, fmt.Errorf("credential %d: client must not be empty", i)
		}
		if raw, err := hex.DecodeString(digest); err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("credential %q: token_blake3 must be 64 hex characters", e.Client)
		}
		if e.BytesPerSecond > 0 && e.Burst <= 0 {
			return nil, fmt.Errorf("credential %q: burst must be > 0 when bytes_per_second is set", e.Client)
		}
		if _, dup := s.byDigest[digest]; dup {
			return nil, fmt.Errorf("credential %q: duplicate token", e.Client)
		}
		s.byDigest[digest] = ratelimit.Identity{
			ClientID: e.Client,
			Quota:    ratelimit.Quota{BytesPerSecond: e.BytesPerSecond, Burst: e.Burst},
		}
	}
	return s, nil
}

// Resolve implements ratelimit.Resolver.
func (s *Store) Resolve(ctx context.Context, token string) (ratelimit.Identity, error) {
	if token == "" {
		return ratelimit.Identity{}, ratelimit.ErrUnauthorized
	}
	id, ok := s.byDigest[Digest(token)]
	if !ok {
		return ratelimit.Identity{}, fmt.Errorf("unknown token: %w", ratelimit.ErrUnauthorized)
	}
	return id, nil
}

// Len returns the number of configured clients.
func (s *Store) Len() int { return len(s.byDigest) }

var errNoStore = errors.New("credential store not loaded")

// Reloadable swaps its Store atomically on Reload so a running server
// can pick up credential changes.
type Reloadable struct {
	path  string
	store atomic.Pointer[Store]
}

// NewReloadable loads path and returns a Reloadable resolver.
func NewReloadable(path string) (*Reloadable, error) {
	r := &Reloadable{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the credentials file. On error the previous Store
// stays in effect.
func (r *Reloadable) Reload() error {
	s, err := Load(r.path)
	if err != nil {
		return err
	}
	r.store.Store(s)
	return nil
}

// Resolve implements ratelimit.Resolver.
func (r *Reloadable) Resolve(ctx context.Context, token string) (ratelimit.Identity, error) {
	s := r.store.Load()
	if s == nil {
		return ratelimit.Identity{}, errNoStore
	}
	return s.Resolve(ctx, token)
}

// Watch reloads the file each time it is written until ctx is done. The
// parent directory is watched so editors that replace the file by rename
// are seen too. A file that fails to parse leaves the previous Store in
// effect.
func (r *Reloadable) Watch(ctx context.Context, log *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch credentials: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("watch credentials: %w", err)
	}

	target := filepath.Clean(r.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				log.Error("credential reload failed, keeping previous set", "error", err)
				continue
			}
			log.Info("credentials reloaded", "trigger", ev.Op.String())
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("credential watcher error", "error", err)
		}
	}
}
