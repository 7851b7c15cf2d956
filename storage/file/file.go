// Package file provides a storage.Storage that keeps all profiles in a single
// JSON document on disk. It is the default backend for interactive use: tokens
// survive restarts, and fsnotify lets a running process notice when another
// process on the same machine logs in or out. Every operation holds an
// advisory lock on a sidecar file, so processes sharing the document never
// interleave their read-modify-write cycles.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/procurement-session-go/storage"
	"github.com/gofrs/flock"
)

var (
	_ storage.Storage = (*Storage)(nil)
	_ storage.Watcher = (*Storage)(nil)
	_ storage.Updater = (*Storage)(nil)
)

// lockRetry is how often a contended lock is retried.
const lockRetry = 5 * time.Millisecond

type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// document is the on-disk shape: profile -> key -> item.
type document map[string]map[string]storedItem

// Storage persists items to a JSON file. The file is re-read on every Get so
// that writes by other processes are always observed.
type Storage struct {
	path string
	lock *flock.Flock

	mu     sync.Mutex
	closed bool
}

// New returns a Storage backed by path. Parent directories are created with
// 0700 permissions; the file itself is written 0600 since it holds credentials.
func New(path string) (*Storage, error) {
	if path == "" {
		return nil, errors.New("file storage: path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("file storage: resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return nil, fmt.Errorf("file storage: create dir: %w", err)
	}
	return &Storage{path: abs, lock: flock.New(abs + ".lock")}, nil
}

// DefaultPath returns the per-user location used when no path is configured.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "procurement", "session.json"), nil
}

// Path reports the absolute file location.
func (s *Storage) Path() string { return s.path }

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	options := storage.Apply(opts...)

	var item *storage.Item
	err := s.locked(ctx, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		si, ok := doc[options.Profile][key]
		if !ok {
			return nil
		}
		it := &storage.Item{Data: si.Data, CreatedAt: si.CreatedAt, ExpiresAt: si.ExpiresAt}
		if it.IsExpired() {
			// Lazily purge; a failed purge still reports the item as absent.
			delete(doc[options.Profile], key)
			_ = s.save(doc)
			return nil
		}
		item = it
		return nil
	})
	return item, err
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	return s.locked(ctx, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		doc.put(options, key, data)
		return s.save(doc)
	})
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	return s.locked(ctx, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		if options.Key != nil {
			if _, ok := doc[options.Profile][*options.Key]; !ok {
				return nil
			}
			delete(doc[options.Profile], *options.Key)
		} else {
			if _, ok := doc[options.Profile]; !ok {
				return nil
			}
			delete(doc, options.Profile)
		}
		return s.save(doc)
	})
}

// Update applies fn to key while holding the file lock.
func (s *Storage) Update(ctx context.Context, key string, fn func(cur []byte) ([]byte, error), opts ...storage.Option) error {
	options := storage.Apply(opts...)

	return s.locked(ctx, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		var cur []byte
		if si, ok := doc[options.Profile][key]; ok {
			it := storage.Item{ExpiresAt: si.ExpiresAt}
			if !it.IsExpired() {
				cur = si.Data
			}
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		if next == nil {
			if _, ok := doc[options.Profile][key]; !ok {
				return nil
			}
			delete(doc[options.Profile], key)
		} else {
			doc.put(options, key, next)
		}
		return s.save(doc)
	})
}

func (s *Storage) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Watch reports changes to the backing file. The parent directory is watched
// rather than the file because writes replace the file via rename.
func (s *Storage) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("fsnotify add: %w", err)
	}

	out := make(chan struct{}, 1)
	name := filepath.Base(s.path)
	go func() {
		defer close(out)
		defer func() {
			// Best-effort watcher close; no actionable error handling path.
			_ = w.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != name {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Debug("storage.file.watch.error", slog.String("err", err.Error()))
			}
		}
	}()
	return out, nil
}

// locked runs fn holding the in-process mutex and the sidecar file lock.
func (s *Storage) locked(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	ok, err := s.lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("file storage: lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("file storage: lock %s not acquired", s.lock.Path())
	}
	defer func() {
		// Closing the lock fd releases it even if Unlock reports an error.
		_ = s.lock.Unlock()
	}()
	return fn()
}

func (d document) put(options *storage.Options, key string, data []byte) {
	now := time.Now()
	si := storedItem{Data: append([]byte(nil), data...), CreatedAt: now}
	if options.TTL != nil {
		exp := now.Add(*options.TTL)
		si.ExpiresAt = &exp
	}
	if d[options.Profile] == nil {
		d[options.Profile] = make(map[string]storedItem)
	}
	d[options.Profile][key] = si
}

func (s *Storage) load() (document, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file storage: read: %w", err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return document{}, nil
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("file storage: decode %s: %w", s.path, err)
	}
	if doc == nil {
		doc = document{}
	}
	return doc, nil
}

func (s *Storage) save(doc document) error {
	for p, items := range doc {
		if len(items) == 0 {
			delete(doc, p)
		}
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("file storage: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("file storage: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("file storage: write: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("file storage: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("file storage: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("file storage: rename: %w", err)
	}
	return nil
}
