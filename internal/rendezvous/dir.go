package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// DirStore keeps every key as a file below a root directory, for agents and
// controllers sharing a filesystem (a network share or a synced folder). It
// implements Watcher with fsnotify.
type DirStore struct {
	root string
}

var (
	_ Store   = (*DirStore)(nil)
	_ Watcher = (*DirStore)(nil)
)

// NewDirStore creates root if needed.
func NewDirStore(root string) (*DirStore, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &DirStore{root: root}, nil
}

func (d *DirStore) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(d.root, filepath.FromSlash(key)), nil
}

// Put writes the value through a temporary file and a rename so readers
// never observe a partial value.
func (d *DirStore) Put(_ context.Context, key, value string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	tmp, err := d.createTemp(filepath.Dir(p))
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// createTemp creates a temporary file in dir, recreating dir if a concurrent
// Delete pruned it.
func (d *DirStore) createTemp(dir string) (*os.File, error) {
	for attempt := 0; ; attempt++ {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		tmp, err := os.CreateTemp(dir, ".tmp-*")
		if errors.Is(err, fs.ErrNotExist) && attempt < 2 {
			continue
		}
		return tmp, err
	}
}

func (d *DirStore) Get(_ context.Context, key string) (string, error) {
	p, err := d.path(key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *DirStore) Delete(_ context.Context, key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	d.prune(filepath.Dir(p))
	return nil
}

// prune removes dir and its parents while they are empty, stopping at root.
func (d *DirStore) prune(dir string) {
	for dir != d.root && strings.HasPrefix(dir, d.root+string(filepath.Separator)) {
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// deepestDir returns the deepest existing directory on the way from root to
// dir.
func (d *DirStore) deepestDir(dir string) string {
	for dir != d.root && strings.HasPrefix(dir, d.root+string(filepath.Separator)) {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
		dir = filepath.Dir(dir)
	}
	return d.root
}

func (d *DirStore) List(_ context.Context, prefix string) ([]Entry, error) {
	var out []Entry
	err := filepath.WalkDir(d.root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return nil
		}
		out = append(out, Entry{Key: key, Modified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Watch blocks until key exists. The watch is registered before each read so
// a write between the two is not missed. Directories are never created here;
// the deepest existing ancestor of the key is watched and re-armed as the
// path appears.
func (d *DirStore) Watch(ctx context.Context, key string) (string, error) {
	p, err := d.path(key)
	if err != nil {
		return "", err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return "", err
	}
	defer w.Close()

	watched := ""
	for {
		for {
			dir := d.deepestDir(filepath.Dir(p))
			if dir == watched {
				break
			}
			if watched != "" {
				w.Remove(watched)
			}
			if err := w.Add(dir); err != nil {
				if errors.Is(err, fs.ErrNotExist) && dir != d.root {
					// Pruned between the lookup and the watch.
					watched = ""
					continue
				}
				return "", err
			}
			watched = dir
		}

		v, err := d.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}

		select {
		case _, ok := <-w.Events:
			if !ok {
				return "", errors.New("watcher closed")
			}
		case err, ok := <-w.Errors:
			if !ok {
				return "", errors.New("watcher closed")
			}
			return "", err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
