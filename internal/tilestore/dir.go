package tilestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Source is a read-only collection of named tiles.
type Source interface {
	Name() string
	// Read returns the raw, possibly compressed, tile bytes or ErrNotFound.
	Read(name string) ([]byte, error)
	List() ([]string, error)
	Close() error
}

// DirSource serves tiles from a directory tree. A tile "a/b.json" may be
// stored as-is or as "a/b.json.zst".
type DirSource struct {
	root string
}

// NewDirSource opens a tile directory.
func NewDirSource(root string) (*DirSource, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("opening tile directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("opening tile directory %s: not a directory", root)
	}
	return &DirSource{root: root}, nil
}

// Name returns the directory path.
func (d *DirSource) Name() string { return d.root }

// Root returns the directory path.
func (d *DirSource) Root() string { return d.root }

func (d *DirSource) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("tile name %q escapes %s", name, d.root)
	}
	return filepath.Join(d.root, clean), nil
}

// Read loads a tile, preferring the uncompressed file.
func (d *DirSource) Read(name string) ([]byte, error) {
	p, err := d.path(name)
	if err != nil {
		return nil, err
	}
	for _, candidate := range []string{p, p + CompressedExt} {
		data, err := os.ReadFile(candidate)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading %s: %w", candidate, err)
		}
	}
	return nil, fmt.Errorf("%s in %s: %w", name, d.root, ErrNotFound)
}

// List returns every tile name, slash separated, with the compression
// suffix removed.
func (d *DirSource) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(d.root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		names = append(names, tileName(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", d.root, err)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

// Close is a no-op.
func (d *DirSource) Close() error { return nil }

func tileName(rel string) string {
	return strings.TrimSuffix(filepath.ToSlash(rel), CompressedExt)
}

// Watch reports tiles that are written, created, removed or renamed under
// the directory until ctx is cancelled. New subdirectories are watched as
// they appear.
func (d *DirSource) Watch(ctx context.Context, log *zap.Logger, onChange func(name string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	err = filepath.WalkDir(d.root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return w.Add(p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watching %s: %w", d.root, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.Add(ev.Name); err != nil {
						log.Warn("watching new directory", zap.String("dir", ev.Name), zap.Error(err))
					}
					continue
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rel, err := filepath.Rel(d.root, ev.Name)
			if err != nil {
				continue
			}
			onChange(tileName(rel))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("tile watcher", zap.String("dir", d.root), zap.Error(err))
		}
	}
}
