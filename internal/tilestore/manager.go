package tilestore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/midgard-lod/internal/logger"
	"github.com/Faultbox/midgard-lod/internal/scene"
)

// Manager loads tiles from a stack of sources. Sources are searched in
// reverse order, so the last one added wins.
type Manager struct {
	sources  []Source
	cache    *Cache
	validate bool
	log      *zap.Logger
	mu       sync.RWMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithCacheEntries bounds the tile cache.
func WithCacheEntries(n int) Option {
	return func(m *Manager) { m.cache = NewCache(n) }
}

// WithValidation enables or disables schema validation of loaded tiles.
func WithValidation(v bool) Option {
	return func(m *Manager) { m.validate = v }
}

// WithLogger sets the manager's logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a manager with no sources.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		cache:    NewCache(1024),
		validate: true,
		log:      logger.Named("tilestore"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AddSource adds a source with the highest priority.
func (m *Manager) AddSource(s Source) {
	m.mu.Lock()
	m.sources = append(m.sources, s)
	m.mu.Unlock()
	m.cache.Clear()
}

// AddDir adds a tile directory.
func (m *Manager) AddDir(path string) error {
	d, err := NewDirSource(path)
	if err != nil {
		return err
	}
	m.AddSource(d)
	return nil
}

// AddArchive adds a SQLite tile archive.
func (m *Manager) AddArchive(path string) error {
	a, err := OpenArchive(path)
	if err != nil {
		return err
	}
	m.AddSource(a)
	return nil
}

// Sources returns the source names in search order.
func (m *Manager) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sources))
	for i := len(m.sources) - 1; i >= 0; i-- {
		names = append(names, m.sources[i].Name())
	}
	return names
}

// Read returns the decompressed bytes of a tile.
func (m *Manager) Read(name string) ([]byte, error) {
	if data, ok := m.cache.Get(name); ok {
		return data, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.sources) - 1; i >= 0; i-- {
		raw, err := m.sources[i].Read(name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		data, err := Decompress(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		m.cache.Set(name, data)
		return data, nil
	}

	return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
}

// Load reads and builds a tile subgraph. Every call builds fresh nodes.
func (m *Manager) Load(ctx context.Context, fileName string, opts *scene.LoadOptions) (scene.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := opts.Resolve(fileName)
	data, err := m.Read(name)
	if err != nil {
		return nil, err
	}

	validate := m.validate && (opts == nil || !opts.SkipValidation)
	doc, err := Decode(data, validate)
	if err != nil {
		// A bad document must not stay cached once it is fixed on disk.
		m.cache.Remove(name)
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	n, err := doc.Build()
	if err != nil {
		m.cache.Remove(name)
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

// Invalidate drops a tile from the cache.
func (m *Manager) Invalidate(name string) {
	if m.cache.Remove(name) {
		m.log.Debug("tile invalidated", zap.String("tile", name))
	}
}

// Watch invalidates cached tiles of every directory source as their files
// change. It blocks until ctx is cancelled or a watcher fails.
func (m *Manager) Watch(ctx context.Context) error {
	m.mu.RLock()
	var dirs []*DirSource
	for _, s := range m.sources {
		if d, ok := s.(*DirSource); ok {
			dirs = append(dirs, d)
		}
	}
	m.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, d := range dirs {
		g.Go(func() error {
			return d.Watch(ctx, m.log, m.Invalidate)
		})
	}
	return g.Wait()
}

// List returns the union of all source listings, sorted.
func (m *Manager) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, s := range m.sources {
		names, err := s.List()
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			seen[n] = struct{}{}
		}
	}
	names := maps.Keys(seen)
	slices.Sort(names)
	return names, nil
}

// CacheStats returns cache hits and misses.
func (m *Manager) CacheStats() (hits, misses int) {
	return m.cache.Stats()
}

// Close closes every source and clears the cache.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, s := range m.sources {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", s.Name(), err))
		}
	}
	m.sources = nil
	m.cache.Clear()
	return errors.Join(errs...)
}
