package tilestore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Archive is a single-file SQLite tile archive.
type Archive struct {
	path string

	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// ArchiveEntry describes one stored tile.
type ArchiveEntry struct {
	Name       string
	Size       int64 // uncompressed size
	Stored     int64 // bytes on disk
	Compressed bool
}

// OpenArchive opens or creates an archive.
func OpenArchive(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS tiles (
			name TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			compressed INTEGER NOT NULL,
			size INTEGER NOT NULL
		);`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialising archive %s: %w", path, err)
		}
	}
	return &Archive{path: path, db: db}, nil
}

// Name returns the archive path.
func (a *Archive) Name() string { return a.path }

// Put stores a tile, replacing any previous version. The data is
// zstd-compressed when compress is set.
func (a *Archive) Put(name string, data []byte, compress bool) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrArchiveClosed
	}

	stored := data
	if compress {
		c, err := Compress(data)
		if err != nil {
			return err
		}
		stored = c
	}
	_, err := a.db.Exec(
		`INSERT OR REPLACE INTO tiles(name, data, compressed, size) VALUES(?, ?, ?, ?)`,
		name, stored, compress, len(data),
	)
	if err != nil {
		return fmt.Errorf("storing %s in %s: %w", name, a.path, err)
	}
	return nil
}

// Read returns the stored bytes of a tile, compressed if it was stored so.
func (a *Archive) Read(name string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, ErrArchiveClosed
	}

	var data []byte
	err := a.db.QueryRow(`SELECT data FROM tiles WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s in %s: %w", name, a.path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s from %s: %w", name, a.path, err)
	}
	return data, nil
}

// Delete removes a tile. Deleting a missing tile is not an error.
func (a *Archive) Delete(name string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrArchiveClosed
	}
	if _, err := a.db.Exec(`DELETE FROM tiles WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting %s from %s: %w", name, a.path, err)
	}
	return nil
}

// List returns all tile names in order.
func (a *Archive) List() ([]string, error) {
	entries, err := a.Entries()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

// Entries returns all tiles with their sizes, ordered by name.
func (a *Archive) Entries() ([]ArchiveEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, ErrArchiveClosed
	}

	rows, err := a.db.Query(`SELECT name, size, length(data), compressed FROM tiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", a.path, err)
	}
	defer rows.Close()

	var out []ArchiveEntry
	for rows.Next() {
		var e ArchiveEntry
		if err := rows.Scan(&e.Name, &e.Size, &e.Stored, &e.Compressed); err != nil {
			return nil, fmt.Errorf("listing %s: %w", a.path, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Len returns the number of stored tiles.
func (a *Archive) Len() (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return 0, ErrArchiveClosed
	}
	var n int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM tiles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", a.path, err)
	}
	return n, nil
}

// Close closes the database. Further calls return ErrArchiveClosed.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}
