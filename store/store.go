// Package store keeps precompiled assemblies in a SQLite database so templates
// can be distributed and reused without recompiling their source.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/quill/vm"
)

var log = commonlog.GetLogger("quill.store")

// ErrNotFound indicates the requested assembly doesn't exist.
var ErrNotFound = errors.New("assembly not found")

const schema = `CREATE TABLE IF NOT EXISTS assemblies (
	name        TEXT PRIMARY KEY,
	id          TEXT NOT NULL,
	source_hash TEXT NOT NULL,
	level       TEXT NOT NULL,
	data        BLOB NOT NULL,
	created     INTEGER NOT NULL
)`

// Record describes one stored assembly.
type Record struct {
	Name       string
	ID         uuid.UUID
	SourceHash string
	Level      vm.OptimizeLevel
	Size       int
	Created    time.Time
}

// Store is a SQLite-backed assembly store. Reads may run concurrently;
// writes are serialized.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the store at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	log.Debugf("opened %s", path)
	return &Store{db: db, path: path}, nil
}

// Path returns the database location the store was opened with.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put stores asm under name, replacing any previous build. Each build gets
// a fresh id.
func (s *Store) Put(name, sourceHash string, asm *vm.Assembly) (Record, error) {
	data, err := asm.MarshalBinary()
	if err != nil {
		return Record{}, fmt.Errorf("encoding %s: %w", name, err)
	}
	rec := Record{
		Name:       name,
		ID:         uuid.New(),
		SourceHash: sourceHash,
		Level:      asm.Level,
		Size:       len(data),
		Created:    time.Now().UTC().Truncate(time.Millisecond),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO assemblies (name, id, source_hash, level, data, created)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Name, rec.ID.String(), rec.SourceHash, rec.Level.String(), data, rec.Created.UnixMilli(),
	)
	if err != nil {
		return Record{}, fmt.Errorf("saving %s: %w", name, err)
	}
	log.Debugf("stored %s (%d bytes, build %s)", name, len(data), rec.ID)
	return rec, nil
}

// Get loads the assembly stored under name.
func (s *Store) Get(name string) (*vm.Assembly, Record, error) {
	var (
		data []byte
		rec  Record
	)
	row := s.db.QueryRow(
		`SELECT name, id, source_hash, level, created, data FROM assemblies WHERE name = ?`, name)
	if err := scanRecord(row, &rec, &data); err != nil {
		return nil, Record{}, notFound(name, err)
	}
	rec.Size = len(data)
	asm, err := vm.UnmarshalAssembly(data)
	if err != nil {
		return nil, Record{}, fmt.Errorf("decoding %s: %w", name, err)
	}
	return asm, rec, nil
}

// Lookup returns the metadata for name without decoding the assembly.
func (s *Store) Lookup(name string) (Record, error) {
	var rec Record
	row := s.db.QueryRow(
		`SELECT name, id, source_hash, level, created, length(data) FROM assemblies WHERE name = ?`, name)
	if err := scanRecord(row, &rec, &rec.Size); err != nil {
		return Record{}, notFound(name, err)
	}
	return rec, nil
}

// List returns every record ordered by name.
func (s *Store) List() ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT name, id, source_hash, level, created, length(data) FROM assemblies ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying assemblies: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		if err := scanRecord(rows, &rec, &rec.Size); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Delete removes the assembly stored under name.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM assemblies WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return nil
}

func notFound(name string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

// scanRecord reads the common columns followed by one extra column into
// extra.
func scanRecord(row scanner, rec *Record, extra any) error {
	var (
		id      string
		level   string
		created int64
	)
	if err := row.Scan(&rec.Name, &id, &rec.SourceHash, &level, &created, extra); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("querying assembly: %w", err)
	}
	var err error
	if rec.ID, err = uuid.Parse(id); err != nil {
		return fmt.Errorf("%s: bad build id: %w", rec.Name, err)
	}
	if rec.Level, err = vm.ParseOptimizeLevel(level); err != nil {
		return fmt.Errorf("%s: %w", rec.Name, err)
	}
	rec.Created = time.UnixMilli(created).UTC()
	return nil
}
