package codecache

import (
	"bytes"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/bytedance/sonic"
	_ "github.com/glebarez/sqlite"
)

// SQLiteStore persists entries in a SQLite database, brotli-compressed.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `CREATE TABLE IF NOT EXISTS modules (
	key     TEXT PRIMARY KEY,
	data    BLOB NOT NULL,
	created INTEGER NOT NULL
)`

// OpenSQLite opens (or creates) the cache database at path. The empty path
// opens an in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
		dsn = path
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening module cache %q: %w", path, err)
	}
	if path == "" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		_, _ = db.Exec("PRAGMA journal_mode=WAL")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating module cache schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(key string) (*Entry, bool) {
	var blob []byte
	if err := s.db.QueryRow("SELECT data FROM modules WHERE key = ?", key).Scan(&blob); err != nil {
		return nil, false
	}
	e, err := decode(blob)
	if err != nil {
		return nil, false
	}
	return e, true
}

func (s *SQLiteStore) Put(key string, e *Entry) error {
	blob, err := encode(e)
	if err != nil {
		return err
	}
	_, err = s.db.Exec("INSERT OR REPLACE INTO modules (key, data, created) VALUES (?, ?, ?)",
		key, blob, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("storing module %s: %w", key, err)
	}
	return nil
}

func encode(e *Entry) ([]byte, error) {
	raw, err := sonic.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding cache entry: %w", err)
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing cache entry: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compressing cache entry: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(blob []byte) (*Entry, error) {
	raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(blob)))
	if err != nil {
		return nil, fmt.Errorf("decompressing cache entry: %w", err)
	}
	var e Entry
	if err := sonic.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decoding cache entry: %w", err)
	}
	return &e, nil
}
