// Package store implements the durable registration store on SQLite.
//
// One table, registrations, holds a row per confirmed registration. The
// uniqueness policy is chosen per deployment: under PolicyUpsert a unique
// index on user_id keeps one row per identity and repeat confirmations
// overwrite it in place; under PolicyAppend every confirmation adds a row and
// the latest registration is the one with the highest id.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"contestbot/internal/logging"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Policy selects how repeat confirmations from one identity are stored.
type Policy string

const (
	PolicyUpsert Policy = "upsert"
	PolicyAppend Policy = "append"
)

// Drivers accepted by Options.Driver. "sqlite3" is the cgo driver; "sqlite"
// is the pure-Go driver for CGO_ENABLED=0 builds.
const (
	DriverCGO    = "sqlite3"
	DriverPureGo = "sqlite"
)

var (
	// ErrNotFound is returned when an identity has no registration.
	ErrNotFound = errors.New("registration not found")

	// ErrDuplicateIdentities is returned when the upsert policy is requested
	// on a table that already holds several rows for one identity.
	ErrDuplicateIdentities = errors.New("registrations table holds duplicate identities; run `contestbot migrate --dedupe` first")
)

// Options configures NewLocalStore.
type Options struct {
	Path   string
	Driver string
	Policy Policy
}

// LocalStore is the SQLite-backed registration store.
//
// Writes are serialized by mu and by the single open connection, so two
// confirmations from the same identity can never interleave.
type LocalStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
	policy Policy
	now    func() time.Time
}

// NewLocalStore opens (creating if needed) the database and applies schema
// migrations and the uniqueness policy.
func NewLocalStore(opts Options) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	if opts.Path == "" {
		return nil, fmt.Errorf("store path required")
	}
	if opts.Driver == "" {
		opts.Driver = DriverCGO
	}
	if opts.Policy == "" {
		opts.Policy = PolicyUpsert
	}
	if opts.Policy != PolicyUpsert && opts.Policy != PolicyAppend {
		return nil, fmt.Errorf("unknown store policy %q", opts.Policy)
	}

	logging.Store("Initializing LocalStore at path: %s (driver=%s policy=%s)", opts.Path, opts.Driver, opts.Policy)

	if opts.Path != ":memory:" && !strings.HasPrefix(opts.Path, "file:") {
		dir := filepath.Dir(opts.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.StoreError("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(opts.Driver, opts.Path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", opts.Path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &LocalStore{db: db, dbPath: opts.Path, policy: opts.Policy, now: time.Now}
	if err := s.initialize(); err != nil {
		logging.StoreError("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	logging.Store("LocalStore ready")
	return s, nil
}

// initialize adopts a first-deployment table, creates the registrations
// table, runs column migrations and applies the index that matches the
// configured policy.
func (s *LocalStore) initialize() error {
	if err := AdoptLegacyColumns(s.db); err != nil {
		return err
	}

	const registrationsTable = `
	CREATE TABLE IF NOT EXISTS registrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		full_name TEXT NOT NULL,
		track_key TEXT NOT NULL,
		track_title TEXT NOT NULL,
		option_key TEXT,
		option_title TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_registrations_user ON registrations(user_id, id);
	`
	if _, err := s.db.Exec(registrationsTable); err != nil {
		return fmt.Errorf("failed to create registrations table: %w", err)
	}

	if err := RunMigrations(s.db); err != nil {
		return err
	}
	return s.applyPolicy()
}

func (s *LocalStore) applyPolicy() error {
	switch s.policy {
	case PolicyAppend:
		if _, err := s.db.Exec("DROP INDEX IF EXISTS " + uniqueUserIndex); err != nil {
			return fmt.Errorf("failed to drop unique identity index: %w", err)
		}
	case PolicyUpsert:
		dupes, err := s.duplicateIdentities()
		if err != nil {
			return err
		}
		if dupes > 0 {
			logging.StoreError("%d identities have more than one registration; upsert policy unavailable", dupes)
			return ErrDuplicateIdentities
		}
		query := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON registrations(user_id)", uniqueUserIndex)
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create unique identity index: %w", err)
		}
	}
	return nil
}

const uniqueUserIndex = "idx_registrations_user_unique"

func (s *LocalStore) duplicateIdentities() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM (
		SELECT user_id FROM registrations GROUP BY user_id HAVING COUNT(*) > 1
	)`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count duplicate identities: %w", err)
	}
	return n, nil
}

// Policy returns the uniqueness policy this store was opened with.
func (s *LocalStore) Policy() Policy {
	return s.policy
}

// Ping checks that the database is reachable.
func (s *LocalStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *LocalStore) Close() error {
	return s.db.Close()
}
