package store

import (
	"database/sql"
	"fmt"

	"contestbot/internal/logging"
)

// Schema versions:
// v1: registrations (user_id, full_name, track, option, created_at)
// v2: grade_label column
// v3: category_key and category_label columns
// v4: username and grade_key columns
//
// Tables written by the first deployment carry tg_user_id, tg_username,
// gender and grade. AdoptLegacyColumns renames them before any other schema
// work runs.
const CurrentSchemaVersion = 4

// legacyColumns maps first-deployment column names to current ones. gender
// and grade held display labels, not keys.
var legacyColumns = []struct {
	From string
	To   string
}{
	{"tg_user_id", "user_id"},
	{"tg_username", "username"},
	{"gender", "category_label"},
	{"grade", "grade_label"},
}

// AdoptLegacyColumns renames first-deployment columns of the registrations
// table in place. When both names are present the legacy value fills the
// current column where it is NULL. It is a no-op on current tables.
func AdoptLegacyColumns(db *sql.DB) error {
	if !tableExists(db, "registrations") {
		return nil
	}
	for _, c := range legacyColumns {
		if !columnExists(db, "registrations", c.From) {
			continue
		}
		var query string
		if columnExists(db, "registrations", c.To) {
			query = fmt.Sprintf("UPDATE registrations SET %s = %s WHERE %s IS NULL", c.To, c.From, c.To)
		} else {
			query = fmt.Sprintf("ALTER TABLE registrations RENAME COLUMN %s TO %s", c.From, c.To)
		}
		if _, err := db.Exec(query); err != nil {
			logging.StoreError("Legacy column adoption failed: %s -> %s: %v", c.From, c.To, err)
			return fmt.Errorf("failed to adopt legacy column %s: %w", c.From, err)
		}
		logging.Store("Legacy column adopted: registrations.%s -> %s", c.From, c.To)
	}
	return nil
}

// Migration adds one optional column to an existing table.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists columns added after v1. Every one is nullable so
// rows written before the column existed read back as empty values.
var pendingMigrations = []Migration{
	{"registrations", "grade_label", "TEXT"},
	{"registrations", "category_key", "TEXT"},
	{"registrations", "category_label", "TEXT"},
	{"registrations", "username", "TEXT"},
	{"registrations", "grade_key", "TEXT"},
}

// RunMigrations applies column migrations and records the schema version.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	logging.StoreDebug("Running schema migrations (%d pending)", len(pendingMigrations))

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			logging.StoreDebug("Table missing, skipping migration: %s.%s", m.Table, m.Column)
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}

		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			logging.StoreError("Migration failed: %s.%s: %v", m.Table, m.Column, err)
			return fmt.Errorf("failed to add column %s.%s: %w", m.Table, m.Column, err)
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}

	if v, ok := recordedSchemaVersion(db); !ok || v < CurrentSchemaVersion {
		if err := SetSchemaVersion(db, CurrentSchemaVersion); err != nil {
			return err
		}
	}

	logging.StoreDebug("Schema migrations complete: applied=%d", applied)
	return nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRow(query, table).Scan(&count); err != nil {
		logging.StoreDebug("Table existence check failed for %s: %v", table, err)
		return false
	}
	return count > 0
}

// GetSchemaVersion returns the recorded schema version, inferring it from
// the table layout for databases created before versions were recorded.
func GetSchemaVersion(db *sql.DB) int {
	if v, ok := recordedSchemaVersion(db); ok {
		return v
	}
	return inferSchemaVersion(db)
}

func recordedSchemaVersion(db *sql.DB) (int, bool) {
	if !tableExists(db, "schema_versions") {
		return 0, false
	}
	var version int
	query := "SELECT version FROM schema_versions ORDER BY id DESC LIMIT 1"
	if err := db.QueryRow(query).Scan(&version); err != nil {
		return 0, false
	}
	return version, true
}

func inferSchemaVersion(db *sql.DB) int {
	switch {
	case !tableExists(db, "registrations"):
		return 0
	case columnExists(db, "registrations", "username") && columnExists(db, "registrations", "grade_key"):
		return 4
	case columnExists(db, "registrations", "category_label"):
		return 3
	case columnExists(db, "registrations", "grade_label"):
		return 2
	default:
		return 1
	}
}

// SetSchemaVersion records a new schema version in the database.
func SetSchemaVersion(db *sql.DB, version int) error {
	createTable := `
		CREATE TABLE IF NOT EXISTS schema_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			description TEXT
		)
	`
	if _, err := db.Exec(createTable); err != nil {
		return fmt.Errorf("failed to create schema_versions table: %w", err)
	}

	desc := fmt.Sprintf("Migrated to schema version %d", version)
	if _, err := db.Exec("INSERT INTO schema_versions (version, description) VALUES (?, ?)", version, desc); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	logging.Store("Schema version set to %d", version)
	return nil
}
