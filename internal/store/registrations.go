package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"contestbot/internal/logging"
)

// =============================================================================
// REGISTRATION RECORDS
// =============================================================================

// Record is one confirmed registration. Labels and titles are snapshots taken
// at confirmation time; they are never re-derived from the matrix.
type Record struct {
	ID            int64
	UserID        int64
	Username      string
	FullName      string
	CategoryKey   string
	CategoryLabel string
	GradeKey      string
	GradeLabel    string
	TrackKey      string
	TrackTitle    string
	OptionKey     string
	OptionTitle   string
	CreatedAt     time.Time
}

// HasOption reports whether an option was chosen.
func (r Record) HasOption() bool {
	return r.OptionKey != ""
}

const recordColumns = `id, user_id, username, full_name, category_key, category_label,
	grade_key, grade_label, track_key, track_title, option_key, option_title, created_at`

// Save writes rec according to the store policy and returns the row id.
// rec.ID and rec.CreatedAt are ignored; the timestamp is taken here in UTC.
func (s *LocalStore) Save(ctx context.Context, rec Record) (int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Save")
	defer timer.Stop()

	if rec.UserID == 0 {
		return 0, fmt.Errorf("registration without identity")
	}
	if rec.FullName == "" || rec.TrackKey == "" || rec.TrackTitle == "" {
		return 0, fmt.Errorf("incomplete registration for user %d", rec.UserID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := s.now().UTC().Format(time.RFC3339Nano)
	args := []interface{}{
		rec.UserID,
		nullableString(rec.Username),
		rec.FullName,
		nullableString(rec.CategoryKey),
		nullableString(rec.CategoryLabel),
		nullableString(rec.GradeKey),
		nullableString(rec.GradeLabel),
		rec.TrackKey,
		rec.TrackTitle,
		nullableString(rec.OptionKey),
		nullableString(rec.OptionTitle),
		createdAt,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const insert = `INSERT INTO registrations (
		user_id, username, full_name, category_key, category_label,
		grade_key, grade_label, track_key, track_title, option_key, option_title, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var id int64
	switch s.policy {
	case PolicyUpsert:
		query := insert + ` ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			full_name = excluded.full_name,
			category_key = excluded.category_key,
			category_label = excluded.category_label,
			grade_key = excluded.grade_key,
			grade_label = excluded.grade_label,
			track_key = excluded.track_key,
			track_title = excluded.track_title,
			option_key = excluded.option_key,
			option_title = excluded.option_title,
			created_at = excluded.created_at
		RETURNING id`
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			logging.StoreError("Upsert failed for user %d: %v", rec.UserID, err)
			return 0, fmt.Errorf("failed to upsert registration: %w", err)
		}
	default:
		res, err := tx.ExecContext(ctx, insert, args...)
		if err != nil {
			logging.StoreError("Insert failed for user %d: %v", rec.UserID, err)
			return 0, fmt.Errorf("failed to insert registration: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("failed to read registration id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		logging.StoreError("Commit failed for user %d: %v", rec.UserID, err)
		return 0, fmt.Errorf("failed to commit registration: %w", err)
	}

	logging.Store("Registration %d saved for user %d (policy=%s track=%s)", id, rec.UserID, s.policy, rec.TrackKey)
	return id, nil
}

// Latest returns the most recent registration for userID or ErrNotFound.
func (s *LocalStore) Latest(ctx context.Context, userID int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM registrations WHERE user_id = ? ORDER BY id DESC LIMIT 1`,
		userID,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load registration for user %d: %w", userID, err)
	}
	return rec, nil
}

// Recent lists the newest registrations first.
func (s *LocalStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM registrations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan registration: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Count returns the number of stored rows.
func (s *LocalStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM registrations").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count registrations: %w", err)
	}
	return n, nil
}

// Dedupe keeps only the newest row per identity so that an append-era table
// can be switched to the upsert policy. Returns the number of rows removed.
func (s *LocalStore) Dedupe(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM registrations WHERE id NOT IN (
		SELECT MAX(id) FROM registrations GROUP BY user_id
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to dedupe registrations: %w", err)
	}
	n, _ := res.RowsAffected()
	logging.Store("Dedupe removed %d superseded registrations", n)
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var username, categoryKey, categoryLabel sql.NullString
	var gradeKey, gradeLabel, optionKey, optionTitle sql.NullString
	var createdAt string
	err := row.Scan(
		&rec.ID, &rec.UserID, &username, &rec.FullName,
		&categoryKey, &categoryLabel, &gradeKey, &gradeLabel,
		&rec.TrackKey, &rec.TrackTitle, &optionKey, &optionTitle, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Username = username.String
	rec.CategoryKey = categoryKey.String
	rec.CategoryLabel = categoryLabel.String
	rec.GradeKey = gradeKey.String
	rec.GradeLabel = gradeLabel.String
	rec.OptionKey = optionKey.String
	rec.OptionTitle = optionTitle.String
	rec.CreatedAt = parseTimestamp(createdAt)
	return &rec, nil
}

// timestampLayouts covers rows written by this store and by earlier
// deployments that stored naive ISO timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTimestamp(v string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t.UTC()
		}
	}
	logging.StoreWarn("Unparseable created_at %q", v)
	return time.Time{}
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
