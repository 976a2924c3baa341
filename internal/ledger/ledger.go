// Package ledger mirrors confirmed registrations to an external append-only
// spreadsheet. The mirror is best-effort: callers hand rows to a Writer and
// never wait on the remote append.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"contestbot/internal/store"
)

// Row is one flat, ordered ledger line.
type Row []string

// Values converts the row into the cell slice the spreadsheet API expects.
func (r Row) Values() []interface{} {
	out := make([]interface{}, len(r))
	for i, v := range r {
		out[i] = v
	}
	return out
}

// Mirror appends rows to an external ledger.
type Mirror interface {
	Append(ctx context.Context, row Row) error
}

// MirrorFunc adapts a function to Mirror.
type MirrorFunc func(ctx context.Context, row Row) error

// Append calls f.
func (f MirrorFunc) Append(ctx context.Context, row Row) error {
	return f(ctx, row)
}

// Nop discards every row. Used when no spreadsheet is configured.
type Nop struct{}

// Append does nothing.
func (Nop) Append(context.Context, Row) error { return nil }

// ErrQueueFull is reported when the writer queue has no room for a row.
var ErrQueueFull = errors.New("ledger queue full")

// ErrWriterClosed is reported for rows enqueued after Close.
var ErrWriterClosed = errors.New("ledger writer closed")

// MirrorError reports a row that did not reach the ledger. The local record
// it mirrors is unaffected.
type MirrorError struct {
	Key string
	Err error
}

func (e *MirrorError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("ledger mirror failed: %v", e.Err)
	}
	return fmt.Sprintf("ledger mirror failed for %s: %v", e.Key, e.Err)
}

func (e *MirrorError) Unwrap() error { return e.Err }

// Layout fixes the registration row shape for a deployment. The category
// column is present or absent for every row, never per record.
type Layout struct {
	IncludeCategory bool
}

// Registration flattens a stored record:
// [id, username, full name, (category label), grade label, track title, option title].
func (l Layout) Registration(rec store.Record) Row {
	row := Row{strconv.FormatInt(rec.ID, 10), rec.Username, rec.FullName}
	if l.IncludeCategory {
		row = append(row, rec.CategoryLabel)
	}
	return append(row, rec.GradeLabel, rec.TrackTitle, rec.OptionTitle)
}

// Header returns the column titles matching Registration.
func (l Layout) Header() Row {
	row := Row{"reg_id", "username", "full_name"}
	if l.IncludeCategory {
		row = append(row, "gender")
	}
	return append(row, "grade", "track", "option")
}
