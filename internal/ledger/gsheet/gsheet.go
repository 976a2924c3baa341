// Package gsheet implements ledger.Mirror on a Google Sheets worksheet.
package gsheet

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"contestbot/internal/ledger"
	"contestbot/internal/logging"
)

// Options locates the spreadsheet that receives ledger rows.
type Options struct {
	CredentialsFile string
	SpreadsheetID   string
	Worksheet       string

	// Header is written as the first row when the worksheet is empty.
	// Nil leaves the worksheet as found.
	Header ledger.Row

	// ClientOptions are passed to the Sheets client after the credentials.
	ClientOptions []option.ClientOption
}

// Mirror appends rows to a Google Sheets worksheet.
type Mirror struct {
	values        *sheets.SpreadsheetsValuesService
	spreadsheetID string
	worksheet     string
	header        ledger.Row

	mu         sync.Mutex
	headerDone bool
}

// New authenticates with a service account file.
func New(ctx context.Context, opts Options) (*Mirror, error) {
	if opts.SpreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id required")
	}
	if opts.Worksheet == "" {
		opts.Worksheet = "Sheet1"
	}

	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	clientOpts = append(clientOpts, option.WithScopes(sheets.SpreadsheetsScope))
	clientOpts = append(clientOpts, opts.ClientOptions...)

	srv, err := sheets.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets client: %w", err)
	}

	logging.Ledger("Sheets mirror ready: spreadsheet=%s worksheet=%s", opts.SpreadsheetID, opts.Worksheet)
	return &Mirror{
		values:        srv.Spreadsheets.Values,
		spreadsheetID: opts.SpreadsheetID,
		worksheet:     opts.Worksheet,
		header:        opts.Header,
		headerDone:    len(opts.Header) == 0,
	}, nil
}

// Append adds row after the last filled row. Values are stored as entered so
// a name starting with "=" is never evaluated as a formula.
func (m *Mirror) Append(ctx context.Context, row ledger.Row) error {
	if err := m.ensureHeader(ctx); err != nil {
		return err
	}
	return m.append(ctx, row)
}

// ensureHeader writes the header row once, and only into an empty worksheet.
// A failed check is retried on the next Append.
func (m *Mirror) ensureHeader(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.headerDone {
		return nil
	}

	resp, err := m.values.Get(m.spreadsheetID, a1Range(m.worksheet, "A1:A1")).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("sheets header check: %w", err)
	}
	if len(resp.Values) == 0 {
		if err := m.append(ctx, m.header); err != nil {
			return err
		}
		logging.Ledger("Header row written to worksheet %s", m.worksheet)
	}
	m.headerDone = true
	return nil
}

func (m *Mirror) append(ctx context.Context, row ledger.Row) error {
	vr := &sheets.ValueRange{Values: [][]interface{}{row.Values()}}
	_, err := m.values.Append(m.spreadsheetID, a1Range(m.worksheet, "A1"), vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("sheets append: %w", err)
	}
	return nil
}

func a1Range(worksheet, cells string) string {
	return "'" + strings.ReplaceAll(worksheet, "'", "''") + "'!" + cells
}
