// Package export renders harvested records into the sheet layout used by every
// export backend and writes them as CSV objects.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
)

const (
	scrapedAtLayout = "2006-01-02 15:04:05"
	sheetTimeLayout = "20060102_150405"
	ellipsis        = "..."
	csvContentType  = "text/csv; charset=utf-8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type column struct {
	header string
	// max is the longest cell kept before truncation; zero keeps the value as is.
	max   int
	value func(harvest.Record) string
}

var columns = []column{
	{"Job Title", 100, func(r harvest.Record) string { return r.Title }},
	{"Company", 50, func(r harvest.Record) string { return r.Company }},
	{"Location", 50, func(r harvest.Record) string { return r.Location }},
	{"Work Model", 30, func(r harvest.Record) string { return r.WorkModel }},
	{"Remote", 10, func(r harvest.Record) string { return r.Remote }},
	{"Salary", 30, func(r harvest.Record) string { return r.Salary }},
	{"Seniority", 50, func(r harvest.Record) string { return r.Seniority }},
	{"Employment Type", 30, func(r harvest.Record) string { return r.EmploymentType }},
	{"Job Summary", 400, func(r harvest.Record) string { return r.Summary }},
	{"Core Responsibilities", 300, func(r harvest.Record) string { return r.Responsibilities }},
	{"Min Experience", 20, func(r harvest.Record) string { return r.MinExperience }},
	{"Apply Link", 100, func(r harvest.Record) string { return r.ApplyLink }},
	{"Job ID", 30, func(r harvest.Record) string { return r.ID }},
	{"Published Time", 30, func(r harvest.Record) string { return r.PublishedTime }},
	{"Page #", 0, func(r harvest.Record) string { return strconv.Itoa(r.Page) }},
	{"Position", 0, func(r harvest.Record) string { return strconv.Itoa(r.Position) }},
	{"Company Size", 30, func(r harvest.Record) string { return r.CompanySize }},
	{"Keyword Match", 50, func(r harvest.Record) string {
		if r.KeywordMatch == "" {
			return "N/A"
		}
		return r.KeywordMatch
	}},
	{"Source", 50, func(r harvest.Record) string { return r.Source }},
	{"Scraped At", 30, func(r harvest.Record) string {
		if r.ScrapedAt.IsZero() {
			return ""
		}
		return r.ScrapedAt.Format(scrapedAtLayout)
	}},
	{"Account Name", 30, func(r harvest.Record) string { return r.AccountName }},
	{"Account Email", 50, func(r harvest.Record) string { return r.AccountEmail }},
	{"Job Title Preference", 50, func(r harvest.Record) string { return r.AccountJobTitle }},
}

// Headers returns the column headers in sheet order.
func Headers() []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.header
	}
	return out
}

// Clean flattens line breaks and truncates text to maxLen runes, marking the
// cut with "...". The literal "None" is treated as empty.
func Clean(text string, maxLen int) string {
	if text == "" || text == "None" {
		return ""
	}
	text = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text)
	if maxLen <= 0 || utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	return string([]rune(text)[:maxLen]) + ellipsis
}

// Row renders rec as cleaned cells in sheet order.
func Row(rec harvest.Record) []string {
	row := make([]string, len(columns))
	for i, c := range columns {
		row[i] = Clean(c.value(rec), c.max)
	}
	return row
}

// SheetName names one export, e.g. MultiAccount_FILTERED_JOBS_MULTI_20250102_150405.
func SheetName(label harvest.ExportLabel, at time.Time) string {
	return fmt.Sprintf("MultiAccount_%s_%s", label, at.Format(sheetTimeLayout))
}

// WriteCSV writes a UTF-8 BOM, the header row and one row per record.
func WriteCSV(w io.Writer, records []harvest.Record) error {
	if _, err := w.Write(utf8BOM); err != nil {
		return fmt.Errorf("write bom: %w", err)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(Headers()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, rec := range records {
		if err := cw.Write(Row(rec)); err != nil {
			return fmt.Errorf("write row %s: %w", rec.ID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// BlobStore persists one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// BlobSink exports each record set as a CSV object named after the sheet.
type BlobSink struct {
	store BlobStore
	clock harvest.Clock
}

// NewBlobSink wires a BlobStore to the export contract.
func NewBlobSink(store BlobStore, clock harvest.Clock) (*BlobSink, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &BlobSink{store: store, clock: clock}, nil
}

// Export implements harvest.ExportSink. The object lands at
// {sheet}/{SheetName}.csv and its URI is the resource id.
func (s *BlobSink) Export(ctx context.Context, sheet string, label harvest.ExportLabel, records []harvest.Record) (string, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, records); err != nil {
		return "", err
	}
	name := path.Join(sanitize(sheet), SheetName(label, s.clock.Now())+".csv")
	uri, err := s.store.PutObject(ctx, name, csvContentType, &buf)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", name, err)
	}
	return uri, nil
}

// sanitize keeps sheet references usable as a single path segment.
func sanitize(sheet string) string {
	sheet = strings.TrimSpace(sheet)
	// Spreadsheet URLs carry the id after /d/.
	if _, rest, ok := strings.Cut(sheet, "/spreadsheets/d/"); ok {
		sheet, _, _ = strings.Cut(rest, "/")
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, sheet)
}
