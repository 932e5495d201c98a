// Package postgres exports harvested records into a Postgres table.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/multisession-harvester/internal/export"
	"github.com/JakeFAU/multisession-harvester/internal/harvest"
)

const defaultTable = "harvested_jobs"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ExportStoreConfig controls the connection pool used for export rows.
type ExportStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type txPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// ExportStore writes each export as a set of rows sharing an export name.
type ExportStore struct {
	pool  txPool
	table string
	clock harvest.Clock
}

// NewExportStore connects to Postgres using cfg.
func NewExportStore(ctx context.Context, cfg ExportStoreConfig, clock harvest.Clock) (*ExportStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("export.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewExportStoreWithPool(pool, cfg.Table, clock)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewExportStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewExportStoreWithPool(pool txPool, table string, clock harvest.Clock) (*ExportStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ExportStore{pool: pool, table: table, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *ExportStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the export table when it does not exist.
func (s *ExportStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	export_name           TEXT        NOT NULL,
	sheet_ref             TEXT        NOT NULL,
	label                 TEXT        NOT NULL,
	row_number            INTEGER     NOT NULL,
	job_id                TEXT        NOT NULL,
	job_title             TEXT        NOT NULL,
	company               TEXT        NOT NULL,
	location              TEXT        NOT NULL,
	work_model            TEXT        NOT NULL,
	is_remote             TEXT        NOT NULL,
	salary                TEXT        NOT NULL,
	seniority             TEXT        NOT NULL,
	employment_type       TEXT        NOT NULL,
	job_summary           TEXT        NOT NULL,
	core_responsibilities TEXT        NOT NULL,
	min_experience        TEXT        NOT NULL,
	apply_link            TEXT        NOT NULL,
	published_time        TEXT        NOT NULL,
	page_number           INTEGER     NOT NULL,
	position_in_page      INTEGER     NOT NULL,
	company_size          TEXT        NOT NULL,
	keyword_match         TEXT        NOT NULL,
	source                TEXT        NOT NULL,
	scraped_at            TIMESTAMPTZ,
	account_name          TEXT        NOT NULL,
	account_email         TEXT        NOT NULL,
	job_title_preference  TEXT        NOT NULL,
	PRIMARY KEY (export_name, row_number)
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Export implements harvest.ExportSink. All rows of one export are written in a
// single transaction; the resource id is postgres://{table}/{export name}.
func (s *ExportStore) Export(ctx context.Context, sheet string, label harvest.ExportLabel, records []harvest.Record) (string, error) {
	if s == nil || s.pool == nil {
		return "", fmt.Errorf("export store is not configured")
	}
	name := export.SheetName(label, s.clock.Now())
	query := fmt.Sprintf(`
INSERT INTO %s (
	export_name, sheet_ref, label, row_number,
	job_id, job_title, company, location, work_model, is_remote, salary,
	seniority, employment_type, job_summary, core_responsibilities,
	min_experience, apply_link, published_time, page_number, position_in_page,
	company_size, keyword_match, source, scraped_at,
	account_name, account_email, job_title_preference
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27
) ON CONFLICT (export_name, row_number) DO NOTHING`, s.table)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin export: %w", err)
	}
	for i, rec := range records {
		if _, err := tx.Exec(ctx, query, rowArgs(name, sheet, label, i+1, rec)...); err != nil {
			_ = tx.Rollback(ctx)
			return "", fmt.Errorf("insert row %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit export: %w", err)
	}
	return fmt.Sprintf("postgres://%s/%s", s.table, name), nil
}

func rowArgs(name, sheet string, label harvest.ExportLabel, row int, rec harvest.Record) []any {
	keyword := rec.KeywordMatch
	if keyword == "" {
		keyword = "N/A"
	}
	var scrapedAt *time.Time
	if !rec.ScrapedAt.IsZero() {
		ts := rec.ScrapedAt.UTC()
		scrapedAt = &ts
	}
	return []any{
		name,
		strings.TrimSpace(sheet),
		string(label),
		row,
		rec.ID,
		rec.Title,
		rec.Company,
		rec.Location,
		rec.WorkModel,
		rec.Remote,
		rec.Salary,
		rec.Seniority,
		rec.EmploymentType,
		rec.Summary,
		rec.Responsibilities,
		rec.MinExperience,
		rec.ApplyLink,
		rec.PublishedTime,
		rec.Page,
		rec.Position,
		rec.CompanySize,
		keyword,
		rec.Source,
		scrapedAt,
		rec.AccountName,
		rec.AccountEmail,
		rec.AccountJobTitle,
	}
}
