// Package paginate walks one session's listing pages, rotating server-side
// sort modes, and supplements the walk with topic-filtered queries.
package paginate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
	"github.com/JakeFAU/multisession-harvester/internal/metrics"
	"github.com/JakeFAU/multisession-harvester/internal/remote"
)

// Provenance labels stamped on harvested records.
const (
	SourcePagination  = "pagination"
	SourceLanding     = "landing"
	SourceTopicFilter = "topic_filter"
	SourceCatchAll    = "catch_all"
)

// SortModes is the rotation of server-side sort conditions; page p uses
// SortModes[p%len(SortModes)].
var SortModes = [...]int{0, 1, 2, 3, 4, 5}

const (
	topicSortCondition    = 1
	catchAllSortCondition = 0
)

// Session is the slice of remote.Session the strategy drives.
type Session interface {
	Account() harvest.Credential
	Landing(ctx context.Context, position int) (remote.Page, error)
	ListJobs(ctx context.Context, sortCondition, position int) (remote.Page, error)
	UpdateFilter(ctx context.Context, filter remote.Filter) error
}

// Pacer spaces calls per account and enforces quotas.
type Pacer interface {
	Wait(ctx context.Context, cred harvest.Credential) error
}

// EventFunc receives user-facing log lines (kind is info, success, warning or
// error).
type EventFunc func(kind, message string)

// Scope is the run-level state a harvest shares with its sibling sessions.
type Scope struct {
	RunID  string
	Dedup  *harvest.Deduplicator
	Events EventFunc
}

func (s Scope) emit(kind, format string, args ...any) {
	if s.Events != nil {
		s.Events(kind, fmt.Sprintf(format, args...))
	}
}

// Config tunes the page walk.
type Config struct {
	HardCap           int
	PageSizeHeuristic int
	MinPages          int
	PageSize          int
	FilterSettle      time.Duration
	UseLanding        bool
}

// DefaultConfig returns the stock page-walk settings.
func DefaultConfig() Config {
	return Config{
		HardCap:           100,
		PageSizeHeuristic: 15,
		MinPages:          10,
		PageSize:          remote.PageSize,
		FilterSettle:      2 * time.Second,
	}
}

// Strategy harvests records from a single session.
type Strategy struct {
	cfg    Config
	pacer  Pacer
	clock  harvest.Clock
	sleep  remote.Sleeper
	logger *zap.Logger
}

// New creates a Strategy. Zero-valued numeric settings fall back to
// DefaultConfig.
func New(cfg Config, pacer Pacer, clock harvest.Clock, sleep remote.Sleeper, logger *zap.Logger) *Strategy {
	def := DefaultConfig()
	if cfg.HardCap <= 0 {
		cfg.HardCap = def.HardCap
	}
	if cfg.PageSizeHeuristic <= 0 {
		cfg.PageSizeHeuristic = def.PageSizeHeuristic
	}
	if cfg.MinPages <= 0 {
		cfg.MinPages = def.MinPages
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.FilterSettle < 0 {
		cfg.FilterSettle = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Strategy{cfg: cfg, pacer: pacer, clock: clock, sleep: sleep, logger: logger}
}

// MaxPages is the page budget for a session asked for target records.
func (s *Strategy) MaxPages(target int) int {
	pages := max(target/s.cfg.PageSizeHeuristic, s.cfg.MinPages)
	return min(s.cfg.HardCap, pages)
}

// Harvest walks sess's pages until a stop condition fires and returns the
// admitted records in fetch order. Cancelling ctx stops the walk before the
// next page; a call already in flight is allowed to finish.
func (s *Strategy) Harvest(ctx context.Context, scope Scope, sess Session, target int, topic string) []harvest.Record {
	cred := sess.Account()
	logger := s.logger.With(zap.String("run_id", scope.RunID), zap.String("account", cred.Email))

	var out []harvest.Record
	maxPages := s.MaxPages(target)
	fetched := 0
	for page := 0; page < maxPages; page++ {
		if len(out) >= target {
			logger.Debug("session target reached", zap.Int("records", len(out)))
			break
		}
		items, ok := s.fetch(ctx, scope, sess, page, logger, func(callCtx context.Context) (remote.Page, error) {
			if page == 0 && s.cfg.UseLanding {
				return sess.Landing(callCtx, 0)
			}
			return sess.ListJobs(callCtx, SortModes[page%len(SortModes)], page*s.cfg.PageSize)
		})
		if !ok {
			break
		}
		fetched++
		source := SourcePagination
		if page == 0 && s.cfg.UseLanding {
			source = SourceLanding
		}
		out = append(out, s.admit(scope, cred, items, page+1, source)...)
		if len(items) < s.cfg.PageSize {
			metrics.ObservePage("short")
			logger.Debug("short page, end of results", zap.Int("page", page), zap.Int("items", len(items)))
			break
		}
		metrics.ObservePage("ok")
	}

	next := fetched
	if topic != "" && len(out) < target && ctx.Err() == nil && harvest.HintMatches(cred.JobTitle, topic) {
		out = append(out, s.topicQuery(ctx, scope, sess, topic, next, logger)...)
		next++
	}
	if len(out)*2 < target && ctx.Err() == nil {
		items, ok := s.fetch(ctx, scope, sess, next, logger, func(callCtx context.Context) (remote.Page, error) {
			return sess.ListJobs(callCtx, catchAllSortCondition, 0)
		})
		if ok {
			metrics.ObservePage("ok")
			out = append(out, s.admit(scope, cred, items, next+1, SourceCatchAll)...)
		}
	}
	return out
}

// fetch paces, then issues one listing call. It reports false when the walk
// must stop; the reason has already been logged.
func (s *Strategy) fetch(
	ctx context.Context,
	scope Scope,
	sess Session,
	page int,
	logger *zap.Logger,
	call func(context.Context) (remote.Page, error),
) ([]json.RawMessage, bool) {
	cred := sess.Account()
	if err := ctx.Err(); err != nil {
		metrics.ObservePage("cancelled")
		logger.Debug("harvest cancelled before page", zap.Int("page", page))
		return nil, false
	}
	if err := s.pacer.Wait(ctx, cred); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			metrics.ObservePage("cancelled")
			return nil, false
		}
		metrics.ObservePage("quota")
		logger.Warn("pacing stopped session", zap.Int("page", page), zap.Error(err))
		scope.emit("warning", "%s: %v", cred.Label(), err)
		return nil, false
	}
	result, err := call(context.WithoutCancel(ctx))
	if err != nil {
		fetchErr := &harvest.FetchError{Account: cred.Email, Page: page, Err: err}
		metrics.ObservePage("error")
		logger.Warn("page fetch failed", zap.Int("page", page), zap.Error(fetchErr))
		scope.emit("warning", "%s: page %d failed", cred.Label(), page+1)
		return nil, false
	}
	return result.Items, true
}

func (s *Strategy) topicQuery(
	ctx context.Context,
	scope Scope,
	sess Session,
	topic string,
	page int,
	logger *zap.Logger,
) []harvest.Record {
	cred := sess.Account()
	if err := sess.UpdateFilter(context.WithoutCancel(ctx), remote.TitleFilter(topic)); err != nil {
		logger.Warn("filter update failed", zap.String("topic", topic), zap.Error(err))
		return nil
	}
	if s.cfg.FilterSettle > 0 {
		if err := s.sleep(ctx, s.cfg.FilterSettle); err != nil {
			return nil
		}
	}
	items, ok := s.fetch(ctx, scope, sess, page, logger, func(callCtx context.Context) (remote.Page, error) {
		return sess.ListJobs(callCtx, topicSortCondition, -1)
	})
	if !ok {
		return nil
	}
	metrics.ObservePage("ok")
	recs := s.admit(scope, cred, items, page+1, SourceTopicFilter)
	logger.Debug("topic query complete", zap.String("topic", topic), zap.Int("records", len(recs)))
	return recs
}

func (s *Strategy) admit(scope Scope, cred harvest.Credential, items []json.RawMessage, page int, source string) []harvest.Record {
	now := s.clock.Now()
	out := make([]harvest.Record, 0, len(items))
	for i, raw := range items {
		rec, ok := remote.ParseItemV1(raw, remote.ItemMeta{
			Page:      page,
			Position:  i + 1,
			Source:    source,
			ScrapedAt: now,
			Account:   cred,
		})
		if !ok {
			continue
		}
		if scope.Dedup != nil && !scope.Dedup.Admit(rec.ID) {
			continue
		}
		out = append(out, rec)
	}
	return out
}
