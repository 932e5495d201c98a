// Package orchestrator drives one harvest run through its phases: plan,
// authenticate, harvest concurrently, filter, export.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
	"github.com/JakeFAU/multisession-harvester/internal/metrics"
	"github.com/JakeFAU/multisession-harvester/internal/paginate"
	"github.com/JakeFAU/multisession-harvester/internal/progress"
)

// Progress milestones.
const (
	progressInit         = 5
	progressAuthStart    = 10
	progressHarvestFloor = 25
	progressHarvestCeil  = 90
	progressFiltering    = 92
	progressExporting    = 95

	minSessionTarget = 25
)

const tracerName = "github.com/JakeFAU/multisession-harvester/internal/orchestrator"

// CredentialSource supplies the accounts available to a run.
type CredentialSource interface {
	Credentials(ctx context.Context) ([]harvest.Credential, error)
}

// Session is an authenticated session the orchestrator owns until Close.
type Session interface {
	paginate.Session
	Close()
}

// SessionOpener authenticates one credential.
type SessionOpener interface {
	Open(ctx context.Context, cred harvest.Credential) (Session, error)
}

// Harvester walks one session's pages.
type Harvester interface {
	Harvest(ctx context.Context, scope paginate.Scope, sess paginate.Session, target int, topic string) []harvest.Record
}

// Config tunes run pacing.
type Config struct {
	// AuthDelay separates consecutive login attempts.
	AuthDelay time.Duration
	// NotifyTopic is the publisher topic for run-complete notifications.
	NotifyTopic string
}

// Deps are the collaborators of an Orchestrator. Export, IDCache and
// Publisher are optional.
type Deps struct {
	Credentials CredentialSource
	Sessions    SessionOpener
	Harvester   Harvester
	Export      harvest.ExportSink
	IDCache     harvest.IDCache
	Publisher   harvest.Publisher
	Clock       harvest.Clock
	Sleep       func(ctx context.Context, d time.Duration) error
	Logger      *zap.Logger
}

// Orchestrator runs harvests. It holds no per-run state and may run several
// harvests at once.
type Orchestrator struct {
	cfg  Config
	deps Deps
}

// New validates deps and builds an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Credentials == nil {
		return nil, errors.New("credential source is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("session opener is required")
	}
	if deps.Harvester == nil {
		return nil, errors.New("harvester is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if deps.Sleep == nil {
		return nil, errors.New("sleep func is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.AuthDelay < 0 {
		cfg.AuthDelay = 0
	}
	return &Orchestrator{cfg: cfg, deps: deps}, nil
}

// Plan estimates how many accounts a run would use.
func (o *Orchestrator) Plan(ctx context.Context, target int, mode harvest.Mode, topic string) (workers, available int, err error) {
	creds, err := o.deps.Credentials.Credentials(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load credentials: %w", err)
	}
	return harvest.Plan(target, mode, topic, len(creds)), len(creds), nil
}

// Run executes req to completion and reports the outcome to tracker. Only
// validation failures, an unusable credential source, zero authenticated
// accounts or a panic produce an unsuccessful result.
func (o *Orchestrator) Run(ctx context.Context, req harvest.RunRequest, tracker *progress.Tracker) (result harvest.RunResult) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "harvest.run", trace.WithAttributes(
		attribute.String("run_id", req.RunID),
		attribute.Int("target", req.Target),
		attribute.String("mode", string(req.Mode)),
	))
	defer span.End()
	rc := newRunContext(ctx, req, tracker, o.deps.Logger)
	defer rc.cancel()
	start := o.deps.Clock.Now()

	defer func() {
		if r := recover(); r != nil {
			rc.Logger.Error("run panicked", zap.Any("panic", r))
			result = o.fail(rc, fmt.Sprintf("internal error: %v", r))
		}
		span.SetAttributes(
			attribute.Int("total_jobs", result.TotalJobs),
			attribute.Int("accounts_used", result.AccountsUsed),
		)
		if !result.Success {
			span.SetStatus(codes.Error, result.Message)
		}
		rc.Logger.Info("run finished",
			zap.Bool("success", result.Success),
			zap.String("state", string(result.State)),
			zap.Int("total_jobs", result.TotalJobs),
			zap.Int("filtered_jobs", result.FilteredJobs),
			zap.Duration("elapsed", o.deps.Clock.Now().Sub(start)),
		)
		tracker.Complete(result)
	}()

	creds, err := o.initialize(rc)
	if err != nil {
		return o.fail(rc, err.Error())
	}
	sessions, err := o.authenticate(rc, creds)
	if err != nil {
		return o.fail(rc, err.Error())
	}
	if err := o.harvest(rc, sessions); err != nil {
		return o.fail(rc, err.Error())
	}
	filtered, err := o.filter(rc)
	if err != nil {
		return o.fail(rc, err.Error())
	}
	exports, err := o.export(rc, filtered)
	if err != nil {
		return o.fail(rc, err.Error())
	}
	if err := rc.transition(harvest.StateDone); err != nil {
		return o.fail(rc, err.Error())
	}

	all := rc.snapshotRecords()
	rc.mu.Lock()
	result = harvest.RunResult{
		RunID:          rc.RunID,
		Success:        true,
		State:          harvest.StateDone,
		TotalJobs:      len(all),
		FilteredJobs:   len(filtered),
		AccountsUsed:   rc.accountsUsed,
		AccountsFailed: rc.accountsFailed,
		Jobs:           filtered,
		Keyword:        req.Topic,
		TargetReached:  rc.targetReached,
		Message:        fmt.Sprintf("harvested %d jobs, %d matching", len(all), len(filtered)),
		Exports:        exports,
	}
	rc.mu.Unlock()
	rc.log(progress.LogSuccess, "Run complete: %d jobs, %d matching", result.TotalJobs, result.FilteredJobs)
	o.notify(rc, result)
	return result
}

func (o *Orchestrator) fail(rc *RunContext, message string) harvest.RunResult {
	if state := rc.State(); !state.Terminal() {
		_ = rc.transition(harvest.StateFailed)
	}
	rc.log(progress.LogError, "Run failed: %s", message)
	rc.Logger.Warn("run failed", zap.String("reason", message))
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return harvest.RunResult{
		RunID:          rc.RunID,
		Success:        false,
		State:          harvest.StateFailed,
		AccountsUsed:   rc.accountsUsed,
		AccountsFailed: rc.accountsFailed,
		Jobs:           []harvest.Record{},
		Keyword:        rc.Request.Topic,
		Message:        message,
	}
}

// initialize validates the request, loads credentials, plans the worker count
// and seeds deduplication from the id-cache.
func (o *Orchestrator) initialize(rc *RunContext) ([]harvest.Credential, error) {
	rc.Tracker.SetProgress(progressInit, "Initializing")
	req := rc.Request
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	mode, err := harvest.ParseMode(string(req.Mode))
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	rc.Mode = mode

	creds, err := o.deps.Credentials.Credentials(rc.ctx)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if len(creds) == 0 {
		return nil, errors.New("no active credentials")
	}

	workers := harvest.Plan(req.Target, mode, req.Topic, len(creds))
	if req.MaxAccounts > 0 {
		workers = min(workers, req.MaxAccounts)
	}
	rc.workers = workers
	rc.log(progress.LogInfo, "Planned %d concurrent accounts (%s mode) for %d jobs", workers, mode, req.Target)
	rc.Logger.Info("run planned",
		zap.Int("workers", workers),
		zap.Int("available", len(creds)),
		zap.String("mode", string(mode)),
		zap.Int("target", req.Target),
		zap.String("topic", req.Topic),
	)

	if o.deps.IDCache != nil {
		ids, err := o.deps.IDCache.Load(rc.ctx)
		if err != nil {
			rc.Logger.Warn("id cache load failed", zap.Error(err))
			rc.log(progress.LogWarning, "Could not load previously seen ids")
		} else if len(ids) > 0 {
			rc.Dedup.Seed(ids)
			rc.log(progress.LogInfo, "Loaded %d previously seen ids", len(ids))
		}
	}
	return creds, nil
}

// authenticate logs in up to rc.workers prioritized credentials one at a time.
func (o *Orchestrator) authenticate(rc *RunContext, creds []harvest.Credential) ([]Session, error) {
	if err := rc.transition(harvest.StateAuthenticating); err != nil {
		return nil, err
	}
	rc.Tracker.SetProgress(progressAuthStart, "Authenticating accounts")

	now := o.deps.Clock.Now()
	rng := rand.New(rand.NewPCG(uint64(now.UnixNano()), uint64(len(rc.RunID))))
	ordered := harvest.Prioritize(creds, rc.Request.Topic, rng)
	if len(ordered) > rc.workers {
		ordered = ordered[:rc.workers]
	}

	sessions := make([]Session, 0, len(ordered))
	for i, cred := range ordered {
		if i > 0 && o.cfg.AuthDelay > 0 {
			if err := o.deps.Sleep(rc.ctx, o.cfg.AuthDelay); err != nil {
				break
			}
		}
		if rc.ctx.Err() != nil {
			break
		}
		rc.Tracker.UpdateStats(func(s *progress.Stats) { s.CurrentAccount = cred.Label() })
		sess, err := o.deps.Sessions.Open(rc.ctx, cred)
		if err != nil {
			rc.mu.Lock()
			rc.accountsFailed++
			rc.mu.Unlock()
			rc.Tracker.AccountAuthenticated(cred.Email, false, err.Error())
			rc.Logger.Warn("account authentication failed", zap.String("account", cred.Email), zap.Error(err))
			rc.log(progress.LogWarning, "%s: authentication failed", cred.Label())
		} else {
			sessions = append(sessions, sess)
			rc.Tracker.AccountAuthenticated(cred.Email, true, "")
			rc.log(progress.LogSuccess, "%s authenticated", cred.Label())
		}
		pct := progressAuthStart + (progressHarvestFloor-progressAuthStart)*(i+1)/len(ordered)
		rc.Tracker.SetProgress(pct, fmt.Sprintf("Authenticated %d/%d accounts", len(sessions), len(ordered)))
	}

	if len(sessions) == 0 {
		return nil, errors.New("no accounts usable")
	}
	rc.mu.Lock()
	rc.accountsUsed = len(sessions)
	rc.mu.Unlock()
	rc.Tracker.UpdateStats(func(s *progress.Stats) { s.AccountsUsed = len(sessions) })
	return sessions, nil
}

type sessionResult struct {
	account string
	label   string
	records []harvest.Record
	elapsed time.Duration
}

// harvest runs one goroutine per session and merges their output in
// completion order. Reaching the target cancels the remaining sessions.
func (o *Orchestrator) harvest(rc *RunContext, sessions []Session) error {
	if err := rc.transition(harvest.StateHarvesting); err != nil {
		for _, sess := range sessions {
			sess.Close()
		}
		return err
	}
	target := rc.Request.Target
	perSession := max(target/max(rc.workers, 1), minSessionTarget)
	rc.Tracker.SetProgress(progressHarvestFloor, fmt.Sprintf("Harvesting with %d accounts", len(sessions)))
	rc.log(progress.LogInfo, "Harvesting with %d accounts, up to %d jobs each", len(sessions), perSession)

	harvestCtx, stop := context.WithCancel(rc.ctx)
	defer stop()
	g, gctx := errgroup.WithContext(harvestCtx)
	g.SetLimit(len(sessions))

	scope := paginate.Scope{
		RunID: rc.RunID,
		Dedup: rc.Dedup,
		Events: func(kind, message string) {
			rc.Tracker.Log(progress.LogType(kind), message)
		},
	}
	results := make(chan sessionResult, len(sessions))
	for _, sess := range sessions {
		g.Go(func() (err error) {
			cred := sess.Account()
			res := sessionResult{account: cred.Email, label: cred.Label()}
			started := o.deps.Clock.Now()
			metrics.IncActiveSessions()
			defer func() {
				metrics.DecActiveSessions()
				sess.Close()
				if r := recover(); r != nil {
					err = fmt.Errorf("session %s panicked: %v", cred.Email, r)
				}
				res.elapsed = o.deps.Clock.Now().Sub(started)
				results <- res
			}()
			res.records = o.deps.Harvester.Harvest(gctx, scope, sess, perSession, rc.Request.Topic)
			return nil
		})
	}

	completed := 0
	for range sessions {
		res := <-results
		completed++
		total := rc.merge(res.records)
		rc.Tracker.AccountDone(res.account, len(res.records), res.elapsed)
		rc.Tracker.UpdateStats(func(s *progress.Stats) {
			s.JobsFound = total
			s.CurrentAccount = res.label
		})
		rc.log(progress.LogInfo, "%s: %d jobs", res.label, len(res.records))
		pct := progressHarvestFloor + (progressHarvestCeil-progressHarvestFloor)*completed/len(sessions)
		rc.Tracker.SetProgress(pct, fmt.Sprintf("Harvested %d jobs (%d/%d accounts done)", total, completed, len(sessions)))

		rc.mu.Lock()
		reached := !rc.targetReached && total >= target
		if reached {
			rc.targetReached = true
		}
		rc.mu.Unlock()
		if reached {
			stop()
			rc.log(progress.LogSuccess, "Target of %d jobs reached", target)
			rc.Logger.Info("target reached, stopping remaining sessions", zap.Int("total", total))
		}
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("harvest sessions: %w", err)
	}
	return nil
}

func (o *Orchestrator) filter(rc *RunContext) ([]harvest.Record, error) {
	if err := rc.transition(harvest.StateFiltering); err != nil {
		return nil, err
	}
	rc.Tracker.SetProgress(progressFiltering, "Filtering results")
	filtered := harvest.Filter(rc.snapshotRecords(), rc.Request.Topic)
	rc.Tracker.UpdateStats(func(s *progress.Stats) { s.MatchingJobs = len(filtered) })
	if rc.Request.Topic != "" {
		rc.log(progress.LogInfo, "%d jobs match %q", len(filtered), rc.Request.Topic)
	}

	if o.deps.IDCache != nil {
		if err := o.deps.IDCache.Save(rc.ctx, rc.Dedup.Snapshot()); err != nil {
			rc.Logger.Warn("id cache save failed", zap.Error(err))
		}
	}
	return filtered, nil
}

// export writes the filtered set, and the full set too when filtering dropped
// something. Sink failures are logged and do not fail the run.
func (o *Orchestrator) export(rc *RunContext, filtered []harvest.Record) ([]harvest.ExportRef, error) {
	if err := rc.transition(harvest.StateExporting); err != nil {
		return nil, err
	}
	if o.deps.Export == nil {
		return nil, nil
	}
	rc.Tracker.SetProgress(progressExporting, "Exporting results")
	all := rc.snapshotRecords()

	type job struct {
		label   harvest.ExportLabel
		records []harvest.Record
	}
	jobs := []job{{label: harvest.ExportFiltered, records: filtered}}
	if rc.Request.Topic == "" {
		jobs[0].label = harvest.ExportAll
	} else if len(filtered) < len(all) {
		jobs = append(jobs, job{label: harvest.ExportAll, records: all})
	}

	var refs []harvest.ExportRef
	for _, j := range jobs {
		id, err := o.deps.Export.Export(rc.ctx, rc.Request.Sheet, j.label, j.records)
		if err != nil {
			exportErr := &harvest.ExportError{Label: j.label, Err: err}
			rc.Logger.Warn("export failed", zap.Error(exportErr))
			rc.log(progress.LogWarning, "Export %s failed", j.label)
			continue
		}
		refs = append(refs, harvest.ExportRef{Label: j.label, ResourceID: id, Rows: len(j.records)})
		rc.log(progress.LogSuccess, "Exported %d rows to %s", len(j.records), id)
	}
	return refs, nil
}

// RunSummary is the run-complete notification payload.
type RunSummary struct {
	RunID         string              `json:"run_id"`
	Sheet         string              `json:"sheet"`
	Keyword       string              `json:"keyword"`
	TotalJobs     int                 `json:"total_jobs"`
	FilteredJobs  int                 `json:"filtered_jobs"`
	AccountsUsed  int                 `json:"accounts_used"`
	TargetReached bool                `json:"target_reached"`
	Exports       []harvest.ExportRef `json:"exports,omitempty"`
	CompletedAt   time.Time           `json:"completed_at"`
}

// Attributes exposes routing attributes for message brokers.
func (s RunSummary) Attributes() map[string]string {
	return map[string]string{
		"run_id":         s.RunID,
		"target_reached": strconv.FormatBool(s.TargetReached),
	}
}

func (o *Orchestrator) notify(rc *RunContext, result harvest.RunResult) {
	if o.deps.Publisher == nil || o.cfg.NotifyTopic == "" {
		return
	}
	summary := RunSummary{
		RunID:         result.RunID,
		Sheet:         rc.Request.Sheet,
		Keyword:       result.Keyword,
		TotalJobs:     result.TotalJobs,
		FilteredJobs:  result.FilteredJobs,
		AccountsUsed:  result.AccountsUsed,
		TargetReached: result.TargetReached,
		Exports:       result.Exports,
		CompletedAt:   o.deps.Clock.Now(),
	}
	id, err := o.deps.Publisher.Publish(context.WithoutCancel(rc.ctx), o.cfg.NotifyTopic, summary)
	if err != nil {
		rc.Logger.Warn("run notification failed", zap.Error(err))
		return
	}
	rc.Logger.Debug("run notification published", zap.String("message_id", id))
}
