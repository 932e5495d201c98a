package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/multisession-harvester/internal/credentials"
	"github.com/JakeFAU/multisession-harvester/internal/harvest"
	"github.com/JakeFAU/multisession-harvester/internal/paginate"
	"github.com/JakeFAU/multisession-harvester/internal/policy/simple"
	"github.com/JakeFAU/multisession-harvester/internal/progress"
	"github.com/JakeFAU/multisession-harvester/internal/remote"
)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC) }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTracker(runID string) *progress.Tracker {
	return progress.NewTracker(runID, fixedClock{}, nil)
}

func accounts(n int) credentials.Static {
	out := make(credentials.Static, 0, n)
	for i := range n {
		out = append(out, harvest.Credential{
			Email:    fmt.Sprintf("user%d@example.com", i),
			Password: "pw",
			Name:     fmt.Sprintf("User%d", i),
			Active:   true,
		})
	}
	return out
}

type exportCall struct {
	sheet string
	label harvest.ExportLabel
	rows  int
}

type fakeExport struct {
	mu    sync.Mutex
	calls []exportCall
	fail  map[harvest.ExportLabel]bool
}

func (f *fakeExport) Export(_ context.Context, sheet string, label harvest.ExportLabel, records []harvest.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[label] {
		return "", errors.New("sink unavailable")
	}
	f.calls = append(f.calls, exportCall{sheet: sheet, label: label, rows: len(records)})
	return fmt.Sprintf("%s/%s", sheet, label), nil
}

// listingServer serves the login/warm-up endpoints and, per account, a full
// page at position 0 and a five-item page at position 20. The first item of
// every account's second page repeats an id from the next account's first page.
func listingServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/swan/auth/login/pwd":
			var body struct {
				Email string `json:"email"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			http.SetCookie(w, &http.Cookie{Name: "acct", Value: body.Email, Path: "/"})
			_, _ = w.Write([]byte(`{"success":true,"result":{"userId":1}}`))
		case "/swan/recommend/list/jobs":
			cookie, err := r.Cookie("acct")
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			position, _ := strconv.Atoi(r.URL.Query().Get("position"))
			var items []map[string]any
			add := func(id string) {
				items = append(items, map[string]any{
					"jobResult":     map[string]any{"jobId": id, "jobTitle": "Engineer " + id},
					"companyResult": map[string]any{"companyName": "Acme"},
				})
			}
			switch position {
			case 0:
				for i := range 20 {
					add(fmt.Sprintf("%s-%d", cookie.Value, i))
				}
			case 20:
				if cookie.Value == "user0@example.com" {
					add("user1@example.com-0")
				} else {
					add(fmt.Sprintf("%s-p1-x", cookie.Value))
				}
				for i := range 4 {
					add(fmt.Sprintf("%s-p1-%d", cookie.Value, i))
				}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "result": map[string]any{"jobList": items}})
		default:
			_, _ = w.Write([]byte(`{"success":true}`))
		}
	}))
}

func TestRunEndToEndDeduplicatesAcrossSessions(t *testing.T) {
	t.Parallel()

	srv := listingServer(t)
	defer srv.Close()

	pool := remote.NewPool(remote.PoolConfig{Size: 3}, zap.NewNop())
	defer pool.Close()
	factory, err := remote.NewFactory(remote.FactoryConfig{BaseURL: srv.URL}, pool, fixedClock{}, noSleep, zap.NewNop())
	require.NoError(t, err)
	strategy := paginate.New(paginate.Config{}, simple.New(), fixedClock{}, noSleep, zap.NewNop())
	exp := &fakeExport{}

	o, err := New(Config{}, Deps{
		Credentials: accounts(3),
		Sessions:    RemoteSessions{Factory: factory},
		Harvester:   strategy,
		Export:      exp,
		Clock:       fixedClock{},
		Sleep:       noSleep,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)

	tracker := newTracker("run-e2e")
	res := o.Run(context.Background(), harvest.RunRequest{
		RunID:  "run-e2e",
		Sheet:  "sheet-1",
		Target: 1000,
		Mode:   harvest.ModeAggressive,
	}, tracker)

	require.True(t, res.Success, res.Message)
	require.Equal(t, harvest.StateDone, res.State)
	require.Equal(t, 74, res.TotalJobs)
	require.Equal(t, 74, res.FilteredJobs)
	require.Equal(t, 3, res.AccountsUsed)
	require.Equal(t, 0, res.AccountsFailed)
	require.False(t, res.TargetReached)
	for _, rec := range res.Jobs {
		require.Equal(t, harvest.NoFilterLabel, rec.KeywordMatch)
	}
	require.Equal(t, []exportCall{{sheet: "sheet-1", label: harvest.ExportAll, rows: 74}}, exp.calls)

	snap := tracker.Poll()
	require.True(t, snap.Completed)
	require.Equal(t, 100, snap.Progress)
	require.Equal(t, 74, snap.Stats.JobsFound)
	require.Equal(t, 3, snap.Stats.AccountsUsed)
}

// stubSession returns pages of 20 items up to pages, sleeping delay per page.
type stubSession struct {
	cred   harvest.Credential
	pages  int
	delay  time.Duration
	calls  *atomic.Int32
	closed atomic.Bool
}

func (s *stubSession) Account() harvest.Credential { return s.cred }

func (s *stubSession) Landing(ctx context.Context, position int) (remote.Page, error) {
	return s.ListJobs(ctx, 0, position)
}

func (s *stubSession) ListJobs(_ context.Context, _ int, position int) (remote.Page, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	page := position / 20
	if page >= s.pages {
		return remote.Page{}, nil
	}
	items := make([]json.RawMessage, 0, 20)
	for i := range 20 {
		items = append(items, json.RawMessage(fmt.Sprintf(
			`{"jobResult":{"jobId":"%s-%d-%d","jobTitle":"Data Engineer"}}`, s.cred.Email, page, i)))
	}
	return remote.Page{Items: items}, nil
}

func (s *stubSession) UpdateFilter(context.Context, remote.Filter) error { return nil }

func (s *stubSession) Close() { s.closed.Store(true) }

type stubOpener struct {
	mu       sync.Mutex
	sessions []*stubSession
	build    func(cred harvest.Credential, idx int) (*stubSession, error)
}

func (o *stubOpener) Open(_ context.Context, cred harvest.Credential) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, err := o.build(cred, len(o.sessions))
	if err != nil {
		return nil, &harvest.AuthError{Account: cred.Email, Err: err}
	}
	o.sessions = append(o.sessions, sess)
	return sess, nil
}

func TestRunStopsEarlyWhenTargetReached(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	opener := &stubOpener{build: func(cred harvest.Credential, idx int) (*stubSession, error) {
		return &stubSession{cred: cred, pages: 5, delay: time.Duration(idx) * 30 * time.Millisecond, calls: &calls}, nil
	}}
	o, err := New(Config{}, Deps{
		Credentials: accounts(10),
		Sessions:    opener,
		Harvester:   paginate.New(paginate.Config{}, simple.New(), fixedClock{}, noSleep, zap.NewNop()),
		Clock:       fixedClock{},
		Sleep:       noSleep,
	})
	require.NoError(t, err)

	res := o.Run(context.Background(), harvest.RunRequest{
		RunID:  "run-early",
		Sheet:  "s",
		Target: 50,
		Mode:   harvest.ModeAggressive,
	}, newTracker("run-early"))

	require.True(t, res.Success, res.Message)
	require.True(t, res.TargetReached)
	// aggressive mode plans seven sessions for a target of 50
	require.Equal(t, 7, res.AccountsUsed)
	require.Len(t, opener.sessions, 7)
	require.GreaterOrEqual(t, res.TotalJobs, 50)
	// every session would need two pages to reach its own target of 25
	require.Less(t, int(calls.Load()), 7*2)
	for _, sess := range opener.sessions {
		require.True(t, sess.closed.Load())
	}
}

func TestRunFailsWhenNoAccountAuthenticates(t *testing.T) {
	t.Parallel()

	opener := &stubOpener{build: func(harvest.Credential, int) (*stubSession, error) {
		return nil, errors.New("bad password")
	}}
	o, err := New(Config{AuthDelay: time.Second}, Deps{
		Credentials: accounts(3),
		Sessions:    opener,
		Harvester:   paginate.New(paginate.Config{}, simple.New(), fixedClock{}, noSleep, zap.NewNop()),
		Clock:       fixedClock{},
		Sleep:       noSleep,
	})
	require.NoError(t, err)

	tracker := newTracker("run-fail")
	res := o.Run(context.Background(), harvest.RunRequest{RunID: "run-fail", Sheet: "s", Target: 10}, tracker)
	require.False(t, res.Success)
	require.Equal(t, harvest.StateFailed, res.State)
	require.Equal(t, "no accounts usable", res.Message)
	require.Equal(t, 2, res.AccountsFailed)
	snap := tracker.Poll()
	require.True(t, snap.Completed)
	require.Equal(t, "Failed", snap.ProgressText)
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	o, err := New(Config{}, Deps{
		Credentials: accounts(1),
		Sessions:    &stubOpener{},
		Harvester:   paginate.New(paginate.Config{}, simple.New(), fixedClock{}, noSleep, zap.NewNop()),
		Clock:       fixedClock{},
		Sleep:       noSleep,
	})
	require.NoError(t, err)

	for _, req := range []harvest.RunRequest{
		{RunID: "r", Sheet: "", Target: 10},
		{RunID: "r", Sheet: "s", Target: 0},
		{RunID: "r", Sheet: "s", Target: 10, Mode: "reckless"},
	} {
		res := o.Run(context.Background(), req, newTracker("r"))
		require.False(t, res.Success)
		require.Contains(t, res.Message, "invalid request")
	}
}

func TestRunNoCredentials(t *testing.T) {
	t.Parallel()

	o, err := New(Config{}, Deps{
		Credentials: credentials.Static{{Email: "x@example.com", Active: false}},
		Sessions:    &stubOpener{},
		Harvester:   paginate.New(paginate.Config{}, simple.New(), fixedClock{}, noSleep, zap.NewNop()),
		Clock:       fixedClock{},
		Sleep:       noSleep,
	})
	require.NoError(t, err)
	res := o.Run(context.Background(), harvest.RunRequest{RunID: "r", Sheet: "s", Target: 10}, newTracker("r"))
	require.False(t, res.Success)
	require.Equal(t, "no active credentials", res.Message)
}

type memCache struct {
	mu    sync.Mutex
	ids   []string
	saved []string
}

func (m *memCache) Load(context.Context) ([]string, error) { return m.ids, nil }

func (m *memCache) Save(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = ids
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	topic    string
	payloads []any
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic = topic
	p.payloads = append(p.payloads, payload)
	return "msg-1", nil
}

func TestRunFiltersExportsAndNotifies(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	opener := &stubOpener{build: func(cred harvest.Credential, idx int) (*stubSession, error) {
		sess := &stubSession{cred: cred, pages: 1, calls: &calls}
		return sess, nil
	}}
	cache := &memCache{ids: []string{"user0@example.com-0-0", "user0@example.com-0-1"}}
	exp := &fakeExport{fail: map[harvest.ExportLabel]bool{harvest.ExportAll: true}}
	pub := &fakePublisher{}
	o, err := New(Config{NotifyTopic: "harvest-complete"}, Deps{
		Credentials: accounts(2),
		Sessions:    opener,
		Harvester:   paginate.New(paginate.Config{}, simple.New(), fixedClock{}, noSleep, zap.NewNop()),
		Export:      exp,
		IDCache:     cache,
		Publisher:   pub,
		Clock:       fixedClock{},
		Sleep:       noSleep,
	})
	require.NoError(t, err)

	res := o.Run(context.Background(), harvest.RunRequest{
		RunID:  "run-filter",
		Sheet:  "s",
		Target: 1000,
		Topic:  "data engineer",
	}, newTracker("run-filter"))

	require.True(t, res.Success, res.Message)
	// two accounts x 20 items, two of them seen in a previous run
	require.Equal(t, 38, res.TotalJobs)
	require.Equal(t, 38, res.FilteredJobs)
	require.Equal(t, "data engineer", res.Keyword)
	require.Equal(t, "data engineer", res.Jobs[0].KeywordMatch)
	require.Len(t, res.Exports, 1)
	require.Equal(t, harvest.ExportFiltered, res.Exports[0].Label)

	cache.mu.Lock()
	require.Len(t, cache.saved, 40)
	cache.mu.Unlock()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Equal(t, "harvest-complete", pub.topic)
	require.Len(t, pub.payloads, 1)
	summary, ok := pub.payloads[0].(RunSummary)
	require.True(t, ok)
	require.Equal(t, 38, summary.TotalJobs)
}

type targetRecorder struct {
	mu      sync.Mutex
	targets []int
}

func (r *targetRecorder) Harvest(_ context.Context, _ paginate.Scope, sess paginate.Session, target int, _ string) []harvest.Record {
	r.mu.Lock()
	r.targets = append(r.targets, target)
	r.mu.Unlock()
	return []harvest.Record{{ID: sess.Account().Email, Title: "Engineer"}}
}

func TestRunSessionTargetUsesPlannedWorkers(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	opener := &stubOpener{build: func(cred harvest.Credential, idx int) (*stubSession, error) {
		if cred.Email == "user1@example.com" {
			return nil, errors.New("bad password")
		}
		return &stubSession{cred: cred, pages: 1, calls: &calls}, nil
	}}
	rec := &targetRecorder{}
	o, err := New(Config{}, Deps{
		Credentials: accounts(3),
		Sessions:    opener,
		Harvester:   rec,
		Clock:       fixedClock{},
		Sleep:       noSleep,
	})
	require.NoError(t, err)

	res := o.Run(context.Background(), harvest.RunRequest{
		RunID:  "run-split",
		Sheet:  "s",
		Target: 150,
		Mode:   harvest.ModeBalanced,
	}, newTracker("run-split"))

	require.True(t, res.Success, res.Message)
	require.Equal(t, 2, res.AccountsUsed)
	require.Equal(t, 1, res.AccountsFailed)
	// three sessions were planned, so each keeps a third of the target
	require.Equal(t, []int{50, 50}, rec.targets)
}

type panickingHarvester struct{}

func (panickingHarvester) Harvest(context.Context, paginate.Scope, paginate.Session, int, string) []harvest.Record {
	panic("boom")
}

func TestRunRecoversFromSessionPanic(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	opener := &stubOpener{build: func(cred harvest.Credential, _ int) (*stubSession, error) {
		return &stubSession{cred: cred, pages: 1, calls: &calls}, nil
	}}
	o, err := New(Config{}, Deps{
		Credentials: accounts(2),
		Sessions:    opener,
		Harvester:   panickingHarvester{},
		Clock:       fixedClock{},
		Sleep:       noSleep,
	})
	require.NoError(t, err)

	res := o.Run(context.Background(), harvest.RunRequest{RunID: "r", Sheet: "s", Target: 10}, newTracker("r"))
	require.False(t, res.Success)
	require.Equal(t, harvest.StateFailed, res.State)
	require.Contains(t, res.Message, "panicked")
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}
