package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
	"github.com/JakeFAU/multisession-harvester/internal/metrics"
)

// Service endpoints.
const (
	pathLogin        = "/swan/auth/login/pwd"
	pathNewInfo      = "/swan/auth/newinfo"
	pathUserSettings = "/swan/user-settings/get"
	pathABConfig     = "/swan/ab/user"
	pathLanding      = "/swan/recommend/landing/jobs"
	pathListJobs     = "/swan/recommend/list/jobs"
	pathFilterUpdate = "/swan/filter/update/filter-v2"
)

// PageSize is the number of items the service returns for a full page.
const PageSize = 20

// FactoryConfig configures session creation.
type FactoryConfig struct {
	BaseURL     string
	Retry       RetryConfig
	WarmupPause time.Duration
}

// Sleeper pauses for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Factory turns credentials into authenticated sessions.
type Factory struct {
	pool        *Pool
	baseURL     *url.URL
	retry       *RetryPolicy
	warmupPause time.Duration
	sleep       Sleeper
	clock       harvest.Clock
	logger      *zap.Logger
}

// NewFactory validates the base URL and wires the shared retry policy.
func NewFactory(
	cfg FactoryConfig,
	pool *Pool,
	clock harvest.Clock,
	sleep Sleeper,
	logger *zap.Logger,
) (*Factory, error) {
	if pool == nil {
		return nil, errors.New("client pool is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.WarmupPause < 0 {
		cfg.WarmupPause = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		pool:        pool,
		baseURL:     base,
		retry:       NewRetryPolicy(cfg.Retry),
		warmupPause: cfg.WarmupPause,
		sleep:       sleep,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Session is an authenticated handle bound to one account. It must be used by
// a single goroutine and closed when that goroutine is done.
type Session struct {
	Credential harvest.Credential
	AccountID  string
	CreatedAt  time.Time

	client *Client
	pool   *Pool
	lease  *Lease
}

// Close returns the session's client to the pool.
func (s *Session) Close() {
	if s == nil || s.lease == nil {
		return
	}
	s.pool.Release(s.lease)
	s.lease = nil
}

// Authenticate logs cred in and runs the post-login warm-up calls. Login
// failures are returned as *harvest.AuthError; warm-up failures are only logged.
func (f *Factory) Authenticate(ctx context.Context, cred harvest.Credential) (*Session, error) {
	lease, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, &harvest.AuthError{Account: cred.Email, Err: err}
	}
	logger := f.logger.With(zap.String("account", cred.Email))
	client := newClient(lease.Client, f.baseURL, f.retry, f.sleep, logger)

	var login envelope[loginResult]
	body := map[string]string{"email": cred.Email, "password": cred.Password}
	if err := client.do(ctx, "login", http.MethodPost, pathLogin, nil, body, &login); err != nil {
		f.pool.Release(lease)
		metrics.ObserveAuth(false)
		return nil, &harvest.AuthError{Account: cred.Email, Err: err}
	}
	if !login.Success {
		f.pool.Release(lease)
		metrics.ObserveAuth(false)
		return nil, &harvest.AuthError{Account: cred.Email, Err: errors.New("login rejected")}
	}
	metrics.ObserveAuth(true)

	sess := &Session{
		Credential: cred,
		AccountID:  string(login.Result.UserID),
		CreatedAt:  f.clock.Now(),
		client:     client,
		pool:       f.pool,
		lease:      lease,
	}
	f.warmUp(ctx, sess, logger)
	logger.Info("session authenticated",
		zap.String("account_id", sess.AccountID),
		zap.Int("wire_version", WireVersion),
	)
	return sess, nil
}

func (f *Factory) warmUp(ctx context.Context, sess *Session, logger *zap.Logger) {
	steps := []struct {
		endpoint string
		path     string
		query    url.Values
	}{
		{"newinfo", pathNewInfo, nil},
		{"user_settings", pathUserSettings, nil},
	}
	if sess.AccountID != "" {
		steps = append(steps, struct {
			endpoint string
			path     string
			query    url.Values
		}{"ab_config", pathABConfig, url.Values{"user": {sess.AccountID}}})
	}
	for i, step := range steps {
		if i > 0 && f.warmupPause > 0 {
			if err := f.sleep(ctx, f.warmupPause); err != nil {
				return
			}
		}
		if err := sess.client.do(ctx, step.endpoint, http.MethodGet, step.path, step.query, nil, nil); err != nil {
			logger.Warn("session warm-up step failed", zap.String("step", step.endpoint), zap.Error(err))
		}
	}
}

// Page is one listing response.
type Page struct {
	Items []json.RawMessage
}

// Landing fetches the personalized landing feed at position.
func (s *Session) Landing(ctx context.Context, position int) (Page, error) {
	query := url.Values{}
	if position > 0 {
		query.Set("position", strconv.Itoa(position))
	}
	return s.fetchList(ctx, "landing", pathLanding, query)
}

// ListJobs fetches the recommendation list ordered by sortCondition. A negative
// position omits the parameter.
func (s *Session) ListJobs(ctx context.Context, sortCondition, position int) (Page, error) {
	query := url.Values{}
	query.Set("refresh", "true")
	query.Set("sortCondition", strconv.Itoa(sortCondition))
	if position >= 0 {
		query.Set("position", strconv.Itoa(position))
	}
	return s.fetchList(ctx, "list_jobs", pathListJobs, query)
}

func (s *Session) fetchList(ctx context.Context, endpoint, path string, query url.Values) (Page, error) {
	var resp envelope[jobListResult]
	if err := s.client.do(ctx, endpoint, http.MethodGet, path, query, nil, &resp); err != nil {
		return Page{}, err
	}
	if !resp.Success {
		return Page{}, fmt.Errorf("%s: unsuccessful response", endpoint)
	}
	return Page{Items: resp.Result.JobList}, nil
}

// Filter is the structured search filter accepted by the filter-update endpoint.
type Filter struct {
	JobTitle        string          `json:"jobTitle"`
	JobTaxonomyList []TaxonomyEntry `json:"jobTaxonomyList"`
	JobTypes        []int           `json:"jobTypes"`
	WorkModel       []int           `json:"workModel"`
	Locations       []Location      `json:"locations"`
	Seniority       []int           `json:"seniority"`
}

// TaxonomyEntry names one job taxonomy node.
type TaxonomyEntry struct {
	Title      string `json:"title"`
	TaxonomyID string `json:"taxonomyId"`
}

// Location scopes results geographically.
type Location struct {
	City        string `json:"city"`
	RadiusRange int    `json:"radiusRange"`
}

// TitleFilter builds the filter used for topic-focused queries.
func TitleFilter(title string) Filter {
	return Filter{
		JobTitle:        title,
		JobTaxonomyList: []TaxonomyEntry{{Title: title, TaxonomyID: "00-00-00"}},
		JobTypes:        []int{1},
		WorkModel:       []int{1, 2, 3},
		Locations:       []Location{{City: "Within US", RadiusRange: 25}},
		Seniority:       []int{5, 6},
	}
}

// UpdateFilter replaces the session's server-side search filter.
func (s *Session) UpdateFilter(ctx context.Context, filter Filter) error {
	var resp envelope[json.RawMessage]
	body := map[string]Filter{"filters": filter}
	if err := s.client.do(ctx, "filter_update", http.MethodPost, pathFilterUpdate, nil, body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.New("filter_update: unsuccessful response")
	}
	return nil
}

// Account returns the credential the session was opened with.
func (s *Session) Account() harvest.Credential {
	return s.Credential
}
