package harvest

import (
	"fmt"
	"strings"
	"time"
)

// Credential is one account allowed to open a session against the remote service.
type Credential struct {
	Email            string `json:"email"`
	Password         string `json:"password"`
	Name             string `json:"name"`
	JobTitle         string `json:"job_title"`
	Active           bool   `json:"active"`
	MaxDailyRequests int    `json:"max_daily_requests"`
}

// Label returns the display name, falling back to the email.
func (c Credential) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Email
}

// Record is one harvested listing. Records are never mutated after they leave
// the pagination step, except for KeywordMatch which FILTERING assigns on a copy.
type Record struct {
	ID               string    `json:"job_id"`
	Title            string    `json:"job_title"`
	Company          string    `json:"company"`
	Location         string    `json:"location"`
	WorkModel        string    `json:"work_model"`
	Remote           string    `json:"is_remote"`
	Salary           string    `json:"salary"`
	Seniority        string    `json:"seniority"`
	EmploymentType   string    `json:"employment_type"`
	Summary          string    `json:"job_summary"`
	Responsibilities string    `json:"core_responsibilities"`
	MinExperience    string    `json:"min_experience"`
	ApplyLink        string    `json:"apply_link"`
	PublishedTime    string    `json:"publish_desc"`
	Page             int       `json:"page"`
	Position         int       `json:"position"`
	CompanySize      string    `json:"company_size"`
	KeywordMatch     string    `json:"keyword_match"`
	Source           string    `json:"source"`
	ScrapedAt        time.Time `json:"scraped_at"`
	AccountName      string    `json:"scraper_account"`
	AccountEmail     string    `json:"scraper_email"`
	AccountJobTitle  string    `json:"job_title_preference"`
}

// Mode names a concurrency profile used by the planner.
type Mode string

// Supported concurrency profiles.
const (
	ModeConservative Mode = "conservative"
	ModeBalanced     Mode = "balanced"
	ModeAggressive   Mode = "aggressive"
	ModeHybrid       Mode = "hybrid"
)

// ParseMode normalizes user input into a Mode. Empty input means balanced.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case "":
		return ModeBalanced, nil
	case ModeConservative, ModeBalanced, ModeAggressive, ModeHybrid:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q", raw)
	}
}

// ExportLabel distinguishes the full export from the filtered one.
type ExportLabel string

// Export labels used for sheet naming.
const (
	ExportAll      ExportLabel = "ALL_JOBS_MULTI"
	ExportFiltered ExportLabel = "FILTERED_JOBS_MULTI"
)

// RunRequest is the input of a single harvesting run.
type RunRequest struct {
	RunID string `json:"run_id"`
	// Sheet is the export destination reference (sheet, table or object prefix).
	Sheet  string `json:"sheet"`
	Topic  string `json:"topic"`
	Target int    `json:"target"`
	Mode   Mode   `json:"mode"`
	// MaxAccounts optionally caps the planned worker count; zero means no cap.
	MaxAccounts int       `json:"max_accounts,omitempty"`
	Submitted   time.Time `json:"submitted"`
}

// Validate enforces the preconditions checked in INIT.
func (r RunRequest) Validate() error {
	if strings.TrimSpace(r.Sheet) == "" {
		return fmt.Errorf("sheet is required")
	}
	if r.Target <= 0 {
		return fmt.Errorf("target must be > 0")
	}
	if r.MaxAccounts < 0 {
		return fmt.Errorf("max_accounts must be >= 0")
	}
	if _, err := ParseMode(string(r.Mode)); err != nil {
		return err
	}
	return nil
}

// ExportRef records one created export resource.
type ExportRef struct {
	Label      ExportLabel `json:"label"`
	ResourceID string      `json:"resource_id"`
	Rows       int         `json:"rows"`
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID          string      `json:"run_id,omitempty"`
	Success        bool        `json:"success"`
	State          State       `json:"state"`
	TotalJobs      int         `json:"total_jobs"`
	FilteredJobs   int         `json:"filtered_jobs"`
	AccountsUsed   int         `json:"accounts_used"`
	AccountsFailed int         `json:"accounts_failed"`
	Jobs           []Record    `json:"jobs"`
	Keyword        string      `json:"keyword"`
	TargetReached  bool        `json:"target_reached"`
	Message        string      `json:"message,omitempty"`
	Exports        []ExportRef `json:"exports,omitempty"`
}
