package remote

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
)

// WireVersion identifies the listing payload layout ParseItemV1 understands.
const WireVersion = 1

const listDelimiter = " | "

// envelope is the outer shape of every listing service response.
type envelope[T any] struct {
	Success bool `json:"success"`
	Result  T    `json:"result"`
}

type jobListResult struct {
	JobList []json.RawMessage `json:"jobList"`
}

type loginResult struct {
	UserID wireText `json:"userId"`
}

// wireText accepts any JSON value and renders it as text: lists are joined,
// null becomes empty, scalars are stringified.
type wireText string

func (w *wireText) UnmarshalJSON(data []byte) error {
	*w = wireText(renderJSON(data))
	return nil
}

func renderJSON(data []byte) string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ""
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return ""
		}
		return s
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return ""
		}
		parts := make([]string, 0, len(items))
		for _, item := range items {
			parts = append(parts, renderJSON(item))
		}
		return strings.Join(parts, listDelimiter)
	case 't', 'f':
		b, err := strconv.ParseBool(string(data))
		if err != nil {
			return ""
		}
		return strconv.FormatBool(b)
	default:
		// numbers and objects keep their compact JSON text
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return string(data)
		}
		return buf.String()
	}
}

type jobResultV1 struct {
	JobID                wireText `json:"jobId"`
	JobTitle             wireText `json:"jobTitle"`
	JobLocation          wireText `json:"jobLocation"`
	WorkModel            wireText `json:"workModel"`
	SalaryDesc           wireText `json:"salaryDesc"`
	JobSeniority         wireText `json:"jobSeniority"`
	EmploymentType       wireText `json:"employmentType"`
	IsRemote             wireText `json:"isRemote"`
	JobSummary           wireText `json:"jobSummary"`
	CoreResponsibilities wireText `json:"coreResponsibilities"`
	MinYearsOfExperience wireText `json:"minYearsOfExperience"`
	ApplyLink            wireText `json:"applyLink"`
	PublishTimeDesc      wireText `json:"publishTimeDesc"`
}

type companyResultV1 struct {
	CompanyName wireText `json:"companyName"`
	CompanySize wireText `json:"companySize"`
}

type itemV1 struct {
	JobResult     jobResultV1     `json:"jobResult"`
	CompanyResult companyResultV1 `json:"companyResult"`
}

// ItemMeta carries the context a wire item does not: where it was found and by
// which account.
type ItemMeta struct {
	Page      int
	Position  int
	Source    string
	ScrapedAt time.Time
	Account   harvest.Credential
}

// ParseItemV1 converts one jobList entry into a Record. It reports false when
// the item is not an object or has no title.
func ParseItemV1(raw json.RawMessage, meta ItemMeta) (harvest.Record, bool) {
	var item itemV1
	if err := json.Unmarshal(raw, &item); err != nil {
		return harvest.Record{}, false
	}
	job := item.JobResult
	title := strings.TrimSpace(string(job.JobTitle))
	if title == "" {
		return harvest.Record{}, false
	}
	accountTitle := meta.Account.JobTitle
	if accountTitle == "" {
		accountTitle = "General"
	}
	return harvest.Record{
		ID:               strings.TrimSpace(string(job.JobID)),
		Title:            title,
		Company:          string(item.CompanyResult.CompanyName),
		Location:         string(job.JobLocation),
		WorkModel:        string(job.WorkModel),
		Remote:           string(job.IsRemote),
		Salary:           string(job.SalaryDesc),
		Seniority:        string(job.JobSeniority),
		EmploymentType:   string(job.EmploymentType),
		Summary:          string(job.JobSummary),
		Responsibilities: string(job.CoreResponsibilities),
		MinExperience:    string(job.MinYearsOfExperience),
		ApplyLink:        string(job.ApplyLink),
		PublishedTime:    string(job.PublishTimeDesc),
		Page:             meta.Page,
		Position:         meta.Position,
		CompanySize:      string(item.CompanyResult.CompanySize),
		Source:           meta.Source,
		ScrapedAt:        meta.ScrapedAt,
		AccountName:      meta.Account.Label(),
		AccountEmail:     meta.Account.Email,
		AccountJobTitle:  accountTitle,
	}, true
}
