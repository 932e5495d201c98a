// Package credentials loads the account file that feeds session creation.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
)

type accountFile struct {
	Accounts []accountEntry `json:"accounts"`
}

// accountEntry mirrors harvest.Credential but keeps "active" optional; an
// account without the key is active.
type accountEntry struct {
	Email            string `json:"email"`
	Password         string `json:"password"`
	Name             string `json:"name"`
	JobTitle         string `json:"job_title"`
	Active           *bool  `json:"active"`
	MaxDailyRequests int    `json:"max_daily_requests"`
}

func (e accountEntry) credential() harvest.Credential {
	return harvest.Credential{
		Email:            strings.TrimSpace(e.Email),
		Password:         e.Password,
		Name:             e.Name,
		JobTitle:         e.JobTitle,
		Active:           e.Active == nil || *e.Active,
		MaxDailyRequests: e.MaxDailyRequests,
	}
}

// Load reads path and returns the active accounts in file order. Any problem with
// the source is reported as *harvest.ConfigError. When an email appears more
// than once the last entry wins but keeps the first entry's position.
func Load(path string) ([]harvest.Credential, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &harvest.ConfigError{Source: "<empty>", Err: errors.New("path is required")}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &harvest.ConfigError{Source: path, Err: fmt.Errorf("read file: %w", err)}
	}
	return Parse(path, data)
}

// Parse decodes an account document already in memory.
func Parse(source string, data []byte) ([]harvest.Credential, error) {
	var doc accountFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &harvest.ConfigError{Source: source, Err: fmt.Errorf("decode json: %w", err)}
	}
	if doc.Accounts == nil {
		return nil, &harvest.ConfigError{Source: source, Err: errors.New("accounts list is missing")}
	}

	index := make(map[string]int, len(doc.Accounts))
	var ordered []harvest.Credential
	for i, entry := range doc.Accounts {
		acct := entry.credential()
		if acct.Email == "" || acct.Password == "" {
			return nil, &harvest.ConfigError{
				Source: source,
				Err:    fmt.Errorf("account %d: email and password are required", i),
			}
		}
		if pos, ok := index[acct.Email]; ok {
			ordered[pos] = acct
			continue
		}
		index[acct.Email] = len(ordered)
		ordered = append(ordered, acct)
	}

	active := make([]harvest.Credential, 0, len(ordered))
	for _, acct := range ordered {
		if acct.Active {
			active = append(active, acct)
		}
	}
	return active, nil
}

// Default synthesizes count numbered placeholder accounts. Callers opt into it explicitly when
// no account file exists.
func Default(count int, domain, password string) []harvest.Credential {
	titles := []string{"Software Engineer", "Data Scientist", "Product Manager", "DevOps Engineer"}
	out := make([]harvest.Credential, 0, count)
	for i := 1; i <= count; i++ {
		out = append(out, harvest.Credential{
			Email:            fmt.Sprintf("%d@%s", i, domain),
			Password:         password,
			Name:             fmt.Sprintf("Account_%d", i),
			JobTitle:         titles[(i-1)%len(titles)],
			Active:           true,
			MaxDailyRequests: 100,
		})
	}
	return out
}

// WriteFile stores creds at path in the account file layout. An existing file
// is never replaced.
func WriteFile(path string, creds []harvest.Credential) error {
	doc := accountFile{Accounts: make([]accountEntry, 0, len(creds))}
	for _, c := range creds {
		active := c.Active
		doc.Accounts = append(doc.Accounts, accountEntry{
			Email:            c.Email,
			Password:         c.Password,
			Name:             c.Name,
			JobTitle:         c.JobTitle,
			Active:           &active,
			MaxDailyRequests: c.MaxDailyRequests,
		})
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &harvest.ConfigError{Source: path, Err: fmt.Errorf("encode json: %w", err)}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return &harvest.ConfigError{Source: path, Err: fmt.Errorf("create file: %w", err)}
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return &harvest.ConfigError{Source: path, Err: fmt.Errorf("write file: %w", err)}
	}
	if err := f.Close(); err != nil {
		return &harvest.ConfigError{Source: path, Err: fmt.Errorf("close file: %w", err)}
	}
	return nil
}

// File is a credential source re-read on every call so edits to the account
// file apply to the next run.
type File struct {
	Path string
}

// Credentials implements the orchestrator's credential source.
func (f File) Credentials(context.Context) ([]harvest.Credential, error) {
	return Load(f.Path)
}

// Static serves a fixed credential list.
type Static []harvest.Credential

// Credentials returns the active entries of s.
func (s Static) Credentials(context.Context) ([]harvest.Credential, error) {
	out := make([]harvest.Credential, 0, len(s))
	for _, c := range s {
		if c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}
