package harvest

import "fmt"

// ConfigError reports an absent or malformed credential source. It is fatal to a run.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("credential config %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// AuthError reports a failed login for one account.
type AuthError struct {
	Account string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authenticate %s: %v", e.Account, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// FetchError reports a failed page request. It only stops the owning session.
type FetchError struct {
	Account string
	Page    int
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch page %d for %s: %v", e.Page, e.Account, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ExportError reports a sink write failure. Runs stay successful when exports fail.
type ExportError struct {
	Label ExportLabel
	Err   error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s: %v", e.Label, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }
