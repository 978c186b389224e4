package models

import "fmt"

// Source is one mailbox to fetch during a sync pass.
type Source struct {
	AccountID    string
	Email        string
	Provider     string
	ServerURL    string
	AccessToken  string
	RefreshToken *string
	Session      bool
}

// Key identifies the mailbox within one user's sources.
func (s Source) Key() string {
	return NormalizeProvider(s.Provider) + ":" + NormalizeEmail(s.Email)
}

func (s Source) HasRefreshToken() bool {
	return s.RefreshToken != nil && *s.RefreshToken != ""
}

// SourceFromAccount builds the fetch source for a stored account.
func SourceFromAccount(a Account) Source {
	return Source{
		AccountID:    a.ID,
		Email:        a.Email,
		Provider:     a.Provider,
		ServerURL:    a.ServerURL,
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
	}
}

// FetchStatus is the outcome of fetching one source.
type FetchStatus string

const (
	FetchOK            FetchStatus = "ok"
	FetchUnauthorized  FetchStatus = "unauthorized"
	FetchProviderError FetchStatus = "provider_error"
	FetchTimeout       FetchStatus = "timeout"
	// FetchDisconnected marks a session mailbox whose account the user
	// disconnected. It is skipped, not fetched.
	FetchDisconnected FetchStatus = "disconnected"
)

// FetchResult carries a source's normalized events. Events is only
// meaningful when Status is FetchOK; failed sources carry none.
type FetchResult struct {
	Status FetchStatus
	Events []Event
	Err    error
}

func (r FetchResult) OK() bool {
	return r.Status == FetchOK
}

// Failed builds a result for a source that produced no usable data.
func Failed(status FetchStatus, err error) FetchResult {
	return FetchResult{Status: status, Err: err}
}

// SourceFailure reports one failed source of a sync pass.
type SourceFailure struct {
	Email  string      `json:"email"`
	Status FetchStatus `json:"status"`
	Error  string      `json:"error"`
}

func (f SourceFailure) String() string {
	return fmt.Sprintf("%s: %s (%s)", f.Email, f.Status, f.Error)
}
