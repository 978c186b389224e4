package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"alarmsync/internal/google"
	"alarmsync/internal/models"
	"alarmsync/internal/store"
)

// SessionSource names the failure reported when a session token cannot be
// resolved to a mailbox.
const SessionSource = "session"

// Store is the part of the record store a sync pass needs.
type Store interface {
	ActiveAccounts(ctx context.Context, userID string) ([]models.Account, error)
	FindAccountByEmail(ctx context.Context, userID, provider, email string) (*models.Account, error)
	InsertAccount(ctx context.Context, acc *models.Account) error
	UpdateAccountTokens(ctx context.Context, id, accessToken string, refreshToken *string) error
	UpsertEvents(ctx context.Context, events []models.Event) (int64, error)
}

// Identity resolves the email behind a bearer token.
type Identity interface {
	LookupEmail(ctx context.Context, accessToken string) (string, error)
}

// Fetcher reads one source's events starting at or after floor.
type Fetcher interface {
	Fetch(ctx context.Context, src models.Source, floor time.Time) models.FetchResult
}

// Session is an ad-hoc credential not (yet) tied to a stored account, such
// as the token of a just-completed sign-in.
type Session struct {
	AccessToken  string
	RefreshToken *string
}

// Options tunes a sync pass.
type Options struct {
	FetchTimeout time.Duration
	MaxParallel  int
	DryRun       bool
}

// Result is the outcome of one pass. Events are returned even when storing
// them failed; SyncError then says why.
type Result struct {
	Events    []models.DisplayEvent  `json:"events"`
	Failures  []models.SourceFailure `json:"failures,omitempty"`
	SyncError string                 `json:"sync_error,omitempty"`
	Stored    int64                  `json:"-"`
}

// Syncer orchestrates sync passes over all of a user's calendar accounts.
type Syncer struct {
	logger   *slog.Logger
	store    Store
	identity Identity
	fetchers map[string]Fetcher
	opts     Options
	now      func() time.Time
}

// NewSyncer creates a new Syncer. fetchers maps a provider name to the
// fetcher serving it.
func NewSyncer(logger *slog.Logger, st Store, identity Identity, fetchers map[string]Fetcher, opts Options) *Syncer {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	return &Syncer{
		logger:   logger,
		store:    st,
		identity: identity,
		fetchers: fetchers,
		opts:     opts,
		now:      time.Now,
	}
}

// fetched is one source's contribution to a pass.
type fetched struct {
	src    models.Source
	result models.FetchResult
}

// Sync performs a full synchronization cycle for userID. session may be nil.
func (s *Syncer) Sync(ctx context.Context, userID string, session *Session) Result {
	s.logger.Info("Starting sync cycle.", "user_id", userID)
	var res Result

	accounts, err := s.store.ActiveAccounts(ctx, userID)
	if err != nil {
		s.logger.Error("Failed to load accounts", "user_id", userID, "error", err)
		res.SyncError = fmt.Sprintf("failed to load accounts: %v", err)
	}

	sources := make([]models.Source, 0, len(accounts)+1)
	byKey := make(map[string]int, len(accounts))
	for _, acc := range accounts {
		src := models.SourceFromAccount(acc)
		if _, dup := byKey[src.Key()]; dup {
			continue
		}
		byKey[src.Key()] = len(sources)
		sources = append(sources, src)
	}

	if session != nil && session.AccessToken != "" {
		src, failure := s.sessionSource(ctx, userID, session)
		switch {
		case failure != nil:
			res.Failures = append(res.Failures, *failure)
		default:
			// The fresh session token wins over the stored one of the
			// same provider.
			if i, ok := byKey[src.Key()]; ok {
				if src.AccountID == "" {
					src.AccountID = sources[i].AccountID
				}
				sources[i] = src
			} else {
				byKey[src.Key()] = len(sources)
				sources = append(sources, src)
			}
		}
	}

	results := s.fetchAll(ctx, sources)
	floor := google.StartOfDay(s.now())

	type tagged struct {
		event models.Event
		email string
	}
	var all []tagged
	var persist []models.Event
	for _, f := range results {
		if !f.result.OK() {
			s.logger.Warn("Source failed, omitting its events", "email", f.src.Email, "status", f.result.Status, "error", f.result.Err)
			res.Failures = append(res.Failures, models.SourceFailure{
				Email:  f.src.Email,
				Status: f.result.Status,
				Error:  errString(f.result.Err),
			})
			continue
		}
		for _, ev := range f.result.Events {
			ev.UserID = userID
			ev.AccountID = f.src.AccountID
			all = append(all, tagged{ev, f.src.Email})
			if ev.AccountID != "" && ev.Persistable() {
				persist = append(persist, ev)
			}
		}
	}

	if len(persist) > 0 && !s.opts.DryRun {
		n, err := s.store.UpsertEvents(ctx, persist)
		if err != nil {
			s.logger.Error("Failed to store events", "user_id", userID, "error", err)
			res.SyncError = joinErr(res.SyncError, fmt.Sprintf("failed to store events: %v", err))
		}
		res.Stored = n
	} else if s.opts.DryRun {
		s.logger.Info("[DRY RUN] Would store events", "count", len(persist))
	}

	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i].event.StartAt, all[j].event.StartAt
		if a.IsZero() != b.IsZero() {
			return b.IsZero()
		}
		return a.Before(b)
	})
	res.Events = make([]models.DisplayEvent, 0, len(all))
	for _, t := range all {
		res.Events = append(res.Events, t.event.Display(t.email))
	}

	s.logger.Info("Sync cycle finished.", "user_id", userID, "sources", len(sources), "events", len(res.Events),
		"stored", res.Stored, "failures", len(res.Failures), "floor", floor.Format(time.DateOnly))
	return res
}

// fetchAll runs every source with its own timeout. Result order follows sources.
func (s *Syncer) fetchAll(ctx context.Context, sources []models.Source) []fetched {
	results := make([]fetched, len(sources))
	floor := google.StartOfDay(s.now())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxParallel)
	for i, src := range sources {
		g.Go(func() error {
			results[i] = fetched{src: src, result: s.fetchOne(gctx, src, floor)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Syncer) fetchOne(ctx context.Context, src models.Source, floor time.Time) models.FetchResult {
	provider := src.Provider
	if provider == "" {
		provider = models.ProviderGoogle
	}
	fetcher, ok := s.fetchers[provider]
	if !ok {
		return models.Failed(models.FetchProviderError, fmt.Errorf("unsupported provider %q", provider))
	}

	fctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()
	res := fetcher.Fetch(fctx, src, floor)
	if !res.OK() && errors.Is(fctx.Err(), context.DeadlineExceeded) {
		return models.Failed(models.FetchTimeout, fmt.Errorf("fetch exceeded %s: %w", s.opts.FetchTimeout, fctx.Err()))
	}
	return res
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func joinErr(existing, msg string) string {
	if existing == "" {
		return msg
	}
	return existing + "; " + msg
}

// Reconciliation is the outcome of matching a session mailbox against the
// user's stored accounts.
type Reconciliation int

const (
	AccountNotFound Reconciliation = iota
	AccountActive
	AccountInactive
)

func (r Reconciliation) String() string {
	switch r {
	case AccountActive:
		return "existing-active"
	case AccountInactive:
		return "existing-inactive"
	default:
		return "not-found"
	}
}

// Reconcile looks up the user's account for (provider, email).
func (s *Syncer) Reconcile(ctx context.Context, userID, provider, email string) (Reconciliation, *models.Account, error) {
	acc, err := s.store.FindAccountByEmail(ctx, userID, provider, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return AccountNotFound, nil, nil
	case err != nil:
		return AccountNotFound, nil, err
	case acc.Active:
		return AccountActive, acc, nil
	default:
		return AccountInactive, acc, nil
	}
}

// sessionSource resolves the session's mailbox and ties it to the user's
// Google account for that email. A disconnected account is never reactivated
// here and its mailbox is skipped for the pass. A source without AccountID is
// display-only.
func (s *Syncer) sessionSource(ctx context.Context, userID string, session *Session) (models.Source, *models.SourceFailure) {
	email, err := s.identity.LookupEmail(ctx, session.AccessToken)
	if err != nil {
		status := models.FetchProviderError
		if errors.Is(err, google.ErrUnauthorized) {
			status = models.FetchUnauthorized
		}
		s.logger.Warn("Failed to resolve session identity", "user_id", userID, "error", err)
		return models.Source{}, &models.SourceFailure{Email: SessionSource, Status: status, Error: err.Error()}
	}

	src := models.Source{
		Email:        email,
		Provider:     models.ProviderGoogle,
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		Session:      true,
	}

	state, acc, err := s.Reconcile(ctx, userID, models.ProviderGoogle, email)
	if err != nil {
		s.logger.Error("Failed to reconcile session account", "email", email, "error", err)
		return src, nil
	}
	s.logger.Debug("Reconciled session account", "email", email, "state", state.String())

	switch state {
	case AccountActive:
		if err := s.store.UpdateAccountTokens(ctx, acc.ID, session.AccessToken, session.RefreshToken); err != nil {
			s.logger.Error("Failed to update account tokens", "email", email, "error", err)
		}
		src.AccountID = acc.ID
		if !src.HasRefreshToken() {
			src.RefreshToken = acc.RefreshToken
		}
	case AccountInactive:
		s.logger.Info("Skipping disconnected session account", "user_id", userID, "email", email)
		return models.Source{}, &models.SourceFailure{
			Email:  email,
			Status: models.FetchDisconnected,
			Error:  "account is disconnected; link it again to resume syncing",
		}
	case AccountNotFound:
		acc := &models.Account{
			UserID:       userID,
			Email:        email,
			Provider:     models.ProviderGoogle,
			AccessToken:  session.AccessToken,
			RefreshToken: session.RefreshToken,
		}
		if s.opts.DryRun {
			s.logger.Info("[DRY RUN] Would link new account", "email", email)
			break
		}
		if err := s.store.InsertAccount(ctx, acc); err != nil {
			// A concurrent pass may have inserted it first.
			again, found, lerr := s.Reconcile(ctx, userID, models.ProviderGoogle, email)
			if lerr != nil || again != AccountActive {
				s.logger.Error("Failed to insert account", "email", email, "error", err)
				break
			}
			acc = found
		}
		src.AccountID = acc.ID
	}
	return src, nil
}
