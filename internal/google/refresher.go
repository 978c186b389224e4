package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"alarmsync/internal/models"
)

// TokenStore persists refreshed access tokens.
type TokenStore interface {
	SaveAccessToken(ctx context.Context, accountID, accessToken string, at time.Time) error
}

// Refresher exchanges a refresh token for a new access token and records it
// on the owning account. A rejected refresh token is not retried.
type Refresher struct {
	config *oauth2.Config
	opts   Options
	store  TokenStore
	logger *slog.Logger
	now    func() time.Time
}

func NewRefresher(logger *slog.Logger, opts Options, store TokenStore) (*Refresher, error) {
	config, err := opts.OAuthConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}
	return &Refresher{config: config, opts: opts, store: store, logger: logger, now: time.Now}, nil
}

// Refresh returns a new access token for src. Only src's account row is updated.
func (r *Refresher) Refresh(ctx context.Context, src models.Source) (string, error) {
	if !src.HasRefreshToken() {
		r.logger.Info("No refresh token available.", "email", src.Email)
		return "", ErrNoRefreshToken
	}

	r.logger.Info("Refreshing access token.", "email", src.Email)
	ts := r.config.TokenSource(r.opts.withHTTPClient(ctx), &oauth2.Token{RefreshToken: *src.RefreshToken})
	tok, err := ts.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			status := 0
			if rerr.Response != nil {
				status = rerr.Response.StatusCode
			}
			r.logger.Warn("Refresh token rejected.", "email", src.Email, "status", status)
			return "", fmt.Errorf("%w: %v", ErrRefreshRejected, err)
		}
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrRefreshRejected)
	}

	if src.AccountID != "" && r.store != nil {
		if err := r.store.SaveAccessToken(ctx, src.AccountID, tok.AccessToken, r.now()); err != nil {
			// The new token is still valid for this pass.
			r.logger.Error("Failed to persist refreshed token", "email", src.Email, "error", err)
		}
	}
	r.logger.Info("Token refreshed successfully.", "email", src.Email)
	return tok.AccessToken, nil
}
