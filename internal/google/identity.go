package google

import (
	"context"
	"errors"
	"fmt"

	oauth2api "google.golang.org/api/oauth2/v2"

	"alarmsync/internal/models"
)

// Identity resolves the mailbox a bearer token belongs to.
type Identity struct {
	opts Options
}

func NewIdentity(opts Options) *Identity {
	return &Identity{opts: opts}
}

// LookupEmail returns the normalized email of the token's owner.
func (i *Identity) LookupEmail(ctx context.Context, accessToken string) (string, error) {
	service, err := oauth2api.NewService(ctx, i.opts.bearerOptions(ctx, accessToken, i.opts.UserinfoEndpoint)...)
	if err != nil {
		return "", fmt.Errorf("failed to create userinfo service: %w", err)
	}
	info, err := service.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		if isUnauthorized(err) {
			return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return "", fmt.Errorf("failed to get user info: %w", err)
	}
	email := models.NormalizeEmail(info.Email)
	if email == "" {
		return "", errors.New("user info carries no email")
	}
	return email, nil
}
