package google

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	credentialsFile = "credentials.json"
	userinfoScope   = "https://www.googleapis.com/auth/userinfo.email"
)

var (
	// ErrUnauthorized means the provider rejected the bearer token.
	ErrUnauthorized = errors.New("google: unauthorized")
	// ErrNoRefreshToken means the account cannot be refreshed and needs re-authorization.
	ErrNoRefreshToken = errors.New("google: no refresh token")
	// ErrRefreshRejected means the token endpoint refused the refresh token.
	ErrRefreshRejected = errors.New("google: refresh token rejected")
)

// Options configures how this package talks to Google. The endpoint fields
// are only set in tests or when routing through a proxy.
type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	CalendarID   string

	CalendarEndpoint string
	UserinfoEndpoint string
	TokenURL         string
	HTTPClient       *http.Client
}

// OAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes explicit client credentials over a local credentials.json file.
func (o Options) OAuthConfig() (*oauth2.Config, error) {
	scopes := []string{calendar.CalendarReadonlyScope, userinfoScope}
	var config *oauth2.Config
	if o.ClientID != "" && o.ClientSecret != "" {
		config = &oauth2.Config{
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		}
	} else {
		b, err := os.ReadFile(credentialsFile)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the working directory")
			}
			return nil, fmt.Errorf("unable to read client secret file: %w", err)
		}
		config, err = google.ConfigFromJSON(b, scopes...)
		if err != nil {
			return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
		}
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob"
	if o.RedirectURL != "" {
		config.RedirectURL = o.RedirectURL
	}
	if o.TokenURL != "" {
		config.Endpoint.TokenURL = o.TokenURL
	}
	return config, nil
}

// TokenFromWeb is called by the auth flow to exchange an authorization code.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

func (o Options) calendarID() string {
	if o.CalendarID == "" {
		return "primary"
	}
	return o.CalendarID
}

// withHTTPClient attaches the configured base client to ctx for the oauth2 package.
func (o Options) withHTTPClient(ctx context.Context) context.Context {
	if o.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, o.HTTPClient)
}

// bearerOptions builds API client options authenticating with a fixed access token.
func (o Options) bearerOptions(ctx context.Context, accessToken, endpoint string) []option.ClientOption {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(o.withHTTPClient(ctx), ts))}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	return opts
}

func isUnauthorized(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusUnauthorized
}
