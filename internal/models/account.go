package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Provider names a calendar backend an Account authenticates against.
const (
	ProviderGoogle = "google"
	ProviderCalDAV = "caldav"
)

// Account is one externally-authenticated calendar identity linked to a user,
// keyed by (user, provider, email). The same address may be linked once per
// provider. Accounts are never hard-deleted; disconnecting flips Active to false.
type Account struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	UserID       string    `gorm:"size:64;not null;uniqueIndex:idx_accounts_user_provider_email" json:"user_id"`
	Provider     string    `gorm:"size:16;not null;default:google;uniqueIndex:idx_accounts_user_provider_email" json:"provider"`
	Email        string    `gorm:"size:320;not null;uniqueIndex:idx_accounts_user_provider_email" json:"email"`
	ServerURL    string    `gorm:"size:512" json:"server_url,omitempty"`
	AccessToken  string    `gorm:"not null" json:"-"`
	RefreshToken *string   `json:"-"`
	Active       bool      `gorm:"not null;index" json:"is_active"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Account) TableName() string {
	return "connected_accounts"
}

// BeforeCreate assigns a fresh id and normalizes the email so that
// (user, provider, email) lookups are case-insensitive.
func (a *Account) BeforeCreate(_ *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Email = NormalizeEmail(a.Email)
	a.Provider = NormalizeProvider(a.Provider)
	return nil
}

// NormalizeProvider maps an empty provider to Google.
func NormalizeProvider(provider string) string {
	if p := strings.ToLower(strings.TrimSpace(provider)); p != "" {
		return p
	}
	return ProviderGoogle
}

// HasRefreshToken reports whether the account can be refreshed without re-authorization.
func (a *Account) HasRefreshToken() bool {
	return a.RefreshToken != nil && *a.RefreshToken != ""
}

// NormalizeEmail lowercases and trims an address for use as part of the account key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
