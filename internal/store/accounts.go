package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"alarmsync/internal/models"
)

// ActiveAccounts lists the user's connected accounts.
func (s *Store) ActiveAccounts(ctx context.Context, userID string) ([]models.Account, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var accounts []models.Account
	err = db.Where("user_id = ? AND active = ?", userID, true).Order("email asc").Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	return accounts, nil
}

// FindAccountByEmail returns the account for (user, provider, email), active or not.
func (s *Store) FindAccountByEmail(ctx context.Context, userID, provider, email string) (*models.Account, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var acc models.Account
	err = db.Where("user_id = ? AND provider = ? AND email = ?", userID, models.NormalizeProvider(provider), models.NormalizeEmail(email)).
		First(&acc).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &acc, nil
}

// AccountEmails maps every account id of the user, active or not, to its email.
func (s *Store) AccountEmails(ctx context.Context, userID string) (map[string]string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var accounts []models.Account
	if err := db.Select("id", "email").Where("user_id = ?", userID).Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to load account emails: %w", err)
	}
	emails := make(map[string]string, len(accounts))
	for _, a := range accounts {
		emails[a.ID] = a.Email
	}
	return emails, nil
}

// InsertAccount stores a new active account.
func (s *Store) InsertAccount(ctx context.Context, acc *models.Account) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	acc.Active = true
	if err := db.Create(acc).Error; err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// UpdateAccountTokens replaces the access token, and the refresh token when
// one is given, of an active account. Inactive accounts are left untouched.
func (s *Store) UpdateAccountTokens(ctx context.Context, id, accessToken string, refreshToken *string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	updates := map[string]any{
		"access_token": accessToken,
		"updated_at":   time.Now().UTC(),
	}
	if refreshToken != nil && *refreshToken != "" {
		updates["refresh_token"] = *refreshToken
	}
	res := db.Model(&models.Account{}).Where("id = ? AND active = ?", id, true).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update account tokens: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveAccessToken persists a refreshed access token on exactly one account.
func (s *Store) SaveAccessToken(ctx context.Context, id, accessToken string, at time.Time) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res := db.Model(&models.Account{}).Where("id = ?", id).Updates(map[string]any{
		"access_token": accessToken,
		"updated_at":   at.UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("failed to save access token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ConnectAccount is the explicit link/reconnect path: it creates the account
// or updates its credentials, and is the only operation that reactivates a
// disconnected account. An account of another provider with the same email
// is left alone.
func (s *Store) ConnectAccount(ctx context.Context, acc *models.Account) (*models.Account, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	email := models.NormalizeEmail(acc.Email)
	provider := models.NormalizeProvider(acc.Provider)
	var out models.Account
	err = db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ? AND provider = ? AND email = ?", acc.UserID, provider, email).First(&out).Error
		switch {
		case err == nil:
			updates := map[string]any{
				"access_token": acc.AccessToken,
				"active":       true,
				"updated_at":   time.Now().UTC(),
			}
			if acc.HasRefreshToken() {
				updates["refresh_token"] = *acc.RefreshToken
			}
			if acc.ServerURL != "" {
				updates["server_url"] = acc.ServerURL
			}
			if err := tx.Model(&out).Updates(updates).Error; err != nil {
				return err
			}
			return tx.First(&out, "id = ?", out.ID).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			out = *acc
			out.ID = ""
			out.Email = email
			out.Provider = provider
			out.Active = true
			return tx.Create(&out).Error
		default:
			return err
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect account: %w", err)
	}
	return &out, nil
}

// DisconnectAccount soft-deactivates the user's accounts for email and purges
// their events. An empty provider matches every provider.
func (s *Store) DisconnectAccount(ctx context.Context, userID, provider, email string) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var purged int64
	err = db.Transaction(func(tx *gorm.DB) error {
		q := tx.Where("user_id = ? AND email = ?", userID, models.NormalizeEmail(email))
		if provider != "" {
			q = q.Where("provider = ?", models.NormalizeProvider(provider))
		}
		var accounts []models.Account
		if err := q.Find(&accounts).Error; err != nil {
			return err
		}
		if len(accounts) == 0 {
			return ErrNotFound
		}
		ids := make([]string, 0, len(accounts))
		for _, acc := range accounts {
			ids = append(ids, acc.ID)
		}
		err := tx.Model(&models.Account{}).Where("id IN ?", ids).
			Updates(map[string]any{"active": false, "updated_at": time.Now().UTC()}).Error
		if err != nil {
			return err
		}
		res := tx.Where("account_id IN ?", ids).Delete(&models.Event{})
		purged = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

// UsersWithActiveAccounts lists the distinct users that have something to sync.
func (s *Store) UsersWithActiveAccounts(ctx context.Context) ([]string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var users []string
	err = db.Model(&models.Account{}).Where("active = ?", true).Distinct("user_id").Order("user_id").Pluck("user_id", &users).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}
