package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/hostaway-sync/internal/db/models"
	"gorm.io/gorm"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
)

// Credentials is what the token exchange needs for one account.
type Credentials struct {
	AccountID    int64
	ClientSecret string
	AccessToken  string
}

// AccountUpdate is a partial update; nil fields are left untouched.
type AccountUpdate struct {
	CustomerID   *uuid.UUID
	ClientSecret *string
	AccessToken  *string
	WebhookID    *int64
	IsActive     *bool
}

// AccountStore owns every read and write on the accounts table.
type AccountStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewAccountStore creates an account store over db.
func NewAccountStore(db *gorm.DB) *AccountStore {
	return &AccountStore{db: db, now: time.Now}
}

// Credentials loads the secret and persisted token of an active account.
func (s *AccountStore) Credentials(ctx context.Context, accountID int64) (Credentials, error) {
	var acc models.Account
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND is_active = ?", accountID, true).
		First(&acc).Error
	if err != nil {
		return Credentials{}, notFound(err, accountID)
	}
	return Credentials{
		AccountID:    acc.AccountID,
		ClientSecret: deref(acc.ClientSecret),
		AccessToken:  deref(acc.AccessToken),
	}, nil
}

// UpdateAccessToken persists a freshly issued token. The row is only touched
// when the token actually changed.
func (s *AccountStore) UpdateAccessToken(ctx context.Context, accountID int64, token string) error {
	err := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("account_id = ? AND (access_token IS NULL OR access_token <> ?)", accountID, token).
		Updates(map[string]interface{}{"access_token": token, "updated_at": s.now()}).Error
	if err != nil {
		return fmt.Errorf("update access token for account %d: %w", accountID, err)
	}
	return nil
}

// MarkSynced stamps last_sync_at.
func (s *AccountStore) MarkSynced(ctx context.Context, accountID int64) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{"last_sync_at": now, "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("mark account %d synced: %w", accountID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
	}
	return nil
}

// SetWebhookID records the vendor webhook registered for the account.
func (s *AccountStore) SetWebhookID(ctx context.Context, accountID, webhookID int64) error {
	err := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{"webhook_id": webhookID, "updated_at": s.now()}).Error
	if err != nil {
		return fmt.Errorf("set webhook id for account %d: %w", accountID, err)
	}
	return nil
}

// ActiveAccountIDs lists active accounts ordered by id.
func (s *AccountStore) ActiveAccountIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("is_active = ?", true).
		Order("account_id").
		Pluck("account_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	return ids, nil
}

// IsActive reports whether the account exists and is active.
func (s *AccountStore) IsActive(ctx context.Context, accountID int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("account_id = ? AND is_active = ?", accountID, true).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CountActive returns the number of active accounts.
func (s *AccountStore) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("is_active = ?", true).
		Count(&count).Error
	return count, err
}

// Get returns the account regardless of its active flag.
func (s *AccountStore) Get(ctx context.Context, accountID int64) (*models.Account, error) {
	var acc models.Account
	if err := s.db.WithContext(ctx).First(&acc, "account_id = ?", accountID).Error; err != nil {
		return nil, notFound(err, accountID)
	}
	return &acc, nil
}

// Create inserts a new account.
func (s *AccountStore) Create(ctx context.Context, acc *models.Account) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("account_id = ?", acc.AccountID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %d", ErrAccountExists, acc.AccountID)
	}

	acc.IsActive = true
	if err := s.db.WithContext(ctx).Create(acc).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %d", ErrAccountExists, acc.AccountID)
		}
		return fmt.Errorf("create account %d: %w", acc.AccountID, err)
	}
	return nil
}

// Update applies a partial update to an active account and returns the
// stored row before and after the change.
func (s *AccountStore) Update(ctx context.Context, accountID int64, upd AccountUpdate) (before, after *models.Account, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acc models.Account
		if err := tx.Where("account_id = ? AND is_active = ?", accountID, true).First(&acc).Error; err != nil {
			return notFound(err, accountID)
		}
		prev := acc
		before = &prev

		changes := map[string]interface{}{}
		if upd.CustomerID != nil {
			changes["customer_id"] = *upd.CustomerID
		}
		if upd.ClientSecret != nil {
			changes["client_secret"] = *upd.ClientSecret
		}
		if upd.AccessToken != nil {
			changes["access_token"] = *upd.AccessToken
		}
		if upd.WebhookID != nil {
			changes["webhook_id"] = *upd.WebhookID
		}
		if upd.IsActive != nil {
			changes["is_active"] = *upd.IsActive
		}
		if len(changes) > 0 {
			changes["updated_at"] = s.now()
			if err := tx.Model(&models.Account{}).Where("account_id = ?", accountID).Updates(changes).Error; err != nil {
				return err
			}
		}

		var cur models.Account
		if err := tx.First(&cur, "account_id = ?", accountID).Error; err != nil {
			return err
		}
		after = &cur
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// SoftDelete deactivates the account and keeps its data.
func (s *AccountStore) SoftDelete(ctx context.Context, accountID int64) error {
	res := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{"is_active": false, "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("deactivate account %d: %w", accountID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
	}
	return nil
}

// HardDelete removes the account and every row it owns.
func (s *AccountStore) HardDelete(ctx context.Context, accountID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{&models.MessageThread{}, &models.Reservation{}, &models.Listing{}} {
			if err := tx.Where("account_id = ?", accountID).Delete(model).Error; err != nil {
				return err
			}
		}
		res := tx.Where("account_id = ?", accountID).Delete(&models.Account{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
		}
		return nil
	})
}

// Ping checks store connectivity.
func (s *AccountStore) Ping(ctx context.Context) error {
	return Ping(ctx, s.db)
}

func notFound(err error, accountID int64) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
	}
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
