package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pysugar/hostaway-sync/internal/api/schema"
	"github.com/pysugar/hostaway-sync/internal/db"
	"github.com/pysugar/hostaway-sync/internal/db/models"
	"github.com/pysugar/hostaway-sync/internal/logging"
	"go.uber.org/zap"
)

// AccountStore is the subset of db.AccountStore the admin routes use.
type AccountStore interface {
	Get(ctx context.Context, accountID int64) (*models.Account, error)
	Create(ctx context.Context, acc *models.Account) error
	Update(ctx context.Context, accountID int64, upd db.AccountUpdate) (before, after *models.Account, err error)
	SoftDelete(ctx context.Context, accountID int64) error
	HardDelete(ctx context.Context, accountID int64) error
}

// SyncTrigger schedules a background sync.
type SyncTrigger interface {
	SyncAccountAsync(accountID int64, dryRun bool) bool
}

// TokenInvalidator drops a cached access token.
type TokenInvalidator interface {
	Invalidate(accountID int64)
}

// AccountSet tracks which accounts may receive webhooks.
type AccountSet interface {
	Add(accountID int64)
	Remove(accountID int64)
}

// WebhookDeleter removes a vendor webhook registration.
type WebhookDeleter interface {
	DeleteWebhook(ctx context.Context, accountID, webhookID int64) error
}

// AccountDeps wires the admin account routes.
type AccountDeps struct {
	Store    AccountStore
	Sync     SyncTrigger
	Tokens   TokenInvalidator
	Cache    AccountSet
	Webhooks WebhookDeleter
	DryRun   bool
	Log      *zap.Logger
}

func (d AccountDeps) logger(r *http.Request) *zap.Logger {
	if d.Log == nil {
		return logging.FromContext(r.Context(), zap.NewNop())
	}
	return logging.FromContext(r.Context(), d.Log)
}

type accountView struct {
	AccountID  int64      `json:"account_id"`
	CustomerID *string    `json:"customer_id"`
	WebhookID  *int64     `json:"webhook_id"`
	IsActive   bool       `json:"is_active"`
	HasSecret  bool       `json:"has_client_secret"`
	LastSyncAt *time.Time `json:"last_sync_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func viewOf(acc *models.Account) accountView {
	v := accountView{
		AccountID:  acc.AccountID,
		WebhookID:  acc.WebhookID,
		IsActive:   acc.IsActive,
		HasSecret:  acc.ClientSecret != nil && *acc.ClientSecret != "",
		LastSyncAt: acc.LastSyncAt,
		CreatedAt:  acc.CreatedAt,
		UpdatedAt:  acc.UpdatedAt,
	}
	if acc.CustomerID != nil {
		s := acc.CustomerID.String()
		v.CustomerID = &s
	}
	return v
}

// CreateAccountHandler stores a new account and schedules its first sync.
func CreateAccountHandler(d AccountDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := d.logger(r)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		req, err := schema.DecodeAccountCreate(body)
		if err != nil {
			if errors.Is(err, schema.ErrMissingSecret) {
				writeDetail(w, http.StatusBadRequest, "Client secret is required")
				return
			}
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}

		secret := req.ClientSecret
		acc := &models.Account{
			AccountID:    req.AccountID,
			CustomerID:   req.CustomerID,
			ClientSecret: &secret,
			IsActive:     true,
		}
		if err := d.Store.Create(r.Context(), acc); err != nil {
			if errors.Is(err, db.ErrAccountExists) {
				writeDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("Account %d already exists", req.AccountID))
				return
			}
			log.Error("create account failed", zap.Int64("account_id", req.AccountID), zap.Error(err))
			writeDetail(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		d.Cache.Add(req.AccountID)
		d.Sync.SyncAccountAsync(req.AccountID, d.DryRun)
		log.Info("account created", zap.Int64("account_id", req.AccountID), zap.Bool("dry_run", d.DryRun))

		writeMessage(w, http.StatusCreated, "Account created. Token configuration scheduled in background.")
	}
}

// GetAccountHandler returns an account without its secrets.
func GetAccountHandler(d AccountDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountIDParam(r)
		if !ok {
			writeDetail(w, http.StatusBadRequest, "Invalid account id")
			return
		}
		acc, err := d.Store.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, db.ErrAccountNotFound) {
				writeDetail(w, http.StatusNotFound, fmt.Sprintf("Account %d not found", id))
				return
			}
			d.logger(r).Error("get account failed", zap.Int64("account_id", id), zap.Error(err))
			writeDetail(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, viewOf(acc))
	}
}

// UpdateAccountHandler applies a partial update to an active account.
func UpdateAccountHandler(d AccountDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := d.logger(r)
		id, ok := accountIDParam(r)
		if !ok {
			writeDetail(w, http.StatusBadRequest, "Invalid account id")
			return
		}
		notFound := fmt.Sprintf("Account %d not found or inactive", id)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		req, err := schema.DecodeAccountUpdate(body)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}

		if req.Empty() {
			acc, err := d.Store.Get(r.Context(), id)
			if errors.Is(err, db.ErrAccountNotFound) || (err == nil && !acc.IsActive) {
				writeDetail(w, http.StatusNotFound, notFound)
				return
			}
			if err != nil {
				log.Error("get account failed", zap.Int64("account_id", id), zap.Error(err))
				writeDetail(w, http.StatusInternalServerError, "Internal server error")
				return
			}
			writeMessage(w, http.StatusOK, "No fields to update")
			return
		}

		before, after, err := d.Store.Update(r.Context(), id, db.AccountUpdate{
			CustomerID:   req.CustomerID,
			ClientSecret: req.ClientSecret,
			AccessToken:  req.AccessToken,
			WebhookID:    req.WebhookID,
			IsActive:     req.IsActive,
		})
		if err != nil {
			if errors.Is(err, db.ErrAccountNotFound) {
				writeDetail(w, http.StatusNotFound, notFound)
				return
			}
			log.Error("update account failed", zap.Int64("account_id", id), zap.Error(err))
			writeDetail(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		secretChanged := req.ClientSecret != nil && deref(before.ClientSecret) != *req.ClientSecret
		tokenChanged := req.AccessToken != nil && deref(before.AccessToken) != *req.AccessToken
		if secretChanged || tokenChanged {
			d.Tokens.Invalidate(id)
		}
		if !after.IsActive {
			d.Cache.Remove(id)
		}
		if secretChanged && before.LastSyncAt == nil && after.IsActive {
			d.Sync.SyncAccountAsync(id, d.DryRun)
			log.Info("initial sync scheduled after secret change", zap.Int64("account_id", id))
		}

		log.Info("account updated", zap.Int64("account_id", id),
			zap.Bool("secret_changed", secretChanged),
			zap.Bool("token_changed", tokenChanged),
			zap.Bool("is_active", after.IsActive))
		writeJSON(w, http.StatusOK, viewOf(after))
	}
}

// TriggerSyncHandler schedules a background sync for one account.
func TriggerSyncHandler(d AccountDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountIDParam(r)
		if !ok {
			writeDetail(w, http.StatusBadRequest, "Invalid account id")
			return
		}
		if _, err := d.Store.Get(r.Context(), id); err != nil {
			if errors.Is(err, db.ErrAccountNotFound) {
				writeDetail(w, http.StatusNotFound, fmt.Sprintf("Account %d not found", id))
				return
			}
			d.logger(r).Error("get account failed", zap.Int64("account_id", id), zap.Error(err))
			writeDetail(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		dryRun := boolQuery(r, "dry_run", d.DryRun)
		if !d.Sync.SyncAccountAsync(id, dryRun) {
			writeMessage(w, http.StatusAccepted, fmt.Sprintf("Sync already running for account %d", id))
			return
		}
		writeMessage(w, http.StatusAccepted, fmt.Sprintf("Sync scheduled for account %d (dry_run=%t)", id, dryRun))
	}
}

// DeleteAccountHandler deactivates an account, or removes it and all of its
// data when soft=false.
func DeleteAccountHandler(d AccountDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := d.logger(r)
		id, ok := accountIDParam(r)
		if !ok {
			writeDetail(w, http.StatusBadRequest, "Invalid account id")
			return
		}
		acc, err := d.Store.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, db.ErrAccountNotFound) {
				writeDetail(w, http.StatusNotFound, fmt.Sprintf("Account %d not found", id))
				return
			}
			log.Error("get account failed", zap.Int64("account_id", id), zap.Error(err))
			writeDetail(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		soft := boolQuery(r, "soft", true)
		if soft {
			err = d.Store.SoftDelete(r.Context(), id)
		} else {
			if acc.WebhookID != nil && d.Webhooks != nil {
				if werr := d.Webhooks.DeleteWebhook(r.Context(), id, *acc.WebhookID); werr != nil {
					log.Warn("vendor webhook deletion failed", zap.Int64("account_id", id),
						zap.Int64("webhook_id", *acc.WebhookID), zap.Error(werr))
				}
			}
			err = d.Store.HardDelete(r.Context(), id)
		}
		if err != nil && !errors.Is(err, db.ErrAccountNotFound) {
			log.Error("delete account failed", zap.Int64("account_id", id), zap.Bool("soft", soft), zap.Error(err))
			writeDetail(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		d.Tokens.Invalidate(id)
		d.Cache.Remove(id)

		if soft {
			log.Info("account deactivated", zap.Int64("account_id", id))
			writeMessage(w, http.StatusOK, fmt.Sprintf("Account %d deactivated (soft delete)", id))
			return
		}
		log.Info("account deleted", zap.Int64("account_id", id))
		writeMessage(w, http.StatusOK, fmt.Sprintf("Account %d permanently deleted", id))
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
