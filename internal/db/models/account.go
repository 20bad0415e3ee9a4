package models

import (
	"time"

	"github.com/google/uuid"
)

// Account is a PMS tenant. The primary key is the vendor-assigned account id.
type Account struct {
	AccountID    int64      `gorm:"primaryKey;autoIncrement:false" json:"account_id"`
	CustomerID   *uuid.UUID `gorm:"type:uuid" json:"customer_id,omitempty"`
	ClientSecret *string    `json:"-"`
	AccessToken  *string    `json:"-"`
	WebhookID    *int64     `json:"webhook_id,omitempty"`
	IsActive     bool       `gorm:"default:true;index" json:"is_active"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }
