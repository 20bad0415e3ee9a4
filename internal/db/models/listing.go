package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Listing holds the raw vendor payload of one property.
type Listing struct {
	ID         int64          `gorm:"primaryKey;autoIncrement:false"`
	AccountID  int64          `gorm:"not null;index"`
	CustomerID *uuid.UUID     `gorm:"type:uuid"`
	RawPayload datatypes.JSON `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Account Account `gorm:"foreignKey:AccountID;references:AccountID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Listing) TableName() string { return "listings" }
