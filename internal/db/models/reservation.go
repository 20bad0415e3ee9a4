package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Reservation holds the raw vendor payload of one booking.
type Reservation struct {
	ID         int64          `gorm:"primaryKey;autoIncrement:false"`
	AccountID  int64          `gorm:"not null;index"`
	ListingID  int64          `gorm:"not null;index"`
	CustomerID *uuid.UUID     `gorm:"type:uuid"`
	RawPayload datatypes.JSON `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Listing Listing `gorm:"foreignKey:ListingID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Reservation) TableName() string { return "reservations" }
