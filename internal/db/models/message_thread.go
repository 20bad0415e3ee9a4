package models

import (
	"time"

	"gorm.io/datatypes"
)

// MessageThread is the normalized, time-ordered message list of one reservation.
type MessageThread struct {
	ReservationID int64          `gorm:"primaryKey;autoIncrement:false"`
	AccountID     int64          `gorm:"not null;index"`
	RawMessages   datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Reservation Reservation `gorm:"foreignKey:ReservationID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
}

func (MessageThread) TableName() string { return "messages" }
