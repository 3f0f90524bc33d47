package models

import "time"

// APIKey identifies an independent caller of the gateway. The key ID doubles
// as the caller ID for pool allocation.
type APIKey struct {
	ID         uint   `gorm:"primaryKey"`
	Key        string `gorm:"uniqueIndex"`
	Name       string
	IsActive   bool `gorm:"default:true"`
	LastUsedAt time.Time
	CreatedAt  time.Time
}
