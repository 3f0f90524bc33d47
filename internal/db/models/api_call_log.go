package models

import "time"

// APICallLog records one mail-endpoint invocation for auditing. AccountID is
// zero when the request never resolved to an account.
type APICallLog struct {
	ID         uint   `gorm:"primaryKey"`
	Endpoint   string `gorm:"index"`
	CallerID   uint   `gorm:"index"`
	AccountID  uint
	IP         string
	StatusCode int
	DurationMs int64
	CreatedAt  time.Time
}
