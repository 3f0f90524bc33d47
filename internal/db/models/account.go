package models

import "time"

// Account status values. Transitions are driven by retrieval/purge outcomes;
// DISABLED is only ever set manually.
const (
	StatusActive   = "ACTIVE"
	StatusError    = "ERROR"
	StatusDisabled = "DISABLED"
)

// Account stores an OAuth-backed mailbox and its refresh credential.
// RefreshToken is encrypted at rest (see internal/secret).
type Account struct {
	ID            uint   `gorm:"primaryKey"`
	Address       string `gorm:"uniqueIndex"`
	ClientID      string
	RefreshToken  string
	Status        string `gorm:"default:ACTIVE;index"`
	ErrorMessage  string
	LastCheckedAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
