package models

import "time"

// UsageClaim records that a caller (API key) has been allocated a mailbox.
// The composite unique index is the only mutual-exclusion mechanism in the
// allocator: a concurrent duplicate claim fails at the storage layer, not
// behind an in-process lock, so it holds across process instances.
type UsageClaim struct {
	ID        uint `gorm:"primaryKey"`
	CallerID  uint `gorm:"uniqueIndex:idx_caller_account"`
	AccountID uint `gorm:"uniqueIndex:idx_caller_account"`
	ClaimedAt time.Time
}
