// Package pool hands out mailboxes from the shared ACTIVE inventory so that
// no caller ever receives the same mailbox twice. Exclusivity is scoped per
// (caller, account): the pool itself is shared across callers.
package pool

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nimbusmail/oauth-mail-gateway/internal/accounts"
	"github.com/nimbusmail/oauth-mail-gateway/internal/db/models"
	"github.com/nimbusmail/oauth-mail-gateway/internal/secret"
	"gorm.io/gorm"
)

// allocateAttempts bounds the read-then-claim retry loop. Contention is rare
// (distinct accounts for distinct attempts), so a short optimistic loop beats
// serializing allocation behind a lock.
const allocateAttempts = 3

var (
	// ErrAlreadyClaimed reports that this caller already holds a claim on the
	// account — the expected outcome of losing an allocation race.
	ErrAlreadyClaimed = errors.New("account already claimed by this caller")

	// ErrPoolExhausted reports that no unclaimed ACTIVE account remains for
	// this caller.
	ErrPoolExhausted = errors.New("no unclaimed accounts available")

	// ErrPoolBusy reports that allocation kept losing races after the retry
	// bound; the caller should simply retry.
	ErrPoolBusy = errors.New("pool busy, retry allocation")
)

// Stats summarizes pool usage for one caller.
type Stats struct {
	Total     int64 `json:"total"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}

// ClaimedAccount is one entry of a caller's claim list.
type ClaimedAccount struct {
	AccountID uint      `json:"id"`
	Address   string    `json:"email"`
	Status    string    `json:"status"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// AccountUsage flags whether a specific caller has claimed an ACTIVE account.
// Used by the pool-curation view.
type AccountUsage struct {
	AccountID uint   `json:"id"`
	Address   string `json:"email"`
	Used      bool   `json:"used"`
}

// Service implements the allocator on top of the usage-claim table.
type Service struct {
	db    *gorm.DB
	codec *secret.Codec
}

// NewService creates a pool allocator.
func NewService(database *gorm.DB, codec *secret.Codec) *Service {
	return &Service{db: database, codec: codec}
}

// GetUnusedAccount selects the lowest-id ACTIVE account without a claim for
// this caller and returns its decrypted credentials. Pure read: no claim is
// recorded. Returns nil when the pool is exhausted for this caller.
func (s *Service) GetUnusedAccount(callerID uint) (*accounts.Credentials, error) {
	claimed := s.db.Model(&models.UsageClaim{}).
		Select("account_id").
		Where("caller_id = ?", callerID)

	var account models.Account
	err := s.db.Where("status = ?", models.StatusActive).
		Where("id NOT IN (?)", claimed).
		Order("id asc").
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.codec.Decrypt(account.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token for %s: %w", account.Address, err)
	}

	return &accounts.Credentials{
		AccountID:    account.ID,
		Address:      account.Address,
		ClientID:     account.ClientID,
		RefreshToken: refreshToken,
		AutoAssigned: true,
	}, nil
}

// Claim records that the caller now holds the account. A duplicate claim —
// typically a concurrent request for the same caller that won the race —
// returns ErrAlreadyClaimed.
func (s *Service) Claim(callerID, accountID uint) error {
	err := s.db.Create(&models.UsageClaim{
		CallerID:  callerID,
		AccountID: accountID,
		ClaimedAt: time.Now(),
	}).Error
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return ErrAlreadyClaimed
	}
	return err
}

// Allocate runs the optimistic read-then-claim protocol: pick an unused
// account, try to claim it, and retry on a lost race up to the attempt bound.
func (s *Service) Allocate(callerID uint) (*accounts.Credentials, error) {
	for attempt := 0; attempt < allocateAttempts; attempt++ {
		creds, err := s.GetUnusedAccount(callerID)
		if err != nil {
			return nil, err
		}
		if creds == nil {
			return nil, ErrPoolExhausted
		}

		err = s.Claim(callerID, creds.AccountID)
		if err == nil {
			return creds, nil
		}
		if errors.Is(err, ErrAlreadyClaimed) {
			log.Printf("pool: caller %d lost claim race for account %d, retrying", callerID, creds.AccountID)
			continue
		}
		return nil, err
	}
	return nil, ErrPoolBusy
}

// Stats reports total ACTIVE accounts, this caller's claims, and the
// remainder (never negative: claims may reference accounts that have since
// left ACTIVE).
func (s *Service) Stats(callerID uint) (Stats, error) {
	var stats Stats
	if err := s.db.Model(&models.Account{}).
		Where("status = ?", models.StatusActive).
		Count(&stats.Total).Error; err != nil {
		return stats, err
	}
	if err := s.db.Model(&models.UsageClaim{}).
		Where("caller_id = ?", callerID).
		Count(&stats.Used).Error; err != nil {
		return stats, err
	}
	stats.Remaining = stats.Total - stats.Used
	if stats.Remaining < 0 {
		stats.Remaining = 0
	}
	return stats, nil
}

// Reset deletes every claim held by the caller, making all accounts claimable
// again. Idempotent.
func (s *Service) Reset(callerID uint) error {
	return s.db.Where("caller_id = ?", callerID).Delete(&models.UsageClaim{}).Error
}

// OverwriteClaims replaces the caller's claim set with exactly the given
// account ids. Duplicates in the input are collapsed. Used for manual pool
// curation.
func (s *Service) OverwriteClaims(callerID uint, accountIDs []uint) error {
	seen := make(map[uint]struct{}, len(accountIDs))
	claims := make([]models.UsageClaim, 0, len(accountIDs))
	now := time.Now()
	for _, id := range accountIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		claims = append(claims, models.UsageClaim{CallerID: callerID, AccountID: id, ClaimedAt: now})
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("caller_id = ?", callerID).Delete(&models.UsageClaim{}).Error; err != nil {
			return err
		}
		if len(claims) == 0 {
			return nil
		}
		return tx.Create(&claims).Error
	})
}

// ListClaims returns the caller's allocated accounts with status and claim
// time, ordered by claim id.
func (s *Service) ListClaims(callerID uint) ([]ClaimedAccount, error) {
	var claims []models.UsageClaim
	if err := s.db.Where("caller_id = ?", callerID).Order("id asc").Find(&claims).Error; err != nil {
		return nil, err
	}

	result := make([]ClaimedAccount, 0, len(claims))
	for _, claim := range claims {
		var account models.Account
		if err := s.db.First(&account, claim.AccountID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		result = append(result, ClaimedAccount{
			AccountID: account.ID,
			Address:   account.Address,
			Status:    account.Status,
			ClaimedAt: claim.ClaimedAt,
		})
	}
	return result, nil
}

// AccountsWithUsage lists every ACTIVE account flagged with whether the
// caller has claimed it.
func (s *Service) AccountsWithUsage(callerID uint) ([]AccountUsage, error) {
	var active []models.Account
	if err := s.db.Where("status = ?", models.StatusActive).Order("id asc").Find(&active).Error; err != nil {
		return nil, err
	}

	var claims []models.UsageClaim
	if err := s.db.Where("caller_id = ?", callerID).Find(&claims).Error; err != nil {
		return nil, err
	}
	used := make(map[uint]struct{}, len(claims))
	for _, claim := range claims {
		used[claim.AccountID] = struct{}{}
	}

	result := make([]AccountUsage, 0, len(active))
	for _, account := range active {
		_, isUsed := used[account.ID]
		result = append(result, AccountUsage{AccountID: account.ID, Address: account.Address, Used: isUsed})
	}
	return result, nil
}

// CheckOwnership reports whether the caller holds a claim on the account with
// the given address.
func (s *Service) CheckOwnership(callerID uint, address string) (bool, error) {
	var account models.Account
	err := s.db.Where("address = ?", address).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var count int64
	err = s.db.Model(&models.UsageClaim{}).
		Where("caller_id = ? AND account_id = ?", callerID, account.ID).
		Count(&count).Error
	return count > 0, err
}

// isUniqueViolation matches the duplicate-key error across gorm's translated
// error and raw sqlite/mysql messages.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry")
}
