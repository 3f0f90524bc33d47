// Package accounts wraps the mailbox account inventory: credential lookup
// with at-rest decryption, provisioning, and the health-status sink updated
// after every retrieval or purge attempt.
package accounts

import (
	"errors"
	"fmt"
	"time"

	"github.com/nimbusmail/oauth-mail-gateway/internal/db/models"
	"github.com/nimbusmail/oauth-mail-gateway/internal/secret"
	"gorm.io/gorm"
)

// Credentials is the transient per-request credential bundle. The refresh
// token is already decrypted; nothing here is ever persisted by callers.
type Credentials struct {
	AccountID    uint
	Address      string
	ClientID     string
	RefreshToken string
	AutoAssigned bool
}

// Summary is the caller-facing view of one account, without secrets.
type Summary struct {
	ID      uint   `json:"id"`
	Address string `json:"email"`
	Status  string `json:"status"`
}

// Store reads and updates mailbox accounts.
type Store struct {
	db    *gorm.DB
	codec *secret.Codec
}

// NewStore creates an account store using codec for refresh-token secrecy.
func NewStore(database *gorm.DB, codec *secret.Codec) *Store {
	return &Store{db: database, codec: codec}
}

// FindByAddress returns decrypted credentials for the account with the given
// address, or nil when no such account exists.
func (s *Store) FindByAddress(address string) (*Credentials, error) {
	var account models.Account
	err := s.db.Where("address = ?", address).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.codec.Decrypt(account.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token for %s: %w", address, err)
	}

	return &Credentials{
		AccountID:    account.ID,
		Address:      account.Address,
		ClientID:     account.ClientID,
		RefreshToken: refreshToken,
	}, nil
}

// UpdateStatus records the outcome of a retrieval/purge attempt. Success
// clears any previous error; failure captures the error text. The last
// checked timestamp moves in both cases.
func (s *Store) UpdateStatus(accountID uint, ok bool, errMsg string) error {
	updates := map[string]interface{}{
		"last_checked_at": time.Now(),
	}
	if ok {
		updates["status"] = models.StatusActive
		updates["error_message"] = ""
	} else {
		updates["status"] = models.StatusError
		updates["error_message"] = errMsg
	}
	return s.db.Model(&models.Account{}).Where("id = ?", accountID).Updates(updates).Error
}

// ListActive returns all ACTIVE accounts ordered by id.
func (s *Store) ListActive() ([]Summary, error) {
	var rows []models.Account
	if err := s.db.Where("status = ?", models.StatusActive).Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, Summary{ID: row.ID, Address: row.Address, Status: row.Status})
	}
	return summaries, nil
}

// Import provisions a mailbox account, encrypting its refresh token.
func (s *Store) Import(address, clientID, refreshToken string) (*models.Account, error) {
	var existing models.Account
	err := s.db.Where("address = ?", address).First(&existing).Error
	if err == nil {
		return nil, fmt.Errorf("account %s already exists", address)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	sealed, err := s.codec.Encrypt(refreshToken)
	if err != nil {
		return nil, err
	}
	account := models.Account{
		Address:      address,
		ClientID:     clientID,
		RefreshToken: sealed,
		Status:       models.StatusActive,
	}
	if err := s.db.Create(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}
