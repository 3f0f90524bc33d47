package db

import (
	"crypto/rand"
	"encoding/hex"
	"log"

	"github.com/glebarez/sqlite"
	"github.com/nimbusmail/oauth-mail-gateway/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	database, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if err := database.AutoMigrate(
		&models.Account{},
		&models.UsageClaim{},
		&models.APIKey{},
		&models.APICallLog{},
	); err != nil {
		return nil, err
	}

	ensureAPIKey(database)

	return database, nil
}

// ensureAPIKey seeds a first API key so the gateway is usable out of the box.
func ensureAPIKey(database *gorm.DB) {
	var count int64
	database.Model(&models.APIKey{}).Count(&count)
	if count > 0 {
		return
	}

	key := GenerateAPIKey()
	database.Create(&models.APIKey{
		Key:      key,
		Name:     "default",
		IsActive: true,
	})
	log.Printf("🔑 Generated initial API key: %s", key)
}

// GenerateAPIKey returns a new key of the form mk-<32 hex chars>.
func GenerateAPIKey() string {
	keyBytes := make([]byte, 16)
	rand.Read(keyBytes)
	return "mk-" + hex.EncodeToString(keyBytes)
}
