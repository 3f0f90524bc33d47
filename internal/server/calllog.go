package server

import (
	"log"
	"net"
	"net/http"
	"time"

	"github.com/nimbusmail/oauth-mail-gateway/internal/db/models"
	"gorm.io/gorm"
)

// CallLogger persists one audit row per mail-endpoint call.
type CallLogger struct {
	db *gorm.DB
}

// NewCallLogger creates a call logger on the shared database.
func NewCallLogger(database *gorm.DB) *CallLogger {
	return &CallLogger{db: database}
}

// Record writes the audit row. Failures are logged, never surfaced.
func (l *CallLogger) Record(endpoint string, callerID, accountID uint, r *http.Request, status int, elapsed time.Duration) {
	entry := models.APICallLog{
		Endpoint:   endpoint,
		CallerID:   callerID,
		AccountID:  accountID,
		IP:         clientIP(r),
		StatusCode: status,
		DurationMs: elapsed.Milliseconds(),
	}
	if err := l.db.Create(&entry).Error; err != nil {
		log.Printf("call log write failed for %s: %v", endpoint, err)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
