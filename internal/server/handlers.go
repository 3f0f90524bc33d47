package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/nimbusmail/oauth-mail-gateway/internal/accounts"
	"github.com/nimbusmail/oauth-mail-gateway/internal/httpclient"
	"github.com/nimbusmail/oauth-mail-gateway/internal/mail"
	"github.com/nimbusmail/oauth-mail-gateway/internal/pool"
)

// mailParams carries the parameters shared by the retrieval endpoints. GET
// requests pass them as query parameters, other methods as a JSON body.
type mailParams struct {
	Email   string `json:"email"`
	Mailbox string `json:"mailbox"`
	Limit   int    `json:"limit"`
	Match   string `json:"match"`
	SOCKS5  string `json:"socks5"`
	HTTP    string `json:"http"`
}

func parseMailParams(r *http.Request) mailParams {
	var p mailParams
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		p.Email = q.Get("email")
		p.Mailbox = q.Get("mailbox")
		p.Match = q.Get("match")
		p.SOCKS5 = q.Get("socks5")
		p.HTTP = q.Get("http")
		if limit := q.Get("limit"); limit != "" {
			p.Limit, _ = strconv.Atoi(limit)
		}
	} else if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&p)
	}
	if p.Mailbox == "" {
		p.Mailbox = "inbox"
	}
	return p
}

func (p mailParams) proxy() httpclient.Config {
	return httpclient.Config{SOCKS5: p.SOCKS5, HTTP: p.HTTP}
}

// GetEmailHandler allocates an unused pool account for the caller.
func GetEmailHandler(poolSvc *pool.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := CallerID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "API Key required")
			return
		}

		creds, err := poolSvc.Allocate(callerID)
		switch {
		case errors.Is(err, pool.ErrPoolExhausted):
			stats, statsErr := poolSvc.Stats(callerID)
			if statsErr != nil {
				writeError(w, http.StatusInternalServerError, "INTERNAL", statsErr.Error())
				return
			}
			writeError(w, http.StatusBadRequest, "NO_UNUSED_EMAIL",
				fmt.Sprintf("No unused emails available. Used: %d/%d", stats.Used, stats.Total))
		case errors.Is(err, pool.ErrPoolBusy):
			writeError(w, http.StatusTooManyRequests, "POOL_BUSY", "System busy, please try again")
		case err != nil:
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		default:
			writeData(w, map[string]any{
				"email": creds.Address,
				"id":    creds.AccountID,
			})
		}
	}
}

// MailNewHandler returns the latest message of an explicit address.
func MailNewHandler(store *accounts.Store, mailSvc *mail.Service, logs *CallLogger) http.HandlerFunc {
	return fetchHandler(store, mailSvc, logs, "mail_new", 1)
}

// MailAllHandler returns messages of an explicit address, up to the
// requested limit.
func MailAllHandler(store *accounts.Store, mailSvc *mail.Service, logs *CallLogger) http.HandlerFunc {
	return fetchHandler(store, mailSvc, logs, "mail_all", 0)
}

func fetchHandler(store *accounts.Store, mailSvc *mail.Service, logs *CallLogger, endpoint string, limitOverride int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		callerID, ok := CallerID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "API Key required")
			return
		}

		p := parseMailParams(r)
		creds := resolveAccount(w, store, p.Email)
		if creds == nil {
			return
		}

		limit := p.Limit
		if limitOverride > 0 {
			limit = limitOverride
		}
		result, err := mailSvc.GetMessages(r.Context(), creds, mail.FetchOptions{
			Folder: p.Mailbox,
			Limit:  limit,
			Proxy:  p.proxy(),
		})
		if err != nil {
			store.UpdateStatus(creds.AccountID, false, err.Error())
			code := "INTERNAL"
			if errors.Is(err, mail.ErrTokenAcquisition) {
				code = "TOKEN_FAILED"
			}
			logs.Record(endpoint, callerID, creds.AccountID, r, http.StatusInternalServerError, time.Since(start))
			writeError(w, http.StatusInternalServerError, code, err.Error())
			return
		}

		store.UpdateStatus(creds.AccountID, true, "")
		logs.Record(endpoint, callerID, creds.AccountID, r, http.StatusOK, time.Since(start))
		writeMailData(w, creds.Address, result)
	}
}

// MailTextHandler returns the plain-text body of the latest inbox message,
// optionally reduced to a regex match. Script-friendly: every outcome is
// text/plain.
func MailTextHandler(store *accounts.Store, mailSvc *mail.Service, logs *CallLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		callerID, ok := CallerID(r.Context())
		if !ok {
			writeText(w, http.StatusUnauthorized, "Error: API Key required")
			return
		}

		p := parseMailParams(r)
		if p.Email == "" {
			writeText(w, http.StatusBadRequest, "Error: email parameter is required")
			return
		}
		creds, err := store.FindByAddress(p.Email)
		if err != nil {
			writeText(w, http.StatusInternalServerError, "Error: "+err.Error())
			return
		}
		if creds == nil {
			writeText(w, http.StatusNotFound, "Error: Email account not found")
			return
		}

		result, err := mailSvc.GetMessages(r.Context(), creds, mail.FetchOptions{Folder: "inbox", Limit: 1})
		if err != nil {
			store.UpdateStatus(creds.AccountID, false, err.Error())
			logs.Record("mail_text", callerID, creds.AccountID, r, http.StatusInternalServerError, time.Since(start))
			writeText(w, http.StatusInternalServerError, "Error: "+err.Error())
			return
		}
		store.UpdateStatus(creds.AccountID, true, "")
		logs.Record("mail_text", callerID, creds.AccountID, r, http.StatusOK, time.Since(start))

		if len(result.Messages) == 0 {
			writeText(w, http.StatusOK, "Error: No messages found")
			return
		}
		content := result.Messages[0].Text

		if p.Match != "" {
			re, err := regexp.Compile(p.Match)
			if err != nil {
				writeText(w, http.StatusBadRequest, "Error: Invalid regex pattern")
				return
			}
			groups := re.FindStringSubmatch(content)
			if groups == nil {
				writeText(w, http.StatusNotFound, "Error: No match found")
				return
			}
			// First capture group when present and non-empty, whole match
			// otherwise.
			content = groups[0]
			if len(groups) > 1 && groups[1] != "" {
				content = groups[1]
			}
		}
		writeText(w, http.StatusOK, content)
	}
}

// ProcessMailboxHandler purges every message in the folder.
func ProcessMailboxHandler(store *accounts.Store, mailSvc *mail.Service, logs *CallLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		callerID, ok := CallerID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "API Key required")
			return
		}

		p := parseMailParams(r)
		creds := resolveAccount(w, store, p.Email)
		if creds == nil {
			return
		}

		result, err := mailSvc.PurgeMailbox(r.Context(), creds, mail.PurgeOptions{
			Folder: p.Mailbox,
			Proxy:  p.proxy(),
		})
		if err != nil {
			store.UpdateStatus(creds.AccountID, false, err.Error())
			logs.Record("process_mailbox", callerID, creds.AccountID, r, http.StatusInternalServerError, time.Since(start))
			writeError(w, http.StatusInternalServerError, "TOKEN_FAILED", err.Error())
			return
		}

		succeeded := result.Status == "success"
		errMsg := ""
		if !succeeded {
			errMsg = result.Message
		}
		store.UpdateStatus(creds.AccountID, succeeded, errMsg)
		logs.Record("process_mailbox", callerID, creds.AccountID, r, http.StatusOK, time.Since(start))
		writeMailData(w, creds.Address, result)
	}
}

// ListEmailsHandler returns every ACTIVE address in the system.
func ListEmailsHandler(store *accounts.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := store.ListActive()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		writeData(w, map[string]any{
			"total":  len(list),
			"emails": list,
		})
	}
}

// PoolStatsHandler returns per-caller pool usage counts.
func PoolStatsHandler(poolSvc *pool.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := CallerID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "API Key required")
			return
		}
		stats, err := poolSvc.Stats(callerID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		writeData(w, stats)
	}
}

// ResetPoolHandler releases every claim the caller holds.
func ResetPoolHandler(poolSvc *pool.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := CallerID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "API Key required")
			return
		}
		if err := poolSvc.Reset(callerID); err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		writeData(w, map[string]string{"message": "Pool reset successfully"})
	}
}

// PoolClaimsHandler returns every ACTIVE account flagged with the caller's
// usage, for pool curation.
func PoolClaimsHandler(poolSvc *pool.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := CallerID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "API Key required")
			return
		}
		usage, err := poolSvc.AccountsWithUsage(callerID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		writeData(w, map[string]any{"accounts": usage})
	}
}

// OverwriteClaimsHandler replaces the caller's claim set wholesale and
// returns the resulting claim list.
func OverwriteClaimsHandler(poolSvc *pool.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := CallerID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "API Key required")
			return
		}

		var body struct {
			AccountIDs []uint `json:"account_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "account_ids array required")
			return
		}

		if err := poolSvc.OverwriteClaims(callerID, body.AccountIDs); err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		claims, err := poolSvc.ListClaims(callerID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		writeData(w, map[string]any{"claims": claims})
	}
}

func resolveAccount(w http.ResponseWriter, store *accounts.Store, email string) *accounts.Credentials {
	if email == "" {
		writeError(w, http.StatusBadRequest, "EMAIL_REQUIRED", "email parameter is required")
		return nil
	}
	creds, err := store.FindByAddress(email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return nil
	}
	if creds == nil {
		writeError(w, http.StatusNotFound, "EMAIL_NOT_FOUND", "Email account not found")
		return nil
	}
	return creds
}
