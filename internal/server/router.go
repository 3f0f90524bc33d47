package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"github.com/nimbusmail/oauth-mail-gateway/internal/accounts"
	"github.com/nimbusmail/oauth-mail-gateway/internal/logging"
	"github.com/nimbusmail/oauth-mail-gateway/internal/mail"
	"github.com/nimbusmail/oauth-mail-gateway/internal/pool"
)

// Deps bundles the collaborators the router wires into handlers.
type Deps struct {
	DB       *gorm.DB
	Accounts *accounts.Store
	Mail     *mail.Service
	Pool     *pool.Service
}

// New builds the gateway router. The retrieval endpoints accept both GET
// (query parameters) and POST (JSON body).
func New(deps Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(logging.RequestIDMiddleware)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, map[string]string{"status": "ok"})
	})

	logs := NewCallLogger(deps.DB)

	r.Route("/api", func(r chi.Router) {
		r.Use(APIKeyAuth(deps.DB))

		r.HandleFunc("/get-email", GetEmailHandler(deps.Pool))
		r.HandleFunc("/mail_new", MailNewHandler(deps.Accounts, deps.Mail, logs))
		r.HandleFunc("/mail_all", MailAllHandler(deps.Accounts, deps.Mail, logs))
		r.HandleFunc("/mail_text", MailTextHandler(deps.Accounts, deps.Mail, logs))
		r.HandleFunc("/process-mailbox", ProcessMailboxHandler(deps.Accounts, deps.Mail, logs))
		r.HandleFunc("/list-emails", ListEmailsHandler(deps.Accounts))
		r.HandleFunc("/pool-stats", PoolStatsHandler(deps.Pool))
		r.HandleFunc("/reset-pool", ResetPoolHandler(deps.Pool))

		r.Get("/pool-claims", PoolClaimsHandler(deps.Pool))
		r.Put("/pool-claims", OverwriteClaimsHandler(deps.Pool))
	})

	return r
}
