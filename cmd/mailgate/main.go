package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/nimbusmail/oauth-mail-gateway/internal/accounts"
	"github.com/nimbusmail/oauth-mail-gateway/internal/cache"
	"github.com/nimbusmail/oauth-mail-gateway/internal/config"
	"github.com/nimbusmail/oauth-mail-gateway/internal/db"
	"github.com/nimbusmail/oauth-mail-gateway/internal/mail"
	"github.com/nimbusmail/oauth-mail-gateway/internal/mail/graph"
	"github.com/nimbusmail/oauth-mail-gateway/internal/mail/imapmail"
	"github.com/nimbusmail/oauth-mail-gateway/internal/mail/token"
	"github.com/nimbusmail/oauth-mail-gateway/internal/pool"
	"github.com/nimbusmail/oauth-mail-gateway/internal/secret"
	"github.com/nimbusmail/oauth-mail-gateway/internal/server"
	"github.com/nimbusmail/oauth-mail-gateway/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		log.Printf("mailgate %s", version.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Token cache: redis when configured, in-process otherwise.
	var store cache.Store
	if cfg.RedisAddr != "" {
		redisStore, err := cache.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		store = redisStore
		log.Printf("💾 Token cache: redis at %s", cfg.RedisAddr)
	} else {
		store = cache.NewMemoryStore()
		log.Printf("💾 Token cache: in-process memory")
	}

	codec, err := secret.NewCodec(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Invalid encryption key: %v", err)
	}

	accountStore := accounts.NewStore(database, codec)
	poolSvc := pool.NewService(database, codec)
	mailSvc := mail.NewService(
		token.NewManager(store, cfg.TokenURL),
		graph.NewClient(cfg.GraphBaseURL),
		imapmail.NewFetcher(cfg.IMAPAddr),
	)

	r := server.New(server.Deps{
		DB:       database,
		Accounts: accountStore,
		Mail:     mailSvc,
		Pool:     poolSvc,
	})

	log.Printf("🚀 mailgate %s starting on http://%s", version.Version, cfg.ListenAddr)
	log.Printf("📬 Mail API: http://%s/api", cfg.ListenAddr)

	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
