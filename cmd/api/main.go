package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"

	"hourbank.org/internal/auth"
	"hourbank.org/internal/config"
	"hourbank.org/internal/httpapi"
	"hourbank.org/internal/ledger"
	"hourbank.org/internal/obs"
	"hourbank.org/internal/recon"
	pgstore "hourbank.org/internal/store/pg"
	"hourbank.org/internal/stream"
	"hourbank.org/internal/timesource"
)

var version = "0.3.0"

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()

	cfg, err := config.Load(os.Getenv("HOURBANK_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Леджер: PostgreSQL при заданном DSN, иначе in-memory для локальных
	// запусков.
	var (
		svc ledger.Service
		ts  timesource.Source
		db  *sql.DB
	)
	if cfg.Database.DSN != "" {
		store, err := pgstore.Open(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db = store.DB()
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		svc = store
		ts = pgstore.NewTimeSource(db)
	} else {
		log.Println("HOURBANK_PG_DSN is empty, using in-memory ledger")
		svc = ledger.NewInMemory(nil)
		ts = timesource.NewMemory()
	}

	var tokens *auth.Tokens
	if cfg.Auth.Secret != "" {
		tokens, err = auth.NewTokens(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			log.Fatalf("auth: %v", err)
		}
	} else {
		log.Println("HOURBANK_AUTH_SECRET is empty, trusting identity headers")
	}

	events := stream.New()
	engine := &recon.Engine{
		Ledger:    svc,
		Time:      ts,
		Threshold: cfg.Recon.DailyThresholdMinutes,
		Workers:   cfg.Recon.Workers,
		Stream:    events,
	}

	api := httpapi.New(httpapi.Options{
		Ledger:     svc,
		Engine:     engine,
		Tokens:     tokens,
		Stream:     events,
		ReadyProbe: httpapi.ReadyProbe{DB: db},
		Version:    version,
		RateBurst:  cfg.Server.RateLimitBurst,
		RatePerSec: cfg.Server.RateLimitPerSec,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	log.Printf("Starting hourbank-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
