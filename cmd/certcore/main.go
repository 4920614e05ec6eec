package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/gacp-platform/certification-core/internal/audit"
	"github.com/gacp-platform/certification-core/internal/auth"
	"github.com/gacp-platform/certification-core/internal/certno"
	"github.com/gacp-platform/certification-core/internal/config"
	"github.com/gacp-platform/certification-core/internal/httpserver"
	"github.com/gacp-platform/certification-core/internal/scoring"
	"github.com/gacp-platform/certification-core/internal/store"
	"github.com/gacp-platform/certification-core/internal/sweeper"
	"github.com/gacp-platform/certification-core/internal/workflow"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.LoadFromEnv()

	// Database (optional; in-memory backends otherwise, dev only)
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("connected to postgres")
	} else {
		log.Println("no DATABASE_URL configured; running with in-memory stores (dev only)")
	}

	// CCP catalogue
	defs := scoring.DefaultDefinitions()
	if cfg.CCPDefinitionsFile != "" {
		var err error
		defs, err = scoring.LoadDefinitionsFile(cfg.CCPDefinitionsFile)
		if err != nil {
			log.Fatalf("failed to load CCP definitions: %v", err)
		}
		log.Printf("loaded %d CCP definitions from %s", len(defs), cfg.CCPDefinitionsFile)
	}

	// Backends: Postgres when configured, in-memory otherwise.
	var (
		apps       workflow.ApplicationStore
		sweepStore sweeper.Store
		ledger     audit.Ledger
		certs      certno.Generator
		pingers    []httpserver.Pinger
	)
	if db != nil {
		pgApps := store.NewPGStore(db)
		pgLedger := audit.NewPGLedger(db)
		apps, sweepStore, ledger = pgApps, pgApps, pgLedger
		certs = certno.NewPGGenerator(db, cfg.CertPrefix)
		pingers = append(pingers, pgApps, pgLedger)
	} else {
		memApps := store.NewMemoryStore()
		apps, sweepStore = memApps, memApps
		ledger = audit.NewMemoryLedger()
		certs = certno.NewMemoryGenerator(cfg.CertPrefix)
	}

	engine, err := workflow.NewEngine(apps, ledger, scoring.NewEngine(cfg.PassingThreshold, nil), certs, defs, workflow.Config{
		CorrectiveActionDays:    cfg.CorrectiveActionDays,
		CertificateValidityDays: cfg.CertValidityDays,
		RenewalWindowDays:       cfg.RenewalWindowDays,
	})
	if err != nil {
		log.Fatalf("failed to initialize workflow engine: %v", err)
	}

	// --- Audit streamer wiring (DB-first durable pipeline) ---
	var streamerCancel context.CancelFunc
	if db != nil && cfg.StreamingEnabled() {
		producer, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{
			Brokers:     cfg.KafkaBrokers,
			Topic:       cfg.KafkaTopic,
			MaxAttempts: 3,
		})
		if err != nil {
			log.Fatalf("failed to initialize kafka producer: %v", err)
		}
		log.Printf("kafka producer initialized (brokers=%v topic=%s)", cfg.KafkaBrokers, cfg.KafkaTopic)

		archiver, err := audit.NewS3Archiver(context.Background(), cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("failed to initialize s3 archiver: %v", err)
		}
		log.Printf("s3 archiver initialized (bucket=%s prefix=%s)", cfg.S3Bucket, cfg.S3Prefix)

		streamer := audit.NewStreamer(ledger.(*audit.PGLedger), producer, archiver, audit.StreamerConfig{})
		ctxStr, cancel := context.WithCancel(context.Background())
		streamerCancel = cancel
		go func() {
			if err := streamer.Run(ctxStr); err != nil && err != context.Canceled {
				log.Printf("[audit.streamer] exited with error: %v", err)
			}
		}()
		log.Println("audit streamer started")
	} else {
		log.Println("audit streamer not started: requires DATABASE_URL, KAFKA_BROKERS, KAFKA_TOPIC and S3_BUCKET")
	}

	// --- Deadline/expiry sweeper ---
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	sw := sweeper.New(engine, sweepStore, sweeper.Config{
		Interval: time.Duration(cfg.SweepIntervalSeconds) * time.Second,
	})
	go func() {
		if err := sw.Run(sweepCtx); err != nil && err != context.Canceled {
			log.Printf("[sweeper] exited with error: %v", err)
		}
	}()

	// HTTP server
	if cfg.JWTSecret == "" && !cfg.DevAllowLocal {
		log.Fatalf("JWT_SECRET not configured (set DEV_ALLOW_LOCAL=true for header auth in local dev)")
	}
	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.DevAllowLocal)
	server := httpserver.New(engine, apps, ledger, verifier, pingers...)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("starting certcore server on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}

	sweepCancel()
	if streamerCancel != nil {
		streamerCancel()
		// give the streamer a moment to drain in-flight work and close the producer
		time.Sleep(2 * time.Second)
	}
	if db != nil {
		_ = db.Close()
	}
	log.Println("server stopped")
}
