package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/ambulance-dispatch/internal/config"
	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/hub"
	httpapi "github.com/example/ambulance-dispatch/internal/http"
	"github.com/example/ambulance-dispatch/internal/ingest"
	"github.com/example/ambulance-dispatch/internal/logging"
	"github.com/example/ambulance-dispatch/internal/matcher"
	"github.com/example/ambulance-dispatch/internal/payments"
	"github.com/example/ambulance-dispatch/internal/presence"
	"github.com/example/ambulance-dispatch/internal/storage"
	"github.com/example/ambulance-dispatch/internal/trip"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN)
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	var ambGeo, hospGeo geo.Index
	var reg presence.Registry
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		ambGeo = geo.NewRedisIndex(rc, cfg.AmbulanceGeoKey)
		hospGeo = geo.NewRedisIndex(rc, cfg.HospitalGeoKey)
		reg = presence.NewRedisRegistry(rc, cfg.LocationCacheTTL)
	} else {
		ambGeo = geo.NewMemoryIndex()
		hospGeo = geo.NewMemoryIndex()
		reg = presence.NewMemoryRegistry()
		logger.Warn("REDIS_ADDR not set, using in-memory geo index and presence")
	}

	var kp *ingest.KafkaProducer
	var producer hub.LocationProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		producer = kp
	}

	auth := &hub.JWTAuthorizer{Secret: []byte(cfg.JWTSecret)}
	h := hub.New(auth, reg, store, producer, logging.ForComponent(logger, "hub"))

	machine := &trip.Machine{
		Trips:      store,
		Ambulances: store,
		Geo:        ambGeo,
		Logger:     logging.ForComponent(logger, "statemachine"),
	}
	match := &matcher.Service{
		Ambulances: ambGeo,
		Hospitals:  hospGeo,
		Store:      store,
		Logger:     logging.ForComponent(logger, "matcher"),
	}

	var fares dispatch.FareProcessor
	if cfg.StripeAPIKey != "" {
		fares = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	orc := &dispatch.Orchestrator{
		Trips:         store,
		Matcher:       match,
		Machine:       machine,
		Hub:           h,
		Payments:      fares,
		Logger:        logging.ForComponent(logger, "orchestrator"),
		MatchLimit:    cfg.MatcherLimit,
		BaseFareCents: cfg.BaseFareCents,
	}

	srv := httpapi.NewServer(orc, h, store, ambGeo, kp, logging.ForComponent(logger, "http"))

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("dispatch engine listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if kp != nil {
		_ = kp.Close()
	}
}

// runMigrations applies the schema files when MIGRATE=true, matching
// the deploy flow where the API process owns its own schema.
func runMigrations(dsn string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("migration db open error: %v", err)
		return
	}
	defer db.Close()
	if b, err := os.ReadFile(filepath.Join("migrations", "001_create_dispatch.sql")); err == nil {
		if _, err := db.Exec(string(b)); err != nil {
			log.Printf("migration exec error: %v", err)
		} else {
			log.Printf("migration applied: 001_create_dispatch.sql")
		}
	}
}
