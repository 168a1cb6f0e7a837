package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/dispatch-coordinator/internal/auth"
	"github.com/example/dispatch-coordinator/internal/config"
	"github.com/example/dispatch-coordinator/internal/fleet"
	"github.com/example/dispatch-coordinator/internal/geo"
	httpapi "github.com/example/dispatch-coordinator/internal/http"
	"github.com/example/dispatch-coordinator/internal/ingest"
	"github.com/example/dispatch-coordinator/internal/logging"
	"github.com/example/dispatch-coordinator/internal/models"
	"github.com/example/dispatch-coordinator/internal/realtime"
	"github.com/example/dispatch-coordinator/internal/storage"
	"github.com/example/dispatch-coordinator/internal/trip"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	var trips storage.TripStore
	var units storage.UnitStore
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres", "error", err)
			os.Exit(1)
		}
		trips, units = pg, pg
	} else {
		mem := storage.NewMemoryStore()
		trips, units = mem, mem
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	var g geo.Geo
	if cfg.RedisAddr != "" {
		g = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		g = geo.NewIndex()
		logger.Warn("REDIS_ADDR not set, using in-memory geo index")
	}

	var kafka *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kafka = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
	}

	coord := fleet.NewCoordinator(units, g, logger)
	reg := realtime.NewRegistry()
	var machine *trip.Machine
	hub := realtime.NewHub(reg, func(subjectID string, role models.Role, topic string) bool {
		return httpapi.NewJoinAuthorizer(machine)(subjectID, role, topic)
	}, logger)
	broadcaster := realtime.NewBroadcaster(reg, hub, logger)
	machine = trip.NewMachine(trips, units, coord, trip.NewDuplicateGuard(cfg.DuplicateWindow), broadcaster, logger)

	jwtSvc := auth.NewJWT([]byte(cfg.JWTSecret))
	srv := httpapi.NewServer(cfg, logger, machine, units, g, kafka, hub, jwtSvc)

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
		logger.Info("dispatch-coordinator listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_core.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
