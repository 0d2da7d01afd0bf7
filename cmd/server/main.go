package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/linkgate/linkgate/internal/api"
	"github.com/linkgate/linkgate/internal/classify"
	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/database"
	"github.com/linkgate/linkgate/internal/engine"
	"github.com/linkgate/linkgate/internal/event"
	"github.com/linkgate/linkgate/internal/signature"
	"github.com/linkgate/linkgate/internal/state"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	// .env is optional; explicit environment always wins.
	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Warn("could not load config file, using defaults")
		cfg = config.Default()
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			cfg.Server.Port = p
		}
	}

	setupLogging(cfg.Log)

	db, err := database.New(cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.WithError(err).Fatal("failed to run migrations")
	}
	if err := db.EnsureAdmin(cfg.Auth.AdminUsername, cfg.Auth.AdminPassword); err != nil {
		log.WithError(err).Fatal("failed to create admin user")
	}

	store, err := newStateStore(cfg.State)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize state store")
	}
	defer store.Close()

	classifier, err := classify.New(cfg.Classify)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize classifier")
	}

	signer := signature.New(cfg.Engine.SignatureSecret, cfg.Engine.SignatureTTL)

	eng := engine.New(cfg.Engine, engine.Options{
		Store:         store,
		Signer:        signer,
		BotThreshold:  cfg.Classify.BotScoreThreshold,
		DedupeHorizon: cfg.State.DedupeHorizon,
	})

	sinks := []event.Sink{db}
	notifier := event.NewNotifier(cfg.Webhooks)
	if notifier.Enabled() {
		sinks = append(sinks, notifier)
	}
	emitter := event.NewEmitter(1024, sinks...)
	defer emitter.Close()

	server := api.New(cfg, db, classifier, eng, signer, emitter)

	errChan := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.WithField("addr", addr).Info("linkgate starting")
		if err := server.Start(addr); err != nil {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("shutting down")
	case err := <-errChan:
		log.WithError(err).Error("server failed")
	}

	server.Shutdown()
	log.Info("server stopped")
}

func newStateStore(cfg config.StateConfig) (state.Store, error) {
	switch cfg.Backend {
	case "redis":
		return state.NewRedis(cfg)
	default:
		return state.NewMemory(), nil
	}
}

func setupLogging(cfg config.LogConfig) {
	if level, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
