// Package main wires together the publications scraper service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/maghrebdata/courtpubs/internal/api"
	"github.com/maghrebdata/courtpubs/internal/clock/system"
	"github.com/maghrebdata/courtpubs/internal/config"
	collyfetcher "github.com/maghrebdata/courtpubs/internal/fetcher/colly"
	"github.com/maghrebdata/courtpubs/internal/logging"
	"github.com/maghrebdata/courtpubs/internal/metrics"
	"github.com/maghrebdata/courtpubs/internal/normalize"
	"github.com/maghrebdata/courtpubs/internal/parser"
	"github.com/maghrebdata/courtpubs/internal/scrape"
	jsonstore "github.com/maghrebdata/courtpubs/internal/store/json"
	sqlitestore "github.com/maghrebdata/courtpubs/internal/store/sqlite"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	store, cleanup, err := buildStore(cfg, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer cleanup()

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: cfg.HTTP.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
		MaxRetries:    cfg.HTTP.MaxRetries,
		BackoffBase:   time.Duration(cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		BackoffMax:    time.Duration(cfg.HTTP.BackoffMaxMs) * time.Millisecond,
		MinDelay:      time.Duration(cfg.HTTP.MinDelayMs) * time.Millisecond,
	}, logger.Named("fetcher"))

	norm, err := normalize.New(cfg.Source.BaseURL, cfg.Source.Categories)
	if err != nil {
		logger.Fatal("normalizer init failed", zap.Error(err))
	}

	orch := scrape.NewOrchestrator(
		fetcher,
		parser.New(),
		norm,
		store,
		system.New(),
		scrape.Config{
			PublicationsURL: cfg.Source.PublicationsURL,
			FetchDetails:    cfg.Scraper.FetchDetails,
			DefaultMaxPages: cfg.Scraper.DefaultMaxPages,
		},
		logger.Named("scrape"),
	)

	apiServer := api.NewServer(orch, store, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// buildStore picks the corpus store per storage.provider.
func buildStore(cfg config.Config, logger *zap.Logger) (scrape.Store, func(), error) {
	switch cfg.Storage.Provider {
	case "sqlite":
		s, err := sqlitestore.New(sqlitestore.Config{Path: cfg.Storage.SQLitePath}, logger.Named("store"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("store close failed", zap.Error(err))
			}
		}, nil
	default:
		s, err := jsonstore.New(jsonstore.Config{
			DataDir:       cfg.Storage.DataDir,
			SourceWebsite: cfg.Source.BaseURL,
			Categories:    cfg.Source.Categories,
		}, logger.Named("store"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}
