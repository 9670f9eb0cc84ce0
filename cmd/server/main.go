package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/pointing-poker/internal/api"
	"github.com/npezzotti/pointing-poker/internal/chat"
	"github.com/npezzotti/pointing-poker/internal/config"
	"github.com/npezzotti/pointing-poker/internal/database"
	"github.com/npezzotti/pointing-poker/internal/estimator"
	"github.com/npezzotti/pointing-poker/internal/guest"
	"github.com/npezzotti/pointing-poker/internal/logging"
	"github.com/npezzotti/pointing-poker/internal/server"
	"github.com/npezzotti/pointing-poker/internal/stats"
	"github.com/npezzotti/pointing-poker/internal/tracker"
	"github.com/spf13/pflag"
)

func main() {
	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		bootLogger := logging.New(os.Stderr, "error", "console")
		bootLogger.Fatal().Err(err).Msg("config")
	}

	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	dbConn, err := database.NewPgRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("db open")
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	if err := dbConn.Migrate(); err != nil {
		logger.Fatal().Err(err).Msg("db migrate")
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)

	guests, err := guest.NewIssuer(cfg.SigningKey, cfg.Guest.TokenTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("guest issuer")
	}

	deps := server.Dependencies{
		Repo:   dbConn,
		Guests: guests,
		Stats:  statsUpdater,
	}

	httpClient := &http.Client{Timeout: 2 * time.Minute}

	if cfg.TrackerEnabled() {
		deps.Tracker = tracker.NewJira(httpClient, cfg.Tracker.BaseURL, cfg.Tracker.Email, cfg.Tracker.APIToken, cfg.Tracker.StoryPointsField)
		logger.Info().Str("base_url", cfg.Tracker.BaseURL).Msg("issue tracker enabled")
	}

	var batcher *chat.Batcher
	if cfg.EstimatorEnabled() {
		est := estimator.NewOpenAI(httpClient, cfg.Estimator.BaseURL, cfg.Estimator.APIKey, cfg.Estimator.Model)
		deps.Estimator = est

		batcher = chat.NewBatcher(chatConfig(cfg), est, dbConn, statsUpdater, logger)
		deps.Chat = batcher
		logger.Info().Str("model", cfg.Estimator.Model).Msg("estimator enabled")
	}

	roomServer, err := server.NewRoomServer(logger, server.Options{
		IssueFreshness:   cfg.Rooms.IssueFreshness,
		IdleTimeout:      cfg.Rooms.IdleTimeout,
		TrackerTimeout:   cfg.Rooms.TrackerTimeout,
		EstimatorTimeout: cfg.Rooms.EstimatorTimeout,
	}, deps)
	if err != nil {
		logger.Fatal().Err(err).Msg("new room server")
	}

	srv := api.NewApp(mux, logger, roomServer, dbConn, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go roomServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server")
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}

	logger.Info().Msg("shutting down room server")
	if err := roomServer.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("room server shutdown")
	}

	if batcher != nil {
		batcher.Close()
	}

	logger.Info().Msg("shutdown complete")
}

// chatConfig posts chat replies under the same identity the copilot holds
// its seat with.
func chatConfig(cfg *config.Config) chat.Config {
	return chat.Config{
		BatchSize:       cfg.Chat.BatchSize,
		IdleWindow:      cfg.Chat.IdleWindow,
		ContextMessages: cfg.Chat.ContextMessages,
		Timeout:         cfg.Rooms.EstimatorTimeout,
		BotId:           server.BotIdentityId,
		BotName:         server.BotDisplayName,
	}
}
