// Command devbackend runs a local chat backend speaking the same REST and
// websocket protocol as production, for developing the session core offline.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/vera/client/internal/config"
	"github.com/zhouzirui/vera/client/internal/devbackend"
	"github.com/zhouzirui/vera/client/internal/observability/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.LoadDevBackend()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger := logging.WithComponent("devbackend.main")
	if envErr != nil {
		logger.Debug().Err(envErr).Msg("no .env file, using process environment only")
	}

	var store devbackend.Store
	if cfg.DatabaseURL != "" {
		pg, err := devbackend.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open database")
		}
		store = pg
		logger.Info().Msg("using PostgreSQL store")
	} else {
		store = devbackend.NewMemoryStore()
		logger.Info().Msg("DATABASE_URL not set, using in-memory store")
	}
	defer store.Close()

	cm, err := devbackend.NewChatModel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("provider", cfg.Provider).Msg("failed to create chat model")
	}
	gen, err := devbackend.NewGenerator(ctx, cm, "")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build reply chain")
	}
	logger.Info().Str("provider", cfg.Provider).Msg("reply generator ready")

	var opts []devbackend.Option
	speech, err := devbackend.NewSynthesizer(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create speech synthesizer")
	}
	if speech != nil {
		opts = append(opts, devbackend.WithSynthesizer(speech))
		logger.Info().Str("voice", cfg.OpenAI.Voice).Msg("replies will include synthesized audio")
	}

	srv := devbackend.NewServer(store, gen, devbackend.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL), cfg.HistorySize, opts...)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logger.Info().Str("addr", cfg.Server.Addr).Msg("dev backend listening")
	if err := runServer(ctx, httpSrv); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
