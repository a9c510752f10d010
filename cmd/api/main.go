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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/vera/client/internal/capability"
	"github.com/zhouzirui/vera/client/internal/config"
	"github.com/zhouzirui/vera/client/internal/events"
	"github.com/zhouzirui/vera/client/internal/handler"
	sessionHandler "github.com/zhouzirui/vera/client/internal/handler/session"
	voiceagentHandler "github.com/zhouzirui/vera/client/internal/handler/voiceagent"
	"github.com/zhouzirui/vera/client/internal/model/chat"
	"github.com/zhouzirui/vera/client/internal/observability/logging"
	"github.com/zhouzirui/vera/client/internal/observability/metrics"
	"github.com/zhouzirui/vera/client/internal/service/backend"
	"github.com/zhouzirui/vera/client/internal/service/calltimer"
	"github.com/zhouzirui/vera/client/internal/service/credentials"
	"github.com/zhouzirui/vera/client/internal/service/link"
	"github.com/zhouzirui/vera/client/internal/service/session"
	"github.com/zhouzirui/vera/client/internal/service/voiceagent"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger := logging.WithComponent("main")
	if envErr != nil {
		logger.Debug().Err(envErr).Msg("no .env file, using process environment only")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	api := backend.New(cfg.Backend.APIURL, &http.Client{Timeout: cfg.Backend.HistoryTimeout})
	provider := credentials.NewProvider(credentials.NewStore(cfg.Credentials.StorePath), api)
	if cfg.Credentials.Reset {
		if err := provider.Forget(); err != nil {
			logger.Warn().Err(err).Msg("failed to clear stored session")
		}
	}

	loginCtx, cancelLogin := context.WithTimeout(ctx, cfg.Backend.ConnectTimeout)
	sess, err := provider.Session(loginCtx, cfg.Credentials.ResearchID)
	cancelLogin()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to obtain a session; set VERA_RESEARCH_ID")
	}
	logger.Info().
		Str("researchId", sess.ResearchID).
		Str("conversationId", sess.ConversationID).
		Msg("session ready")

	linkOpts := link.DefaultOptions(cfg.Backend.WSURL)
	linkOpts.HandshakeTimeout = cfg.Backend.ConnectTimeout
	linkOpts.PingInterval = cfg.Backend.PingInterval
	linkOpts.PongWait = cfg.Backend.PongWait
	streamLink := link.New(linkOpts, m)
	defer streamLink.Close()

	publisher := events.New(events.Config{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		ClientID: cfg.Kafka.ClientID,
		Enabled:  cfg.Kafka.Enabled,
	}, m)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close transcript publisher")
		}
	}()

	var recognizer capability.Recognizer
	if cfg.Audio.ConsoleInput {
		recognizer = capability.NewLineRecognizer(os.Stdin, cfg.Audio.ListenSilence)
		logger.Info().Msg("console speech input enabled, one line per utterance")
	} else {
		logger.Info().Msg("speech capture unavailable on this host")
	}

	orchestrator := session.New(session.Config{
		Model:          cfg.Backend.Model,
		HistoryLimit:   cfg.Backend.HistoryLimit,
		HistoryTimeout: cfg.Backend.HistoryTimeout,
		ConnectTimeout: cfg.Backend.ConnectTimeout,
		Call: calltimer.Thresholds{
			Interval: cfg.Call.Interval,
			Warning:  cfg.Call.Warning,
			Limit:    cfg.Call.Limit,
		},
		RestartDelay: cfg.Call.RestartDelay,
	}, session.Deps{
		Transport:  streamLink,
		History:    api,
		Recognizer: recognizer,
		Player:     capability.NewCommandPlayer(cfg.Audio.PlayerCommand),
		Sinks:      []session.TranscriptSink{publisher},
		Metrics:    m,
	})

	deps := handler.RouterDeps{
		Session:        sessionHandler.New(orchestrator),
		Gatherer:       reg,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	if cfg.VoiceAgent.Enabled() {
		fetcher := voiceagent.NewClient(cfg.VoiceAgent.BaseURL, cfg.VoiceAgent.APIKey, &http.Client{Timeout: cfg.VoiceAgent.Timeout})
		syncer := voiceagent.NewSyncer(fetcher, api, m)
		deps.VoiceAgent = voiceagentHandler.New(syncer, orchestrator, func() chat.Session { return sess })
		logger.Info().Str("agentId", cfg.VoiceAgent.AgentID).Msg("voice-agent transcript sync enabled")
	}

	sessionDone := make(chan error, 1)
	go func() {
		sessionDone <- orchestrator.Run(ctx, sess)
	}()

	startServer(ctx, cfg.Server, handler.NewRouter(deps))
	stop()

	if err := <-sessionDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("session ended with error")
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("VERA session control API listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
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
