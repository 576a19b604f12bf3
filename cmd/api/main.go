package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/voicefleet/agentdesk/backend/internal/config"
	"github.com/voicefleet/agentdesk/backend/internal/handler"
	"github.com/voicefleet/agentdesk/backend/internal/model/agent"
	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
	"github.com/voicefleet/agentdesk/backend/internal/observability/metrics"
	"github.com/voicefleet/agentdesk/backend/internal/service/ai"
	"github.com/voicefleet/agentdesk/backend/internal/service/audio"
	memory "github.com/voicefleet/agentdesk/backend/internal/service/conversation"
	"github.com/voicefleet/agentdesk/backend/internal/service/elevenlabs"
	"github.com/voicefleet/agentdesk/backend/internal/service/events"
	"github.com/voicefleet/agentdesk/backend/internal/service/orchestrator"
	"github.com/voicefleet/agentdesk/backend/internal/service/speech"
	"github.com/voicefleet/agentdesk/backend/internal/service/telephony"
	"github.com/voicefleet/agentdesk/backend/internal/service/telephony/sip"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if envErr != nil {
		log.Warn().Err(envErr).Msg("failed to load .env file, continuing with system environment variables only")
	}

	m := metrics.DefaultMetrics

	store, closeStore := newConversationStore(ctx, cfg.Memory)
	defer closeStore()
	go memory.RunJanitor(ctx, store, cfg.Memory.SessionTTL, time.Minute, logging.WithComponent("memory"))

	agents := agent.NewMemoryStore(agent.Seed())

	publisher := events.NewPublisher(events.Config{
		Brokers: cfg.Events.Brokers,
		Topic:   cfg.Events.Topic,
		Enabled: cfg.Events.Enabled,
	}, m)

	transcoder := audio.NewTranscoder(audio.Options{FFmpegPath: cfg.Audio.FFmpegPath, Metrics: m})

	recognizer, err := speech.NewRecognizerFromConfig(ctx, cfg.Speech, m)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize recognizer")
	}
	synthesizer, err := speech.NewSynthesizerFromConfig(ctx, cfg.Speech, m)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize synthesizer")
	}
	generator, err := ai.NewGeneratorFromConfig(ctx, cfg.AI)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize language model")
	}

	pipeline := orchestrator.NewPipeline(orchestrator.Deps{
		Transcoder:  transcoder,
		Recognizer:  recognizer,
		Generator:   generator,
		Synthesizer: synthesizer,
		Store:       store,
		Agents:      agents,
		Events:      publisher,
		Metrics:     m,
	}, orchestrator.Options{
		Language:         cfg.Speech.Language,
		SystemPrompt:     cfg.AI.SystemPrompt,
		MaxTokens:        maxTokens(cfg.AI),
		RecognizeTimeout: cfg.Speech.STTTimeout,
	})

	calls := telephony.NewManager(telephony.ManagerDeps{
		Recognizer: recognizer,
		Responder:  pipeline,
		Speaker:    synthesizer,
		Transcoder: transcoder,
		Store:      store,
		Events:     publisher,
		Metrics:    m,
	}, telephony.ManagerOptions{
		QueueSize:        cfg.Telephony.QueueSize,
		MaxCalls:         cfg.Telephony.MaxCalls,
		RecognizeTimeout: cfg.Speech.STTTimeout,
		Chunker:          telephony.DefaultChunkerConfig(),
	})

	if cfg.Telephony.SIPEnabled {
		sipServer, err := sip.Listen(sip.Config{
			ListenAddr: cfg.Telephony.ListenAddr,
			PublicIP:   cfg.Telephony.PublicIP,
			RTPPortMin: cfg.Telephony.RTPPortMin,
			RTPPortMax: cfg.Telephony.RTPPortMax,
			AckTimeout: cfg.Telephony.AckTimeout,
			AgentID:    agent.DefaultID,
			Registrar:  cfg.Telephony.RegistrarAddr,
			Username:   cfg.Telephony.Username,
			Password:   cfg.Telephony.Password,
		}, calls)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start sip listener")
		}
		defer sipServer.Close()
		go func() {
			if err := sipServer.Serve(ctx); err != nil {
				log.Error().Err(err).Msg("sip server stopped")
			}
		}()
		log.Info().Str("addr", sipServer.Addr().String()).Msg("sip listener ready")
	}

	provisioner := elevenlabs.NewClient(cfg.ElevenLabs, nil)

	router := handler.NewRouter(handler.Services{
		Turns:          pipeline,
		Store:          store,
		Agents:         agents,
		Provisioner:    provisioner,
		Catalog:        provisioner,
		Calls:          calls,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Backends: map[string]string{
			"stt": recognizer.Backend(),
			"llm": generator.Backend(),
			"tts": synthesizer.Backend(),
		},
	})

	startServer(ctx, cfg.Server, router)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := calls.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("calls did not drain before shutdown")
	}
	if err := publisher.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close event publisher")
	}
}

// newConversationStore picks Postgres when DATABASE_URL is set.
func newConversationStore(ctx context.Context, cfg config.MemoryConfig) (memory.Store, func()) {
	if cfg.DatabaseURL == "" {
		log.Info().Int("max_turns", cfg.MaxTurns).Msg("using in-memory conversation store")
		return memory.NewMemoryStore(cfg.MaxTurns), func() {}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	if err := memory.Migrate(ctx, pool); err != nil {
		pool.Close()
		log.Fatal().Err(err).Msg("failed to migrate conversation schema")
	}
	log.Info().Int("max_turns", cfg.MaxTurns).Msg("using postgres conversation store")
	return memory.NewPostgresStore(pool, cfg.MaxTurns), pool.Close
}

func maxTokens(cfg config.AIConfig) int {
	if cfg.MaxTokens != nil {
		return *cfg.MaxTokens
	}
	return 0
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("agentdesk backend listening")
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
