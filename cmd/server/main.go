package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/duet-ai/duet-orchestrator/pkg/backpressure"
	"github.com/duet-ai/duet-orchestrator/pkg/config"
	"github.com/duet-ai/duet-orchestrator/pkg/engine"
	"github.com/duet-ai/duet-orchestrator/pkg/observability"
	"github.com/duet-ai/duet-orchestrator/pkg/orchestrator"
	"github.com/duet-ai/duet-orchestrator/pkg/session"
	"github.com/duet-ai/duet-orchestrator/pkg/storage"
	"github.com/duet-ai/duet-orchestrator/pkg/transport"
)

func main() {
	var bindAddr string

	root := &cobra.Command{
		Use:   "duet-server",
		Short: "Runs the conversational orchestrator's HTTP and websocket API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(bindAddr)
		},
	}
	root.Flags().StringVar(&bindAddr, "bind-addr", "", "override APP_BIND_ADDR from the environment")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(bindAddrOverride string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if bindAddrOverride != "" {
		cfg.BindAddr = bindAddrOverride
	}

	zapLogger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer zapLogger.Sync()
	logger := orchestrator.NewZapLogger(zapLogger)

	var persona *config.Persona
	if cfg.PersonaFile != "" {
		persona, err = config.LoadPersona(cfg.PersonaFile)
		if err != nil {
			return err
		}
		logger.Info("persona loaded", "id", persona.ID, "voice", persona.DefaultVoice)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	metrics.AnimationFPS.Set(float64(cfg.AnimationFPS))

	ctx := context.Background()
	store, err := storage.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	bp := backpressure.NewController(logger)

	sessions := session.NewManager(cfg.MaxConcurrentSessions, cfg.SessionIdleTimeout, bp)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.ObserveSessionEvent("idle_expired")
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		logger.Info("session expired", "sessionID", s.ID)
	})

	factory := engine.NewFactory(cfg)
	eng := engine.New(sessions, factory, metrics, store, cfg)
	eng.SetBackpressure(bp)
	eng.SetPersona(persona)

	var orch transport.Orchestrator = eng
	server := transport.New(sessions, orch, metrics, false)
	if persona != nil {
		server.SetConfigDefaults(func(c *session.Config) {
			if c.VoiceID == "" {
				c.VoiceID = persona.DefaultVoice
			}
			if c.Verbosity == 0 {
				c.Verbosity = persona.Verbosity
			}
		})
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: server.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)
	startBackpressureSampler(runCtx, bp, sessions, metrics, cfg)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
	return nil
}

// startBackpressureSampler recomputes the degradation ladder once a
// second from live session/latency signals, matching the production
// cadence the ladder's hysteresis (two consecutive clear samples to step
// down) assumes.
func startBackpressureSampler(ctx context.Context, bp *backpressure.Controller, sessions *session.Manager, metrics *observability.Metrics, cfg config.Config) {
	ticker := time.NewTicker(time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := metrics.SnapshotTurnStages()
				var ttfaP95 float64
				for _, s := range snap.Stages {
					if s.Stage == "first_token_to_first_audio" {
						ttfaP95 = s.P95MS
						break
					}
				}
				level := bp.Evaluate(backpressure.Metrics{
					TTFAP95Ms:      ttfaP95,
					ActiveSessions: sessions.ActiveCount(),
					MaxSessions:    cfg.MaxConcurrentSessions,
				})
				metrics.SetBackpressureLevel(int(level))
			}
		}
	}()
}
