package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/voxgate/voxgate/pkg/core"
	"github.com/voxgate/voxgate/pkg/core/providers/gemini"
	"github.com/voxgate/voxgate/pkg/core/voice/stt"
	"github.com/voxgate/voxgate/pkg/gateway/bots"
	"github.com/voxgate/voxgate/pkg/gateway/config"
	"github.com/voxgate/voxgate/pkg/gateway/conversations"
	"github.com/voxgate/voxgate/pkg/gateway/lifecycle"
	"github.com/voxgate/voxgate/pkg/gateway/metrics"
	gatewayserver "github.com/voxgate/voxgate/pkg/gateway/server"
	"github.com/voxgate/voxgate/pkg/gateway/supervise"
	"github.com/voxgate/voxgate/pkg/gateway/tools"
	"github.com/voxgate/voxgate/pkg/store"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	openStore    func(context.Context, config.Config, *slog.Logger) (store.Store, error)
	newProvider  func(context.Context, config.Config) (core.Provider, error)
	newSTT       func(config.Config) stt.Provider
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig: config.LoadFromEnv,
		openStore:  openStore,
		newProvider: func(ctx context.Context, cfg config.Config) (core.Provider, error) {
			return gemini.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		},
		newSTT: func(cfg config.Config) stt.Provider {
			return stt.NewCartesia(cfg.CartesiaAPIKey)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// openStore picks Postgres when a database URL is configured, the
// in-memory store otherwise (dev mode; documents do not survive a
// restart).
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, conversations are in-memory only")
		return store.NewMemory(), nil
	}
	return store.NewPostgres(ctx, cfg.DatabaseURL)
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil || deps.openStore == nil || deps.newProvider == nil || deps.newSTT == nil {
		return errors.New("missing construction dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := deps.openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	provider, err := deps.newProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init model provider: %w", err)
	}

	botReg, err := bots.Load(cfg.BotsFile)
	if err != nil {
		return fmt.Errorf("load bots: %w", err)
	}

	m := metrics.New()
	lc := &lifecycle.Lifecycle{}
	registry := conversations.NewRegistry()
	reporter := &supervise.Reporter{
		DefaultURL: cfg.SupervisorReportURL,
		Logger:     logger,
		Timeout:    cfg.ReportTimeout,
		OnFailure:  m.ReportFailures.Inc,
	}
	searcher, err := tools.LoadKnowledge(cfg.KnowledgeFile)
	if err != nil {
		return fmt.Errorf("load knowledge base: %w", err)
	}
	toolReg := tools.NewRegistry(
		tools.NewScheduleAppointment(cfg.SchedulerBaseURL),
		tools.NewNavigateTo(),
		tools.NewKnowledgeSearch(searcher),
		tools.NewDispatchOrder(cfg.OrderEndpoint, nil, st),
	)

	gw := gatewayserver.New(gatewayserver.Deps{
		Config:    cfg,
		Logger:    logger,
		Bots:      botReg,
		Provider:  provider,
		STT:       deps.newSTT(cfg),
		Tools:     toolReg,
		Store:     st,
		Registry:  registry,
		Reporter:  reporter,
		Metrics:   m,
		Lifecycle: lc,
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway", "addr", cfg.Addr,
		"model", cfg.GeminiModel, "store", storeKind(cfg))

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	lc.SetDraining(true)
	closed := registry.CloseAll()
	logger.Info("closed live conversations", "count", closed)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if !registry.Wait(shutdownCtx) {
		logger.Warn("live conversations did not drain before grace period")
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func storeKind(cfg config.Config) string {
	if cfg.DatabaseURL == "" {
		return "memory"
	}
	return "postgres"
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	// A missing .env is fine; environment variables win either way.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("could not load .env", "error", err)
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voxgate: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
