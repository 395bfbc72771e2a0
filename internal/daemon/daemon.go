package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/solvepad/solvepad/internal/api"
	"github.com/solvepad/solvepad/internal/domain"
	"github.com/solvepad/solvepad/internal/infra/assemble"
	"github.com/solvepad/solvepad/internal/infra/dispatch"
	"github.com/solvepad/solvepad/internal/infra/keypool"
	_ "github.com/solvepad/solvepad/internal/infra/metrics" // Register Prometheus metrics
	"github.com/solvepad/solvepad/internal/infra/progress"
	"github.com/solvepad/solvepad/internal/infra/provider"
	"github.com/solvepad/solvepad/internal/infra/runner"
	"github.com/solvepad/solvepad/internal/infra/sqlite"
	"github.com/solvepad/solvepad/internal/infra/tracker"
)

// pruneInterval is how often terminal tasks past retention are removed.
const pruneInterval = 6 * time.Hour

// Daemon is the solvepad runtime. It wires together all services.
type Daemon struct {
	Config     Config
	DB         *sqlite.DB
	Pool       *keypool.Pool
	Hub        *progress.Hub
	Tracker    *tracker.Tracker
	Dispatcher *dispatch.Dispatcher
	Server     *api.Server

	rootCtx context.Context
	cancel  context.CancelFunc
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	db, err := sqlite.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	hub := progress.NewHub()
	tr := tracker.New(db, hub, nil)
	if err := tr.Restore(); err != nil {
		db.Close()
		return nil, fmt.Errorf("restore tasks: %w", err)
	}

	pool := keypool.New(nil)
	adapters := make(map[domain.Provider]domain.ProviderAdapter)
	for _, p := range []struct {
		prov domain.Provider
		cfg  ProviderConfig
	}{
		{domain.ProviderPrimary, cfg.Providers.Primary},
		{domain.ProviderFallback, cfg.Providers.Fallback},
	} {
		keys := ProviderKeys(p.prov)
		if len(keys) == 0 {
			log.Printf("[daemon] no credentials for %s provider; it will not serve requests", p.prov)
			continue
		}
		pool.AddProvider(p.prov, p.cfg.RateProfile(), keys)
		adapter, err := buildAdapter(p.cfg, cfg.Dispatch.CallTimeout())
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("%s provider: %w", p.prov, err)
		}
		adapters[p.prov] = adapter
	}

	run := runner.New(runner.Config{
		WallClock:   time.Duration(cfg.Runner.WallClockSec) * time.Second,
		MemoryLimit: int64(cfg.Runner.MemoryLimitMB) << 20,
	})
	asm := assemble.NewPDF(cfg.Storage.DocsDir)

	rootCtx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		Config:  cfg,
		DB:      db,
		Pool:    pool,
		Hub:     hub,
		Tracker: tr,
		rootCtx: rootCtx,
		cancel:  cancel,
	}
	d.Dispatcher = dispatch.New(dispatch.Config{
		WorkerCap:   cfg.Dispatch.WorkerCap,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		CallTimeout: cfg.Dispatch.CallTimeout(),
	}, pool, adapters, run, tr, asm)

	srv := api.NewServer(rootCtx, tr, hub, pool, d.Dispatcher, db)
	if cfg.API.ConfirmThreshold > 0 {
		srv.SetConfirmThreshold(cfg.API.ConfirmThreshold)
	}
	if cfg.API.Metrics {
		srv.EnableMetrics()
	}
	d.Server = srv

	return d, nil
}

// buildAdapter constructs the wire adapter for one provider section.
func buildAdapter(p ProviderConfig, callTimeout time.Duration) (domain.ProviderAdapter, error) {
	switch p.Kind {
	case "openai":
		return provider.NewOpenAIAdapter(provider.OpenAIConfig{
			BaseURL:     p.BaseURL,
			Model:       p.Model,
			CallTimeout: callTimeout,
		}), nil
	case "anthropic":
		return provider.NewAnthropicAdapter(provider.AnthropicConfig{
			BaseURL:     p.BaseURL,
			Model:       p.Model,
			CallTimeout: callTimeout,
		}), nil
	case "mock":
		return provider.NewMockAdapter("mock"), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", p.Kind)
	}
}

// Serve starts the HTTP server and blocks until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	go d.pruneLoop(d.rootCtx)

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Long for streaming
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		case <-d.rootCtx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		d.cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = d.DB.Close()
	}()

	fmt.Printf("solvepad serving on http://%s\n", addr)
	if d.Config.API.Metrics {
		fmt.Printf("  Metrics: http://%s/metrics\n", addr)
	}

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// pruneLoop periodically removes terminal tasks past retention.
func (d *Daemon) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Tracker.Prune(); err != nil {
				log.Printf("[daemon] prune: %v", err)
			}
		}
	}
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}
