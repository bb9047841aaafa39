// Package coordinator assembles the grid components from a Config and runs
// their background loops.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/koprogo/greengrid/internal/config"
	"github.com/koprogo/greengrid/pkg/api"
	"github.com/koprogo/greengrid/pkg/auth"
	"github.com/koprogo/greengrid/pkg/bandwidth"
	"github.com/koprogo/greengrid/pkg/cleanup"
	"github.com/koprogo/greengrid/pkg/events"
	"github.com/koprogo/greengrid/pkg/ledger"
	"github.com/koprogo/greengrid/pkg/logging"
	"github.com/koprogo/greengrid/pkg/metrics"
	"github.com/koprogo/greengrid/pkg/ratelimit"
	"github.com/koprogo/greengrid/pkg/registry"
	"github.com/koprogo/greengrid/pkg/scheduler"
	"github.com/koprogo/greengrid/pkg/store"
	"github.com/koprogo/greengrid/pkg/tracing"
)

// recorderBuffer is the event backlog the metrics recorder tolerates
const recorderBuffer = 1024

// Coordinator owns every component of a running grid
type Coordinator struct {
	Config      *config.Config
	Store       store.Store
	Bus         *events.Bus
	Registry    *registry.Registry
	Distributor *scheduler.Distributor
	Tasks       *scheduler.TaskManager
	Proofs      *ledger.ProofLedger
	Credits     *ledger.CreditLedger
	Sweeper     *scheduler.Sweeper
	Cleanup     *cleanup.CleanupManager
	Tokens      *auth.TokenManager
	Limiter     *ratelimit.Limiter
	Tracer      *tracing.Provider
	Metrics     *prometheus.Registry
	Bandwidth   *bandwidth.Monitor

	recorder *metrics.EventRecorder
	router   http.Handler
	logger   *logging.Logger
	cancel   context.CancelFunc
}

// New opens the store and wires the components described by cfg
func New(cfg *config.Config, logger *logging.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	st, err := store.NewStore(cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Type, err)
	}
	c, err := NewWithStore(cfg, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	return c, nil
}

// NewWithStore wires the components on top of an already opened store
func NewWithStore(cfg *config.Config, st store.Store, logger *logging.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	c := &Coordinator{
		Config:  cfg,
		Store:   st,
		Bus:     events.NewBus(),
		Metrics: prometheus.NewRegistry(),
		logger:  logger.WithField("component", "coordinator"),
	}

	c.Registry = registry.New(st, st, cfg.RegistryConfig(), logger)
	c.Distributor = scheduler.NewDistributor(c.Registry, st, scheduler.DistributorConfig{}, logger)
	c.Proofs = ledger.NewProofLedger(st, cfg.ProofConfig(), logger)
	credits, err := ledger.NewCreditLedger(st, st, cfg.CreditConfig(), logger)
	if err != nil {
		return nil, err
	}
	c.Credits = credits
	c.Tasks = scheduler.NewTaskManager(st, c.Distributor, c.Proofs, c.Credits, logger)
	c.Sweeper = scheduler.NewSweeper(c.Registry, c.Tasks, c.Distributor, c.Credits, cfg.SweeperConfig(), logger)

	c.Registry.SetEventPublisher(c.Bus)
	c.Distributor.SetEventPublisher(c.Bus)
	c.Tasks.SetEventPublisher(c.Bus)
	c.Proofs.SetEventPublisher(c.Bus)
	c.Credits.SetEventPublisher(c.Bus)

	var opts api.RouterOptions
	authn, err := c.buildAuth()
	if err != nil {
		return nil, err
	}
	if authn != nil {
		opts.Auth = authn
		c.Tokens = authn.Tokens
	}
	c.Cleanup = cleanup.NewCleanupManager(cfg.Cleanup, c.Registry, tokenStore(c.Tokens), logger)

	if cfg.RateLimit.Enabled {
		c.Limiter = ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		opts.NodeLimiter = c.Limiter
	}

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(cfg.Tracing, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to init tracing: %w", err)
		}
		c.Tracer = tp
		opts.Tracing = tp
	}

	if cfg.Metrics.Enabled {
		if err := c.buildMetrics(); err != nil {
			return nil, err
		}
		opts.Bandwidth = c.Bandwidth
		opts.Metrics = metrics.Handler(c.Metrics)
	}

	handler := api.NewGridHandler(api.Deps{
		Registry:    c.Registry,
		Distributor: c.Distributor,
		Tasks:       c.Tasks,
		Proofs:      c.Proofs,
		Credits:     c.Credits,
		Bus:         c.Bus,
		Tokens:      c.Tokens,
		Health:      func(r *http.Request) error { return st.HealthCheck(r.Context()) },
	}, logger)
	c.router = api.NewRouter(handler, opts)
	return c, nil
}

func (c *Coordinator) buildAuth() (*auth.Authenticator, error) {
	ac := c.Config.Auth
	if !ac.Enabled() {
		c.logger.Warn("API authentication disabled, no operator key configured")
		return nil, nil
	}
	keys := auth.NewAPIKeyManager()
	for _, k := range ac.APIKeys {
		if err := keys.AddHashed(k.Name, k.Hash); err != nil {
			return nil, fmt.Errorf("api key %q: %w", k.Name, err)
		}
	}
	if ac.BootstrapKey != "" {
		hash, err := auth.HashKey(ac.BootstrapKey)
		if err != nil {
			return nil, err
		}
		if err := keys.AddHashed("bootstrap", hash); err != nil {
			return nil, err
		}
	}
	c.logger.Info("API authentication enabled", logging.Fields{"keys": keys.Names()})
	return &auth.Authenticator{Keys: keys, Tokens: auth.NewTokenManager(ac.TokenTTL)}, nil
}

func (c *Coordinator) buildMetrics() error {
	c.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(metrics.Sources{
			Registry: c.Registry,
			Tasks:    c.Tasks,
			Proofs:   c.Proofs,
			Credits:  c.Credits,
		}, c.logger),
	)
	rec, err := metrics.NewEventRecorder(c.Metrics)
	if err != nil {
		return err
	}
	c.recorder = rec
	bw, err := bandwidth.NewMonitor(c.Metrics, api.RouteName)
	if err != nil {
		return err
	}
	c.Bandwidth = bw
	return nil
}

// tokenStore keeps a nil *TokenManager from becoming a non-nil interface
func tokenStore(tm *auth.TokenManager) cleanup.Tokens {
	if tm == nil {
		return nil
	}
	return tm
}

// Handler returns the HTTP handler serving the API
func (c *Coordinator) Handler() http.Handler {
	return c.router
}

// Start launches the sweeper, the cleanup pass, the limiter cleanup and
// the event recorder. They stop when ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.Sweeper.Start(ctx)
	c.Cleanup.Start(ctx)
	if c.Limiter != nil {
		c.Limiter.StartCleanup(ctx, c.Config.RateLimit.CleanupInterval, c.Config.RateLimit.MaxAge)
	}
	if c.recorder != nil {
		ch, unsubscribe := c.Bus.Subscribe(recorderBuffer)
		go func() {
			defer unsubscribe()
			c.recorder.Run(ctx, ch)
		}()
	}
	c.logger.Info("Coordinator started", logging.Fields{
		"store":         c.Config.Storage.Type,
		"proof_backend": c.Config.Storage.ProofBackend,
		"auth":          c.Tokens != nil,
		"rate_limit":    c.Limiter != nil,
		"tracing":       c.Tracer != nil,
		"metrics":       c.Config.Metrics.Enabled,
	})
}

// Stop halts the background loops, flushes traces and closes the store
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.Sweeper.Stop()
	c.Cleanup.Stop()

	var errs []error
	if c.Tracer != nil {
		if err := c.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}
	if err := c.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}
