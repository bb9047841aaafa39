package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/koprogo/greengrid/internal/coordinator"
	"github.com/koprogo/greengrid/pkg/logging"
	"github.com/koprogo/greengrid/pkg/shutdown"
)

// rotateCheckInterval is how often the log file size is checked
const rotateCheckInterval = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator API",
	Long: `Start the coordinator: HTTP API, periodic sweep (stale nodes, overdue
tasks, rebalancing, pending assignment, credit reconciliation) and the
offline node cleanup.

Example:
  gridd serve --addr :8080 --db-type sqlite --db /var/lib/greengrid/grid.db
  GRID_STORAGE_TYPE=postgres GRID_STORAGE_DSN=postgres://... gridd serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("addr", ":8080", "listen address")
	f.String("db-type", "sqlite", "store backend: memory, sqlite or postgres")
	f.String("db", "greengrid.db", "SQLite database path")
	f.String("dsn", "", "PostgreSQL connection string")
	f.String("proof-backend", "", "proof chain backend: empty for the main store, or leveldb")
	f.String("proof-path", "", "LevelDB directory for the proof chain")
	f.Bool("tls", false, "serve over TLS")
	f.String("cert", "", "TLS certificate file")
	f.String("key", "", "TLS key file")
	f.String("ca", "", "CA file for client certificate verification")
	f.Bool("mtls", false, "require client certificates")
	bindFlags(f, map[string]string{
		"addr":          "server.addr",
		"db-type":       "storage.type",
		"db":            "storage.path",
		"dsn":           "storage.dsn",
		"proof-backend": "storage.proof_backend",
		"proof-path":    "storage.proof_path",
		"tls":           "server.tls.enabled",
		"cert":          "server.tls.cert_file",
		"key":           "server.tls.key_file",
		"ca":            "server.tls.ca_file",
		"mtls":          "server.tls.require_client_cert",
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	if cfg.Storage.Type == "memory" {
		logger.Warn("Using in-memory store, data will not survive a restart")
	}

	c, err := coordinator.New(cfg, logger)
	if err != nil {
		logger.Error("Failed to start coordinator", logging.Fields{"error": err})
		return err
	}

	tlsConfig, err := cfg.Server.TLS.Server()
	if err != nil {
		_ = c.Stop(context.Background())
		return err
	}
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      c.Handler(),
		TLSConfig:    tlsConfig,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	c.Start(ctx)

	mgr := shutdown.New(cfg.Server.ShutdownTimeout, logger)
	mgr.Register("coordinator", c.Stop)
	mgr.Register("http", shutdown.StopHTTPServer(srv))

	if cfg.Logging.Dir != "" && cfg.Logging.MaxSizeMB > 0 {
		go rotateLogs(ctx, logger, cfg.Logging.MaxSizeMB<<20)
	}

	go func() {
		logger.Info("Coordinator listening", logging.Fields{
			"addr": cfg.Server.Addr,
			"tls":  tlsConfig != nil,
		})
		var err error
		if tlsConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", logging.Fields{"error": err})
			mgr.Trigger()
		}
	}()

	if err := mgr.WaitWithContext(ctx); err != nil {
		logger.Error("Shutdown completed with errors", logging.Fields{"error": err})
		return err
	}
	logger.Info("Coordinator stopped")
	return nil
}

func rotateLogs(ctx context.Context, logger *logging.Logger, maxSize int64) {
	ticker := time.NewTicker(rotateCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := logger.RotateIfNeeded(maxSize); err != nil {
				logger.Warn("Log rotation failed", logging.Fields{"error": err})
			}
		}
	}
}
