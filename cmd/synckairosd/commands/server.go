package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/apexphere/synckairos/db"
	"github.com/apexphere/synckairos/internal/audit"
	"github.com/apexphere/synckairos/internal/config"
	"github.com/apexphere/synckairos/internal/gateway"
	"github.com/apexphere/synckairos/internal/httpapi"
	"github.com/apexphere/synckairos/internal/kairoslog"
	"github.com/apexphere/synckairos/internal/ratelimit"
	"github.com/apexphere/synckairos/internal/statemgr"
	"github.com/apexphere/synckairos/internal/store"

	"go.uber.org/zap"
)

var serverConfigPath string

// ServerCmd starts the SyncKairos HTTP/WebSocket server.
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Start the SyncKairos server",
	Long:    `Launch the SyncKairos HTTP API and WebSocket fan-out gateway, backed by Redis for session state and SQLite for the audit log.`,
	RunE:    runServer,
}

func init() {
	ServerCmd.Flags().StringVar(&serverConfigPath, "config", "", "Path to a TOML config file (defaults to built-ins + SYNCKAIROS_* env vars)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serverConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := kairoslog.Initialize(cfg.Logging.JSONOutput, cfg.Logging.Level); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer kairoslog.Cleanup()
	log := kairoslog.Logger

	storeClient := store.New(store.Options{
		Addr:      cfg.Store.Addr,
		Password:  cfg.Store.Password,
		DB:        cfg.Store.DB,
		KeyPrefix: cfg.Store.KeyPrefix,
		TTL:       cfg.Store.TTL,
	})
	defer storeClient.Close()

	auditDB, err := db.OpenWithMigrations(cfg.Audit.DBPath, log)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer auditDB.Close()

	auditQueue := audit.NewQueue(storeClient.RawCmd(), audit.DefaultQueueKey)
	auditStore := audit.NewStore(auditDB)
	auditLedger := audit.NewLedger(storeClient.RawCmd())
	pool := audit.NewPool(auditQueue, auditStore, auditLedger, cfg.Audit.WorkerConcurrency, log)

	mgr := statemgr.New(storeClient, auditQueue, log)
	gw := gateway.New(mgr, log)
	gw.Start()

	httpapi.SetDevMode(cfg.Server.Environment == "development")

	limiter := ratelimit.New(storeClient.RawCmd(), "synckairos:ratelimit:session:", cfg.RateLimit.PerSessionPerSecond, time.Second)
	ipLimiter := ratelimit.New(storeClient.RawCmd(), "synckairos:ratelimit:ip:", cfg.RateLimit.PerIPPerMinute, time.Minute)
	api := httpapi.NewServer(mgr, storeClient, limiter, ipLimiter, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go pool.Run(ctx)

	go func() {
		if err := mgr.SubscribeToUpdates(ctx, gw.OnUpdate); err != nil && ctx.Err() == nil {
			log.Errorw("session update subscription ended", "error", err)
		}
	}()

	go sampleAuditQueueDepth(ctx, auditQueue, log)

	mux := http.NewServeMux()
	api.Routes(mux)
	mux.HandleFunc("/ws", gw.ServeHTTP)

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	if watcher, watchErr := config.NewWatcher(serverConfigPath, log); watchErr == nil && serverConfigPath != "" {
		watcher.OnReload(func(reloaded *config.Config) error {
			log.Infow("configuration reloaded", "path", serverConfigPath)
			return nil
		})
		watcher.Start()
		defer watcher.Stop()
	}

	printStartupBanner(cfg.Server.ListenAddr, cfg.Store.Addr, cfg.Audit.DBPath)

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			cancel()
			gw.Shutdown()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutCancel()
			shutdownDone <- httpServer.Shutdown(shutCtx)
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}

// sampleAuditQueueDepth periodically refreshes the audit_queue_depth
// gauge from the queue's actual length until ctx is cancelled.
func sampleAuditQueueDepth(ctx context.Context, queue *audit.Queue, log *zap.SugaredLogger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := queue.Len(ctx)
			if err != nil {
				if log != nil {
					log.Warnw("audit queue depth sample failed", "error", err)
				}
				continue
			}
			httpapi.AuditQueueDepth.Set(float64(depth))
		}
	}
}
