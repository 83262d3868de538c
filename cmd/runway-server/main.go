// Command runway-server runs the control plane for agent runs: the run
// queue and orchestrator, the per-run event stream, callback ingestion,
// session-worker lifecycle, reconcilers and the RBAC file gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"runway/internal/config"
	"runway/internal/domain/callback"
	"runway/internal/domain/chat"
	"runway/internal/domain/rbac"
	"runway/internal/domain/run"
	"runway/internal/domain/worker"
	"runway/internal/eventbus"
	"runway/internal/infra/docker"
	"runway/internal/infra/executor"
	"runway/internal/infra/fsbrowser"
	"runway/internal/infra/s3manifest"
	"runway/internal/infra/syncer"
	"runway/internal/observability"
	"runway/internal/provider"
	"runway/internal/server/app"
	serverHTTP "runway/internal/server/http"
	"runway/internal/shared/logging"
	"runway/internal/store/memory"
	"runway/internal/store/postgres"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "runway-server",
		Short:         "Control plane for agent runs",
		Long:          "runway-server queues agent runs durably, streams their events over SSE,\ningests provider callbacks, and manages per-session worker sandboxes.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a runway.yaml config file")
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "runway-server %s\n", version)
		},
	})
	return cmd
}

// stores bundles the persistence backends behind their ports.
type stores struct {
	queue     run.Queue
	callbacks callback.Store
	workers   worker.Store
	chats     chat.Store
	grants    rbac.GrantStore
	audit     rbac.AuditStore
	close     func()
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logging.Configure(logging.Config{Level: cfg.Log.Level, Service: cfg.Log.Service})
	logger := logging.NewComponentLogger("Main")
	logger.Info("starting runway-server %s (store=%s addr=%s)", version, cfg.Store.Backend, cfg.Server.Addr())

	obs, err := observability.New(cfg.Observability)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}

	st, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	if err := ensureSchemas(ctx, st); err != nil {
		return err
	}
	if err := seedGrants(ctx, cfg, st.grants, logger); err != nil {
		return err
	}

	bus, err := buildBus(cfg, logger)
	if err != nil {
		return err
	}

	// appCtx outlives individual requests and stops the claim and
	// reconcile loops on shutdown.
	appCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()

	providers := provider.NewRegistry(provider.NewScripted("scripted", provider.DefaultScript()))

	estimator := app.NewUsageEstimator()
	orchestrator := app.NewRunOrchestrator(st.queue, bus, st.callbacks, providers,
		app.WithOrchestratorObservability(obs),
		app.WithOrchestratorEstimator(estimator),
		app.WithOrchestratorOwnerID(cfg.Queue.OwnerID),
		app.WithOrchestratorLeaseConfig(cfg.Queue.LeaseTTL, 0),
		app.WithOrchestratorAdmissionLimit(cfg.Queue.MaxInFlight),
		app.WithOrchestratorClaimInterval(cfg.Queue.ClaimInterval),
		app.WithOrchestratorRetryDelay(cfg.Queue.RetryDelay),
	)
	orchestrator.StartClaimLoop(appCtx)

	ingestor := app.NewCallbackIngestor(st.callbacks, st.queue, bus,
		app.WithIngestorController(orchestrator),
		app.WithIngestorObservability(obs),
		app.WithIngestorEstimator(estimator),
		app.WithIngestorRetryDelay(cfg.Queue.RetryDelay),
	)

	lifecycle, dockerClient := buildLifecycle(ctx, cfg, st.workers, obs, logger)

	reconcilerOpts := []app.ReconcilerOption{
		app.WithReconcilerBus(bus),
		app.WithReconcilerObservability(obs),
		app.WithReconcilerDefaults(cfg.Reconcile.RetryDelay, cfg.Reconcile.SyncStaleAfter, cfg.Reconcile.HumanLoopTimeout, cfg.Reconcile.SweepLimit),
		app.WithReconcilerIntervals(cfg.Reconcile.ClaimsInterval, cfg.Reconcile.SyncsInterval, cfg.Reconcile.HumanLoopsInterval),
	}
	if lifecycle != nil {
		reconcilerOpts = append(reconcilerOpts,
			app.WithReconcilerLifecycle(lifecycle),
			app.WithReconcilerDocker(dockerClient),
		)
	}
	reconciler := app.NewReconciler(st.queue, st.callbacks, st.workers, reconcilerOpts...)
	if cfg.Reconcile.Enabled {
		reconciler.StartLoops(appCtx)
	}

	gateway, err := buildGateway(cfg, st.grants, st.audit)
	if err != nil {
		return err
	}

	health := app.NewHealthChecker()
	health.RegisterProbe(app.NewQueueProbe(st.queue))
	health.RegisterProbe(app.NewWorkerStoreProbe(st.workers))
	health.RegisterProbe(app.NewStreamProbe(bus))

	router := serverHTTP.NewRouter(serverHTTP.Deps{
		Orchestrator: orchestrator,
		Ingestor:     ingestor,
		Bus:          bus,
		Lifecycle:    lifecycle,
		Reconciler:   reconciler,
		Gateway:      gateway,
		Chats:        st.chats,
		Health:       health,
		Obs:          obs,
		CORSOrigins:  cfg.Server.CORSOrigins,
	})

	srv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// SSE streams stay open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		stopLoops()
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	case sig := <-quit:
		logger.Info("received %s, shutting down", sig)
	}

	stopLoops()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("observability shutdown: %v", err)
	}
	logger.Info("server stopped")
	return nil
}

// buildStores selects the persistence backend from the configuration.
func buildStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Store.Backend == config.StorePostgres {
		pool, err := postgres.Connect(ctx, cfg.Store.DatabaseURL, postgres.ConnectOptions{MaxConns: int32(cfg.Store.MaxConns)})
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return &stores{
			queue:     postgres.NewRunQueue(pool),
			callbacks: postgres.NewCallbackStore(pool),
			workers:   postgres.NewWorkerStore(pool),
			chats:     postgres.NewChatStore(pool),
			grants:    postgres.NewGrantStore(pool),
			audit:     postgres.NewAuditStore(pool),
			close:     pool.Close,
		}, nil
	}
	return &stores{
		queue:     memory.NewRunQueue(),
		callbacks: memory.NewCallbackStore(),
		workers:   memory.NewWorkerStore(),
		chats:     memory.NewChatStore(),
		grants:    memory.NewGrantStore(),
		audit:     memory.NewAuditStore(),
		close:     func() {},
	}, nil
}

func ensureSchemas(ctx context.Context, st *stores) error {
	for name, schema := range map[string]interface {
		EnsureSchema(context.Context) error
	}{
		"run_queue":       st.queue,
		"callbacks":       st.callbacks,
		"session_workers": st.workers,
		"chats":           st.chats,
		"rbac_grants":     st.grants,
		"file_audit":      st.audit,
	} {
		if err := schema.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema %s: %w", name, err)
		}
	}
	return nil
}

func seedGrants(ctx context.Context, cfg *config.Config, grants rbac.GrantStore, logger logging.Logger) error {
	seeded, err := rbac.LoadPolicyFile(cfg.Files.PolicyFile)
	if err != nil {
		return err
	}
	if len(seeded) == 0 {
		return nil
	}
	if err := rbac.SeedGrants(ctx, grants, seeded); err != nil {
		return err
	}
	logger.Info("seeded %d rbac grants from %s", len(seeded), cfg.Files.PolicyFile)
	return nil
}

func buildBus(cfg *config.Config, logger logging.Logger) (*eventbus.Bus, error) {
	opts := eventbus.Options{
		RingSize:         cfg.Bus.RingSize,
		SubscriberBuffer: cfg.Bus.SubscriberBuffer,
		RetentionGrace:   cfg.Bus.RetentionGrace,
		RetentionRuns:    cfg.Bus.RetentionRuns,
		Logger:           logging.NewComponentLogger("EventBus"),
	}
	if cfg.Bus.RedisURL != "" {
		spill, err := eventbus.NewRedisSpill(eventbus.RedisSpillConfig{
			URL: cfg.Bus.RedisURL,
			TTL: cfg.Bus.SpillTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("event spill: %w", err)
		}
		opts.Spill = spill
		logger.Info("event spill enabled (redis)")
	}
	return eventbus.New(opts), nil
}

// buildLifecycle wires the session-worker manager. A missing container
// runtime disables the worker endpoints instead of failing boot so the
// run pipeline still serves. The docker client is returned separately so
// the reconciler can probe container liveness.
func buildLifecycle(ctx context.Context, cfg *config.Config, workers worker.Store, obs *observability.Observability, logger logging.Logger) (*app.WorkerLifecycle, worker.DockerClient) {
	dockerClient, err := docker.New(docker.Options{
		DefaultImage: cfg.Docker.DefaultImage,
		Network:      cfg.Docker.Network,
		NamePrefix:   cfg.Docker.NamePrefix,
		Labels:       cfg.Docker.Labels,
	}, logging.NewComponentLogger("Docker"))
	if err != nil {
		logger.Warn("docker unavailable, session-worker lifecycle disabled: %v", err)
		return nil, nil
	}

	syncClient, err := syncer.New(syncer.Config{BaseURL: cfg.Sync.BaseURL, Timeout: cfg.Sync.Timeout}, logging.NewComponentLogger("Syncer"))
	if err != nil {
		logger.Warn("sync sidecar misconfigured, session-worker lifecycle disabled: %v", err)
		return nil, nil
	}
	execClient, err := executor.New(executor.Config{BaseURL: cfg.Executor.BaseURL, Timeout: cfg.Executor.Timeout}, logging.NewComponentLogger("Executor"))
	if err != nil {
		logger.Warn("executor misconfigured, session-worker lifecycle disabled: %v", err)
		return nil, nil
	}

	opts := []app.LifecycleOption{
		app.WithLifecycleObservability(obs),
		app.WithLifecycleImage(cfg.Docker.DefaultImage),
		app.WithLifecycleStopTimeout(cfg.Docker.StopTimeout),
	}
	if manifests, err := s3manifest.New(ctx, logging.NewComponentLogger("ManifestSource")); err != nil {
		logger.Warn("s3 manifest source unavailable, restore manifests disabled: %v", err)
	} else {
		opts = append(opts, app.WithLifecycleManifestSource(manifests))
	}

	return app.NewWorkerLifecycle(workers, dockerClient, syncClient, execClient, opts...), dockerClient
}

func buildGateway(cfg *config.Config, grants rbac.GrantStore, audit rbac.AuditStore) (*app.FileGateway, error) {
	browser, err := fsbrowser.New(cfg.Files.Root)
	if err != nil {
		return nil, fmt.Errorf("file root: %w", err)
	}
	return app.NewFileGateway(browser, rbac.NewGrantAuthorizer(grants), audit), nil
}
