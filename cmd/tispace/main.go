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

	"github.com/tispace-dev/tispace/pkg/admission"
	"github.com/tispace-dev/tispace/pkg/api"
	"github.com/tispace-dev/tispace/pkg/auth"
	"github.com/tispace-dev/tispace/pkg/backend/k8s"
	lxdbackend "github.com/tispace-dev/tispace/pkg/backend/lxd"
	"github.com/tispace-dev/tispace/pkg/collector"
	"github.com/tispace-dev/tispace/pkg/config"
	"github.com/tispace-dev/tispace/pkg/log"
	"github.com/tispace-dev/tispace/pkg/reconciler"
	"github.com/tispace-dev/tispace/pkg/scheduler"
	"github.com/tispace-dev/tispace/pkg/secrets"
	"github.com/tispace-dev/tispace/pkg/store"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "tispace",
	Short:   "TiSpace multi-tenant development-instance control plane",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("tispace version %s\ncommit: %s\n", Version, Commit))
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the TiSpace control plane: admission API, scheduler, collector, and both reconcilers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("kubeconfig", "", "Path to a kubeconfig file; empty uses in-cluster config")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	st, err := store.Load(cfg.StateFilePath)
	if err != nil {
		return fmt.Errorf("loading state file: %w", err)
	}

	var secretsManager *secrets.Manager
	if cfg.SecretsEncryptionKey != "" {
		secretsManager, err = secrets.NewManagerFromBase64(cfg.SecretsEncryptionKey)
		if err != nil {
			return fmt.Errorf("initializing secrets manager: %w", err)
		}
	} else {
		logger.Warn().Msg("TISPACE_SECRETS_KEY not set, instance passwords will be stored in plaintext")
	}

	var verifier *auth.Verifier
	if cfg.OIDCIssuerURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		verifier, err = auth.NewVerifier(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
		cancel()
		if err != nil {
			return fmt.Errorf("initializing OIDC verifier: %w", err)
		}
	} else {
		logger.Warn().Msg("OIDC_ISSUER_URL not set, the API will reject every authenticated request")
	}

	kubeconfigPath, _ := cmd.Flags().GetString("kubeconfig")
	k8sClient, err := k8s.NewClient(kubeconfigPath, cfg.StorageClassName, cfg.DefaultRootfsImageTag)
	if err != nil {
		logger.Warn().Err(err).Msg("K8s backend unavailable, kata/runc instances will not be reconciled")
	}

	var lxdClient *lxdbackend.Client
	if cfg.LXDServerURL != "" {
		lxdClient, err = lxdbackend.NewClient(cfg.LXDServerURL, cfg.LXDProject, cfg.LXDImageServerURL, cfg.LXDStoragePoolDriver, cfg.ExternalIPPrefixLength, cfg.LXDClientCert, "")
		if err != nil {
			logger.Warn().Err(err).Msg("LXD backend unavailable, lxc/kvm instances will not be reconciled")
		}
	} else {
		logger.Warn().Msg("LXD_SERVER_URL not set, lxc/kvm instances will not be reconciled")
	}

	// collector.New takes two narrow interfaces; a nil *k8s.Client/*lxdbackend.Client
	// passed directly would wrap a non-nil interface around a nil pointer, so a
	// missing backend is passed as a literal nil instead.
	var coll *collector.Collector
	switch {
	case k8sClient != nil && lxdClient != nil:
		coll = collector.New(st, k8sClient, lxdClient, cfg.CPUOvercommitFactor, cfg.MemoryOvercommitFactor)
	case k8sClient != nil:
		coll = collector.New(st, k8sClient, nil, cfg.CPUOvercommitFactor, cfg.MemoryOvercommitFactor)
	case lxdClient != nil:
		coll = collector.New(st, nil, lxdClient, cfg.CPUOvercommitFactor, cfg.MemoryOvercommitFactor)
	default:
		coll = collector.New(st, nil, nil, cfg.CPUOvercommitFactor, cfg.MemoryOvercommitFactor)
	}
	coll.Start()
	logger.Info().Msg("collector started")

	ipPool, err := cfg.ExternalIPPool()
	if err != nil {
		return fmt.Errorf("parsing external IP pool: %w", err)
	}
	sched := scheduler.New(st, ipPool, cfg.PlacementTimeout)
	sched.Start()
	logger.Info().Msg("scheduler started")

	var k8sRecon *reconciler.K8sReconciler
	if k8sClient != nil {
		poolMapping, err := cfg.LXDStoragePoolMapping()
		if err != nil {
			return fmt.Errorf("parsing LXD storage pool mapping: %w", err)
		}
		mapVG := func(volumeGroup string) (string, bool) {
			pool, ok := poolMapping[volumeGroup]
			return pool, ok
		}
		k8sRecon = reconciler.NewK8sReconciler(st, k8sClient, mapVG, secretsManager)
		k8sRecon.Start()
		logger.Info().Msg("k8s reconciler started")
	}

	var lxdRecon *reconciler.LXDReconciler
	if lxdClient != nil {
		lxdRecon = reconciler.NewLXDReconciler(st, lxdClient, cfg.ExternalIPPrefixLength, secretsManager)
		lxdRecon.Start()
		logger.Info().Msg("lxd reconciler started")
	}

	adm := admission.New(st, secretsManager)
	apiServer := api.NewServer(adm, verifier)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: apiServer,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr()).Msg("api server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api server shutdown error")
	}

	sched.Stop()
	coll.Stop()
	if k8sRecon != nil {
		k8sRecon.Stop()
	}
	if lxdRecon != nil {
		lxdRecon.Stop()
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
