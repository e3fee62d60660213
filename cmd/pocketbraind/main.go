package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pocketbrain/pocketbrain/internal/approval"
	"github.com/pocketbrain/pocketbrain/internal/collab"
	"github.com/pocketbrain/pocketbrain/internal/config"
	"github.com/pocketbrain/pocketbrain/internal/engine"
	"github.com/pocketbrain/pocketbrain/internal/httpapi"
	"github.com/pocketbrain/pocketbrain/internal/logs"
	"github.com/pocketbrain/pocketbrain/internal/mcpserver"
	"github.com/pocketbrain/pocketbrain/internal/observability"
	"github.com/pocketbrain/pocketbrain/internal/proposal"
	"github.com/pocketbrain/pocketbrain/internal/registry"
	"github.com/pocketbrain/pocketbrain/internal/sandbox"
	"github.com/pocketbrain/pocketbrain/internal/secret"
	"github.com/pocketbrain/pocketbrain/internal/storage"
	"github.com/pocketbrain/pocketbrain/internal/swarm"
)

var (
	configFile string
	listen     string
	dataDir    string
	logLevel   string
	logToFile  bool

	version = "v0.1.0" // injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "pocketbraind",
		Short:   "pocketbrain - action governance daemon for a local assistant control plane",
		Version: version,
		RunE:    runDaemon,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "Listen address (default 127.0.0.1:8585)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.pocketbrain/data)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "Enable logging to a rotating file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the optional config file, environment
// variables (POCKETBRAIN_*), and command-line flags, in that order.
func loadConfig() (*config.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POCKETBRAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := config.Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if listen != "" {
		cfg.Listen = listen
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logToFile {
		cfg.Logging.EnableFile = true
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("POCKETBRAIN_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadOrCreateInstanceSecret keeps a random per-install sealing secret next
// to the data files so sealed config survives restarts.
func loadOrCreateInstanceSecret(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance.secret")
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return strings.TrimSpace(string(data)), nil
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", err
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	key := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		return "", err
	}
	return key, nil
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	zl, err := logs.SetupLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	logger := zl.Sugar()

	logger.Infow("starting pocketbraind",
		"version", version,
		"listen", cfg.Listen,
		"data_dir", cfg.DataDir,
		"workspace_dir", cfg.WorkspaceDir)

	store, err := storage.Open(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	workspace, err := sandbox.New(cfg.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	if cfg.SecretKey == "" {
		cfg.SecretKey, err = loadOrCreateInstanceSecret(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to init instance secret: %w", err)
		}
	}
	sealer, err := secret.NewSealer(cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("failed to init secret sealer: %w", err)
	}

	metrics := observability.NewMetrics(logger)
	reg := registry.New()
	recorder := collab.NewLogRecorder(logger)
	notifier := collab.NewLogNotifier(logger)
	chat := collab.NewHTTPChat(cfg.LLMBaseURL, cfg.ChatTimeout, logger)
	probe := collab.NewHTTPProbe()
	canvas := collab.NewCanvasStore(store.SaveCanvasItem, storage.NewID)

	mcp := mcpserver.NewService(store, reg, sealer, recorder, logger)
	if err := mcp.SyncRegistry(); err != nil {
		return fmt.Errorf("failed to restore mcp tool registrations: %w", err)
	}
	invoker := collab.NewHTTPMCPInvoker(func(serverID string) (string, error) {
		server, err := mcp.Get(serverID)
		if err != nil {
			return "", err
		}
		endpoint := server.Config["endpoint"]
		if endpoint == "" {
			return "", fmt.Errorf("server %s has no endpoint configured", serverID)
		}
		return endpoint, nil
	})

	proposals := proposal.NewManager(store, reg, logger, cfg.Retention)
	approvals := approval.NewGate(store, reg, chat, notifier, recorder, logger)
	eng := engine.NewEngine(store, reg, mcp, probe, invoker, canvas, recorder, workspace, metrics, logger, cfg.LLMBaseURL)
	swarmCoord := swarm.NewCoordinator(store, chat, recorder, metrics, logger, cfg.Swarm.MaxHelpers)

	api := httpapi.NewServer(cfg, store, reg, proposals, approvals, eng, mcp, swarmCoord, metrics, logger)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("HTTP API listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("graceful shutdown did not complete", "error", err)
	}
	logger.Info("pocketbraind stopped")
	return nil
}
