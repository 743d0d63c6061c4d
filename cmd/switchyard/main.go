package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jkoelker/switchyard/pkg/api"
	"github.com/jkoelker/switchyard/pkg/catalog"
	"github.com/jkoelker/switchyard/pkg/config"
	"github.com/jkoelker/switchyard/pkg/configmanager"
	"github.com/jkoelker/switchyard/pkg/connect"
	"github.com/jkoelker/switchyard/pkg/controlplane"
	"github.com/jkoelker/switchyard/pkg/gateway"
	"github.com/jkoelker/switchyard/pkg/oauth"
	"github.com/jkoelker/switchyard/pkg/permissions"
	"github.com/jkoelker/switchyard/pkg/state"
	"github.com/jkoelker/switchyard/pkg/upstream"
)

const (
	serverName      = "Switchyard"
	shutdownTimeout = 10 * time.Second
	readTimeout     = 10 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "switchyard: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	s, err := loadSettings(args)
	if err != nil {
		return err
	}

	version, buildTime, revision := getVersionInfo()

	if s.Version {
		fmt.Printf("%s MCP gateway %s\n", serverName, version)
		fmt.Printf("Build Date: %s\n", buildTime)
		fmt.Printf("Git Commit: %s\n", revision)

		return nil
	}

	logger, err := newLogger(s.LogLevel)
	if err != nil {
		return err
	}

	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tracker := state.NewTracker(logger, state.WithRegisterer(registry))
	perms := permissions.NewManager(logger)

	initialCatalog, err := catalog.Load(s.CatalogPath)
	if err != nil {
		return err
	}

	catalogs := catalog.NewManager(logger, initialCatalog)

	factory := connect.NewFactory(logger, factoryOptions(s, version)...)
	authorizer := oauth.NewHandler(logger, factory, oauth.NewTokenStore(s.TokenDir))

	upstreams := upstream.NewHandler(
		logger,
		factory,
		authorizer,
		catalogs,
		tracker,
		config.NewServerStore(s.ServersPath),
		upstream.WithConnectTimeout(s.ConnectTimeout),
	)

	gw := gateway.New(logger, serverName, version, upstreams, perms, tracker)

	initial, configErr := loadAppConfig(s.ConfigPath)
	if configErr != nil && !errors.Is(configErr, config.ErrInvalidSchema) {
		return configErr
	}

	configs, err := newConfigManager(ctx, logger, s.ConfigPath, initial, tracker, perms, gw)
	if err != nil {
		return err
	}

	controlPlane := controlplane.NewService(logger, configs)

	upstreams.RegisterPostChangeHook("gateway", gw.OnTargetServersChanged)

	go gw.Run(ctx)

	if err := upstreams.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize target servers: %w", err)
	}

	defer upstreams.Shutdown(context.WithoutCancel(ctx))

	if configErr != nil {
		logger.Error("invalid configuration file, using the default configuration", zap.Error(configErr))
		tracker.SetConfigError(configErr.Error())
	}

	if err := gw.Sync(ctx); err != nil {
		logger.Warn("failed to publish every target server", zap.Error(err))
	}

	if s.Watch {
		watcher, err := startConfigWatcher(ctx, logger, s.ConfigPath, controlPlane)
		if err != nil {
			logger.Warn("failed to start config watcher", zap.Error(err))
		} else {
			defer watcher.Close() //nolint:errcheck
		}
	}

	apiOpts := []api.Option{api.WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))}
	if s.CallbackURL != "" {
		apiOpts = append(apiOpts, api.WithCallbackURL(s.CallbackURL))
	}

	controlAPI := api.NewServer(logger, controlPlane, upstreams, catalogs, tracker, apiOpts...)

	router := chi.NewRouter()
	router.Handle("/mcp", server.NewStreamableHTTPServer(gw.Server(),
		server.WithHTTPContextFunc(gateway.HTTPContextFunc),
	))
	router.Mount("/", controlAPI.Handler())

	httpServer := &http.Server{
		Addr:              s.Listen,
		Handler:           router,
		ReadHeaderTimeout: readTimeout,
	}

	if s.Stdio {
		return serveStdio(ctx, logger, httpServer, gw, s.ConsumerTag)
	}

	return serveHTTP(ctx, logger, httpServer)
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return logger, nil
}

// loadAppConfig reads the configuration file. A missing file is the
// default configuration, as is a malformed one, which is also returned as
// the error.
func loadAppConfig(path string) (config.Config, error) {
	cfg, err := config.LoadAppConfig(path)

	switch {
	case err == nil:
		return cfg, nil
	case errors.Is(err, config.ErrConfigNotFound):
		return config.DefaultConfig(), nil
	case errors.Is(err, config.ErrInvalidSchema):
		return config.DefaultConfig(), err
	default:
		return config.Config{}, err
	}
}

// newConfigManager commits initial to the tracker and every consumer. Every
// later commit is written back to path.
func newConfigManager(
	ctx context.Context,
	logger *zap.Logger,
	path string,
	initial config.Config,
	tracker *state.Tracker,
	consumers ...configmanager.Consumer[config.Config],
) (*configmanager.Manager[config.Config], error) {
	var (
		configs *configmanager.Manager[config.Config]
		persist atomic.Bool
	)

	configs = configmanager.New(initial, logger,
		configmanager.WithPostCommitHook(func(_ context.Context, cfg config.Config) error {
			tracker.RecordConfigVersion(configs.Version())

			if !persist.Load() {
				return nil
			}

			return config.SaveAppConfig(path, cfg)
		}),
	)

	for _, consumer := range append(consumers, tracker) {
		if err := configs.RegisterConsumer(consumer); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", consumer.Name(), err)
		}
	}

	if err := configs.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("failed to apply configuration: %w", err)
	}

	persist.Store(true)

	return configs, nil
}

func factoryOptions(s settings, version string) []connect.Option {
	opts := []connect.Option{
		connect.WithClientInfo(serverName, version),
		connect.WithAutoIsolation(s.Isolate),
	}

	if s.Runtime != "" {
		opts = append(opts, connect.WithContainerRuntime(s.Runtime))
	}

	return opts
}

func startConfigWatcher(
	ctx context.Context,
	logger *zap.Logger,
	path string,
	replacer configReplacer,
) (*config.Watcher, error) {
	watcher, err := config.NewWatcher(path, logger)
	if err != nil {
		return nil, err
	}

	watcher.OnChange(applyConfigFile(ctx, logger.Named("config-reload"), replacer))

	if err := watcher.Start(ctx); err != nil {
		_ = watcher.Close()

		return nil, err
	}

	logger.Info("watching configuration file", zap.String("path", path))

	return watcher, nil
}

func serveHTTP(ctx context.Context, logger *zap.Logger, httpServer *http.Server) error {
	errCh := make(chan error, 1)

	go func() {
		logger.Info("serving", zap.String("address", httpServer.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}

		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}

	return nil
}

// serveStdio serves the MCP endpoint over stdio while the control plane
// keeps listening for OAuth callbacks and edits.
func serveStdio(
	ctx context.Context,
	logger *zap.Logger,
	httpServer *http.Server,
	gw *gateway.Gateway,
	consumerTag string,
) error {
	go func() {
		if err := serveHTTP(ctx, logger, httpServer); err != nil {
			logger.Error("control plane stopped", zap.Error(err))
		}
	}()

	logger.Info("serving MCP over stdio")

	err := server.ServeStdio(gw.Server(), server.WithStdioContextFunc(func(ctx context.Context) context.Context {
		return gateway.WithConsumerTag(ctx, consumerTag)
	}))
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio server failed: %w", err)
	}

	return nil
}

// getVersionInfo returns version information from runtime/debug.BuildInfo.
// Returns version, build time, and revision.
func getVersionInfo() (string, string, string) {
	version := "dev"
	buildTime := "unknown"
	revision := "unknown"

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version, buildTime, revision
	}

	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			const shortHashLength = 12
			if len(setting.Value) > shortHashLength {
				revision = setting.Value[:shortHashLength]
			} else {
				revision = setting.Value
			}
		case "vcs.time":
			buildTime = setting.Value
		}
	}

	return version, buildTime, revision
}
