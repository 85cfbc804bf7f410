package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgevideo/gateway/internal/cache/gormstore"
	"github.com/edgevideo/gateway/internal/gwconfig"
	"github.com/edgevideo/gateway/internal/scheduler"
	"github.com/edgevideo/gateway/internal/server"
	"github.com/edgevideo/gateway/internal/signer"
	"github.com/edgevideo/gateway/internal/upstream"
	"github.com/edgevideo/gateway/internal/version"
	"github.com/edgevideo/gateway/pkg/httpclient"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `Start the gateway HTTP server.

The server proxies requests against configured origins, resolving
transformation options and serving cached or freshly transformed media,
plus an admin API for inspecting and hot-reloading the active
configuration.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("cache-db", "gateway-cache.db", "Cache database file path (sqlite)")
	serveCmd.Flags().String("admin-token", "", "Bearer token required for the admin config API (empty disables it)")
	serveCmd.Flags().Int("max-retries", 2, "Maximum upstream retry attempts on a transform fetch failure")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("server.cacheDb", serveCmd.Flags().Lookup("cache-db"))
	mustBindPFlag("server.adminToken", serveCmd.Flags().Lookup("admin-token"))
	mustBindPFlag("server.maxRetries", serveCmd.Flags().Lookup("max-retries"))
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.Default()

	doc, err := loadDocument()
	if err != nil {
		return err
	}

	manager, err := gwconfig.NewManager(doc)
	if err != nil {
		return fmt.Errorf("compiling configuration: %w", err)
	}

	cacheStore, err := gormstore.OpenSQLite(viper.GetString("server.cacheDb"))
	if err != nil {
		return fmt.Errorf("opening cache store: %w", err)
	}

	httpConfig := httpclient.DefaultConfig()
	httpConfig.Logger = logger
	upstreamClient := httpclient.New(httpConfig)
	httpclient.DefaultRegistry.Register("upstream", upstreamClient)

	limits := upstream.NewLearnedLimits()
	fetcher := upstream.NewFetcher(upstreamClient, "", limits)

	directClient := upstreamClient.StandardClient()

	presignSigner := signer.New("", "s3")
	presignScheduler := scheduler.New(scheduler.WithLogger(logger))
	if err := presignScheduler.Start(context.Background()); err != nil {
		return fmt.Errorf("starting presign refresh scheduler: %w", err)
	}
	defer presignScheduler.Stop()
	presignCache := signer.NewPresignCache(cacheStore, presignSigner, presignScheduler, logger)

	deps := server.Dependencies{
		Manager:      manager,
		CacheStore:   cacheStore,
		PresignCache: presignCache,
		Fetcher:      fetcher,
		DirectClient: directClient,
		Limits:       limits,
		MaxRetries:   viper.GetInt("server.maxRetries"),
		Version:      version.Version,
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Host = viper.GetString("server.host")
	serverConfig.Port = viper.GetInt("server.port")
	serverConfig.AdminToken = viper.GetString("server.adminToken")

	srv := server.New(serverConfig, deps, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting gateway server",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("version", version.Version),
		slog.Bool("admin_api", serverConfig.AdminToken != ""),
	)

	return srv.ListenAndServe(ctx)
}
