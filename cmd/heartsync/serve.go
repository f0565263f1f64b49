package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/heartsync/heartsync/internal/api"
	"github.com/heartsync/heartsync/internal/auth"
	"github.com/heartsync/heartsync/internal/device"
	"github.com/heartsync/heartsync/internal/discovery"
	"github.com/heartsync/heartsync/internal/feed"
	"github.com/heartsync/heartsync/internal/relationship"
	"github.com/heartsync/heartsync/internal/session"
	"github.com/heartsync/heartsync/internal/stream"
	"github.com/heartsync/heartsync/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and streaming gateway",
	Long: `Start the HeartSync service: the HTTP API, the realtime change feed,
the peripheral discovery manager, and the device stream client.

Shuts down gracefully on SIGINT/SIGTERM: the HTTP listener drains, the
stream disconnects (closing its live session), and connections are released.`,
	RunE: runServe,
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	return cfg, nil
}

// simulatedProber builds the demo network prober from config.
func simulatedProber(cfg *config.Config) *discovery.StaticProber {
	devices := make([]device.DiscoveredDevice, 0, len(cfg.Discovery.SimulatedDevices))
	for _, d := range cfg.Discovery.SimulatedDevices {
		devices = append(devices, device.DiscoveredDevice{ID: d.ID, Name: d.Name})
	}
	return &discovery.StaticProber{Devices: devices}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	publisher := feed.NewPublisher(rdb, logger)
	sessions := session.NewStore(db, publisher, logger)
	relationships := relationship.NewStore(db, publisher, logger)
	users := auth.NewUserStore(db, logger)
	authSvc := auth.NewService(users, auth.Config{
		Secret:   cfg.Auth.JWTSecret,
		TokenTTL: cfg.Auth.TokenTTL,
	}, logger)

	streamClient := stream.NewClient(stream.Config{
		DeviceURL:            cfg.Stream.DeviceURL,
		SampleInterval:       cfg.Stream.SampleInterval,
		Simulate:             cfg.Stream.Simulate,
		ReconnectBase:        cfg.Stream.ReconnectBase,
		ReconnectMax:         cfg.Stream.ReconnectMax,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
	}, sessions, logger)
	defer streamClient.Close()

	disc := discovery.NewManager(discovery.Config{
		ScanTimeout:  cfg.Discovery.ScanTimeout,
		NamePrefixes: cfg.Discovery.NamePrefixes,
	}, simulatedProber(cfg), logger)
	defer disc.Close()

	server := api.NewServer(api.Deps{
		Auth:          authSvc,
		Sessions:      sessions,
		Relationships: relationships,
		Discovery:     disc,
		Stream:        streamClient,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.ListenAddr).Info("HeartSync API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}

	// Disconnect closes the live session before the DB handle goes away.
	streamClient.Disconnect()
	return nil
}
