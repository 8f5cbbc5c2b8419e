package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jamlink-dev/jamlink/pkg/auth"
	"github.com/jamlink-dev/jamlink/pkg/directory"
	"github.com/jamlink-dev/jamlink/pkg/live"
	"github.com/jamlink-dev/jamlink/pkg/middleware"
	"github.com/jamlink-dev/jamlink/pkg/registry"
	"github.com/jamlink-dev/jamlink/pkg/songstore"
)

func serveCmd() *cobra.Command {
	var (
		addr      string
		dev       bool
		usersFile string
		s3Bucket  string
		s3Prefix  string
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the synchronization server",
		Long: `Start the HTTP and WebSocket server. Users are loaded from a JSON
directory file; song sheets are stored in S3 when a bucket is given and
in memory otherwise.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			dir, err := loadDirectory(usersFile)
			if err != nil {
				return err
			}

			songs, err := newSongStore(cmd.Context(), s3Bucket, s3Prefix, logger)
			if err != nil {
				return err
			}

			authn := auth.New(dir, &auth.Config{AllowUnverified: dev}, logger)
			reg := registry.New(nil, logger)

			srv := live.NewServer(&live.Config{Address: addr}, authn, reg, songs, logger)
			srv.Coordinator().Use(middleware.Prometheus())
			srv.Coordinator().Use(middleware.OpenTelemetry())
			srv.SetMetricsHandler(promhttp.Handler())
			srv.SetLifecycleHooks(live.LifecycleHooks{
				OnConnect:          middleware.RecordConnect,
				OnDisconnect:       middleware.RecordDisconnect,
				OnSuspend:          middleware.RecordSuspend,
				OnResume:           middleware.RecordResume,
				OnTicketExpired:    middleware.RecordTicketExpired,
				OnHandshakeRefused: middleware.RecordHandshakeRefusal,
			})
			srv.Hub().SetOnDrop(func(_, _ string) {
				middleware.RecordDeliveryDrop()
			})

			if dev {
				logger.Warn("relaxed authentication enabled; identity claims are not session-verified")
			}

			err = srv.Run()
			if errors.Is(err, live.ErrServerClosed) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":4000", "listen address")
	cmd.Flags().BoolVar(&dev, "dev", false, "relaxed authentication for development")
	cmd.Flags().StringVar(&usersFile, "users", "", "JSON file with the user directory")
	cmd.Flags().StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket for song sheets (in-memory store when empty)")
	cmd.Flags().StringVar(&s3Prefix, "s3-prefix", "songs/", "S3 key prefix for song sheets")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// loadDirectory reads the user directory from a JSON file of the form
// [{"id": "...", "username": "...", "groupId": "..."}, ...].
func loadDirectory(path string) (*directory.MemoryDirectory, error) {
	dir := directory.NewMemoryDirectory()
	if path == "" {
		return dir, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	var users []directory.User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}
	for i := range users {
		dir.Add(users[i])
	}
	return dir, nil
}

func newSongStore(ctx context.Context, bucket, prefix string, logger *slog.Logger) (songstore.Store, error) {
	if bucket == "" {
		return songstore.NewMemoryStore(), nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return songstore.NewS3Store(s3.NewFromConfig(cfg), bucket, prefix, logger), nil
}
