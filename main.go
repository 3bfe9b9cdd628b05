package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prappser/prappser_ingest/internal"
	"github.com/prappser/prappser_ingest/internal/client"
	"github.com/prappser/prappser_ingest/internal/media"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var (
	cfgFile string

	uploadToken    string
	uploadSettings string
	uploadDomain   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "prappser-ingest",
		Short:         "Chunked large-file ingestion server and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", internal.DefaultConfigPath, "path to the config file")

	rootCmd.AddCommand(newServeCmd(), newUploadCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func loadConfig() (*internal.Config, error) {
	config, err := internal.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	setupLogging(config.Log)
	return config, nil
}

func setupLogging(config internal.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if config.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := internal.NewDB(config.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	log.Info().Msg("Database initialized")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	service, err := internal.NewService(ctx, config, media.NewPostgresRepository(db.SQL()), db, registry)
	if err != nil {
		return err
	}
	service.Start(ctx)
	defer service.Close()

	server := internal.NewServer(config, service.Handler)
	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", config.Server.Addr).
			Str("version", config.Server.Version).
			Str("storage", string(config.Storage.Type)).
			Str("cache", config.Cache.Backend).
			Msg("Server listening")
		serveErr <- server.ListenAndServe(config.Server.Addr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Graceful shutdown did not finish")
	}
	return nil
}

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file to an ingest server",
		Long: `Upload a file, splitting it into chunks when it is larger than the
direct upload threshold.

Examples:
  # Upload with a token from the environment
  INGEST_TOKEN=... prappser-ingest upload ./recording.mp4

  # Make the file public and serve it from a custom domain
  prappser-ingest upload ./photo.jpg --token ... --settings '{"public":true,"maxWidth":1920}' --domain cdn.example.com`,
		Args: cobra.ExactArgs(1),
		RunE: runUpload,
	}
	cmd.Flags().StringVar(&uploadToken, "token", "", "session or access token (defaults to $INGEST_TOKEN)")
	cmd.Flags().StringVar(&uploadSettings, "settings", "", "processing settings as JSON")
	cmd.Flags().StringVar(&uploadDomain, "domain", "", "custom domain for the artifact URL")
	return cmd
}

func runUpload(cmd *cobra.Command, args []string) error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Client.Validate(); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}

	token := uploadToken
	if token == "" {
		token = os.Getenv("INGEST_TOKEN")
	}
	if token == "" {
		return errors.New("a token is required (--token or INGEST_TOKEN)")
	}

	file, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := client.NewScheduler(config.Client, client.NewHTTPTransport(config.Client.ServerURL, token, nil))
	started := time.Now()
	artifact, err := scheduler.Upload(ctx, client.File{
		Name:   filepath.Base(info.Name()),
		Size:   info.Size(),
		Reader: file,
	}, client.Options{
		Settings:     uploadSettings,
		CustomDomain: uploadDomain,
		Progress: func(percent int) {
			log.Info().Int("percent", percent).Msg("Upload progress")
		},
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("id", artifact.ID).
		Str("url", artifact.URL).
		Str("size", humanize.Bytes(uint64(artifact.Size))).
		Dur("elapsed", time.Since(started)).
		Msg("Upload complete")
	fmt.Fprintln(cmd.OutOrStdout(), artifact.URL)
	return nil
}
