package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/whisperlink/internal/server"
)

type options struct {
	configPath string
	envFile    string
	host       string
	port       int
	debug      bool
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:           "whisperlink",
		Short:         "Real-time direct message relay over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded into the environment before config")
	flags.StringVar(&opts.host, "host", "0.0.0.0", "host to bind the server to")
	flags.IntVar(&opts.port, "port", 8000, "port to bind the server to")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging and the development encoder")

	return cmd
}

// resolveConfig layers command-line flags over the file and environment
// configuration. Flags only apply when set explicitly.
func resolveConfig(cmd *cobra.Command, opts options) (*server.Config, error) {
	flags := cmd.Flags()

	// The default dotenv file is optional; an explicit one must exist.
	if err := godotenv.Load(opts.envFile); err != nil && flags.Changed("env-file") {
		return nil, fmt.Errorf("load env file %s: %w", opts.envFile, err)
	}

	cfg, err := server.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	if flags.Changed("host") || flags.Changed("port") {
		cfg.Port = net.JoinHostPort(opts.host, strconv.Itoa(opts.port))
	}
	if opts.debug {
		cfg.Development = true
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *server.Config) error {
	log, err := server.NewLogger(cfg.LogLevel, cfg.Development)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, log)
	log.Info("starting WhisperLink relay",
		zap.String("addr", cfg.Port),
		zap.Strings("allowed_origins", cfg.AllowedOrigins),
		zap.Int("transcript_limit", cfg.TranscriptLimit))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", cfg.Port, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
