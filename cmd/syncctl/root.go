package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/chatsync/internal/api"
	"github.com/hyperengineering/chatsync/internal/config"
	"github.com/hyperengineering/chatsync/pkg/chatsync"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	dbOverride string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "syncctl",
	Short:         "syncctl - offline sync client",
	Long:          "Run the chatsync background sync loop, or inspect and repair the local store and mutation outbox.",
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE:          run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbOverride, "db", "",
		"Local store path (overrides config and CHATSYNC_STORE_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

// run keeps the sync loop going until SIGINT or SIGTERM, serving the admin
// API when admin.listen is set.
func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(commandContext(cmd), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer := chatsync.NewLogger(cfg.Log)
	defer closer.Close()
	slog.SetDefault(logger)

	client, err := chatsync.New(ctx, cfg, chatsync.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		client.Close()
		return err
	}
	slog.Info("sync loop started", "version", Version)

	var srv *http.Server
	if cfg.Admin.Listen != "" {
		srv = &http.Server{
			Addr:              cfg.Admin.Listen,
			Handler:           api.NewRouter(api.NewHandler(client, cfg.Admin.APIKey, Version)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("admin server starting", "address", cfg.Admin.Listen)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				slog.Error("admin server error", "error", err)
				cancel()
			}
		}()
	}

	<-ctx.Done()
	slog.Info("shutdown initiated")

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout.Std())
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown error", "error", err)
		}
	}

	if err := client.Close(); err != nil {
		slog.Error("shutdown error", "error", err)
		return err
	}
	slog.Info("shutdown complete")
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dbOverride != "" {
		cfg.Store.Path = dbOverride
	}
	return cfg, nil
}

// openClient opens a client for a one-shot command. Logs go to stderr at
// warn level so they do not mix with command output.
func openClient(cmd *cobra.Command) (*chatsync.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Store.WatchSchema = false
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	return chatsync.New(commandContext(cmd), cfg, chatsync.WithLogger(logger))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
