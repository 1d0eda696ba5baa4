package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/chatsync/internal/app"
	"github.com/alexjbarnes/chatsync/internal/config"
	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/mcpserver"
	"github.com/alexjbarnes/chatsync/internal/outbox"
	"github.com/alexjbarnes/chatsync/internal/server"
	"github.com/alexjbarnes/chatsync/internal/transcript"
)

var Version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Realtime chat client with connection recovery",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		newRunCmd(),
		newLoginCmd(),
		newLogoutCmd(),
		newSendCmd(),
		newTailCmd(),
		newStatusCmd(),
	)

	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the client daemon (outbox, transcript, MCP server)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
}

// setup loads configuration and builds the logger every command shares.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	return cfg, logging.NewLoggerWithLevel(cfg.Environment, cfg.LogLevel), nil
}

// open builds the runtime and registers its shutdown with the caller.
func open(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (*app.Runtime, func(), error) {
	rt, err := app.Open(ctx, cfg, reg, logger)
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := rt.Close(shutdownCtx); err != nil {
			logger.Warn("closing runtime", slog.String("error", err.Error()))
		}
	}

	return rt, closeFn, nil
}

func run(parent context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	logger.Info("chatsync starting",
		slog.String("version", Version),
		slog.String("channel", cfg.Channel),
		slog.Bool("outbox", cfg.OutboxDir != ""),
		slog.Bool("transcript", cfg.TranscriptPath != ""),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt, closeRuntime, err := open(ctx, cfg, reg, logger)
	if err != nil {
		return err
	}
	defer closeRuntime()

	if err := rt.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rt.SuspendDetector().Run(gctx)
		return nil
	})

	if cfg.OutboxDir != "" {
		w := outbox.NewWatcher(cfg.OutboxDir, rt.Core, rt.Online().Get, logger.With(slog.String("component", "outbox")))
		g.Go(func() error {
			return w.Watch(gctx)
		})
	}

	if cfg.TranscriptPath != "" {
		w := transcript.NewWriter(cfg.TranscriptPath, cfg.Channel, logger.With(slog.String("component", "transcript")))
		cancel := rt.List().Subscribe(w.Notify)
		defer cancel()

		w.Notify(rt.Messages())

		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, rt, reg, logger)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	logger.Info("chatsync stopped")

	return err
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, rt *app.Runtime, reg *prometheus.Registry, logger *slog.Logger) error {
	store, err := cfg.APIKeyStore()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chatsync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, rt.Core, mcpLogger)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Store:      store,
			MCPHandler: mcpHandler,
			Gatherer:   reg,
			Status:     rt.Status,
			Logger:     mcpLogger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("keys", store.Len()),
	)

	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
