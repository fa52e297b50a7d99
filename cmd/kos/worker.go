package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/kos/internal/api"
	"github.com/kalambet/kos/internal/app"
	"github.com/kalambet/kos/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the outbox worker",
	Long: `Run the outbox worker until interrupted.

Examples:
  kos worker
  kos worker --agents chunk,extract --concurrency 8
  kos worker --once`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cmd.SetContext(ctx)
		return withApp(cmd, func(a *app.App) error {
			if err := a.EnsureEngine(ctx, os.Stderr); err != nil {
				return err
			}
			w, err := buildWorker(cmd, a)
			if err != nil {
				return err
			}
			defer w.Close()

			if once, _ := cmd.Flags().GetBool("once"); once {
				n, err := drainOutbox(ctx, w)
				if err != nil {
					return err
				}
				printSuccess("Processed %d events", n)
				return nil
			}

			printStep("worker started")
			w.Run(ctx)
			return nil
		})
	},
}

func init() {
	workerFlags(workerCmd)
	workerCmd.Flags().Bool("once", false, "drain due events and exit")
}

func workerFlags(cmd *cobra.Command) {
	cmd.Flags().DurationP("poll-interval", "i", 0, "poll interval when idle (default from config)")
	cmd.Flags().IntP("batch-size", "b", 0, "events claimed per poll (default from config)")
	cmd.Flags().Int("concurrency", 0, "events processed in parallel (default from config)")
	cmd.Flags().String("agents", "", "comma-separated agents to run (default all)")
}

func buildWorker(cmd *cobra.Command, a *app.App) (*worker.Worker, error) {
	poll, _ := cmd.Flags().GetDuration("poll-interval")
	batch, _ := cmd.Flags().GetInt("batch-size")
	conc, _ := cmd.Flags().GetInt("concurrency")
	names, _ := cmd.Flags().GetString("agents")

	return a.Worker(splitList(names), worker.Config{
		PollInterval: poll,
		BatchSize:    batch,
		Concurrency:  conc,
	})
}

// drainOutbox runs batches until one claims nothing.
func drainOutbox(ctx context.Context, w *worker.Worker) (int, error) {
	total := 0
	for {
		n, err := w.RunOnce(ctx)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
}

// --- serve ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return withApp(cmd, func(a *app.App) error {
			withWorker, _ := cmd.Flags().GetBool("with-worker")
			if withWorker {
				if err := a.EnsureEngine(ctx, os.Stderr); err != nil {
					return err
				}
				w, err := buildWorker(cmd, a)
				if err != nil {
					return err
				}
				defer w.Close()
				go w.Run(ctx)
			}
			if a.Config.Server.Token == "" {
				printWarning("server.token is empty, the API is unauthenticated")
			}
			return serveHTTP(ctx, a)
		})
	},
}

func init() {
	serveCmd.Flags().Bool("with-worker", false, "run the outbox worker in the same process")
	workerFlags(serveCmd)
}

func serveHTTP(ctx context.Context, a *app.App) error {
	addr := a.Config.Server.Addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(a.APIDeps()),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		printStep("kos listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		printStep("shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			return server.ServeStdio(api.NewMCPServer(a.APIDeps(), version))
		})
	},
}
