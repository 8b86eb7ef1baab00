package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/phobologic/tryton-analyzer/internal/ctxlog"
	"github.com/phobologic/tryton-analyzer/internal/lsp"
)

// stdio joins the process streams into the connection the editor talks on.
type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error { return nil }

func (a *app) serveCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the language server on stdin and stdout",
		Long: `Run the language server over stdio. Modules are looked up on the configured
module paths and next to the module holding the working directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			ws, client, err := a.newWorkspace(a.modulePaths(wd))
			if err != nil {
				return err
			}
			defer client.Close()
			go func() {
				if err := client.Ping(ctx); err != nil {
					a.logger.Warn("introspection worker unavailable", "error", err)
				}
			}()

			if metricsAddr != "" {
				stop, err := serveMetrics(ctx, metricsAddr)
				if err != nil {
					return err
				}
				defer stop()
				a.logger.Info("serving metrics", "addr", metricsAddr)
			}

			srv := lsp.NewServer(ws, lsp.Options{
				CompletionLimit: a.cfg.CompletionLimit,
				Logger:          a.logger,
				Version:         version,
			})
			client.OnRestart(func() {
				a.logger.Warn("introspection worker restarted")
				srv.Rediagnose()
			})
			return srv.Serve(ctx, stdio{Reader: a.stdin, Writer: a.stdout})
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. localhost:9464)")
	return cmd
}

// serveMetrics exposes the default Prometheus registry on addr until the
// returned function is called.
func serveMetrics(ctx context.Context, addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctxlog.FromContext(ctx).Warn("metrics server stopped", "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}
