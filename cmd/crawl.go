package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newCrawlCmd() *cobra.Command {
	var noServer bool
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs the crawl until the frontier is exhausted or it is stopped",
		Long: `Starts the scheduler and, unless --no-server is given, the operator HTTP
server exposing search, crawl status and a stop endpoint. SIGINT and SIGTERM
stop the crawl; in-flight pages finish before the process exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, noServer)
		},
	}
	cmd.Flags().Int("batch-size", 0, "URLs requested from the frontier per fill")
	cmd.Flags().Int("item-ceiling", 0, "stop after this many pages are stored (0 disables)")
	cmd.Flags().Duration("delay", 0, "base delay between requests to one host")
	cmd.Flags().StringSlice("allowed-domains", nil, "domain suffixes in scope")
	cmd.Flags().String("addr", "", "operator server listen address")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "do not start the operator HTTP server")
	return cmd
}

func runCrawl(cmd *cobra.Command, noServer bool) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := appInstance.Scheduler()
	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	g.Go(func() error {
		defer stopServer()
		if err := sched.Run(gctx); err != nil {
			return fmt.Errorf("run scheduler: %w", err)
		}
		return nil
	})
	if !noServer {
		srv := &http.Server{
			Addr:              appInstance.Config().Server.Addr,
			Handler:           appInstance.Server(true).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			return serveHTTP(serverCtx, srv, logger)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	st := sched.Stats()
	logger.Info("crawl command finished",
		zap.String("reason", st.StopReason),
		zap.Int("stored", st.Stored),
		zap.Int("fills", st.Fills),
	)
	return nil
}

// serveHTTP runs srv until ctx is done, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return fmt.Errorf("shutdown http server: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}
