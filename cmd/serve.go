package cmd

import (
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the search API over the existing index without crawling",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{
				Addr:              appInstance.Config().Server.Addr,
				Handler:           appInstance.Server(false).Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			return serveHTTP(ctx, srv, appInstance.Logger())
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	return cmd
}
