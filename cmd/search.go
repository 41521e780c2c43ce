package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

func newSearchCmd() *cobra.Command {
	var (
		limit  int
		domain string
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Runs one full-text query against the index and prints the hits as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			hits, err := appInstance.Index().Search(ctx, crawler.SearchQuery{
				Text:   strings.Join(args, " "),
				Domain: strings.ToLower(domain),
				Limit:  limit,
			})
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			if hits == nil {
				hits = []crawler.SearchHit{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			enc.SetEscapeHTML(false)
			if err := enc.Encode(hits); err != nil {
				return fmt.Errorf("write results: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of hits")
	cmd.Flags().StringVar(&domain, "domain", "", "restrict hits to one host")
	return cmd
}
