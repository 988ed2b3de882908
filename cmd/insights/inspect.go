package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/sslvsup/serviceup-insights/internal/app"
	"github.com/sslvsup/serviceup-insights/internal/models"
)

func inspectCMD(cfgPath *string) *cobra.Command {
	var (
		requestID int64
		pdfURL    string
	)
	c := &cobra.Command{
		Use:   "inspect",
		Short: "Print the stored invoice record for a request and PDF URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestID == 0 || pdfURL == "" {
				return errors.New("--request-id and --pdf-url are required")
			}
			return withApp(*cfgPath, func(ctx context.Context, a *app.App) error {
				rec, err := a.Invoices.Get(ctx, models.DocumentKey{RequestID: requestID, PDFURL: pdfURL})
				if err != nil {
					return err
				}
				return printJSON(cmd, rec)
			})
		},
	}
	c.Flags().Int64Var(&requestID, "request-id", 0, "source request id")
	c.Flags().StringVar(&pdfURL, "pdf-url", "", "invoice PDF URL")
	return c
}

func searchCMD(cfgPath *string) *cobra.Command {
	var (
		text    string
		fleetID int64
		limit   int
	)
	c := &cobra.Command{
		Use:   "search",
		Short: "List the invoice chunks nearest to a free-text query",
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" {
				return errors.New("--text is required")
			}
			return withApp(*cfgPath, func(ctx context.Context, a *app.App) error {
				vec, err := a.Embedder.Embed(ctx, text)
				if err != nil {
					return err
				}
				var fleet *int64
				if fleetID != 0 {
					fleet = &fleetID
				}
				matches, err := a.Embeddings.Search(ctx, vec, fleet, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, matches)
			})
		},
	}
	c.Flags().StringVar(&text, "text", "", "query text")
	c.Flags().Int64Var(&fleetID, "fleet", 0, "restrict to one fleet")
	c.Flags().IntVar(&limit, "limit", 10, "number of matches")
	return c
}
