package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/databloom/snapllm/kvcache"
	"github.com/databloom/snapllm/weightcache"
)

var (
	ttl         time.Duration
	queryDomain *weightcache.Domain
)

var queryCmd = &cobra.Command{
	Use:   "query <name> <source-path> <content-tokens> <query-tokens>",
	Short: "Ingest content-tokens as a new K/V context, then immediately query it",
	Args:  cobra.ExactArgs(4),
	RunE: func(c *cobra.Command, args []string) error {
		content, err := parseTokens(args[2])
		if err != nil {
			return err
		}
		query, err := parseTokens(args[3])
		if err != nil {
			return err
		}
		co, err := newCoordinator()
		if err != nil {
			return err
		}
		defer co.Close()

		if _, err := co.LoadModel(args[0], args[1], false, *queryDomain); err != nil {
			return err
		}

		ctx := context.Background()
		stats, err := co.IngestContext(ctx, args[0], content, kvcache.IngestOpts{TTL: ttl})
		if err != nil {
			return err
		}
		fmt.Printf("ingested context_id=%s tier=%s cache_hit=%v\n", stats.ContextID, stats.Tier, stats.CacheHit)

		stream, err := co.QueryContext(ctx, args[0], stats.ContextID, query, kvcache.QueryOpts{})
		if err != nil {
			return err
		}
		fmt.Print("tokens:")
		for tok := range stream {
			fmt.Printf(" %d", tok)
		}
		fmt.Println()
		return nil
	},
}

func init() {
	queryCmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "context time-to-live")
	queryDomain = registerDomainFlag(queryCmd)
	rootCmd.AddCommand(queryCmd)
}
