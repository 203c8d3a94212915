package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/databloom/snapllm/weightcache"
)

var statsDomain *weightcache.Domain

var statsCmd = &cobra.Command{
	Use:   "stats <name> <source-path>",
	Short: "Load name and print the aggregate cache stats snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		co, err := newCoordinator()
		if err != nil {
			return err
		}
		defer co.Close()

		if _, err := co.LoadModel(args[0], args[1], false, *statsDomain); err != nil {
			return err
		}
		stats := co.PrintCacheStats()
		fmt.Printf("weight_cache: hits=%d misses=%d open=%d corruptions=%d\n",
			stats.WeightCache.Hits, stats.WeightCache.Misses, stats.WeightCache.Open, stats.WeightCache.Corruptions)
		fmt.Printf("kv_cache: hot=%d warm=%d cold=%d total_bytes=%d hits=%d misses=%d\n",
			stats.KVCache.HotContexts, stats.KVCache.WarmContexts, stats.KVCache.ColdContexts,
			stats.KVCache.TotalBytes, stats.KVCache.CacheHits, stats.KVCache.CacheMisses)
		fmt.Printf("prompt_cache: entries=%d bytes=%d\n", stats.PromptCache.Entries, stats.PromptCache.Bytes)
		return nil
	},
}

func init() {
	statsDomain = registerDomainFlag(statsCmd)
	rootCmd.AddCommand(statsCmd)
}
