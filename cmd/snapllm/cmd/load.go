package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/databloom/snapllm/weightcache"
)

var (
	cacheOnly  bool
	loadDomain *weightcache.Domain
)

var loadCmd = &cobra.Command{
	Use:   "load <name> <source-path>",
	Short: "Quantize (if needed) and register a model under name",
	Args:  cobra.ExactArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		co, err := newCoordinator()
		if err != nil {
			return err
		}
		defer co.Close()

		if _, err := co.LoadModel(args[0], args[1], cacheOnly, *loadDomain); err != nil {
			return err
		}
		fmt.Printf("loaded %s from %s (domain=%s)\n", args[0], args[1], *loadDomain)
		return nil
	},
}

func init() {
	loadCmd.Flags().BoolVar(&cacheOnly, "cache-only", false, "fail instead of quantizing if no cached blob exists")
	loadDomain = registerDomainFlag(loadCmd)
	rootCmd.AddCommand(loadCmd)
}
