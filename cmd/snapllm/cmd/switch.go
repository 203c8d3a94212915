package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/databloom/snapllm/weightcache"
)

var switchDomain *weightcache.Domain

var switchCmd = &cobra.Command{
	Use:   "switch <name> <source-path>",
	Short: "Load, register and switch the active model to name, timing the switch",
	Args:  cobra.ExactArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		co, err := newCoordinator()
		if err != nil {
			return err
		}
		defer co.Close()

		if _, err := co.LoadModel(args[0], args[1], false, *switchDomain); err != nil {
			return err
		}
		start := time.Now()
		if _, err := co.SwitchModel(args[0]); err != nil {
			return err
		}
		fmt.Printf("switched to %s in %s\n", args[0], time.Since(start))
		return nil
	},
}

func init() {
	switchDomain = registerDomainFlag(switchCmd)
	rootCmd.AddCommand(switchCmd)
}
