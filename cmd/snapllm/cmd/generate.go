package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/databloom/snapllm/weightcache"
)

var (
	maxTokens      int
	generateDomain *weightcache.Domain
)

var generateCmd = &cobra.Command{
	Use:   "generate <name> <source-path> <prompt-tokens>",
	Short: "Load name active and generate from a comma-separated prompt token list",
	Args:  cobra.ExactArgs(3),
	RunE: func(c *cobra.Command, args []string) error {
		prompt, err := parseTokens(args[2])
		if err != nil {
			return err
		}
		co, err := newCoordinator()
		if err != nil {
			return err
		}
		defer co.Close()

		if _, err := co.LoadModel(args[0], args[1], false, *generateDomain); err != nil {
			return err
		}
		if _, err := co.SwitchModel(args[0]); err != nil {
			return err
		}
		stream, err := co.Generate(context.Background(), prompt, maxTokens)
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
	generateCmd.Flags().IntVar(&maxTokens, "max-tokens", 16, "maximum tokens to generate")
	generateDomain = registerDomainFlag(generateCmd)
	rootCmd.AddCommand(generateCmd)
}
