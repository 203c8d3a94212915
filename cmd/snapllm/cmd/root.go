// Package cmd implements the snapllm CLI's subcommands, grounded on
// matrixinfer-ai-kthena's cli/minfer/cmd package shape (one cobra.Command
// per verb, a shared persistent flag, an Execute entry point).
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/databloom/snapllm/coordinator"
	"github.com/databloom/snapllm/weightcache"
)

var workspaceRoot string

var rootCmd = &cobra.Command{
	Use:   "snapllm",
	Short: "Drive a SnapLLM Coordinator against the in-process fake INFER engine",
	Long: `snapllm is a smoke-test and demo driver for the Coordinator: each
subcommand opens (or reuses) a BlobStore-backed workspace, loads the
model(s) it needs, and performs one operation.

Examples:
  snapllm load chat ./chat.snapw
  snapllm switch chat ./chat.snapw
  snapllm generate chat ./chat.snapw 1,2,3 --max-tokens 8
  snapllm query chat ./chat.snapw 1,2,3,4 9 --ttl 1h
  snapllm stats chat ./chat.snapw`,
}

// Execute runs the CLI. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&workspaceRoot, "workspace", "./snapllm-workspace", "BlobStore workspace directory")
}

func newCoordinator() (*coordinator.Coordinator, error) {
	return coordinator.New(coordinator.Config{
		WorkspaceRoot: workspaceRoot,
		KVDefaultTTL:  24 * time.Hour,
	})
}

// registerDomainFlag attaches a --domain flag to cmd and returns the
// pointer it writes into; must be called from init(), before cobra
// parses flags.
func registerDomainFlag(cmd *cobra.Command) *weightcache.Domain {
	d := weightcache.DomainGeneral
	cmd.Flags().Var(&domainValue{&d}, "domain", "model domain: Code, Chat, Reasoning, Vision, General")
	return &d
}

// domainValue adapts weightcache.Domain (a plain string type) to
// pflag.Value so --domain can be validated against the known set.
type domainValue struct{ d *weightcache.Domain }

func (v *domainValue) String() string { return string(*v.d) }
func (v *domainValue) Type() string   { return "domain" }
func (v *domainValue) Set(s string) error {
	switch d := weightcache.Domain(s); d {
	case weightcache.DomainCode, weightcache.DomainChat, weightcache.DomainReasoning,
		weightcache.DomainVision, weightcache.DomainGeneral:
		*v.d = d
		return nil
	}
	return fmt.Errorf("unknown domain %q (want Code, Chat, Reasoning, Vision or General)", s)
}
