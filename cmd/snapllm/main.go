// Command snapllm drives a Coordinator end-to-end against the
// in-process fake INFER engine, for smoke-testing and demos without a
// real inference backend.
package main

import (
	"fmt"
	"os"

	"github.com/databloom/snapllm/cmd/snapllm/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
