// Command guardrails runs the trade-risk guardrail service and its tooling.
package main

import (
	"fmt"
	"os"

	"trade-guardrails/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
