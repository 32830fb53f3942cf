// Package main is the maestrod entry point: the chat orchestration daemon.
//
// maestrod fronts OpenAI-compatible LLM providers with conversation
// persistence, tool calling, provider fallback, retrieval augmentation,
// conversation memory compaction, and per-tenant quotas.
//
// # Basic Usage
//
// Start the server:
//
//	maestrod serve --config maestro.yaml
//
// # Environment Variables
//
//   - MAESTRO_CONFIG: path to the configuration file (default: maestro.yaml)
//   - MAESTRO_<PROVIDER>_API_KEY: credential for a configured provider,
//     e.g. MAESTRO_OPENAI_API_KEY
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "maestrod",
		Short:         "Chat orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildVersionCmd())
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("maestrod %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// resolveConfigPath applies the flag, then the environment, then the
// default file name.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("MAESTRO_CONFIG"); env != "" {
		return env
	}
	return "maestro.yaml"
}
