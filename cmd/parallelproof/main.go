package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "parallelproof",
		Short: "ParallelProof - Competitive multi-agent code optimization",
		Long: `ParallelProof dispatches multiple rewrite agents against one code
snippet, benchmarks every candidate in an isolated environment, and
keeps the measured best. Agents may claim what they like; only the
benchmark decides.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
