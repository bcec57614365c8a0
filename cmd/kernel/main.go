// Package main provides the CLI entry point for the symbolic reasoning
// kernel.
//
// # Basic Usage
//
// Start the server:
//
//	kernel serve --config kernel.yaml
//
// Check the installation:
//
//	kernel doctor
//
// Move project state between installations:
//
//	kernel export --out project.szproject
//	kernel import --in project.szproject
//
// # Environment Variables
//
//   - KERNEL_CONFIG: Path to configuration file (default: kernel.yaml)
//   - KERNEL_STORE_DSN: Key-value store DSN override
//   - KERNEL_JWT_SECRET: Session token signing secret
//   - ANTHROPIC_API_KEY: API key for the primary model adapter
//   - OPENAI_API_KEY: API key for the baseline model adapter
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "kernel",
		Short:         "Symbolic reasoning kernel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildDoctorCmd(),
		buildMigrateCmd(),
		buildExportCmd(),
		buildImportCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// resolveConfigPath prefers the flag, then the environment, then the
// default file name.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("KERNEL_CONFIG"); env != "" {
		return env
	}
	return "kernel.yaml"
}
