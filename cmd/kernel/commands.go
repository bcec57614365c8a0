// commands.go contains the cobra command definitions and their flag
// wiring. Each builder creates a command and binds it to its handler in
// handlers.go.
package main

import (
	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the kernel server",
		Long: `Start the kernel server.

The server will:
1. Load configuration (flag, KERNEL_CONFIG, or kernel.yaml)
2. Open the key-value store and run migrations
3. Recover interrupted turns, then start the agent scheduler
4. Serve the HTTP API, metrics, and the MCP control channel

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  kernel serve

  # Start with custom config and debug logging
  kernel serve --config /etc/kernel/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildDoctorCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the installation",
		Long: `Check configuration validity, store reachability, and model adapter
credentials, and report whether the server would start degraded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run store migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildExportCmd() *cobra.Command {
	var (
		serverURL string
		out       string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export project state from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), serverURL, out)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Base URL of the running server")
	cmd.Flags().StringVarP(&out, "out", "o", "project.szproject", "Output archive path")
	return cmd
}

func buildImportCmd() *cobra.Command {
	var (
		serverURL string
		in        string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project state into a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), serverURL, in)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Base URL of the running server")
	cmd.Flags().StringVarP(&in, "in", "i", "project.szproject", "Input archive path")
	return cmd
}
