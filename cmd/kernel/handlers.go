// handlers.go contains the command implementations behind the cobra
// definitions in commands.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/symbolkernel/kernel/internal/config"
	"github.com/symbolkernel/kernel/internal/observability"
	"github.com/symbolkernel/kernel/internal/store"
	"github.com/symbolkernel/kernel/pkg/kernel"
)

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	// Hot-reload the log level when the config file changes on disk.
	if _, statErr := os.Stat(configPath); statErr == nil {
		watcher, err := config.WatchFile(configPath, logger, func(lc config.LoggingConfig) {
			logger.Info("config: logging reloaded", "level", lc.Level)
		})
		if err != nil {
			logger.Warn("config: watch failed", "path", configPath, "error", err)
		} else {
			defer watcher.Close()
		}
	}

	k, err := kernel.New(ctx, cfg, kernel.Options{Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return k.Start(ctx)
}

func runDoctor(ctx context.Context, configPath string) error {
	fmt.Println("kernel doctor")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("  [fail] config: %v\n", err)
		return err
	}
	fmt.Printf("  [ok]   config: %s (store=%s)\n", configPath, cfg.Store.Driver)

	kv, err := store.Open(ctx, store.DriverConfig{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		fmt.Printf("  [fail] store: %v\n", err)
	} else {
		fmt.Printf("  [ok]   store: reachable (%s)\n", cfg.Store.DSN)
		_ = kv.Close()
	}

	degraded := false
	if cfg.LLM.Primary.APIKey == "" {
		fmt.Println("  [warn] primary model adapter: no API key; chat turns will fail")
		degraded = true
	} else {
		fmt.Printf("  [ok]   primary model adapter: %s (%s)\n", cfg.LLM.Primary.Name, cfg.LLM.Primary.Model)
	}
	if cfg.LLM.Baseline.APIKey == "" {
		fmt.Println("  [warn] baseline model adapter: no API key; semantic search and comparisons disabled")
		degraded = true
	} else {
		fmt.Printf("  [ok]   baseline model adapter: %s (%s)\n", cfg.LLM.Baseline.Name, cfg.LLM.Baseline.Model)
	}
	if cfg.Server.JWTSecret == "" {
		fmt.Println("  [warn] KERNEL_JWT_SECRET unset; session logins disabled (API keys still work)")
	}

	if degraded {
		fmt.Println("result: the server would start in degraded mode")
	} else {
		fmt.Println("result: healthy")
	}
	return nil
}

func runMigrate(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	kv, err := store.Open(ctx, store.DriverConfig{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer kv.Close()
	fmt.Println("migrations applied")
	return nil
}

func runExport(ctx context.Context, serverURL, out string) error {
	client := newAPIClient(serverURL)
	data, err := client.exportProject(ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return err
	}
	fmt.Printf("exported %d bytes to %s\n", len(data), out)
	return nil
}

func runImport(ctx context.Context, serverURL, in string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	client := newAPIClient(serverURL)
	summary, err := client.importProject(ctx, data)
	if err != nil {
		return err
	}
	fmt.Printf("imported %s\n", summary)
	return nil
}
