package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"forumlink-core/internal/app/server"
	"forumlink-core/internal/config"
	"forumlink-core/internal/core/dispose"
	corelog "forumlink-core/internal/core/log"
	"forumlink-core/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "forumlink-server",
	Short:   "ForumLink Core - secure forum pairing service",
	Version: version.GetVersion(),
	RunE:    runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersion())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")
	rootCmd.AddCommand(versionCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	absConfigPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	cfg, err := config.LoadConfig(absConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	corelog.Init(cfg.Log)
	// dispose 包的日志走统一 logger
	dispose.SetLogger(func(level string, format string, args ...interface{}) {
		switch level {
		case "debug":
			corelog.Debugf(format, args...)
		case "warn":
			corelog.Warnf(format, args...)
		case "error":
			corelog.Errorf(format, args...)
		default:
			corelog.Infof(format, args...)
		}
	})

	srv, err := server.New(cfg, context.Background())
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	srv.DisplayStartupBanner(absConfigPath)

	if err := srv.Run(); err != nil {
		return fmt.Errorf("failed to run server: %w", err)
	}

	corelog.Infof("forumlink server exited gracefully")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
