package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "strata",
		Short: "Strata region WAL server",
	}

	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the gRPC storage service and the admin HTTP server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg)
		},
	}
	serveCmd.Flags().String("config", "", "path to a YAML or JSON config file")
	serveCmd.Flags().String("grpc", "", "gRPC listen address (overrides config)")
	serveCmd.Flags().String("http", "", "admin HTTP listen address (overrides config)")
	serveCmd.Flags().String("wal-mode", "", "embedded|queue|memory (overrides config)")
	serveCmd.Flags().String("log-level", "", "debug|info|warn|error (overrides config)")
	rootCmd.AddCommand(serveCmd)

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Printf("config ok: wal.mode=%s tables=%d\n", cfg.WAL.Mode, len(cfg.Tables))
			return nil
		},
	}
	checkCmd.Flags().String("config", "", "path to a YAML or JSON config file")
	rootCmd.AddCommand(checkCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
