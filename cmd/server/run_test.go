package main

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"strata/config"
)

func newCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("grpc", "", "")
	cmd.Flags().String("http", "", "")
	cmd.Flags().String("wal-mode", "", "")
	cmd.Flags().String("log-level", "", "")
	return cmd
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	t.Setenv("STRATA_GRPC_ADDR", ":9000")
	t.Setenv("STRATA_HTTP_ADDR", ":9001")
	cmd := newCmd()
	require.NoError(t, cmd.Flags().Set("http", ":7000"))
	require.NoError(t, cmd.Flags().Set("wal-mode", "memory"))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Server.GRPCAddr)
	require.Equal(t, ":7000", cfg.Server.HTTPAddr)
	require.Equal(t, config.ModeMemory, cfg.WAL.Mode)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cmd := newCmd()
	require.NoError(t, cmd.Flags().Set("wal-mode", "tape"))
	_, err := loadConfig(cmd)
	require.ErrorContains(t, err, "unknown wal.mode")
}

func TestRunMemoryModeStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.WAL.Mode = config.ModeMemory
	cfg.Store.Dir = ""
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Log.Level = "error"

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, run(ctx, cfg))
}
