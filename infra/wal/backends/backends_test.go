package backends

import (
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"strata/config"
	"strata/infra/wal"
)

func TestOpenByMode(t *testing.T) {
	cfg := config.Default().WAL

	cfg.Mode = config.ModeMemory
	b, err := Open(cfg, log.NewNopLogger())
	require.NoError(t, err)
	require.Equal(t, wal.KindMemory, b.Kind())
	require.NoError(t, b.Close())

	cfg.Mode = config.ModeEmbedded
	cfg.Dir = filepath.Join(t.TempDir(), "nested", "wal")
	b, err = Open(cfg, log.NewNopLogger())
	require.NoError(t, err)
	require.Equal(t, wal.KindEmbedded, b.Kind())
	require.NoError(t, b.Close())

	cfg.Mode = config.ModeQueue
	cfg.Queue.Brokers = nil
	_, err = Open(cfg, log.NewNopLogger())
	require.Error(t, err)

	cfg.Mode = "tape"
	_, err = Open(cfg, log.NewNopLogger())
	require.Error(t, err)
}
