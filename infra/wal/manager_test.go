package wal_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/infra/wal"
	"strata/infra/wal/memwal"
)

func TestOpenRegionRecoversOnce(t *testing.T) {
	fb := newFaulty()
	m := wal.NewManager(fb, wal.ManagerOptions{})

	var wg sync.WaitGroup
	logs := make([]*wal.RegionLog, 16)
	for i := range logs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := m.OpenRegion(context.Background(), region)
			assert.NoError(t, err)
			logs[i] = r
		}(i)
	}
	wg.Wait()

	for _, r := range logs {
		require.Same(t, logs[0], r)
		require.Equal(t, wal.StateReady, r.State())
	}
	require.Equal(t, int32(1), fb.recovers.Load())
}

func TestTransientRecoveryFailureIsRetried(t *testing.T) {
	fb := newFaulty()
	fb.recoverErrs[region] = wal.Unavailable(context.DeadlineExceeded, "injected")
	m := wal.NewManager(fb, wal.ManagerOptions{})

	_, err := m.OpenRegion(context.Background(), region)
	require.ErrorIs(t, err, wal.ErrBackendUnavailable)
	_, ok := m.Region(region)
	require.False(t, ok)

	r, err := m.OpenRegion(context.Background(), region)
	require.NoError(t, err)
	require.Equal(t, wal.StateReady, r.State())
}

func TestCloseAndReopenKeepsState(t *testing.T) {
	b := memwal.New()
	m, r := openRegion(t, b)
	for i := 0; i < 3; i++ {
		_, err := r.AppendRowGroup(context.Background(), payload("x"))
		require.NoError(t, err)
	}
	require.NoError(t, r.TruncateBefore(context.Background(), 1))
	require.NoError(t, m.CloseRegion(context.Background(), region))

	_, err := r.AppendRowGroup(context.Background(), payload("late"))
	require.ErrorIs(t, err, wal.ErrRegionClosed)
	require.ErrorIs(t, m.CloseRegion(context.Background(), region), wal.ErrRegionNotFound)

	r2, err := m.OpenRegion(context.Background(), region)
	require.NoError(t, err)
	require.NotSame(t, r, r2)
	require.Equal(t, wal.SequenceNumber(3), r2.Highest())
	require.Equal(t, wal.SequenceNumber(1), r2.TruncatedBefore())
}

func TestDeleteRegionWaitsForReaders(t *testing.T) {
	b := memwal.New()
	m, r := openRegion(t, b)
	_, err := r.AppendRowGroup(context.Background(), payload("x"))
	require.NoError(t, err)

	it, err := r.Read(context.Background(), wal.ReadCursor{Region: region, End: wal.Latest})
	require.NoError(t, err)

	deleted := make(chan error, 1)
	go func() { deleted <- m.DeleteRegion(context.Background(), region) }()

	select {
	case err := <-deleted:
		t.Fatalf("delete finished while a reader was open: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// New operations are refused while draining.
	_, err = r.AppendRowGroup(context.Background(), payload("y"))
	require.ErrorIs(t, err, wal.ErrRegionClosed)

	require.True(t, it.Next())
	require.NoError(t, it.Close())
	require.NoError(t, <-deleted)
	require.Equal(t, wal.StateDeleted, r.State())

	regions, err := b.Regions(context.Background())
	require.NoError(t, err)
	require.Empty(t, regions)

	// Recreated from scratch.
	r2, err := m.OpenRegion(context.Background(), region)
	require.NoError(t, err)
	require.Equal(t, wal.SequenceNumber(0), r2.Highest())
}

func TestDeleteRegionDrainTimesOut(t *testing.T) {
	m, r := openRegion(t, memwal.New())
	release, err := r.Acquire()
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.DeleteRegion(ctx, region), wal.ErrBackendUnavailable)
}

func TestDeleteUnopenedRegionPurges(t *testing.T) {
	b := memwal.New()
	_, err := b.Recover(context.Background(), region)
	require.NoError(t, err)

	m := wal.NewManager(b, wal.ManagerOptions{})
	require.NoError(t, m.DeleteRegion(context.Background(), region))
	regions, err := b.Regions(context.Background())
	require.NoError(t, err)
	require.Empty(t, regions)
}

func TestRecoverAll(t *testing.T) {
	fb := newFaulty()
	ids := []wal.RegionID{{TableID: 1}, {TableID: 2}, {TableID: 3}}
	for i, id := range ids {
		_, err := fb.Backend.Recover(context.Background(), id)
		require.NoError(t, err)
		for j := 0; j <= i; j++ {
			_, err := fb.Backend.Append(context.Background(), id, payload("x"))
			require.NoError(t, err)
		}
	}
	fb.recoverErrs[ids[1]] = wal.Corrupt(context.Canceled, "injected")

	m := wal.NewManager(fb, wal.ManagerOptions{RecoverParallelism: 2})
	require.False(t, m.Ready())
	failures, err := m.RecoverAll(context.Background())
	require.NoError(t, err)
	require.True(t, m.Ready())

	require.Len(t, failures, 1)
	require.ErrorIs(t, failures[ids[1]], wal.ErrBackendCorrupt)

	r, ok := m.Region(ids[2])
	require.True(t, ok)
	require.Equal(t, wal.SequenceNumber(3), r.Highest())

	bad, ok := m.Region(ids[1])
	require.True(t, ok)
	require.Equal(t, wal.StateOffline, bad.State())
	_, err = m.OpenRegion(context.Background(), ids[1])
	require.ErrorIs(t, err, wal.ErrRegionOffline)
}

func TestManagerClose(t *testing.T) {
	m, r := openRegion(t, memwal.New())
	require.NoError(t, m.Close())
	require.Equal(t, wal.StateClosed, r.State())
	_, err := m.OpenRegion(context.Background(), region)
	require.ErrorIs(t, err, wal.ErrRegionClosed)
}

func TestOpenRegionRefusedWhileDeleting(t *testing.T) {
	fb := newFaulty()
	m, r := openRegion(t, fb)
	_, err := r.AppendRowGroup(context.Background(), payload("x"))
	require.NoError(t, err)

	gate, entered := make(chan struct{}), make(chan struct{})
	fb.mu.Lock()
	fb.purgeGate, fb.purgeEntered = gate, entered
	fb.mu.Unlock()

	deleted := make(chan error, 1)
	go func() { deleted <- m.DeleteRegion(context.Background(), region) }()
	<-entered

	_, err = m.OpenRegion(context.Background(), region)
	require.ErrorIs(t, err, wal.ErrRegionClosed)
	require.ErrorIs(t, m.DeleteRegion(context.Background(), region), wal.ErrRegionClosed)

	close(gate)
	require.NoError(t, <-deleted)
	_, open := m.Region(region)
	require.False(t, open)
	regions, err := fb.Regions(context.Background())
	require.NoError(t, err)
	require.Empty(t, regions)

	// Once the delete is done the id may be reused.
	r2, err := m.OpenRegion(context.Background(), region)
	require.NoError(t, err)
	require.Equal(t, wal.SequenceNumber(0), r2.Highest())
}
