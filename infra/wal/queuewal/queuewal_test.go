package queuewal

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"strata/infra/wal"
	"strata/infra/wal/waltest"
)

func TestBackendContract(t *testing.T) {
	brokers := map[string]*fakeBroker{}
	waltest.Run(t, func(t *testing.T) wal.Backend {
		fb, ok := brokers[t.Name()]
		if !ok {
			fb = newFakeBroker()
			brokers[t.Name()] = fb
		}
		// Small fetch batches exercise the iterator's refill path.
		return New(fb, Options{TopicPrefix: "test", FetchBatch: 3})
	})
}

var region = wal.RegionID{TableID: 7, Partition: 0}

func setup(t *testing.T) (*fakeBroker, *Backend) {
	t.Helper()
	fb := newFakeBroker()
	b := New(fb, Options{TopicPrefix: "test", FetchBatch: 2})
	_, err := b.Recover(context.Background(), region)
	require.NoError(t, err)
	return fb, b
}

func appendPayload(t *testing.T, b *Backend, p string) (wal.SequenceNumber, error) {
	t.Helper()
	return b.Append(context.Background(), region, wal.Entry{Payload: []byte(p), EncodingVersion: 1})
}

func payloads(t *testing.T, b *Backend, start wal.SequenceNumber) []string {
	t.Helper()
	it, err := b.ReadRange(context.Background(), region, start, wal.Latest)
	require.NoError(t, err)
	defer it.Close()
	var out []string
	for it.Next() {
		out = append(out, fmt.Sprintf("%d:%s", it.Record().Sequence, it.Record().Payload))
	}
	require.NoError(t, it.Err())
	return out
}

func TestDuplicateDeliveryIsCollapsed(t *testing.T) {
	fb, b := setup(t)
	fb.injectProduce(faultNone, faultDuplicate, faultNone)
	for _, p := range []string{"a", "b", "c"} {
		_, err := appendPayload(t, b, p)
		require.NoError(t, err)
	}
	require.Len(t, fb.retained(b.topic(region)), 4)
	require.Equal(t, []string{"1:a", "2:b", "3:c"}, payloads(t, b, 0))

	st, err := New(fb, Options{TopicPrefix: "test"}).Recover(context.Background(), region)
	require.NoError(t, err)
	require.Equal(t, wal.SequenceNumber(3), st.Highest)
}

func TestUnconfirmedAppendReusesSequence(t *testing.T) {
	for _, fault := range []produceFault{faultLost, faultTorn, faultGhost} {
		t.Run(fmt.Sprint(fault), func(t *testing.T) {
			fb, b := setup(t)
			_, err := appendPayload(t, b, "a")
			require.NoError(t, err)

			fb.injectProduce(fault)
			_, err = appendPayload(t, b, "lost")
			require.ErrorIs(t, err, wal.ErrBackendUnavailable)
			require.Equal(t, []string{"1:a"}, payloads(t, b, 0))

			seq, err := appendPayload(t, b, "b")
			require.NoError(t, err)
			require.Equal(t, wal.SequenceNumber(2), seq)
			require.Equal(t, []string{"1:a", "2:b"}, payloads(t, b, 0))

			// A fresh backend sees the same history.
			b2 := New(fb, Options{TopicPrefix: "test"})
			st, err := b2.Recover(context.Background(), region)
			require.NoError(t, err)
			require.Equal(t, wal.SequenceNumber(2), st.Highest)
			require.Equal(t, []string{"1:a", "2:b"}, payloads(t, b2, 0))
		})
	}
}

func TestTornTailAfterCrashIsNotExposed(t *testing.T) {
	fb, b := setup(t)
	_, err := appendPayload(t, b, "a")
	require.NoError(t, err)
	fb.injectProduce(faultTorn)
	_, err = appendPayload(t, b, "torn")
	require.Error(t, err)

	b2 := New(fb, Options{TopicPrefix: "test"})
	st, err := b2.Recover(context.Background(), region)
	require.NoError(t, err)
	require.Equal(t, wal.SequenceNumber(1), st.Highest)
	require.Equal(t, []string{"1:a"}, payloads(t, b2, 0))
}

// A write the broker stored but never acknowledged cannot be told apart from
// a confirmed one after a restart. Recovery adopts it: the caller saw a
// failure, yet the record is readable and its sequence is never reissued.
// Delivery is at-least-once for that write.
func TestUnacknowledgedWriteIsAdoptedAfterCrash(t *testing.T) {
	fb, b := setup(t)
	_, err := appendPayload(t, b, "a")
	require.NoError(t, err)
	fb.injectProduce(faultGhost)
	_, err = appendPayload(t, b, "ghost")
	require.ErrorIs(t, err, wal.ErrBackendUnavailable)

	b2 := New(fb, Options{TopicPrefix: "test"})
	st, err := b2.Recover(context.Background(), region)
	require.NoError(t, err)
	require.Equal(t, wal.SequenceNumber(2), st.Highest)
	require.Equal(t, []string{"1:a", "2:ghost"}, payloads(t, b2, 0))

	seq, err := appendPayload(t, b2, "b")
	require.NoError(t, err)
	require.Equal(t, wal.SequenceNumber(3), seq)
	require.Equal(t, []string{"1:a", "2:ghost", "3:b"}, payloads(t, b2, 0))
}

func TestTruncationDeletesBrokerRecords(t *testing.T) {
	fb, b := setup(t)
	for i := 0; i < 6; i++ {
		_, err := appendPayload(t, b, fmt.Sprint(i))
		require.NoError(t, err)
	}
	require.NoError(t, b.TruncateBefore(context.Background(), region, 4))

	// Records 5 and 6 plus the marker remain.
	msgs := fb.retained(b.topic(region))
	require.Len(t, msgs, 3)
	env, err := wal.DecodeEnvelope(msgs[2].Value)
	require.NoError(t, err)
	require.Equal(t, wal.EnvelopeTruncate, env.Kind)
	require.Equal(t, wal.SequenceNumber(4), env.Record.Sequence)
	require.Equal(t, wal.SequenceNumber(6), env.MarkerHighest())

	require.Equal(t, []string{"5:4", "6:5"}, payloads(t, b, 4))
}

func TestRegionsIgnoreForeignTopics(t *testing.T) {
	fb, b := setup(t)
	require.NoError(t, fb.EnsureTopic(context.Background(), "unrelated"))
	require.NoError(t, fb.EnsureTopic(context.Background(), "test.not-a-region"))

	regions, err := b.Regions(context.Background())
	require.NoError(t, err)
	require.Equal(t, []wal.RegionID{region}, regions)
}
