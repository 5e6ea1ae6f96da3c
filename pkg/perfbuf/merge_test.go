package perfbuf

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unvariance/capturebench/pkg/event"
)

func TestPollMerged(t *testing.T) {
	b, err := New(3, 8)
	require.NoError(t, err)

	// shard index and timestamp pairs, written in per-shard order
	writes := []struct {
		shard int
		ts    uint64
	}{
		{0, 1}, {0, 5}, {0, 9},
		{1, 2}, {1, 3}, {1, 10},
		{2, 4}, {2, 6}, {2, 7}, {2, 8},
	}
	for _, w := range writes {
		require.NoError(t, b.Write(w.shard, &event.Event{Timestamp: w.ts, CPU: uint32(w.shard)}))
	}

	var got []uint64
	for rec := range b.PollMerged(0) {
		require.Equal(t, uint32(rec.Shard), rec.Event.CPU)
		got = append(got, rec.Event.Timestamp)
	}
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
}

func TestPollMergedLimitKeepsUnreturned(t *testing.T) {
	b, err := New(2, 8)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Write(0, &event.Event{Timestamp: uint64(2 * i)}))
		require.NoError(t, b.Write(1, &event.Event{Timestamp: uint64(2*i + 1)}))
	}

	var got []uint64
	for rec := range b.PollMerged(3) {
		got = append(got, rec.Event.Timestamp)
	}
	require.Equal(t, []uint64{0, 1, 2}, got)

	// stop early through the iterator as well
	for rec := range b.PollMerged(0) {
		got = append(got, rec.Event.Timestamp)
		break
	}

	for rec := range b.PollMerged(0) {
		got = append(got, rec.Event.Timestamp)
	}
	require.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7}, got)
	require.Zero(t, b.TotalLost())
}

func TestPollMergedEqualTimestamps(t *testing.T) {
	b, err := New(2, 4)
	require.NoError(t, err)

	require.NoError(t, b.Write(1, &event.Event{Timestamp: 5, Payload: 10}))
	require.NoError(t, b.Write(0, &event.Event{Timestamp: 5, Payload: 0}))
	require.NoError(t, b.Write(1, &event.Event{Timestamp: 5, Payload: 11}))

	var got []uint32
	for rec := range b.PollMerged(0) {
		got = append(got, rec.Event.Payload)
	}
	require.Equal(t, []uint32{0, 10, 11}, got)
}
