package shardstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhunismp/vision-batch-dispatch/internal/apperrors"
	"github.com/zhunismp/vision-batch-dispatch/internal/partition"
)

func newStore(t *testing.T, p, r int) *Store {
	pt, err := partition.New(p, r)
	require.NoError(t, err)
	return New(pt)
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	s := newStore(t, 4, 2)

	require.NoError(t, s.Store("k1", []byte("hello")))

	entry, err := s.Retrieve("k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), entry.PayloadSnippet)
}

func TestRetrieveMissingKeyIsNotFound(t *testing.T) {
	s := newStore(t, 4, 2)

	_, err := s.Retrieve("missing")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestStoreWritesExactlyRPartitions(t *testing.T) {
	pt, err := partition.New(4, 2)
	require.NoError(t, err)
	s := New(pt)

	require.NoError(t, s.Store("k1", []byte("v")))

	stats := s.Stats()
	written := 0
	for _, ps := range stats.Partitions {
		if ps.ItemCount > 0 {
			written++
		}
	}
	assert.Equal(t, pt.R(), written)
}

func TestClearOnePartitionLeavesOthersIntact(t *testing.T) {
	s := newStore(t, 4, 1)
	require.NoError(t, s.Store("a", []byte("1")))
	require.NoError(t, s.Store("b", []byte("2")))

	statsBefore := s.Stats()
	assert.Equal(t, 2, statsBefore.TotalItemCount)

	zero := 0
	s.Clear(&zero)

	statsAfter := s.Stats()
	assert.LessOrEqual(t, statsAfter.TotalItemCount, statsBefore.TotalItemCount)
	for i, ps := range statsAfter.Partitions {
		if i == zero {
			assert.Equal(t, 0, ps.ItemCount)
			continue
		}
		assert.Equal(t, statsBefore.Partitions[i].ItemCount, ps.ItemCount)
	}
}

func TestRebalanceReturnsCurrentStats(t *testing.T) {
	s := newStore(t, 4, 1)
	require.NoError(t, s.Store("a", []byte("1")))

	before := s.Stats()
	after := s.Rebalance()
	assert.Equal(t, before.TotalItemCount, after.TotalItemCount)
}

func TestPartitionFullRejectsWrite(t *testing.T) {
	pt, err := partition.New(1, 1)
	require.NoError(t, err)
	s := New(pt)

	big := make([]byte, MaxPartitionBytes+1)
	err = s.Store("huge", big)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodePartitionFull))
}
