package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyKeyMapsToZero(t *testing.T) {
	pt, err := New(4, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, pt.Partition(""))
}

func TestPartitionIsDeterministic(t *testing.T) {
	pt, err := New(8, 2)
	require.NoError(t, err)

	want := pt.Partition("image-0042.jpg")
	for i := 0; i < 100; i++ {
		assert.Equal(t, want, pt.Partition("image-0042.jpg"))
	}
}

func TestPartitionIsAlwaysInRange(t *testing.T) {
	pt, err := New(5, 2)
	require.NoError(t, err)

	keys := []string{"a", "ab", "abc", "a-very-long-filename-with-lots-of-characters.png", "日本語", ""}
	for _, k := range keys {
		p := pt.Partition(k)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 5)
	}
}

func TestReplicasWrapAroundPartitionSpace(t *testing.T) {
	pt, err := New(4, 3)
	require.NoError(t, err)

	reps := pt.Replicas(3)
	assert.Equal(t, []int{3, 0, 1}, reps)
}

func TestReplicaCountExceedingPartitionsIsInvalidInput(t *testing.T) {
	_, err := New(2, 3)
	require.Error(t, err)
}

func TestZeroPartitionsIsInvalidInput(t *testing.T) {
	_, err := New(0, 1)
	require.Error(t, err)
}

func TestReplicasLengthMatchesR(t *testing.T) {
	pt, err := New(6, 4)
	require.NoError(t, err)
	assert.Len(t, pt.Replicas(2), 4)
}
