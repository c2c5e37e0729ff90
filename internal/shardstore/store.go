// Package shardstore is the Simulated Shard Store: an in-memory
// partition -> (key -> entry) map used in place of a real sharded backend.
// Each partition tracks its own item count and byte size, the way torua's
// Shard tracks per-shard operation counters, but this store owns the whole
// partition space itself rather than delegating to one Shard per process.
package shardstore

import (
	"sync"
	"time"

	"github.com/zhunismp/vision-batch-dispatch/internal/apperrors"
	"github.com/zhunismp/vision-batch-dispatch/internal/models"
	"github.com/zhunismp/vision-batch-dispatch/internal/partition"
)

// MaxPartitionBytes bounds a single partition's occupancy before Store
// starts rejecting writes with PartitionFull.
const MaxPartitionBytes = 64 << 20 // 64 MiB per partition

type partitionData struct {
	mu      sync.Mutex
	entries map[string]models.Entry
	bytes   int64
}

// Store is the Simulated Shard Store.
type Store struct {
	pt         *partition.Partitioner
	partitions []*partitionData
}

func New(pt *partition.Partitioner) *Store {
	parts := make([]*partitionData, pt.P())
	for i := range parts {
		parts[i] = &partitionData{entries: make(map[string]models.Entry)}
	}
	return &Store{pt: pt, partitions: parts}
}

// Store writes key/value into its primary partition and R-1 replicas.
// Each partition write is atomic with respect to that partition, but the
// overall operation is not atomic across partitions: a PartitionFull on a
// later replica leaves earlier writes in place.
func (s *Store) Store(key string, value []byte) error {
	primary := s.pt.Partition(key)
	replicas := s.pt.Replicas(primary)

	now := time.Now()
	for _, pid := range replicas {
		entry := models.Entry{
			Key:              key,
			PayloadSnippet:   value,
			Timestamp:        now,
			PrimaryPartition: primary,
			IsReplica:        pid != primary,
		}
		if err := s.writeToPartition(pid, entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeToPartition(pid int, entry models.Entry) error {
	part := s.partitions[pid]
	part.mu.Lock()
	defer part.mu.Unlock()

	existing, replacing := part.entries[entry.Key]
	newBytes := part.bytes - sizeOf(existing) + sizeOf(entry)
	if !replacing && newBytes > MaxPartitionBytes {
		return apperrors.New(apperrors.CodePartitionFull, "partition is full", nil)
	}
	if replacing && newBytes > MaxPartitionBytes {
		return apperrors.New(apperrors.CodePartitionFull, "partition is full", nil)
	}

	part.entries[entry.Key] = entry
	part.bytes = newBytes
	return nil
}

// Retrieve reads a key from its primary partition only; replicas are never
// consulted on read.
func (s *Store) Retrieve(key string) (models.Entry, error) {
	primary := s.pt.Partition(key)
	part := s.partitions[primary]

	part.mu.Lock()
	defer part.mu.Unlock()

	entry, ok := part.entries[key]
	if !ok {
		return models.Entry{}, apperrors.New(apperrors.CodeNotFound, "key not found", nil)
	}
	return entry, nil
}

// Stats returns per-partition item counts and byte sizes plus totals.
func (s *Store) Stats() models.StoreStats {
	out := models.StoreStats{Partitions: make([]models.PartitionStats, len(s.partitions))}
	for i, part := range s.partitions {
		part.mu.Lock()
		count := len(part.entries)
		size := part.bytes
		part.mu.Unlock()

		out.Partitions[i] = models.PartitionStats{ID: i, ItemCount: count, ByteSize: size}
		out.TotalItemCount += count
		out.TotalByteSize += size
	}
	return out
}

// Clear empties one partition, or every partition when partition is nil.
func (s *Store) Clear(partitionID *int) {
	if partitionID != nil {
		s.clearOne(*partitionID)
		return
	}
	for i := range s.partitions {
		s.clearOne(i)
	}
}

func (s *Store) clearOne(pid int) {
	if pid < 0 || pid >= len(s.partitions) {
		return
	}
	part := s.partitions[pid]
	part.mu.Lock()
	part.entries = make(map[string]models.Entry)
	part.bytes = 0
	part.mu.Unlock()
}

// Rebalance is a deliberate no-op: the naive hash-mod-P partitioner has no
// ring to rebalance, so this just returns the current stats snapshot. See
// internal/partition's doc comment for why a real consistent-hash rebalance
// is out of scope here.
func (s *Store) Rebalance() models.StoreStats {
	return s.Stats()
}

func sizeOf(e models.Entry) int64 {
	return int64(len(e.Key) + len(e.PayloadSnippet))
}
