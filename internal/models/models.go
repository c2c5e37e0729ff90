// Package models holds the data types shared across the partitioner, shard
// store, worker pool, distributed queue, and dispatcher packages.
package models

import "time"

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Task is one unit of work submitted to the pool or queue: a single image
// waiting to be described.
type Task struct {
	ID          string
	Filename    string
	PayloadRef  string
	Payload     []byte
	Partition   int
	SubmittedAt time.Time
	Priority    Priority
}

type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

// TaskResult is the terminal outcome of a Task, produced by the worker pool
// or distributed queue and consumed by the dispatcher.
type TaskResult struct {
	TaskID      string
	Status      ResultStatus
	Description string
	WorkerID    int
	Partition   int
	ElapsedMS   int64
	ErrorKind   string
	Message     string
	Attempts    int
}

// Worker is the coordinator's view of one pool member. PartitionAffinity is
// only populated in distributed-queue mode.
type Worker struct {
	ID                int
	Busy              bool
	Processed         uint64
	CurrentTask       string
	PartitionAffinity []int
}

// Entry is one value stored in the Simulated Shard Store.
type Entry struct {
	Key              string
	PayloadSnippet   []byte
	Timestamp        time.Time
	PrimaryPartition int
	IsReplica        bool
}

// PartitionStats describes one partition's occupancy.
type PartitionStats struct {
	ID        int
	ItemCount int
	ByteSize  int64
}

// StoreStats is the aggregate view returned by Stats and Rebalance.
type StoreStats struct {
	Partitions     []PartitionStats
	TotalItemCount int
	TotalByteSize  int64
}

// Lease records which worker currently holds a QueuedJob and until when.
type Lease struct {
	Owner  string
	Expiry time.Time
}

// QueuedJob is a Task plus the Distributed Queue's retry/lease bookkeeping.
type QueuedJob struct {
	Task
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	Lease         *Lease
	Stalls        int
}
