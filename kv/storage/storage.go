package storage

import (
	"github.com/pingcap/errors"
)

// TaskID identifies one cached computation. Ids are dense and allocated
// upwards from FirstTaskID.
type TaskID uint32

const (
	InvalidTaskID TaskID = 0
	FirstTaskID   TaskID = 1
)

// TaskType is the identity of a computation (function plus inputs). It is
// owned by the task engine and only ever handled through a PayloadCodec.
type TaskType interface{}

// Operation is one not yet confirmed mutation of the task engine, kept for
// crash recovery.
type Operation interface{}

// ItemKey identifies a CachedDataItem within its task.
type ItemKey string

// CachedDataItem is one fact about a task's cached state.
type CachedDataItem interface {
	Key() ItemKey
	// IsOptional reports whether losing the item is tolerable. Optional items
	// that cannot be encoded or decoded are dropped instead of failing.
	IsOptional() bool
}

// CachedDataUpdate upserts Value under Key, or removes Key when Value is nil.
type CachedDataUpdate struct {
	Task  TaskID
	Key   ItemKey
	Value CachedDataItem
}

// TaskCacheUpdate registers the identity of a task.
type TaskCacheUpdate struct {
	Type TaskType
	ID   TaskID
}

// PayloadCodec serializes the payloads owned by the task engine. Encodings
// must be deterministic: task type bytes are used as lookup keys.
type PayloadCodec interface {
	MarshalTaskType(TaskType) ([]byte, error)
	UnmarshalTaskType([]byte) (TaskType, error)
	MarshalOperation(Operation) ([]byte, error)
	UnmarshalOperation([]byte) (Operation, error)
	MarshalItem(CachedDataItem) ([]byte, error)
	UnmarshalItem([]byte) (CachedDataItem, error)
}

// BackingStorage persists the task cache across restarts.
//
// Lookups never fail: any error is logged and reported as an empty result, so
// a caller treats it as a cache miss. SaveSnapshot applies everything or
// nothing and reports every failure.
type BackingStorage interface {
	// NextFreeTaskID returns the first id that was never registered.
	NextFreeTaskID() TaskID
	// UncompletedOperations returns the journal written by the last snapshot.
	UncompletedOperations() []Operation
	// SaveSnapshot replaces the journal with operations, registers the task
	// identities and merges the data updates into the stored item sets, in a
	// single transaction. Concurrent calls are serialized; the snapshot that
	// commits last wins.
	SaveSnapshot(operations []Operation, taskCacheUpdates []TaskCacheUpdate, dataUpdates []CachedDataUpdate) error
	ForwardLookupTaskCache(taskType TaskType) (TaskID, bool)
	ReverseLookupTaskCache(id TaskID) (TaskType, bool)
	LookupData(id TaskID) []CachedDataItem
}

var (
	// ErrStoreFull is returned when a snapshot would grow the store beyond
	// its configured ceiling. It is not retriable.
	ErrStoreFull = errors.New("storage: store is full")
	// ErrSnapshotTooLarge is returned when a snapshot does not fit into a
	// single engine transaction.
	ErrSnapshotTooLarge = errors.New("storage: snapshot too large for one transaction")
	ErrClosed           = errors.New("storage: closed")
	ErrInvalidTaskID    = errors.New("storage: task id 0 is reserved")
	// ErrTaskIDConflict is returned when a task id is registered for a task
	// type other than the one it is already bound to.
	ErrTaskIDConflict = errors.New("storage: task id already bound to another task type")
)
