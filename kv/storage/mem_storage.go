package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap/errors"
)

const memDegree = 8

// MemStorage is a BackingStorage kept in memory. Nothing is written to disk,
// it serves as the reference model in tests. Items are stored as given and
// never pass through the codec, only task types are serialized to key the
// forward table.
type MemStorage struct {
	mu    sync.RWMutex
	codec PayloadCodec

	forward *btree.BTree // type bytes -> TaskID
	reverse *btree.BTree // TaskID -> TaskType
	data    map[TaskID]*btree.BTree

	operations []Operation
	nextID     TaskID
}

var _ BackingStorage = (*MemStorage)(nil)

func NewMemStorage(codec PayloadCodec) *MemStorage {
	return &MemStorage{
		codec:   codec,
		forward: btree.New(memDegree),
		reverse: btree.New(memDegree),
		data:    make(map[TaskID]*btree.BTree),
		nextID:  FirstTaskID,
	}
}

type forwardItem struct {
	typeBytes []byte
	id        TaskID
}

func (it forwardItem) Less(than btree.Item) bool {
	return bytes.Compare(it.typeBytes, than.(forwardItem).typeBytes) < 0
}

type reverseItem struct {
	id        TaskID
	typeBytes []byte
}

func (it reverseItem) Less(than btree.Item) bool {
	return it.id < than.(reverseItem).id
}

type dataItem struct {
	key   ItemKey
	value CachedDataItem
}

func (it dataItem) Less(than btree.Item) bool {
	return it.key < than.(dataItem).key
}

func (ms *MemStorage) NextFreeTaskID() TaskID {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.nextID
}

func (ms *MemStorage) UncompletedOperations() []Operation {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return append([]Operation{}, ms.operations...)
}

// SaveSnapshot validates the whole snapshot before touching any table, so a
// rejected snapshot leaves the store unchanged.
func (ms *MemStorage) SaveSnapshot(operations []Operation, taskCacheUpdates []TaskCacheUpdate, dataUpdates []CachedDataUpdate) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	regs := make([]reverseItem, 0, len(taskCacheUpdates))
	pending := make(map[TaskID][]byte, len(taskCacheUpdates))
	for _, u := range taskCacheUpdates {
		if u.ID == InvalidTaskID {
			return ErrInvalidTaskID
		}
		typeBytes, err := ms.codec.MarshalTaskType(u.Type)
		if err != nil {
			return errors.Annotatef(err, "unable to encode task type of %d", u.ID)
		}
		bound, ok := pending[u.ID]
		if !ok {
			if old := ms.reverse.Get(reverseItem{id: u.ID}); old != nil {
				bound, ok = old.(reverseItem).typeBytes, true
			}
		}
		if ok && !bytes.Equal(bound, typeBytes) {
			return errors.Annotatef(ErrTaskIDConflict, "task %d", u.ID)
		}
		pending[u.ID] = typeBytes
		regs = append(regs, reverseItem{id: u.ID, typeBytes: typeBytes})
	}

	for _, r := range regs {
		ms.forward.ReplaceOrInsert(forwardItem{typeBytes: r.typeBytes, id: r.id})
		ms.reverse.ReplaceOrInsert(r)
		if r.id+1 > ms.nextID {
			ms.nextID = r.id + 1
		}
	}
	ms.operations = append([]Operation{}, operations...)
	for _, u := range dataUpdates {
		items, ok := ms.data[u.Task]
		if !ok {
			items = btree.New(memDegree)
			ms.data[u.Task] = items
		}
		if u.Value == nil {
			items.Delete(dataItem{key: u.Key})
		} else {
			items.ReplaceOrInsert(dataItem{key: u.Key, value: u.Value})
		}
	}
	return nil
}

func (ms *MemStorage) ForwardLookupTaskCache(taskType TaskType) (TaskID, bool) {
	typeBytes, err := ms.codec.MarshalTaskType(taskType)
	if err != nil {
		return InvalidTaskID, false
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	it := ms.forward.Get(forwardItem{typeBytes: typeBytes})
	if it == nil {
		return InvalidTaskID, false
	}
	return it.(forwardItem).id, true
}

func (ms *MemStorage) ReverseLookupTaskCache(id TaskID) (TaskType, bool) {
	ms.mu.RLock()
	it := ms.reverse.Get(reverseItem{id: id})
	ms.mu.RUnlock()
	if it == nil {
		return nil, false
	}
	taskType, err := ms.codec.UnmarshalTaskType(it.(reverseItem).typeBytes)
	if err != nil {
		return nil, false
	}
	return taskType, true
}

// LookupData returns the items of a task ordered by item key.
func (ms *MemStorage) LookupData(id TaskID) []CachedDataItem {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	items, ok := ms.data[id]
	if !ok {
		return nil
	}
	result := make([]CachedDataItem, 0, items.Len())
	items.Ascend(func(i btree.Item) bool {
		result = append(result, i.(dataItem).value)
		return true
	})
	return result
}

// Len reports the number of registered tasks.
func (ms *MemStorage) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.reverse.Len()
}
