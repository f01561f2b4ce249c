package badger_storage

import (
	"github.com/coocood/badger"
	"github.com/pingcap-incubator/tinytask/kv/storage"
	"github.com/pingcap-incubator/tinytask/kv/storage/codec"
	"github.com/pingcap-incubator/tinytask/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Lookups never return errors. A failure is logged, counted and reported as
// an empty result, which the task engine treats as a cache miss.

func lookupFailed(lookup string, err error, fields ...zap.Field) {
	lookupFailures.WithLabelValues(lookup).Inc()
	if errors.Cause(err) == storage.ErrClosed {
		return
	}
	log.Warn("task cache lookup failed", append(fields, zap.String("lookup", lookup), zap.Error(err))...)
}

func (s *BadgerStorage) NextFreeTaskID() storage.TaskID {
	id := storage.FirstTaskID
	err := s.view(func(txn *badger.Txn) error {
		var err error
		id, err = readNextFree(txn)
		return err
	})
	if err != nil {
		lookupFailed("next-free-task-id", err)
		return storage.FirstTaskID
	}
	return id
}

func (s *BadgerStorage) UncompletedOperations() []storage.Operation {
	var data []byte
	err := s.view(func(txn *badger.Txn) error {
		var err error
		data, err = engine_util.GetCFFromTxn(txn, engine_util.CfMeta, operationsKey)
		return err
	})
	if engine_util.IsNotFound(err) {
		return nil
	}
	if err != nil {
		lookupFailed("uncompleted-operations", err)
		return nil
	}
	ops, err := codec.DecodeOperations(s.codec, data)
	if err != nil {
		lookupFailed("uncompleted-operations", err)
		return nil
	}
	return ops
}

func (s *BadgerStorage) ForwardLookupTaskCache(taskType storage.TaskType) (storage.TaskID, bool) {
	typeBytes, err := s.codec.MarshalTaskType(taskType)
	if err != nil {
		lookupFailed("forward", err)
		return storage.InvalidTaskID, false
	}
	var val []byte
	err = s.view(func(txn *badger.Txn) error {
		var err error
		val, err = engine_util.GetExtendedCF(txn, engine_util.CfForwardTaskCache, typeBytes, s.maxKeySize)
		return err
	})
	if engine_util.IsNotFound(err) {
		return storage.InvalidTaskID, false
	}
	if err != nil {
		lookupFailed("forward", err, zap.Int("key-size", len(typeBytes)))
		return storage.InvalidTaskID, false
	}
	id, err := engine_util.DecodeUint32(val)
	if err != nil {
		lookupFailed("forward", err)
		return storage.InvalidTaskID, false
	}
	return storage.TaskID(id), true
}

func (s *BadgerStorage) ReverseLookupTaskCache(id storage.TaskID) (storage.TaskType, bool) {
	var typeBytes []byte
	err := s.view(func(txn *badger.Txn) error {
		var err error
		typeBytes, err = engine_util.GetCFFromTxn(txn, engine_util.CfReverseTaskCache, engine_util.IntKey(uint32(id)))
		return err
	})
	if engine_util.IsNotFound(err) {
		return nil, false
	}
	if err != nil {
		lookupFailed("reverse", err, zap.Uint32("task", uint32(id)))
		return nil, false
	}
	taskType, err := s.codec.UnmarshalTaskType(typeBytes)
	if err != nil {
		lookupFailed("reverse", err, zap.Uint32("task", uint32(id)))
		return nil, false
	}
	return taskType, true
}

// LookupData returns the items of a task ordered by item key. Optional items
// that no longer decode are left out.
func (s *BadgerStorage) LookupData(id storage.TaskID) []storage.CachedDataItem {
	var data []byte
	err := s.view(func(txn *badger.Txn) error {
		var err error
		data, err = engine_util.GetCFFromTxn(txn, engine_util.CfData, engine_util.IntKey(uint32(id)))
		return err
	})
	if engine_util.IsNotFound(err) {
		return nil
	}
	if err != nil {
		lookupFailed("data", err, zap.Uint32("task", uint32(id)))
		return nil
	}
	items, res := codec.DecodeItems(s.codec, data)
	switch res.Outcome {
	case codec.Fatal:
		lookupFailed("data", res.Err, zap.Uint32("task", uint32(id)))
		return nil
	case codec.PartiallyRecovered:
		droppedItems.WithLabelValues("decode").Add(float64(len(res.Dropped)))
		for _, d := range res.Dropped {
			log.Warn("optional item dropped",
				zap.String("phase", "decode"),
				zap.Uint32("task", uint32(id)),
				zap.Int("index", d.Index),
				zap.Error(d.Err))
		}
	}
	return items
}
