package badger_storage

import (
	"bytes"
	"sort"
	"time"

	"github.com/coocood/badger"
	"github.com/docker/go-units"
	"github.com/pingcap-incubator/tinytask/kv/storage"
	"github.com/pingcap-incubator/tinytask/kv/storage/codec"
	"github.com/pingcap-incubator/tinytask/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// SaveSnapshot writes the journal, the registrations and the data updates in
// one badger transaction. Nothing is visible unless everything committed.
func (s *BadgerStorage) SaveSnapshot(operations []storage.Operation, taskCacheUpdates []storage.TaskCacheUpdate, dataUpdates []storage.CachedDataUpdate) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if s.readOnly {
		return ErrReadOnly
	}

	start := time.Now()
	log.Debug("saving snapshot",
		zap.Int("operations", len(operations)),
		zap.Int("task-cache-updates", len(taskCacheUpdates)),
		zap.Int("data-updates", len(dataUpdates)))

	w := &snapshotWriter{s: s, entries: make(map[string]int)}
	err := s.db.Update(func(txn *badger.Txn) error {
		w.txn = txn
		if err := w.writeTaskCache(taskCacheUpdates); err != nil {
			return err
		}
		if err := w.writeOperations(operations); err != nil {
			return err
		}
		if err := w.writeData(dataUpdates); err != nil {
			return err
		}
		return w.checkCeiling()
	})
	if errors.Cause(err) == badger.ErrTxnTooBig {
		err = errors.Annotatef(storage.ErrSnapshotTooLarge, "%d entries", w.total())
	}
	duration := time.Since(start)
	if err != nil {
		snapshotDuration.WithLabelValues("error").Observe(duration.Seconds())
		log.Error("failed to save snapshot", zap.Duration("duration", duration), zap.Error(err))
		return err
	}
	snapshotDuration.WithLabelValues("ok").Observe(duration.Seconds())
	s.committed.Add(w.bytes)
	for cf, n := range w.entries {
		snapshotEntries.WithLabelValues(cf).Add(float64(n))
	}
	log.Info("snapshot saved",
		zap.Duration("duration", duration),
		zap.Int("operations", len(operations)),
		zap.Int("tasks", w.entries[engine_util.CfData]),
		zap.Int("registrations", w.entries[engine_util.CfReverseTaskCache]),
		zap.Int("dropped-items", w.dropped),
		zap.String("size", units.BytesSize(float64(w.bytes))))
	return nil
}

type snapshotWriter struct {
	s   *BadgerStorage
	txn *badger.Txn

	entries map[string]int
	bytes   int64
	dropped int
}

func (w *snapshotWriter) total() int {
	n := 0
	for _, c := range w.entries {
		n += c
	}
	return n
}

// count records one entry of n bytes as handed to badger.
func (w *snapshotWriter) count(cf string, n int) {
	w.entries[cf]++
	w.bytes += int64(n)
}

func (w *snapshotWriter) set(cf string, key, val []byte) error {
	w.count(cf, len(engine_util.KeyWithCF(cf, key))+len(val))
	return engine_util.SetCFInTxn(w.txn, cf, key, val)
}

func (w *snapshotWriter) writeTaskCache(updates []storage.TaskCacheUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	next, err := readNextFree(w.txn)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if u.ID == storage.InvalidTaskID {
			return errors.WithStack(storage.ErrInvalidTaskID)
		}
		typeBytes, err := w.s.codec.MarshalTaskType(u.Type)
		if err != nil {
			return errors.Annotatef(err, "unable to encode task type of task %d", u.ID)
		}
		idKey := engine_util.IntKey(uint32(u.ID))
		bound, err := engine_util.GetCFFromTxn(w.txn, engine_util.CfReverseTaskCache, idKey)
		switch {
		case err == nil:
			if !bytes.Equal(bound, typeBytes) {
				return errors.Annotatef(storage.ErrTaskIDConflict, "task %d", u.ID)
			}
			continue
		case !engine_util.IsNotFound(err):
			return errors.WithStack(err)
		}

		n, err := engine_util.PutExtendedCF(w.txn, engine_util.CfForwardTaskCache, typeBytes, idKey, w.s.maxKeySize)
		if err != nil {
			return err
		}
		w.count(engine_util.CfForwardTaskCache, n)
		if err := w.set(engine_util.CfReverseTaskCache, idKey, typeBytes); err != nil {
			return err
		}
		if u.ID+1 > next {
			next = u.ID + 1
		}
	}
	return w.set(engine_util.CfMeta, nextFreeKey, engine_util.IntKey(uint32(next)))
}

func (w *snapshotWriter) writeOperations(operations []storage.Operation) error {
	data, err := codec.EncodeOperations(w.s.codec, operations)
	if err != nil {
		return err
	}
	return w.set(engine_util.CfMeta, operationsKey, data)
}

func (w *snapshotWriter) writeData(updates []storage.CachedDataUpdate) error {
	var order []storage.TaskID
	sets := make(map[storage.TaskID]map[storage.ItemKey]storage.CachedDataItem)
	for _, u := range updates {
		set, ok := sets[u.Task]
		if !ok {
			var err error
			if set, err = w.seed(u.Task); err != nil {
				return err
			}
			sets[u.Task] = set
			order = append(order, u.Task)
		}
		if u.Value == nil {
			delete(set, u.Key)
		} else {
			set[u.Key] = u.Value
		}
	}

	for _, id := range order {
		keys := make([]string, 0, len(sets[id]))
		for k := range sets[id] {
			keys = append(keys, string(k))
		}
		sort.Strings(keys)
		items := make([]storage.CachedDataItem, 0, len(keys))
		for _, k := range keys {
			items = append(items, sets[id][storage.ItemKey(k)])
		}

		data, res := codec.EncodeItems(w.s.codec, items)
		if res.Outcome == codec.Fatal {
			return errors.Annotatef(res.Err, "unable to encode data of task %d", id)
		}
		w.reportDropped("encode", id, res)
		if err := w.set(engine_util.CfData, engine_util.IntKey(uint32(id)), data); err != nil {
			return err
		}
	}
	return nil
}

// seed loads the stored item set of a task, the base the updates apply to.
func (w *snapshotWriter) seed(id storage.TaskID) (map[storage.ItemKey]storage.CachedDataItem, error) {
	set := make(map[storage.ItemKey]storage.CachedDataItem)
	raw, err := engine_util.GetCFFromTxn(w.txn, engine_util.CfData, engine_util.IntKey(uint32(id)))
	if err != nil {
		if engine_util.IsNotFound(err) {
			return set, nil
		}
		return nil, errors.WithStack(err)
	}
	items, res := codec.DecodeItems(w.s.codec, raw)
	if res.Outcome == codec.Fatal {
		return nil, errors.Annotatef(res.Err, "unable to decode stored data of task %d", id)
	}
	w.reportDropped("seed", id, res)
	for _, item := range items {
		set[item.Key()] = item
	}
	return set, nil
}

func (w *snapshotWriter) reportDropped(phase string, id storage.TaskID, res codec.Result) {
	if len(res.Dropped) == 0 {
		return
	}
	w.dropped += len(res.Dropped)
	droppedItems.WithLabelValues(phase).Add(float64(len(res.Dropped)))
	for _, d := range res.Dropped {
		log.Warn("optional item dropped",
			zap.String("phase", phase),
			zap.Uint32("task", uint32(id)),
			zap.String("item", string(d.Key)),
			zap.Error(d.Err))
	}
}

func (w *snapshotWriter) checkCeiling() error {
	used, err := w.s.usage()
	if err != nil {
		return err
	}
	if used+w.bytes > w.s.maxMapSize {
		return errors.Annotatef(storage.ErrStoreFull, "%s in use, snapshot adds %s, ceiling is %s",
			units.BytesSize(float64(used)), units.BytesSize(float64(w.bytes)), units.BytesSize(float64(w.s.maxMapSize)))
	}
	return nil
}

// readNextFree returns FirstTaskID when the counter is missing or unreadable.
func readNextFree(txn *badger.Txn) (storage.TaskID, error) {
	val, err := engine_util.GetCFFromTxn(txn, engine_util.CfMeta, nextFreeKey)
	if err != nil {
		if engine_util.IsNotFound(err) {
			return storage.FirstTaskID, nil
		}
		return storage.FirstTaskID, errors.WithStack(err)
	}
	id, err := engine_util.DecodeUint32(val)
	if err != nil || id == 0 {
		log.Warn("ignoring corrupted next free task id", zap.Binary("value", val))
		return storage.FirstTaskID, nil
	}
	return storage.TaskID(id), nil
}
