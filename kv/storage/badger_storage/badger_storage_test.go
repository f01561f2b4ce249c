package badger_storage

import (
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coocood/badger"
	"github.com/pingcap-incubator/tinytask/kv/config"
	"github.com/pingcap-incubator/tinytask/kv/storage"
	"github.com/pingcap-incubator/tinytask/kv/storage/codec"
	"github.com/pingcap-incubator/tinytask/kv/storage/mockpayload"
	"github.com/pingcap-incubator/tinytask/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T, conf *config.Config, c *mockpayload.Codec) *BadgerStorage {
	s, err := NewBadgerStorage(conf, c)
	require.Nil(t, err)
	return s
}

func newTestConfig(t *testing.T) (*config.Config, func()) {
	dir, err := ioutil.TempDir("", "tinytask")
	require.Nil(t, err)
	return config.NewTestConfig(dir), func() { os.RemoveAll(dir) }
}

func register(tt *mockpayload.TaskType, id storage.TaskID) storage.TaskCacheUpdate {
	return storage.TaskCacheUpdate{Type: tt, ID: id}
}

func upsert(id storage.TaskID, item *mockpayload.Item) storage.CachedDataUpdate {
	return storage.CachedDataUpdate{Task: id, Key: item.Key(), Value: item}
}

func remove(id storage.TaskID, key storage.ItemKey) storage.CachedDataUpdate {
	return storage.CachedDataUpdate{Task: id, Key: key}
}

func op(kind string, id storage.TaskID) storage.Operation {
	return &mockpayload.Operation{Kind: kind, Task: id}
}

func TestEmptyStore(t *testing.T) {
	conf, cleanup := newTestConfig(t)
	defer cleanup()
	s := newTestStorage(t, conf, mockpayload.NewCodec())
	defer s.Close()

	assert.Equal(t, storage.FirstTaskID, s.NextFreeTaskID())
	assert.Empty(t, s.UncompletedOperations())
	_, ok := s.ForwardLookupTaskCache(mockpayload.NewTaskType("f"))
	assert.False(t, ok)
	_, ok = s.ReverseLookupTaskCache(1)
	assert.False(t, ok)
	assert.Empty(t, s.LookupData(1))

	stats, err := s.Stats()
	require.Nil(t, err)
	require.Len(t, stats.Tables, len(engine_util.CFs))
	for _, table := range stats.Tables {
		assert.Equal(t, 0, table.Entries, table.Name)
	}
	assert.Equal(t, storage.FirstTaskID, stats.NextFreeID)
}

func TestSnapshot(t *testing.T) {
	conf, cleanup := newTestConfig(t)
	defer cleanup()
	s := newTestStorage(t, conf, mockpayload.NewCodec())
	defer s.Close()

	readFile := mockpayload.NewTaskType("read", "a.txt")
	parse := mockpayload.NewTaskType("parse", "a.txt")
	ops := []storage.Operation{op("connect", 1), op("connect", 2)}
	err := s.SaveSnapshot(ops,
		[]storage.TaskCacheUpdate{register(readFile, 1), register(parse, 2)},
		[]storage.CachedDataUpdate{
			upsert(1, mockpayload.NewItem("output", "value", "hello")),
			upsert(2, mockpayload.NewItem("dependency", "1", "")),
			upsert(2, mockpayload.NewItem("child", "3", "")),
			remove(2, "child/3"),
		})
	require.Nil(t, err)

	require.Equal(t, storage.TaskID(3), s.NextFreeTaskID())
	require.Equal(t, ops, s.UncompletedOperations())
	id, ok := s.ForwardLookupTaskCache(mockpayload.NewTaskType("parse", "a.txt"))
	require.True(t, ok)
	require.Equal(t, storage.TaskID(2), id)
	tt, ok := s.ReverseLookupTaskCache(1)
	require.True(t, ok)
	require.Equal(t, readFile, tt)
	require.Equal(t, []storage.CachedDataItem{mockpayload.NewItem("output", "value", "hello")}, s.LookupData(1))
	require.Equal(t, []storage.CachedDataItem{mockpayload.NewItem("dependency", "1", "")}, s.LookupData(2))

	// the journal is replaced, data is merged
	err = s.SaveSnapshot(nil, nil, []storage.CachedDataUpdate{
		upsert(1, mockpayload.NewItem("output", "value", "world")),
		upsert(1, mockpayload.NewItem("child", "2", "")),
	})
	require.Nil(t, err)
	require.Empty(t, s.UncompletedOperations())
	require.Equal(t, []storage.CachedDataItem{
		mockpayload.NewItem("child", "2", ""),
		mockpayload.NewItem("output", "value", "world"),
	}, s.LookupData(1))
	require.Len(t, s.LookupData(2), 1)

	stats, err := s.Stats()
	require.Nil(t, err)
	for _, table := range stats.Tables {
		switch table.Name {
		case engine_util.CfMeta, engine_util.CfData, engine_util.CfForwardTaskCache, engine_util.CfReverseTaskCache:
			assert.Equal(t, 2, table.Entries, table.Name)
		}
	}
}

func TestNextFreeTaskIDIsMonotonic(t *testing.T) {
	conf, cleanup := newTestConfig(t)
	defer cleanup()
	s := newTestStorage(t, conf, mockpayload.NewCodec())
	defer s.Close()

	require.Nil(t, s.SaveSnapshot(nil, []storage.TaskCacheUpdate{register(mockpayload.NewTaskType("a"), 10)}, nil))
	require.Equal(t, storage.TaskID(11), s.NextFreeTaskID())
	require.Nil(t, s.SaveSnapshot(nil, []storage.TaskCacheUpdate{register(mockpayload.NewTaskType("b"), 4)}, nil))
	require.Equal(t, storage.TaskID(11), s.NextFreeTaskID())
	require.Nil(t, s.SaveSnapshot(nil, []storage.TaskCacheUpdate{
		register(mockpayload.NewTaskType("c"), 11),
		register(mockpayload.NewTaskType("d"), 12),
	}, nil))
	require.Equal(t, storage.TaskID(13), s.NextFreeTaskID())
	// data updates never move the counter
	require.Nil(t, s.SaveSnapshot(nil, nil, []storage.CachedDataUpdate{upsert(40, mockpayload.NewItem("output", "v", ""))}))
	require.Equal(t, storage.TaskID(13), s.NextFreeTaskID())
}

func TestLongTaskTypes(t *testing.T) {
	conf, cleanup := newTestConfig(t)
	defer cleanup()
	s := newTestStorage(t, conf, mockpayload.NewCodec())
	defer s.Close()

	prefix := strings.Repeat("x", 5000)
	types := []*mockpayload.TaskType{
		mockpayload.NewTaskType("f", "0123456789"),
		mockpayload.NewTaskType("f", prefix+"a"),
		mockpayload.NewTaskType("f", prefix+"b"),
		mockpayload.NewTaskType("f", prefix, "a"),
		mockpayload.NewTaskType("f", strings.Repeat("y", conf.MaxKeySize)),
	}
	var updates []storage.TaskCacheUpdate
	for i, tt := range types {
		updates = append(updates, register(tt, storage.TaskID(i+1)))
	}
	require.Nil(t, s.SaveSnapshot(nil, updates, nil))

	for i, tt := range types {
		id, ok := s.ForwardLookupTaskCache(tt)
		require.True(t, ok, "%d", i)
		require.Equal(t, storage.TaskID(i+1), id)
		got, ok := s.ReverseLookupTaskCache(id)
		require.True(t, ok)
		require.Equal(t, tt, got)
	}
	_, ok := s.ForwardLookupTaskCache(mockpayload.NewTaskType("f", prefix+"c"))
	require.False(t, ok)
}

func TestRejectedRegistrations(t *testing.T) {
	conf, cleanup := newTestConfig(t)
	defer cleanup()
	s := newTestStorage(t, conf, mockpayload.NewCodec())
	defer s.Close()

	f := mockpayload.NewTaskType("f")
	require.Nil(t, s.SaveSnapshot([]storage.Operation{op("first", 1)}, []storage.TaskCacheUpdate{register(f, 1)}, nil))
	// registering the same pair again is a no-op
	require.Nil(t, s.SaveSnapshot([]storage.Operation{op("second", 1)}, []storage.TaskCacheUpdate{register(mockpayload.NewTaskType("f"), 1)}, nil))
	require.Equal(t, []storage.Operation{op("second", 1)}, s.UncompletedOperations())

	g := mockpayload.NewTaskType("g")
	err := s.SaveSnapshot(nil, []storage.TaskCacheUpdate{register(g, 1)}, nil)
	require.Equal(t, storage.ErrTaskIDConflict, errors.Cause(err))
	err = s.SaveSnapshot(nil, []storage.TaskCacheUpdate{register(g, 2), register(g, storage.InvalidTaskID)}, nil)
	require.Equal(t, storage.ErrInvalidTaskID, errors.Cause(err))

	require.Equal(t, []storage.Operation{op("second", 1)}, s.UncompletedOperations())
	_, ok := s.ForwardLookupTaskCache(g)
	require.False(t, ok)
	_, ok = s.ReverseLookupTaskCache(2)
	require.False(t, ok)
	require.Equal(t, storage.TaskID(2), s.NextFreeTaskID())
}

func TestSnapshotIsAtomic(t *testing.T) {
	conf, cleanup := newTestConfig(t)
	defer cleanup()
	c := mockpayload.NewCodec()
	s := newTestStorage(t, conf, c)
	defer s.Close()

	ops := []storage.Operation{op("connect", 1)}
	require.Nil(t, s.SaveSnapshot(ops,
		[]storage.TaskCacheUpdate{register(mockpayload.NewTaskType("f"), 1)},
		[]storage.CachedDataUpdate{upsert(1, mockpayload.NewItem("output", "value", "1"))}))

	c.RejectEncode("broken")
	err := s.SaveSnapshot([]storage.Operation{op("lost", 2)},
		[]storage.TaskCacheUpdate{register(mockpayload.NewTaskType("g"), 2)},
		[]storage.CachedDataUpdate{
			upsert(1, mockpayload.NewItem("output", "value", "2")),
			upsert(2, mockpayload.NewItem("output", "value", "3")),
			upsert(2, mockpayload.NewItem("broken", "x", "")),
		})
	require.NotNil(t, err)

	require.Equal(t, ops, s.UncompletedOperations())
	require.Equal(t, storage.TaskID(2), s.NextFreeTaskID())
	_, ok := s.ForwardLookupTaskCache(mockpayload.NewTaskType("g"))
	require.False(t, ok)
	_, ok = s.ReverseLookupTaskCache(2)
	require.False(t, ok)
	require.Equal(t, []storage.CachedDataItem{mockpayload.NewItem("output", "value", "1")}, s.LookupData(1))
	require.Empty(t, s.LookupData(2))
}

func TestOptionalItems(t *testing.T) {
	conf, cleanup := newTestConfig(t)
	defer cleanup()
	c := mockpayload.NewCodec()
	s := newTestStorage(t, conf, c)
	defer s.Close()

	// optional items that cannot be encoded are left out
	c.RejectEncode("stats")
	require.Nil(t, s.SaveSnapshot(nil, nil, []storage.CachedDataUpdate{
		upsert(1, mockpayload.NewItem("output", "value", "1")),
		upsert(1, mockpayload.NewOptionalItem("stats", "duration", "1ms")),
	}))
	require.Equal(t, []storage.CachedDataItem{mockpayload.NewItem("output", "value", "1")}, s.LookupData(1))

	c.AcceptAll()
	require.Nil(t, s.SaveSnapshot(nil, nil, []storage.CachedDataUpdate{
		upsert(2, mockpayload.NewItem("output", "value", "2")),
		upsert(2, mockpayload.NewOptionalItem("stats", "duration", "2ms")),
	}))
	require.Len(t, s.LookupData(2), 2)

	// stored optional items that no longer decode are dropped on lookup
	c.RejectDecode("stats")
	require.Equal(t, []storage.CachedDataItem{mockpayload.NewItem("output", "value", "2")}, s.LookupData(2))

	// and when the set is rewritten
	require.Nil(t, s.SaveSnapshot(nil, nil, []storage.CachedDataUpdate{
		upsert(2, mockpayload.NewItem("child", "3", "")),
	}))
	c.AcceptAll()
	require.Equal(t, []storage.CachedDataItem{
		mockpayload.NewItem("child", "3", ""),
		mockpayload.NewItem("output", "value", "2"),
	}, s.LookupData(2))

	// a required item that no longer decodes makes the set unreadable
	c.RejectDecode("output")
	require.Empty(t, s.LookupData(2))
	err := s.SaveSnapshot([]storage.Operation{op("lost", 2)}, nil, []storage.CachedDataUpdate{
		upsert(2, mockpayload.NewItem("child", "4", "")),
	})
	require.NotNil(t, err)
	c.AcceptAll()
	require.Len(t, s.LookupData(2), 2)
	require.Empty(t, s.UncompletedOperations())
}

func TestReopen(t *testing.T) {
	conf, cleanup := newTestConfig(t)
	defer cleanup()
	c := mockpayload.NewCodec()
	s := newTestStorage(t, conf, c)

	ops := []storage.Operation{op("invalidate", 7)}
	require.Nil(t, s.SaveSnapshot(ops,
		[]storage.TaskCacheUpdate{register(mockpayload.NewTaskType("f", strings.Repeat("z", 2000)), 7)},
		[]storage.CachedDataUpdate{upsert(7, mockpayload.NewItem("output", "value", "7"))}))
	require.Nil(t, s.Close())

	s = newTestStorage(t, conf, c)
	defer s.Close()
	require.Equal(t, storage.TaskID(8), s.NextFreeTaskID())
	require.Equal(t, ops, s.UncompletedOperations())
	id, ok := s.ForwardLookupTaskCache(mockpayload.NewTaskType("f", strings.Repeat("z", 2000)))
	require.True(t, ok)
	require.Equal(t, storage.TaskID(7), id)
	require.Len(t, s.LookupData(7), 1)
}

func TestStoreFull(t *testing.T) {
	conf, cleanup := newTestConfig(t)
	defer cleanup()
	conf.MaxMapSize = "4MiB"
	conf.Engine.VlogFileSize = "2MiB"
	s := newTestStorage(t, conf, mockpayload.NewCodec())

	// the value log is never reclaimed, so rewriting one task fills the store
	big := strings.Repeat("v", 1<<20)
	var err error
	last := -1
	for i := 0; i < 16; i++ {
		err = s.SaveSnapshot([]storage.Operation{op("rewrite", storage.TaskID(i))},
			[]storage.TaskCacheUpdate{register(mockpayload.NewTaskType("t", fmt.Sprint(i)), storage.TaskID(i+2))},
			[]storage.CachedDataUpdate{upsert(1, mockpayload.NewItem("output", "value", fmt.Sprint(i, big)))})
		if err != nil {
			break
		}
		last = i
	}
	require.Equal(t, storage.ErrStoreFull, errors.Cause(err))
	require.True(t, last >= 0)

	failed := last + 1
	require.Equal(t, []storage.Operation{op("rewrite", storage.TaskID(last))}, s.UncompletedOperations())
	require.Equal(t, []storage.CachedDataItem{mockpayload.NewItem("output", "value", fmt.Sprint(last, big))}, s.LookupData(1))
	_, ok := s.ReverseLookupTaskCache(storage.TaskID(failed + 2))
	require.False(t, ok)
	_, ok = s.ForwardLookupTaskCache(mockpayload.NewTaskType("t", fmt.Sprint(failed)))
	require.False(t, ok)
	require.Equal(t, storage.TaskID(last+3), s.NextFreeTaskID())
	require.Nil(t, s.Close())

	conf.MaxMapSize = "1GiB"
	s = newTestStorage(t, conf, mockpayload.NewCodec())
	defer s.Close()
	require.Nil(t, s.SaveSnapshot([]storage.Operation{op("small", 1)}, nil, nil))
}

func TestLongTaskTypeAccounting(t *testing.T) {
	conf, cleanup := newTestConfig(t)
	defer cleanup()
	s := newTestStorage(t, conf, mockpayload.NewCodec())
	defer s.Close()

	tt := mockpayload.NewTaskType("f", strings.Repeat("l", 3000))
	typeBytes, err := s.codec.MarshalTaskType(tt)
	require.Nil(t, err)
	require.True(t, len(typeBytes) >= conf.MaxKeySize)

	require.Nil(t, s.SaveSnapshot(nil, []storage.TaskCacheUpdate{register(tt, 1)}, nil))
	// the forward entry is the bounded key plus a bucket holding the full
	// type, the reverse entry holds the type once more
	require.True(t, s.committed.Load() >= int64(2*len(typeBytes)+conf.MaxKeySize))

	stats, err := s.Stats()
	require.Nil(t, err)
	for _, table := range stats.Tables {
		if table.Name == engine_util.CfForwardTaskCache {
			require.Equal(t, 1, table.Entries)
			require.Equal(t, int64(conf.MaxKeySize), table.KeyBytes)
			require.True(t, table.ValueBytes > int64(len(typeBytes)))
		}
	}
}

func TestCorruptedEntries(t *testing.T) {
	conf, cleanup := newTestConfig(t)
	defer cleanup()
	s := newTestStorage(t, conf, mockpayload.NewCodec())
	defer s.Close()

	f, g := mockpayload.NewTaskType("f"), mockpayload.NewTaskType("g")
	require.Nil(t, s.SaveSnapshot([]storage.Operation{op("connect", 1)},
		[]storage.TaskCacheUpdate{register(f, 1), register(g, 2)},
		[]storage.CachedDataUpdate{
			upsert(1, mockpayload.NewItem("output", "value", "1")),
			upsert(2, mockpayload.NewItem("output", "value", "2")),
		}))

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, e := range []struct {
			cf       string
			key, val []byte
		}{
			{engine_util.CfData, engine_util.IntKey(1), []byte{9, 9}},
			{engine_util.CfMeta, operationsKey, []byte{0xff, 0xff, 0xff}},
			{engine_util.CfMeta, nextFreeKey, []byte{0, 0, 7}},
			{engine_util.CfReverseTaskCache, engine_util.IntKey(2), []byte("{")},
		} {
			if err := engine_util.SetCFInTxn(txn, e.cf, e.key, e.val); err != nil {
				return err
			}
		}
		return nil
	})
	require.Nil(t, err)

	require.Empty(t, s.LookupData(1))
	require.Empty(t, s.UncompletedOperations())
	require.Equal(t, storage.FirstTaskID, s.NextFreeTaskID())
	tt, ok := s.ReverseLookupTaskCache(2)
	require.False(t, ok)
	require.Nil(t, tt)
	// untouched entries still resolve
	id, ok := s.ForwardLookupTaskCache(g)
	require.True(t, ok)
	require.Equal(t, storage.TaskID(2), id)
	require.Len(t, s.LookupData(2), 1)

	// a snapshot building on the corrupted set fails as a whole
	err = s.SaveSnapshot([]storage.Operation{op("lost", 3)},
		[]storage.TaskCacheUpdate{register(mockpayload.NewTaskType("h"), 3)},
		[]storage.CachedDataUpdate{
			upsert(3, mockpayload.NewItem("output", "value", "3")),
			upsert(1, mockpayload.NewItem("child", "3", "")),
		})
	require.Equal(t, codec.ErrMalformedFrame, errors.Cause(err))
	require.Empty(t, s.UncompletedOperations())
	_, ok = s.ReverseLookupTaskCache(3)
	require.False(t, ok)
	_, ok = s.ForwardLookupTaskCache(mockpayload.NewTaskType("h"))
	require.False(t, ok)
	require.Empty(t, s.LookupData(3))
	require.Empty(t, s.LookupData(1))

	// replacing the journal does not need the old one
	require.Nil(t, s.SaveSnapshot([]storage.Operation{op("reconnect", 2)}, nil, nil))
	require.Equal(t, []storage.Operation{op("reconnect", 2)}, s.UncompletedOperations())
}

func TestClosedStore(t *testing.T) {
	conf, cleanup := newTestConfig(t)
	defer cleanup()
	s := newTestStorage(t, conf, mockpayload.NewCodec())
	require.Nil(t, s.SaveSnapshot([]storage.Operation{op("connect", 1)},
		[]storage.TaskCacheUpdate{register(mockpayload.NewTaskType("f"), 1)}, nil))
	require.Nil(t, s.Close())
	require.Nil(t, s.Close())

	err := s.SaveSnapshot(nil, nil, nil)
	require.Equal(t, storage.ErrClosed, errors.Cause(err))
	require.Equal(t, storage.FirstTaskID, s.NextFreeTaskID())
	require.Empty(t, s.UncompletedOperations())
	_, ok := s.ForwardLookupTaskCache(mockpayload.NewTaskType("f"))
	require.False(t, ok)
	_, err = s.Stats()
	require.Equal(t, storage.ErrClosed, errors.Cause(err))
	require.Equal(t, ErrAlreadyClosed, s.Destroy())
}

func TestDestroy(t *testing.T) {
	conf, cleanup := newTestConfig(t)
	defer cleanup()
	s := newTestStorage(t, conf, mockpayload.NewCodec())
	require.Nil(t, s.SaveSnapshot([]storage.Operation{op("connect", 1)}, nil, nil))
	require.Nil(t, s.Destroy())
	_, err := os.Stat(conf.DBPath)
	require.True(t, os.IsNotExist(err))
}

func TestReadOnly(t *testing.T) {
	conf, cleanup := newTestConfig(t)
	defer cleanup()
	c := mockpayload.NewCodec()
	s := newTestStorage(t, conf, c)
	require.Nil(t, s.SaveSnapshot([]storage.Operation{op("connect", 1)}, nil, nil))
	require.Nil(t, s.Close())

	s, err := NewReadOnlyBadgerStorage(conf, c)
	require.Nil(t, err)
	defer s.Close()
	require.Equal(t, []storage.Operation{op("connect", 1)}, s.UncompletedOperations())
	require.Equal(t, ErrReadOnly, s.SaveSnapshot(nil, nil, nil))
}

func TestConcurrentLookups(t *testing.T) {
	conf, cleanup := newTestConfig(t)
	defer cleanup()
	conf.ReaderSlotsPerCore = 1
	s := newTestStorage(t, conf, mockpayload.NewCodec())
	defer s.Close()

	const tasks = 50
	done := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-done:
					return
				default:
				}
				id := storage.TaskID(i%tasks + 1)
				tt, ok := s.ReverseLookupTaskCache(id)
				if !ok {
					continue
				}
				got, ok := s.ForwardLookupTaskCache(tt)
				if !ok || got != id {
					errs <- fmt.Errorf("reader %d: task %d resolved to %d, %v", r, id, got, ok)
					return
				}
				// a registered task always comes with its data
				if len(s.LookupData(id)) != 1 {
					errs <- fmt.Errorf("reader %d: task %d has no data", r, id)
					return
				}
			}
		}(r)
	}

	for i := 1; i <= tasks; i++ {
		id := storage.TaskID(i)
		err := s.SaveSnapshot([]storage.Operation{op("connect", id)},
			[]storage.TaskCacheUpdate{register(mockpayload.NewTaskType("task", fmt.Sprint(i)), id)},
			[]storage.CachedDataUpdate{upsert(id, mockpayload.NewItem("output", "value", fmt.Sprint(i)))})
		require.Nil(t, err)
	}
	close(done)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	require.Equal(t, storage.TaskID(tasks+1), s.NextFreeTaskID())
}

func randomUpdates(r *rand.Rand, nextID storage.TaskID) ([]storage.Operation, []storage.TaskCacheUpdate, []storage.CachedDataUpdate) {
	var ops []storage.Operation
	for i := r.Intn(4); i > 0; i-- {
		ops = append(ops, op("op", storage.TaskID(r.Intn(30))))
	}
	var regs []storage.TaskCacheUpdate
	for i := r.Intn(3); i > 0; i-- {
		regs = append(regs, register(mockpayload.NewTaskType("task", fmt.Sprint(nextID)), nextID))
		nextID++
	}
	kinds := []string{"output", "child", "dependency", "stats"}
	var data []storage.CachedDataUpdate
	for i := r.Intn(12); i > 0; i-- {
		id := storage.TaskID(r.Intn(int(nextID)) + 1)
		kind := kinds[r.Intn(len(kinds))]
		name := fmt.Sprint(r.Intn(4))
		if r.Intn(4) == 0 {
			data = append(data, remove(id, storage.ItemKey(kind+"/"+name)))
			continue
		}
		item := mockpayload.NewItem(kind, name, fmt.Sprint(r.Int63()))
		if kind == "stats" {
			item.Optional = true
		}
		data = append(data, upsert(id, item))
	}
	return ops, regs, data
}

func TestMatchesMemStorage(t *testing.T) {
	conf, cleanup := newTestConfig(t)
	defer cleanup()
	c := mockpayload.NewCodec()
	s := newTestStorage(t, conf, c)
	defer s.Close()
	model := storage.NewMemStorage(c)

	r := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		ops, regs, data := randomUpdates(r, model.NextFreeTaskID())
		require.Nil(t, s.SaveSnapshot(ops, regs, data))
		require.Nil(t, model.SaveSnapshot(ops, regs, data))

		require.Equal(t, model.NextFreeTaskID(), s.NextFreeTaskID(), "round %d", round)
		require.Equal(t, len(model.UncompletedOperations()), len(s.UncompletedOperations()))
		if len(ops) > 0 {
			require.Equal(t, model.UncompletedOperations(), s.UncompletedOperations())
		}
		for id := storage.FirstTaskID; id <= model.NextFreeTaskID(); id++ {
			want, wantOK := model.ReverseLookupTaskCache(id)
			got, ok := s.ReverseLookupTaskCache(id)
			require.Equal(t, wantOK, ok)
			require.Equal(t, want, got)
			if ok {
				fid, ok := s.ForwardLookupTaskCache(got)
				require.True(t, ok)
				require.Equal(t, id, fid)
			}

			wantItems, gotItems := model.LookupData(id), s.LookupData(id)
			if len(wantItems) == 0 {
				require.Empty(t, gotItems, "round %d task %d", round, id)
			} else {
				require.Equal(t, wantItems, gotItems, "round %d task %d", round, id)
			}
		}
	}
}

func TestSizeReporter(t *testing.T) {
	conf, cleanup := newTestConfig(t)
	defer cleanup()
	s := newTestStorage(t, conf, mockpayload.NewCodec())
	require.Nil(t, s.sizeWorker)

	value := strings.Repeat("v", 4096)
	for i := 0; i < 20; i++ {
		require.Nil(t, s.SaveSnapshot(nil, nil, []storage.CachedDataUpdate{
			upsert(1, mockpayload.NewItem("output", "value", fmt.Sprint(i, value))),
		}))
	}

	r := &sizeReporter{s: s}
	r.Handle(sizeReportTask{})
	require.True(t, r.used > 20*4096)
	require.False(t, r.warned)

	conf.SizeWarnRatio = float64(r.used) / float64(s.maxMapSize) / 2
	r.Handle(sizeReportTask{})
	require.True(t, r.warned)
	conf.SizeWarnRatio = 1
	r.Handle(sizeReportTask{})
	require.False(t, r.warned)

	require.Nil(t, s.Close())
	// a report after close is skipped
	r.used = 0
	r.Handle(sizeReportTask{})
	require.Equal(t, int64(0), r.used)

	conf.SizeReportInterval = "5ms"
	s, err := NewReadOnlyBadgerStorage(conf, mockpayload.NewCodec())
	require.Nil(t, err)
	require.NotNil(t, s.sizeWorker)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, []storage.CachedDataItem{mockpayload.NewItem("output", "value", fmt.Sprint(19, value))}, s.LookupData(1))
	require.Nil(t, s.Close())
}

func TestReadOnlyMissingStore(t *testing.T) {
	conf, cleanup := newTestConfig(t)
	defer cleanup()
	conf.DBPath = conf.DBPath + "/missing"
	_, err := NewReadOnlyBadgerStorage(conf, mockpayload.NewCodec())
	require.NotNil(t, err)
}
