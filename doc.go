package tinytask

/*
TinyTask is the persistent backing store of an incremental task cache. An in-memory task engine memoizes
computations (tasks) and uses the store to keep, across restarts, which task type maps to which task id, the cached
data items of every task and the journal of operations that were still in flight when the process stopped.

The store is a single badger directory holding four tables. Task engines write to it in snapshots, each one a single
transaction, and read from it through lookups that never fail: any problem is logged and reported as a cache miss.

The `tinytask` module is organized into the following packages:

* `kv/storage`: the `BackingStorage` contract between the task engine and the store, plus an in-memory implementation.
* `kv/storage/badger_storage`: the badger backed store (snapshots, lookups, size reports, metrics).
* `kv/storage/codec`: the item set and journal frames, tolerant of optional items that no longer (de)serialize.
* `kv/util/engine_util`: tables as column families over badger, fixed width and extended keys.
* `kv/config`: configuration and logger setup.
* `kv/taskstore-ctl`: a command line tool to inspect a store.
*/
