package engine_util

/*
An engine is a low-level system for storing key/value pairs locally. This package contains code for interacting with
the badger engine that backs the task cache.

CF means 'column family'. A good description of column families is given in https://github.com/facebook/rocksdb/wiki/Column-Families
(specifically for RocksDB, but the general concepts are universal). In short, a column family is a key namespace.
All column families live in one badger DB, each key is prefixed with `<cf>_`, so writes stay atomic across column
families.

engine_util includes the following files:

* engines: opening the badger DB that holds every table.
* util: column family helpers on top of badger transactions.
* int_key: fixed width big endian integer keys, byte order equals numeric order.
* extended_key: byte string keys longer than the native key bound.
* cf_iterator: code to iterate over a whole column family in badger.
*/
