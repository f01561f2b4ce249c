package engine_util

import (
	"github.com/coocood/badger"
)

type CFItem struct {
	item      *badger.Item
	prefixLen int
}

// Key returns the key without the column family prefix.
func (i *CFItem) Key() []byte {
	return i.item.Key()[i.prefixLen:]
}

func (i *CFItem) ValueSize() int {
	return i.item.ValueSize()
}

// BadgerIterator walks the keys of one column family in order.
type BadgerIterator struct {
	iter   *badger.Iterator
	prefix []byte
}

func NewCFIterator(cf string, txn *badger.Txn) *BadgerIterator {
	it := &BadgerIterator{
		iter:   txn.NewIterator(badger.DefaultIteratorOptions),
		prefix: []byte(cf + "_"),
	}
	it.iter.Seek(it.prefix)
	return it
}

func (it *BadgerIterator) Item() *CFItem {
	return &CFItem{
		item:      it.iter.Item(),
		prefixLen: len(it.prefix),
	}
}

func (it *BadgerIterator) Valid() bool { return it.iter.ValidForPrefix(it.prefix) }

func (it *BadgerIterator) Close() {
	it.iter.Close()
}

func (it *BadgerIterator) Next() {
	it.iter.Next()
}

// CFCount sums up the entries of one column family.
type CFCount struct {
	Entries    int
	KeyBytes   int64
	ValueBytes int64
}

// CountCF counts the entries of one column family, their key bytes without
// the prefix and their value bytes.
func CountCF(txn *badger.Txn, cf string) CFCount {
	var c CFCount
	it := NewCFIterator(cf, txn)
	defer it.Close()
	for ; it.Valid(); it.Next() {
		item := it.Item()
		c.Entries++
		c.KeyBytes += int64(len(item.Key()))
		c.ValueBytes += int64(item.ValueSize())
	}
	return c
}
