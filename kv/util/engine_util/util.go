package engine_util

import (
	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

const (
	CfMeta             string = "meta"
	CfData             string = "data"
	CfForwardTaskCache string = "forward_task_cache"
	CfReverseTaskCache string = "reverse_task_cache"
)

var CFs [4]string = [4]string{CfMeta, CfData, CfForwardTaskCache, CfReverseTaskCache}

// KeyWithCF builds the key that is actually stored in badger.
func KeyWithCF(cf string, key []byte) []byte {
	k := make([]byte, 0, len(cf)+1+len(key))
	k = append(k, cf...)
	k = append(k, '_')
	return append(k, key...)
}

// GetCFFromTxn returns a copy of the value, so it stays valid after the
// transaction ends. badger.ErrKeyNotFound is returned untouched.
func GetCFFromTxn(txn *badger.Txn, cf string, key []byte) (val []byte, err error) {
	item, err := txn.Get(KeyWithCF(cf, key))
	if err != nil {
		return nil, err
	}
	val, err = item.ValueCopy(val)
	return
}

func SetCFInTxn(txn *badger.Txn, cf string, key, val []byte) error {
	return errors.WithStack(txn.Set(KeyWithCF(cf, key), val))
}

// IsNotFound reports whether err means the key is absent.
func IsNotFound(err error) bool {
	return errors.Cause(err) == badger.ErrKeyNotFound
}
