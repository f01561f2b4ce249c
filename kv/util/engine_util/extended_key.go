package engine_util

import (
	"bytes"
	"encoding/binary"

	"github.com/coocood/badger"
	"github.com/dgryski/go-farm"
	"github.com/golang/protobuf/proto"
	"github.com/pingcap/errors"
)

// Keys shorter than maxKeySize are stored as they are. Longer keys are stored
// under their first maxKeySize-8 bytes followed by the farm fingerprint of the
// whole key, so every stored key is at most maxKeySize long and a bounded key
// never equals a direct one. The value of a bounded key is a bucket with all
// (full key, value) pairs that share it; lookups compare the full key.

const fingerprintLen = 8

func isExtendedKey(key []byte, maxKeySize int) bool {
	return len(key) >= maxKeySize
}

func boundedKey(key []byte, maxKeySize int) []byte {
	k := make([]byte, maxKeySize)
	n := copy(k, key[:maxKeySize-fingerprintLen])
	binary.BigEndian.PutUint64(k[n:], farm.Fingerprint64(key))
	return k
}

type bucketEntry struct {
	key   []byte
	value []byte
}

func encodeBucket(entries []bucketEntry) ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := buf.EncodeVarint(uint64(len(entries))); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := buf.EncodeRawBytes(e.key); err != nil {
			return nil, err
		}
		if err := buf.EncodeRawBytes(e.value); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeBucket(data []byte) ([]bucketEntry, error) {
	buf := proto.NewBuffer(data)
	n, err := buf.DecodeVarint()
	if err != nil {
		return nil, errors.Annotate(err, "corrupted extended key bucket")
	}
	// every entry needs at least two length bytes
	if n > uint64(len(data)) {
		return nil, errors.Errorf("corrupted extended key bucket: %d entries in %d bytes", n, len(data))
	}
	entries := make([]bucketEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		key, err := buf.DecodeRawBytes(true)
		if err != nil {
			return nil, errors.Annotate(err, "corrupted extended key bucket")
		}
		value, err := buf.DecodeRawBytes(true)
		if err != nil {
			return nil, errors.Annotate(err, "corrupted extended key bucket")
		}
		entries = append(entries, bucketEntry{key: key, value: value})
	}
	return entries, nil
}

// PutExtendedCF behaves like SetCFInTxn for keys of any length. It returns
// the bytes handed to badger: the stored key with its column family prefix
// and the stored value, which is the whole bucket for a long key.
func PutExtendedCF(txn *badger.Txn, cf string, key, value []byte, maxKeySize int) (int, error) {
	if !isExtendedKey(key, maxKeySize) {
		return storedSize(cf, key, value), SetCFInTxn(txn, cf, key, value)
	}
	bk := boundedKey(key, maxKeySize)
	var entries []bucketEntry
	old, err := GetCFFromTxn(txn, cf, bk)
	switch {
	case err == nil:
		if entries, err = decodeBucket(old); err != nil {
			return 0, err
		}
	case !IsNotFound(err):
		return 0, errors.WithStack(err)
	}

	replaced := false
	for i := range entries {
		if bytes.Equal(entries[i].key, key) {
			entries[i].value = value
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, bucketEntry{key: key, value: value})
	}
	data, err := encodeBucket(entries)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return storedSize(cf, bk, data), SetCFInTxn(txn, cf, bk, data)
}

func storedSize(cf string, key, value []byte) int {
	return len(cf) + 1 + len(key) + len(value)
}

// GetExtendedCF behaves like GetCFFromTxn for keys of any length.
// badger.ErrKeyNotFound is returned when the exact key is absent.
func GetExtendedCF(txn *badger.Txn, cf string, key []byte, maxKeySize int) ([]byte, error) {
	if !isExtendedKey(key, maxKeySize) {
		return GetCFFromTxn(txn, cf, key)
	}
	data, err := GetCFFromTxn(txn, cf, boundedKey(key, maxKeySize))
	if err != nil {
		return nil, err
	}
	entries, err := decodeBucket(data)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if bytes.Equal(e.key, key) {
			return e.value, nil
		}
	}
	return nil, badger.ErrKeyNotFound
}
