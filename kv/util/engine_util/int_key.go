package engine_util

import (
	"encoding/binary"
	"fmt"
)

const IntKeyLen = 4

// IntKey encodes v as 4 big endian bytes, so lexicographic order is numeric order.
func IntKey(v uint32) []byte {
	key := make([]byte, IntKeyLen)
	binary.BigEndian.PutUint32(key, v)
	return key
}

// DecodeUint32 is the inverse of IntKey. It is also used for values that hold a
// single id.
func DecodeUint32(b []byte) (uint32, error) {
	if len(b) != IntKeyLen {
		return 0, fmt.Errorf("expected %d bytes, got %d", IntKeyLen, len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}
