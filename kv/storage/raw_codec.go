package storage

import (
	"fmt"
)

// RawItem is an item whose payload is kept as stored. Its key is its content.
type RawItem struct {
	Data     []byte
	Optional bool
}

func (i *RawItem) Key() ItemKey     { return ItemKey(i.Data) }
func (i *RawItem) IsOptional() bool { return i.Optional }

// RawCodec passes payloads through as byte slices: task types and operations
// are []byte, items are *RawItem. It is meant for tooling that inspects a
// store without knowing the task engine's types.
type RawCodec struct{}

var _ PayloadCodec = RawCodec{}

func rawBytes(v interface{}) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec: expected []byte, got %T", v)
	}
	return b, nil
}

func (RawCodec) MarshalTaskType(t TaskType) ([]byte, error)   { return rawBytes(t) }
func (RawCodec) UnmarshalTaskType(b []byte) (TaskType, error) { return b, nil }
func (RawCodec) MarshalOperation(o Operation) ([]byte, error) { return rawBytes(o) }
func (RawCodec) UnmarshalOperation(b []byte) (Operation, error) {
	return b, nil
}

func (RawCodec) MarshalItem(item CachedDataItem) ([]byte, error) {
	raw, ok := item.(*RawItem)
	if !ok {
		return nil, fmt.Errorf("raw codec: expected *RawItem, got %T", item)
	}
	return raw.Data, nil
}

func (RawCodec) UnmarshalItem(b []byte) (CachedDataItem, error) {
	return &RawItem{Data: b}, nil
}
