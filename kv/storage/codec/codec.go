// Package codec encodes the item sets and the operations journal of the task
// cache.
//
// A frame is a version byte followed by protobuf varints: the entry count,
// then for every entry a flags varint and a length-delimited payload. Payloads
// are produced by a storage.PayloadCodec. Since every entry is delimited on its
// own, a frame can still be read item by item when some payloads no longer
// decode, which is how stored data survives changes of the item schema:
// optional items that fail are dropped, required items that fail are fatal.
package codec

import (
	"fmt"

	"github.com/golang/protobuf/proto"
	"github.com/pingcap-incubator/tinytask/kv/storage"
	"github.com/pingcap/errors"
)

const frameVersion byte = 1

const flagOptional uint64 = 1 << 0

var ErrMalformedFrame = errors.New("codec: malformed frame")

// Outcome classifies how an item set was encoded or decoded.
type Outcome int

const (
	// Success means every item was kept.
	Success Outcome = iota
	// PartiallyRecovered means some optional items were dropped.
	PartiallyRecovered
	// Fatal means a required item failed or the frame is unreadable.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case PartiallyRecovered:
		return "partially-recovered"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// DroppedItem describes an optional item that was left out.
type DroppedItem struct {
	Index int
	// Key is empty when the item could not be decoded.
	Key storage.ItemKey
	Err error
}

type Result struct {
	Outcome Outcome
	Dropped []DroppedItem
	// Err is set when Outcome is Fatal.
	Err error
}

type frameEntry struct {
	flags   uint64
	payload []byte
}

func writeFrame(entries []frameEntry) ([]byte, error) {
	buf := proto.NewBuffer([]byte{frameVersion})
	if err := buf.EncodeVarint(uint64(len(entries))); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := buf.EncodeVarint(e.flags); err != nil {
			return nil, err
		}
		if err := buf.EncodeRawBytes(e.payload); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func readFrame(data []byte) ([]frameEntry, error) {
	if len(data) == 0 || data[0] != frameVersion {
		return nil, ErrMalformedFrame
	}
	buf := proto.NewBuffer(data[1:])
	n, err := buf.DecodeVarint()
	if err != nil {
		return nil, errors.Annotate(ErrMalformedFrame, err.Error())
	}
	// every entry takes at least two bytes
	if n > uint64(len(data)) {
		return nil, errors.Annotatef(ErrMalformedFrame, "%d entries in %d bytes", n, len(data))
	}
	entries := make([]frameEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		flags, err := buf.DecodeVarint()
		if err != nil {
			return nil, errors.Annotatef(ErrMalformedFrame, "entry %d: %v", i, err)
		}
		payload, err := buf.DecodeRawBytes(true)
		if err != nil {
			return nil, errors.Annotatef(ErrMalformedFrame, "entry %d: %v", i, err)
		}
		entries = append(entries, frameEntry{flags: flags, payload: payload})
	}
	return entries, nil
}

func itemFlags(item storage.CachedDataItem) uint64 {
	if item.IsOptional() {
		return flagOptional
	}
	return 0
}

// EncodeItems encodes a whole item set. The fast path encodes all items at
// once and only trusts the result if it decodes back. Otherwise every item is
// encoded and decoded on its own and the failing optional ones are dropped.
// On Fatal the returned bytes are nil.
func EncodeItems(c storage.PayloadCodec, items []storage.CachedDataItem) ([]byte, Result) {
	if data, err := encodeAll(c, items); err == nil {
		if _, err = decodeAll(c, data); err == nil {
			return data, Result{Outcome: Success}
		}
	}
	return encodeEach(c, items)
}

func encodeAll(c storage.PayloadCodec, items []storage.CachedDataItem) ([]byte, error) {
	entries := make([]frameEntry, 0, len(items))
	for _, item := range items {
		b, err := c.MarshalItem(item)
		if err != nil {
			return nil, err
		}
		entries = append(entries, frameEntry{flags: itemFlags(item), payload: b})
	}
	return writeFrame(entries)
}

func encodeEach(c storage.PayloadCodec, items []storage.CachedDataItem) ([]byte, Result) {
	var dropped []DroppedItem
	entries := make([]frameEntry, 0, len(items))
	for i, item := range items {
		b, err := c.MarshalItem(item)
		if err != nil {
			err = errors.Annotatef(err, "unable to encode item %q", item.Key())
		} else if _, err = c.UnmarshalItem(b); err != nil {
			err = errors.Annotatef(err, "item %q would not decode", item.Key())
		}
		if err != nil {
			if item.IsOptional() {
				dropped = append(dropped, DroppedItem{Index: i, Key: item.Key(), Err: err})
				continue
			}
			return nil, Result{Outcome: Fatal, Dropped: dropped, Err: err}
		}
		entries = append(entries, frameEntry{flags: itemFlags(item), payload: b})
	}
	data, err := writeFrame(entries)
	if err != nil {
		return nil, Result{Outcome: Fatal, Dropped: dropped, Err: errors.WithStack(err)}
	}
	res := Result{Outcome: Success, Dropped: dropped}
	if len(dropped) > 0 {
		res.Outcome = PartiallyRecovered
	}
	return data, res
}

// DecodeItems decodes an item set written by EncodeItems. When some payload
// fails to decode, the set is decoded item by item: optional items are
// dropped, a required item or a malformed frame is Fatal.
func DecodeItems(c storage.PayloadCodec, data []byte) ([]storage.CachedDataItem, Result) {
	entries, err := readFrame(data)
	if err != nil {
		return nil, Result{Outcome: Fatal, Err: err}
	}
	if items, err := decodeEntries(c, entries); err == nil {
		return items, Result{Outcome: Success}
	}

	var dropped []DroppedItem
	items := make([]storage.CachedDataItem, 0, len(entries))
	for i, e := range entries {
		item, err := c.UnmarshalItem(e.payload)
		if err != nil {
			err = errors.Annotatef(err, "unable to decode item %d", i)
			if e.flags&flagOptional != 0 {
				dropped = append(dropped, DroppedItem{Index: i, Err: err})
				continue
			}
			return nil, Result{Outcome: Fatal, Dropped: dropped, Err: err}
		}
		items = append(items, item)
	}
	res := Result{Outcome: Success, Dropped: dropped}
	if len(dropped) > 0 {
		res.Outcome = PartiallyRecovered
	}
	return items, res
}

func decodeAll(c storage.PayloadCodec, data []byte) ([]storage.CachedDataItem, error) {
	entries, err := readFrame(data)
	if err != nil {
		return nil, err
	}
	return decodeEntries(c, entries)
}

func decodeEntries(c storage.PayloadCodec, entries []frameEntry) ([]storage.CachedDataItem, error) {
	items := make([]storage.CachedDataItem, 0, len(entries))
	for _, e := range entries {
		item, err := c.UnmarshalItem(e.payload)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// EncodeOperations encodes the operations journal.
func EncodeOperations(c storage.PayloadCodec, ops []storage.Operation) ([]byte, error) {
	entries := make([]frameEntry, 0, len(ops))
	for i, op := range ops {
		b, err := c.MarshalOperation(op)
		if err != nil {
			return nil, errors.Annotatef(err, "unable to encode operation %d", i)
		}
		entries = append(entries, frameEntry{payload: b})
	}
	return writeFrame(entries)
}

func DecodeOperations(c storage.PayloadCodec, data []byte) ([]storage.Operation, error) {
	entries, err := readFrame(data)
	if err != nil {
		return nil, err
	}
	ops := make([]storage.Operation, 0, len(entries))
	for i, e := range entries {
		op, err := c.UnmarshalOperation(e.payload)
		if err != nil {
			return nil, errors.Annotatef(err, "unable to decode operation %d", i)
		}
		ops = append(ops, op)
	}
	return ops, nil
}
