// Package mockpayload provides task engine payloads for tests: JSON encoded
// task types, operations and items, and a codec that can simulate a changed
// item schema.
package mockpayload

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pingcap-incubator/tinytask/kv/storage"
)

type TaskType struct {
	Function string   `json:"function"`
	Args     []string `json:"args"`
}

func NewTaskType(function string, args ...string) *TaskType {
	return &TaskType{Function: function, Args: args}
}

type Operation struct {
	Kind string         `json:"kind"`
	Task storage.TaskID `json:"task"`
}

type Item struct {
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	Value    string `json:"value"`
	Optional bool   `json:"optional"`
}

func NewItem(kind, name, value string) *Item {
	return &Item{Kind: kind, Name: name, Value: value}
}

func NewOptionalItem(kind, name, value string) *Item {
	return &Item{Kind: kind, Name: name, Value: value, Optional: true}
}

func (i *Item) Key() storage.ItemKey {
	return storage.ItemKey(i.Kind + "/" + i.Name)
}

func (i *Item) IsOptional() bool {
	return i.Optional
}

// Codec encodes payloads as JSON. Items of a rejected kind fail to encode or
// to decode, which is what a schema change of that kind looks like.
type Codec struct {
	mu           sync.RWMutex
	rejectEncode map[string]bool
	rejectDecode map[string]bool
}

var _ storage.PayloadCodec = (*Codec)(nil)

func NewCodec() *Codec {
	return &Codec{
		rejectEncode: make(map[string]bool),
		rejectDecode: make(map[string]bool),
	}
}

func (c *Codec) RejectEncode(kind string) {
	c.mu.Lock()
	c.rejectEncode[kind] = true
	c.mu.Unlock()
}

func (c *Codec) RejectDecode(kind string) {
	c.mu.Lock()
	c.rejectDecode[kind] = true
	c.mu.Unlock()
}

// AcceptAll drops every rejection.
func (c *Codec) AcceptAll() {
	c.mu.Lock()
	c.rejectEncode = make(map[string]bool)
	c.rejectDecode = make(map[string]bool)
	c.mu.Unlock()
}

func (c *Codec) MarshalTaskType(t storage.TaskType) ([]byte, error) {
	tt, ok := t.(*TaskType)
	if !ok {
		return nil, fmt.Errorf("mockpayload: unexpected task type %T", t)
	}
	return json.Marshal(tt)
}

func (c *Codec) UnmarshalTaskType(b []byte) (storage.TaskType, error) {
	tt := new(TaskType)
	if err := json.Unmarshal(b, tt); err != nil {
		return nil, err
	}
	return tt, nil
}

func (c *Codec) MarshalOperation(o storage.Operation) ([]byte, error) {
	op, ok := o.(*Operation)
	if !ok {
		return nil, fmt.Errorf("mockpayload: unexpected operation %T", o)
	}
	return json.Marshal(op)
}

func (c *Codec) UnmarshalOperation(b []byte) (storage.Operation, error) {
	op := new(Operation)
	if err := json.Unmarshal(b, op); err != nil {
		return nil, err
	}
	return op, nil
}

func (c *Codec) MarshalItem(item storage.CachedDataItem) ([]byte, error) {
	it, ok := item.(*Item)
	if !ok {
		return nil, fmt.Errorf("mockpayload: unexpected item %T", item)
	}
	c.mu.RLock()
	rejected := c.rejectEncode[it.Kind]
	c.mu.RUnlock()
	if rejected {
		return nil, fmt.Errorf("mockpayload: kind %q is not serializable", it.Kind)
	}
	return json.Marshal(it)
}

func (c *Codec) UnmarshalItem(b []byte) (storage.CachedDataItem, error) {
	it := new(Item)
	if err := json.Unmarshal(b, it); err != nil {
		return nil, err
	}
	c.mu.RLock()
	rejected := c.rejectDecode[it.Kind]
	c.mu.RUnlock()
	if rejected {
		return nil, fmt.Errorf("mockpayload: kind %q does not match the current schema", it.Kind)
	}
	return it, nil
}
