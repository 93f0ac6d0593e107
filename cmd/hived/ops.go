package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/galdor/go-hive/pkg/store"
)

const (
	UnitSeparator byte = 0x1f
)

// Op is a store operation carried by a proposal and applied once the
// proposal has been accepted. Values are JSON documents, which cannot contain
// an unescaped unit separator.
type Op interface {
	Name() string
	Key() string
	Encode(*bytes.Buffer)
	Decode([]byte) error
}

func EncodeOp(op Op) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(op.Name())
	buf.WriteByte(UnitSeparator)
	op.Encode(&buf)

	return buf.Bytes(), nil
}

func DecodeOp(data []byte) (Op, error) {
	sep := bytes.IndexByte(data, UnitSeparator)
	if sep == -1 {
		return nil, fmt.Errorf("invalid data")
	}

	var op Op

	name := string(data[:sep])
	switch name {
	case "put":
		op = &OpPut{}
	case "delete":
		op = &OpDelete{}
	default:
		return nil, fmt.Errorf("unknown op %q", name)
	}

	if err := op.Decode(data[sep+1:]); err != nil {
		return nil, err
	}

	return op, nil
}

type OpPut struct {
	EntryKey string          `json:"key"`
	Value    json.RawMessage `json:"value"`
}

func (op OpPut) Name() string {
	return "put"
}

func (op OpPut) Key() string {
	return op.EntryKey
}

func (op OpPut) Encode(buf *bytes.Buffer) {
	buf.WriteString(op.EntryKey)
	buf.WriteByte(UnitSeparator)
	buf.Write(op.Value)
}

func (op *OpPut) Decode(data []byte) error {
	sep := bytes.IndexByte(data, UnitSeparator)
	if sep == -1 {
		return fmt.Errorf("invalid data")
	}

	op.EntryKey = string(data[:sep])
	op.Value = json.RawMessage(data[sep+1:])

	return nil
}

type OpDelete struct {
	EntryKey string `json:"key"`
}

func (op OpDelete) Name() string {
	return "delete"
}

func (op OpDelete) Key() string {
	return op.EntryKey
}

func (op OpDelete) Encode(buf *bytes.Buffer) {
	buf.WriteString(op.EntryKey)
}

func (op *OpDelete) Decode(data []byte) error {
	op.EntryKey = string(data)
	return nil
}

// ApplyOp executes an operation on the store. Deletions respect locks.
func ApplyOp(s *store.Store, op Op) error {
	switch opv := op.(type) {
	case *OpPut:
		var value interface{}
		if err := json.Unmarshal(opv.Value, &value); err != nil {
			return fmt.Errorf("cannot decode value: %w", err)
		}

		_, err := s.Put(opv.EntryKey, value, nil)
		return err

	case *OpDelete:
		return s.Delete(opv.EntryKey, nil)

	default:
		return fmt.Errorf("unhandled op %#v", op)
	}
}
