// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package bsoncore treats BSON as opaque, length-prefixed bytes. It exists
// so the driver core can build and inspect the handful of top-level fields
// it cares about (command names, "ok", error codes, sasl payloads) without
// depending on a full BSON codec, which is explicitly out of scope for this
// core (see SPEC_FULL.md §1).
package bsoncore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Type is a BSON element type tag.
type Type byte

// The subset of BSON type tags this package round-trips.
const (
	TypeDouble          Type = 0x01
	TypeString          Type = 0x02
	TypeEmbeddedDocument Type = 0x03
	TypeArray           Type = 0x04
	TypeBinary          Type = 0x05
	TypeBoolean         Type = 0x08
	TypeDateTime        Type = 0x09
	TypeNull            Type = 0x0A
	TypeInt32           Type = 0x10
	TypeInt64           Type = 0x12
)

// Document is a raw BSON document: a length-prefixed, null-terminated byte
// slice. It is never mutated in place; builders always produce a new slice.
type Document []byte

// ErrMalformed is returned when a Document's declared length or structure
// does not match its actual bytes.
var ErrMalformed = errors.New("bsoncore: malformed document")

// Len reads the 4-byte little-endian length prefix.
func (d Document) Len() int32 {
	if len(d) < 4 {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(d))
}

// Validate checks that d's declared length matches len(d) and that it ends
// with the mandatory null terminator.
func (d Document) Validate() error {
	if len(d) < 5 {
		return ErrMalformed
	}
	length := d.Len()
	if int(length) != len(d) {
		return ErrMalformed
	}
	if d[len(d)-1] != 0x00 {
		return ErrMalformed
	}
	return nil
}

// Lookup searches the top level of d for key and returns its Value.
func (d Document) Lookup(key string) (Value, bool) {
	elems, ok := d.elements()
	if !ok {
		return Value{}, false
	}
	for _, e := range elems {
		if e.key == key {
			return e.value, true
		}
	}
	return Value{}, false
}

type element struct {
	key   string
	value Value
}

// elements walks the top level of the document, returning each key/value
// pair. It returns ok=false on any structural error.
func (d Document) elements() ([]element, bool) {
	if len(d) < 5 {
		return nil, false
	}
	length := int(d.Len())
	if length > len(d) {
		return nil, false
	}
	var elems []element
	i := 4
	for i < length-1 {
		t := Type(d[i])
		i++
		start := i
		for i < length && d[i] != 0x00 {
			i++
		}
		if i >= length {
			return nil, false
		}
		key := string(d[start:i])
		i++ // skip null terminator of the key cstring

		v, n, ok := readValue(t, d[i:])
		if !ok {
			return nil, false
		}
		elems = append(elems, element{key: key, value: v})
		i += n
	}
	return elems, true
}

// Value is a BSON value paired with its type tag.
type Value struct {
	Type Type
	Data []byte
}

// StringValue returns the UTF-8 string encoded in v, if v is a string.
func (v Value) StringValue() (string, bool) {
	if v.Type != TypeString || len(v.Data) < 4 {
		return "", false
	}
	n := int(int32(binary.LittleEndian.Uint32(v.Data)))
	if len(v.Data) < 4+n || n < 1 {
		return "", false
	}
	return string(v.Data[4 : 4+n-1]), true
}

// Int32Value returns v as an int32, coercing from int64/double/bool as BSON
// numeric comparisons commonly require (the "ok" field may arrive as any of
// these).
func (v Value) Int32Value() (int32, bool) {
	switch v.Type {
	case TypeInt32:
		if len(v.Data) < 4 {
			return 0, false
		}
		return int32(binary.LittleEndian.Uint32(v.Data)), true
	case TypeInt64:
		if len(v.Data) < 8 {
			return 0, false
		}
		return int32(int64(binary.LittleEndian.Uint64(v.Data))), true
	case TypeDouble:
		if len(v.Data) < 8 {
			return 0, false
		}
		bits := binary.LittleEndian.Uint64(v.Data)
		return int32(math.Float64frombits(bits)), true
	case TypeBoolean:
		if len(v.Data) < 1 {
			return 0, false
		}
		if v.Data[0] != 0 {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// BooleanValue returns v as a bool.
func (v Value) BooleanValue() (bool, bool) {
	if v.Type != TypeBoolean || len(v.Data) < 1 {
		return false, false
	}
	return v.Data[0] != 0, true
}

// DocumentValue returns v as an embedded Document.
func (v Value) DocumentValue() (Document, bool) {
	if v.Type != TypeEmbeddedDocument && v.Type != TypeArray {
		return nil, false
	}
	return Document(v.Data), true
}

// BinaryValue returns the raw bytes and subtype of a binary value.
func (v Value) BinaryValue() (subtype byte, data []byte, ok bool) {
	if v.Type != TypeBinary || len(v.Data) < 5 {
		return 0, nil, false
	}
	n := int(int32(binary.LittleEndian.Uint32(v.Data)))
	if len(v.Data) < 5+n {
		return 0, nil, false
	}
	return v.Data[4], v.Data[5 : 5+n], true
}

func readValue(t Type, b []byte) (Value, int, bool) {
	switch t {
	case TypeDouble:
		if len(b) < 8 {
			return Value{}, 0, false
		}
		return Value{Type: t, Data: b[:8]}, 8, true
	case TypeString:
		if len(b) < 4 {
			return Value{}, 0, false
		}
		n := int(int32(binary.LittleEndian.Uint32(b)))
		if n < 1 || len(b) < 4+n {
			return Value{}, 0, false
		}
		return Value{Type: t, Data: b[:4+n]}, 4 + n, true
	case TypeEmbeddedDocument, TypeArray:
		if len(b) < 4 {
			return Value{}, 0, false
		}
		n := int(int32(binary.LittleEndian.Uint32(b)))
		if n < 5 || len(b) < n {
			return Value{}, 0, false
		}
		return Value{Type: t, Data: b[:n]}, n, true
	case TypeBinary:
		if len(b) < 5 {
			return Value{}, 0, false
		}
		n := int(int32(binary.LittleEndian.Uint32(b)))
		if len(b) < 5+n {
			return Value{}, 0, false
		}
		return Value{Type: t, Data: b[:5+n]}, 5 + n, true
	case TypeBoolean:
		if len(b) < 1 {
			return Value{}, 0, false
		}
		return Value{Type: t, Data: b[:1]}, 1, true
	case TypeDateTime, TypeInt64:
		if len(b) < 8 {
			return Value{}, 0, false
		}
		return Value{Type: t, Data: b[:8]}, 8, true
	case TypeNull:
		return Value{Type: t, Data: nil}, 0, true
	case TypeInt32:
		if len(b) < 4 {
			return Value{}, 0, false
		}
		return Value{Type: t, Data: b[:4]}, 4, true
	default:
		return Value{}, 0, false
	}
}

// DocumentBuilder incrementally assembles a Document.
type DocumentBuilder struct {
	buf []byte
}

// NewDocumentBuilder returns an empty DocumentBuilder.
func NewDocumentBuilder() *DocumentBuilder {
	return &DocumentBuilder{buf: make([]byte, 4)}
}

func (b *DocumentBuilder) appendKey(t Type, key string) {
	b.buf = append(b.buf, byte(t))
	b.buf = append(b.buf, key...)
	b.buf = append(b.buf, 0x00)
}

// AppendInt32 appends a 32-bit integer element.
func (b *DocumentBuilder) AppendInt32(key string, v int32) *DocumentBuilder {
	b.appendKey(TypeInt32, key)
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(v))
	return b
}

// AppendInt64 appends a 64-bit integer element.
func (b *DocumentBuilder) AppendInt64(key string, v int64) *DocumentBuilder {
	b.appendKey(TypeInt64, key)
	b.buf = binary.LittleEndian.AppendUint64(b.buf, uint64(v))
	return b
}

// AppendString appends a UTF-8 string element.
func (b *DocumentBuilder) AppendString(key, v string) *DocumentBuilder {
	b.appendKey(TypeString, key)
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(v)+1))
	b.buf = append(b.buf, v...)
	b.buf = append(b.buf, 0x00)
	return b
}

// AppendBoolean appends a boolean element.
func (b *DocumentBuilder) AppendBoolean(key string, v bool) *DocumentBuilder {
	b.appendKey(TypeBoolean, key)
	if v {
		b.buf = append(b.buf, 0x01)
	} else {
		b.buf = append(b.buf, 0x00)
	}
	return b
}

// AppendDouble appends a double element.
func (b *DocumentBuilder) AppendDouble(key string, v float64) *DocumentBuilder {
	b.appendKey(TypeDouble, key)
	b.buf = binary.LittleEndian.AppendUint64(b.buf, math.Float64bits(v))
	return b
}

// AppendDocument appends a pre-built embedded document or array.
func (b *DocumentBuilder) AppendDocument(key string, doc Document) *DocumentBuilder {
	b.appendKey(TypeEmbeddedDocument, key)
	b.buf = append(b.buf, doc...)
	return b
}

// AppendArray appends a pre-built array value under an embedded-array type tag.
func (b *DocumentBuilder) AppendArray(key string, arr Document) *DocumentBuilder {
	b.appendKey(TypeArray, key)
	b.buf = append(b.buf, arr...)
	return b
}

// AppendBinary appends a binary element with the given subtype (0x00 is
// generic binary).
func (b *DocumentBuilder) AppendBinary(key string, subtype byte, data []byte) *DocumentBuilder {
	b.appendKey(TypeBinary, key)
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(data)))
	b.buf = append(b.buf, subtype)
	b.buf = append(b.buf, data...)
	return b
}

// AppendNull appends a null element.
func (b *DocumentBuilder) AppendNull(key string) *DocumentBuilder {
	b.appendKey(TypeNull, key)
	return b
}

// Build finalizes and returns the Document. The builder is not reusable
// afterward.
func (b *DocumentBuilder) Build() Document {
	b.buf = append(b.buf, 0x00)
	binary.LittleEndian.PutUint32(b.buf, uint32(len(b.buf)))
	return Document(b.buf)
}

// BuildDocumentArray assembles an array value (BSON array element type)
// from a list of documents, keyed by their positional index as required by
// the BSON array encoding.
func BuildDocumentArray(docs ...Document) Document {
	b := NewDocumentBuilder()
	for i, d := range docs {
		b.AppendDocument(fmt.Sprintf("%d", i), d)
	}
	return b.Build()
}

// EmptyDocument is the canonical empty BSON document {}.
var EmptyDocument = Document{0x05, 0x00, 0x00, 0x00, 0x00}
