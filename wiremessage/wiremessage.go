// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package wiremessage frames outbound commands and parses inbound replies
// over a single Transport (SPEC_FULL.md §4.1). It understands exactly two
// op-codes: OP_MSG and OP_COMPRESSED wrapping OP_MSG.
package wiremessage

import (
	"encoding/binary"
	"fmt"
)

// OpCode identifies the wire-message kind in the message header.
type OpCode int32

// The two op-codes this core speaks. Anything older (OP_QUERY, OP_REPLY,
// OP_GET_MORE, ...) predates the unified command framing and is out of
// scope (SPEC_FULL.md §1 Non-goals).
const (
	OpMsg        OpCode = 2013
	OpCompressed OpCode = 2012
)

func (c OpCode) String() string {
	switch c {
	case OpMsg:
		return "OP_MSG"
	case OpCompressed:
		return "OP_COMPRESSED"
	default:
		return fmt.Sprintf("OpCode(%d)", int32(c))
	}
}

// Flag bits for the OP_MSG flagBits field.
const (
	FlagChecksumPresent uint32 = 1 << 0
	FlagMoreToCome      uint32 = 1 << 1
	FlagExhaustAllowed  uint32 = 1 << 16
)

// MaxMessageSize is the configurable cap on a single message's declared
// length; a length beyond this is InvalidFrame (SPEC_FULL.md §4.1).
const MaxMessageSize = 48 * 1024 * 1024

// MinMessageSize is the smallest declared length the Codec reads past: the
// 16-byte header. A header-only message still fails as InvalidFrame later,
// since OP_MSG and OP_COMPRESSED both need fields after the header
// (SPEC_FULL.md §8).
const MinMessageSize = 16

const headerSize = 16

// Header is the 16-byte wire-message header common to both op-codes.
type Header struct {
	MessageLength int32
	RequestID     int32
	ResponseTo    int32
	OpCode        OpCode
}

// AppendHeader appends h's wire encoding to dst.
func (h Header) AppendHeader(dst []byte) []byte {
	dst = appendi32(dst, h.MessageLength)
	dst = appendi32(dst, h.RequestID)
	dst = appendi32(dst, h.ResponseTo)
	dst = appendi32(dst, int32(h.OpCode))
	return dst
}

// ReadHeader parses a Header from the front of src.
func ReadHeader(src []byte) (Header, error) {
	if len(src) < headerSize {
		return Header{}, fmt.Errorf("%w: message too short for a header (%d bytes)", ErrInvalidFrame, len(src))
	}
	return Header{
		MessageLength: readi32(src, 0),
		RequestID:     readi32(src, 4),
		ResponseTo:    readi32(src, 8),
		OpCode:        OpCode(readi32(src, 12)),
	}, nil
}

func appendi32(dst []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(v))
}

func readi32(b []byte, pos int) int32 {
	return int32(binary.LittleEndian.Uint32(b[pos : pos+4]))
}

// DocumentSequence is an OP_MSG section-type-1 payload: a named sequence
// of BSON documents, used for bulk-write style document batches.
type DocumentSequence struct {
	Identifier string
	Documents  [][]byte
}

// Message is a parsed/to-be-built OP_MSG (before any OP_COMPRESSED
// wrapping).
type Message struct {
	RequestID  int32
	ResponseTo int32
	FlagBits   uint32
	Body       []byte // the section-type-0 document
	Sequences  []DocumentSequence
}

// MoreToCome reports whether the server indicated a streaming reply
// follows without a matching request (SPEC_FULL.md §4.1).
func (m Message) MoreToCome() bool {
	return m.FlagBits&FlagMoreToCome != 0
}

// Marshal appends m's OP_MSG wire encoding (header + flagBits + sections)
// to dst.
func (m Message) Marshal(dst []byte) ([]byte, error) {
	start := len(dst)
	dst = Header{OpCode: OpMsg, RequestID: m.RequestID, ResponseTo: m.ResponseTo}.AppendHeader(dst)
	dst = binary.LittleEndian.AppendUint32(dst, m.FlagBits)

	// Section type 0: exactly one, the command/reply document.
	dst = append(dst, 0x00)
	dst = append(dst, m.Body...)

	for _, seq := range m.Sequences {
		seqStart := len(dst)
		dst = append(dst, 0x01)
		dst = appendi32(dst, 0) // patched below
		dst = append(dst, seq.Identifier...)
		dst = append(dst, 0x00)
		for _, doc := range seq.Documents {
			dst = append(dst, doc...)
		}
		seqLen := len(dst) - (seqStart + 1)
		binary.LittleEndian.PutUint32(dst[seqStart+1:seqStart+5], uint32(seqLen))
	}

	totalLen := len(dst) - start
	binary.LittleEndian.PutUint32(dst[start:start+4], uint32(totalLen))
	return dst, nil
}

// Unmarshal parses an OP_MSG (header already stripped of its length field
// interpretation, full raw message including header passed in src) into m.
func Unmarshal(src []byte) (Message, error) {
	hdr, err := ReadHeader(src)
	if err != nil {
		return Message{}, err
	}
	if hdr.OpCode != OpMsg {
		return Message{}, fmt.Errorf("%w: expected OP_MSG, got %s", ErrInvalidFrame, hdr.OpCode)
	}
	body := src[headerSize:]
	if len(body) < 4 {
		return Message{}, fmt.Errorf("%w: OP_MSG missing flagBits", ErrInvalidFrame)
	}
	m := Message{RequestID: hdr.RequestID, ResponseTo: hdr.ResponseTo}
	m.FlagBits = binary.LittleEndian.Uint32(body)
	rest := body[4:]

	for len(rest) > 0 {
		kind := rest[0]
		rest = rest[1:]
		switch kind {
		case 0x00:
			doclen, ok := bsonDocLen(rest)
			if !ok {
				return Message{}, fmt.Errorf("%w: malformed section-0 document", ErrInvalidFrame)
			}
			m.Body = rest[:doclen]
			rest = rest[doclen:]
		case 0x01:
			if len(rest) < 4 {
				return Message{}, fmt.Errorf("%w: malformed section-1 length", ErrInvalidFrame)
			}
			seqLen := int(readi32(rest, 0))
			if seqLen < 5 || seqLen > len(rest) {
				return Message{}, fmt.Errorf("%w: section-1 length out of range", ErrInvalidFrame)
			}
			seqBytes := rest[4:seqLen]
			idEnd := indexByte(seqBytes, 0x00)
			if idEnd < 0 {
				return Message{}, fmt.Errorf("%w: unterminated section-1 identifier", ErrInvalidFrame)
			}
			identifier := string(seqBytes[:idEnd])
			docs := seqBytes[idEnd+1:]
			var parsed [][]byte
			for len(docs) > 0 {
				dl, ok := bsonDocLen(docs)
				if !ok {
					return Message{}, fmt.Errorf("%w: malformed section-1 document", ErrInvalidFrame)
				}
				parsed = append(parsed, docs[:dl])
				docs = docs[dl:]
			}
			m.Sequences = append(m.Sequences, DocumentSequence{Identifier: identifier, Documents: parsed})
			rest = rest[seqLen:]
		default:
			return Message{}, fmt.Errorf("%w: unknown OP_MSG section kind %d", ErrInvalidFrame, kind)
		}
	}

	return m, nil
}

func bsonDocLen(b []byte) (int, bool) {
	if len(b) < 4 {
		return 0, false
	}
	n := int(readi32(b, 0))
	if n < 5 || n > len(b) {
		return 0, false
	}
	return n, true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
