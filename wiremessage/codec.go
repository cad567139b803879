// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"context"
	"encoding/binary"
	"io"
	"sync/atomic"
	"time"

	"github.com/mongocore/go-driver-core/compressor"
)

// Transport is the byte-stream abstraction the Wire Codec consumes
// (SPEC_FULL.md §1); TLS/TCP construction of it is external to this core.
type Transport interface {
	io.Reader
	io.Writer
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	Close() error
}

// noCompressAllowList is the set of command names that must never be sent
// compressed, regardless of a negotiated compressor (SPEC_FULL.md §4.1 and
// §9's "never compress a hello" decision).
var noCompressAllowList = map[string]struct{}{
	"hello":          {},
	"ismaster":       {},
	"isMaster":       {},
	"saslStart":      {},
	"saslContinue":   {},
	"getnonce":       {},
	"authenticate":   {},
	"createUser":     {},
	"updateUser":     {},
	"copydbgetnonce": {},
	"copydbsaslstart": {},
	"copydb":         {},
}

// CanCompress reports whether cmd is eligible for OP_COMPRESSED wrapping.
func CanCompress(cmd string) bool {
	_, excluded := noCompressAllowList[cmd]
	return !excluded
}

// Request is one outbound command, scoped to a single connection for its
// lifetime (SPEC_FULL.md §3).
type Request struct {
	CommandName string
	Command     []byte
	Sequences   []DocumentSequence
	MoreToCome  bool
}

// Reply is one inbound response, correlated 1:1 with the Request that
// produced it by request-id (SPEC_FULL.md §3).
type Reply struct {
	ResponseTo int32
	Body       []byte
	Sequences  []DocumentSequence
	MoreToCome bool
}

// Codec frames outbound commands and parses inbound replies over a single
// Transport, owning request-id generation and (optionally) OP_COMPRESSED
// negotiation for this connection (SPEC_FULL.md §4.1).
type Codec struct {
	transport  Transport
	nextReqID  int32
	compressor compressor.Compressor
	maxSize    int32

	readBuf []byte
}

// NewCodec wraps transport. If comp is non-nil, eligible outbound commands
// are compressed with it.
func NewCodec(transport Transport, comp compressor.Compressor) *Codec {
	return &Codec{
		transport:  transport,
		nextReqID:  0,
		compressor: comp,
		maxSize:    MaxMessageSize,
		readBuf:    make([]byte, 256),
	}
}

// SetMaxMessageSize overrides the default 48MiB inbound frame cap.
func (c *Codec) SetMaxMessageSize(n int32) { c.maxSize = n }

func (c *Codec) nextRequestID() int32 {
	id := atomic.AddInt32(&c.nextReqID, 1)
	// Request-ids start at 1 and wrap from 2^31-1 back to 1
	// (SPEC_FULL.md §4.1, tested by the boundary case in §8).
	if id <= 0 {
		atomic.StoreInt32(&c.nextReqID, 1)
		return 1
	}
	return id
}

func (c *Codec) setDeadline(ctx context.Context, set func(time.Time) error) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return set(time.Time{})
	}
	return set(deadline)
}

// Send frames req and writes it to the transport, returning the assigned
// request-id. On success the entire framed message has been written.
func (c *Codec) Send(ctx context.Context, req Request) (int32, error) {
	select {
	case <-ctx.Done():
		return 0, &Error{Kind: KindTimeout, Wrapped: ctx.Err()}
	default:
	}

	reqID := c.nextRequestID()
	var flags uint32
	if req.MoreToCome {
		flags |= FlagMoreToCome
	}

	msg := Message{RequestID: reqID, FlagBits: flags, Body: req.Command, Sequences: req.Sequences}
	framed, err := msg.Marshal(nil)
	if err != nil {
		return 0, &Error{Kind: KindWrite, Wrapped: err}
	}

	if c.compressor != nil && CanCompress(req.CommandName) {
		framed = c.wrapCompressed(framed, reqID)
	}

	if err := c.setDeadline(ctx, c.transport.SetWriteDeadline); err != nil {
		return 0, &Error{Kind: KindWrite, Wrapped: err}
	}

	if _, err := c.transport.Write(framed); err != nil {
		return 0, &Error{Kind: KindWrite, Wrapped: err}
	}

	return reqID, nil
}

func (c *Codec) wrapCompressed(framed []byte, reqID int32) []byte {
	origOpcode := int32(OpMsg)
	payload := framed[headerSize:]

	compressed, err := c.compressor.CompressBytes(payload, nil)
	if err != nil {
		// Compression failures fall back to the uncompressed frame rather
		// than fail the send outright; the server accepts either.
		return framed
	}

	out := make([]byte, 0, headerSize+9+len(compressed))
	out = Header{OpCode: OpCompressed, RequestID: reqID}.AppendHeader(out)
	out = appendi32(out, origOpcode)
	out = appendi32(out, int32(len(payload)))
	out = append(out, byte(c.compressor.ID()))
	out = append(out, compressed...)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	return out
}

// Receive reads and parses the next reply. Replies on a connection arrive
// in request order (the server guarantees this for OP_MSG), so the caller
// is expected to match Reply.ResponseTo against the request-id it sent.
func (c *Codec) Receive(ctx context.Context) (Reply, error) {
	select {
	case <-ctx.Done():
		return Reply{}, &Error{Kind: KindTimeout, Wrapped: ctx.Err()}
	default:
	}

	if err := c.setDeadline(ctx, c.transport.SetReadDeadline); err != nil {
		return Reply{}, &Error{Kind: KindRead, Wrapped: err}
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.transport, sizeBuf[:]); err != nil {
		return Reply{}, c.classifyReadErr(err)
	}
	size := readi32(sizeBuf[:], 0)

	if size < MinMessageSize {
		return Reply{}, &Error{Kind: KindInvalidFrame, Wrapped: ErrInvalidFrame}
	}
	if size > c.maxSize {
		return Reply{}, &Error{Kind: KindInvalidFrame, Wrapped: ErrInvalidFrame}
	}

	if cap(c.readBuf) < int(size) {
		c.readBuf = make([]byte, size)
	} else {
		c.readBuf = c.readBuf[:size]
	}
	copy(c.readBuf, sizeBuf[:])
	if _, err := io.ReadFull(c.transport, c.readBuf[4:]); err != nil {
		return Reply{}, c.classifyReadErr(err)
	}

	hdr, err := ReadHeader(c.readBuf)
	if err != nil {
		return Reply{}, &Error{Kind: KindInvalidFrame, Wrapped: err}
	}

	raw := c.readBuf
	opcode := hdr.OpCode

	if opcode == OpCompressed {
		raw, err = c.decompress(c.readBuf, hdr)
		if err != nil {
			return Reply{}, &Error{Kind: KindInvalidFrame, Wrapped: err}
		}
		opcode = OpMsg
	}

	if opcode != OpMsg {
		return Reply{}, &Error{Kind: KindInvalidFrame, Wrapped: ErrInvalidFrame}
	}

	msg, err := Unmarshal(raw)
	if err != nil {
		return Reply{}, &Error{Kind: KindInvalidFrame, Wrapped: err}
	}

	return Reply{
		ResponseTo: msg.ResponseTo,
		Body:       msg.Body,
		Sequences:  msg.Sequences,
		MoreToCome: msg.MoreToCome(),
	}, nil
}

func (c *Codec) decompress(raw []byte, hdr Header) ([]byte, error) {
	body := raw[headerSize:]
	if len(body) < 9 {
		return nil, ErrInvalidFrame
	}
	origOpcode := readi32(body, 0)
	uncompressedSize := readi32(body, 4)
	compID := compressor.ID(body[8])
	payload := body[9:]

	comp := compressor.ByID(compID)
	if comp == nil {
		return nil, ErrInvalidFrame
	}

	uncompressed, err := comp.UncompressBytes(payload, uncompressedSize)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, headerSize+len(uncompressed))
	out = Header{OpCode: OpCode(origOpcode), RequestID: hdr.RequestID, ResponseTo: hdr.ResponseTo}.AppendHeader(out)
	out = append(out, uncompressed...)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	return out, nil
}

func (c *Codec) classifyReadErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &Error{Kind: KindClosed, Wrapped: err}
	}
	return &Error{Kind: KindRead, Wrapped: err}
}

// Close closes the underlying transport.
func (c *Codec) Close() error {
	return c.transport.Close()
}
