// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package compressor implements the three OP_COMPRESSED algorithms named
// in SPEC_FULL.md §4.1: snappy, zlib, and zstd.
package compressor

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// ID is the wire-protocol compressor identifier carried in OP_COMPRESSED.
type ID uint8

// The compressor IDs defined by the wire protocol.
const (
	IDNoop   ID = 0
	IDSnappy ID = 1
	IDZLib   ID = 2
	IDZstd   ID = 3
)

// Compressor compresses and decompresses OP_MSG payloads for OP_COMPRESSED
// framing.
type Compressor interface {
	ID() ID
	Name() string
	CompressBytes(src, dst []byte) ([]byte, error)
	UncompressBytes(src []byte, uncompressedSize int32) ([]byte, error)
}

// Snappy implements Compressor using github.com/golang/snappy.
type Snappy struct{}

func (Snappy) ID() ID          { return IDSnappy }
func (Snappy) Name() string    { return "snappy" }

// CompressBytes compresses src into a newly allocated slice: dst is passed
// to snappy.Encode with zero length, so its backing array is not reused.
func (Snappy) CompressBytes(src, dst []byte) ([]byte, error) {
	return snappy.Encode(dst[:0], src), nil
}

// UncompressBytes decompresses src. uncompressedSize is advisory; snappy's
// own length prefix is authoritative.
func (Snappy) UncompressBytes(src []byte, uncompressedSize int32) ([]byte, error) {
	dst := make([]byte, 0, uncompressedSize)
	return snappy.Decode(dst, src)
}

// ZLib implements Compressor using compress/zlib at Level, or at
// zlib.DefaultCompression when Level is zero (the wire protocol does not
// negotiate a level).
type ZLib struct {
	Level int
}

func (ZLib) ID() ID       { return IDZLib }
func (ZLib) Name() string { return "zlib" }

func (z ZLib) CompressBytes(src, _ []byte) ([]byte, error) {
	level := z.Level
	if level == 0 {
		level = zlib.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (ZLib) UncompressBytes(src []byte, uncompressedSize int32) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	dst := make([]byte, uncompressedSize)
	if _, err := io.ReadFull(r, dst); err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return dst, nil
}

// Zstd implements Compressor using github.com/klauspost/compress/zstd.
type Zstd struct{}

func (Zstd) ID() ID       { return IDZstd }
func (Zstd) Name() string { return "zstd" }

func (Zstd) CompressBytes(src, dst []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(src, dst[:0]), nil
}

func (Zstd) UncompressBytes(src []byte, uncompressedSize int32) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(src, make([]byte, 0, uncompressedSize))
}

// ByID returns the Compressor implementing id, or nil if unknown.
func ByID(id ID) Compressor {
	switch id {
	case IDSnappy:
		return Snappy{}
	case IDZLib:
		return ZLib{}
	case IDZstd:
		return Zstd{}
	default:
		return nil
	}
}

// ByName returns the Compressor matching name ("snappy", "zlib", "zstd"),
// or nil if unrecognized.
func ByName(name string) Compressor {
	switch name {
	case "snappy":
		return Snappy{}
	case "zlib":
		return ZLib{}
	case "zstd":
		return Zstd{}
	default:
		return nil
	}
}

// Negotiate picks the first compressor in clientPreference (client order)
// that also appears in serverSupported, returning nil if there is no
// overlap (SPEC_FULL.md §4.1).
func Negotiate(clientPreference []string, serverSupported []string) Compressor {
	supported := make(map[string]struct{}, len(serverSupported))
	for _, s := range serverSupported {
		supported[s] = struct{}{}
	}
	for _, name := range clientPreference {
		if _, ok := supported[name]; ok {
			return ByName(name)
		}
	}
	return nil
}
