// gomapi - A MonetDB MAPI protocol driver for Go
//
// Copyright 2016 The gomapi Authors. All rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package mapi

import (
	"encoding/binary"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// blockCodec encodes and decodes MAPI block framing on top of a
// byteStream. A message is a sequence of blocks; each block carries a
// header and a payload, and the last block's header has its low bit
// set.
//
// When language is "control" and the underlying transport is a Unix
// domain socket, framing is disabled entirely: getBlock reads until
// the peer half-closes and putBlock writes the raw bytes. rawControl
// carries that flag.
type blockCodec struct {
	protocol    Protocol
	compression Compression
	rawControl  bool
}

func (c *blockCodec) headerWidth() int {
	if c.protocol == ProtocolV10 {
		return 8
	}
	return 2
}

func (c *blockCodec) readHeader(bs *byteStream) (length int, last bool, err error) {
	data, err := bs.readExact(c.headerWidth())
	if err != nil {
		return 0, false, err
	}
	var v uint64
	if c.protocol == ProtocolV10 {
		v = binary.LittleEndian.Uint64(data)
	} else {
		v = uint64(binary.LittleEndian.Uint16(data))
	}
	return int(v >> 1), v&1 == 1, nil
}

func (c *blockCodec) writeHeader(bs *byteStream, length int, last bool) error {
	var flag uint64
	if last {
		flag = uint64(length)<<1 | 1
	} else {
		flag = uint64(length) << 1
	}
	if c.protocol == ProtocolV10 {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, flag)
		return bs.writeAll(buf)
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(flag))
	return bs.writeAll(buf)
}

func (c *blockCodec) decompress(chunk []byte) ([]byte, error) {
	switch c.compression {
	case CompressionSnappy:
		out, err := snappy.Decode(nil, chunk)
		if err != nil {
			return nil, &OperationalError{Msg: err.Error()}
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, 0, len(chunk)*4+64)
		return lz4DecodeBlock(chunk, out)
	default:
		return chunk, nil
	}
}

func (c *blockCodec) compress(chunk []byte) ([]byte, error) {
	switch c.compression {
	case CompressionSnappy:
		return snappy.Encode(nil, chunk), nil
	case CompressionLZ4:
		return lz4EncodeBlock(chunk)
	default:
		return chunk, nil
	}
}

// lz4 block compression has no frame header to self-describe its
// payload, unlike Snappy, so a chunk needs one leading byte recording
// whether CompressBlock actually compressed it. pierrec/lz4's
// CompressBlock returns n==0 for any input it can't shrink (notably
// everything shorter than its ~12-byte internal match length), which
// is a routine outcome for short MAPI commands like "commit" - not a
// failure - so that case is stored verbatim instead of erroring.
const (
	lz4FlagStored     = 0
	lz4FlagCompressed = 1
)

// lz4EncodeBlock compresses a single chunk using the LZ4 block format
// (no frame header), matching the chunk-at-a-time framing BlockCodec
// already imposes.
func lz4EncodeBlock(chunk []byte) ([]byte, error) {
	buf := make([]byte, 1+lz4.CompressBlockBound(len(chunk)))
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(chunk, buf[1:])
	if err != nil {
		return nil, &OperationalError{Msg: err.Error()}
	}
	if n == 0 {
		buf[0] = lz4FlagStored
		copy(buf[1:1+len(chunk)], chunk)
		return buf[:1+len(chunk)], nil
	}
	buf[0] = lz4FlagCompressed
	return buf[:1+n], nil
}

// lz4DecodeBlock decompresses a single LZ4 block previously produced
// by lz4EncodeBlock. dst is reused as scratch capacity.
func lz4DecodeBlock(chunk []byte, dst []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, &OperationalError{Msg: "lz4: truncated block"}
	}
	flag, body := chunk[0], chunk[1:]
	if flag == lz4FlagStored {
		return body, nil
	}
	// The uncompressed size isn't carried on the wire for LZ4 blocks,
	// so grow the destination buffer until it's large enough.
	for {
		n, err := lz4.UncompressBlock(body, dst[:cap(dst)])
		if err == nil {
			return dst[:n], nil
		}
		if cap(dst) == 0 {
			dst = make([]byte, 0, 4096)
			continue
		}
		if cap(dst) > 1<<24 {
			return nil, &OperationalError{Msg: err.Error()}
		}
		dst = make([]byte, 0, cap(dst)*2)
	}
}

// getBlock reads one MAPI message: it repeatedly reads a header then
// its payload, decompressing each chunk if needed, until it consumes
// a block with last=1. It returns the concatenated, decompressed
// payload.
func (c *blockCodec) getBlock(bs *byteStream) ([]byte, error) {
	if c.rawControl {
		data, err := bs.readUntilEOF()
		if err != nil {
			return nil, err
		}
		return trimSpace(data), nil
	}

	var result []byte
	for {
		length, last, err := c.readHeader(bs)
		if err != nil {
			return nil, err
		}
		if length > 0 {
			chunk, err := bs.readExact(length)
			if err != nil {
				return nil, err
			}
			chunk, err = c.decompress(chunk)
			if err != nil {
				return nil, err
			}
			result = append(result, chunk...)
		}
		if last {
			break
		}
	}
	if result == nil {
		result = []byte{}
	}
	return result, nil
}

// putBlock splits payload into chunks of at most MaxPackageLength raw
// bytes, optionally compresses each chunk, and writes a header
// followed by the chunk for every one of them in order. The header's
// last flag must be decided from the raw chunk size, not the
// post-compression wire size: a chunk whose raw size is exactly
// MaxPackageLength is always followed by another (possibly empty)
// block, so the receiver never mistakes a heavily-compressed
// non-final chunk for the end of the message.
func (c *blockCodec) putBlock(bs *byteStream, payload []byte) error {
	if c.rawControl {
		return bs.writeAll(payload)
	}

	pos := 0
	for {
		end := pos + MaxPackageLength
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[pos:end]
		rawLen := len(chunk)
		pos = end

		wire, err := c.compress(chunk)
		if err != nil {
			return err
		}
		last := rawLen < MaxPackageLength

		if err := c.writeHeader(bs, len(wire), last); err != nil {
			return err
		}
		if len(wire) > 0 {
			if err := bs.writeAll(wire); err != nil {
				return err
			}
		}
		if last {
			return nil
		}
	}
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
