// gomapi - A MonetDB MAPI protocol driver for Go
//
// Copyright 2016 The gomapi Authors. All rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package mapi

// Protocol identifies the wire framing version negotiated during login.
type Protocol int

const (
	// ProtocolV9 is the only protocol version the server challenge may
	// request; it uses a 2-byte block header and never compresses.
	ProtocolV9 Protocol = iota + 1
	// ProtocolV10 widens the block header to 8 bytes and allows the
	// client to advertise a blocksize and optional compression.
	ProtocolV10
)

func (p Protocol) String() string {
	switch p {
	case ProtocolV9:
		return "v9"
	case ProtocolV10:
		return "v10"
	default:
		return "unknown"
	}
}

// Compression identifies the per-block compression scheme in effect.
// Non-None compression requires ProtocolV10; V9 framing has no room
// for it.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "COMPRESSION_NONE"
	case CompressionSnappy:
		return "COMPRESSION_SNAPPY"
	case CompressionLZ4:
		return "COMPRESSION_LZ4"
	default:
		return "unknown"
	}
}

// Endianness records which byte order a side of the connection uses.
// It only ever affects the literal tag sent during a ProtocolV10
// handshake upgrade; see computeChallengeResponse.
type Endianness int

const (
	EndianLittle Endianness = iota
	EndianBig
)

// state is the lifecycle of a Connection.
type state int

const (
	stateInit state = iota
	stateReady
)

// MaxPackageLength is the largest raw (pre-compression) payload chunk
// BlockCodec will ever place after a single block header; a compressed
// chunk on the wire may be longer. putBlock splits larger payloads
// across multiple blocks; getBlock reassembles them transparently.
const MaxPackageLength = 8190

// DefaultBlocksize is advertised to the server during a ProtocolV10
// handshake upgrade when the caller hasn't called
// Connection.SetBlocksize.
const DefaultBlocksize = 1000000

// maxRedirectDepth bounds how many times Connect will follow a server
// redirect (merovingian same-socket retry or monetdb reconnect)
// before giving up with an OperationalError.
const maxRedirectDepth = 10

// Sentinel bytes that prefix a server response; see spec §6.
var (
	msgMore   = []byte{1, 2, '\n'}
	msgOK     = []byte("=OK")
	msgUpdate = []byte("&2")
)

const (
	sentinelInfo              = '#'
	sentinelError             = '!'
	sentinelRedirect          = '^'
	sentinelQuery             = '&'
	sentinelHeader            = '%'
	sentinelNewResultHeader   = '*'
	sentinelInitialResultChnk = '+'
	sentinelResultChunk       = '-'
	sentinelTuple             = '['
)
