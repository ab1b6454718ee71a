// gomapi - A MonetDB MAPI protocol driver for Go
//
// Copyright 2016 The gomapi Authors. All rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package mapi

import (
	"bytes"
	"fmt"
	"os"
	"strings"
)

// Connection is a single MAPI login session: transport endpoint,
// credentials, negotiated protocol/compression, and lifecycle state.
// It owns its byte stream exclusively and is not safe for concurrent
// use - the protocol is strictly half-duplex, at most one command in
// flight at a time.
type Connection struct {
	hostname   string
	port       int
	unixSocket string

	username string
	password string
	database string
	language string

	protocol    Protocol
	compression Compression
	endianness  Endianness
	blocksize   int

	state  state
	stream *byteStream
	codec  *blockCodec
}

// NewConnection returns an unconnected Connection. Its endianness is
// the runtime's native byte order and its blocksize is
// DefaultBlocksize; the blocksize can be overridden with SetBlocksize
// before calling Connect.
func NewConnection() *Connection {
	return &Connection{
		state:       stateInit,
		protocol:    ProtocolV9,
		compression: CompressionNone,
		endianness:  hostEndianness(),
		blocksize:   DefaultBlocksize,
	}
}

// SetBlocksize overrides the blocksize advertised to the server
// during a ProtocolV10 handshake upgrade. Must be called before
// Connect.
func (conn *Connection) SetBlocksize(n int) { conn.blocksize = n }

// Connect sets up a connection to a MAPI server. hostname, port and
// unixSocket select the transport; pass "" / 0 / "" for whichever
// don't apply. A hostname beginning with "/" names a directory and
// the socket "<hostname>/.s.monetdb.<port>" is used; otherwise, with
// no unixSocket, "/tmp/.s.monetdb.<port>" is used if it exists, and
// TCP to hostname (default "localhost") if not.
func (conn *Connection) Connect(database, username, password, language, hostname string, port int, unixSocket string) error {
	return conn.connect(database, username, password, language, hostname, port, unixSocket, 0)
}

func (conn *Connection) connect(database, username, password, language, hostname string, port int, unixSocket string, redirectDepth int) error {
	if redirectDepth > maxRedirectDepth {
		return &OperationalError{Msg: fmt.Sprintf("maximal number of redirects reached (%d)", maxRedirectDepth)}
	}

	if strings.HasPrefix(hostname, "/") && unixSocket == "" {
		unixSocket = fmt.Sprintf("%s/.s.monetdb.%d", hostname, port)
		hostname = ""
	}
	if unixSocket == "" {
		candidate := fmt.Sprintf("/tmp/.s.monetdb.%d", port)
		if _, err := os.Stat(candidate); err == nil {
			unixSocket = candidate
		} else if hostname == "" {
			hostname = "localhost"
		}
	}

	conn.database = database
	conn.username = username
	conn.password = password
	conn.language = language
	conn.hostname = hostname
	conn.port = port
	conn.unixSocket = unixSocket

	usingUnix := unixSocket != ""

	var netStream *byteStream
	if usingUnix {
		c, dialErr := dialUnix(unixSocket)
		if dialErr != nil {
			return &OperationalError{Msg: dialErr.Error()}
		}
		netStream = newByteStream(c)
	} else {
		c, dialErr := dialTCP(hostname, port)
		if dialErr != nil {
			return &OperationalError{Msg: dialErr.Error()}
		}
		netStream = newByteStream(c)
	}
	conn.stream = netStream
	conn.protocol = ProtocolV9
	conn.compression = CompressionNone
	conn.codec = &blockCodec{protocol: ProtocolV9, compression: CompressionNone}

	if usingUnix && language != "control" {
		// Priming byte: the server expects one raw unframed byte
		// before anything else arrives on a fresh Unix socket.
		if err := conn.stream.writeAll([]byte("0")); err != nil {
			conn.stream.close()
			return err
		}
	}

	bypass := language == "control" && usingUnix
	conn.codec.rawControl = bypass

	if !bypass {
		depth := redirectDepth
	handshakeLoop:
		for {
			outcome, hsErr := conn.performHandshake()
			if hsErr != nil {
				conn.stream.close()
				return hsErr
			}
			switch outcome.kind {
			case promptAccepted:
				break handshakeLoop
			case promptRedirectMerovingian:
				depth++
				if depth > maxRedirectDepth {
					conn.stream.close()
					return &OperationalError{Msg: fmt.Sprintf("maximal number of redirects reached (%d)", maxRedirectDepth)}
				}
				continue handshakeLoop
			case promptRedirectMonetDB:
				conn.stream.close()
				return conn.connect(outcome.redirectDBName, conn.username, conn.password, conn.language,
					outcome.redirectHost, outcome.redirectPort, "", depth+1)
			}
		}
	}

	conn.state = stateReady
	return nil
}

// Disconnect tears down the underlying transport. It is idempotent
// and safe to call even if Connect failed partway through.
func (conn *Connection) Disconnect() error {
	conn.state = stateInit
	if conn.stream == nil {
		return nil
	}
	return conn.stream.close()
}

// Cmd sends operation to the server as a single MAPI command and
// returns its response, classifying and raising server-signaled
// errors along the way.
func (conn *Connection) Cmd(operation string) (string, error) {
	if conn.state != stateReady {
		return "", &ProgrammingError{Msg: "Not connected"}
	}
	if err := conn.codec.putBlock(conn.stream, []byte(operation)); err != nil {
		return "", err
	}
	return conn.readResponse()
}

// readResponse reads and classifies one server message per the
// leading-sentinel dispatch table: empty/OK prompts return their
// payload, "more input" prompts are answered with an empty command,
// update responses are scanned for an embedded error line, the
// remaining query/result sentinels are returned raw, and error/info
// lines are mapped through ErrorMap or logged respectively.
func (conn *Connection) readResponse() (string, error) {
	msg, err := conn.codec.getBlock(conn.stream)
	if err != nil {
		return "", err
	}
	if len(msg) == 0 {
		return "", nil
	}
	if bytes.HasPrefix(msg, msgOK) {
		return strings.TrimSpace(string(msg[len(msgOK):])), nil
	}
	if bytes.Equal(msg, msgMore) {
		return conn.Cmd("")
	}

	if bytes.HasPrefix(msg, msgUpdate) {
		for _, line := range bytes.Split(msg, []byte("\n")) {
			if len(line) > 0 && line[0] == sentinelError {
				kind, text := handleError(string(line[1:]))
				return "", kind.newError(text)
			}
		}
	}

	switch msg[0] {
	case sentinelQuery, sentinelHeader, sentinelTuple, sentinelNewResultHeader, sentinelInitialResultChnk, sentinelResultChunk:
		return string(msg), nil
	case sentinelError:
		kind, text := handleError(string(msg[1:]))
		return "", kind.newError(text)
	case sentinelInfo:
		errLog.Print(string(msg[1:]))
		return "", nil
	}

	if conn.codec.rawControl {
		if bytes.HasPrefix(msg, []byte("OK")) {
			return strings.TrimSpace(string(msg[2:])), nil
		}
		return string(msg), nil
	}

	return "", &ProgrammingError{Msg: fmt.Sprintf("unknown state: %s", msg)}
}
