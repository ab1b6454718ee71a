// gomapi - A MonetDB MAPI protocol driver for Go
//
// Copyright 2016 The gomapi Authors. All rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package mapi

import (
	"io"
	"net"
	"strconv"
)

// DialFunc is a function which can be used to establish the
// transport connection for a network kind ("tcp" or "unix"). Custom
// dial functions can be registered with RegisterDial, which lets
// tests substitute an in-memory transport (net.Pipe) for the real
// socket.
type DialFunc func(addr string) (net.Conn, error)

var dials map[string]DialFunc

// RegisterDial registers a custom dial function for the given
// network kind ("tcp" or "unix"). It can then be used in place of the
// real net.Dial the next time Connect opens that kind of transport.
func RegisterDial(network string, dial DialFunc) {
	if dials == nil {
		dials = make(map[string]DialFunc)
	}
	dials[network] = dial
}

// byteStream wraps a stream-oriented transport (TCP socket or Unix
// domain socket) and provides the two primitives BlockCodec needs:
// read exactly n bytes, and write a buffer to completion. It owns the
// underlying net.Conn exclusively.
type byteStream struct {
	conn net.Conn
}

func dialTCP(host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if dial, ok := dials["tcp"]; ok {
		return dial(addr)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// Mirror MonetDB/src/common/stream.c socket settings.
		if err := tc.SetKeepAlive(false); err != nil {
			conn.Close()
			return nil, err
		}
		if err := tc.SetNoDelay(true); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func dialUnix(path string) (net.Conn, error) {
	if dial, ok := dials["unix"]; ok {
		return dial(path)
	}
	return net.Dial("unix", path)
}

func newByteStream(conn net.Conn) *byteStream {
	return &byteStream{conn: conn}
}

// readExact reads exactly n bytes, looping over short reads. It fails
// with OperationalError if the peer closes before n bytes arrive.
func (bs *byteStream) readExact(n int) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := bs.conn.Read(buf[read:])
		read += m
		if read >= n {
			break
		}
		if err != nil {
			if err == io.EOF {
				return nil, &OperationalError{Msg: "server closed connection"}
			}
			return nil, &OperationalError{Msg: err.Error()}
		}
		if m == 0 {
			return nil, &OperationalError{Msg: "server closed connection"}
		}
	}
	return buf, nil
}

// writeAll writes all of p, retrying until complete or the transport
// errors.
func (bs *byteStream) writeAll(p []byte) error {
	written := 0
	for written < len(p) {
		n, err := bs.conn.Write(p[written:])
		written += n
		if err != nil {
			return &OperationalError{Msg: err.Error()}
		}
	}
	return nil
}

// readUntilEOF reads until the peer half-closes the stream. It is
// only used for the control-language-over-Unix-socket bypass, where
// framing is disabled entirely.
func (bs *byteStream) readUntilEOF() ([]byte, error) {
	var result []byte
	buf := make([]byte, 4096)
	for {
		n, err := bs.conn.Read(buf)
		if n > 0 {
			result = append(result, buf[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				return result, nil
			}
			return nil, &OperationalError{Msg: err.Error()}
		}
	}
}

// close is idempotent.
func (bs *byteStream) close() error {
	if bs == nil || bs.conn == nil {
		return nil
	}
	err := bs.conn.Close()
	bs.conn = nil
	return err
}
