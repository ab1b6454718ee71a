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
	"fmt"
	"net"
	"testing"
)

// writeV9Block manually frames payload as a single V9 block (or more,
// if it exceeds MaxPackageLength), independent of blockCodec, so
// these tests exercise the codec rather than assume it.
func writeV9Block(conn net.Conn, payload []byte) error {
	pos := 0
	for {
		end := pos + MaxPackageLength
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[pos:end]
		pos = end
		last := len(chunk) < MaxPackageLength
		header := make([]byte, 2)
		v := uint16(len(chunk))<<1 | boolToUint16(last)
		binary.LittleEndian.PutUint16(header, v)
		if _, err := conn.Write(header); err != nil {
			return err
		}
		if len(chunk) > 0 {
			if _, err := conn.Write(chunk); err != nil {
				return err
			}
		}
		if last {
			return nil
		}
	}
}

func boolToUint16(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}

func readV9Block(conn net.Conn) ([]byte, error) {
	var result []byte
	for {
		header := make([]byte, 2)
		if _, err := readFull(conn, header); err != nil {
			return nil, err
		}
		v := binary.LittleEndian.Uint16(header)
		length := int(v >> 1)
		last := v&1 == 1
		if length > 0 {
			chunk := make([]byte, length)
			if _, err := readFull(conn, chunk); err != nil {
				return nil, err
			}
			result = append(result, chunk...)
		}
		if last {
			return result, nil
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

// withFakeTCPDialer registers a "tcp" dialer for the duration of the
// test that hands each requested addr a fresh net.Pipe, running
// handlers[addr] against the server side in a goroutine. It restores
// whatever dialer (if any) was registered before.
func withFakeTCPDialer(t *testing.T, handlers map[string]func(server net.Conn)) {
	t.Helper()
	prev, hadPrev := dials["tcp"]
	RegisterDial("tcp", func(addr string) (net.Conn, error) {
		h, ok := handlers[addr]
		if !ok {
			return nil, fmt.Errorf("no fake handler for addr %q", addr)
		}
		client, server := net.Pipe()
		go h(server)
		return client, nil
	})
	t.Cleanup(func() {
		if hadPrev {
			dials["tcp"] = prev
		} else {
			delete(dials, "tcp")
		}
	})
}

// withFakeUnixDialer is withFakeTCPDialer's "unix" counterpart, keyed
// by socket path instead of host:port.
func withFakeUnixDialer(t *testing.T, handlers map[string]func(server net.Conn)) {
	t.Helper()
	prev, hadPrev := dials["unix"]
	RegisterDial("unix", func(addr string) (net.Conn, error) {
		h, ok := handlers[addr]
		if !ok {
			return nil, fmt.Errorf("no fake handler for addr %q", addr)
		}
		client, server := net.Pipe()
		go h(server)
		return client, nil
	})
	t.Cleanup(func() {
		if hadPrev {
			dials["unix"] = prev
		} else {
			delete(dials, "unix")
		}
	})
}

// TestConnectUnixSocketPrimingByte exercises connect()'s unix-socket
// transport path end-to-end: dialing an explicit unixSocket, sending
// the raw '0' priming byte ahead of the framed handshake, then
// completing login normally.
func TestConnectUnixSocketPrimingByte(t *testing.T) {
	const sockPath = "/tmp/fake.s.monetdb.50000"
	primed := make(chan byte, 1)

	withFakeUnixDialer(t, map[string]func(net.Conn){
		sockPath: func(server net.Conn) {
			defer server.Close()
			primer := make([]byte, 1)
			if _, err := readFull(server, primer); err != nil {
				t.Errorf("reading priming byte: %v", err)
				return
			}
			primed <- primer[0]
			writeV9Block(server, []byte("abc:server:9:SHA1:BIG:SHA256"))
			readV9Block(server)
			writeV9Block(server, []byte(""))
		},
	})

	conn := NewConnection()
	if err := conn.Connect("d", "u", "p", "sql", "", 50000, sockPath); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.state != stateReady {
		t.Fatalf("got state=%v, want stateReady", conn.state)
	}
	if b := <-primed; b != '0' {
		t.Fatalf("got priming byte %q, want '0'", b)
	}
	conn.Disconnect()
}

// TestConnectUnixSocketHostnameRewrite is the hostname-starting-with-
// "/" branch of connect(): it must be rewritten into
// "<hostname>/.s.monetdb.<port>" and dialed as a unix socket rather
// than a TCP address.
func TestConnectUnixSocketHostnameRewrite(t *testing.T) {
	const hostname = "/tmp/sockdir"
	const port = 50000
	expectedPath := fmt.Sprintf("%s/.s.monetdb.%d", hostname, port)

	withFakeUnixDialer(t, map[string]func(net.Conn){
		expectedPath: func(server net.Conn) {
			defer server.Close()
			primer := make([]byte, 1)
			readFull(server, primer)
			writeV9Block(server, []byte("abc:server:9:SHA1:BIG:SHA256"))
			readV9Block(server)
			writeV9Block(server, []byte(""))
		},
	})

	conn := NewConnection()
	if err := conn.Connect("d", "u", "p", "sql", hostname, port, ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.unixSocket != expectedPath {
		t.Fatalf("got unixSocket=%q, want %q", conn.unixSocket, expectedPath)
	}
	if conn.state != stateReady {
		t.Fatalf("got state=%v, want stateReady", conn.state)
	}
}

// TestConnectControlLanguageBypassOverUnixSocket drives the
// control-language bypass through connect() and Cmd() end-to-end: no
// priming byte, no handshake, and raw unframed command/response
// bytes.
func TestConnectControlLanguageBypassOverUnixSocket(t *testing.T) {
	const sockPath = "/tmp/fake.control.sock"

	withFakeUnixDialer(t, map[string]func(net.Conn){
		sockPath: func(server net.Conn) {
			defer server.Close()
			buf := make([]byte, 64)
			n, err := server.Read(buf)
			if err != nil {
				t.Errorf("reading raw command: %v", err)
				return
			}
			if got := string(buf[:n]); got != "status" {
				t.Errorf("got command %q, want %q", got, "status")
			}
			server.Write([]byte("OK all good"))
		},
	})

	conn := NewConnection()
	if err := conn.Connect("d", "u", "p", "control", "", 0, sockPath); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.state != stateReady {
		t.Fatalf("got state=%v, want stateReady", conn.state)
	}
	if !conn.codec.rawControl {
		t.Fatalf("expected rawControl=true for control language over a unix socket")
	}

	got, err := conn.Cmd("status")
	if err != nil {
		t.Fatalf("Cmd: %v", err)
	}
	if got != "all good" {
		t.Fatalf("got %q, want %q", got, "all good")
	}
}

func TestConnectAcceptedEmptyPrompt(t *testing.T) {
	withFakeTCPDialer(t, map[string]func(net.Conn){
		"example.org:50000": func(server net.Conn) {
			defer server.Close()
			writeV9Block(server, []byte("abc:server:9:SHA1:BIG:SHA256"))
			readV9Block(server) // consume the login response
			writeV9Block(server, []byte(""))
		},
	})

	conn := NewConnection()
	err := conn.Connect("d", "u", "p", "sql", "example.org", 50000, "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.state != stateReady {
		t.Fatalf("got state=%v, want stateReady", conn.state)
	}
	conn.Disconnect()
}

func TestConnectDatabaseRejection(t *testing.T) {
	withFakeTCPDialer(t, map[string]func(net.Conn){
		"example.org:50000": func(server net.Conn) {
			defer server.Close()
			writeV9Block(server, []byte("abc:server:9:SHA1:BIG:SHA256"))
			readV9Block(server)
			writeV9Block(server, []byte("!access denied"))
		},
	})

	conn := NewConnection()
	err := conn.Connect("d", "u", "badpass", "sql", "example.org", 50000, "")
	dbErr, ok := err.(*DatabaseError)
	if !ok {
		t.Fatalf("expected *DatabaseError, got %T (%v)", err, err)
	}
	if dbErr.Msg != "access denied" {
		t.Fatalf("got message %q, want %q", dbErr.Msg, "access denied")
	}
}

// TestMerovingianRedirectLoopBound is scenario S4: the server issues
// 11 successive merovingian redirects and the client must fail with
// OperationalError after the 11th, never leaking the socket.
func TestMerovingianRedirectLoopBound(t *testing.T) {
	withFakeTCPDialer(t, map[string]func(net.Conn){
		"proxy:50000": func(server net.Conn) {
			defer server.Close()
			for i := 0; i < 12; i++ {
				writeV9Block(server, []byte("abc:server:9:SHA1:BIG:SHA256"))
				if _, err := readV9Block(server); err != nil {
					return
				}
				writeV9Block(server, []byte("^mapi:merovingian://proxy"))
			}
		},
	})

	conn := NewConnection()
	err := conn.Connect("d", "u", "p", "sql", "proxy", 50000, "")
	opErr, ok := err.(*OperationalError)
	if !ok {
		t.Fatalf("expected *OperationalError, got %T (%v)", err, err)
	}
	t.Logf("got expected error: %v", opErr)
	if conn.state == stateReady {
		t.Fatalf("connection should not be ready after exhausting redirects")
	}
}

// TestMonetDBRedirect is scenario S5: a monetdb redirect tears down
// the first socket and reconnects to the new host/port/database,
// preserving credentials.
func TestMonetDBRedirect(t *testing.T) {
	withFakeTCPDialer(t, map[string]func(net.Conn){
		"h1:50000": func(server net.Conn) {
			defer server.Close()
			writeV9Block(server, []byte("abc:server:9:SHA1:BIG:SHA256"))
			readV9Block(server)
			writeV9Block(server, []byte("^mapi:monetdb://h2:50001/db2"))
		},
		"h2:50001": func(server net.Conn) {
			defer server.Close()
			writeV9Block(server, []byte("xyz:server:9:SHA1:BIG:SHA256"))
			readV9Block(server)
			writeV9Block(server, []byte(""))
		},
	})

	conn := NewConnection()
	err := conn.Connect("db1", "u", "p", "sql", "h1", 50000, "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.state != stateReady {
		t.Fatalf("got state=%v, want stateReady", conn.state)
	}
	if conn.hostname != "h2" || conn.port != 50001 || conn.database != "db2" {
		t.Fatalf("got hostname=%q port=%d database=%q, want h2/50001/db2", conn.hostname, conn.port, conn.database)
	}
	if conn.username != "u" || conn.password != "p" {
		t.Fatalf("credentials not preserved across redirect: user=%q pass=%q", conn.username, conn.password)
	}
}

func TestCmdNotConnected(t *testing.T) {
	conn := NewConnection()
	_, err := conn.Cmd("select 1")
	if _, ok := err.(*ProgrammingError); !ok {
		t.Fatalf("expected *ProgrammingError, got %T (%v)", err, err)
	}
}

// newReadyConnection builds a Connection already in the ready state,
// wired to one end of a net.Pipe, for exercising readResponse/Cmd
// without a full handshake.
func newReadyConnection() (*Connection, net.Conn) {
	client, server := net.Pipe()
	conn := &Connection{
		state:    stateReady,
		language: "sql",
		stream:   newByteStream(client),
		codec:    &blockCodec{protocol: ProtocolV9, compression: CompressionNone},
	}
	return conn, server
}

func TestReadResponseOK(t *testing.T) {
	conn, server := newReadyConnection()
	defer server.Close()
	go writeV9Block(server, []byte("=OK value"))

	got, err := conn.readResponse()
	if err != nil {
		t.Fatalf("readResponse: %v", err)
	}
	if got != "value" {
		t.Fatalf("got %q, want %q", got, "value")
	}
}

func TestReadResponseEmpty(t *testing.T) {
	conn, server := newReadyConnection()
	defer server.Close()
	go writeV9Block(server, []byte(""))

	got, err := conn.readResponse()
	if err != nil {
		t.Fatalf("readResponse: %v", err)
	}
	if got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestReadResponseRawQuerySentinel(t *testing.T) {
	conn, server := newReadyConnection()
	defer server.Close()
	raw := "&1 1 1 1\n% col # name\n[ 1 ]"
	go writeV9Block(server, []byte(raw))

	got, err := conn.readResponse()
	if err != nil {
		t.Fatalf("readResponse: %v", err)
	}
	if got != raw {
		t.Fatalf("got %q, want %q", got, raw)
	}
}

func TestReadResponseErrorSentinel(t *testing.T) {
	conn, server := newReadyConnection()
	defer server.Close()
	go writeV9Block(server, []byte("!42S02!no such table"))

	_, err := conn.readResponse()
	opErr, ok := err.(*OperationalError)
	if !ok {
		t.Fatalf("expected *OperationalError, got %T (%v)", err, err)
	}
	if opErr.Msg != "no such table" {
		t.Fatalf("got message %q, want %q", opErr.Msg, "no such table")
	}
}

// TestReadResponseUpdateWithEmbeddedError is scenario S6: an &2 block
// whose third line carries a FK-violation error must raise
// IntegrityError.
func TestReadResponseUpdateWithEmbeddedError(t *testing.T) {
	conn, server := newReadyConnection()
	defer server.Close()
	raw := "&2 0 0\nsome detail\n!40000!FK violated"
	go writeV9Block(server, []byte(raw))

	_, err := conn.readResponse()
	intErr, ok := err.(*IntegrityError)
	if !ok {
		t.Fatalf("expected *IntegrityError, got %T (%v)", err, err)
	}
	if intErr.Msg != "FK violated" {
		t.Fatalf("got message %q, want %q", intErr.Msg, "FK violated")
	}
}

func TestReadResponseUpdateWithoutError(t *testing.T) {
	conn, server := newReadyConnection()
	defer server.Close()
	raw := "&2 3 0"
	go writeV9Block(server, []byte(raw))

	got, err := conn.readResponse()
	if err != nil {
		t.Fatalf("readResponse: %v", err)
	}
	if got != raw {
		t.Fatalf("got %q, want %q", got, raw)
	}
}

// TestReadResponseMoreInput is scenario S7: the server asks for more
// input; the client replies with an empty command and returns
// whatever comes back next.
func TestReadResponseMoreInput(t *testing.T) {
	conn, server := newReadyConnection()
	defer server.Close()

	go func() {
		writeV9Block(server, msgMore)
		readV9Block(server) // the empty follow-up command
		writeV9Block(server, []byte("=OK done"))
	}()

	got, err := conn.readResponse()
	if err != nil {
		t.Fatalf("readResponse: %v", err)
	}
	if got != "done" {
		t.Fatalf("got %q, want %q", got, "done")
	}
}

func TestReadResponseUnknownState(t *testing.T) {
	conn, server := newReadyConnection()
	defer server.Close()
	go writeV9Block(server, []byte("???"))

	_, err := conn.readResponse()
	if _, ok := err.(*ProgrammingError); !ok {
		t.Fatalf("expected *ProgrammingError, got %T (%v)", err, err)
	}
}

func TestControlLanguageBypass(t *testing.T) {
	conn, server := newReadyConnection()
	defer server.Close()
	conn.language = "control"
	conn.codec.rawControl = true

	go func() {
		server.Write([]byte("OK all good"))
		server.Close()
	}()

	got, err := conn.readResponse()
	if err != nil {
		t.Fatalf("readResponse: %v", err)
	}
	if got != "all good" {
		t.Fatalf("got %q, want %q", got, "all good")
	}
}
