// gomapi - A MonetDB MAPI protocol driver for Go
//
// Copyright 2016 The gomapi Authors. All rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package mapi

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
)

// challenge is the parsed form of the server's login challenge:
//
//	salt : identity : protocol_version : hashes_csv : endian [ : pw_hash_algo ]
type challenge struct {
	salt            string
	identity        string
	protocolVersion string
	hashes          []string
	endian          string
	pwHashAlgo      string
}

func parseChallenge(raw string) (*challenge, error) {
	fields := strings.Split(raw, ":")
	if len(fields) < 5 {
		return nil, &ProgrammingError{Msg: fmt.Sprintf("malformed challenge: %s", raw)}
	}
	c := &challenge{
		salt:            fields[0],
		identity:        fields[1],
		protocolVersion: fields[2],
		hashes:          strings.Split(fields[3], ","),
		endian:          fields[4],
	}
	if len(fields) > 5 {
		c.pwHashAlgo = fields[5]
	}
	return c, nil
}

func (c *challenge) has(name string) bool {
	for _, h := range c.hashes {
		if h == name {
			return true
		}
	}
	return false
}

var preHashConstructors = map[string]func() hash.Hash{
	"MD5":    md5.New,
	"SHA1":   sha1.New,
	"SHA224": sha256.New224,
	"SHA256": sha256.New,
	"SHA384": sha512.New384,
	"SHA512": sha512.New,
}

// hostEndianness reports the runtime's native byte order, used only
// once the handshake upgrades to ProtocolV10.
func hostEndianness() Endianness {
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		return EndianLittle
	}
	return EndianBig
}

// computeChallengeResponse builds the login response string for a
// parsed challenge, and reports the protocol/compression it implies.
//
// Two behaviors here reproduce pymonetdb.mapi.Connection exactly
// rather than the more "obvious" reading of the wire spec, because
// scenarios S1-S3 pin them byte-for-byte:
//
//   - the base (non-PROT10) response always emits the literal "BIG"
//     endian tag, regardless of the caller's actual host byte order;
//     only a PROT10 upgrade switches to the real endianness.
//   - compression is only ever offered when hostname != "localhost",
//     matching the reference's reasoning that compression isn't worth
//     the CPU cost over a loopback transport.
func computeChallengeResponse(conn *Connection, ch *challenge) (response string, protocol Protocol, compression Compression, err error) {
	if ch.protocolVersion != "9" {
		return "", 0, 0, &UnsupportedError{Msg: "We only speak protocol v9"}
	}
	if ch.pwHashAlgo == "" {
		return "", 0, 0, &UnsupportedError{Msg: "server offered no password pre-hash algorithm"}
	}

	newHash, ok := preHashConstructors[ch.pwHashAlgo]
	if !ok {
		return "", 0, 0, &UnsupportedError{Msg: fmt.Sprintf("unknown password hash algorithm: %s", ch.pwHashAlgo)}
	}
	h := newHash()
	h.Write([]byte(conn.password))
	pw1 := hex.EncodeToString(h.Sum(nil))

	var pwhash string
	switch {
	case ch.has("SHA1"):
		s := sha1.New()
		s.Write([]byte(pw1))
		s.Write([]byte(ch.salt))
		pwhash = "{SHA1}" + hex.EncodeToString(s.Sum(nil))
	case ch.has("MD5"):
		m := md5.New()
		m.Write([]byte(pw1))
		m.Write([]byte(ch.salt))
		pwhash = "{MD5}" + hex.EncodeToString(m.Sum(nil))
	default:
		return "", 0, 0, &UnsupportedError{Msg: fmt.Sprintf("unsupported hash algorithms required for login: %s", strings.Join(ch.hashes, ","))}
	}

	protocol = ProtocolV9
	compression = CompressionNone
	fields := []string{"BIG", conn.username, pwhash, conn.language, conn.database}

	if ch.has("PROT10") {
		protocol = ProtocolV10
		compTag := CompressionNone.String()
		if conn.hostname != "localhost" {
			switch {
			case ch.has("COMPRESSION_SNAPPY"):
				compTag = CompressionSnappy.String()
				compression = CompressionSnappy
			case ch.has("COMPRESSION_LZ4"):
				compTag = CompressionLZ4.String()
				compression = CompressionLZ4
			}
		}
		endianTag := "BIG"
		if conn.endianness == EndianLittle {
			endianTag = "LIT"
		}
		blocksize := conn.blocksize
		if blocksize == 0 {
			blocksize = DefaultBlocksize
		}
		fields = []string{endianTag, conn.username, pwhash, conn.language, conn.database,
			"PROT10", compTag, strconv.Itoa(blocksize)}
	}

	return strings.Join(fields, ":") + ":", protocol, compression, nil
}

// promptKind classifies the server's post-login prompt.
type promptKind int

const (
	promptAccepted promptKind = iota
	promptRedirectMerovingian
	promptRedirectMonetDB
)

type handshakeOutcome struct {
	kind           promptKind
	redirectHost   string
	redirectPort   int
	redirectDBName string
}

// performHandshake runs one round of the login handshake over the
// connection's current stream: read the challenge, compute and send
// the response, then read and classify the resulting prompt. It does
// not itself loop on redirects; Connection.connect owns that.
func (conn *Connection) performHandshake() (*handshakeOutcome, error) {
	raw, err := conn.codec.getBlock(conn.stream)
	if err != nil {
		return nil, err
	}
	ch, err := parseChallenge(string(raw))
	if err != nil {
		return nil, err
	}

	response, protocol, compression, err := computeChallengeResponse(conn, ch)
	if err != nil {
		return nil, err
	}

	// The response itself is always sent as an uncompressed V9 block:
	// negotiation hasn't taken effect yet.
	sendCodec := &blockCodec{protocol: ProtocolV9, compression: CompressionNone}
	if err := sendCodec.putBlock(conn.stream, []byte(response)); err != nil {
		return nil, err
	}

	conn.protocol = protocol
	conn.compression = compression
	conn.codec.protocol = protocol
	conn.codec.compression = compression

	promptRaw, err := conn.codec.getBlock(conn.stream)
	if err != nil {
		return nil, err
	}
	prompt := strings.TrimRight(string(promptRaw), " \t\r\n")

	if len(prompt) == 0 {
		return &handshakeOutcome{kind: promptAccepted}, nil
	}
	if prompt == string(msgOK) {
		return &handshakeOutcome{kind: promptAccepted}, nil
	}
	if strings.HasPrefix(prompt, "#") {
		errLog.Print(prompt[1:])
		return &handshakeOutcome{kind: promptAccepted}, nil
	}
	if strings.HasPrefix(prompt, "!") {
		return nil, &DatabaseError{Msg: prompt[1:]}
	}
	if prompt[0] == sentinelRedirect {
		return parseRedirect(prompt)
	}
	return nil, &ProgrammingError{Msg: fmt.Sprintf("unknown state: %s", prompt)}
}

// parseRedirect classifies a "^..." prompt. The reference implements
// this by colon-splitting the first whitespace-delimited token into
// four parts ("mapi", scheme, "//host", "port/db") and switching on
// the second part; this module follows that exact algorithm rather
// than a literal two-way "scheme:rest" split, since only the former
// reproduces scenario S5 (the literal prompt
// "^mapi:monetdb://h2:50001/db2").
func parseRedirect(prompt string) (*handshakeOutcome, error) {
	body := strings.TrimPrefix(prompt, string(sentinelRedirect))
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return nil, &ProgrammingError{Msg: fmt.Sprintf("unknown redirect: %s", prompt)}
	}
	parts := strings.Split(fields[0], ":")
	if len(parts) < 2 {
		return nil, &ProgrammingError{Msg: fmt.Sprintf("unknown redirect: %s", prompt)}
	}

	switch parts[1] {
	case "merovingian":
		return &handshakeOutcome{kind: promptRedirectMerovingian}, nil
	case "monetdb":
		if len(parts) < 4 {
			return nil, &ProgrammingError{Msg: fmt.Sprintf("unknown redirect: %s", prompt)}
		}
		host := strings.TrimPrefix(parts[2], "//")
		rest := strings.SplitN(parts[3], "/", 2)
		if len(rest) != 2 {
			return nil, &ProgrammingError{Msg: fmt.Sprintf("unknown redirect: %s", prompt)}
		}
		port, convErr := strconv.Atoi(rest[0])
		if convErr != nil {
			return nil, &ProgrammingError{Msg: fmt.Sprintf("unknown redirect: %s", prompt)}
		}
		return &handshakeOutcome{
			kind:           promptRedirectMonetDB,
			redirectHost:   host,
			redirectPort:   port,
			redirectDBName: rest[1],
		}, nil
	default:
		return nil, &ProgrammingError{Msg: fmt.Sprintf("unknown redirect: %s", prompt)}
	}
}
