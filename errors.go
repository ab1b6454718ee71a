// gomapi - A MonetDB MAPI protocol driver for Go
//
// Copyright 2016 The gomapi Authors. All rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package mapi

import (
	"errors"
	"log"
	"os"
)

// OperationalError reports a transport failure: the socket closed
// unexpectedly, the target could not be reached, or a redirect bound
// was exceeded.
type OperationalError struct{ Msg string }

func (e *OperationalError) Error() string { return e.Msg }

// DatabaseError reports a server-signaled rejection during the login
// handshake (a prompt beginning with '!').
type DatabaseError struct{ Msg string }

func (e *DatabaseError) Error() string { return e.Msg }

// ProgrammingError reports a contract violation by the caller: an
// unrecognized server state, a command issued before the connection
// reached the ready state, or a malformed redirect.
type ProgrammingError struct{ Msg string }

func (e *ProgrammingError) Error() string { return e.Msg }

// UnsupportedError reports an unsupported protocol version, an
// unacceptable set of offered password hashes, or an unknown password
// pre-hash algorithm.
type UnsupportedError struct{ Msg string }

func (e *UnsupportedError) Error() string { return e.Msg }

// IntegrityError reports one of the specific SQLSTATE-prefixed server
// errors ErrorMap recognizes (unique/foreign-key/commit failures).
type IntegrityError struct{ Msg string }

func (e *IntegrityError) Error() string { return e.Msg }

// errorKind names which typed error a 6-byte error prefix maps to.
type errorKind int

const (
	kindOperational errorKind = iota
	kindIntegrity
)

func (k errorKind) newError(msg string) error {
	if k == kindIntegrity {
		return &IntegrityError{Msg: msg}
	}
	return &OperationalError{Msg: msg}
}

// errorMap translates the leading 6 bytes of a server error line (a
// MonetDB SQLSTATE-like prefix plus its trailing '!') to an error
// kind. It is process-wide and never changes after init.
var errorMap = map[string]errorKind{
	"42S02!": kindOperational, // no such table
	"M0M29!": kindIntegrity,   // UNIQUE constraint violated
	"2D000!": kindIntegrity,   // COMMIT failed
	"40000!": kindIntegrity,   // FOREIGN KEY constraint violated on DROP
}

// handleError maps a server error line (with the leading '!' sentinel
// already stripped) to an error kind and the remaining message text.
// Unknown or too-short prefixes default to Operational with the text
// returned unmodified.
func handleError(text string) (errorKind, string) {
	if len(text) > 6 {
		if kind, ok := errorMap[text[:6]]; ok {
			return kind, text[6:]
		}
	}
	return kindOperational, text
}

// Logger is used to log info-level server messages ('#' prompts
// during login and '#' command responses).
type Logger interface {
	Print(v ...interface{})
}

var errLog Logger = log.New(os.Stderr, "[mapi] ", log.Ldate|log.Ltime)

// SetLogger is used to set the logger for info-level messages. The
// initial logger writes to stderr.
func SetLogger(logger Logger) error {
	if logger == nil {
		return errors.New("logger is nil")
	}
	errLog = logger
	return nil
}
