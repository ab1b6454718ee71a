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
	"net/url"
	"strconv"
)

var errInvalidDSNScheme = errors.New("invalid DSN: scheme must be \"mapi\"")

// DSN is a parsed connection string: the same parameters Connect
// takes, recovered from a single string of the form
//
//	mapi://[user[:password]@]host[:port]/database[?language=sql&unix_socket=/path&blocksize=1000000]
//
// ParseDSN performs no file or network I/O; it is sugar over Connect's
// explicit parameter list, not a configuration-file loader.
type DSN struct {
	Hostname   string
	Port       int
	UnixSocket string
	Username   string
	Password   string
	Database   string
	Language   string
	Blocksize  int
}

// ParseDSN parses dsn into its connection parameters.
func ParseDSN(dsn string) (*DSN, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "mapi" {
		return nil, errInvalidDSNScheme
	}

	out := &DSN{
		Hostname: u.Hostname(),
		Database: trimLeadingSlash(u.Path),
		Language: "sql",
	}
	if u.User != nil {
		out.Username = u.User.Username()
		out.Password, _ = u.User.Password()
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out.Port = port
	}

	q := u.Query()
	if v := q.Get("language"); v != "" {
		out.Language = v
	}
	if v := q.Get("unix_socket"); v != "" {
		out.UnixSocket = v
	}
	if v := q.Get("blocksize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		out.Blocksize = n
	}
	return out, nil
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

// Connect opens a Connection using the parameters parsed from a DSN.
func (d *DSN) Connect() (*Connection, error) {
	conn := NewConnection()
	if d.Blocksize > 0 {
		conn.SetBlocksize(d.Blocksize)
	}
	if err := conn.Connect(d.Database, d.Username, d.Password, d.Language, d.Hostname, d.Port, d.UnixSocket); err != nil {
		return nil, err
	}
	return conn, nil
}
