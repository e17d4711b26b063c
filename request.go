// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package squidhelper

import (
	"strconv"
	"strings"
)

// DefaultDelimiter separates the fields of a request line.
const DefaultDelimiter = ' '

// A Request is one parsed lookup received from Squid.
type Request struct {
	// Channel is the concurrency channel ID Squid prepended to the line,
	// or nil when the line did not start with an integer token.
	Channel *int

	// Data is the rest of the line. With a channel present the remaining
	// fields are re-joined with single spaces, otherwise it is the line as
	// received.
	Data string
}

// HasChannel reports whether the request carried a channel ID.
func (r Request) HasChannel() bool {
	return r.Channel != nil
}

// String renders the request in its wire form, without the terminator.
func (r Request) String() string {
	if r.Channel == nil {
		return r.Data
	}
	if r.Data == "" {
		return strconv.Itoa(*r.Channel)
	}
	return strconv.Itoa(*r.Channel) + " " + r.Data
}

// Parse splits line on delim and extracts the optional leading channel ID.
//
// Only the literal delimiter byte separates fields; tabs and other whitespace
// are part of the tokens. Empty fields produced by repeated, leading or
// trailing delimiters are dropped. A first field that is not a 32-bit
// base-10 integer (including one that overflows it) is not an error: the
// request simply has no channel and Data is the whole line, unmodified.
func Parse(line string, delim byte) Request {
	fields := splitFields(line, delim)
	if len(fields) == 0 {
		return Request{Data: line}
	}
	n, err := strconv.ParseInt(fields[0], 10, 32)
	if err != nil {
		return Request{Data: line}
	}
	ch := int(n)
	return Request{
		Channel: &ch,
		Data:    strings.Join(fields[1:], " "),
	}
}

func splitFields(s string, delim byte) []string {
	var fields []string
	for len(s) > 0 {
		i := strings.IndexByte(s, delim)
		if i < 0 {
			fields = append(fields, s)
			break
		}
		if i > 0 {
			fields = append(fields, s[:i])
		}
		s = s[i+1:]
	}
	return fields
}
