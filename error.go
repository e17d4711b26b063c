// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package squidhelper

import (
	"errors"
	"fmt"
)

// A LineTooLongError indicates that a request line exceeded the configured
// maximum size before its terminator was seen.
type LineTooLongError struct {
	Limit int
	Err   error
}

func (e *LineTooLongError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("request line longer than %d bytes", e.Limit)
	}
	return fmt.Sprintf("request line longer than %d bytes: %v", e.Limit, e.Err)
}

func (e *LineTooLongError) Unwrap() error {
	return e.Err
}

// An UnknownChannelError is reported by a [Proc] when the helper answered
// on a channel no lookup is waiting for.
type UnknownChannelError struct {
	Channel int
}

func (e *UnknownChannelError) Error() string {
	return fmt.Sprintf("helper sent response for unknown channel %d", e.Channel)
}

var ErrNoResponder = errors.New("squidhelper: nil responder")

var ErrHelperClosed = errors.New("helper closed unexpectedly")
