// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package squidhelper provides the plumbing for writing Squid helper programs
// (URL rewriters, external ACLs, authenticators) in Go.
//
// Squid starts each helper as a subprocess and talks to it over stdin/stdout.
// For every lookup Squid writes one request line, optionally prefixed with a
// numeric channel ID when helper concurrency is enabled:
//
//	[<channel> ]<data>\n
//
// and the helper must answer with exactly one line before the next request is
// read. A [Helper] runs that loop: it frames and decodes each line, parses it
// into a [Request] and hands it to a [Responder], whose answer is written back
// followed by the line terminator.
//
// The package also contains [Proc], which plays Squid's side of the protocol
// and is handy for testing helpers.
package squidhelper
