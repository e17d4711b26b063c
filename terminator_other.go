// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !windows

package squidhelper

// DefaultTerminator ends every response line.
const DefaultTerminator = "\n"
