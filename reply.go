// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package squidhelper

import "strings"

// Result is the result code at the start of a helper response.
type Result string

const (
	ResultOK  = Result("OK")
	ResultErr = Result("ERR")
	ResultBH  = Result("BH") // broken helper
)

// KV is a key=value pair appended to a response.
type KV struct {
	Key   string
	Value string
}

// Reply is a structured helper response.
type Reply struct {
	Result Result
	KV     []KV
}

// OK returns a successful reply with the given pairs.
func OK(kv ...KV) Reply {
	return Reply{Result: ResultOK, KV: kv}
}

// Err returns a negative reply, Squid's "no" or "no change".
func Err(kv ...KV) Reply {
	return Reply{Result: ResultErr, KV: kv}
}

// BH returns a broken helper reply carrying msg.
func BH(msg string) Reply {
	if msg == "" {
		return Reply{Result: ResultBH}
	}
	return Reply{Result: ResultBH, KV: []KV{{"message", msg}}}
}

// String renders the reply as a response line without terminator. Values
// containing spaces, quotes, backslashes or nothing at all are quoted.
func (r Reply) String() string {
	var b strings.Builder
	b.WriteString(string(r.Result))
	for _, kv := range r.KV {
		b.WriteByte(' ')
		b.WriteString(kv.Key)
		b.WriteByte('=')
		writeValue(&b, kv.Value)
	}
	return b.String()
}

func writeValue(b *strings.Builder, v string) {
	if v != "" && !strings.ContainsAny(v, " \t\"\\") {
		b.WriteString(v)
		return
	}
	b.WriteByte('"')
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
}
