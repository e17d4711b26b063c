// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package squidhelper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int {
	return &i
}

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		want Request
	}{
		{"3 example.com/path", Request{Channel: intPtr(3), Data: "example.com/path"}},
		{"example.com/path", Request{Data: "example.com/path"}},
		{"7  foo   bar", Request{Channel: intPtr(7), Data: "foo bar"}},
		{"  7 foo ", Request{Channel: intPtr(7), Data: "foo"}},
		{"GET  http://x", Request{Data: "GET  http://x"}},
		{"5", Request{Channel: intPtr(5), Data: ""}},
		{"5   ", Request{Channel: intPtr(5), Data: ""}},
		{"-2 neg", Request{Channel: intPtr(-2), Data: "neg"}},
		{"+4 plus", Request{Channel: intPtr(4), Data: "plus"}},
		{"", Request{Data: ""}},
		{"   ", Request{Data: "   "}},
		// Tabs are not delimiters.
		{"1\tfoo bar", Request{Data: "1\tfoo bar"}},
		{"1 foo\tbar", Request{Channel: intPtr(1), Data: "foo\tbar"}},
		// Overflow and junk after a sign degrade to no channel.
		{"99999999999999999999999 x", Request{Data: "99999999999999999999999 x"}},
		{"3000000000 x", Request{Data: "3000000000 x"}},
		{"2147483647 max", Request{Channel: intPtr(2147483647), Data: "max"}},
		{"-2147483648 min", Request{Channel: intPtr(-2147483648), Data: "min"}},
		{"-x1 y", Request{Data: "-x1 y"}},
		{"12abc y", Request{Data: "12abc y"}},
	}
	for _, tt := range tests {
		got := Parse(tt.line, DefaultDelimiter)
		assert.Equal(t, tt.want, got, "Parse(%q)", tt.line)
	}
}

func TestParseIdempotent(t *testing.T) {
	for _, line := range []string{"3 a b", "a  b", "", "   ", "0"} {
		assert.Equal(t, Parse(line, ' '), Parse(line, ' '))
	}
}

func TestParseCustomDelimiter(t *testing.T) {
	got := Parse("9,,a,b c", ',')
	require.True(t, got.HasChannel())
	assert.Equal(t, 9, *got.Channel)
	assert.Equal(t, "a b c", got.Data)
}

func TestRequestString(t *testing.T) {
	assert.Equal(t, "3 example.com/path", Parse("3  example.com/path", ' ').String())
	assert.Equal(t, "GET  http://x", Parse("GET  http://x", ' ').String())
	assert.Equal(t, "5", Parse("5", ' ').String())
	assert.False(t, Request{Data: "x"}.HasChannel())
}
