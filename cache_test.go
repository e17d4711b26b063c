// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package squidhelper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachingResponder(t *testing.T) {
	calls := 0
	next := ResponderFunc(func(req Request) string {
		calls++
		return "OK " + req.Data
	})
	c, err := NewCachingResponder(next, 2)
	require.NoError(t, err)

	assert.Equal(t, "OK a", c.Respond(Parse("1 a", ' ')))
	assert.Equal(t, "OK a", c.Respond(Parse("2 a", ' ')))
	assert.Equal(t, 1, calls)

	c.Respond(Parse("b", ' '))
	c.Respond(Parse("c", ' '))
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 3, calls)

	// "a" was evicted.
	c.Respond(Parse("a", ' '))
	assert.Equal(t, 4, calls)

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestCachingResponderErrors(t *testing.T) {
	_, err := NewCachingResponder(nil, 10)
	assert.ErrorIs(t, err, ErrNoResponder)

	_, err = NewCachingResponder(ResponderFunc(func(Request) string { return "" }), 0)
	assert.Error(t, err)
}
