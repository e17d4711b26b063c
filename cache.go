// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package squidhelper

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// CachingResponder remembers the answers of another Responder, keyed by
// Request.Data. The channel ID is not part of the key.
//
// Only use it for responders whose answer depends on the request data alone.
type CachingResponder struct {
	next  Responder
	cache *lru.Cache
}

// NewCachingResponder wraps next with an LRU cache holding up to size answers.
func NewCachingResponder(next Responder, size int) (*CachingResponder, error) {
	if next == nil {
		return nil, ErrNoResponder
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("error creating response cache: %w", err)
	}
	return &CachingResponder{next: next, cache: c}, nil
}

func (c *CachingResponder) Respond(req Request) string {
	if v, ok := c.cache.Get(req.Data); ok {
		return v.(string)
	}
	res := c.next.Respond(req)
	c.cache.Add(req.Data, res)
	return res
}

// Purge drops every cached answer. It is safe to call from another
// goroutine while the helper is serving.
func (c *CachingResponder) Purge() {
	c.cache.Purge()
}

// Len returns the number of cached answers.
func (c *CachingResponder) Len() int {
	return c.cache.Len()
}
