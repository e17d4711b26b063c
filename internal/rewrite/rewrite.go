// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rewrite implements a url_rewrite_program responder driven by
// regular expression rules.
package rewrite

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	squidhelper "github.com/breezewish/go-squidhelper"
)

// Rule is a rewrite rule as written in the configuration file.
type Rule struct {
	Pattern string `mapstructure:"pattern"`
	Replace string `mapstructure:"replace"`

	// Redirect answers with an HTTP redirect instead of rewriting the
	// URL behind the client's back. A non-zero Status implies it.
	Redirect bool `mapstructure:"redirect"`
	Status   int  `mapstructure:"status"`
}

type compiledRule struct {
	re      *regexp.Regexp
	replace string
	status  int // 0 for a transparent rewrite
}

// Rules is a compiled, immutable rule list.
type Rules []compiledRule

// Compile validates and compiles rules in order.
func Compile(rules []Rule) (Rules, error) {
	out := make(Rules, 0, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		c := compiledRule{re: re, replace: r.Replace}
		if r.Redirect || r.Status != 0 {
			c.status = r.Status
			if c.status == 0 {
				c.status = 302
			}
			if c.status < 300 || c.status > 399 {
				return nil, fmt.Errorf("rule %d: redirect status %d is not 3xx", i, c.status)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// Match returns the reply of the first rule matching url.
func (rs Rules) Match(url string) (squidhelper.Reply, bool) {
	for _, r := range rs {
		m := r.re.FindStringSubmatchIndex(url)
		if m == nil {
			continue
		}
		target := string(r.re.ExpandString(nil, r.replace, url, m))
		if r.status != 0 {
			return squidhelper.OK(
				squidhelper.KV{Key: "status", Value: fmt.Sprint(r.status)},
				squidhelper.KV{Key: "url", Value: target},
			), true
		}
		return squidhelper.OK(squidhelper.KV{Key: "rewrite-url", Value: target}), true
	}
	return squidhelper.Reply{}, false
}

// Responder answers url_rewrite_program requests. Its rules can be replaced
// while it serves.
type Responder struct {
	rules atomic.Pointer[Rules]
}

// NewResponder returns a responder using rules.
func NewResponder(rules Rules) *Responder {
	r := &Responder{}
	r.Store(rules)
	return r
}

// Store replaces the rule list.
func (r *Responder) Store(rules Rules) {
	r.rules.Store(&rules)
}

// Respond rewrites the URL, the first field of the request data. Requests
// no rule matches, or without a URL, are answered with ERR so Squid leaves
// them alone.
func (r *Responder) Respond(req squidhelper.Request) string {
	url, _, _ := strings.Cut(strings.TrimLeft(req.Data, " "), " ")
	if url == "" {
		return squidhelper.Err().String()
	}
	if reply, ok := (*r.rules.Load()).Match(url); ok {
		return reply.String()
	}
	return squidhelper.Err().String()
}
