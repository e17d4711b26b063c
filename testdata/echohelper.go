// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"

	squidhelper "github.com/breezewish/go-squidhelper"
)

// echohelper answers every lookup with the request data, echoing the
// channel ID like a concurrent Squid helper.
func main() {
	config := squidhelper.DefaultConfig()
	config.EchoChannel = true
	config.Terminator = "\n"

	h, err := squidhelper.NewWithConfig(squidhelper.ResponderFunc(func(req squidhelper.Request) string {
		if req.Data == "" {
			return squidhelper.Err().String()
		}
		return squidhelper.OK(squidhelper.KV{Key: "url", Value: req.Data}).String()
	}), logr.Discard(), config)
	if err != nil {
		panic(err)
	}
	if err := h.Serve(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
