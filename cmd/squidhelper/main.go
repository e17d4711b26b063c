// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command squidhelper runs Squid helpers built on the squidhelper package
// and can drive helpers the way Squid does.
package main

import "github.com/breezewish/go-squidhelper/cmd/squidhelper/cmd"

func main() {
	cmd.Execute()
}
