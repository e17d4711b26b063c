// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"bufio"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	squidhelper "github.com/breezewish/go-squidhelper"
	"github.com/breezewish/go-squidhelper/internal/quoted"
)

var probeOpts struct {
	channels bool
	timeout  time.Duration
	lookups  []string
}

// probeCmd represents the probe command
var probeCmd = &cobra.Command{
	Use:   "probe [flags] -- <helper> [args...]",
	Short: "Send lookups to a helper the way Squid does and print the answers",
	Long: `Start a helper program and send it lookups the way Squid does.

Lookups come from --lookup, or from stdin one per line when none is given.
Each answer is printed on its own line.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().BoolVar(&probeOpts.channels, "channels", false, "prefix lookups with channel IDs, like concurrency > 0")
	probeCmd.Flags().DurationVar(&probeOpts.timeout, "timeout", squidhelper.DEFAULT_TIMEOUT_RESPONSE, "time to wait for each answer")
	probeCmd.Flags().StringArrayVar(&probeOpts.lookups, "lookup", nil, "lookup to send, may be repeated")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) (err error) {
	progAndArgs, err := quoted.Join(args)
	if err != nil {
		return err
	}
	proc, err := squidhelper.StartWithConfig(progAndArgs, squidhelper.ProcConfig{
		ResponseTimeout: probeOpts.timeout,
		Channels:        probeOpts.channels,
	})
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, proc.Close())
	}()

	lookup := func(data string) error {
		res, err := proc.Lookup(data)
		if err != nil {
			return fmt.Errorf("lookup %q: %w", data, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), res)
		return nil
	}

	if len(probeOpts.lookups) > 0 {
		for _, data := range probeOpts.lookups {
			if err := lookup(data); err != nil {
				return err
			}
		}
		return nil
	}

	s := bufio.NewScanner(cmd.InOrStdin())
	for s.Scan() {
		if err := lookup(s.Text()); err != nil {
			return err
		}
	}
	return s.Err()
}
