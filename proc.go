// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package squidhelper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breezewish/go-squidhelper/internal/quoted"
)

const DEFAULT_TIMEOUT_RESPONSE = 30 * time.Second

// ProcConfig is the configuration for talking to a helper process.
type ProcConfig struct {
	ResponseTimeout time.Duration

	// Channels prefixes each request with a channel ID, the way Squid
	// talks to helpers configured with concurrency > 0. Lookups may then
	// be in flight at the same time and responses are matched by ID.
	// Without channels lookups are sent one at a time.
	Channels bool
}

// DefaultProcConfig returns a default configuration.
func DefaultProcConfig() ProcConfig {
	return ProcConfig{
		ResponseTimeout: DEFAULT_TIMEOUT_RESPONSE,
	}
}

// Proc wraps a helper process and talks to it the way Squid does, one
// request line per lookup over its stdin/stdout.
type Proc struct {
	config ProcConfig

	cmd    *exec.Cmd
	stdout io.ReadCloser  // from the child process
	stdin  io.WriteCloser // to the child process
	bw     *bufio.Writer  // to stdin
	br     *bufio.Reader  // from stdout

	closing      atomic.Bool
	ctx          context.Context    // valid until Close via ctxCancel
	ctxCancel    context.CancelFunc // called on Close
	readLoopDone chan struct{}      // closed when readLoop returns
	readLoopErr  error              // set if readLoop returns with an error, always assigned before readLoopDone

	mu          sync.Mutex // guards following fields
	nextChannel int
	inFlight    map[int]chan<- string // by channel, with Channels
	queue       []chan<- string       // in send order, without Channels

	// serial allows a single lookup at a time without Channels.
	serial sync.Mutex

	// writeMu serializes writing to the child process.
	// It must never be held at the same time as mu.
	writeMu sync.Mutex
}

// Start starts the binary (with optional space-separated flags) and returns
// a handle that talks to it using the default configuration.
func Start(progAndArgs string) (*Proc, error) {
	return StartWithConfig(progAndArgs, DefaultProcConfig())
}

// StartWithConfig starts the binary (with optional space-separated flags)
// and returns a handle that talks to it using the specified configuration.
func StartWithConfig(progAndArgs string, config ProcConfig) (*Proc, error) {
	args, err := quoted.Split(progAndArgs)
	if err != nil {
		return nil, fmt.Errorf("invalid helper args: %v", err)
	}
	if len(args) == 0 {
		return nil, errors.New("no helper program given")
	}
	prog, args := args[0], args[1:]

	ctx, ctxCancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(ctx, prog, args...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		ctxCancel()
		return nil, fmt.Errorf("error stdoutPipe to helper: %v", err)
	}
	in, err := cmd.StdinPipe()
	if err != nil {
		ctxCancel()
		return nil, fmt.Errorf("error stdinPipe to helper: %v", err)
	}
	cmd.Stderr = os.Stderr // helpers log to stderr, like Squid's cache.log

	cmd.Cancel = func() error {
		in.Close()
		out.Close()
		return cmd.Process.Kill()
	}

	if err := cmd.Start(); err != nil {
		ctxCancel()
		return nil, fmt.Errorf("error starting helper: %v", err)
	}

	pc := &Proc{
		config:       config,
		cmd:          cmd,
		stdout:       out,
		stdin:        in,
		bw:           bufio.NewWriter(in),
		br:           bufio.NewReader(out),
		ctx:          ctx,
		ctxCancel:    ctxCancel,
		inFlight:     make(map[int]chan<- string),
		readLoopDone: make(chan struct{}),
	}
	go pc.readLoop()

	return pc, nil
}

func (c *Proc) readLoop() {
	defer close(c.readLoopDone)
	defer c.abandonInFlight()

	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			if c.closing.Load() {
				return // quit quietly without any errors
			}
			if err == io.EOF {
				c.readLoopErr = ErrHelperClosed
				return
			}
			c.readLoopErr = fmt.Errorf("error reading from helper: %v", err)
			return
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

		resc, res, err := c.route(line)
		if err != nil {
			c.readLoopErr = err
			return
		}
		resc <- res
	}
}

// route finds the lookup waiting for a response line.
func (c *Proc) route(line string) (chan<- string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.config.Channels {
		if len(c.queue) == 0 {
			return nil, "", fmt.Errorf("helper sent unsolicited response %q", line)
		}
		resc := c.queue[0]
		c.queue = c.queue[1:]
		return resc, line, nil
	}

	head, rest, _ := strings.Cut(line, " ")
	ch, err := strconv.Atoi(head)
	if err != nil {
		return nil, "", fmt.Errorf("helper response %q does not start with a channel", line)
	}
	resc, ok := c.inFlight[ch]
	if !ok {
		return nil, "", &UnknownChannelError{Channel: ch}
	}
	delete(c.inFlight, ch)
	return resc, rest, nil
}

// abandonInFlight wakes every waiting lookup once no more responses can
// arrive.
func (c *Proc) abandonInFlight() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.inFlight {
		close(ch)
	}
	for _, ch := range c.queue {
		close(ch)
	}
	c.inFlight = nil
	c.queue = nil
}

// Lookup sends data to the helper and returns its response line, without
// the channel ID and terminator.
func (c *Proc) Lookup(data string) (string, error) {
	return c.LookupContext(c.ctx, data)
}

// LookupContext is like Lookup but gives up when ctx is done.
func (c *Proc) LookupContext(ctx context.Context, data string) (string, error) {
	if c.closing.Load() {
		return "", ErrHelperClosed
	}
	if strings.ContainsAny(data, "\r\n") {
		return "", errors.New("lookup data must not contain line breaks")
	}
	if !c.config.Channels {
		c.serial.Lock()
		defer c.serial.Unlock()
	}

	resc := make(chan string, 1)
	if err := c.writeToChild(data, resc); err != nil {
		return "", err
	}

	timeout := c.config.ResponseTimeout
	if timeout <= 0 {
		timeout = DEFAULT_TIMEOUT_RESPONSE
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res, ok := <-resc:
		if !ok {
			return "", ErrHelperClosed
		}
		return res, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("timeout waiting for response from helper")
	}
}

func (c *Proc) writeToChild(data string, resc chan<- string) (err error) {
	var line string
	var ch int

	c.mu.Lock()
	if c.inFlight == nil {
		c.mu.Unlock()
		return ErrHelperClosed
	}
	if c.config.Channels {
		ch = c.nextChannel
		c.nextChannel++
		c.inFlight[ch] = resc
		line = strconv.Itoa(ch) + " " + data
	} else {
		c.queue = append(c.queue, resc)
		line = data
	}
	c.mu.Unlock()

	defer func() {
		if err != nil {
			c.forget(ch, resc)
		}
	}()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.bw.WriteString(line); err != nil {
		return err
	}
	if err := c.bw.WriteByte('\n'); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *Proc) forget(ch int, resc chan<- string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.config.Channels {
		if c.inFlight != nil {
			delete(c.inFlight, ch)
		}
		return
	}
	for i, q := range c.queue {
		if q == resc {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// Close closes the helper's stdin, the way Squid asks helpers to exit, and
// waits for the process to exit. A helper that does not exit within the
// response timeout is killed.
func (c *Proc) Close() error {
	if c.closing.Swap(true) {
		return nil // already closed
	}

	c.writeMu.Lock()
	_ = c.bw.Flush()
	_ = c.stdin.Close()
	c.writeMu.Unlock()

	timeout := c.config.ResponseTimeout
	if timeout <= 0 {
		timeout = DEFAULT_TIMEOUT_RESPONSE
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.readLoopDone:
	case <-timer.C:
		// Cancel the context, which will kill the helper.
		c.ctxCancel()
		<-c.readLoopDone
	}
	_ = c.cmd.Wait()
	c.ctxCancel()

	return c.readLoopErr
}
