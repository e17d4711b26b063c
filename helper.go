// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package squidhelper

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/text/encoding"
)

const (
	DEFAULT_BUFFER_SIZE   = 4096
	DEFAULT_MAX_LINE_SIZE = 64 * 1024
)

// DefaultErrorResponse is sent for requests the helper could not process,
// telling Squid the helper is broken for this lookup.
const DefaultErrorResponse = `BH message="request could not be processed"`

// A Responder decides the answer for one request.
//
// Respond is called synchronously for every line, so it must not block for
// long: a stalled responder stalls Squid. Ordinary negative answers should be
// returned as a response (usually "ERR") rather than by panicking. The
// returned string must not contain line terminators.
type Responder interface {
	Respond(req Request) string
}

// ResponderFunc adapts a function to a [Responder].
type ResponderFunc func(req Request) string

func (f ResponderFunc) Respond(req Request) string {
	return f(req)
}

// Config is the configuration of a helper loop. Zero fields take their
// defaults.
type Config struct {
	Stdin  io.Reader // defaults to os.Stdin
	Stdout io.Writer // defaults to os.Stdout

	// BufferSize is the size of the read buffer. Lines longer than the
	// buffer are accumulated over several reads, up to MaxLineSize bytes
	// including the terminator.
	BufferSize  int
	MaxLineSize int

	Delimiter byte

	// Terminator is written after every response. On input both "\n" and
	// "\r\n" end a line.
	Terminator string

	// Encodings of the request and response lines. Nil passes bytes
	// through unchanged.
	InputEncoding  encoding.Encoding
	OutputEncoding encoding.Encoding

	// EchoChannel prefixes every response to a request that carried a
	// channel ID with that ID, as Squid expects from concurrent helpers.
	EchoChannel bool

	// RecoverPanics answers a panicking responder with ErrorResponse
	// instead of letting the process crash.
	RecoverPanics bool

	ErrorResponse string

	Metrics *Metrics
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:    DEFAULT_BUFFER_SIZE,
		MaxLineSize:   DEFAULT_MAX_LINE_SIZE,
		Delimiter:     DefaultDelimiter,
		Terminator:    DefaultTerminator,
		ErrorResponse: DefaultErrorResponse,
	}
}

// Helper runs the request/response loop of a Squid helper.
//
// A Helper is not safe for concurrent use; it answers one request at a time.
type Helper struct {
	config    Config
	responder Responder
	log       logr.Logger

	br   *bufio.Reader // from squid
	bw   *bufio.Writer // to squid
	line []byte        // current request line, reset every iteration
}

var errTruncatedLine = errors.New("input ended in the middle of a line")

// New returns a helper answering requests on os.Stdin/os.Stdout with r using
// the default configuration.
func New(r Responder, logger logr.Logger) (*Helper, error) {
	return NewWithConfig(r, logger, DefaultConfig())
}

// NewWithConfig returns a helper answering requests with r using the
// specified configuration.
func NewWithConfig(r Responder, logger logr.Logger, config Config) (*Helper, error) {
	if r == nil {
		return nil, ErrNoResponder
	}
	if f, ok := r.(ResponderFunc); ok && f == nil {
		return nil, ErrNoResponder
	}
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	def := DefaultConfig()
	if config.Stdin == nil {
		config.Stdin = os.Stdin
	}
	if config.Stdout == nil {
		config.Stdout = os.Stdout
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.MaxLineSize <= 0 {
		config.MaxLineSize = def.MaxLineSize
	}
	if config.Delimiter == 0 {
		config.Delimiter = def.Delimiter
	}
	if config.Terminator == "" {
		config.Terminator = def.Terminator
	}
	if config.ErrorResponse == "" {
		config.ErrorResponse = def.ErrorResponse
	}

	return &Helper{
		config:    config,
		responder: r,
		log:       logger,
		br:        bufio.NewReaderSize(config.Stdin, config.BufferSize),
		bw:        bufio.NewWriter(config.Stdout),
		line:      make([]byte, 0, config.BufferSize),
	}, nil
}

// Serve reads request lines and answers them until the input is closed.
//
// It returns nil when Squid closes the input, which is how Squid shuts its
// helpers down, and an error when reading or writing fails. A panic raised
// by the responder is not recovered unless Config.RecoverPanics is set.
func (h *Helper) Serve() error {
	h.log.V(1).Info("Helper started", "bufferSize", h.config.BufferSize)
	for {
		line, err := h.readLine()

		var tooLong *LineTooLongError
		var res string
		switch {
		case err == nil:
			res = h.handle(line)
		case errors.As(err, &tooLong):
			h.config.Metrics.framingError(reasonTooLong)
			h.log.Error(err, "Dropping request")
			res = h.reply(Parse(string(line), h.config.Delimiter), h.config.ErrorResponse)
		case err == io.EOF:
			h.log.V(1).Info("Input closed, exiting")
			return nil
		case err == errTruncatedLine:
			h.config.Metrics.framingError(reasonTruncated)
			h.log.Info("Input closed in the middle of a request, exiting", "partial", string(line))
			return nil
		default:
			return fmt.Errorf("error reading request: %w", err)
		}

		if err := h.writeResponse(res); err != nil {
			return fmt.Errorf("error writing response: %w", err)
		}
	}
}

// readLine returns the next request line without its terminator. The
// returned slice is only valid until the next call.
//
// When the line exceeds MaxLineSize the rest of it is discarded and the
// bytes kept so far are returned along with a *LineTooLongError.
func (h *Helper) readLine() ([]byte, error) {
	h.line = h.line[:0]
	overflow := false
	for {
		frag, err := h.br.ReadSlice('\n')
		if !overflow {
			if len(h.line)+len(frag) > h.config.MaxLineSize {
				overflow = true
			} else {
				h.line = append(h.line, frag...)
			}
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF {
			if len(h.line) == 0 && !overflow {
				return nil, io.EOF
			}
			return h.line, errTruncatedLine
		}
		return nil, err
	}
	if overflow {
		return h.line, &LineTooLongError{Limit: h.config.MaxLineSize}
	}

	n := len(h.line) - 1 // drop '\n'
	if n > 0 && h.line[n-1] == '\r' {
		n--
	}
	return h.line[:n], nil
}

func (h *Helper) handle(raw []byte) string {
	text, err := decodeLine(h.config.InputEncoding, raw)
	if err != nil {
		h.config.Metrics.framingError(reasonDecode)
		h.log.Error(err, "Cannot decode request line", "raw", strconv.Quote(string(raw)))
		return h.reply(Parse(string(raw), h.config.Delimiter), h.config.ErrorResponse)
	}
	h.log.V(1).Info("Input", "line", text)

	req := Parse(text, h.config.Delimiter)
	start := time.Now()
	res := h.respond(req)
	h.config.Metrics.observeRequest(req, time.Since(start))

	if strings.ContainsAny(res, "\r\n") {
		h.config.Metrics.framingError(reasonNewline)
		h.log.Info("Response contains line breaks, replacing them", "response", strconv.Quote(res))
		res = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(res)
	}
	h.log.V(1).Info("Result", "response", res)
	return h.reply(req, res)
}

func (h *Helper) respond(req Request) (res string) {
	if h.config.RecoverPanics {
		defer func() {
			if r := recover(); r != nil {
				h.config.Metrics.framingError(reasonPanic)
				h.log.Error(fmt.Errorf("%v", r), "Responder panicked", "request", req.String())
				res = h.config.ErrorResponse
			}
		}()
	}
	return h.responder.Respond(req)
}

func (h *Helper) reply(req Request, res string) string {
	if h.config.EchoChannel && req.HasChannel() {
		return strconv.Itoa(*req.Channel) + " " + res
	}
	return res
}

// writeResponse writes the response and the terminator as two writes and
// flushes them so Squid sees the answer right away.
func (h *Helper) writeResponse(res string) error {
	b, err := encodeLine(h.config.OutputEncoding, res)
	if err != nil {
		return err
	}
	term, err := encodeLine(h.config.OutputEncoding, h.config.Terminator)
	if err != nil {
		return err
	}
	if _, err := h.bw.Write(b); err != nil {
		return err
	}
	if _, err := h.bw.Write(term); err != nil {
		return err
	}
	if err := h.bw.Flush(); err != nil {
		return err
	}
	h.config.Metrics.wrote(len(b) + len(term))
	return nil
}
