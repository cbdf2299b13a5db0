// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rpcmux

import "time"

// Mode selects the outbound framing and handshake behavior of a
// Connection's protocol negotiator.
type Mode uint8

const (
	// ModeText starts in text framing; no handshake is sent.
	ModeText Mode = iota
	// ModeBinary starts in binary framing immediately on both read and
	// write sides, with no handshake; the peer is assumed preconfigured
	// the same way.
	ModeBinary
	// ModePreferBinary starts unknown and gates the first outbound
	// call on a one-shot acked handshake.
	ModePreferBinary
	// ModeOnlyText behaves like ModeText and additionally disables
	// handshake-literal recognition on the read side, for testing
	// against peers that must never be auto-upgraded.
	ModeOnlyText
)

// Logger is the structured-logging surface a Connection uses for
// handshake outcomes, detach, and call-backs that arrive for a call
// that has already returned; protocol errors are returned to the
// waiting caller, not logged. It never logs per-frame,
// which would make the hot path allocate. *zap.SugaredLogger satisfies
// this interface directly.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugw(string, ...interface{}) {}
func (nopLogger) Infow(string, ...interface{})  {}
func (nopLogger) Warnw(string, ...interface{})  {}
func (nopLogger) Errorw(string, ...interface{}) {}

// Recorder receives optional counters. Implementations must be safe
// for concurrent use; a Connection may call them from any caller
// thread holding read-duty.
type Recorder interface {
	FramesRead(n int)
	FramesWritten(n int)
	HandshakeResolved(binary bool)
}

type nopRecorder struct{}

func (nopRecorder) FramesRead(int)         {}
func (nopRecorder) FramesWritten(int)      {}
func (nopRecorder) HandshakeResolved(bool) {}

type options struct {
	lazyAnswers bool
	mode        Mode
	logger      Logger
	metrics     Recorder
	callerLabel string
	retryDelay  time.Duration
}

func defaultOptions() options {
	return options{
		mode:       ModeText,
		logger:     nopLogger{},
		metrics:    nopRecorder{},
		retryDelay: 0, // Gosched-and-retry: safe default for both blocking and non-blocking writers
	}
}

// Option configures a Connection at construction time.
type Option func(*options)

// WithLazyAnswers makes Connection.Call build on CallLazy internally:
// it registers the receiver and sends the outbound frame through the
// same prepareCall/Promise path a direct CallLazy caller uses, then
// forces the Promise before returning. The result is indistinguishable
// from the default path; see DESIGN.md for why the connection-wide
// spec switch is exposed this way rather than changing Call's
// signature.
func WithLazyAnswers() Option {
	return func(o *options) { o.lazyAnswers = true }
}

// WithProtocol selects the negotiator mode (spec §4.3).
func WithProtocol(mode Mode) Option {
	return func(o *options) { o.mode = mode }
}

// WithLogger installs a structured logger; nil is ignored.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics installs a counter recorder; nil is ignored.
func WithMetrics(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.metrics = r
		}
	}
}

// WithRetryDelay controls how a Connection handles iox.ErrWouldBlock
// from a non-blocking underlying writer (spec §4.6's transport is not
// assumed blocking):
//   - negative: nonblock — the write call returns iox.ErrWouldBlock immediately
//   - zero: yield (runtime.Gosched) and retry
//   - positive: sleep for the duration and retry
//
// Blocking writers (the common case — a TCP net.Conn, an os.Pipe
// opened without O_NONBLOCK) never produce iox.ErrWouldBlock, so this
// setting is inert for them; it only matters when the caller supplies
// a writer built on non-blocking I/O.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = d }
}

// WithCallerLabel sets the diagnostic string embedded in the
// no-handler marker used for this connection's outbound calls, cited
// in CalledWithoutHandlerError messages. Defaults to a generated
// per-connection label when unset.
func WithCallerLabel(label string) Option {
	return func(o *options) { o.callerLabel = label }
}
