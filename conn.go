// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rpcmux implements a minimalistic, fully symmetric
// bidirectional RPC connection that multiplexes calls, returns, and
// nested call-backs over a single pair of byte streams. Either peer
// may initiate calls at any time, and any handler may issue further
// calls or call-backs while suspended waiting for its own answer.
//
// The engine owns no threads: all dispatch work happens cooperatively
// on whichever caller goroutine currently holds read-duty.
package rpcmux

import (
	"errors"
	"io"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"
	"github.com/google/uuid"
	"github.com/hybscloud/rpcmux/internal/wire"
)

// receiver is per-outstanding-call (or the singleton anonymous)
// bookkeeping: the handler for inbound call-backs addressed to it, and
// the FIFO of callback Calls parsed but not yet delivered.
type receiver struct {
	handler    HandlerFunc
	hasHandler bool
	callerDesc string
	queue      []*Call
}

// Connection owns one pair of byte streams end to end: the read
// stream, the write stream, the dispatch table, and the framing mode
// for each direction. There is no client/server role.
type Connection struct {
	r *wire.Reader
	w *wire.Writer

	writeMu sync.Mutex

	answersMu sync.Mutex
	cond      *sync.Cond
	receivers map[uint32]*receiver
	pending   map[uint32]*Bag

	// readHolder is the goroutine id currently pumping inbound frames,
	// or 0 if nobody is. It is not a sync.Mutex because the same
	// goroutine must be able to re-enter the read loop from within a
	// handler it is itself running (a call-back issued from inside a
	// handler waits on the same goroutine that is already driving
	// dispatch) — a plain mutex would deadlock on that reentry.
	readHolder  uint64
	dispatchErr error

	// accum collects param frames for whichever call/callback/return
	// frame ends the run; touched only by the current read-duty
	// holder, which the single-reader invariant makes safe without its
	// own lock.
	accum *Bag

	idMu      sync.Mutex
	idCounter uint32

	detached atomic.Bool

	mode        Mode
	lazyAnswers bool

	protoOnce sync.Once
	protoErr  error

	logger      Logger
	metrics     Recorder
	callerLabel string
	retryDelay  time.Duration
}

// NewConnection wraps r and w with the multiplexed RPC protocol. r and
// w are taken over exclusively by the Connection; user code must not
// read or write them directly while the Connection is live, except
// after Detach.
func NewConnection(r io.Reader, w io.Writer, opts ...Option) (*Connection, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if o.callerLabel == "" {
		o.callerLabel = "conn-" + uuid.NewString()[:8]
	}

	recognizeHandshake := o.mode != ModeOnlyText
	readMode := wire.ModeText
	writeMode := wire.ModeText
	if o.mode == ModeBinary {
		readMode = wire.ModeBinary
		writeMode = wire.ModeBinary
	}

	c := &Connection{
		r:           wire.NewReader(r, readMode, recognizeHandshake),
		w:           wire.NewWriter(w, writeMode),
		receivers:   make(map[uint32]*receiver),
		pending:     make(map[uint32]*Bag),
		mode:        o.mode,
		lazyAnswers: o.lazyAnswers,
		logger:      o.logger,
		metrics:     o.metrics,
		callerLabel: o.callerLabel,
		retryDelay:  o.retryDelay,
		idCounter:   uint32(1 + rand.IntN(1000)),
	}
	c.cond = sync.NewCond(&c.answersMu)

	return c, nil
}

// Detach sets a sticky flag so that the next read attempt raises
// ErrConnectionDetached. It does not touch the underlying streams and
// does not abort a read already in progress — aborting a blocked read
// requires closing the transport.
func (c *Connection) Detach() {
	c.detached.Store(true)
	c.logger.Infow("rpcmux: detached", "conn", c.callerLabel)
	c.answersMu.Lock()
	c.cond.Broadcast()
	c.answersMu.Unlock()
}

// writeRetrying runs fn, which performs one or more writes against
// c.w, applying the configured retry policy whenever fn reports
// iox.ErrWouldBlock from a non-blocking underlying writer. The caller
// must hold writeMu; fn must be safe to call more than once (a
// would-block write makes no partial progress against c.w, since
// wire.Writer buffers the whole frame before flushing).
func (c *Connection) writeRetrying(fn func() error) error {
	for {
		err := fn()
		if err == nil || !errors.Is(err, iox.ErrWouldBlock) {
			return err
		}
		switch {
		case c.retryDelay < 0:
			return err
		case c.retryDelay == 0:
			runtime.Gosched()
		default:
			time.Sleep(c.retryDelay)
		}
	}
}

func (c *Connection) nextID() uint32 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	for {
		id := c.idCounter
		c.idCounter++
		if id == 0 {
			continue
		}
		if id == wire.HandshakeID && (c.mode == ModeBinary || c.mode == ModePreferBinary) {
			continue
		}
		return id
	}
}

// ensureNegotiated performs the one-shot prefer_binary handshake, if
// configured, blocking the caller until it resolves. It is a no-op for
// every other mode.
func (c *Connection) ensureNegotiated() error {
	if c.mode != ModePreferBinary {
		return nil
	}
	c.protoOnce.Do(func() {
		c.answersMu.Lock()
		c.receivers[wire.HandshakeID] = &receiver{callerDesc: "protocol negotiator"}
		c.answersMu.Unlock()

		c.writeMu.Lock()
		err := c.writeRetrying(func() error { return c.w.WriteHandshakeRequestBinary(true) })
		c.writeMu.Unlock()
		if err != nil {
			c.protoErr = err
			return
		}

		// The ack is the fixed literal "O"->"K" param followed by a
		// return for id 1 (see handleInboundHandshake), which reads as
		// two ordinary text frames — so the reader stays in text mode
		// while awaiting it. This matters for the legacy-peer case: a
		// peer that does not recognize the handshake at all answers
		// whatever it parsed as an ordinary call through its own
		// application logic, in plain text, and a reader pre-switched
		// to binary would misparse that reply instead of falling back.
		bag, err := c.waitFor(wire.HandshakeID)
		binaryOK := err == nil && bag != nil && wire.IsAckBag(bag.ToMap())

		if binaryOK {
			c.writeMu.Lock()
			c.w.SetMode(wire.ModeBinary)
			c.writeMu.Unlock()
			c.r.SetMode(wire.ModeBinary)
		}

		c.metrics.HandshakeResolved(binaryOK)
		c.logger.Infow("rpcmux: prefer_binary handshake resolved", "conn", c.callerLabel, "binary", binaryOK)
	})
	return c.protoErr
}

// Call invokes fn with params, optionally handling call-backs targeted
// at it with handler, and blocks for the returned bag. Either fn or
// handler must be non-empty/non-nil.
//
// With WithLazyAnswers set, Call is implemented on top of CallLazy
// followed immediately by Force, rather than calling straight through
// to the blocking path; the observable result is identical, but this
// exercises the same Promise bookkeeping a CallLazy caller depends on.
func (c *Connection) Call(fn string, params *Bag, handler HandlerFunc) (*Bag, error) {
	if c.lazyAnswers {
		p, err := c.CallLazy(fn, params, handler)
		if err != nil {
			return nil, err
		}
		return p.Force()
	}
	return c.call(fn, params, handler, false, 0)
}

// CallLazy is the non-blocking form of Call: it sends the outbound
// frame and registers the receiver synchronously, then returns a
// Promise. The wait loop only runs once the Promise is forced.
func (c *Connection) CallLazy(fn string, params *Bag, handler HandlerFunc) (*Promise, error) {
	id, err := c.prepareCall(fn, params, handler, false, 0)
	if err != nil {
		return nil, err
	}
	return newPromise(func() (*Bag, error) { return c.waitFor(id) }), nil
}

// Listen registers the connection's anonymous receiver and drives the
// dispatcher indefinitely, delivering every inbound call that is not a
// call-back targeting some other outstanding call. It returns when
// handler signals exit or the transport closes.
func (c *Connection) Listen(handler HandlerFunc) error {
	_, err := c.call("", nil, handler, false, 0)
	return err
}

func (c *Connection) call(fn string, params *Bag, handler HandlerFunc, isCallback bool, recvID uint32) (*Bag, error) {
	id, err := c.prepareCall(fn, params, handler, isCallback, recvID)
	if err != nil {
		return nil, err
	}
	return c.waitFor(id)
}

// prepareCall registers the receiver slot and, for a non-anonymous
// call, writes the outbound frame. It returns the id to wait on (0 for
// the anonymous, handler-only variant).
func (c *Connection) prepareCall(fn string, params *Bag, handler HandlerFunc, isCallback bool, recvID uint32) (uint32, error) {
	if fn == "" && handler == nil {
		return 0, errInvalidCallArgs
	}
	if fn == "" {
		c.answersMu.Lock()
		if _, exists := c.receivers[0]; exists {
			c.answersMu.Unlock()
			return 0, errAnonymousReceiverTaken
		}
		c.receivers[0] = &receiver{handler: handler, hasHandler: true, callerDesc: c.callerLabel}
		c.answersMu.Unlock()
		return 0, nil
	}

	if err := c.ensureNegotiated(); err != nil {
		return 0, err
	}

	id := c.nextID()
	c.answersMu.Lock()
	c.receivers[id] = &receiver{handler: handler, hasHandler: handler != nil, callerDesc: c.callerLabel}
	c.answersMu.Unlock()

	c.writeMu.Lock()
	err := c.writeRetrying(func() error {
		if err := writeParams(c.w, params); err != nil {
			return err
		}
		if isCallback {
			return c.w.WriteCallback(fn, id, recvID)
		}
		return c.w.WriteCall(fn, id)
	})
	c.writeMu.Unlock()

	if err != nil {
		c.answersMu.Lock()
		delete(c.receivers, id)
		c.answersMu.Unlock()
		return 0, err
	}
	return id, nil
}

func writeParams(w *wire.Writer, bag *Bag) error {
	if bag == nil {
		return nil
	}
	for _, k := range bag.Keys() {
		v, _ := bag.Get(k)
		if err := w.WriteParam(k, v); err != nil {
			return err
		}
	}
	return nil
}
