// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rpcmux

import (
	"io"

	"github.com/hybscloud/rpcmux/internal/wire"
)

// waitFor blocks until id's return arrives, driving the dispatcher
// itself if no other goroutine currently holds read-duty. id 0 is the
// anonymous Listen/CallLazy("") case: it never completes on its own —
// the caller keeps pumping frames until a handler requests exit or the
// transport errors.
//
// Read-duty is tracked by goroutine id rather than a sync.Mutex: a
// handler invoked while its own goroutine is already pumping frames
// (a call-back issued from within a Listen or Call handler) must be
// able to re-enter this same loop on that same goroutine without
// deadlocking on a non-reentrant lock.
//
// Every call-back addressed to id is enqueued on receivers[id].queue
// by deliverCall rather than run where it was parsed (see
// deliverCall); draining and running that queue is this loop's first
// priority each iteration, so the handler always executes on the
// goroutine that issued the originating call, never on whichever
// goroutine happens to hold read-duty at delivery time.
func (c *Connection) waitFor(id uint32) (*Bag, error) {
	gid := goroutineID()
	acquiredHere := false

	release := func() {
		if acquiredHere {
			c.answersMu.Lock()
			c.readHolder = 0
			c.cond.Broadcast()
			c.answersMu.Unlock()
			acquiredHere = false
		}
	}
	defer release()

	for {
		if c.detached.Load() {
			release()
			return nil, ErrConnectionDetached
		}

		c.answersMu.Lock()

		if recv, ok := c.receivers[id]; ok && len(recv.queue) > 0 {
			call := recv.queue[0]
			recv.queue = recv.queue[1:]
			handler := recv.handler
			c.answersMu.Unlock()

			answer, exit, err := handler(call)
			c.metrics.FramesRead(1)

			if err != nil {
				c.answersMu.Lock()
				if c.dispatchErr == nil {
					c.dispatchErr = err
				}
				c.cond.Broadcast()
				c.answersMu.Unlock()
				release()
				return nil, err
			}
			if !call.Answered() && answer != nil {
				if aerr := call.Answer(answer); aerr != nil {
					release()
					return nil, aerr
				}
			}
			if exit {
				release()
				return nil, nil
			}
			continue
		}

		if bag, ok := c.pending[id]; ok {
			delete(c.pending, id)
			c.answersMu.Unlock()
			release()
			return bag, nil
		}
		if c.dispatchErr != nil {
			err := c.dispatchErr
			c.answersMu.Unlock()
			release()
			return nil, err
		}

		switch {
		case c.readHolder == 0:
			c.readHolder = gid
			acquiredHere = true
		case c.readHolder == gid:
			// Reentrant: this goroutine already drives dispatch
			// further up its own call stack.
		default:
			c.cond.Wait()
			c.answersMu.Unlock()
			continue
		}
		c.answersMu.Unlock()

		err := c.receiveOneFrame()

		if err != nil {
			c.answersMu.Lock()
			if c.dispatchErr == nil {
				c.dispatchErr = err
			}
			c.cond.Broadcast()
			c.answersMu.Unlock()
		} else {
			c.answersMu.Lock()
			c.cond.Broadcast()
			c.answersMu.Unlock()
		}
	}
}

// receiveOneFrame reads and accumulates wire frames until a
// call/call-back/return frame completes a logical message, then
// dispatches it. It is only ever called by the goroutine that
// currently holds read-duty (see waitFor).
func (c *Connection) receiveOneFrame() error {
	for {
		fr, err := c.r.ReadFrame()
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return ErrConnectionDetached
			}
			return err
		}

		switch fr.Kind {
		case wire.KindParam:
			if c.accum == nil {
				c.accum = NewBag()
			}
			c.accum.Set(fr.Key, fr.Value)
			continue

		case wire.KindHandshakeRequestBinary, wire.KindHandshakeRequestBinaryAck:
			return c.handleInboundHandshake(fr)

		case wire.KindReturn:
			bag := c.accum
			c.accum = nil
			if bag == nil {
				bag = NewBag()
			}
			return c.deliverReturn(fr.ID, bag)

		case wire.KindCall, wire.KindCallback:
			params := c.accum
			c.accum = nil
			if params == nil {
				params = NewBag()
			}
			return c.deliverCall(fr, params)

		default:
			return malformedFrame(fr)
		}
	}
}

func malformedFrame(fr wire.Frame) error {
	return &InvalidResponseError{Detail: "unexpected frame kind in dispatch"}
}

// handleInboundHandshake answers a peer-initiated binary upgrade. It
// switches this side's read mode to binary immediately, then answers
// in kind: a plain upgrade gets no reply, an ack-requested upgrade
// gets the fixed ack literal (mode-agnostic, so a requester still
// reading in text mode can parse it too — see ensureNegotiated), after
// which this side's write mode also moves to binary.
func (c *Connection) handleInboundHandshake(fr wire.Frame) error {
	c.r.SetMode(wire.ModeBinary)

	if fr.Kind == wire.KindHandshakeRequestBinary {
		c.writeMu.Lock()
		c.w.SetMode(wire.ModeBinary)
		c.writeMu.Unlock()
		c.logger.Debugw("rpcmux: peer upgraded to binary (no ack requested)", "conn", c.callerLabel)
		return nil
	}

	// The ack is the fixed literal, not a normal per-mode frame: it
	// must stay parseable by a requester that is still reading in text
	// mode while it awaits this reply (see ensureNegotiated).
	c.writeMu.Lock()
	err := c.writeRetrying(func() error { return c.w.WriteHandshakeAck() })
	c.w.SetMode(wire.ModeBinary)
	c.writeMu.Unlock()
	c.logger.Debugw("rpcmux: peer upgraded to binary (acked)", "conn", c.callerLabel, "err", err)
	return err
}

func (c *Connection) deliverReturn(id uint32, bag *Bag) error {
	c.answersMu.Lock()
	delete(c.receivers, id)
	c.pending[id] = bag
	c.answersMu.Unlock()
	c.metrics.FramesRead(1)
	return nil
}

// deliverCall matches an inbound call or call-back frame to its
// receiver and, if one is found with a handler, enqueues it there —
// it never runs the handler itself. The handler for a call-back must
// run on the goroutine that issued the originating call, never on
// whichever goroutine happens to hold read-duty when the frame
// arrives; waitFor drains each receiver's queue on that owning
// goroutine.
func (c *Connection) deliverCall(fr wire.Frame, params *Bag) error {
	call := &Call{conn: c, Func: fr.Func, params: params, id: fr.ID}
	isCallback := fr.Kind == wire.KindCallback

	targetID := uint32(0)
	if isCallback {
		targetID = fr.RecvID
	}

	c.answersMu.Lock()
	recv, ok := c.receivers[targetID]

	switch {
	case !ok && isCallback:
		// The call this call-back addresses has already returned (its
		// receiver was removed when the Return frame was delivered,
		// see deliverReturn). The remote's own CallBack is blocked
		// waiting on this id, so it is answered rather than left to
		// poison dispatch for an interaction that is already over.
		c.answersMu.Unlock()
		noHandlerErr := &NoCallbackDefinedError{Func: fr.Func, RecvID: fr.RecvID, HasRecvID: true, AlreadyReturned: true}
		c.logger.Warnw("rpcmux: dropping call-back for a call that already returned", "conn", c.callerLabel, "err", noHandlerErr)
		c.metrics.FramesRead(1)
		return call.Answer(NewBag())

	case !ok:
		// Top-level call, no anonymous receiver registered: the
		// dispatcher raises this rather than silently answering it.
		c.answersMu.Unlock()
		c.metrics.FramesRead(1)
		return &NoCallbackDefinedError{Func: fr.Func, HasRecvID: false}

	case !recv.hasHandler:
		// A call-back addressed to a Call that was made with a
		// function name but no handler block.
		c.answersMu.Unlock()
		c.metrics.FramesRead(1)
		return &CalledWithoutHandlerError{Func: fr.Func, RecvID: fr.RecvID, CallerDesc: recv.callerDesc}

	default:
		recv.queue = append(recv.queue, call)
		c.cond.Broadcast()
		c.answersMu.Unlock()
		c.metrics.FramesRead(1)
		return nil
	}
}
