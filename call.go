// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rpcmux

import "sync"

// HandlerFunc receives an inbound Call. It returns the bag to answer
// the call with (nil if the handler already called call.Answer
// itself), whether the enclosing wait loop should stop after this
// invocation, and an error to surface to whichever caller is currently
// waiting on this connection.
type HandlerFunc func(call *Call) (answer *Bag, exit bool, err error)

// Call is the per-call context handed to a HandlerFunc: the inbound
// function name, its parameter bag, and the operations available
// before an answer is sent.
type Call struct {
	conn   *Connection
	Func   string
	params *Bag
	id     uint32

	mu       sync.Mutex
	answered bool
}

// Params returns the inbound parameter bag.
func (call *Call) Params() *Bag { return call.params }

// ID returns the originating id, or 0 if the call arrived without one
// (the "anonymous callback" case).
func (call *Call) ID() uint32 { return call.id }

// Answered reports whether Answer has already been called.
func (call *Call) Answered() bool {
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.answered
}

// Answer transmits a return frame for this call and marks it answered.
// A second call returns ErrDoubleAnswer.
func (call *Call) Answer(bag *Bag) error {
	call.mu.Lock()
	if call.answered {
		call.mu.Unlock()
		return ErrDoubleAnswer
	}
	call.answered = true
	call.mu.Unlock()

	call.conn.writeMu.Lock()
	defer call.conn.writeMu.Unlock()
	return call.conn.writeRetrying(func() error {
		if err := writeParams(call.conn.w, bag); err != nil {
			return err
		}
		return call.conn.w.WriteReturn(call.id)
	})
}

// CallBack issues a further call addressed back to this Call's
// originating id, so the peer's handler runs in the thread that issued
// the original call. Forbidden once Answer has been called.
func (call *Call) CallBack(fn string, params *Bag, handler HandlerFunc) (*Bag, error) {
	call.mu.Lock()
	answered := call.answered
	call.mu.Unlock()
	if answered {
		return nil, ErrCallAlreadyReturned
	}
	return call.conn.call(fn, params, handler, true, call.id)
}

// CallBackLazy is the lazy-answer form of CallBack.
func (call *Call) CallBackLazy(fn string, params *Bag, handler HandlerFunc) (*Promise, error) {
	call.mu.Lock()
	answered := call.answered
	call.mu.Unlock()
	if answered {
		return nil, ErrCallAlreadyReturned
	}
	id, err := call.conn.prepareCall(fn, params, handler, true, call.id)
	if err != nil {
		return nil, err
	}
	conn := call.conn
	return newPromise(func() (*Bag, error) { return conn.waitFor(id) }), nil
}
