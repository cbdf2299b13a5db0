// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rpcmux

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

type promiseState uint8

const (
	promiseIdle promiseState = iota
	promiseForcing
	promiseDone
)

// Promise is a single-assignment cell representing a future parameter
// bag. It is created by Connection.CallLazy and forced by Force — the
// first observation of its contents drives the connection's
// dispatcher for the underlying call id exactly as a blocking Call
// would. Concurrent observers rendezvous on the same result.
type Promise struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state promiseState

	forcingGID uint64
	thunk      func() (*Bag, error)

	bag *Bag
	err error
}

func newPromise(thunk func() (*Bag, error)) *Promise {
	p := &Promise{thunk: thunk}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Force resolves the promise, blocking until a result is available.
// It is idempotent: later calls return the same (bag, err) without
// re-running the thunk. A goroutine that forces the same Promise again
// while already inside its own Force call (i.e. the thunk's handler
// chain re-enters the same Promise) gets ErrPromiseReentrant instead
// of deadlocking.
func (p *Promise) Force() (*Bag, error) {
	gid := goroutineID()

	p.mu.Lock()
	for {
		switch p.state {
		case promiseDone:
			bag, err := p.bag, p.err
			p.mu.Unlock()
			return bag, err
		case promiseForcing:
			if p.forcingGID == gid {
				p.mu.Unlock()
				return nil, ErrPromiseReentrant
			}
			p.cond.Wait()
			continue
		default:
			p.state = promiseForcing
			p.forcingGID = gid
		}
		break
	}
	p.mu.Unlock()

	bag, err := p.thunk()

	p.mu.Lock()
	p.bag, p.err = bag, err
	p.state = promiseDone
	p.cond.Broadcast()
	p.mu.Unlock()
	return bag, err
}

// Resolved reports whether Force has already completed, without
// blocking.
func (p *Promise) Resolved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == promiseDone
}

// goroutineID extracts the calling goroutine's numeric id by parsing
// the leading "goroutine N " of its own stack trace. It is used to
// detect reentrant Promise.Force calls from within the same logical
// call chain, and by Connection.waitFor to record which goroutine holds
// read-duty so that the same goroutine can re-enter the dispatch loop.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	b = bytes.TrimPrefix(b, []byte(prefix))
	if idx := bytes.IndexByte(b, ' '); idx >= 0 {
		b = b[:idx]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
