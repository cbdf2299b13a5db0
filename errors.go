// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rpcmux

import (
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
)

var (
	// ErrWouldBlock is iox.ErrWouldBlock, surfaced under the
	// connection's own sentinel so callers wrapping a non-blocking
	// writer with WithRetryDelay(-1) can errors.Is against it without
	// importing iox themselves.
	ErrWouldBlock = iox.ErrWouldBlock

	// ErrConnectionDetached reports a read attempted after Detach.
	ErrConnectionDetached = errors.New("rpcmux: connection detached")

	// ErrDoubleAnswer reports that a Call's answer was set more than once.
	ErrDoubleAnswer = errors.New("rpcmux: call already answered")

	// ErrCallAlreadyReturned reports that CallBack was issued on a Call
	// whose answer has already been sent.
	ErrCallAlreadyReturned = errors.New("rpcmux: call-back issued after answer was sent")

	// ErrPromiseReentrant reports that a Promise's thunk tried to force
	// the same Promise from within its own execution.
	ErrPromiseReentrant = errors.New("rpcmux: promise forced reentrantly")

	// ErrNoCallbackDefined is the sentinel errors.Is target for
	// *NoCallbackDefinedError.
	ErrNoCallbackDefined = errors.New("rpcmux: no callback defined")

	errInvalidCallArgs        = errors.New("rpcmux: call requires a function name, a handler, or both")
	errAnonymousReceiverTaken = errors.New("rpcmux: an anonymous receiver is already registered on this connection")
)

// InvalidResponseError reports that an inbound byte sequence did not
// match any frame shape understood by the wire codec.
type InvalidResponseError struct {
	Detail string
	Err    error
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("rpcmux: invalid response: %s", e.Detail)
}

func (e *InvalidResponseError) Unwrap() error { return e.Err }

// NoCallbackDefinedError reports that a call or call-back frame arrived
// with no matching receiver. AlreadyReturned distinguishes "the
// originating call already completed" from "no anonymous receiver is
// registered".
type NoCallbackDefinedError struct {
	Func            string
	RecvID          uint32
	HasRecvID       bool
	AlreadyReturned bool
}

func (e *NoCallbackDefinedError) Error() string {
	switch {
	case e.AlreadyReturned:
		return fmt.Sprintf("rpcmux: call-back %q received for call %d, which has already returned", e.Func, e.RecvID)
	case e.HasRecvID:
		return fmt.Sprintf("rpcmux: no callback defined for call %d (func %q)", e.RecvID, e.Func)
	default:
		return fmt.Sprintf("rpcmux: no anonymous callback defined (func %q)", e.Func)
	}
}

func (e *NoCallbackDefinedError) Is(target error) bool { return target == ErrNoCallbackDefined }

// CalledWithoutHandlerError reports that a call-back targeted a Call
// context that was created with a function name but no handler.
type CalledWithoutHandlerError struct {
	Func       string
	RecvID     uint32
	CallerDesc string
}

func (e *CalledWithoutHandlerError) Error() string {
	return fmt.Sprintf("rpcmux: call-back %q addressed to call %d (originally invoked by %s), which has no handler", e.Func, e.RecvID, e.CallerDesc)
}

func (e *CalledWithoutHandlerError) Is(target error) bool { return target == ErrNoCallbackDefined }
