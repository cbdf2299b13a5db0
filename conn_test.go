// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rpcmux

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hybscloud/rpcmux/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPipePair returns two Connections back to back over an in-process
// net.Pipe, one per given mode. No mode writes anything during
// construction (ModeBinary sends no handshake literal at all, and
// ModePreferBinary negotiates on the first outbound call), so the order
// of construction does not matter; both sides are still built
// concurrently, the way two real processes would connect.
func newPipePair(t *testing.T, mode Mode) (*Connection, *Connection) {
	t.Helper()
	a, b := net.Pipe()

	type result struct {
		conn *Connection
		err  error
	}
	chA := make(chan result, 1)
	go func() {
		conn, err := NewPipeConnection(a, WithProtocol(mode))
		chA <- result{conn, err}
	}()
	cb, err := NewPipeConnection(b, WithProtocol(mode))
	require.NoError(t, err)
	ra := <-chA
	require.NoError(t, ra.err)
	return ra.conn, cb
}

// newPipePairModes is like newPipePair but lets each side pick its own
// mode, for exercising asymmetric negotiation (a prefer_binary side
// talking to a legacy peer).
func newPipePairModes(t *testing.T, modeA, modeB Mode) (*Connection, *Connection) {
	t.Helper()
	a, b := net.Pipe()

	type result struct {
		conn *Connection
		err  error
	}
	chA := make(chan result, 1)
	go func() {
		conn, err := NewPipeConnection(a, WithProtocol(modeA))
		chA <- result{conn, err}
	}()
	cb, err := NewPipeConnection(b, WithProtocol(modeB))
	require.NoError(t, err)
	ra := <-chA
	require.NoError(t, ra.err)
	return ra.conn, cb
}

func echoHandler(call *Call) (*Bag, bool, error) {
	if call.Func == "quit" {
		return NewBag(), true, nil
	}
	return call.Params().Clone(), false, nil
}

func TestEchoRoundTrip(t *testing.T) {
	for _, mode := range []Mode{ModeText, ModeBinary} {
		mode := mode
		t.Run(modeName(mode), func(t *testing.T) {
			client, server := newPipePair(t, mode)
			go func() { _ = server.Listen(echoHandler) }()

			params := NewBag().Set("hello", "world").Set("n", "1")
			got, err := client.Call("echo", params, nil)
			require.NoError(t, err)
			assert.Equal(t, params.ToMap(), got.ToMap())

			_, err = client.Call("quit", nil, nil)
			require.NoError(t, err)
		})
	}
}

func modeName(m Mode) string {
	switch m {
	case ModeBinary:
		return "binary"
	case ModePreferBinary:
		return "prefer_binary"
	case ModeOnlyText:
		return "only_text"
	default:
		return "text"
	}
}

func TestEchoUTF8AndControlBytesRoundTrip(t *testing.T) {
	client, server := newPipePair(t, ModeText)
	go func() { _ = server.Listen(echoHandler) }()

	value := "AbCäöü\x8f\x0e\\\t\n\a€"
	params := NewBag().Set("payload", value)
	got, err := client.Call("echo", params, nil)
	require.NoError(t, err)
	v, ok := got.Get("payload")
	require.True(t, ok)
	assert.Equal(t, value, v)
}

// TestRecursiveCallback exercises a handler that calls back into its
// own caller before answering, confirming that a single read-duty
// holder can service a nested request/response round trip.
func TestRecursiveCallback(t *testing.T) {
	client, server := newPipePair(t, ModeText)

	serverHandler := func(call *Call) (*Bag, bool, error) {
		if call.Func != "compute" {
			return call.Params().Clone(), false, nil
		}
		back, err := call.CallBack("need-constant", nil, nil)
		if err != nil {
			return nil, false, err
		}
		constant, _ := back.Get("value")
		n, _ := call.Params().Get("n")
		return NewBag().Set("result", n+"+"+constant), false, nil
	}
	go func() { _ = server.Listen(serverHandler) }()

	clientHandler := func(call *Call) (*Bag, bool, error) {
		if call.Func == "need-constant" {
			return NewBag().Set("value", "42"), false, nil
		}
		return NewBag(), false, nil
	}

	got, err := client.Call("compute", NewBag().Set("n", "1"), clientHandler)
	require.NoError(t, err)
	result, ok := got.Get("result")
	require.True(t, ok)
	assert.Equal(t, "1+42", result)
}

// TestConcurrentFanout issues many concurrent calls over one
// Connection and checks each gets its own answer back, exercising the
// cooperative read-duty handoff under contention.
func TestConcurrentFanout(t *testing.T) {
	client, server := newPipePair(t, ModeText)
	go func() { _ = server.Listen(echoHandler) }()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			params := NewBag().Set("i", strconv.Itoa(i))
			got, err := client.Call("echo", params, nil)
			if err != nil {
				errs[i] = err
				return
			}
			v, _ := got.Get("i")
			if v != strconv.Itoa(i) {
				errs[i] = errors.New("mismatched echo for " + strconv.Itoa(i))
			}
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

// TestManySequentialCalls pushes many back-to-back calls with sizeable
// payloads and checks every reply. Each 512-byte payload stays below
// the writer's 10 KB mid-sequence flush threshold, so every frame is
// flushed by its closing call/return frame.
func TestManySequentialCalls(t *testing.T) {
	client, server := newPipePair(t, ModeText)
	go func() { _ = server.Listen(echoHandler) }()

	big := make([]byte, 512)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	payload := string(big)

	for i := 0; i < 500; i++ {
		got, err := client.Call("echo", NewBag().Set("payload", payload), nil)
		require.NoError(t, err)
		v, _ := got.Get("payload")
		require.Equal(t, payload, v)
	}
}

// TestGracefulShutdown confirms a handler's exit=true return value
// unwinds Listen without surfacing an error.
func TestGracefulShutdown(t *testing.T) {
	client, server := newPipePair(t, ModeText)

	done := make(chan error, 1)
	go func() {
		done <- server.Listen(echoHandler)
	}()

	_, err := client.Call("quit", nil, nil)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after exit")
	}
}

// TestLazyAnswerForcedAfterDetach confirms a Promise created before
// Detach still resolves (to an error) rather than hanging forever, even
// though the peer never answers.
func TestLazyAnswerForcedAfterDetach(t *testing.T) {
	a, b := net.Pipe()
	client, err := NewPipeConnection(a)
	require.NoError(t, err)

	// Drain the peer side so the client's outbound write does not
	// block forever against net.Pipe's unbuffered semantics; the
	// drained bytes are never answered.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()

	p, err := client.CallLazy("echo", NewBag(), nil)
	require.NoError(t, err)

	client.Detach()

	bag, err := p.Force()
	assert.Nil(t, bag)
	assert.ErrorIs(t, err, ErrConnectionDetached)
}

// spyLogger records Warnw calls so tests can assert on soft-failure
// conditions that the engine deliberately does not turn into errors.
type spyLogger struct {
	mu    sync.Mutex
	warns []string
}

func (s *spyLogger) Debugw(string, ...interface{}) {}
func (s *spyLogger) Infow(string, ...interface{})  {}
func (s *spyLogger) Warnw(msg string, _ ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warns = append(s.warns, msg)
}
func (s *spyLogger) Errorw(string, ...interface{}) {}

func (s *spyLogger) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.warns)
}

// TestCallBackToAlreadyReturnedCallIsAnswered confirms a call-back
// that arrives after its target call has already returned (the
// receiver slot is gone) does not hang the issuer: it gets an empty
// answer back, and the condition is only surfaced through the
// connection's logger rather than as a blocking error.
func TestCallBackToAlreadyReturnedCallIsAnswered(t *testing.T) {
	// A loopback TCP pair rather than net.Pipe: the server's handler
	// writes the stray call-back while the client writes "ping", and
	// net.Pipe's unbuffered writes would block both sides forever.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	a, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	b, err := ln.Accept()
	require.NoError(t, err)
	// The stray call-back is received, and logged, by the client.
	spy := &spyLogger{}
	client, err := NewPipeConnection(a, WithLogger(spy))
	require.NoError(t, err)
	server, err := NewPipeConnection(b)
	require.NoError(t, err)

	serverHandler := func(call *Call) (*Bag, bool, error) {
		if call.Func != "anything" {
			return NewBag(), false, nil
		}
		require.NoError(t, call.Answer(NewBag()))
		// Fire a call-back addressed to the now-returned call directly
		// through the connection (bypassing Call's own answered guard,
		// which exists to stop well-behaved callers, not to exercise
		// the dispatcher) to reach deliverCall's "already returned"
		// path deterministically.
		_, err := call.conn.prepareCall("too-late", nil, nil, true, call.id)
		require.NoError(t, err)
		return nil, false, nil
	}
	go func() { _ = server.Listen(serverHandler) }()

	_, err = client.Call("anything", nil, nil)
	require.NoError(t, err)

	// Drive the client's read loop again so it discovers the stray
	// call-back frame addressed to the already-completed "anything"
	// call.
	_, err = client.Call("ping", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, spy.count())
}

// TestCallBackToCallWithNoHandlerRaises confirms a call-back frame
// targeting a Call made with a function name but no handler block
// surfaces CalledWithoutHandlerError to the connection that received
// it (§4.4/S8 family), rather than being silently answered.
func TestCallBackToCallWithNoHandlerRaises(t *testing.T) {
	a, b := net.Pipe()
	client, err := NewPipeConnection(a)
	require.NoError(t, err)
	server, err := NewPipeConnection(b)
	require.NoError(t, err)

	serverHandler := func(call *Call) (*Bag, bool, error) {
		// The client's "anything" call was issued with handler=nil, so
		// this call-back has nowhere to run; it never gets an answer.
		_, _ = call.CallBack("unexpected", nil, nil)
		return NewBag(), false, nil
	}
	go func() { _ = server.Listen(serverHandler) }()

	_, err = client.Call("anything", nil, nil)
	var target *CalledWithoutHandlerError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "unexpected", target.Func)
}

// TestTopLevelCallWithNoAnonymousReceiverRaises exercises S8: a peer
// sends a top-level call and the receiving side has never registered
// an anonymous receiver, so NoCallbackDefined must surface to a real
// waiter on that side, mentioning the function name.
func TestTopLevelCallWithNoAnonymousReceiverRaises(t *testing.T) {
	a, b := newPipePair(t, ModeText)

	// b never calls Listen/CallLazy(""); it only drives its own read
	// loop via its own outstanding "ping" call, so the unroutable
	// "unhandled" call from a is discovered on b's side.
	go func() { _ = a.Listen(echoHandler) }()
	go func() { _, _ = a.Call("unhandled", nil, nil) }()

	_, err := b.Call("ping", nil, nil)
	var target *NoCallbackDefinedError
	require.ErrorAs(t, err, &target)
	assert.False(t, target.HasRecvID)
	assert.Contains(t, target.Error(), "unhandled")
}

// TestConcurrentCallbacksRunOnOwningGoroutine is the P5 test: with many
// concurrent callers each registering its own call-back handler, every
// handler must run on the goroutine that issued its own originating
// call. Before the queue-draining fix in deliverCall/waitFor, whichever
// goroutine happened to hold read-duty at delivery time ran the
// call-back inline, so a busy fan-out would run one caller's handler on
// another caller's goroutine.
func TestConcurrentCallbacksRunOnOwningGoroutine(t *testing.T) {
	client, server := newPipePair(t, ModeText)

	serverHandler := func(call *Call) (*Bag, bool, error) {
		n, _ := call.Params().Get("n")
		back, err := call.CallBack("square", NewBag().Set("n", n), nil)
		if err != nil {
			return nil, false, err
		}
		return back, false, nil
	}
	go func() { _ = server.Listen(serverHandler) }()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			callerGID := goroutineID()
			var observedGID uint64
			clientHandler := func(call *Call) (*Bag, bool, error) {
				observedGID = goroutineID()
				nStr, _ := call.Params().Get("n")
				val, _ := strconv.Atoi(nStr)
				return NewBag().Set("n", strconv.Itoa(val*val)), false, nil
			}
			got, err := client.Call("compute", NewBag().Set("n", strconv.Itoa(i)), clientHandler)
			if err != nil {
				errs[i] = err
				return
			}
			if observedGID != callerGID {
				errs[i] = errors.New("call-back handler ran on a different goroutine than its caller")
				return
			}
			v, _ := got.Get("n")
			if v != strconv.Itoa(i*i) {
				errs[i] = errors.New("mismatched result for " + strconv.Itoa(i))
			}
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

// TestPreferBinaryBothSidesEndUpBinary is a P6 test: with both ends
// configured ModePreferBinary, the handshake must resolve to binary
// framing on both directions of both connections.
func TestPreferBinaryBothSidesEndUpBinary(t *testing.T) {
	client, server := newPipePairModes(t, ModePreferBinary, ModePreferBinary)
	go func() { _ = server.Listen(echoHandler) }()

	got, err := client.Call("echo", NewBag().Set("k", "v"), nil)
	require.NoError(t, err)
	v, _ := got.Get("k")
	assert.Equal(t, "v", v)

	assert.Equal(t, wire.ModeBinary, client.w.Mode())
	assert.Equal(t, wire.ModeBinary, client.r.Mode())
	assert.Equal(t, wire.ModeBinary, server.w.Mode())
	assert.Equal(t, wire.ModeBinary, server.r.Mode())
}

// TestPreferBinaryFallsBackToTextAgainstLegacyPeer is the other half of
// P6: a ModePreferBinary side talking to a ModeOnlyText peer (which
// never recognizes the handshake literal at all, answering it through
// its own application logic instead) must fall back to text framing
// rather than wedging dispatch on a misparsed reply.
func TestPreferBinaryFallsBackToTextAgainstLegacyPeer(t *testing.T) {
	client, server := newPipePairModes(t, ModePreferBinary, ModeOnlyText)
	go func() { _ = server.Listen(echoHandler) }()

	got, err := client.Call("echo", NewBag().Set("k", "v"), nil)
	require.NoError(t, err)
	v, _ := got.Get("k")
	assert.Equal(t, "v", v)

	assert.Equal(t, wire.ModeText, client.w.Mode())
	assert.Equal(t, wire.ModeText, client.r.Mode())
}

