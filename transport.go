// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rpcmux

import (
	"io"
	"net"
	"os/exec"
)

// NewPipeConnection wraps an already-established in-process pipe pair,
// such as the two ends of net.Pipe, with the multiplexed protocol.
// It is mainly useful for tests and for connecting goroutines within
// one process without a real transport.
func NewPipeConnection(conn net.Conn, opts ...Option) (*Connection, error) {
	return NewConnection(conn, conn, opts...)
}

// NewNetConnection wraps a net.Conn, disabling Nagle's algorithm on
// TCP connections so that small RPC frames are not held back waiting
// to coalesce — the protocol already batches its own writes with the
// wire codec's flush threshold.
func NewNetConnection(conn net.Conn, opts ...Option) (*Connection, error) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return NewConnection(conn, conn, opts...)
}

// cmdReadWriteCloser pairs a subprocess's stdout with its stdin so the
// pair can be treated as a single connection's read/write streams.
type cmdReadWriteCloser struct {
	io.ReadCloser
	io.WriteCloser
}

func (c *cmdReadWriteCloser) Close() error {
	werr := c.WriteCloser.Close()
	rerr := c.ReadCloser.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// NewCmdConnection starts cmd and wires the RPC protocol to its
// stdin/stdout, the way a co-process helper is typically driven. The
// caller is responsible for calling cmd.Wait (or cmd.Process.Kill)
// once the Connection is detached.
func NewCmdConnection(cmd *exec.Cmd, opts ...Option) (*Connection, io.Closer, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}

	conn, err := NewConnection(stdout, stdin, opts...)
	if err != nil {
		_ = stdin.Close()
		return nil, nil, err
	}
	closer := &cmdReadWriteCloser{ReadCloser: stdout, WriteCloser: stdin}
	return conn, closer, nil
}
