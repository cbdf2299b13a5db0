// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/hybscloud/rpcmux/internal/escape"
)

// Mode selects which frame grammar a Reader or Writer speaks.
type Mode uint8

const (
	ModeText Mode = iota
	ModeBinary
)

// ErrMalformedFrame reports a byte sequence that matches neither the
// text nor the binary frame grammar.
type ErrMalformedFrame struct {
	Detail string
}

func (e *ErrMalformedFrame) Error() string {
	return fmt.Sprintf("wire: malformed frame: %s", e.Detail)
}

func malformed(detail string) error { return &ErrMalformedFrame{Detail: detail} }

// Reader parses frames from an underlying byte stream. A Reader is not
// safe for concurrent use; the caller (the connection's read-duty
// holder) is expected to serialize access.
type Reader struct {
	br                 *bufio.Reader
	mode               Mode
	recognizeHandshake bool
	pending            []Frame
}

// NewReader wraps r. recognizeHandshake disables handshake-literal
// detection when false (used for the only_text protocol mode, which
// must not upgrade on seeing what looks like a handshake).
func NewReader(r io.Reader, mode Mode, recognizeHandshake bool) *Reader {
	return &Reader{
		br:                 bufio.NewReaderSize(r, 4096),
		mode:               mode,
		recognizeHandshake: recognizeHandshake,
	}
}

func (r *Reader) Mode() Mode { return r.mode }

func (r *Reader) SetMode(m Mode) { r.mode = m }

// ReadFrame reads and returns exactly one logical frame.
func (r *Reader) ReadFrame() (Frame, error) {
	if len(r.pending) > 0 {
		fr := r.pending[0]
		r.pending = r.pending[1:]
		return fr, nil
	}
	if r.mode == ModeBinary {
		return r.readBinary()
	}
	return r.readText()
}

func (r *Reader) readText() (Frame, error) {
	line, err := r.br.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return Frame{}, io.EOF
		}
		if err == io.EOF {
			return Frame{}, io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	line = line[:len(line)-1] // drop LF
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}

	if r.recognizeHandshake {
		if bytes.Equal(line, requestBinary[:len(requestBinary)-1]) {
			r.mode = ModeBinary
			return Frame{Kind: KindHandshakeRequestBinary}, nil
		}
		if bytes.Equal(line, requestBinaryAck[:len(requestBinaryAck)-1]) {
			r.mode = ModeBinary
			return Frame{Kind: KindHandshakeRequestBinaryAck}, nil
		}
	}

	if len(line) == 0 {
		// Anonymous return frame: bare LF.
		return Frame{Kind: KindReturn, ID: 0}, nil
	}

	tabIdx := bytes.IndexByte(line, '\t')
	bellIdx := bytes.IndexByte(line, '\a')

	switch {
	case bellIdx < 0 && tabIdx < 0:
		return Frame{}, malformed(fmt.Sprintf("line has no \\t or \\a separator: %q", line))
	case bellIdx < 0 || (tabIdx >= 0 && tabIdx < bellIdx):
		// Param line: <escaped-key>\t<escaped-value>
		key := escape.Unescape(line[:tabIdx])
		value := escape.Unescape(line[tabIdx+1:])
		return Frame{Kind: KindParam, Key: string(key), Value: string(value)}, nil
	case bellIdx == 0:
		// Return frame: \a<decimal-id>
		id, err := parseID(line[1:])
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: KindReturn, ID: id}, nil
	default:
		// Call or call-back frame: <escaped-func>\a<decimal-id>[\a<decimal-recv-id>]
		fn := escape.Unescape(line[:bellIdx])
		rest := line[bellIdx+1:]
		if idx := bytes.IndexByte(rest, '\a'); idx >= 0 {
			id, err := parseID(rest[:idx])
			if err != nil {
				return Frame{}, err
			}
			recvID, err := parseID(rest[idx+1:])
			if err != nil {
				return Frame{}, err
			}
			return Frame{Kind: KindCallback, Func: string(fn), ID: id, RecvID: recvID}, nil
		}
		id, err := parseID(rest)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: KindCall, Func: string(fn), ID: id}, nil
	}
}

func parseID(b []byte) (uint32, error) {
	n, err := strconv.ParseUint(string(b), 10, 32)
	if err != nil {
		return 0, malformed(fmt.Sprintf("bad decimal id %q: %v", b, err))
	}
	return uint32(n), nil
}

func (r *Reader) readBinary() (Frame, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r.br, tag[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}

	if r.recognizeHandshake && tag[0] == ackLiteralSentinel {
		return r.readAckLiteral()
	}

	switch tag[0] {
	case 1:
		keysize, err := r.readU32()
		if err != nil {
			return Frame{}, err
		}
		valuesize, err := r.readU32()
		if err != nil {
			return Frame{}, err
		}
		key := make([]byte, keysize)
		if keysize > 0 {
			if _, err := io.ReadFull(r.br, key); err != nil {
				return Frame{}, err
			}
		}
		value := make([]byte, valuesize)
		if valuesize > 0 {
			if _, err := io.ReadFull(r.br, value); err != nil {
				return Frame{}, err
			}
		}
		return Frame{Kind: KindParam, Key: string(key), Value: string(value)}, nil
	case 2:
		id, err := r.readU32()
		if err != nil {
			return Frame{}, err
		}
		fn, err := r.readSizedBytes32()
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: KindCall, Func: string(fn), ID: id}, nil
	case 3:
		id, err := r.readU32()
		if err != nil {
			return Frame{}, err
		}
		recvID, err := r.readU32()
		if err != nil {
			return Frame{}, err
		}
		fn, err := r.readSizedBytes32()
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: KindCallback, Func: string(fn), ID: id, RecvID: recvID}, nil
	case 4:
		id, err := r.readU32()
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: KindReturn, ID: id}, nil
	default:
		return Frame{}, malformed(fmt.Sprintf("unknown binary frame type %d", tag[0]))
	}
}

// ackLiteralSentinel is the leading byte of the text ack literal
// ("O\tK\n\a1\n"), which can never collide with a real binary type tag
// (1..4).
const ackLiteralSentinel = 'O'

func (r *Reader) readAckLiteral() (Frame, error) {
	tail := make([]byte, len(ackLiteralTail))
	if _, err := io.ReadFull(r.br, tail); err != nil {
		return Frame{}, err
	}
	if !bytes.Equal(tail, ackLiteralTail) {
		return Frame{}, malformed(fmt.Sprintf("truncated ack literal: %q", tail))
	}
	r.pending = append(r.pending, Frame{Kind: KindReturn, ID: HandshakeID})
	return Frame{Kind: KindParam, Key: AckKey, Value: AckValue}, nil
}

func (r *Reader) readU32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r.br, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func (r *Reader) readSizedBytes32() ([]byte, error) {
	n, err := r.readU32()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r.br, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
