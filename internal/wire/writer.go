// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"bufio"
	"encoding/binary"
	"io"
	"strconv"

	"github.com/hybscloud/rpcmux/internal/escape"
)

// flushThreshold is the outbound batching limit from the spec: once
// the accumulated, not-yet-flushed bytes for a frame sequence exceed
// this, the writer flushes mid-sequence. It is a throughput
// optimization with no semantic effect — the closing call/return frame
// is always flushed regardless.
const flushThreshold = 10 * 1024

// Writer serializes frames to an underlying byte stream. Not safe for
// concurrent use; callers serialize access via their own write-lock.
type Writer struct {
	bw   *bufio.Writer
	mode Mode
}

func NewWriter(w io.Writer, mode Mode) *Writer {
	return &Writer{bw: bufio.NewWriterSize(w, 16*1024), mode: mode}
}

func (w *Writer) Mode() Mode { return w.mode }

func (w *Writer) SetMode(m Mode) { w.mode = m }

func (w *Writer) Flush() error { return w.bw.Flush() }

func (w *Writer) flushIfLarge() error {
	if w.bw.Buffered() >= flushThreshold {
		return w.bw.Flush()
	}
	return nil
}

// WriteParam writes one key/value pair of the bag currently being
// assembled. It does not flush unless the batching threshold is
// exceeded.
func (w *Writer) WriteParam(key, value string) error {
	if w.mode == ModeBinary {
		kb, vb := []byte(key), []byte(value)
		if err := w.writeTagged(1); err != nil {
			return err
		}
		if err := w.writeU32(uint32(len(kb))); err != nil {
			return err
		}
		if err := w.writeU32(uint32(len(vb))); err != nil {
			return err
		}
		if _, err := w.bw.Write(kb); err != nil {
			return err
		}
		if _, err := w.bw.Write(vb); err != nil {
			return err
		}
		return w.flushIfLarge()
	}

	if _, err := w.bw.Write(escape.Escape([]byte(key))); err != nil {
		return err
	}
	if err := w.bw.WriteByte('\t'); err != nil {
		return err
	}
	if _, err := w.bw.Write(escape.Escape([]byte(value))); err != nil {
		return err
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return err
	}
	return w.flushIfLarge()
}

// WriteCall writes a call frame and flushes.
func (w *Writer) WriteCall(fn string, id uint32) error {
	if w.mode == ModeBinary {
		if err := w.writeTagged(2); err != nil {
			return err
		}
		if err := w.writeU32(id); err != nil {
			return err
		}
		if err := w.writeSized([]byte(fn)); err != nil {
			return err
		}
		return w.bw.Flush()
	}

	if _, err := w.bw.Write(escape.Escape([]byte(fn))); err != nil {
		return err
	}
	if err := w.bw.WriteByte('\a'); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(strconv.FormatUint(uint64(id), 10)); err != nil {
		return err
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return err
	}
	return w.bw.Flush()
}

// WriteCallback writes a call-back frame and flushes.
func (w *Writer) WriteCallback(fn string, id, recvID uint32) error {
	if w.mode == ModeBinary {
		if err := w.writeTagged(3); err != nil {
			return err
		}
		if err := w.writeU32(id); err != nil {
			return err
		}
		if err := w.writeU32(recvID); err != nil {
			return err
		}
		if err := w.writeSized([]byte(fn)); err != nil {
			return err
		}
		return w.bw.Flush()
	}

	if _, err := w.bw.Write(escape.Escape([]byte(fn))); err != nil {
		return err
	}
	if err := w.bw.WriteByte('\a'); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(strconv.FormatUint(uint64(id), 10)); err != nil {
		return err
	}
	if err := w.bw.WriteByte('\a'); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(strconv.FormatUint(uint64(recvID), 10)); err != nil {
		return err
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return err
	}
	return w.bw.Flush()
}

// WriteReturn writes a return frame (or, for id == 0, the anonymous
// return frame) and flushes.
func (w *Writer) WriteReturn(id uint32) error {
	if w.mode == ModeBinary {
		if err := w.writeTagged(4); err != nil {
			return err
		}
		if err := w.writeU32(id); err != nil {
			return err
		}
		return w.bw.Flush()
	}

	if id == 0 {
		if err := w.bw.WriteByte('\n'); err != nil {
			return err
		}
		return w.bw.Flush()
	}
	if err := w.bw.WriteByte('\a'); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(strconv.FormatUint(uint64(id), 10)); err != nil {
		return err
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return err
	}
	return w.bw.Flush()
}

// WriteHandshakeRequestBinary writes the mode-agnostic upgrade literal
// directly, bypassing the current framing mode, and flushes.
func (w *Writer) WriteHandshakeRequestBinary(ack bool) error {
	lit := requestBinary
	if ack {
		lit = requestBinaryAck
	}
	if _, err := w.bw.Write(lit); err != nil {
		return err
	}
	return w.bw.Flush()
}

// WriteHandshakeAck writes the fixed text acknowledgement literal
// directly, bypassing the current framing mode. It is the universal
// reply to a "request binary with ack" handshake: parseable by a
// reader still in text mode (as an ordinary param line followed by a
// return line) and, via the reader's special-cased leading byte, by a
// reader that has already switched to binary (for instance after
// parsing the peer's own handshake request).
func (w *Writer) WriteHandshakeAck() error {
	if _, err := w.bw.Write(ackBody); err != nil {
		return err
	}
	return w.bw.Flush()
}

func (w *Writer) writeTagged(tag byte) error { return w.bw.WriteByte(tag) }

func (w *Writer) writeU32(v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.bw.Write(buf[:])
	return err
}

func (w *Writer) writeSized(b []byte) error {
	if err := w.writeU32(uint32(len(b))); err != nil {
		return err
	}
	_, err := w.bw.Write(b)
	return err
}
