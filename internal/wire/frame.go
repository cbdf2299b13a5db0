// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wire implements the on-the-wire frame grammar of the
// multiplexed RPC protocol: a text variant (one frame per LF-terminated
// line) and a binary variant (type-tagged, fixed-width big-endian
// fields), plus the handshake literals that upgrade a connection from
// text to binary framing mid-stream.
package wire

// Kind identifies the shape of a parsed or to-be-written Frame.
type Kind uint8

const (
	// KindParam carries one key/value pair of an accumulating bag.
	KindParam Kind = iota + 1
	// KindCall carries a function name and the id assigned to it.
	KindCall
	// KindCallback is a Call frame additionally addressed to a
	// specific outstanding call via RecvID.
	KindCallback
	// KindReturn completes a pending call (or, when ID is 0, answers
	// an anonymous callback).
	KindReturn
	// KindHandshakeRequestBinary is the "request binary" literal
	// (no acknowledgement expected).
	KindHandshakeRequestBinary
	// KindHandshakeRequestBinaryAck is the "request binary with ack"
	// literal.
	KindHandshakeRequestBinaryAck
)

// Frame is the parsed or to-be-serialized form of one wire unit. Not
// every field is meaningful for every Kind; see the Kind docs above.
type Frame struct {
	Kind   Kind
	Key    string // KindParam
	Value  string // KindParam
	Func   string // KindCall, KindCallback
	ID     uint32 // KindCall, KindCallback, KindReturn (0 = none/anonymous)
	RecvID uint32 // KindCallback only (0 = anonymous receiver)
}

func ParamFrame(key, value string) Frame {
	return Frame{Kind: KindParam, Key: key, Value: value}
}

func CallFrame(fn string, id uint32) Frame {
	return Frame{Kind: KindCall, Func: fn, ID: id}
}

func CallbackFrame(fn string, id, recvID uint32) Frame {
	return Frame{Kind: KindCallback, Func: fn, ID: id, RecvID: recvID}
}

func ReturnFrame(id uint32) Frame {
	return Frame{Kind: KindReturn, ID: id}
}
