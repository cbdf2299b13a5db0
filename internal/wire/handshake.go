// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

// HandshakeID is the call id reserved by the protocol negotiator; it
// is never used for an application call.
const HandshakeID = 1

// Raw literal byte sequences for the binary-upgrade handshake. These
// are written mode-agnostically (never through the escape codec) so a
// peer that has not yet decided its read mode can still recognize
// them.
var (
	requestBinary    = []byte{'\r', 0x00, '\a', '1', '\n'}
	requestBinaryAck = []byte{'\r', 0x01, '\a', '1', '\n'}
)

// ackBody is the fixed acknowledgement reply: a param "O"->"K" followed
// by a return frame for HandshakeID, encoded as plain text bytes. It
// doubles as the literal recognized on the binary receive path (see
// readAckLiteral in reader.go), since a reader that has already
// switched to binary still needs to understand the peer's text ack.
var ackBody = []byte("O\tK\n\a1\n")

// ackLiteralTail is ackBody without its leading 'O' type-tag byte; the
// binary reader consumes this after spotting the leading 'O'.
var ackLiteralTail = ackBody[1:]

// AckKey and AckValue are the single param pair of the handshake
// acknowledgement body.
const (
	AckKey   = "O"
	AckValue = "K"
)

// IsAckBag reports whether a completed handshake bag matches the
// expected acknowledgement body.
func IsAckBag(bag map[string]string) bool {
	return len(bag) == 1 && bag[AckKey] == AckValue
}
