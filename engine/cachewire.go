package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/mevdschee/pgdogproxy/wire"
)

// encodeFrames serializes a slice of wire messages to a flat byte
// slice (code byte + 4-byte big-endian length + payload, repeated),
// the same per-message framing wire.Codec uses on the connection, so
// a cached result is stored exactly as it would be sent.
func encodeFrames(msgs []wire.Message) []byte {
	var out []byte
	var lenBuf [4]byte
	for _, m := range msgs {
		out = append(out, m.Code)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(m.Payload)))
		out = append(out, lenBuf[:]...)
		out = append(out, m.Payload...)
	}
	return out
}

// decodeFrames reverses encodeFrames.
func decodeFrames(data []byte) ([]wire.Message, error) {
	var msgs []wire.Message
	for len(data) > 0 {
		if len(data) < 5 {
			return nil, fmt.Errorf("engine: truncated cached frame header")
		}
		code := data[0]
		n := binary.BigEndian.Uint32(data[1:5])
		data = data[5:]
		if uint32(len(data)) < n {
			return nil, fmt.Errorf("engine: truncated cached frame payload")
		}
		payload := append([]byte(nil), data[:n]...)
		data = data[n:]
		msgs = append(msgs, wire.Message{Code: code, Payload: payload})
	}
	return msgs, nil
}
