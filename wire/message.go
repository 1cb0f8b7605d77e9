// Package wire frames PostgreSQL v3 protocol messages on the byte level:
// one-character code, four-byte big-endian length, payload. It owns no
// routing or command logic, only the codec, following the framing style
// of postgres.go's own readMessage/writeMessage but generalized into a
// reusable typed message.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// Frontend message codes this proxy intercepts or forwards.
const (
	Query        = 'Q'
	Parse        = 'P'
	Bind         = 'B'
	Describe     = 'D'
	Execute      = 'E'
	Sync         = 'S'
	CloseMsg     = 'C'
	Terminate    = 'X'
	CopyData     = 'd'
	CopyDone     = 'c'
	CopyFail     = 'f'
	PasswordMsg  = 'p'
	FunctionCall = 'F'
)

// Backend message codes this proxy synthesizes or forwards verbatim.
const (
	CodeAuthentication       = 'R'
	CodeParameterStatus      = 'S'
	CodeBackendKeyData       = 'K'
	CodeReadyForQuery        = 'Z'
	CodeCommandComplete      = 'C'
	CodeRowDescription       = 'T'
	CodeDataRow              = 'D'
	CodeErrorResponse        = 'E'
	CodeNoticeResponse       = 'N'
	CodeParseComplete        = '1'
	CodeBindComplete         = '2'
	CodeCloseComplete        = '3'
	CodeNoData               = 'n'
	CodeParameterDescription = 't'
	CodeEmptyQueryResponse   = 'I'
	CodeNotificationResponse = 'A'
	CodeKeepAlive            = 'k'
	CodeHotStandbyFeedback   = 'h'
	CodeStreamStart          = 'S'
)

// Message is an opaque framed protocol message. Code is the single
// ASCII type byte; Payload is the raw body, retained verbatim so
// binary message bodies (Bind parameter values, CopyData) round-trip
// without reinterpretation. Unknown codes pass through unexamined.
type Message struct {
	Code    byte
	Payload []byte
}

// NetError wraps a framing or I/O failure encountered while reading or
// writing a Message.
type NetError struct {
	Op  string
	Err error
}

func (e *NetError) Error() string { return fmt.Sprintf("wire: %s: %v", e.Op, e.Err) }
func (e *NetError) Unwrap() error { return e.Err }

// Codec reads and writes framed messages over a connection, batching
// writes through a bufio.Writer and flushing explicitly, mirroring
// postgres.go's own single-writer-per-connection assumption.
type Codec struct {
	r *bufio.Reader
	w *bufio.Writer

	// scratch is reused across reads to avoid a fresh allocation per
	// message header; the payload itself is always freshly allocated
	// since callers may retain it past the next Read.
	scratch [5]byte
}

// NewCodec wraps a connection (or any ReadWriter) with message framing.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{
		r: bufio.NewReaderSize(rw, 16*1024),
		w: bufio.NewWriterSize(rw, 16*1024),
	}
}

// Read yields exactly one framed message or fails with a *NetError.
func (c *Codec) Read() (Message, error) {
	if _, err := io.ReadFull(c.r, c.scratch[:5]); err != nil {
		return Message{}, &NetError{Op: "read header", Err: err}
	}
	code := c.scratch[0]
	length := binary.BigEndian.Uint32(c.scratch[1:5])
	if length < 4 {
		return Message{}, &NetError{Op: "read header", Err: fmt.Errorf("invalid length %d", length)}
	}
	bodyLen := length - 4
	payload := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return Message{}, &NetError{Op: "read payload", Err: err}
		}
	}
	return Message{Code: code, Payload: payload}, nil
}

// ReadStartup reads the untyped length-prefixed startup/SSL-request
// packet that precedes the first typed message on a new connection.
func (c *Codec) ReadStartup() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return nil, &NetError{Op: "read startup length", Err: err}
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 4 || length > 1<<20 {
		return nil, &NetError{Op: "read startup length", Err: fmt.Errorf("invalid startup length %d", length)}
	}
	body := make([]byte, length-4)
	if len(body) > 0 {
		if _, err := io.ReadFull(c.r, body); err != nil {
			return nil, &NetError{Op: "read startup body", Err: err}
		}
	}
	return append(lenBuf[:0:0], append(lenBuf[:], body...)...), nil
}

// Send writes one message to the internal buffer without flushing.
func (c *Codec) Send(msg Message) (int, error) {
	length := uint32(len(msg.Payload) + 4)
	if err := c.w.WriteByte(msg.Code); err != nil {
		return 0, &NetError{Op: "write code", Err: err}
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], length)
	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return 0, &NetError{Op: "write length", Err: err}
	}
	n, err := c.w.Write(msg.Payload)
	if err != nil {
		return n + 5, &NetError{Op: "write payload", Err: err}
	}
	return n + 5, nil
}

// SendMany writes a sequence of messages without flushing between them.
func (c *Codec) SendMany(msgs []Message) (int, error) {
	total := 0
	for _, m := range msgs {
		n, err := c.Send(m)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SendRaw writes an untyped byte sequence verbatim (used for the
// single-byte SSL-deny response and authentication replies that
// precede the typed message stream).
func (c *Codec) SendRaw(b []byte) (int, error) {
	n, err := c.w.Write(b)
	if err != nil {
		return n, &NetError{Op: "write raw", Err: err}
	}
	return n, nil
}

// Flush pushes buffered writes to the underlying connection.
func (c *Codec) Flush() error {
	if err := c.w.Flush(); err != nil {
		return &NetError{Op: "flush", Err: err}
	}
	return nil
}

// CString null-terminates a string for wire encoding.
func CString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// ReadCString reads one NUL-terminated string starting at offset,
// validating the bytes before the terminator as UTF-8, and returns the
// decoded string plus the offset immediately after the terminator.
func ReadCString(buf []byte, offset int) (string, int, error) {
	end := bytes.IndexByte(buf[offset:], 0)
	if end < 0 {
		return "", offset, fmt.Errorf("wire: unterminated C string")
	}
	s := buf[offset : offset+end]
	if !utf8.Valid(s) {
		return "", offset, fmt.Errorf("wire: C string is not valid UTF-8")
	}
	return string(s), offset + end + 1, nil
}
