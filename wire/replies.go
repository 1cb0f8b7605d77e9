package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ReadyForQuery builds the 'Z' message; status is 'I' idle, 'T' in a
// transaction block, 'E' in a failed transaction block.
func ReadyForQuery(inTransaction bool) Message {
	status := byte('I')
	if inTransaction {
		status = 'T'
	}
	return Message{Code: CodeReadyForQuery, Payload: []byte{status}}
}

// CommandComplete builds the 'C' message with a command tag such as
// "SET", "BEGIN", "COMMIT", "ROLLBACK", "DEALLOCATE", "LISTEN",
// "NOTIFY", "UNLISTEN", or "SELECT n".
func CommandComplete(tag string) Message {
	return Message{Code: 'C', Payload: CString(tag)}
}

// ErrorResponseMsg builds an 'E' message. Severity is "ERROR" or "FATAL";
// code is a five-character SQLSTATE.
func ErrorResponseMsg(severity, code, message string) Message {
	var buf bytes.Buffer
	buf.WriteByte('S')
	buf.WriteString(severity)
	buf.WriteByte(0)
	buf.WriteByte('C')
	buf.WriteString(code)
	buf.WriteByte(0)
	buf.WriteByte('M')
	buf.WriteString(message)
	buf.WriteByte(0)
	buf.WriteByte(0)
	return Message{Code: 'E', Payload: buf.Bytes()}
}

// NoticeResponseMsg builds an 'N' message with the same field layout as
// ErrorResponse but interpreted by clients as informational.
func NoticeResponseMsg(severity, code, message string) Message {
	m := ErrorResponseMsg(severity, code, message)
	m.Code = 'N'
	return m
}

// EmptyQueryResponseMsg builds the 'I' message sent in reply to an
// empty query string.
func EmptyQueryResponseMsg() Message {
	return Message{Code: 'I', Payload: nil}
}

// ParseCompleteMsg, BindCompleteMsg, CloseCompleteMsg, NoDataMsg are
// fixed zero-payload acknowledgements in the extended query protocol.
func ParseCompleteMsg() Message { return Message{Code: '1'} }
func BindCompleteMsg() Message  { return Message{Code: '2'} }
func CloseCompleteMsg() Message { return Message{Code: '3'} }
func NoDataMsg() Message        { return Message{Code: 'n'} }

// Field describes one RowDescription column.
type Field struct {
	Name         string
	TableOID     uint32
	ColumnAttr   uint16
	DataTypeOID  uint32
	DataTypeSize int16
	TypeModifier int32
	FormatCode   uint16
}

// TextField builds a Field of the "text" pseudo-type, matching
// buildRowDescription's own practice of always reporting OID 25.
func TextField(name string) Field {
	return Field{Name: name, DataTypeOID: 25, DataTypeSize: -1, TypeModifier: -1}
}

// BigintField builds a Field describing a PostgreSQL bigint column
// (OID 20), used by synthesized replies like SHOW pgdog.shards and
// PROBE's latency column.
func BigintField(name string) Field {
	return Field{Name: name, DataTypeOID: 20, DataTypeSize: 8, TypeModifier: -1}
}

// RowDescriptionMsg builds the 'T' message describing a result set's columns.
func RowDescriptionMsg(fields []Field) Message {
	var buf bytes.Buffer
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(fields)))
	buf.Write(n[:])
	for _, f := range fields {
		buf.Write(CString(f.Name))
		var u32 [4]byte
		binary.BigEndian.PutUint32(u32[:], f.TableOID)
		buf.Write(u32[:])
		binary.BigEndian.PutUint16(n[:], f.ColumnAttr)
		buf.Write(n[:])
		binary.BigEndian.PutUint32(u32[:], f.DataTypeOID)
		buf.Write(u32[:])
		binary.BigEndian.PutUint16(n[:], uint16(f.DataTypeSize))
		buf.Write(n[:])
		binary.BigEndian.PutUint32(u32[:], uint32(f.TypeModifier))
		buf.Write(u32[:])
		binary.BigEndian.PutUint16(n[:], f.FormatCode)
		buf.Write(n[:])
	}
	return Message{Code: 'T', Payload: buf.Bytes()}
}

// DataRowMsg builds a 'D' message from column values already rendered
// as text (or nil for SQL NULL), matching wire text format.
func DataRowMsg(values []interface{}) Message {
	var buf bytes.Buffer
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(values)))
	buf.Write(n[:])
	for _, v := range values {
		if v == nil {
			buf.Write([]byte{255, 255, 255, 255})
			continue
		}
		str := fmt.Sprintf("%v", v)
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(str)))
		buf.Write(l[:])
		buf.WriteString(str)
	}
	return Message{Code: 'D', Payload: buf.Bytes()}
}

// ParameterStatusMsg builds an 'S' message (name, value) sent during
// connection setup.
func ParameterStatusMsg(name, value string) Message {
	return Message{Code: 'S', Payload: append(CString(name), CString(value)...)}
}

// AuthenticationOkMsg builds the 'R' message with the AuthenticationOk
// subcode (0), ending the authentication phase of startup.
func AuthenticationOkMsg() Message {
	return Message{Code: CodeAuthentication, Payload: []byte{0, 0, 0, 0}}
}

// BackendKeyDataMsg builds the 'K' message carrying the process id and
// cancellation secret key a client may later use to cancel a query.
func BackendKeyDataMsg(pid, secretKey int32) Message {
	var buf bytes.Buffer
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(pid))
	buf.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], uint32(secretKey))
	buf.Write(u32[:])
	return Message{Code: 'K', Payload: buf.Bytes()}
}

// NotificationResponseMsg builds an 'A' message: pid, channel, payload.
func NotificationResponseMsg(pid int32, channel, payload string) Message {
	var buf bytes.Buffer
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], uint32(pid))
	buf.Write(p[:])
	buf.Write(CString(channel))
	buf.Write(CString(payload))
	return Message{Code: 'A', Payload: buf.Bytes()}
}

// ParameterDescriptionMsg builds a 't' message listing parameter OIDs
// (0 = unknown, left for the backend to infer).
func ParameterDescriptionMsg(oids []uint32) Message {
	var buf bytes.Buffer
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(oids)))
	buf.Write(n[:])
	for _, oid := range oids {
		var u32 [4]byte
		binary.BigEndian.PutUint32(u32[:], oid)
		buf.Write(u32[:])
	}
	return Message{Code: 't', Payload: buf.Bytes()}
}
