package wire

import (
	"encoding/binary"
	"fmt"
)

// ParseMessage is the parsed body of a frontend 'P' (Parse) message:
// stmt_name\0 + query\0 + num_params(int16) + param_type_oids[int32].
type ParseMessage struct {
	Statement  string
	Query      string
	ParamTypes []uint32
}

// DecodeParse parses a Parse message payload.
func DecodeParse(payload []byte) (ParseMessage, error) {
	stmt, off, err := ReadCString(payload, 0)
	if err != nil {
		return ParseMessage{}, fmt.Errorf("wire: malformed Parse: %w", err)
	}
	query, off, err := ReadCString(payload, off)
	if err != nil {
		return ParseMessage{}, fmt.Errorf("wire: malformed Parse: %w", err)
	}
	if off+2 > len(payload) {
		return ParseMessage{}, fmt.Errorf("wire: malformed Parse: missing param count")
	}
	numParams := int(binary.BigEndian.Uint16(payload[off : off+2]))
	off += 2
	types := make([]uint32, numParams)
	for i := 0; i < numParams; i++ {
		if off+4 > len(payload) {
			return ParseMessage{}, fmt.Errorf("wire: malformed Parse: truncated param types")
		}
		types[i] = binary.BigEndian.Uint32(payload[off : off+4])
		off += 4
	}
	return ParseMessage{Statement: stmt, Query: query, ParamTypes: types}, nil
}

// BindMessage is the parsed body of a frontend 'B' (Bind) message.
type BindMessage struct {
	Portal        string
	Statement     string
	ParamFormats  []int16
	Params        [][]byte // nil entry means SQL NULL
	ResultFormats []int16
}

// DecodeBind parses a Bind message payload.
func DecodeBind(payload []byte) (BindMessage, error) {
	portal, off, err := ReadCString(payload, 0)
	if err != nil {
		return BindMessage{}, fmt.Errorf("wire: malformed Bind: %w", err)
	}
	stmt, off, err := ReadCString(payload, off)
	if err != nil {
		return BindMessage{}, fmt.Errorf("wire: malformed Bind: %w", err)
	}

	readInt16Slice := func() ([]int16, error) {
		if off+2 > len(payload) {
			return nil, fmt.Errorf("wire: malformed Bind: truncated count")
		}
		n := int(binary.BigEndian.Uint16(payload[off : off+2]))
		off += 2
		out := make([]int16, n)
		for i := 0; i < n; i++ {
			if off+2 > len(payload) {
				return nil, fmt.Errorf("wire: malformed Bind: truncated int16 slice")
			}
			out[i] = int16(binary.BigEndian.Uint16(payload[off : off+2]))
			off += 2
		}
		return out, nil
	}

	formats, err := readInt16Slice()
	if err != nil {
		return BindMessage{}, err
	}

	if off+2 > len(payload) {
		return BindMessage{}, fmt.Errorf("wire: malformed Bind: truncated param count")
	}
	numParams := int(binary.BigEndian.Uint16(payload[off : off+2]))
	off += 2

	params := make([][]byte, numParams)
	for i := 0; i < numParams; i++ {
		if off+4 > len(payload) {
			return BindMessage{}, fmt.Errorf("wire: malformed Bind: truncated param length")
		}
		plen := int32(binary.BigEndian.Uint32(payload[off : off+4]))
		off += 4
		if plen < 0 {
			params[i] = nil
			continue
		}
		if off+int(plen) > len(payload) {
			return BindMessage{}, fmt.Errorf("wire: malformed Bind: truncated param value")
		}
		params[i] = payload[off : off+int(plen)]
		off += int(plen)
	}

	resultFormats, err := readInt16Slice()
	if err != nil {
		return BindMessage{}, err
	}

	return BindMessage{
		Portal:        portal,
		Statement:     stmt,
		ParamFormats:  formats,
		Params:        params,
		ResultFormats: resultFormats,
	}, nil
}

// DescribeMessage is the parsed body of a frontend 'D' (Describe) message.
type DescribeMessage struct {
	IsStatement bool // true for 'S', false for 'P'
	Name        string
}

// DecodeDescribe parses a Describe message payload.
func DecodeDescribe(payload []byte) (DescribeMessage, error) {
	if len(payload) < 1 {
		return DescribeMessage{}, fmt.Errorf("wire: malformed Describe: empty")
	}
	name, _, err := ReadCString(payload, 1)
	if err != nil {
		return DescribeMessage{}, fmt.Errorf("wire: malformed Describe: %w", err)
	}
	return DescribeMessage{IsStatement: payload[0] == 'S', Name: name}, nil
}

// ExecuteMessage is the parsed body of a frontend 'E' (Execute) message.
type ExecuteMessage struct {
	Portal  string
	MaxRows int32
}

// DecodeExecute parses an Execute message payload.
func DecodeExecute(payload []byte) (ExecuteMessage, error) {
	portal, off, err := ReadCString(payload, 0)
	if err != nil {
		return ExecuteMessage{}, fmt.Errorf("wire: malformed Execute: %w", err)
	}
	var maxRows int32
	if off+4 <= len(payload) {
		maxRows = int32(binary.BigEndian.Uint32(payload[off : off+4]))
	}
	return ExecuteMessage{Portal: portal, MaxRows: maxRows}, nil
}

// CloseMessage is the parsed body of a frontend 'C' (Close) message.
type CloseMessage struct {
	IsStatement bool
	Name        string
}

// DecodeClose parses a Close message payload.
func DecodeClose(payload []byte) (CloseMessage, error) {
	if len(payload) < 1 {
		return CloseMessage{}, fmt.Errorf("wire: malformed Close: empty")
	}
	name, _, err := ReadCString(payload, 1)
	if err != nil {
		return CloseMessage{}, fmt.Errorf("wire: malformed Close: %w", err)
	}
	return CloseMessage{IsStatement: payload[0] == 'S', Name: name}, nil
}

// QueryString extracts the NUL-terminated query text from a simple 'Q'
// message payload.
func QueryString(payload []byte) string {
	s, _, err := ReadCString(payload, 0)
	if err != nil {
		// Tolerate a missing terminator defensively; the payload is
		// still the query text minus any trailing NUL.
		if len(payload) > 0 && payload[len(payload)-1] == 0 {
			return string(payload[:len(payload)-1])
		}
		return string(payload)
	}
	return s
}

// StartupParams parses the key/value pairs of a startup packet (as
// returned by Codec.ReadStartup), skipping the 4-byte length and
// 4-byte protocol version header.
func StartupParams(msg []byte) map[string]string {
	params := make(map[string]string)
	if len(msg) < 8 {
		return params
	}
	data := msg[8:]
	for len(data) > 0 {
		key, off, err := ReadCString(data, 0)
		if err != nil || key == "" {
			break
		}
		val, off2, err := ReadCString(data, off)
		if err != nil {
			break
		}
		params[key] = val
		data = data[off2:]
	}
	return params
}

// ProtocolVersion reads the protocol version field (or special request
// code, e.g. 80877103 for SSLRequest) from a startup packet.
func ProtocolVersion(msg []byte) uint32 {
	if len(msg) < 8 {
		return 0
	}
	return binary.BigEndian.Uint32(msg[4:8])
}

const SSLRequestCode = 80877103
