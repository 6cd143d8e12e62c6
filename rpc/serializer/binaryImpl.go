package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// NewBinarySerializer creates a new serializer using a compact custom binary
// format: one byte message type, one flag byte, then every present field.
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasArg     byte = 1 << 0
	hasPayload byte = 1 << 1
	hasTimeout byte = 1 << 2
	hasOk      byte = 1 << 3
	hasErr     byte = 1 << 4
	hasCode    byte = 1 << 5
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	out := make([]byte, 2, b.sizeBytes(msg))
	out[0] = byte(msg.MsgType)

	var flags byte
	if msg.Arg != "" {
		flags |= hasArg
		out = appendBytes(out, []byte(msg.Arg))
	}
	// an empty but non nil payload is kept, a set with an empty value is valid
	if msg.Payload != nil {
		flags |= hasPayload
		out = appendBytes(out, msg.Payload)
	}
	if msg.Timeout != 0 {
		flags |= hasTimeout
		out = binary.BigEndian.AppendUint64(out, uint64(msg.Timeout))
	}
	if msg.Ok {
		flags |= hasOk
	}
	if msg.Err != "" {
		flags |= hasErr
		out = appendBytes(out, []byte(msg.Err))
	}
	if msg.Code != "" {
		flags |= hasCode
		out = appendBytes(out, []byte(msg.Code))
	}

	out[1] = flags
	return out, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	if len(data) < 2 {
		return fmt.Errorf("data too short for message header")
	}
	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := data[1]
	r := reader{data: data, pos: 2}

	if flags&hasArg != 0 {
		arg, err := r.bytes("arg")
		if err != nil {
			return err
		}
		msg.Arg = string(arg)
	}
	if flags&hasPayload != 0 {
		payload, err := r.bytes("payload")
		if err != nil {
			return err
		}
		// copy, the frame buffer is reused by the transport
		msg.Payload = append(make([]byte, 0, len(payload)), payload...)
	}
	if flags&hasTimeout != 0 {
		if r.pos+8 > len(data) {
			return fmt.Errorf("data too short for timeout")
		}
		msg.Timeout = int64(binary.BigEndian.Uint64(data[r.pos : r.pos+8]))
		r.pos += 8
	}
	msg.Ok = flags&hasOk != 0
	if flags&hasErr != 0 {
		e, err := r.bytes("err")
		if err != nil {
			return err
		}
		msg.Err = string(e)
	}
	if flags&hasCode != 0 {
		c, err := r.bytes("code")
		if err != nil {
			return err
		}
		msg.Code = string(c)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := 2
	if msg.Arg != "" {
		size += 4 + len(msg.Arg)
	}
	if msg.Payload != nil {
		size += 4 + len(msg.Payload)
	}
	if msg.Timeout != 0 {
		size += 8
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	if msg.Code != "" {
		size += 4 + len(msg.Code)
	}
	return size
}

// appendBytes writes a uint32 length prefix followed by v
func appendBytes(out, v []byte) []byte {
	out = binary.BigEndian.AppendUint32(out, uint32(len(v)))
	return append(out, v...)
}

type reader struct {
	data []byte
	pos  int
}

// bytes reads a length prefixed field. The result aliases the input.
func (r *reader) bytes(field string) ([]byte, error) {
	if r.pos+4 > len(r.data) {
		return nil, fmt.Errorf("data too short for %s length", field)
	}
	n := int(binary.BigEndian.Uint32(r.data[r.pos : r.pos+4]))
	r.pos += 4
	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("data too short for %s data", field)
	}
	v := r.data[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}
