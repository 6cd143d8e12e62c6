package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// jsonSerializer writes broker messages as JSON objects. Payloads such as
// stored values and encoded entity events travel base64 encoded, which makes
// it the most readable and the largest of the formats.
type jsonSerializer struct{}

// NewJSONSerializer creates the JSON serializer
func NewJSONSerializer() IRPCSerializer {
	return jsonSerializer{}
}

func (jsonSerializer) Serialize(msg common.Message) ([]byte, error) {
	data, err := json.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("encode json %s message: %w", msg.MsgType, err)
	}
	return data, nil
}

// Deserialize rejects fields that are not part of common.Message
func (jsonSerializer) Deserialize(b []byte, msg *common.Message) error {
	*msg = common.Message{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(msg); err != nil {
		return fmt.Errorf("decode json message: %w", err)
	}
	return nil
}
