package serializer

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// gobSerializer writes every broker message as its own gob stream. Frames
// are independent of each other, so each one repeats the type description
// of common.Message.
type gobSerializer struct{}

// NewGOBSerializer creates the gob serializer
func NewGOBSerializer() IRPCSerializer {
	return gobSerializer{}
}

func (gobSerializer) Serialize(msg common.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&msg); err != nil {
		return nil, fmt.Errorf("encode gob %s message: %w", msg.MsgType, err)
	}
	return buf.Bytes(), nil
}

func (gobSerializer) Deserialize(b []byte, msg *common.Message) error {
	*msg = common.Message{}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(msg); err != nil {
		return fmt.Errorf("decode gob message: %w", err)
	}
	return nil
}
