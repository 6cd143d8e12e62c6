package serializer

import (
	"fmt"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// IRPCSerializer is the interface for all Message serializers
type IRPCSerializer interface {
	// Serialize serializes a Message into a byte array
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize deserializes a byte array into msg. Fields not present in the
	// data are reset to their zero value.
	Deserialize(b []byte, msg *common.Message) error
}

// New returns the serializer registered under name (binary, json or gob)
func New(name string) (IRPCSerializer, error) {
	switch name {
	case "", "binary":
		return NewBinarySerializer(), nil
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	default:
		return nil, fmt.Errorf("unknown serializer %q: must be one of binary, json, gob", name)
	}
}
