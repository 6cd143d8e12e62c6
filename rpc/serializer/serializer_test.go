package serializer

import (
	"reflect"
	"testing"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testMessages returns messages as they are produced by the factory functions
func testMessages() []common.Message {
	return []common.Message{
		{MsgType: common.MsgTSuccess},
		*common.NewSetRequest("key", []byte("value"), 0),
		*common.NewGetResponse([]byte("value"), true, nil),
		*common.NewLockRequest("file:a.txt", -1),
		*common.NewLockRequest("file:a.txt", 0),
		*common.NewLockResponse("01J0000000000000000000000", nil),
		*common.NewPushMessage("entity/todo", []byte(`{"type":"add"}`)),
		*common.NewEntityFieldsRequest("todo", []string{"done", "owner.id"}),
		*common.NewErrorResponse(common.ErrCodeLockTimeout, "lock timeout"),
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()
			for i, msg := range testMessages() {
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				var result common.Message
				if err := serializer.Deserialize(data, &result); err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v", i, msg, result)
				}
			}
		})
	}
}

// TestDeserializeResetsMessage makes sure a reused message does not keep old fields
func TestDeserializeResetsMessage(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()
			data, err := serializer.Serialize(common.Message{MsgType: common.MsgTDel, Arg: "k"})
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			result := common.Message{Payload: []byte("old"), Err: "old", Ok: true, Timeout: 5}
			if err := serializer.Deserialize(data, &result); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}
			if result.Payload != nil || result.Err != "" || result.Ok || result.Timeout != 0 {
				t.Errorf("stale fields after deserialize: %+v", result)
			}
		})
	}
}

// TestBinaryEmptyPayload checks that the binary format keeps an empty, non nil payload
func TestBinaryEmptyPayload(t *testing.T) {
	serializer := NewBinarySerializer()
	data, err := serializer.Serialize(common.Message{MsgType: common.MsgTSet, Arg: "k", Payload: []byte{}})
	if err != nil {
		t.Fatalf("Failed to serialize: %v", err)
	}
	var result common.Message
	if err := serializer.Deserialize(data, &result); err != nil {
		t.Fatalf("Failed to deserialize: %v", err)
	}
	if result.Payload == nil || len(result.Payload) != 0 {
		t.Errorf("expected empty non nil payload, got %v", result.Payload)
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{"Empty data", []byte{}, true},
		{"Too short header", []byte{1}, true},
		{"Valid header only", []byte{1, 0}, false},
		{"Invalid length for arg", []byte{1, 1, 0, 0, 0, 5, 'a', 'b', 'c'}, true},
		{"Invalid length for payload", []byte{1, 2, 0, 0, 0, 10}, true},
		{"Truncated timeout", []byte{1, 4, 0, 0, 0}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.Message
			err := serializer.Deserialize(tc.data, &msg)
			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}

// TestJSONRejectsForeignFields makes sure a message of another protocol is not read as an empty message
func TestJSONRejectsForeignFields(t *testing.T) {
	var msg common.Message
	if err := NewJSONSerializer().Deserialize([]byte(`{"msg_type":"del","key":"k"}`), &msg); err == nil {
		t.Errorf("expected error for unknown field, got %+v", msg)
	}
	if err := NewGOBSerializer().Deserialize([]byte("no gob"), &msg); err == nil {
		t.Errorf("expected error for invalid gob data")
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"", "binary", "json", "gob"} {
		if _, err := New(name); err != nil {
			t.Errorf("New(%q) returned error: %v", name, err)
		}
	}
	if _, err := New("xml"); err == nil {
		t.Errorf("expected error for unknown serializer")
	}
}
