package server

import (
	"sync"
	"testing"

	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
)

// fakeConn records replies and pushes instead of writing to a socket
type fakeConn struct {
	id      string
	mu      sync.Mutex
	replies map[uint64][]byte
	pushes  [][]byte
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, replies: make(map[uint64][]byte)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Reply(requestID uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[requestID] = data
	return nil
}

func (c *fakeConn) Push(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes = append(c.pushes, data)
	return nil
}

func (c *fakeConn) reply(t *testing.T, ser serializer.IRPCSerializer, requestID uint64) common.Message {
	t.Helper()
	c.mu.Lock()
	data, ok := c.replies[requestID]
	c.mu.Unlock()
	if !ok {
		t.Fatalf("no reply for request %d", requestID)
	}
	var msg common.Message
	if err := ser.Deserialize(data, &msg); err != nil {
		t.Fatalf("failed to decode reply: %v", err)
	}
	return msg
}

func newTestServer() (*ExchangeServer, serializer.IRPCSerializer) {
	ser := serializer.NewBinarySerializer()
	return NewExchangeServer(common.ServerConfig{LogLevel: "error"}, nil, ser), ser
}

func send(t *testing.T, s *ExchangeServer, ser serializer.IRPCSerializer, conn *fakeConn, id uint64, req *common.Message) {
	t.Helper()
	data, err := ser.Serialize(*req)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	s.HandleRequest(conn, id, data)
}

func TestHandleRequestErrors(t *testing.T) {
	s, ser := newTestServer()
	conn := newFakeConn("c1")

	// requests of unknown connections are rejected
	send(t, s, ser, conn, 1, common.NewGetRequest("k"))
	if r := conn.reply(t, ser, 1); r.MsgType != common.MsgTError {
		t.Fatalf("expected error for unknown session, got %s", r.MsgType)
	}

	s.OnConnect(conn)
	s.HandleRequest(conn, 2, []byte{0})
	if r := conn.reply(t, ser, 2); r.Code != common.ErrCodeBadRequest {
		t.Fatalf("expected bad-request, got %q", r.Code)
	}

	send(t, s, ser, conn, 3, &common.Message{MsgType: common.MsgTSuccess})
	if r := conn.reply(t, ser, 3); r.Code != common.ErrCodeBadRequest {
		t.Fatalf("expected bad-request for unsupported type, got %q", r.Code)
	}
}

func TestKeyValueRequests(t *testing.T) {
	s, ser := newTestServer()
	conn := newFakeConn("c1")
	s.OnConnect(conn)

	send(t, s, ser, conn, 1, common.NewSetRequest("k", []byte("v"), 0))
	if r := conn.reply(t, ser, 1); r.Err != "" {
		t.Fatalf("set failed: %s", r.Err)
	}
	send(t, s, ser, conn, 2, common.NewGetRequest("k"))
	r := conn.reply(t, ser, 2)
	if !r.Ok || string(r.Payload) != "v" {
		t.Fatalf("get returned %q, ok=%v", r.Payload, r.Ok)
	}
	send(t, s, ser, conn, 3, common.NewGetRequest("unknown"))
	if r := conn.reply(t, ser, 3); r.Ok || r.Err != "" {
		t.Fatalf("unknown key must be not found without error, got ok=%v err=%q", r.Ok, r.Err)
	}
}

func TestPublishPushesToSubscribers(t *testing.T) {
	s, ser := newTestServer()
	sub := newFakeConn("sub")
	pub := newFakeConn("pub")
	s.OnConnect(sub)
	s.OnConnect(pub)

	send(t, s, ser, sub, 1, common.NewSubscribeRequest("ch"))
	if r := sub.reply(t, ser, 1); !r.Ok {
		t.Fatalf("subscribe failed: %s", r.Err)
	}
	send(t, s, ser, pub, 1, common.NewPublishRequest("ch", []byte("hello")))

	if len(sub.pushes) != 1 {
		t.Fatalf("expected 1 push, got %d", len(sub.pushes))
	}
	var push common.Message
	if err := ser.Deserialize(sub.pushes[0], &push); err != nil {
		t.Fatal(err)
	}
	if push.Arg != "ch" || string(push.Payload) != "hello" {
		t.Fatalf("unexpected push %+v", push)
	}
	if len(pub.pushes) != 0 {
		t.Fatalf("publisher is not subscribed and must not receive pushes")
	}
}

func TestCloseReleasesSessionState(t *testing.T) {
	s, ser := newTestServer()
	conn := newFakeConn("c1")
	other := newFakeConn("c2")
	s.OnConnect(conn)
	s.OnConnect(other)

	send(t, s, ser, conn, 1, common.NewSubscribeRequest("ch"))
	send(t, s, ser, conn, 2, common.NewEntityFieldsRequest("todo", []string{"done"}))
	if s.Subscribers("ch") != 1 {
		t.Fatalf("expected one subscriber")
	}

	s.OnClose(conn)
	if s.Sessions() != 1 {
		t.Fatalf("expected one session left, got %d", s.Sessions())
	}
	if s.Subscribers("ch") != 0 {
		t.Fatalf("subscription survived close")
	}

	send(t, s, ser, other, 1, common.NewGetEntityFieldsRequest("todo"))
	if fields := common.DecodeFields(other.reply(t, ser, 1).Payload); len(fields) != 0 {
		t.Fatalf("entity fields survived close: %v", fields)
	}
}
