package client_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/ValentinKolb/dSync/rpc/common"
	rpctesting "github.com/ValentinKolb/dSync/rpc/testing"
)

func TestExchange(t *testing.T) {
	for _, tr := range rpctesting.Transports {
		for _, ser := range rpctesting.Serializers {
			tr, ser := tr, ser
			rpctesting.RunExchangeTests(t, tr+"/"+ser, func(t testing.TB) *rpctesting.Broker {
				return rpctesting.StartBroker(t, tr, ser)
			})
		}
	}
}

func TestResponseErrorMapsLockTimeout(t *testing.T) {
	err := error(&client.ResponseError{Type: common.MsgTLock, Code: common.ErrCodeLockTimeout, Msg: "timeout"})
	if !errors.Is(err, client.ErrLockTimeout) {
		t.Fatalf("lock-timeout code must match ErrLockTimeout")
	}
	err = &client.ResponseError{Type: common.MsgTLock, Code: common.ErrCodeInternal, Msg: "boom"}
	if errors.Is(err, client.ErrLockTimeout) {
		t.Fatalf("internal error must not match ErrLockTimeout")
	}
}

func TestRequestsFailAfterClose(t *testing.T) {
	broker := rpctesting.StartBroker(t, "unix", "binary")
	ex := broker.Connect(t)
	if err := ex.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case <-ex.Done():
	case <-time.After(time.Second):
		t.Fatalf("Done not closed after Close")
	}

	if _, _, err := ex.Get(context.Background(), "k"); err == nil {
		t.Fatalf("Get on a closed exchange must fail")
	}
}

func TestBrokerDropsSessionOnClose(t *testing.T) {
	broker := rpctesting.StartBroker(t, "tcp", "binary")
	ex := broker.Connect(t)

	deadline := time.Now().Add(time.Second)
	for broker.Server.Sessions() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("session not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = ex.Close()
	deadline = time.Now().Add(2 * time.Second)
	for broker.Server.Sessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not removed after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
