package testing

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/server"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/ValentinKolb/dSync/rpc/transport/tcp"
	"github.com/ValentinKolb/dSync/rpc/transport/unix"
	"github.com/ValentinKolb/dSync/rpc/transport/ws"
)

// Transports lists every transport the broker can listen on
var Transports = []string{"unix", "tcp", "ws"}

// Serializers lists every message serializer
var Serializers = []string{"binary", "json", "gob"}

// Broker is a broker running inside the test process
type Broker struct {
	Server *server.ExchangeServer
	Config common.ClientConfig
}

// StartBroker starts an exchange broker with the given transport and
// serializer. It is stopped when the test ends.
func StartBroker(t testing.TB, transportName, serializerName string) *Broker {
	t.Helper()

	endpoint := freeEndpoint(t, transportName)
	srvTransport, err := newServerTransport(transportName)
	if err != nil {
		t.Fatal(err)
	}
	ser, err := serializer.New(serializerName)
	if err != nil {
		t.Fatal(err)
	}

	cfg := common.ServerConfig{
		Transport:        transportName,
		Endpoint:         endpoint,
		Serializer:       serializerName,
		LockTTL:          0,
		LockPollInterval: 20 * time.Millisecond,
		LogLevel:         "error",
	}
	srv := server.NewExchangeServer(cfg, srvTransport, ser)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("broker did not stop")
		}
	})

	return &Broker{
		Server: srv,
		Config: common.ClientConfig{
			Transport:  transportName,
			Endpoint:   endpoint,
			Serializer: serializerName,
			Timeout:    5 * time.Second,
		},
	}
}

// Connect returns a new exchange client of the broker. The client is closed
// when the test ends. Connecting is retried until the listener is up.
func (b *Broker) Connect(t testing.TB) *client.Exchange {
	t.Helper()

	ser, err := serializer.New(b.Config.Serializer)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		tr, err := newClientTransport(b.Config.Transport)
		if err != nil {
			t.Fatal(err)
		}
		ex, err := client.NewExchange(b.Config, tr, ser)
		if err == nil {
			t.Cleanup(func() { _ = ex.Close() })
			return ex
		}
		if time.Now().After(deadline) {
			t.Fatalf("failed to connect to broker at %s: %v", b.Config.Endpoint, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// StartExchange is a shortcut for a unix socket broker with one connected client
func StartExchange(t testing.TB) *client.Exchange {
	t.Helper()
	return StartBroker(t, "unix", "binary").Connect(t)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func newServerTransport(name string) (transport.IRPCServerTransport, error) {
	switch name {
	case "tcp":
		return tcp.NewTCPServerTransport(), nil
	case "unix":
		return unix.NewUnixServerTransport(), nil
	case "ws":
		return ws.NewWSServerTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

func newClientTransport(name string) (transport.IRPCClientTransport, error) {
	switch name {
	case "tcp":
		return tcp.NewTCPClientTransport(), nil
	case "unix":
		return unix.NewUnixClientTransport(), nil
	case "ws":
		return ws.NewWSClientTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

// freeEndpoint returns a listen address nobody uses right now
func freeEndpoint(t testing.TB, transportName string) string {
	t.Helper()
	if transportName == "unix" {
		// t.TempDir paths can exceed the unix socket path limit
		dir, err := os.MkdirTemp("", "dsync")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = os.RemoveAll(dir) })
		return filepath.Join(dir, "ex.sock")
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}
