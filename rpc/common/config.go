package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Exchange server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of the exchange broker
type ServerConfig struct {
	// Transport is one of tcp, unix, ws
	Transport string
	// Endpoint is the address (host:port or socket path) to listen on
	Endpoint string
	// Serializer is one of binary, json, gob
	Serializer string

	// TCP socket tuning
	SocketConf SocketConf

	// LockTTL is the lease ttl of a broker lock. 0 means no ttl.
	LockTTL time.Duration
	// LockPollInterval is how often waiting lockers recheck an expired lease
	LockPollInterval time.Duration

	// MetricsEndpoint exposes prometheus metrics when not empty
	MetricsEndpoint string

	// Logging configuration
	LogLevel string
}

// SocketConf holds the socket tuning options for stream transports
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder
	addSection, addField := formatter(&sb)

	addSection("Exchange Server")
	addField("Transport", c.Transport)
	addField("Endpoint", c.Endpoint)
	addField("Serializer", c.Serializer)

	addSection("Socket")
	addField("Write Buffer", fmt.Sprintf("%d bytes", c.SocketConf.WriteBufferSize))
	addField("Read Buffer", fmt.Sprintf("%d bytes", c.SocketConf.ReadBufferSize))
	addField("TCP NoDelay", strconv.FormatBool(c.SocketConf.TCPNoDelay))
	addField("TCP KeepAlive", fmt.Sprintf("%d sec", c.SocketConf.TCPKeepAliveSec))
	addField("TCP Linger", fmt.Sprintf("%d sec", c.SocketConf.TCPLingerSec))

	addSection("Locks")
	addField("Lease TTL", c.LockTTL.String())
	addField("Poll Interval", c.LockPollInterval.String())

	addSection("Observability")
	addField("Metrics Endpoint", orNone(c.MetricsEndpoint))
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Exchange client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds the configuration of an exchange client
type ClientConfig struct {
	Transport  string
	Endpoint   string
	Serializer string
	// Timeout bounds a single request/reply round trip. Lock requests add their
	// own wait time on top.
	Timeout    time.Duration
	SocketConf SocketConf
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder
	addSection, addField := formatter(&sb)

	addSection("Exchange Client")
	addField("Transport", c.Transport)
	addField("Endpoint", c.Endpoint)
	addField("Serializer", c.Serializer)
	addField("Timeout", c.Timeout.String())

	return sb.String()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func formatter(sb *strings.Builder) (func(string), func(string, string)) {
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}
	return addSection, addField
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
