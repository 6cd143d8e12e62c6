package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultPath is the http path the application socket is served on
const DefaultPath = "/live"

// DefaultWriteTimeout bounds a single frame write
const DefaultWriteTimeout = 10 * time.Second

// Config holds the configuration of the application server
type Config struct {
	// Endpoint is the host:port to listen on
	Endpoint string
	// Path of the websocket endpoint, DefaultPath if empty
	Path string
	// ChunkSize is the largest message sent in one frame, wire.DefaultChunkSize if 0
	ChunkSize int
	// WriteTimeout bounds a single frame write, DefaultWriteTimeout if 0
	WriteTimeout time.Duration
	// Metrics exposes prometheus metrics on /metrics
	Metrics bool

	LogLevel string
}

func (c Config) path() string {
	if c.Path == "" {
		return DefaultPath
	}
	return c.Path
}

func (c Config) writeTimeout() time.Duration {
	if c.WriteTimeout <= 0 {
		return DefaultWriteTimeout
	}
	return c.WriteTimeout
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder
	field := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	sb.WriteString("\nLIVE SERVER\n")
	field("Endpoint", c.Endpoint)
	field("Path", c.path())
	field("Chunk Size", fmt.Sprintf("%d bytes", c.ChunkSize))
	field("Write Timeout", c.writeTimeout().String())
	field("Metrics", strconv.FormatBool(c.Metrics))
	field("Log Level", c.LogLevel)
	return sb.String()
}
