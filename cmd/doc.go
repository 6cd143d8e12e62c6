// Package cmd implements the command-line interface of dSync. It provides a
// hierarchical command structure for running the exchange broker and the
// application server and for interacting with both as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts the application server with the todo and file controllers
//   - exchange: Starts and benchmarks the exchange broker
//   - kv: Key value operations on the broker (get, set, del)
//   - lock: Holds and inspects broker locks
//   - channel: Publishes to and follows broker channels and entity events
//   - call: Calls an action of an application server and follows its result
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dsync -help for a list of all commands.
package cmd
