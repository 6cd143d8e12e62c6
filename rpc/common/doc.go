// Package common holds the types shared by every part of the exchange broker:
// the wire message, the client and server configuration and the logger
// factory.
//
// Key Components:
//
//   - Message: the single envelope used for requests, replies and pushes.
//     Arg names the key, channel, lock or entity; Payload carries values,
//     published data and lock owner ids; Timeout is a ttl or a lock wait in
//     milliseconds. Factory functions exist for every request and response.
//
//   - MessageType: enumeration of all broker operations (get, set, del,
//     publish, subscribe, unsubscribe, lock, unlock, isLocked and the entity
//     field registry) plus success and error.
//
//   - ServerConfig / ClientConfig: configuration of the broker process and of
//     exchange clients, both with a printable String form.
//
//   - Logger: a dragonboat logger.ILogger with the "LEVEL | name | msg" format.
//     InitLoggers installs it for every logger name in LoggerNames.
package common
