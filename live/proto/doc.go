/*
Package proto defines the messages of the application socket between a live
client and a live server.

Clients send Request messages, identified by a name ("action",
"observable/subscribe", ...) and a client chosen id. The server answers with
Reply messages carrying the same id and pushes EntityMessage values for the
entities the client holds. All messages are JSON; large messages are split by
package wire.

Errors travel as (kind, payload, stack, code). DecodeError restores the typed
error on the client, so errors.Is and errors.As work across the wire.
*/
package proto
