// Package pubsub holds the in-process state of the exchange broker's
// publish/subscribe side.
//
// Hub maps channel names to subscribers. Delivery happens under a per channel
// mutex, which gives every subscriber the messages of one channel in publish
// order. Nothing is buffered or persisted: a message published to a channel
// without subscribers is dropped.
//
// FieldRegistry records which entity fields subscribers need in patch events
// (see the entity-subscribe-fields broker message). Entries are counted per
// owner so one connection closing releases exactly its own registrations.
package pubsub
