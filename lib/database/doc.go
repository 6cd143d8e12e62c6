// Package database defines the document database contract used by the
// entity storage and the file store. The memdb sub package is an in-memory
// implementation.
package database
