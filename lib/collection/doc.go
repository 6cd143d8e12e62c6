// Package collection implements the live result set of a query.
//
// A Collection starts empty and not loaded. The first Set loads it, after
// that it changes through discrete events (add, remove, removeMany, sort,
// set and deep changes of a member). Closing it runs the teardown functions,
// which release the entity leases the members hold on the server.
//
// Pagination carries page, page size, sort order, the total number of
// matches and free query parameters. Pagination events are separate from data
// events: a server:change with a new total must not be read as a data change.
package collection
