// Package query evaluates document filters and orders query results.
//
// Filters use the mongo notation the document database understands, so the
// same filter can be sent to the database and evaluated in memory against
// entity change events. Fields reports which paths a filter reads; live
// queries register them at the broker so patch events carry them.
package query
