/*
Package entity defines the plain entity document shared by the server and the
client, the change events published on the exchange channel "entity/<name>",
dot path patches and a small schema for parameter validation.

A document is a map with an "id" and a monotonically increasing "version".
Versions decide conflicts: a patch is only applied to a cached document when
its version is higher than the cached one.
*/
package entity
