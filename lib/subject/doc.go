/*
Package subject provides the push primitives that actions return and clients
consume.

Stream is a value with change notifications: subscribers receive the current
value right away, then every full replacement (Next) and every delta (Append)
until the producer completes or fails. Closing a stream from the consumer side
runs its teardown functions, which is how leases and broker subscriptions
behind a stream are released.

EntitySubject is a Stream of one entity document with extra patch and deletion
signals.
*/
package subject
