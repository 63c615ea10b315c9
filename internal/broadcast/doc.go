// Package broadcast implements the in-process channel layer: a sharded
// registry of connection sinks, a sharded group table, and a dispatcher that
// fans group events out to per-connection mailboxes.
//
// Broadcast never blocks on a receiver. Membership is snapshotted under the
// group shard lock, the lock is released, and each member's mailbox is fed
// with a non-blocking enqueue. Each mailbox drains on its own goroutine, so
// events reach a connection in the order they were submitted while a slow
// connection only ever delays itself.
package broadcast
