// Package redis connects to Redis and relays group broadcasts between
// instances over Pub/Sub.
//
// Every client carries a metrics hook and a circuit breaker hook. The Relay
// publishes each local broadcast on a per-group channel and feeds messages
// from other instances back into the local dispatcher.
package redis
