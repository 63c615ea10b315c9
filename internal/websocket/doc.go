// Package websocket adapts gorilla/websocket connections to consumer sessions.
//
// Conn is the session transport: one writer goroutine drains a bounded
// outbound queue and keeps the connection alive with pings, while Serve runs
// the read pump that feeds inbound frames to the session.
package websocket
