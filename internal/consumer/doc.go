// Package consumer implements the per-connection session: one instance per
// open connection, owning its group memberships, routing inbound client
// events and group broadcasts to fixed handler tables, and writing outbound
// events through its transport.
//
// Lifecycle: Created → Connecting → Open → Closing → Closed. OnConnect must
// call Accept for the session to open; until then group events are queued in
// the session's mailbox and Send fails with domain.ErrNotAccepted.
package consumer
