// Package signaling implements the relay side of EduSync call sessions: a
// room registry tracking which connections are in which channel, and a
// WebSocket relay that forwards offer/answer/ICE envelopes between
// participants without interpreting their payloads.
//
// Media never flows through this server; it only coordinates peer-to-peer
// connections and fans out whiteboard snapshots. Envelopes for a given
// sender/target pair are delivered in send order (one ordered WebSocket per
// client, one locked writer per connection); delivery is best-effort with no
// acknowledgment at this layer.
package signaling
