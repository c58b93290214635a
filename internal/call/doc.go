// Package call implements the client side of a room call: one Session per
// joined room, one PeerLink per remote participant, driving the offer/answer
// and trickle-ICE exchange over the signaling relay and keeping the shared
// whiteboard in sync.
//
// The session is single-threaded: one goroutine owns all session state and
// consumes relay envelopes and internal events from a single loop. Control
// methods (toggles, screen share, leave) post onto that loop rather than
// touching state directly.
package call
