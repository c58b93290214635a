package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/edusync/rtc/internal/signaling"
)

// TrackLocal is a locally produced media track attached to peer connections.
type TrackLocal = webrtc.TrackLocal

// TrackSender is the opaque handle returned by AddTrack, needed to remove
// the track again.
type TrackSender interface{}

// RemoteTrack describes a track attached by the remote side.
type RemoteTrack struct {
	ID   string
	Kind string // "audio" or "video"
}

// ConnState is the subset of transport-level connection states the link
// state machine reacts to.
type ConnState int

const (
	ConnStateConnected ConnState = iota
	ConnStateFailed
)

// PeerEvents delivers connection callbacks. Handlers may be invoked from
// arbitrary goroutines; implementations hand them to the session loop.
type PeerEvents struct {
	OnLocalCandidate func(signaling.Candidate)
	OnStateChange    func(ConnState)
	OnRemoteTrack    func(RemoteTrack)
}

// PeerConn is one WebRTC connection reduced to the operations the link state
// machine drives. Offer/answer helpers set the local description themselves,
// so trickle candidates start flowing as soon as they return.
type PeerConn interface {
	CreateOffer(ctx context.Context) (signaling.SDP, error)
	AcceptOffer(ctx context.Context, offer signaling.SDP) (signaling.SDP, error)
	AcceptAnswer(answer signaling.SDP) error
	AddRemoteCandidate(c signaling.Candidate) error
	AddTrack(t TrackLocal) (TrackSender, error)
	RemoveTrack(s TrackSender) error
	Close() error
}

// PeerConnector creates PeerConns; one per remote participant, recreated
// from scratch on retry.
type PeerConnector interface {
	NewPeerConn(remoteID string, events PeerEvents) (PeerConn, error)
}
