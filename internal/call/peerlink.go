package call

import (
	"context"
	"fmt"
	"time"

	"github.com/edusync/rtc/internal/signaling"
)

// LinkState is the lifecycle of one peer link.
//
// Reachability: from LinkNew only LinkOfferSent or LinkAnswering; LinkConnected
// only via LinkConnecting; LinkClosed from every state and terminal. LinkGaveUp
// is terminal too, entered when the retry budget is exhausted.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkOfferSent
	LinkAnswering
	LinkConnecting
	LinkConnected
	LinkFailed
	LinkClosed
	LinkGaveUp
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkOfferSent:
		return "offer-sent"
	case LinkAnswering:
		return "answering"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	case LinkGaveUp:
		return "gave-up"
	}
	return fmt.Sprintf("LinkState(%d)", int(s))
}

func (s LinkState) terminal() bool {
	return s == LinkClosed || s == LinkGaveUp
}

// Retry policy for failed links: exponential backoff, bounded attempts, then
// the link is surfaced as gave-up instead of cycling forever.
const (
	retryBaseDelay  = 2 * time.Second
	retryMaxDelay   = 30 * time.Second
	maxLinkAttempts = 5
)

// retryDelay returns the backoff before retry attempt n (1-based).
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := retryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return d
}

// PeerLink is one client's end of a media connection to one remote
// participant. All methods must be called from the owning session's loop;
// the link itself holds no lock.
type PeerLink struct {
	remoteID string
	offerer  bool
	pc       PeerConn

	state LinkState

	// Candidates received before the remote description is applied; flushed
	// in arrival order afterwards.
	pending        []signaling.Candidate
	haveRemoteDesc bool

	// attempts counts full link rebuilds after failure; owned by the session.
	attempts int

	remoteTracks []RemoteTrack
	senders      map[TrackLocal]TrackSender
}

func newPeerLink(remoteID string, offerer bool, pc PeerConn) *PeerLink {
	return &PeerLink{
		remoteID: remoteID,
		offerer:  offerer,
		pc:       pc,
		state:    LinkNew,
		senders:  make(map[TrackLocal]TrackSender),
	}
}

func (l *PeerLink) State() LinkState { return l.state }
func (l *PeerLink) RemoteID() string { return l.remoteID }
func (l *PeerLink) Offerer() bool    { return l.offerer }

// startOffer drives LinkNew -> LinkOfferSent by producing the local offer.
// The caller relays the returned SDP to the remote.
func (l *PeerLink) startOffer(ctx context.Context) (signaling.SDP, error) {
	if l.state != LinkNew {
		return signaling.SDP{}, fmt.Errorf("call: startOffer in state %s", l.state)
	}
	offer, err := l.pc.CreateOffer(ctx)
	if err != nil {
		return signaling.SDP{}, err
	}
	l.state = LinkOfferSent
	return offer, nil
}

// handleOffer drives LinkNew -> LinkAnswering -> LinkConnecting on the
// answering side, returning the answer to relay back.
func (l *PeerLink) handleOffer(ctx context.Context, offer signaling.SDP) (signaling.SDP, error) {
	if l.state != LinkNew {
		return signaling.SDP{}, fmt.Errorf("call: unexpected offer in state %s", l.state)
	}
	l.state = LinkAnswering
	answer, err := l.pc.AcceptOffer(ctx, offer)
	if err != nil {
		return signaling.SDP{}, err
	}
	l.remoteDescApplied()
	l.state = LinkConnecting
	return answer, nil
}

// handleRenegotiateOffer applies a mid-call offer (track added or removed by
// the remote) on an established link and returns the answer.
func (l *PeerLink) handleRenegotiateOffer(ctx context.Context, offer signaling.SDP) (signaling.SDP, error) {
	if l.state != LinkConnected && l.state != LinkConnecting {
		return signaling.SDP{}, fmt.Errorf("call: renegotiate offer in state %s", l.state)
	}
	return l.pc.AcceptOffer(ctx, offer)
}

// renegotiateOffer produces a fresh offer on an established link after a
// local track change.
func (l *PeerLink) renegotiateOffer(ctx context.Context) (signaling.SDP, error) {
	if l.state != LinkConnected && l.state != LinkConnecting {
		return signaling.SDP{}, fmt.Errorf("call: renegotiate in state %s", l.state)
	}
	return l.pc.CreateOffer(ctx)
}

// handleAnswer drives LinkOfferSent -> LinkConnecting, and also applies
// renegotiation answers on an established link.
func (l *PeerLink) handleAnswer(answer signaling.SDP) error {
	switch l.state {
	case LinkOfferSent:
		if err := l.pc.AcceptAnswer(answer); err != nil {
			return err
		}
		l.remoteDescApplied()
		l.state = LinkConnecting
		return nil
	case LinkConnected, LinkConnecting:
		return l.pc.AcceptAnswer(answer)
	default:
		return fmt.Errorf("call: unexpected answer in state %s", l.state)
	}
}

// addCandidate applies a trickle candidate, queueing it until the remote
// description exists. Queued candidates keep arrival order.
func (l *PeerLink) addCandidate(c signaling.Candidate) error {
	if l.state.terminal() {
		return nil
	}
	if !l.haveRemoteDesc {
		l.pending = append(l.pending, c)
		return nil
	}
	return l.pc.AddRemoteCandidate(c)
}

func (l *PeerLink) remoteDescApplied() {
	l.haveRemoteDesc = true
	for _, c := range l.pending {
		_ = l.pc.AddRemoteCandidate(c)
	}
	l.pending = nil
}

// onConnState folds a transport state report into the link state. It reports
// whether the caller should react (render on connected, schedule retry on
// failed).
func (l *PeerLink) onConnState(s ConnState) (changed bool) {
	if l.state.terminal() {
		return false
	}
	switch s {
	case ConnStateConnected:
		if l.state != LinkConnecting {
			return false
		}
		l.state = LinkConnected
		return true
	case ConnStateFailed:
		if l.state == LinkFailed {
			return false
		}
		l.state = LinkFailed
		return true
	}
	return false
}

func (l *PeerLink) addRemoteTrack(t RemoteTrack) {
	l.remoteTracks = append(l.remoteTracks, t)
}

func (l *PeerLink) addLocalTrack(t TrackLocal) error {
	if _, ok := l.senders[t]; ok {
		return nil
	}
	sender, err := l.pc.AddTrack(t)
	if err != nil {
		return err
	}
	l.senders[t] = sender
	return nil
}

func (l *PeerLink) removeLocalTrack(t TrackLocal) error {
	sender, ok := l.senders[t]
	if !ok {
		return nil
	}
	delete(l.senders, t)
	return l.pc.RemoveTrack(sender)
}

// close releases the link. Terminal; safe to call repeatedly.
func (l *PeerLink) close() {
	if l.state == LinkClosed {
		return
	}
	l.state = LinkClosed
	_ = l.pc.Close()
}

// giveUp marks the retry budget exhausted. Terminal.
func (l *PeerLink) giveUp() {
	if l.state.terminal() {
		return
	}
	l.state = LinkGaveUp
	_ = l.pc.Close()
}
