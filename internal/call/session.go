package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/edusync/rtc/internal/signaling"
	"github.com/edusync/rtc/internal/whiteboard"
)

var ErrSessionClosed = errors.New("call: session closed")

// Handlers receives session events. All handlers are invoked from the
// session loop; they must not call back into the session synchronously.
// Any handler may be nil.
type Handlers struct {
	OnPeerConnected func(remoteID string)
	OnPeerGaveUp    func(remoteID string)
	OnRemoteTrack   func(remoteID string, t RemoteTrack)

	OnParticipantJoined func(p signaling.Participant)
	OnParticipantLeft   func(remoteID string)
	OnMediaState        func(remoteID string, s signaling.MediaState)
	OnScreenShare       func(remoteID string, active bool)

	OnBoardChange whiteboard.ChangeFunc

	// OnServerError carries error envelopes from the relay.
	OnServerError func(code, message string)
	// OnDisconnect fires when the relay connection drops, as opposed to a
	// normal Leave. The UI surfaces these differently.
	OnDisconnect func(err error)
}

type SessionConfig struct {
	Log       *slog.Logger
	Transport Transport
	Connector PeerConnector
	Media     *LocalMedia
	Handlers  Handlers
}

// Session orchestrates one client's participation in one room call: it owns
// the local media, one PeerLink per remote participant, and the shared
// whiteboard. Start performs the join handshake; Run then consumes relay
// envelopes until the session ends.
type Session struct {
	log       *slog.Logger
	transport Transport
	connector PeerConnector
	media     *LocalMedia
	handlers  Handlers
	board     *whiteboard.Board

	selfID string
	room   string

	// Everything below is owned by the Start/Run goroutine.
	links        map[string]*PeerLink
	linkEpoch    map[string]int
	early        map[string][]signaling.Candidate
	participants map[string]signaling.Participant
	stopped      bool

	actions chan func()
	done    chan struct{}
}

func NewSession(cfg SessionConfig) *Session {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	media := cfg.Media
	if media == nil {
		media = &LocalMedia{}
	}

	s := &Session{
		log:          log,
		transport:    cfg.Transport,
		connector:    cfg.Connector,
		media:        media,
		handlers:     cfg.Handlers,
		links:        make(map[string]*PeerLink),
		linkEpoch:    make(map[string]int),
		early:        make(map[string][]signaling.Candidate),
		participants: make(map[string]signaling.Participant),
		actions:      make(chan func(), 64),
		done:         make(chan struct{}),
	}
	s.board = whiteboard.NewBoard(s.sendBoard, func(snap whiteboard.Snapshot) {
		if s.handlers.OnBoardChange != nil {
			s.handlers.OnBoardChange(snap)
		}
	})
	return s
}

// SelfID is the connection id issued by the relay; valid after Start.
func (s *Session) SelfID() string { return s.selfID }

// Board is the session's shared drawing surface.
func (s *Session) Board() *whiteboard.Board { return s.board }

// Start performs the join handshake: consume the relay's welcome, join the
// room, and create an offering link toward every roster member this side is
// responsible for. Must be called once, before Run.
func (s *Session) Start(ctx context.Context, roomID, username string, guest bool) error {
	welcome, err := s.transport.Recv(ctx)
	if err != nil {
		return fmt.Errorf("call: waiting for welcome: %w", err)
	}
	if welcome.Type != signaling.TypeWelcome {
		return fmt.Errorf("call: expected welcome, got %s", welcome.Type)
	}
	s.selfID = welcome.Participant.ID
	s.room = roomID

	err = s.transport.Send(signaling.Envelope{
		Type:        signaling.TypeJoin,
		Channel:     roomID,
		Participant: &signaling.Participant{Username: username, Guest: guest},
	})
	if err != nil {
		return fmt.Errorf("call: join: %w", err)
	}

	// A concurrent joiner's user-joined can beat our own roster to this
	// connection. Hold such envelopes and replay them once the roster is in.
	var pending []signaling.Envelope
	for {
		env, err := s.transport.Recv(ctx)
		if err != nil {
			return fmt.Errorf("call: waiting for roster: %w", err)
		}
		switch env.Type {
		case signaling.TypeRoster:
			for _, p := range env.Roster {
				s.participants[p.ID] = p
				if err := s.createLink(ctx, p.ID, 0); err != nil {
					s.log.Warn("creating initial link", "remote", p.ID, "err", err)
				}
			}
			s.sendMediaState()
			_ = s.transport.Send(signaling.Envelope{Type: signaling.TypeBoardRequest, Channel: roomID})
			for _, held := range pending {
				s.handleEnvelope(ctx, held)
			}
			return nil
		case signaling.TypeError:
			return fmt.Errorf("call: join rejected: %s: %s", env.Code, env.Message)
		default:
			s.log.Debug("holding pre-roster envelope", "type", string(env.Type))
			pending = append(pending, env)
		}
	}
}

// Run consumes relay envelopes and posted control actions until the session
// leaves, the context is canceled, or the relay connection drops.
func (s *Session) Run(ctx context.Context) error {
	envCh := make(chan recvResult)
	go func() {
		for {
			env, err := s.transport.Recv(ctx)
			select {
			case envCh <- recvResult{env: env, err: err}:
			case <-s.done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			s.shutdown(false)
			return ctx.Err()
		case fn := <-s.actions:
			fn()
		case res := <-envCh:
			if res.err != nil {
				if s.handlers.OnDisconnect != nil {
					s.handlers.OnDisconnect(res.err)
				}
				s.shutdown(false)
				return res.err
			}
			s.handleEnvelope(ctx, res.env)
		}
	}
}

// do posts fn onto the session loop.
func (s *Session) do(fn func()) error {
	select {
	case s.actions <- fn:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Leave tears the session down in order: announce departure, close every
// link, stop the loop. In-flight envelopes that arrive afterwards are
// discarded with the transport.
func (s *Session) Leave() error {
	err := s.do(func() { s.shutdown(true) })
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

// ToggleAudio flips the local audio flag and announces it to the room.
func (s *Session) ToggleAudio() (bool, error) {
	return s.toggle(s.media.ToggleAudio)
}

// ToggleVideo flips the local video flag and announces it to the room.
func (s *Session) ToggleVideo() (bool, error) {
	return s.toggle(s.media.ToggleVideo)
}

func (s *Session) toggle(flip func() bool) (bool, error) {
	res := make(chan bool, 1)
	err := s.do(func() {
		on := flip()
		s.sendMediaState()
		res <- on
	})
	if err != nil {
		return false, err
	}
	select {
	case on := <-res:
		return on, nil
	case <-s.done:
		return false, ErrSessionClosed
	}
}

// StartScreenShare attaches a display-capture track to every link and
// renegotiates each one.
func (s *Session) StartScreenShare(track TrackLocal) error {
	return s.callErr(func() error {
		if s.media.Screen() != nil {
			return errors.New("call: screen share already active")
		}
		s.media.SetScreen(track)
		_ = s.transport.Send(signaling.Envelope{Type: signaling.TypeScreenShareStart, Channel: s.room})
		for _, link := range s.links {
			if link.State().terminal() {
				continue
			}
			if err := link.addLocalTrack(track); err != nil {
				s.log.Warn("adding screen track", "remote", link.RemoteID(), "err", err)
				continue
			}
			s.renegotiate(link)
		}
		return nil
	})
}

// StopScreenShare removes the display track from every link and renegotiates.
func (s *Session) StopScreenShare() error {
	return s.callErr(func() error {
		track := s.media.ClearScreen()
		if track == nil {
			return nil
		}
		_ = s.transport.Send(signaling.Envelope{Type: signaling.TypeScreenShareStop, Channel: s.room})
		for _, link := range s.links {
			if link.State().terminal() {
				continue
			}
			if err := link.removeLocalTrack(track); err != nil {
				s.log.Warn("removing screen track", "remote", link.RemoteID(), "err", err)
				continue
			}
			s.renegotiate(link)
		}
		return nil
	})
}

func (s *Session) callErr(fn func() error) error {
	res := make(chan error, 1)
	if err := s.do(func() { res <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

// LinkState reports the state of the link toward one remote participant.
func (s *Session) LinkState(remoteID string) (LinkState, bool) {
	type answer struct {
		state LinkState
		ok    bool
	}
	res := make(chan answer, 1)
	err := s.do(func() {
		link, ok := s.links[remoteID]
		if !ok {
			res <- answer{}
			return
		}
		res <- answer{state: link.State(), ok: true}
	})
	if err != nil {
		return LinkClosed, false
	}
	select {
	case a := <-res:
		return a.state, a.ok
	case <-s.done:
		return LinkClosed, false
	}
}

// Participants returns a snapshot of the known remote participants.
func (s *Session) Participants() []signaling.Participant {
	res := make(chan []signaling.Participant, 1)
	err := s.do(func() {
		out := make([]signaling.Participant, 0, len(s.participants))
		for _, p := range s.participants {
			out = append(out, p)
		}
		res <- out
	})
	if err != nil {
		return nil
	}
	select {
	case ps := <-res:
		return ps
	case <-s.done:
		return nil
	}
}

func (s *Session) handleEnvelope(ctx context.Context, env signaling.Envelope) {
	// Envelopes for a room this session is not in are stale traffic from a
	// raced leave; drop them.
	if env.Channel != "" && env.Channel != s.room {
		s.log.Debug("dropping stale envelope", "type", string(env.Type), "channel", env.Channel)
		return
	}

	switch env.Type {
	case signaling.TypeUserJoined:
		s.onUserJoined(ctx, *env.Participant)
	case signaling.TypeUserLeft:
		s.onUserLeft(env.From)
	case signaling.TypeOffer:
		s.onOffer(ctx, env)
	case signaling.TypeAnswer:
		s.onAnswer(env)
	case signaling.TypeCandidate:
		s.onCandidate(env)
	case signaling.TypeMediaState:
		s.onMediaState(env)
	case signaling.TypeScreenShareStart:
		if s.handlers.OnScreenShare != nil {
			s.handlers.OnScreenShare(env.From, true)
		}
	case signaling.TypeScreenShareStop:
		if s.handlers.OnScreenShare != nil {
			s.handlers.OnScreenShare(env.From, false)
		}
	case signaling.TypeBoardUpdated, signaling.TypeBoardState:
		if err := s.board.ApplyRemote(env.Board); err != nil {
			s.log.Warn("applying board snapshot", "err", err)
		}
	case signaling.TypeError:
		if s.handlers.OnServerError != nil {
			s.handlers.OnServerError(env.Code, env.Message)
		}
	case signaling.TypeRoster:
		// Only expected during Start.
	default:
		s.log.Debug("ignoring envelope", "type", string(env.Type))
	}
}

func (s *Session) onUserJoined(ctx context.Context, p signaling.Participant) {
	if p.ID == s.selfID {
		return
	}
	s.participants[p.ID] = p
	if s.handlers.OnParticipantJoined != nil {
		s.handlers.OnParticipantJoined(p)
	}
	// The roster may already have carried this participant; a live link stays
	// put so the negotiation in flight on it is not torn up.
	if link, ok := s.links[p.ID]; ok && !link.State().terminal() {
		return
	}
	if err := s.createLink(ctx, p.ID, 0); err != nil {
		s.log.Warn("creating link for joiner", "remote", p.ID, "err", err)
	}
}

func (s *Session) onUserLeft(remoteID string) {
	if link, ok := s.links[remoteID]; ok {
		link.close()
		delete(s.links, remoteID)
	}
	delete(s.participants, remoteID)
	delete(s.early, remoteID)
	delete(s.linkEpoch, remoteID)
	if s.handlers.OnParticipantLeft != nil {
		s.handlers.OnParticipantLeft(remoteID)
	}
}

func (s *Session) onOffer(ctx context.Context, env signaling.Envelope) {
	link, ok := s.links[env.From]
	if !ok {
		// Offer raced ahead of user-joined; answer it anyway.
		if err := s.createLink(ctx, env.From, 0); err != nil {
			s.log.Warn("creating link for offer", "remote", env.From, "err", err)
			return
		}
		link = s.links[env.From]
	}

	switch link.State() {
	case LinkNew:
		answer, err := link.handleOffer(ctx, *env.SDP)
		if err != nil {
			s.log.Warn("answering offer", "remote", env.From, "err", err)
			return
		}
		s.sendSignal(signaling.Envelope{Type: signaling.TypeAnswer, To: env.From, SDP: &answer})
	case LinkConnected, LinkConnecting:
		answer, err := link.handleRenegotiateOffer(ctx, *env.SDP)
		if err != nil {
			s.log.Warn("renegotiating", "remote", env.From, "err", err)
			return
		}
		s.sendSignal(signaling.Envelope{Type: signaling.TypeAnswer, To: env.From, SDP: &answer})
	default:
		// Glare: both sides offered. The tie-break makes the smaller id the
		// offerer, so the rightful offerer ignores the other side's offer.
		s.log.Debug("dropping offer", "remote", env.From, "state", link.State().String())
	}
}

func (s *Session) onAnswer(env signaling.Envelope) {
	link, ok := s.links[env.From]
	if !ok {
		s.log.Debug("answer for unknown link", "remote", env.From)
		return
	}
	if err := link.handleAnswer(*env.SDP); err != nil {
		s.log.Warn("applying answer", "remote", env.From, "err", err)
	}
}

func (s *Session) onCandidate(env signaling.Envelope) {
	link, ok := s.links[env.From]
	if !ok {
		// Candidate arrived before the link exists; queue until it does.
		s.early[env.From] = append(s.early[env.From], *env.Candidate)
		return
	}
	if err := link.addCandidate(*env.Candidate); err != nil {
		s.log.Warn("adding candidate", "remote", env.From, "err", err)
	}
}

func (s *Session) onMediaState(env signaling.Envelope) {
	if p, ok := s.participants[env.From]; ok {
		p.AudioEnabled = env.Media.AudioEnabled
		p.VideoEnabled = env.Media.VideoEnabled
		s.participants[env.From] = p
	}
	if s.handlers.OnMediaState != nil {
		s.handlers.OnMediaState(env.From, *env.Media)
	}
}

// offererFor applies the glare tie-break: the lexicographically smaller
// connection id is always the offering side, on both ends.
func (s *Session) offererFor(remoteID string) bool {
	return s.selfID < remoteID
}

func (s *Session) createLink(ctx context.Context, remoteID string, attempts int) error {
	epoch := s.linkEpoch[remoteID] + 1
	s.linkEpoch[remoteID] = epoch

	events := PeerEvents{
		OnLocalCandidate: func(c signaling.Candidate) {
			// Safe off-loop: Send is serialized by the transport.
			s.sendSignal(signaling.Envelope{Type: signaling.TypeCandidate, To: remoteID, Candidate: &c})
		},
		OnStateChange: func(st ConnState) {
			_ = s.do(func() { s.onLinkConnState(remoteID, epoch, st) })
		},
		OnRemoteTrack: func(t RemoteTrack) {
			_ = s.do(func() { s.onRemoteTrack(remoteID, epoch, t) })
		},
	}

	pc, err := s.connector.NewPeerConn(remoteID, events)
	if err != nil {
		return err
	}

	offerer := s.offererFor(remoteID)
	link := newPeerLink(remoteID, offerer, pc)
	link.attempts = attempts

	for _, t := range s.media.Tracks() {
		if err := link.addLocalTrack(t); err != nil {
			s.log.Warn("adding local track", "remote", remoteID, "err", err)
		}
	}
	if screen := s.media.Screen(); screen != nil {
		if err := link.addLocalTrack(screen); err != nil {
			s.log.Warn("adding screen track", "remote", remoteID, "err", err)
		}
	}

	s.links[remoteID] = link

	// Flush candidates that arrived before the link existed; the link keeps
	// queueing them until the remote description is applied.
	for _, c := range s.early[remoteID] {
		if err := link.addCandidate(c); err != nil {
			s.log.Warn("applying queued candidate", "remote", remoteID, "err", err)
		}
	}
	delete(s.early, remoteID)

	if offerer {
		offer, err := link.startOffer(ctx)
		if err != nil {
			return err
		}
		s.sendSignal(signaling.Envelope{Type: signaling.TypeOffer, To: remoteID, SDP: &offer})
	}
	return nil
}

func (s *Session) onLinkConnState(remoteID string, epoch int, st ConnState) {
	if s.stopped || s.linkEpoch[remoteID] != epoch {
		return
	}
	link, ok := s.links[remoteID]
	if !ok || !link.onConnState(st) {
		return
	}

	switch link.State() {
	case LinkConnected:
		link.attempts = 0
		if s.handlers.OnPeerConnected != nil {
			s.handlers.OnPeerConnected(remoteID)
		}
	case LinkFailed:
		s.retryLink(link)
	}
}

// retryLink discards a failed link and schedules a rebuild with exponential
// backoff, up to the attempt cap.
func (s *Session) retryLink(link *PeerLink) {
	attempts := link.attempts + 1
	if attempts > maxLinkAttempts {
		link.giveUp()
		s.log.Warn("link retry budget exhausted", "remote", link.RemoteID())
		if s.handlers.OnPeerGaveUp != nil {
			s.handlers.OnPeerGaveUp(link.RemoteID())
		}
		return
	}

	remoteID := link.RemoteID()
	link.close()
	delay := retryDelay(attempts)
	s.log.Info("link failed, scheduling retry",
		"remote", remoteID, "attempt", attempts, "delay", delay.String())

	time.AfterFunc(delay, func() {
		_ = s.do(func() { s.rebuildLink(remoteID, attempts) })
	})
}

func (s *Session) rebuildLink(remoteID string, attempts int) {
	if s.stopped {
		return
	}
	if _, present := s.participants[remoteID]; !present {
		return
	}
	// A fresh link may have replaced the failed one in the meantime.
	if cur, ok := s.links[remoteID]; ok && cur.State() != LinkClosed {
		return
	}
	if err := s.createLink(context.Background(), remoteID, attempts); err != nil {
		s.log.Warn("rebuilding link", "remote", remoteID, "err", err)
	}
}

func (s *Session) onRemoteTrack(remoteID string, epoch int, t RemoteTrack) {
	if s.stopped || s.linkEpoch[remoteID] != epoch {
		return
	}
	link, ok := s.links[remoteID]
	if !ok {
		return
	}
	link.addRemoteTrack(t)
	if s.handlers.OnRemoteTrack != nil {
		s.handlers.OnRemoteTrack(remoteID, t)
	}
}

func (s *Session) renegotiate(link *PeerLink) {
	offer, err := link.renegotiateOffer(context.Background())
	if err != nil {
		s.log.Warn("renegotiation offer", "remote", link.RemoteID(), "err", err)
		return
	}
	s.sendSignal(signaling.Envelope{Type: signaling.TypeOffer, To: link.RemoteID(), SDP: &offer})
}

func (s *Session) sendSignal(env signaling.Envelope) {
	env.Channel = s.room
	if err := s.transport.Send(env); err != nil {
		s.log.Debug("send failed", "type", string(env.Type), "err", err)
	}
}

func (s *Session) sendMediaState() {
	state := s.media.State()
	s.sendSignal(signaling.Envelope{Type: signaling.TypeMediaState, Media: &state})
}

func (s *Session) sendBoard(raw json.RawMessage) error {
	return s.transport.Send(signaling.Envelope{
		Type:    signaling.TypeBoardUpdate,
		Channel: s.room,
		Board:   raw,
	})
}

func (s *Session) shutdown(sendLeave bool) {
	if s.stopped {
		return
	}
	s.stopped = true

	if sendLeave && s.room != "" {
		_ = s.transport.Send(signaling.Envelope{Type: signaling.TypeLeave, Channel: s.room})
	}
	for id, link := range s.links {
		link.close()
		delete(s.links, id)
	}
	close(s.done)
}
