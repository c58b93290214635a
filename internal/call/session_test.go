package call

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/edusync/rtc/internal/metrics"
	"github.com/edusync/rtc/internal/signaling"
	"github.com/edusync/rtc/internal/whiteboard"
)

type fakeConn struct {
	*fakePeerConn
	events PeerEvents
}

type fakeConnector struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{conns: make(map[string]*fakeConn)}
}

func (c *fakeConnector) NewPeerConn(remoteID string, events PeerEvents) (PeerConn, error) {
	pc := &fakePeerConn{}
	c.mu.Lock()
	c.conns[remoteID] = &fakeConn{fakePeerConn: pc, events: events}
	c.mu.Unlock()
	return pc, nil
}

func (c *fakeConnector) conn(remoteID string) *fakeConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[remoteID]
}

// recorder collects session events behind a lock so tests can poll them.
type recorder struct {
	mu         sync.Mutex
	connected  []string
	gaveUp     []string
	joined     []string
	left       []string
	mediaState map[string]signaling.MediaState
	boards     []whiteboard.Snapshot
	screens    map[string]bool
}

func newRecorder() *recorder {
	return &recorder{
		mediaState: make(map[string]signaling.MediaState),
		screens:    make(map[string]bool),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnPeerConnected: func(id string) {
			r.mu.Lock()
			r.connected = append(r.connected, id)
			r.mu.Unlock()
		},
		OnPeerGaveUp: func(id string) {
			r.mu.Lock()
			r.gaveUp = append(r.gaveUp, id)
			r.mu.Unlock()
		},
		OnParticipantJoined: func(p signaling.Participant) {
			r.mu.Lock()
			r.joined = append(r.joined, p.ID)
			r.mu.Unlock()
		},
		OnParticipantLeft: func(id string) {
			r.mu.Lock()
			r.left = append(r.left, id)
			r.mu.Unlock()
		},
		OnMediaState: func(id string, s signaling.MediaState) {
			r.mu.Lock()
			r.mediaState[id] = s
			r.mu.Unlock()
		},
		OnScreenShare: func(id string, active bool) {
			r.mu.Lock()
			r.screens[id] = active
			r.mu.Unlock()
		},
		OnBoardChange: func(snap whiteboard.Snapshot) {
			r.mu.Lock()
			r.boards = append(r.boards, snap)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) leftIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.left...)
}

func (r *recorder) connectedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.connected...)
}

func (r *recorder) media(id string) (signaling.MediaState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.mediaState[id]
	return s, ok
}

func (r *recorder) boardCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.boards)
}

type testPeer struct {
	sess      *Session
	connector *fakeConnector
	rec       *recorder
}

func relayServer(t *testing.T) (*httptest.Server, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	srv := signaling.NewServer(signaling.Config{
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: m,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return ts, m
}

func startPeer(t *testing.T, ts *httptest.Server, room, name string) *testPeer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rtc/signal"
	tr, err := DialTransport(ctx, url)
	if err != nil {
		t.Fatalf("dial transport: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })

	media, _ := AcquireMedia(StaticSource{
		Audio: &stubTrack{id: "mic-" + name, kind: webrtc.RTPCodecTypeAudio},
	})

	connector := newFakeConnector()
	rec := newRecorder()
	sess := NewSession(SessionConfig{
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Transport: tr,
		Connector: connector,
		Media:     media,
		Handlers:  rec.handlers(),
	})
	if err := sess.Start(ctx, room, name, false); err != nil {
		t.Fatalf("start session for %s: %v", name, err)
	}
	go func() { _ = sess.Run(context.Background()) }()
	t.Cleanup(func() { _ = sess.Leave() })

	return &testPeer{sess: sess, connector: connector, rec: rec}
}

// orderPeers returns (offerer, answerer) per the connection-id tie-break.
func orderPeers(a, b *testPeer) (*testPeer, *testPeer) {
	if a.sess.SelfID() < b.sess.SelfID() {
		return a, b
	}
	return b, a
}

func TestSession_TwoPeersNegotiate(t *testing.T) {
	ts, _ := relayServer(t)
	a := startPeer(t, ts, "math", "alice")
	b := startPeer(t, ts, "math", "bob")

	low, high := orderPeers(a, b)
	lowID, highID := low.sess.SelfID(), high.sess.SelfID()

	// The offerer side produces exactly one offer; the answerer receives it
	// and answers; the answer lands back on the offerer.
	waitFor(t, 2*time.Second, "offer delivered", func() bool {
		c := high.connector.conn(lowID)
		if c == nil {
			return false
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.gotOffers) == 1
	})
	waitFor(t, 2*time.Second, "answer delivered", func() bool {
		c := low.connector.conn(highID)
		if c == nil {
			return false
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.gotAnswers) == 1
	})

	if st, ok := low.sess.LinkState(highID); !ok || st != LinkConnecting {
		t.Fatalf("offerer link = %v %v, want connecting", st, ok)
	}
	if st, ok := high.sess.LinkState(lowID); !ok || st != LinkConnecting {
		t.Fatalf("answerer link = %v %v, want connecting", st, ok)
	}

	// Trickle a candidate each way.
	high.connector.conn(lowID).events.OnLocalCandidate(cand("from-high"))
	low.connector.conn(highID).events.OnLocalCandidate(cand("from-low"))
	waitFor(t, 2*time.Second, "candidates exchanged", func() bool {
		return low.connector.conn(highID).candidateCount() == 1 &&
			high.connector.conn(lowID).candidateCount() == 1
	})

	// Transport reports connected on both ends.
	low.connector.conn(highID).events.OnStateChange(ConnStateConnected)
	high.connector.conn(lowID).events.OnStateChange(ConnStateConnected)
	waitFor(t, 2*time.Second, "links connected", func() bool {
		return len(low.rec.connectedIDs()) == 1 && len(high.rec.connectedIDs()) == 1
	})
	if st, _ := low.sess.LinkState(highID); st != LinkConnected {
		t.Fatalf("offerer final state = %s", st)
	}
}

func TestSession_SingleOffererUnderTieBreak(t *testing.T) {
	ts, _ := relayServer(t)
	a := startPeer(t, ts, "math", "alice")
	b := startPeer(t, ts, "math", "bob")

	low, high := orderPeers(a, b)
	waitFor(t, 2*time.Second, "negotiation settled", func() bool {
		c := high.connector.conn(low.sess.SelfID())
		if c == nil {
			return false
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.gotOffers) == 1
	})

	offers := func(p *testPeer, remote string) int {
		c := p.connector.conn(remote)
		if c == nil {
			return 0
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.offers
	}
	total := offers(low, high.sess.SelfID()) + offers(high, low.sess.SelfID())
	if total != 1 {
		t.Fatalf("%d offers created, want exactly 1", total)
	}
}

func TestSession_LeaveClosesRemoteLink(t *testing.T) {
	ts, _ := relayServer(t)
	a := startPeer(t, ts, "math", "alice")
	b := startPeer(t, ts, "math", "bob")
	bID := b.sess.SelfID()

	waitFor(t, 2*time.Second, "link established", func() bool {
		_, ok := a.sess.LinkState(bID)
		return ok
	})

	if err := b.sess.Leave(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "participant-left observed", func() bool {
		left := a.rec.leftIDs()
		return len(left) == 1 && left[0] == bID
	})
	if _, ok := a.sess.LinkState(bID); ok {
		t.Fatal("link still present after remote leave")
	}
}

func TestSession_MediaToggleReachesPeers(t *testing.T) {
	ts, _ := relayServer(t)
	a := startPeer(t, ts, "math", "alice")
	b := startPeer(t, ts, "math", "bob")
	aID := a.sess.SelfID()

	waitFor(t, 2*time.Second, "roster settled", func() bool {
		_, ok := b.sess.LinkState(aID)
		return ok
	})

	on, err := a.sess.ToggleAudio()
	if err != nil {
		t.Fatal(err)
	}
	if on {
		t.Fatal("audio should be off after first toggle")
	}

	waitFor(t, 2*time.Second, "media state propagated", func() bool {
		s, ok := b.rec.media(aID)
		return ok && !s.AudioEnabled
	})
}

func TestSession_BoardSyncDoesNotEcho(t *testing.T) {
	ts, m := relayServer(t)
	a := startPeer(t, ts, "art", "alice")
	b := startPeer(t, ts, "art", "bob")

	waitFor(t, 2*time.Second, "roster settled", func() bool {
		_, ok := b.sess.LinkState(a.sess.SelfID())
		return ok
	})

	err := a.sess.Board().OnLocalChange([]whiteboard.Object{{
		ID:     "stroke-1",
		Kind:   whiteboard.KindPath,
		Points: [][2]float64{{0, 0}, {5, 5}},
	}})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "board applied remotely", func() bool {
		snap := b.sess.Board().Snapshot()
		return len(snap.Objects) == 1 && snap.Objects[0].ID == "stroke-1"
	})

	// Applying the remote snapshot must not re-broadcast it: the relay sees
	// exactly one board update.
	time.Sleep(100 * time.Millisecond)
	if got := m.Get(metrics.BoardUpdates); got != 1 {
		t.Fatalf("relay observed %d board updates, want 1", got)
	}
	if b.rec.boardCount() == 0 {
		t.Fatal("board change handler never fired")
	}
}

func TestSession_LateJoinerReceivesBoard(t *testing.T) {
	ts, _ := relayServer(t)
	a := startPeer(t, ts, "art", "alice")

	err := a.sess.Board().OnLocalChange([]whiteboard.Object{{
		ID:   "rect-1",
		Kind: whiteboard.KindRect,
		X:    1, Y: 2, Width: 3, Height: 4,
	}})
	if err != nil {
		t.Fatal(err)
	}

	c := startPeer(t, ts, "art", "carol")
	waitFor(t, 2*time.Second, "late joiner board", func() bool {
		snap := c.sess.Board().Snapshot()
		return len(snap.Objects) == 1 && snap.Objects[0].ID == "rect-1"
	})
}

func TestSession_ScreenShareRenegotiates(t *testing.T) {
	ts, _ := relayServer(t)
	a := startPeer(t, ts, "math", "alice")
	b := startPeer(t, ts, "math", "bob")

	low, high := orderPeers(a, b)
	lowID, highID := low.sess.SelfID(), high.sess.SelfID()

	// Establish the link first.
	waitFor(t, 2*time.Second, "answer delivered", func() bool {
		c := low.connector.conn(highID)
		if c == nil {
			return false
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.gotAnswers) == 1
	})
	low.connector.conn(highID).events.OnStateChange(ConnStateConnected)
	high.connector.conn(lowID).events.OnStateChange(ConnStateConnected)
	waitFor(t, 2*time.Second, "connected", func() bool {
		st, _ := low.sess.LinkState(highID)
		return st == LinkConnected
	})

	display := &stubTrack{id: "display", kind: webrtc.RTPCodecTypeVideo}
	if err := low.sess.StartScreenShare(display); err != nil {
		t.Fatal(err)
	}

	// The peer learns about the share and answers the renegotiation offer.
	waitFor(t, 2*time.Second, "share event", func() bool {
		high.rec.mu.Lock()
		defer high.rec.mu.Unlock()
		return high.rec.screens[lowID]
	})
	waitFor(t, 2*time.Second, "renegotiation answered", func() bool {
		c := low.connector.conn(highID)
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.gotAnswers) == 2
	})

	if err := low.sess.StopScreenShare(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "share stopped", func() bool {
		high.rec.mu.Lock()
		defer high.rec.mu.Unlock()
		return !high.rec.screens[lowID]
	})

	if err := low.sess.StartScreenShare(display); err != nil {
		t.Fatal(err)
	}
	if err := low.sess.StartScreenShare(display); err == nil {
		t.Fatal("second concurrent share accepted")
	}
}

func TestSession_RetryBudgetExhaustedGivesUp(t *testing.T) {
	rec := newRecorder()
	connector := newFakeConnector()
	s := NewSession(SessionConfig{
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Transport: &nullTransport{},
		Connector: connector,
		Handlers:  rec.handlers(),
	})
	s.selfID = "aaaa"
	s.room = "math"
	s.participants["zzzz"] = signaling.Participant{ID: "zzzz", Username: "bob"}

	if err := s.createLink(context.Background(), "zzzz", maxLinkAttempts); err != nil {
		t.Fatal(err)
	}
	link := s.links["zzzz"]
	if link.State() != LinkOfferSent {
		t.Fatalf("state = %s", link.State())
	}
	if err := link.handleAnswer(signaling.SDP{Type: "answer"}); err != nil {
		t.Fatal(err)
	}

	// The failure after the final allowed attempt lands in gave-up instead of
	// scheduling another rebuild.
	s.onLinkConnState("zzzz", 1, ConnStateFailed)
	if link.State() != LinkGaveUp {
		t.Fatalf("state = %s, want gave-up", link.State())
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.gaveUp) != 1 || rec.gaveUp[0] != "zzzz" {
		t.Fatalf("gave-up events = %v", rec.gaveUp)
	}
}

func TestSession_RepeatedUserJoinedKeepsLink(t *testing.T) {
	rec := newRecorder()
	connector := newFakeConnector()
	s := NewSession(SessionConfig{
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Transport: &nullTransport{},
		Connector: connector,
		Handlers:  rec.handlers(),
	})
	s.selfID = "aaaa"
	s.room = "math"

	ctx := context.Background()
	s.onUserJoined(ctx, signaling.Participant{ID: "zzzz", Username: "bob"})
	link := s.links["zzzz"]
	first := connector.conn("zzzz")
	if link == nil || first == nil {
		t.Fatal("no link after user-joined")
	}

	// The relay can announce a participant this side already negotiated with,
	// when its roster and the joiner's fanout race. The live link stays.
	s.onUserJoined(ctx, signaling.Participant{ID: "zzzz", Username: "bob"})
	if s.links["zzzz"] != link {
		t.Fatal("repeated user-joined replaced a live link")
	}
	first.mu.Lock()
	offers, closed := first.offers, first.closed
	first.mu.Unlock()
	if closed {
		t.Fatal("original connection closed")
	}
	if offers != 1 {
		t.Fatalf("%d offers on the original connection, want 1", offers)
	}

	// A terminal link is dead weight; the next user-joined rebuilds it.
	link.giveUp()
	s.onUserJoined(ctx, signaling.Participant{ID: "zzzz", Username: "bob"})
	if s.links["zzzz"] == link {
		t.Fatal("gave-up link not rebuilt on rejoin")
	}
}

func TestSession_UserJoinedBeforeRosterStillLinks(t *testing.T) {
	// A concurrent joiner's fanout can reach this connection before its own
	// roster does. The announcement must survive until the roster lands.
	tr := &scriptedTransport{in: []signaling.Envelope{
		{Type: signaling.TypeWelcome, Participant: &signaling.Participant{ID: "aaaa"}},
		{Type: signaling.TypeUserJoined, Channel: "math", Participant: &signaling.Participant{ID: "zzzz", Username: "bob"}},
		{Type: signaling.TypeRoster, Channel: "math"},
	}}
	connector := newFakeConnector()
	s := NewSession(SessionConfig{
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Transport: tr,
		Connector: connector,
	})
	if err := s.Start(context.Background(), "math", "alice", false); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.links["zzzz"]; !ok {
		t.Fatal("no link toward the participant announced ahead of the roster")
	}
	if got := tr.offersTo("zzzz"); got != 1 {
		t.Fatalf("%d offers sent toward zzzz, want 1", got)
	}
}

func TestSession_HeldUserJoinedAlreadyInRoster(t *testing.T) {
	// The roster and a held user-joined both name the same participant; the
	// link is negotiated exactly once.
	tr := &scriptedTransport{in: []signaling.Envelope{
		{Type: signaling.TypeWelcome, Participant: &signaling.Participant{ID: "aaaa"}},
		{Type: signaling.TypeUserJoined, Channel: "math", Participant: &signaling.Participant{ID: "zzzz", Username: "bob"}},
		{Type: signaling.TypeRoster, Channel: "math", Roster: []signaling.Participant{{ID: "zzzz", Username: "bob"}}},
	}}
	connector := newFakeConnector()
	s := NewSession(SessionConfig{
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Transport: tr,
		Connector: connector,
	})
	if err := s.Start(context.Background(), "math", "alice", false); err != nil {
		t.Fatal(err)
	}
	c := connector.conn("zzzz")
	if c == nil {
		t.Fatal("no connection toward zzzz")
	}
	c.mu.Lock()
	offers, closed := c.offers, c.closed
	c.mu.Unlock()
	if closed {
		t.Fatal("connection from the roster was torn down by the replay")
	}
	if offers != 1 {
		t.Fatalf("%d offers created, want 1", offers)
	}
	if got := tr.offersTo("zzzz"); got != 1 {
		t.Fatalf("%d offers sent toward zzzz, want 1", got)
	}
}

// nullTransport swallows sends and never delivers; for state-machine tests
// that drive the session directly.
type nullTransport struct{}

func (nullTransport) Send(signaling.Envelope) error { return nil }
func (nullTransport) Recv(ctx context.Context) (signaling.Envelope, error) {
	<-ctx.Done()
	return signaling.Envelope{}, ctx.Err()
}
func (nullTransport) Close() error { return nil }

// scriptedTransport replays a fixed inbound sequence, then blocks; sends are
// recorded for inspection.
type scriptedTransport struct {
	mu   sync.Mutex
	in   []signaling.Envelope
	sent []signaling.Envelope
}

func (t *scriptedTransport) Send(env signaling.Envelope) error {
	t.mu.Lock()
	t.sent = append(t.sent, env)
	t.mu.Unlock()
	return nil
}

func (t *scriptedTransport) Recv(ctx context.Context) (signaling.Envelope, error) {
	t.mu.Lock()
	if len(t.in) > 0 {
		env := t.in[0]
		t.in = t.in[1:]
		t.mu.Unlock()
		return env, nil
	}
	t.mu.Unlock()
	<-ctx.Done()
	return signaling.Envelope{}, ctx.Err()
}

func (t *scriptedTransport) Close() error { return nil }

func (t *scriptedTransport) offersTo(remoteID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, env := range t.sent {
		if env.Type == signaling.TypeOffer && env.To == remoteID {
			n++
		}
	}
	return n
}
