package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/edusync/rtc/internal/channels"
	"github.com/edusync/rtc/internal/metrics"
	"github.com/edusync/rtc/internal/ratelimit"
)

// ChannelDirectory validates that a room id corresponds to a known channel
// before the Registry is touched. A nil directory accepts every room id
// (used by tests and standalone deployments).
type ChannelDirectory interface {
	Get(ctx context.Context, id string) (channels.Channel, error)
}

// Config wires together the runtime dependencies for the signaling relay.
type Config struct {
	Log      *slog.Logger
	Metrics  *metrics.Metrics
	Channels ChannelDirectory
	Registry *Registry

	// Inbound signaling hardening.
	MaxMessageBytes   int64
	MessagesPerSecond int
}

// Server is the WebSocket signaling relay. It owns one conn per connected
// client and forwards envelopes between participants of the same room;
// targeted envelopes go to exactly one connection, untargeted ones to every
// other room member.
//
// The relay also holds the last whiteboard snapshot per room and answers
// state requests itself, so late joiners always have a canonical source
// instead of racing the first responder.
type Server struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	channels ChannelDirectory
	registry *Registry

	maxMessageBytes   int64
	messagesPerSecond int

	mu     sync.Mutex
	conns  map[string]*conn
	boards map[string]json.RawMessage
	closed bool
}

func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = NewRegistry(0)
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	perSecond := cfg.MessagesPerSecond
	if perSecond <= 0 {
		perSecond = 50
	}

	return &Server{
		log:               log,
		metrics:           m,
		channels:          cfg.Channels,
		registry:          reg,
		maxMessageBytes:   maxBytes,
		messagesPerSecond: perSecond,
		conns:             make(map[string]*conn),
		boards:            make(map[string]json.RawMessage),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /rtc/signal", s.handleSignal)
}

// ServeHTTP upgrades the request; it lets hosts mount the relay behind their
// own middleware (origin policy, logging) at a path of their choosing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handleSignal(w, r)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Occupancy reports how many participants are currently in the room.
func (s *Server) Occupancy(roomID string) int {
	return s.registry.Occupancy(roomID)
}

func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.closed = true
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		// Origin checks are enforced by the outer httpserver middleware; accept
		// all origins here so the relay stays testable in isolation.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &conn{
		srv: s,
		id:  uuid.New().String(),
		ws:  ws,
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.messagesPerSecond),
			int64(s.messagesPerSecond),
		),
	}

	if !s.register(c) {
		_ = ws.Close()
		return
	}
	s.metrics.Inc(metrics.SignalConnections)

	// The connection id doubles as the participant's session id; the client
	// needs it for the deterministic offerer tie-break.
	_ = c.send(Envelope{Type: TypeWelcome, Participant: &Participant{ID: c.id}})

	c.run()
}

func (s *Server) register(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	return true
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

func (s *Server) conn(id string) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[id]
}

func (s *Server) setBoard(roomID string, snapshot json.RawMessage) {
	s.mu.Lock()
	s.boards[roomID] = snapshot
	s.mu.Unlock()
}

func (s *Server) board(roomID string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boards[roomID]
}

func (s *Server) dropBoard(roomID string) {
	s.mu.Lock()
	delete(s.boards, roomID)
	s.mu.Unlock()
}

// broadcast delivers env to every room member except senderID, stamping the
// sender. Delivery failures are logged only; senders observe missing peers
// via their own link timeouts.
func (s *Server) broadcast(roomID, senderID string, env Envelope) {
	env.Channel = roomID
	env.From = senderID
	env.To = ""
	for _, p := range s.registry.Roster(roomID, senderID) {
		target := s.conn(p.ID)
		if target == nil {
			continue
		}
		if err := target.send(env); err != nil {
			s.log.Debug("broadcast send failed", "room", roomID, "target", p.ID, "err", err)
		}
	}
	s.metrics.Inc(metrics.EnvelopesBroadcast)
}

const connWriteWait = 1 * time.Second

type conn struct {
	srv *Server
	id  string
	ws  *websocket.Conn

	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex

	mu          sync.Mutex
	room        string
	participant Participant

	closeOnce sync.Once
}

func (c *conn) run() {
	defer c.close()

	c.ws.SetReadLimit(c.srv.maxMessageBytes)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		// Rate-limit after reading so bytes already in the TCP receive buffer
		// are consumed; closing with unread data can turn into an abortive
		// close (RST) that hides the close reason from the client.
		if !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.DropReasonRateLimited)
			c.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation)
			return
		}
		if msgType != websocket.TextMessage {
			c.fail("bad_message", "expected text message", websocket.CloseUnsupportedData)
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			c.srv.metrics.Inc(metrics.DropReasonBadMessage)
			c.fail("bad_message", err.Error(), websocket.ClosePolicyViolation)
			return
		}

		switch env.Type {
		case TypeJoin:
			c.handleJoin(env)
		case TypeLeave:
			c.handleLeave(env)
		case TypeOffer, TypeAnswer, TypeCandidate:
			c.handleSignalRelay(env)
		case TypeMediaState:
			c.handleMediaState(env)
		case TypeScreenShareStart, TypeScreenShareStop:
			c.handleScreenShare(env)
		case TypeBoardUpdate:
			c.handleBoardUpdate(env)
		case TypeBoardRequest:
			c.handleBoardRequest(env)
		case TypeClose:
			return
		default:
			c.fail("bad_message", fmt.Sprintf("unexpected envelope type %q", env.Type), websocket.ClosePolicyViolation)
			return
		}
	}
}

func (c *conn) handleJoin(env Envelope) {
	if c.srv.channels != nil {
		ch, err := c.srv.channels.Get(context.Background(), env.Channel)
		if errors.Is(err, channels.ErrNotFound) {
			c.srv.metrics.Inc(metrics.JoinRejected)
			_ = c.send(Envelope{Type: TypeError, Code: "channel_not_found", Message: "unknown channel " + env.Channel})
			return
		}
		if err != nil {
			_ = c.send(Envelope{Type: TypeError, Code: "internal_error", Message: "channel lookup failed"})
			return
		}
		if !ch.Type.IsCall() {
			c.srv.metrics.Inc(metrics.JoinRejected)
			_ = c.send(Envelope{Type: TypeError, Code: "not_call_channel", Message: "channel does not support calls"})
			return
		}
	}

	p := *env.Participant
	p.ID = c.id

	roster, prevRoom, prevEmptied, err := c.srv.registry.Join(env.Channel, p)

	// The registry removes the connection from its previous room even when
	// the new join is rejected, so the departure fanout happens regardless.
	if prevRoom != "" {
		c.mu.Lock()
		c.room = ""
		c.mu.Unlock()
		c.srv.broadcast(prevRoom, c.id, Envelope{Type: TypeUserLeft})
		c.srv.metrics.Inc(metrics.ParticipantsLeft)
		if prevEmptied {
			c.srv.dropBoard(prevRoom)
			c.srv.metrics.Inc(metrics.RoomsDestroyed)
		}
	}

	if errors.Is(err, ErrRoomFull) {
		c.srv.metrics.Inc(metrics.JoinRejected)
		_ = c.send(Envelope{Type: TypeError, Code: "room_full", Message: "room has reached its participant limit"})
		return
	}
	if err != nil {
		_ = c.send(Envelope{Type: TypeError, Code: "internal_error", Message: err.Error()})
		return
	}

	c.mu.Lock()
	firstJoin := c.room != env.Channel
	c.room = env.Channel
	c.participant = p
	c.mu.Unlock()

	if len(roster) == 0 && firstJoin {
		c.srv.metrics.Inc(metrics.RoomsCreated)
	}
	if firstJoin {
		c.srv.metrics.Inc(metrics.ParticipantsJoined)
	}

	// Roster goes privately to the joiner; everyone else learns about the
	// newcomer via user-joined. A re-join only refreshes the roster.
	_ = c.send(Envelope{Type: TypeRoster, Channel: env.Channel, Roster: roster})
	if firstJoin {
		c.srv.broadcast(env.Channel, c.id, Envelope{Type: TypeUserJoined, Participant: &p})
	}
}

func (c *conn) handleLeave(env Envelope) {
	removed, emptied := c.srv.registry.Leave(env.Channel, c.id)
	if !removed {
		return
	}
	c.mu.Lock()
	c.room = ""
	c.mu.Unlock()

	c.srv.metrics.Inc(metrics.ParticipantsLeft)
	c.srv.broadcast(env.Channel, c.id, Envelope{Type: TypeUserLeft})
	if emptied {
		c.srv.dropBoard(env.Channel)
		c.srv.metrics.Inc(metrics.RoomsDestroyed)
	}
}

// handleSignalRelay forwards an offer/answer/candidate verbatim to its
// target. The target must share the sender's room; a missing or departed
// target is dropped silently (logged and counted only).
func (c *conn) handleSignalRelay(env Envelope) {
	room, ok := c.currentRoom(env.Channel)
	if !ok {
		return
	}
	if env.To == "" {
		c.fail("bad_message", string(env.Type)+" envelope requires a target", websocket.ClosePolicyViolation)
		return
	}

	target := c.srv.conn(env.To)
	if target == nil || !target.inRoom(room) {
		c.srv.metrics.Inc(metrics.RelayTargetGone)
		c.srv.log.Debug("relay target gone", "room", room, "target", env.To, "type", string(env.Type))
		return
	}

	env.From = c.id
	env.To = ""
	if err := target.send(env); err != nil {
		c.srv.log.Debug("relay send failed", "room", room, "target", target.id, "err", err)
		return
	}
	c.srv.metrics.Inc(metrics.EnvelopesRelayed)
}

func (c *conn) handleMediaState(env Envelope) {
	room, ok := c.currentRoom(env.Channel)
	if !ok {
		return
	}
	if _, ok := c.srv.registry.UpdateMedia(c.id, *env.Media); !ok {
		return
	}
	c.srv.broadcast(room, c.id, Envelope{Type: TypeMediaState, Media: env.Media})
}

func (c *conn) handleScreenShare(env Envelope) {
	room, ok := c.currentRoom(env.Channel)
	if !ok {
		return
	}
	c.srv.broadcast(room, c.id, Envelope{Type: env.Type})
}

func (c *conn) handleBoardUpdate(env Envelope) {
	room, ok := c.currentRoom(env.Channel)
	if !ok {
		return
	}
	c.srv.setBoard(room, env.Board)
	c.srv.metrics.Inc(metrics.BoardUpdates)
	c.srv.broadcast(room, c.id, Envelope{Type: TypeBoardUpdated, Board: env.Board})
}

func (c *conn) handleBoardRequest(env Envelope) {
	room, ok := c.currentRoom(env.Channel)
	if !ok {
		return
	}
	c.srv.metrics.Inc(metrics.BoardStateServed)
	_ = c.send(Envelope{Type: TypeBoardState, Channel: room, Board: c.srv.board(room)})
}

// currentRoom verifies the sender is joined and that the envelope's channel
// matches. Envelopes for stale or foreign rooms arrive legitimately when a
// client raced a leave; they are dropped without error.
func (c *conn) currentRoom(channel string) (string, bool) {
	room, ok := c.srv.registry.Room(c.id)
	if !ok || room != channel {
		return "", false
	}
	return room, true
}

func (c *conn) inRoom(roomID string) bool {
	room, ok := c.srv.registry.Room(c.id)
	return ok && room == roomID
}

func (c *conn) send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(connWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) fail(code, message string, closeCode int) {
	_ = c.send(Envelope{Type: TypeError, Code: code, Message: message})
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, code), time.Now().Add(connWriteWait))
	c.writeMu.Unlock()
}

// close releases the connection and performs the implicit-leave fanout. The
// registry guarantees the leave fires exactly once even when an explicit
// leave-channel races the transport disconnect.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		roomID, emptied, ok := c.srv.registry.Disconnect(c.id)
		if ok {
			c.mu.Lock()
			username := c.participant.Username
			c.mu.Unlock()
			c.srv.log.Debug("participant disconnected", "conn", c.id, "room", roomID, "username", username)
			c.srv.metrics.Inc(metrics.ParticipantsLeft)
			c.srv.broadcast(roomID, c.id, Envelope{Type: TypeUserLeft})
			if emptied {
				c.srv.dropBoard(roomID)
				c.srv.metrics.Inc(metrics.RoomsDestroyed)
			}
		}
		c.srv.unregister(c.id)
		c.srv.metrics.Inc(metrics.SignalDisconnects)
		_ = c.ws.Close()
	})
}
