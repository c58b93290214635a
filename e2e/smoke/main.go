// Command smoke drives a full join/relay/whiteboard round trip against a
// running edusync-rtc instance and exits non-zero on any mismatch. It is the
// entry point for the black-box e2e suite; point it at a server with
// SIGNAL_URL or let it spin one up in-process.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edusync/rtc/internal/signaling"
)

const room = "smoke-room"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "smoke:", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func run() error {
	signalURL := os.Getenv("SIGNAL_URL")
	if signalURL == "" {
		srv := signaling.NewServer(signaling.Config{
			Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		})
		defer srv.Close()
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()
		signalURL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/rtc/signal"
	}

	teacher, err := dial(signalURL, "teacher")
	if err != nil {
		return err
	}
	defer teacher.close()

	student, err := dial(signalURL, "student")
	if err != nil {
		return err
	}
	defer student.close()

	// The teacher should observe the student's arrival.
	joined, err := teacher.expect(signaling.TypeUserJoined)
	if err != nil {
		return fmt.Errorf("waiting for user-joined: %w", err)
	}
	if joined.Participant == nil || joined.Participant.ID != student.id {
		return fmt.Errorf("user-joined for %v, want %s", joined.Participant, student.id)
	}

	// Targeted signal relay: offer from student to teacher.
	offer := signaling.Envelope{
		Type:    signaling.TypeOffer,
		Channel: room,
		To:      teacher.id,
		SDP:     &signaling.SDP{Type: "offer", SDP: "v=0\r\n"},
	}
	if err := student.send(offer); err != nil {
		return err
	}
	relayed, err := teacher.expect(signaling.TypeOffer)
	if err != nil {
		return fmt.Errorf("waiting for relayed offer: %w", err)
	}
	if relayed.From != student.id || relayed.To != "" {
		return fmt.Errorf("relayed offer from=%q to=%q, want from=%s with to stripped", relayed.From, relayed.To, student.id)
	}

	// Whiteboard snapshot broadcast plus server-side caching for late joiners.
	board := json.RawMessage(`{"objects":[{"id":"l1","kind":"line","points":[[0,0],[5,5]]}]}`)
	if err := teacher.send(signaling.Envelope{Type: signaling.TypeBoardUpdate, Channel: room, Board: board}); err != nil {
		return err
	}
	updated, err := student.expect(signaling.TypeBoardUpdated)
	if err != nil {
		return fmt.Errorf("waiting for whiteboard-updated: %w", err)
	}
	if string(updated.Board) != string(board) {
		return fmt.Errorf("whiteboard-updated board = %s", updated.Board)
	}

	late, err := dial(signalURL, "latecomer")
	if err != nil {
		return err
	}
	defer late.close()
	if err := late.send(signaling.Envelope{Type: signaling.TypeBoardRequest, Channel: room}); err != nil {
		return err
	}
	state, err := late.expect(signaling.TypeBoardState)
	if err != nil {
		return fmt.Errorf("waiting for whiteboard-state: %w", err)
	}
	if string(state.Board) != string(board) {
		return fmt.Errorf("whiteboard-state board = %s", state.Board)
	}

	return nil
}

type client struct {
	id string
	ws *websocket.Conn
}

func (c *client) close() { _ = c.ws.Close() }

func dial(signalURL, username string) (*client, error) {
	ws, resp, err := websocket.DefaultDialer.Dial(signalURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", signalURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &client{ws: ws}
	welcome, err := c.expect(signaling.TypeWelcome)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("welcome: %w", err)
	}
	c.id = welcome.Participant.ID

	if err := c.send(signaling.Envelope{
		Type:        signaling.TypeJoin,
		Channel:     room,
		Participant: &signaling.Participant{ID: c.id, Username: username},
	}); err != nil {
		ws.Close()
		return nil, err
	}
	if _, err := c.expect(signaling.TypeRoster); err != nil {
		ws.Close()
		return nil, fmt.Errorf("roster after join: %w", err)
	}
	return c, nil
}

func (c *client) send(env signaling.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// expect reads until an envelope of the wanted type arrives, skipping
// presence chatter from other clients.
func (c *client) expect(want signaling.EnvelopeType) (signaling.Envelope, error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = c.ws.SetReadDeadline(deadline)
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return signaling.Envelope{}, err
		}
		env, err := signaling.ParseEnvelope(raw)
		if err != nil {
			return signaling.Envelope{}, fmt.Errorf("parsing %s: %w", raw, err)
		}
		if env.Type == want {
			return env, nil
		}
		if env.Type == signaling.TypeError {
			return signaling.Envelope{}, fmt.Errorf("server error %s: %s", env.Code, env.Message)
		}
	}
}
