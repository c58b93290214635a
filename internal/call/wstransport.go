package call

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edusync/rtc/internal/signaling"
)

const wsWriteWait = 5 * time.Second

// WSTransport is the production Transport: a single WebSocket to the relay's
// /rtc/signal endpoint.
type WSTransport struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	recvCh chan recvResult

	closeOnce sync.Once
}

type recvResult struct {
	env signaling.Envelope
	err error
}

// DialTransport connects to the relay signaling endpoint, e.g.
// "ws://host:8750/rtc/signal".
func DialTransport(ctx context.Context, url string) (*WSTransport, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	t := &WSTransport{
		ws:     ws,
		recvCh: make(chan recvResult, 16),
	}
	go t.readLoop()
	return t, nil
}

func (t *WSTransport) readLoop() {
	defer close(t.recvCh)
	for {
		_, data, err := t.ws.ReadMessage()
		if err != nil {
			t.recvCh <- recvResult{err: err}
			return
		}
		env, err := signaling.ParseEnvelope(data)
		if err != nil {
			// A relay speaking a different protocol revision is fatal for the
			// whole connection, not just one envelope.
			t.recvCh <- recvResult{err: err}
			return
		}
		t.recvCh <- recvResult{env: env}
	}
}

func (t *WSTransport) Send(env signaling.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *WSTransport) Recv(ctx context.Context) (signaling.Envelope, error) {
	select {
	case <-ctx.Done():
		return signaling.Envelope{}, ctx.Err()
	case res, ok := <-t.recvCh:
		if !ok {
			return signaling.Envelope{}, websocket.ErrCloseSent
		}
		return res.env, res.err
	}
}

func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait),
		)
		t.writeMu.Unlock()
		err = t.ws.Close()
	})
	return err
}
