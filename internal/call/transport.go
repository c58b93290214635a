package call

import (
	"context"

	"github.com/edusync/rtc/internal/signaling"
)

// Transport is the session's ordered connection to the signaling relay.
// Envelopes sent on one transport arrive at their target in send order;
// delivery is best-effort with no acknowledgment.
type Transport interface {
	Send(env signaling.Envelope) error
	// Recv blocks for the next envelope. It returns ctx.Err() on cancellation
	// and a transport error once the connection is gone.
	Recv(ctx context.Context) (signaling.Envelope, error)
	Close() error
}
