package call

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

// stubTrack satisfies webrtc.TrackLocal without any media pipeline behind it.
type stubTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *stubTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}

func (t *stubTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *stubTrack) ID() string                            { return t.id }
func (t *stubTrack) RID() string                           { return "" }
func (t *stubTrack) StreamID() string                      { return "stub" }
func (t *stubTrack) Kind() webrtc.RTPCodecType             { return t.kind }

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
