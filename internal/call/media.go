package call

import (
	"errors"
	"strings"
	"sync"

	"github.com/edusync/rtc/internal/signaling"
)

// ErrNoDevice reports that a capture source has no track of the requested
// kind.
var ErrNoDevice = errors.New("call: no capture device")

// MediaSource provides the local capture tracks. Acquisition happens once at
// session start; a failing source degrades the session (audio-only, or
// signaling/whiteboard only) instead of aborting it.
type MediaSource interface {
	AudioTrack() (TrackLocal, error)
	VideoTrack() (TrackLocal, error)
}

// StaticSource is a MediaSource over pre-built tracks, typically pion
// TrackLocalStaticSample instances fed by an external encoder pipeline. A nil
// track reports ErrNoDevice for that kind.
type StaticSource struct {
	Audio TrackLocal
	Video TrackLocal
}

func (s StaticSource) AudioTrack() (TrackLocal, error) {
	if s.Audio == nil {
		return nil, ErrNoDevice
	}
	return s.Audio, nil
}

func (s StaticSource) VideoTrack() (TrackLocal, error) {
	if s.Video == nil {
		return nil, ErrNoDevice
	}
	return s.Video, nil
}

// MediaError aggregates acquisition failures from session start. It is
// reported once; the session proceeds with whatever was acquired.
type MediaError struct {
	Audio error
	Video error
}

func (e *MediaError) Error() string {
	var parts []string
	if e.Audio != nil {
		parts = append(parts, "audio: "+e.Audio.Error())
	}
	if e.Video != nil {
		parts = append(parts, "video: "+e.Video.Error())
	}
	return "call: media acquisition: " + strings.Join(parts, "; ")
}

// LocalMedia holds the local capture tracks and their enabled flags for the
// lifetime of one session. Toggling a flag never renegotiates peer links;
// the flag gates whether the external pipeline feeds samples into the track.
type LocalMedia struct {
	mu           sync.Mutex
	audio, video TrackLocal
	audioEnabled bool
	videoEnabled bool

	screen TrackLocal
}

// AcquireMedia pulls tracks from the source, best-effort. The returned
// *MediaError is nil when both tracks were acquired.
func AcquireMedia(src MediaSource) (*LocalMedia, *MediaError) {
	m := &LocalMedia{}
	var mErr MediaError

	if t, err := src.AudioTrack(); err != nil {
		mErr.Audio = err
	} else {
		m.audio = t
		m.audioEnabled = true
	}
	if t, err := src.VideoTrack(); err != nil {
		mErr.Video = err
	} else {
		m.video = t
		m.videoEnabled = true
	}

	if mErr.Audio != nil || mErr.Video != nil {
		return m, &mErr
	}
	return m, nil
}

// Tracks returns the acquired call tracks, excluding any screen track.
func (m *LocalMedia) Tracks() []TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TrackLocal
	if m.audio != nil {
		out = append(out, m.audio)
	}
	if m.video != nil {
		out = append(out, m.video)
	}
	return out
}

// ToggleAudio flips the audio flag in place and returns the new value.
// Toggling without an acquired track is a no-op reporting false.
func (m *LocalMedia) ToggleAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audio == nil {
		return false
	}
	m.audioEnabled = !m.audioEnabled
	return m.audioEnabled
}

func (m *LocalMedia) ToggleVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.video == nil {
		return false
	}
	m.videoEnabled = !m.videoEnabled
	return m.videoEnabled
}

// State reports the current flags in wire form.
func (m *LocalMedia) State() signaling.MediaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return signaling.MediaState{
		AudioEnabled: m.audioEnabled,
		VideoEnabled: m.videoEnabled,
	}
}

// SetScreen records the display-capture track while sharing is active.
func (m *LocalMedia) SetScreen(t TrackLocal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.screen = t
}

func (m *LocalMedia) Screen() TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen
}

func (m *LocalMedia) ClearScreen() TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.screen
	m.screen = nil
	return t
}
