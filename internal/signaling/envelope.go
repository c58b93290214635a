package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// EnvelopeType enumerates the wire protocol. Client-to-server types mirror
// the events the EduSync frontend emits; server-to-client types mirror what
// it listens for.
type EnvelopeType string

const (
	// Server to client, sent once on connect with the assigned connection id.
	TypeWelcome EnvelopeType = "welcome"

	// Client to server.
	TypeJoin             EnvelopeType = "join-channel"
	TypeLeave            EnvelopeType = "leave-channel"
	TypeOffer            EnvelopeType = "rtc-offer"
	TypeAnswer           EnvelopeType = "rtc-answer"
	TypeCandidate        EnvelopeType = "ice-candidate"
	TypeMediaState       EnvelopeType = "media-state"
	TypeScreenShareStart EnvelopeType = "start-screen-share"
	TypeScreenShareStop  EnvelopeType = "stop-screen-share"
	TypeBoardUpdate      EnvelopeType = "whiteboard-update"
	TypeBoardRequest     EnvelopeType = "whiteboard-request"
	TypeClose            EnvelopeType = "close"

	// Server to client.
	TypeRoster       EnvelopeType = "channel-participants"
	TypeUserJoined   EnvelopeType = "user-joined"
	TypeUserLeft     EnvelopeType = "user-left"
	TypeBoardUpdated EnvelopeType = "whiteboard-updated"
	TypeBoardState   EnvelopeType = "whiteboard-state"
	TypeError        EnvelopeType = "error"
)

// Participant is one connected client within a room, including its last-known
// media flags so rosters carry them. The remote media stream is deliberately
// not part of this record; it lives client-side on the peer link.
type Participant struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Guest        bool   `json:"isGuest,omitempty"`
	AudioEnabled bool   `json:"audioEnabled"`
	VideoEnabled bool   `json:"videoEnabled"`
}

// MediaState announces an in-place audio/video flag flip.
type MediaState struct {
	AudioEnabled bool `json:"audioEnabled"`
	VideoEnabled bool `json:"videoEnabled"`
}

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Envelope is the single wire-level message exchanged over the relay. Which
// fields are set depends on Type; Validate enforces the per-type shape.
//
// From is stamped by the relay on delivery and must not be trusted from
// clients. To selects targeted delivery; envelopes without a target are
// broadcast to every other participant in the sender's room.
type Envelope struct {
	Type    EnvelopeType `json:"type"`
	Channel string       `json:"channelId,omitempty"`
	To      string       `json:"to,omitempty"`
	From    string       `json:"from,omitempty"`

	Participant *Participant  `json:"participant,omitempty"`
	Roster      []Participant `json:"participants,omitempty"`

	SDP       *SDP            `json:"sdp,omitempty"`
	Candidate *Candidate      `json:"candidate,omitempty"`
	Media     *MediaState     `json:"media,omitempty"`
	Board     json.RawMessage `json:"board,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseEnvelope strictly decodes and validates a wire envelope.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

// Marshal validates and encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func (e Envelope) Validate() error {
	switch e.Type {
	case TypeWelcome:
		if e.Participant == nil || e.Participant.ID == "" {
			return fmt.Errorf("welcome envelope missing participant id")
		}
	case TypeJoin:
		if e.Channel == "" {
			return fmt.Errorf("join envelope missing channelId")
		}
		if e.Participant == nil || e.Participant.Username == "" {
			return fmt.Errorf("join envelope missing participant username")
		}
	case TypeLeave, TypeScreenShareStart, TypeScreenShareStop, TypeBoardRequest:
		if e.Channel == "" {
			return fmt.Errorf("%s envelope missing channelId", e.Type)
		}
	case TypeOffer:
		if err := e.validateSignal(); err != nil {
			return err
		}
		if e.SDP == nil || e.SDP.Type != "offer" {
			return fmt.Errorf("offer envelope requires sdp.type=offer")
		}
	case TypeAnswer:
		if err := e.validateSignal(); err != nil {
			return err
		}
		if e.SDP == nil || e.SDP.Type != "answer" {
			return fmt.Errorf("answer envelope requires sdp.type=answer")
		}
	case TypeCandidate:
		if err := e.validateSignal(); err != nil {
			return err
		}
		if e.Candidate == nil {
			return fmt.Errorf("candidate envelope missing candidate")
		}
	case TypeMediaState:
		if e.Channel == "" || e.Media == nil {
			return fmt.Errorf("media-state envelope requires channelId and media")
		}
	case TypeBoardUpdate:
		if e.Channel == "" || len(e.Board) == 0 {
			return fmt.Errorf("whiteboard-update envelope requires channelId and board")
		}
	case TypeBoardUpdated, TypeBoardState:
		// Board may be empty (no snapshot yet for a fresh room).
	case TypeRoster:
		if e.Channel == "" {
			return fmt.Errorf("roster envelope missing channelId")
		}
	case TypeUserJoined:
		if e.Participant == nil || e.Participant.ID == "" {
			return fmt.Errorf("user-joined envelope missing participant")
		}
	case TypeUserLeft:
		if e.From == "" {
			return fmt.Errorf("user-left envelope missing from")
		}
	case TypeError:
		if e.Code == "" || e.Message == "" {
			return fmt.Errorf("error envelope missing code/message")
		}
	case TypeClose:
	default:
		return fmt.Errorf("unsupported envelope type %q", e.Type)
	}
	return nil
}

// validateSignal covers the fields shared by offer/answer/candidate relays.
// To may be empty on delivery (the relay strips it), so only Channel is
// mandatory here; the relay itself rejects untargeted signals.
func (e Envelope) validateSignal() error {
	if e.Channel == "" {
		return fmt.Errorf("%s envelope missing channelId", e.Type)
	}
	return nil
}
