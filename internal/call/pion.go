package call

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/edusync/rtc/internal/signaling"
)

// slogLoggerFactory routes pion's internal logging through the process
// logger, one scope attribute per subsystem.
type slogLoggerFactory struct {
	log *slog.Logger
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveled{log: f.log.With("scope", scope)}
}

type slogLeveled struct {
	log *slog.Logger
}

func (l slogLeveled) Trace(msg string) { l.log.Debug(msg) }
func (l slogLeveled) Tracef(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
func (l slogLeveled) Debug(msg string) { l.log.Debug(msg) }
func (l slogLeveled) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
func (l slogLeveled) Info(msg string) { l.log.Info(msg) }
func (l slogLeveled) Infof(format string, args ...interface{}) {
	l.log.Info(fmt.Sprintf(format, args...))
}
func (l slogLeveled) Warn(msg string) { l.log.Warn(msg) }
func (l slogLeveled) Warnf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}
func (l slogLeveled) Error(msg string) { l.log.Error(msg) }
func (l slogLeveled) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

type PionConnectorConfig struct {
	Log        *slog.Logger
	ICEServers []webrtc.ICEServer

	// ConfigureSettingEngine runs before the API is built; tests use it to
	// route connections through a virtual network.
	ConfigureSettingEngine func(*webrtc.SettingEngine)
}

// PionConnector is the production PeerConnector, one shared webrtc.API for
// all links.
type PionConnector struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

func NewPionConnector(cfg PionConnectorConfig) (*PionConnector, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	se := webrtc.SettingEngine{LoggerFactory: slogLoggerFactory{log: log}}
	if cfg.ConfigureSettingEngine != nil {
		cfg.ConfigureSettingEngine(&se)
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	return &PionConnector{
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me)),
		iceServers: cfg.ICEServers,
	}, nil
}

func (c *PionConnector) NewPeerConn(_ string, events PeerEvents) (PeerConn, error) {
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: c.iceServers})
	if err != nil {
		return nil, err
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks end of gathering; trickle has nothing to send for it.
		if cand == nil || events.OnLocalCandidate == nil {
			return
		}
		events.OnLocalCandidate(signaling.CandidateFromPion(cand.ToJSON()))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if events.OnStateChange == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			events.OnStateChange(ConnStateConnected)
		case webrtc.PeerConnectionStateFailed:
			events.OnStateChange(ConnStateFailed)
		}
	})
	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if events.OnRemoteTrack == nil {
			return
		}
		events.OnRemoteTrack(RemoteTrack{ID: t.ID(), Kind: t.Kind().String()})
	})

	return &pionPeerConn{pc: pc}, nil
}

type pionPeerConn struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeerConn) CreateOffer(context.Context) (signaling.SDP, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SDP{}, err
	}
	// Local description is set before returning so trickle candidates start
	// gathering immediately.
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return signaling.SDP{}, err
	}
	return signaling.SDPFromPion(offer), nil
}

func (p *pionPeerConn) AcceptOffer(_ context.Context, offer signaling.SDP) (signaling.SDP, error) {
	desc, err := offer.ToPion()
	if err != nil {
		return signaling.SDP{}, err
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return signaling.SDP{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SDP{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return signaling.SDP{}, err
	}
	return signaling.SDPFromPion(answer), nil
}

func (p *pionPeerConn) AcceptAnswer(answer signaling.SDP) error {
	desc, err := answer.ToPion()
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeerConn) AddRemoteCandidate(c signaling.Candidate) error {
	return p.pc.AddICECandidate(c.ToPion())
}

func (p *pionPeerConn) AddTrack(t TrackLocal) (TrackSender, error) {
	return p.pc.AddTrack(t)
}

func (p *pionPeerConn) RemoveTrack(s TrackSender) error {
	sender, ok := s.(*webrtc.RTPSender)
	if !ok {
		return fmt.Errorf("call: foreign track sender %T", s)
	}
	return p.pc.RemoveTrack(sender)
}

func (p *pionPeerConn) Close() error {
	return p.pc.Close()
}
