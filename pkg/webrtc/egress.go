package webrtc

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/vigilcam/vigil/pkg/logger"
)

// Egress is one outbound unidirectional relay leg: server to one viewer,
// carrying one sender's cloned track. Each leg negotiates its own ICE
// state and dies with its viewer.
type Egress struct {
	conn *webrtc.PeerConnection
	log  *logger.Logger
	once sync.Once
}

// NewEgress builds the outbound connection of a (viewer, sender) pair.
// Local candidates go to onICE tagged by the caller.
func (a *ApiFactory) NewEgress(log *logger.Logger, onICE func(webrtc.ICECandidateInit)) (*Egress, error) {
	conn, err := a.NewPeer()
	if err != nil {
		return nil, err
	}
	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			onICE(c.ToJSON())
		}
	})
	conn.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debug().Str("state", state.String()).Msg("Egress ICE")
	})
	return &Egress{conn: conn, log: log}, nil
}

// Offer attaches the track and returns the local offer SDP.
func (e *Egress) Offer(track webrtc.TrackLocal) (string, error) {
	sender, err := e.conn.AddTrack(track)
	if err != nil {
		return "", err
	}
	// Drain RTCP so interceptors keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	offer, err := e.conn.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err = e.conn.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

// SetAnswer applies the viewer's answer.
func (e *Egress) SetAnswer(sdp string) error {
	return e.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (e *Egress) AddCandidate(candidate webrtc.ICECandidateInit) error {
	return e.conn.AddICECandidate(candidate)
}

// Close is idempotent; closing a leg mid-negotiation is a no-op for the
// peer connection, not an error.
func (e *Egress) Close() {
	e.once.Do(func() {
		_ = e.conn.Close()
		e.log.Debug().Msg("Egress closed")
	})
}
