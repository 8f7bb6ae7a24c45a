package webrtc

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/vigilcam/vigil/pkg/logger"
)

const keyFrameInterval = 3 * time.Second

// Ingest is the receive-only peer connection of one sender. It owns the
// inbound video track and exposes it as a Fanout once media arrives.
type Ingest struct {
	conn *webrtc.PeerConnection
	log  *logger.Logger
	once sync.Once
}

// NewIngest builds the inbound connection for a sender. onICE receives
// local candidates for trickle signaling, onSource fires once with the
// fanout of the first received video track.
func (a *ApiFactory) NewIngest(log *logger.Logger, onICE func(webrtc.ICECandidateInit), onSource func(*Fanout)) (*Ingest, error) {
	conn, err := a.NewPeer()
	if err != nil {
		return nil, err
	}
	if _, err = conn.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	in := &Ingest{conn: conn, log: log}

	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			onICE(c.ToJSON())
		}
	})
	conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		log.Info().Str("codec", track.Codec().MimeType).Msg("Inbound track")
		go in.requestKeyFrames(track)
		src := NewFanout(track.Codec().RTPCodecCapability)
		go src.pump(track)
		onSource(src)
	})
	conn.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debug().Str("state", state.String()).Msg("Ingest ICE")
	})
	return in, nil
}

// requestKeyFrames nags the sender with PLI so that viewers joining
// mid-stream get a decodable frame quickly.
func (in *Ingest) requestKeyFrames(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(keyFrameInterval)
	defer ticker.Stop()
	for range ticker.C {
		err := in.conn.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			return
		}
	}
}

// Answer applies the sender's offer and returns the local answer SDP.
func (in *Ingest) Answer(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := in.conn.SetRemoteDescription(offer); err != nil {
		return "", err
	}
	answer, err := in.conn.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err = in.conn.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (in *Ingest) AddCandidate(candidate webrtc.ICECandidateInit) error {
	return in.conn.AddICECandidate(candidate)
}

// Close is idempotent and safe to call concurrently with in-flight
// negotiation.
func (in *Ingest) Close() {
	in.once.Do(func() {
		_ = in.conn.Close()
		in.log.Debug().Msg("Ingest closed")
	})
}
