package webrtc

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// Fanout is one inbound video track fanning out to N independently
// closeable outbound legs. Every viewer gets its own local track so a
// single leg teardown never disturbs its siblings.
type Fanout struct {
	codec webrtc.RTPCodecCapability

	mu    sync.RWMutex
	sinks map[string]*webrtc.TrackLocalStaticRTP
}

func NewFanout(codec webrtc.RTPCodecCapability) *Fanout {
	return &Fanout{codec: codec, sinks: make(map[string]*webrtc.TrackLocalStaticRTP)}
}

// NewSink clones the source into a fresh local track owned by id.
// An existing sink for the same id is replaced.
func (f *Fanout) NewSink(id string) (*webrtc.TrackLocalStaticRTP, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(f.codec, "video", "vigil-"+id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sinks[id] = track
	f.mu.Unlock()
	return track, nil
}

// Drop detaches the sink owned by id. Writes already in flight finish
// against the old track and are discarded by the closed connection.
func (f *Fanout) Drop(id string) {
	f.mu.Lock()
	delete(f.sinks, id)
	f.mu.Unlock()
}

func (f *Fanout) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

// pump forwards RTP packets from the remote track to every sink until
// the track errors out. Per-sink write errors are ignored, a broken leg
// must not starve the others.
func (f *Fanout) pump(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		f.mu.RLock()
		for _, sink := range f.sinks {
			_ = sink.WriteRTP(pkt)
		}
		f.mu.RUnlock()
	}
}
