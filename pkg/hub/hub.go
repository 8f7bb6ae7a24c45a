// Package hub orchestrates the signaling plane: camera senders, dashboard
// viewers, the per-pair relay legs between them, and the command channel.
package hub

import (
	"strconv"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/vigilcam/vigil/pkg/api"
	"github.com/vigilcam/vigil/pkg/auth"
	"github.com/vigilcam/vigil/pkg/logger"
	"github.com/vigilcam/vigil/pkg/pose"
	"github.com/vigilcam/vigil/pkg/storage"
	rtc "github.com/vigilcam/vigil/pkg/webrtc"
)

// Socket is the signaling transport of one connected peer. Writes to a
// dead socket are silently dropped; Close is idempotent.
type Socket interface {
	Write(data []byte)
	Close()
}

// Sender is one connected camera occupying a numbered slot.
type Sender struct {
	id      string
	sock    Socket
	ingest  *rtc.Ingest
	source  *rtc.Fanout
	tracker *pose.Tracker
	label   pose.Label
	log     *logger.Logger
}

func (s *Sender) Id() string { return s.id }

// Viewer is one connected dashboard client. legs holds its outbound
// relay connections keyed by sender id; a key present with a pending
// negotiation still counts as taken.
type Viewer struct {
	id      string
	sock    Socket
	session *auth.Session
	legs    map[string]*rtc.Egress
	log     *logger.Logger
}

func (v *Viewer) Id() string { return v.id }

// Hub is the single shared registry. One coarse mutex guards all maps;
// everything under it is either pure computation or a non-blocking
// socket write, the slow WebRTC negotiation happens outside.
type Hub struct {
	log        *logger.Logger
	factory    *rtc.ApiFactory
	store      storage.CommandStore
	maxSenders int
	now        func() time.Time

	mu           sync.Mutex
	senders      map[string]*Sender
	viewers      map[string]*Viewer
	history      map[string][]api.CommandEntry
	historyKeys  map[string]string
	nextViewerId int64
}

func New(log *logger.Logger, factory *rtc.ApiFactory, store storage.CommandStore, maxSenders int) *Hub {
	return &Hub{
		log:         log,
		factory:     factory,
		store:       store,
		maxSenders:  maxSenders,
		now:         time.Now,
		senders:     make(map[string]*Sender),
		viewers:     make(map[string]*Viewer),
		history:     make(map[string][]api.CommandEntry),
		historyKeys: make(map[string]string),
	}
}

// ConnectSender claims the lowest free slot for a camera. When every
// slot is taken the socket is closed and nothing is registered; the
// client sees a plain disconnect and is expected to retry later.
func (h *Hub) ConnectSender(sock Socket, deviceId string) *Sender {
	h.mu.Lock()
	id := h.allocateSlot()
	if id == "" {
		h.mu.Unlock()
		h.log.Warn().Int("max", h.maxSenders).Msg("Sender rejected, no free slot")
		sock.Close()
		return nil
	}
	log := h.log.Extend(h.log.With().Str("sid", id))
	s := &Sender{id: id, sock: sock, tracker: pose.NewTracker(), label: pose.Unknown, log: log}
	ingest, err := h.factory.NewIngest(log,
		func(c webrtc.ICECandidateInit) {
			sock.Write(api.NewCandidate("", api.Candidate{
				Candidate: c.Candidate, SdpMid: c.SDPMid, SdpMLineIndex: c.SDPMLineIndex,
			}))
		},
		func(src *rtc.Fanout) { h.attachSource(id, src) },
	)
	if err != nil {
		h.mu.Unlock()
		log.Error().Err(err).Msg("Ingest setup failed")
		sock.Close()
		return nil
	}
	s.ingest = ingest
	h.senders[id] = s
	if deviceId != "" {
		h.historyKeys[id] = deviceId
	}
	entries := h.historyLocked(id)
	sock.Write(api.CommandHistory(id, h.enrichAll(entries)))
	h.mu.Unlock()

	metrics.senders.Inc()
	log.Info().Str("device", deviceId).Msg("Sender connected")
	return s
}

func (h *Hub) allocateSlot() string {
	for i := 1; i <= h.maxSenders; i++ {
		id := strconv.Itoa(i)
		if _, taken := h.senders[id]; !taken {
			return id
		}
	}
	return ""
}

// attachSource wires the first inbound track of a sender and fans it out
// to every viewer already in the room.
func (h *Hub) attachSource(senderId string, src *rtc.Fanout) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.senders[senderId]
	if s == nil || s.source != nil {
		return
	}
	s.source = src
	for _, v := range h.viewers {
		h.ensureRelayLocked(v, s)
	}
}

// ConnectViewer registers a dashboard client and starts one relay leg
// towards every sender that already has media.
func (h *Hub) ConnectViewer(sock Socket, session *auth.Session) *Viewer {
	h.mu.Lock()
	h.nextViewerId++
	id := strconv.FormatInt(h.nextViewerId, 10)
	log := h.log.Extend(h.log.With().Str("vid", id))
	v := &Viewer{id: id, sock: sock, session: session, legs: make(map[string]*rtc.Egress), log: log}
	h.viewers[id] = v
	sock.Write(api.ViewerId(id))
	h.broadcastViewerCountLocked()
	for _, s := range h.senders {
		v.sock.Write(api.CommandHistory(s.id, h.enrichAll(h.historyLocked(s.id))))
	}
	for _, s := range h.senders {
		h.ensureRelayLocked(v, s)
	}
	h.mu.Unlock()

	metrics.viewers.Inc()
	log.Info().Msg("Viewer connected")
	return v
}

// ensureRelayLocked reserves the (viewer, sender) pair and kicks off the
// asynchronous negotiation. The reservation makes the operation
// idempotent: a second call for the same pair is a no-op even while the
// first offer is still in flight. No relay is started before the
// sender's media has arrived.
func (h *Hub) ensureRelayLocked(v *Viewer, s *Sender) {
	if s.source == nil {
		return
	}
	if _, taken := v.legs[s.id]; taken {
		return
	}
	log := v.log.Extend(v.log.With().Str("sid", s.id))
	eg, err := h.factory.NewEgress(log, func(c webrtc.ICECandidateInit) {
		v.sock.Write(api.NewCandidate(s.id, api.Candidate{
			Candidate: c.Candidate, SdpMid: c.SDPMid, SdpMLineIndex: c.SDPMLineIndex,
		}))
	})
	if err != nil {
		log.Error().Err(err).Msg("Egress setup failed")
		metrics.relayFailures.Inc()
		return
	}
	sink, err := s.source.NewSink(v.id)
	if err != nil {
		log.Error().Err(err).Msg("Sink setup failed")
		metrics.relayFailures.Inc()
		eg.Close()
		return
	}
	v.legs[s.id] = eg
	metrics.relays.Inc()

	go func() {
		sdp, err := eg.Offer(sink)
		if err != nil {
			// One broken leg must never take its siblings down: drop
			// this pair and move on.
			log.Error().Err(err).Msg("Relay offer failed")
			metrics.relayFailures.Inc()
			h.dropLeg(v.id, s.id, eg)
			return
		}
		v.sock.Write(api.Offer(s.id, sdp))
	}()
}

// dropLeg removes a failed leg, unless the pair was already torn down or
// replaced in the meantime.
func (h *Hub) dropLeg(viewerId, senderId string, eg *rtc.Egress) {
	eg.Close()
	h.mu.Lock()
	defer h.mu.Unlock()
	v := h.viewers[viewerId]
	if v == nil || v.legs[senderId] != eg {
		return
	}
	delete(v.legs, senderId)
	metrics.relays.Dec()
	if s := h.senders[senderId]; s != nil && s.source != nil {
		s.source.Drop(viewerId)
	}
}

// DisconnectSender frees the slot and tears down every relay leg that
// carried this sender's feed. Viewers get the empty history first, then
// the disconnect notice, so stale commands never outlive the stream.
func (h *Hub) DisconnectSender(senderId string) {
	h.mu.Lock()
	s := h.senders[senderId]
	if s == nil {
		h.mu.Unlock()
		return
	}
	s.ingest.Close()
	delete(h.senders, senderId)
	key := h.historyKeyLocked(senderId)
	delete(h.history, key)
	delete(h.historyKeys, senderId)

	emptied := api.CommandHistory(senderId, nil)
	gone := api.SenderDisconnected(senderId)
	for _, v := range h.viewers {
		v.sock.Write(emptied)
		if eg := v.legs[senderId]; eg != nil {
			eg.Close()
			delete(v.legs, senderId)
			metrics.relays.Dec()
		}
		v.sock.Write(gone)
	}
	h.mu.Unlock()

	metrics.senders.Dec()
	s.log.Info().Msg("Sender disconnected")
}

// DisconnectViewer drops the viewer, its relay legs, and its fanout
// sinks, then tells the remaining viewers the new headcount.
func (h *Hub) DisconnectViewer(viewerId string) {
	h.mu.Lock()
	v := h.viewers[viewerId]
	if v == nil {
		h.mu.Unlock()
		return
	}
	for senderId, eg := range v.legs {
		eg.Close()
		metrics.relays.Dec()
		if s := h.senders[senderId]; s != nil && s.source != nil {
			s.source.Drop(viewerId)
		}
	}
	delete(h.viewers, viewerId)
	h.broadcastViewerCountLocked()
	h.mu.Unlock()

	metrics.viewers.Dec()
	v.log.Info().Msg("Viewer disconnected")
}

func (h *Hub) broadcastViewerCountLocked() {
	payload := api.ViewerCount(len(h.viewers))
	for _, v := range h.viewers {
		v.sock.Write(payload)
	}
}

// HandleSenderMessage routes one frame from a camera socket. Frames for
// a slot that was already freed are dropped.
func (h *Hub) HandleSenderMessage(senderId string, data []byte) {
	m, ok := api.Unmarshal(data)
	if !ok {
		return
	}
	h.mu.Lock()
	s := h.senders[senderId]
	h.mu.Unlock()
	if s == nil {
		return
	}

	switch m.Type {
	case api.MsgOffer:
		sdp, err := s.ingest.Answer(m.Sdp)
		if err != nil {
			s.log.Error().Err(err).Msg("Answer failed")
			return
		}
		s.sock.Write(api.Answer(sdp))
	case api.MsgCandidate:
		if err := s.ingest.AddCandidate(iceInit(m)); err != nil {
			s.log.Warn().Err(err).Msg("Sender candidate rejected")
		}
	case api.MsgPose:
		if m.Landmarks == nil {
			return
		}
		h.handlePose(s, m.Landmarks)
	}
}

// handlePose classifies one landmark frame and pushes the label to the
// sender and every viewer.
func (h *Hub) handlePose(s *Sender, landmarks [][]float64) {
	h.mu.Lock()
	label := s.tracker.Classify(landmarks)
	if label == pose.Fallen && s.label != pose.Fallen {
		metrics.falls.Inc()
		s.log.Warn().Msg("Fall detected")
	}
	s.label = label
	payload := api.PoseLabel(s.id, string(label))
	s.sock.Write(payload)
	for _, v := range h.viewers {
		v.sock.Write(payload)
	}
	h.mu.Unlock()
	metrics.poseLabels.WithLabelValues(string(label)).Inc()
}

// HandleViewerMessage routes one frame from a dashboard socket. When the
// frame names no sender and exactly one camera is connected, that camera
// is the implied target.
func (h *Hub) HandleViewerMessage(viewerId string, data []byte) {
	m, ok := api.Unmarshal(data)
	if !ok {
		return
	}
	h.mu.Lock()
	v := h.viewers[viewerId]
	senderId := m.SenderId
	if senderId == "" && len(h.senders) == 1 {
		for id := range h.senders {
			senderId = id
		}
	}
	h.mu.Unlock()
	if v == nil || senderId == "" {
		return
	}

	switch m.Type {
	case api.MsgCommand:
		h.handleCommand(v, senderId, m.Text)
	case api.MsgDeleteCommand:
		h.handleDeleteCommand(v, senderId, m.Id)
	case api.MsgAnswer:
		eg := h.leg(v, senderId)
		if eg == nil {
			return
		}
		if err := eg.SetAnswer(m.Sdp); err != nil {
			v.log.Warn().Err(err).Str("sid", senderId).Msg("Answer rejected")
		}
	case api.MsgCandidate:
		eg := h.leg(v, senderId)
		if eg == nil {
			return
		}
		if err := eg.AddCandidate(iceInit(m)); err != nil {
			v.log.Warn().Err(err).Str("sid", senderId).Msg("Viewer candidate rejected")
		}
	}
}

func (h *Hub) leg(v *Viewer, senderId string) *rtc.Egress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return v.legs[senderId]
}

func iceInit(m api.Message) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SdpMid, SDPMLineIndex: m.SdpMLineIndex}
}
