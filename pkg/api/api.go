// Package api defines the flat JSON signaling protocol spoken over the
// /ws endpoint by camera senders and dashboard viewers.
package api

import "encoding/json"

const (
	MsgOffer              = "offer"
	MsgAnswer             = "answer"
	MsgCandidate          = "candidate"
	MsgPose               = "pose"
	MsgPoseLabel          = "pose-label"
	MsgCommand            = "command"
	MsgDeleteCommand      = "delete-command"
	MsgCommandEntry       = "command-entry"
	MsgCommandHistory     = "command-history"
	MsgSenderDisconnected = "sender-disconnected"
	MsgViewerId           = "viewer-id"
	MsgViewerCount        = "viewer-count"
)

// Message is the inbound envelope. Clients send a single flat object;
// which fields are meaningful depends on Type.
type Message struct {
	Type          string      `json:"type"`
	Sdp           string      `json:"sdp,omitempty"`
	SenderId      string      `json:"senderId,omitempty"`
	SdpMid        *string     `json:"sdpMid,omitempty"`
	SdpMLineIndex *uint16     `json:"sdpMLineIndex,omitempty"`
	Candidate     string      `json:"candidate,omitempty"`
	Landmarks     [][]float64 `json:"landmarks,omitempty"`
	Text          string      `json:"text,omitempty"`
	Id            string      `json:"id,omitempty"`
}

// Candidate is one trickled ICE candidate. Mid and line index stay
// pointers so absent values serialize as null, the way browser clients
// produce and expect them.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SdpMid        *string `json:"sdpMid"`
	SdpMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// CommandEntry is one line of a sender's command history.
type CommandEntry struct {
	Id           string `json:"id"`
	User         string `json:"user"`
	UserUsername string `json:"userUsername"`
	UserRole     string `json:"userRole"`
	Text         string `json:"text"`
	Timestamp    string `json:"timestamp"`
}

// Unmarshal decodes one inbound frame. A broken frame yields ok=false
// and is dropped by the caller.
func Unmarshal(data []byte) (m Message, ok bool) {
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, false
	}
	return m, true
}

func marshal(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}

// Answer carries the local answer back to a sender.
func Answer(sdp string) []byte {
	return marshal(struct {
		Type string `json:"type"`
		Sdp  string `json:"sdp"`
	}{MsgAnswer, sdp})
}

// Offer carries a relay offer to a viewer, tagged with the sender whose
// feed it will carry.
func Offer(senderId, sdp string) []byte {
	return marshal(struct {
		Type     string `json:"type"`
		Sdp      string `json:"sdp"`
		SenderId string `json:"senderId"`
	}{MsgOffer, sdp, senderId})
}

// NewCandidate trickles a local ICE candidate. senderId is empty on the
// sender leg and set on viewer legs.
func NewCandidate(senderId string, c Candidate) []byte {
	return marshal(struct {
		Type          string  `json:"type"`
		SdpMid        *string `json:"sdpMid"`
		SdpMLineIndex *uint16 `json:"sdpMLineIndex"`
		Candidate     string  `json:"candidate"`
		SenderId      string  `json:"senderId,omitempty"`
	}{MsgCandidate, c.SdpMid, c.SdpMLineIndex, c.Candidate, senderId})
}

func PoseLabel(senderId, label string) []byte {
	return marshal(struct {
		Type     string `json:"type"`
		SenderId string `json:"senderId"`
		Label    string `json:"label"`
	}{MsgPoseLabel, senderId, label})
}

func ViewerId(id string) []byte {
	return marshal(struct {
		Type     string `json:"type"`
		ViewerId string `json:"viewerId"`
	}{MsgViewerId, id})
}

func ViewerCount(n int) []byte {
	return marshal(struct {
		Type  string `json:"type"`
		Count int    `json:"count"`
	}{MsgViewerCount, n})
}

func SenderDisconnected(senderId string) []byte {
	return marshal(struct {
		Type     string `json:"type"`
		SenderId string `json:"senderId"`
	}{MsgSenderDisconnected, senderId})
}

// CommandHistory snapshots one sender's history. An empty history still
// serializes as an empty array, clients replace their list wholesale.
func CommandHistory(senderId string, entries []CommandEntry) []byte {
	if entries == nil {
		entries = []CommandEntry{}
	}
	return marshal(struct {
		Type     string         `json:"type"`
		SenderId string         `json:"senderId"`
		Entries  []CommandEntry `json:"entries"`
	}{MsgCommandHistory, senderId, entries})
}

func NewCommandEntry(senderId string, entry CommandEntry) []byte {
	return marshal(struct {
		Type     string       `json:"type"`
		SenderId string       `json:"senderId"`
		Entry    CommandEntry `json:"entry"`
	}{MsgCommandEntry, senderId, entry})
}

// Command is the raw instruction forwarded to the sender device.
func Command(senderId, text string) []byte {
	return marshal(struct {
		Type     string `json:"type"`
		SenderId string `json:"senderId"`
		Text     string `json:"text"`
	}{MsgCommand, senderId, text})
}
