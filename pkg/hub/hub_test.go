package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/vigilcam/vigil/pkg/api"
	"github.com/vigilcam/vigil/pkg/auth"
	"github.com/vigilcam/vigil/pkg/config"
	"github.com/vigilcam/vigil/pkg/logger"
	"github.com/vigilcam/vigil/pkg/storage"
	rtc "github.com/vigilcam/vigil/pkg/webrtc"
)

// fakeSock records every frame the hub writes to it.
type fakeSock struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

type frame struct {
	Type     string             `json:"type"`
	SenderId string             `json:"senderId"`
	ViewerId string             `json:"viewerId"`
	Sdp      string             `json:"sdp"`
	Label    string             `json:"label"`
	Text     string             `json:"text"`
	Count    *int               `json:"count"`
	Entry    *api.CommandEntry  `json:"entry"`
	Entries  []api.CommandEntry `json:"entries"`
}

func (f *fakeSock) Write(data []byte) {
	f.mu.Lock()
	f.frames = append(f.frames, data)
	f.mu.Unlock()
}

func (f *fakeSock) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSock) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSock) typed() []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]frame, 0, len(f.frames))
	for _, raw := range f.frames {
		var fr frame
		if err := json.Unmarshal(raw, &fr); err == nil {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeSock) count(msgType string) int {
	n := 0
	for _, fr := range f.typed() {
		if fr.Type == msgType {
			n++
		}
	}
	return n
}

// waitCount polls until msgType has been seen want times, then verifies
// the count is stable.
func (f *fakeSock) waitCount(t *testing.T, msgType string, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if f.count(msgType) >= want {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := f.count(msgType); got != want {
		t.Fatalf("expected %d %q frames, got %d", want, msgType, got)
	}
}

func newTestHub(t *testing.T, maxSenders int) *Hub {
	t.Helper()
	log := logger.Default()
	factory, err := rtc.NewApiFactory(config.Webrtc{}, log, nil)
	if err != nil {
		t.Fatalf("api factory: %v", err)
	}
	return New(log, factory, storage.NewMemory(), maxSenders)
}

func testSource() *rtc.Fanout {
	return rtc.NewFanout(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000})
}

func msg(t *testing.T, v map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestEachViewerGetsExactlyOneOfferPerSender(t *testing.T) {
	h := newTestHub(t, 4)
	senderSock := &fakeSock{}
	s := h.ConnectSender(senderSock, "")
	if s == nil || s.Id() != "1" {
		t.Fatalf("expected slot 1")
	}
	h.attachSource(s.Id(), testSource())

	v1Sock, v2Sock := &fakeSock{}, &fakeSock{}
	v1 := h.ConnectViewer(v1Sock, nil)
	v2 := h.ConnectViewer(v2Sock, nil)

	v1Sock.waitCount(t, api.MsgOffer, 1)
	v2Sock.waitCount(t, api.MsgOffer, 1)

	// Re-requesting the same pairs must be a no-op, the legs exist.
	h.mu.Lock()
	h.ensureRelayLocked(v1, h.senders["1"])
	h.ensureRelayLocked(v2, h.senders["1"])
	h.mu.Unlock()
	v1Sock.waitCount(t, api.MsgOffer, 1)
	v2Sock.waitCount(t, api.MsgOffer, 1)

	for _, fr := range v1Sock.typed() {
		if fr.Type == api.MsgOffer && fr.SenderId != "1" {
			t.Fatalf("offer tagged with wrong sender %q", fr.SenderId)
		}
	}
}

func TestNoRelayBeforeMedia(t *testing.T) {
	h := newTestHub(t, 4)
	s := h.ConnectSender(&fakeSock{}, "")
	vSock := &fakeSock{}
	h.ConnectViewer(vSock, nil)

	time.Sleep(100 * time.Millisecond)
	if got := vSock.count(api.MsgOffer); got != 0 {
		t.Fatalf("offer sent before the sender produced media")
	}

	h.attachSource(s.Id(), testSource())
	vSock.waitCount(t, api.MsgOffer, 1)
}

func TestSenderDisconnectTearsDownAndFreesSlot(t *testing.T) {
	h := newTestHub(t, 4)
	s := h.ConnectSender(&fakeSock{}, "")
	h.attachSource(s.Id(), testSource())
	v1Sock, v2Sock := &fakeSock{}, &fakeSock{}
	v1 := h.ConnectViewer(v1Sock, nil)
	v2 := h.ConnectViewer(v2Sock, nil)
	v1Sock.waitCount(t, api.MsgOffer, 1)
	v2Sock.waitCount(t, api.MsgOffer, 1)

	before1, before2 := len(v1Sock.typed()), len(v2Sock.typed())
	h.DisconnectSender("1")

	for _, tail := range []struct {
		sock *fakeSock
		from int
	}{{v1Sock, before1}, {v2Sock, before2}} {
		frames := tail.sock.typed()[tail.from:]
		historyAt, goneAt, gone := -1, -1, 0
		for i, fr := range frames {
			switch fr.Type {
			case api.MsgCommandHistory:
				if len(fr.Entries) != 0 {
					t.Fatalf("teardown history must be empty, got %d entries", len(fr.Entries))
				}
				historyAt = i
			case api.MsgSenderDisconnected:
				goneAt = i
				gone++
			}
		}
		if gone != 1 {
			t.Fatalf("expected exactly one disconnect notice, got %d", gone)
		}
		if historyAt < 0 || historyAt > goneAt {
			t.Fatalf("expected empty history before disconnect notice, got %v / %v", historyAt, goneAt)
		}
	}

	h.mu.Lock()
	legs := len(v1.legs) + len(v2.legs)
	h.mu.Unlock()
	if legs != 0 {
		t.Fatalf("viewer legs must be torn down, %d left", legs)
	}

	// The slot is free again and reused as the lowest one.
	s2 := h.ConnectSender(&fakeSock{}, "")
	if s2 == nil || s2.Id() != "1" {
		t.Fatalf("expected slot 1 to be reused")
	}
}

func TestSenderSlotsAreLowestFree(t *testing.T) {
	h := newTestHub(t, 4)
	for i := 1; i <= 3; i++ {
		s := h.ConnectSender(&fakeSock{}, "")
		if s == nil || s.Id() != fmt.Sprint(i) {
			t.Fatalf("expected slot %d", i)
		}
	}
	h.DisconnectSender("2")
	s := h.ConnectSender(&fakeSock{}, "")
	if s == nil || s.Id() != "2" {
		t.Fatalf("expected freed slot 2, got %v", s)
	}
}

func TestCapacityRejectionClosesSocketSilently(t *testing.T) {
	h := newTestHub(t, 1)
	if s := h.ConnectSender(&fakeSock{}, ""); s == nil {
		t.Fatalf("first sender must fit")
	}
	sock := &fakeSock{}
	if s := h.ConnectSender(sock, ""); s != nil {
		t.Fatalf("second sender must be rejected")
	}
	if !sock.isClosed() {
		t.Fatalf("rejected socket must be closed")
	}
	if len(sock.typed()) != 0 {
		t.Fatalf("rejection must not write anything")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.senders) != 1 {
		t.Fatalf("rejected sender must not be registered")
	}
}

func TestFailedLegDoesNotDisturbSiblings(t *testing.T) {
	h := newTestHub(t, 4)
	s := h.ConnectSender(&fakeSock{}, "")
	h.attachSource(s.Id(), testSource())
	v1Sock, v2Sock := &fakeSock{}, &fakeSock{}
	v1 := h.ConnectViewer(v1Sock, nil)
	v2 := h.ConnectViewer(v2Sock, nil)
	v1Sock.waitCount(t, api.MsgOffer, 1)
	v2Sock.waitCount(t, api.MsgOffer, 1)

	// Drop v1's leg the way a failed negotiation would.
	eg := h.leg(v1, "1")
	if eg == nil {
		t.Fatalf("expected a leg for v1")
	}
	h.dropLeg(v1.Id(), "1", eg)

	h.mu.Lock()
	v1Legs, v2Legs := len(v1.legs), len(v2.legs)
	h.mu.Unlock()
	if v1Legs != 0 {
		t.Fatalf("failed leg must be removed")
	}
	if v2Legs != 1 {
		t.Fatalf("sibling leg must survive")
	}

	// The pair can be re-established afterwards.
	h.mu.Lock()
	h.ensureRelayLocked(v1, h.senders["1"])
	h.mu.Unlock()
	v1Sock.waitCount(t, api.MsgOffer, 2)
}

func TestViewerCountBroadcast(t *testing.T) {
	h := newTestHub(t, 4)
	v1Sock, v2Sock := &fakeSock{}, &fakeSock{}
	h.ConnectViewer(v1Sock, nil)
	v2 := h.ConnectViewer(v2Sock, nil)

	last := func(sock *fakeSock) int {
		n := -1
		for _, fr := range sock.typed() {
			if fr.Type == api.MsgViewerCount && fr.Count != nil {
				n = *fr.Count
			}
		}
		return n
	}
	if got := last(v1Sock); got != 2 {
		t.Fatalf("expected count 2, got %d", got)
	}
	h.DisconnectViewer(v2.Id())
	if got := last(v1Sock); got != 1 {
		t.Fatalf("expected count 1 after leave, got %d", got)
	}
}

func TestViewerDisconnectOutOfOrder(t *testing.T) {
	h := newTestHub(t, 4)
	s := h.ConnectSender(&fakeSock{}, "")
	h.attachSource(s.Id(), testSource())
	vSock := &fakeSock{}
	v := h.ConnectViewer(vSock, nil)
	vSock.waitCount(t, api.MsgOffer, 1)

	h.DisconnectViewer(v.Id())
	// A second disconnect and late frames for the gone viewer are no-ops.
	h.DisconnectViewer(v.Id())
	h.HandleViewerMessage(v.Id(), msg(t, map[string]any{"type": "answer", "sdp": "x", "senderId": "1"}))

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.viewers) != 0 {
		t.Fatalf("viewer must be gone")
	}
	if h.senders["1"].source.Size() != 0 {
		t.Fatalf("fanout sink must be dropped with its viewer")
	}
}

func TestCommandFlow(t *testing.T) {
	h := newTestHub(t, 4)
	senderSock := &fakeSock{}
	h.ConnectSender(senderSock, "")
	vSock := &fakeSock{}
	v := h.ConnectViewer(vSock, &auth.Session{Username: "alice", Nickname: "Alice", Role: "operator"})

	// No senderId in the frame: with a single camera it is implied.
	h.HandleViewerMessage(v.Id(), msg(t, map[string]any{"type": "command", "text": "  lights on  "}))

	var entry *api.CommandEntry
	for _, fr := range vSock.typed() {
		if fr.Type == api.MsgCommandEntry {
			entry = fr.Entry
		}
	}
	if entry == nil {
		t.Fatalf("viewer got no command entry")
	}
	if entry.Text != "lights on" || entry.User != "Alice" || entry.UserUsername != "alice" || entry.UserRole != "operator" {
		t.Fatalf("unexpected entry %+v", entry)
	}

	// The camera gets both the enriched entry and the raw command.
	if senderSock.count(api.MsgCommandEntry) != 1 {
		t.Fatalf("sender got no command entry")
	}
	raw := false
	for _, fr := range senderSock.typed() {
		if fr.Type == api.MsgCommand && fr.Text == "lights on" && fr.SenderId == "1" {
			raw = true
		}
	}
	if !raw {
		t.Fatalf("sender got no raw command")
	}

	// A viewer joining later receives the history snapshot.
	lateSock := &fakeSock{}
	h.ConnectViewer(lateSock, nil)
	found := false
	for _, fr := range lateSock.typed() {
		if fr.Type == api.MsgCommandHistory && len(fr.Entries) == 1 && fr.Entries[0].Text == "lights on" {
			found = true
		}
	}
	if !found {
		t.Fatalf("late viewer got no history")
	}
}

func TestAnonymousViewerCannotCommand(t *testing.T) {
	h := newTestHub(t, 4)
	senderSock := &fakeSock{}
	h.ConnectSender(senderSock, "")
	v := h.ConnectViewer(&fakeSock{}, nil)
	h.HandleViewerMessage(v.Id(), msg(t, map[string]any{"type": "command", "text": "reboot"}))
	if senderSock.count(api.MsgCommand) != 0 {
		t.Fatalf("anonymous command must be dropped")
	}
}

func TestDeleteCommandRoleMatrix(t *testing.T) {
	cases := []struct {
		name    string
		session auth.Session
		target  api.CommandEntry
		allowed bool
	}{
		{"admin deletes anything",
			auth.Session{Username: "root", Role: auth.RoleAdmin},
			api.CommandEntry{Id: "1", User: "Bob", UserUsername: "bob", UserRole: "operator", Text: "x"},
			true},
		{"owner deletes own entry",
			auth.Session{Username: "bob", Role: "operator"},
			api.CommandEntry{Id: "1", User: "Bob", UserUsername: "bob", UserRole: "operator", Text: "x"},
			true},
		{"regular user cannot delete others",
			auth.Session{Username: "eve", Role: "operator"},
			api.CommandEntry{Id: "1", User: "Bob", UserUsername: "bob", UserRole: "operator", Text: "x"},
			false},
		{"manager deletes known non-admin",
			auth.Session{Username: "mgr", Role: auth.RoleManager},
			api.CommandEntry{Id: "1", User: "Bob", UserUsername: "bob", UserRole: "operator", Text: "x"},
			true},
		{"manager blocked on admin entry",
			auth.Session{Username: "mgr", Role: auth.RoleManager},
			api.CommandEntry{Id: "1", User: "Root", UserUsername: "root", UserRole: auth.RoleAdmin, Text: "x"},
			false},
		{"manager blocked on unknown author",
			auth.Session{Username: "mgr", Role: auth.RoleManager},
			api.CommandEntry{Id: "1", User: "Ghost", UserUsername: "ghost", Text: "x"},
			false},
		{"manager resolves role from the store",
			auth.Session{Username: "mgr", Role: auth.RoleManager},
			api.CommandEntry{Id: "1", User: "Carol", UserUsername: "carol", Text: "x"},
			true},
		{"manager deletes own entry regardless",
			auth.Session{Username: "mgr", Role: auth.RoleManager},
			api.CommandEntry{Id: "1", User: "Mgr", UserUsername: "mgr", Text: "x"},
			true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHub(t, 4)
			store := h.store.(*storage.Memory)
			store.SetRole("carol", "operator")
			h.ConnectSender(&fakeSock{}, "")
			vSock := &fakeSock{}
			v := h.ConnectViewer(vSock, &tc.session)
			h.mu.Lock()
			h.history["1"] = []api.CommandEntry{tc.target}
			h.mu.Unlock()

			h.HandleViewerMessage(v.Id(), msg(t, map[string]any{
				"type": "delete-command", "id": tc.target.Id, "senderId": "1",
			}))

			h.mu.Lock()
			left := len(h.history["1"])
			h.mu.Unlock()
			if tc.allowed && left != 0 {
				t.Fatalf("expected deletion, entry still present")
			}
			if !tc.allowed && left != 1 {
				t.Fatalf("expected rejection, entry deleted")
			}
		})
	}
}

func TestDeviceIdKeepsHistoryAcrossSlots(t *testing.T) {
	h := newTestHub(t, 4)
	h.ConnectSender(&fakeSock{}, "cam-A")
	v := h.ConnectViewer(&fakeSock{}, &auth.Session{Username: "alice", Role: "operator"})
	h.HandleViewerMessage(v.Id(), msg(t, map[string]any{"type": "command", "text": "hello"}))
	h.DisconnectSender("1")

	// Same device reconnects on a different slot: history follows it.
	h.ConnectSender(&fakeSock{}, "other")
	reSock := &fakeSock{}
	s := h.ConnectSender(reSock, "cam-A")
	if s.Id() != "2" {
		t.Fatalf("expected slot 2, got %s", s.Id())
	}
	found := false
	for _, fr := range reSock.typed() {
		if fr.Type == api.MsgCommandHistory && len(fr.Entries) == 1 && fr.Entries[0].Text == "hello" {
			found = true
		}
	}
	if !found {
		t.Fatalf("history did not follow the device id")
	}
}

func TestPoseLabelBroadcast(t *testing.T) {
	h := newTestHub(t, 4)
	senderSock := &fakeSock{}
	s := h.ConnectSender(senderSock, "")
	vSock := &fakeSock{}
	h.ConnectViewer(vSock, nil)

	// Too few landmarks: classified, broadcast as Unknown.
	h.HandleSenderMessage(s.Id(), msg(t, map[string]any{
		"type": "pose", "landmarks": [][]float64{{0.5, 0.5, 0}},
	}))
	for _, sock := range []*fakeSock{senderSock, vSock} {
		got := ""
		for _, fr := range sock.typed() {
			if fr.Type == api.MsgPoseLabel {
				got = fr.Label
			}
		}
		if got != "Unknown" {
			t.Fatalf("expected Unknown label, got %q", got)
		}
	}

	// A frame without landmarks is dropped entirely.
	h.HandleSenderMessage(s.Id(), msg(t, map[string]any{"type": "pose"}))
	if vSock.count(api.MsgPoseLabel) != 1 {
		t.Fatalf("landmark-less pose frame must be ignored")
	}
}
