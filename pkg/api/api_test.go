package api

import (
	"strings"
	"testing"
)

// The dashboard replaces its command list wholesale, so an empty history
// must still carry an entries array, not omit it.
func TestCommandHistoryKeepsEmptyArray(t *testing.T) {
	got := string(CommandHistory("1", nil))
	if !strings.Contains(got, `"entries":[]`) {
		t.Fatalf("empty history must serialize an array: %s", got)
	}
}

// Sender-side candidates carry no senderId, viewer-side ones must.
func TestCandidateSenderTagging(t *testing.T) {
	c := Candidate{Candidate: "candidate:1"}
	if got := string(NewCandidate("", c)); strings.Contains(got, "senderId") {
		t.Fatalf("sender candidate must not be tagged: %s", got)
	}
	if got := string(NewCandidate("2", c)); !strings.Contains(got, `"senderId":"2"`) {
		t.Fatalf("viewer candidate must be tagged: %s", got)
	}
	// Absent mid and line index serialize as null, matching what browser
	// ICE stacks emit at end-of-candidates.
	if got := string(NewCandidate("", c)); !strings.Contains(got, `"sdpMid":null`) {
		t.Fatalf("missing mid must be null: %s", got)
	}
}

func TestUnmarshalDropsBrokenFrames(t *testing.T) {
	if _, ok := Unmarshal([]byte("{not json")); ok {
		t.Fatalf("broken frame must not parse")
	}
	m, ok := Unmarshal([]byte(`{"type":"offer","sdp":"v=0"}`))
	if !ok || m.Type != MsgOffer || m.Sdp != "v=0" {
		t.Fatalf("unexpected message %+v", m)
	}
}
