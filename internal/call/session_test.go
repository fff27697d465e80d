package call

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/protocol"
)

func cand(s string) webrtc.ICECandidateInit { return webrtc.ICECandidateInit{Candidate: s} }

func TestCandidateKey(t *testing.T) {
	mid0, mid1 := "0", "1"
	idx0 := uint16(0)

	tests := []struct {
		name string
		a, b webrtc.ICECandidateInit
		same bool
	}{
		{"identical", cand("c"), cand("c"), true},
		{"different candidate", cand("c"), cand("d"), false},
		{"different mid", webrtc.ICECandidateInit{Candidate: "c", SDPMid: &mid0},
			webrtc.ICECandidateInit{Candidate: "c", SDPMid: &mid1}, false},
		{"mid vs none", webrtc.ICECandidateInit{Candidate: "c", SDPMid: &mid0}, cand("c"), false},
		{"same index", webrtc.ICECandidateInit{Candidate: "c", SDPMLineIndex: &idx0},
			webrtc.ICECandidateInit{Candidate: "c", SDPMLineIndex: &idx0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := candidateKey(tt.a) == candidateKey(tt.b); got != tt.same {
				t.Errorf("same key = %v, want %v", got, tt.same)
			}
		})
	}
}

func TestRemoteCandidateBuffer(t *testing.T) {
	s := newSession("c1", "bob", Outgoing, protocol.ModeAudio, 2)

	for _, c := range []string{"a", "b", "a"} {
		apply, err := s.addCandidate(cand(c))
		if err != nil || apply {
			t.Fatalf("addCandidate(%s) = %v, %v before remote description", c, apply, err)
		}
	}
	if _, err := s.addCandidate(cand("c")); !errors.Is(err, ErrCandidateOverflow) {
		t.Fatalf("third distinct candidate = %v, want ErrCandidateOverflow", err)
	}

	flushed := s.remoteApplied()
	if len(flushed) != 2 || flushed[0].Candidate != "a" || flushed[1].Candidate != "b" {
		t.Fatalf("flushed %v, want [a b] in receipt order", flushed)
	}
	if again := s.remoteApplied(); len(again) != 0 {
		t.Errorf("second flush returned %v", again)
	}

	// After the remote description, candidates apply directly and the cap
	// no longer matters.
	for _, c := range []string{"c", "d", "e"} {
		apply, err := s.addCandidate(cand(c))
		if err != nil || !apply {
			t.Fatalf("addCandidate(%s) = %v, %v after remote description", c, apply, err)
		}
	}
	if apply, _ := s.addCandidate(cand("a")); apply {
		t.Error("duplicate applied twice")
	}
}

func TestLocalCandidatesWaitForDescription(t *testing.T) {
	s := newSession("c1", "bob", Incoming, protocol.ModeVideo, 8)

	if s.queueLocal(cand("x")) || s.queueLocal(cand("y")) {
		t.Fatal("candidate released before the description was sent")
	}
	held := s.descriptionSent()
	if len(held) != 2 || held[0].Candidate != "x" || held[1].Candidate != "y" {
		t.Fatalf("held %v", held)
	}
	if !s.queueLocal(cand("z")) {
		t.Error("candidate held after the description was sent")
	}
}

func TestSessionInfoWithoutMedia(t *testing.T) {
	s := newSession("c1", "bob", Incoming, protocol.ModeVideo, 8)
	s.fire(EventRecvOffer)

	info := s.info()
	if info.State != Ringing || info.Direction != Incoming || info.Peer != "bob" {
		t.Errorf("info = %+v", info)
	}
	if info.AudioEnabled || info.VideoEnabled || info.Sharing {
		t.Errorf("media flags set without media: %+v", info)
	}
}
