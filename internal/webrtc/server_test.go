package webrtc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
)

func TestHandleOffer_RejectsInvalidOffer(t *testing.T) {
	s := NewServer(nil, 1, nil)
	defer s.Close()

	for _, body := range []string{`not json`, `{"type":"answer","sdp":"v=0"}`, `{"type":"offer"}`} {
		if _, err := s.HandleOffer([]byte(body)); err == nil {
			t.Errorf("expected error for %s", body)
		}
	}
	if s.GetClientCount() != 0 {
		t.Errorf("expected no clients, got %d", s.GetClientCount())
	}
}

func TestDataChannel_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("opens local UDP sockets")
	}

	received := make(chan ControlMessage, 1)
	s := NewServer(nil, 1, func(msg ControlMessage) { received <- msg })
	defer s.Close()

	browser, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("peer: %v", err)
	}
	defer browser.Close()

	dc, err := browser.CreateDataChannel(ChannelLabel, nil)
	if err != nil {
		t.Fatalf("data channel: %v", err)
	}
	status := make(chan string, 4)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { status <- string(msg.Data) })
	dc.OnOpen(func() {
		_ = dc.SendText(`{"type":"visibility","hidden":true}`)
	})

	offer, err := browser.CreateOffer(nil)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(browser)
	if err := browser.SetLocalDescription(offer); err != nil {
		t.Fatalf("local description: %v", err)
	}
	<-gathered

	offerJSON, _ := json.Marshal(browser.LocalDescription())
	answerJSON, err := s.HandleOffer(offerJSON)
	if err != nil {
		t.Fatalf("handle offer: %v", err)
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(answerJSON, &answer); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := browser.SetRemoteDescription(answer); err != nil {
		t.Fatalf("remote description: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != "visibility" || msg.Hidden == nil || !*msg.Hidden {
			t.Errorf("unexpected control message %+v", msg)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for control message")
	}

	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for waiting := true; waiting; {
		s.Broadcast([]byte(`{"status":"active"}`))
		select {
		case got := <-status:
			if got != `{"status":"active"}` {
				t.Errorf("unexpected status payload %q", got)
			}
			waiting = false
		case <-ticker.C:
		case <-deadline:
			t.Fatal("timed out waiting for status push")
		}
	}

	if _, err := s.HandleOffer(offerJSON); err == nil {
		t.Error("expected client limit to be enforced")
	}
}
