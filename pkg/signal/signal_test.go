package signal

import (
	"bytes"
	"testing"
)

func TestEncodeDecode_JoinAccept(t *testing.T) {
	accept := JoinAccept{
		RoomID:   "lobby",
		PeerID:   7,
		RoomData: []byte("motd"),
		Peers: []PeerSnapshot{
			{PeerID: 3, UserID: "bob", Medias: []uint16{1}},
			{PeerID: 5, UserID: "eve"},
		},
	}

	data, err := Encode(TypeJoinAccept, accept)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := DecodeMessage(data)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != TypeJoinAccept {
		t.Fatalf("expected type %q, got %q", TypeJoinAccept, msg.Type)
	}

	var got JoinAccept
	if err := msg.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.PeerID != 7 || got.RoomID != "lobby" {
		t.Errorf("unexpected accept: %+v", got)
	}
	if len(got.Peers) != 2 || got.Peers[0].PeerID != 3 || got.Peers[0].UserID != "bob" {
		t.Errorf("unexpected peers: %+v", got.Peers)
	}
	if len(got.Peers[0].Medias) != 1 || got.Peers[0].Medias[0] != 1 {
		t.Errorf("unexpected medias: %+v", got.Peers[0].Medias)
	}
}

func TestDecodeMessage_Errors(t *testing.T) {
	if _, err := DecodeMessage([]byte("not json")); err == nil {
		t.Error("expected error for invalid json")
	}
	if _, err := DecodeMessage([]byte(`{"payload":{}}`)); err == nil {
		t.Error("expected error for missing type")
	}

	msg := &Message{Type: TypePeerLeft}
	var payload PeerLeftPayload
	if err := msg.Decode(&payload); err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestSSRC_RoundTrip(t *testing.T) {
	cases := []struct {
		peerID  uint64
		mediaID uint16
	}{
		{0, 0},
		{7, 1},
		{65535, 65535},
		{1, 256},
	}
	for _, tc := range cases {
		ssrc := EncodeSSRC(tc.peerID, tc.mediaID)
		peerID, mediaID := DecodeSSRC(ssrc)
		if peerID != tc.peerID || mediaID != tc.mediaID {
			t.Errorf("ssrc round trip (%d,%d) -> %d -> (%d,%d)",
				tc.peerID, tc.mediaID, ssrc, peerID, mediaID)
		}
	}
}

func TestMediaFrame_RoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	frame := &MediaFrame{
		PeerID:    9,
		MediaID:   2,
		Seq:       1000,
		Timestamp: 960 * 5,
		Payload:   payload,
	}

	data, err := frame.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	got, err := UnmarshalMediaFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.PeerID != 9 || got.MediaID != 2 {
		t.Errorf("expected media 2 of peer 9, got media %d of peer %d", got.MediaID, got.PeerID)
	}
	if got.Seq != 1000 || got.Timestamp != 960*5 {
		t.Errorf("unexpected seq %d ts %d", got.Seq, got.Timestamp)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("payload mismatch: %v", got.Payload)
	}
}

func TestSeqLoss(t *testing.T) {
	cases := []struct {
		prev, next uint16
		want       int
	}{
		{10, 11, 0},   // consecutive
		{10, 14, 3},   // gap
		{10, 10, 0},   // duplicate
		{14, 10, 0},   // reorder
		{65535, 0, 0}, // wraparound, consecutive
		{65534, 2, 3}, // wraparound, gap
	}
	for _, tc := range cases {
		if got := SeqLoss(tc.prev, tc.next); got != tc.want {
			t.Errorf("SeqLoss(%d, %d) = %d, want %d", tc.prev, tc.next, got, tc.want)
		}
	}
}
