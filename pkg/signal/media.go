package signal

import (
	"fmt"

	"github.com/pion/rtp"
)

// MediaPayloadType is the dynamic RTP payload type used for raw PCM
// frames between client and gateway.
const MediaPayloadType = 96

// EncodeSSRC packs a peer id and a media id into an RTP SSRC. Peer ids
// occupy the high 16 bits, so ids above 65535 wrap; the gateway assigns
// ids sequentially and never gets near that.
func EncodeSSRC(peerID uint64, mediaID uint16) uint32 {
	return uint32(peerID)<<16 | uint32(mediaID)
}

// DecodeSSRC is the inverse of EncodeSSRC.
func DecodeSSRC(ssrc uint32) (peerID uint64, mediaID uint16) {
	return uint64(ssrc >> 16), uint16(ssrc & 0xffff)
}

// MediaFrame is one PCM frame addressed to a peer's media stream.
// Payload holds little-endian 16-bit samples; Seq and Timestamp follow
// RTP conventions (timestamp advances by the sample count per frame).
type MediaFrame struct {
	PeerID    uint64
	MediaID   uint16
	Seq       uint16
	Timestamp uint32
	Payload   []byte
}

// Marshal packs the frame into an RTP packet.
func (f *MediaFrame) Marshal() ([]byte, error) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    MediaPayloadType,
			SequenceNumber: f.Seq,
			Timestamp:      f.Timestamp,
			SSRC:           EncodeSSRC(f.PeerID, f.MediaID),
		},
		Payload: f.Payload,
	}
	return pkt.Marshal()
}

// UnmarshalMediaFrame parses an RTP packet back into a frame.
func UnmarshalMediaFrame(data []byte) (*MediaFrame, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("unmarshal media frame: %w", err)
	}
	if pkt.PayloadType != MediaPayloadType {
		return nil, fmt.Errorf("unmarshal media frame: unexpected payload type %d", pkt.PayloadType)
	}
	peerID, mediaID := DecodeSSRC(pkt.SSRC)
	return &MediaFrame{
		PeerID:    peerID,
		MediaID:   mediaID,
		Seq:       pkt.SequenceNumber,
		Timestamp: pkt.Timestamp,
		Payload:   pkt.Payload,
	}, nil
}

// SeqLoss reports how many packets went missing between two
// consecutively received sequence numbers, accounting for uint16
// wraparound. Duplicates and reordered arrivals report zero.
func SeqLoss(prev, next uint16) int {
	delta := next - prev
	if delta == 0 || delta > 0x8000 {
		return 0
	}
	return int(delta) - 1
}
