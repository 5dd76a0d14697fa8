package audio

import (
	"encoding/binary"
	"fmt"
)

// Encoder turns PCM frames into transport packets.
type Encoder interface {
	Encode(frame []int16) ([]byte, error)
	Close() error
}

// Decoder turns transport packets back into PCM frames. Decode fills
// the provided frame buffer and returns the number of samples written.
type Decoder interface {
	Decode(packet []byte, frame []int16) (int, error)
	Close() error
}

// Codec creates encoder/decoder pairs for one media stream. The codec
// implementation (opus in production) is a boundary; this package only
// ships the uncompressed PCM codec used by the dev gateway and tests.
type Codec interface {
	Name() string
	NewEncoder() (Encoder, error)
	NewDecoder() (Decoder, error)
}

// PCM16Codec passes frames through as little-endian 16-bit samples.
type PCM16Codec struct{}

func (PCM16Codec) Name() string { return "pcm16" }

func (PCM16Codec) NewEncoder() (Encoder, error) { return &pcm16Encoder{}, nil }

func (PCM16Codec) NewDecoder() (Decoder, error) { return &pcm16Decoder{}, nil }

// NewPCM16Encoder returns a PCM encoder directly; unlike the generic
// Codec factory it cannot fail.
func NewPCM16Encoder() Encoder { return &pcm16Encoder{} }

// NewPCM16Decoder returns a PCM decoder directly.
func NewPCM16Decoder() Decoder { return &pcm16Decoder{} }

type pcm16Encoder struct{}

func (e *pcm16Encoder) Encode(frame []int16) ([]byte, error) {
	packet := make([]byte, len(frame)*2)
	for i, s := range frame {
		binary.LittleEndian.PutUint16(packet[i*2:], uint16(s))
	}
	return packet, nil
}

func (e *pcm16Encoder) Close() error { return nil }

type pcm16Decoder struct{}

func (d *pcm16Decoder) Decode(packet []byte, frame []int16) (int, error) {
	if len(packet)%2 != 0 {
		return 0, fmt.Errorf("pcm16: odd packet length %d", len(packet))
	}

	n := len(packet) / 2
	if n > len(frame) {
		return 0, fmt.Errorf("pcm16: packet holds %d samples, frame buffer holds %d", n, len(frame))
	}

	for i := 0; i < n; i++ {
		frame[i] = int16(binary.LittleEndian.Uint16(packet[i*2:]))
	}
	return n, nil
}

func (d *pcm16Decoder) Close() error { return nil }
