package discord

import (
	"fmt"

	"github.com/MrWong99/soundlink/pkg/audio"
	"layeh.com/gopus"
)

// maxOpusPacket bounds a single encoded 20 ms packet.
const maxOpusPacket = 4000

// opusEncoder wraps a gopus encoder for the outbound stream. Discord voice
// expects 48 kHz stereo Opus in 20 ms packets, which is exactly the
// transport frame format.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(audio.SampleRate, audio.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode encodes one transport frame of PCM into an Opus packet.
func (e *opusEncoder) encode(pcm []byte) ([]byte, error) {
	if len(pcm) != audio.FrameBytes {
		return nil, fmt.Errorf("discord: opus encode: frame is %d bytes, want %d", len(pcm), audio.FrameBytes)
	}
	packet, err := e.enc.Encode(audio.PCMToSamples(pcm), audio.SamplesPerFrame, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return packet, nil
}
