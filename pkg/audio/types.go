package audio

import "time"

// Transport format: every frame handed to a [Connection] is 20 ms of 48 kHz
// stereo signed 16-bit little-endian PCM.
const (
	SampleRate      = 48000
	Channels        = 2
	FrameDuration   = 20 * time.Millisecond
	SamplesPerFrame = SampleRate / 1000 * int(FrameDuration/time.Millisecond)
	FrameBytes      = SamplesPerFrame * Channels * 2
)

// TransportFormat is the PCM format every [Connection] accepts.
var TransportFormat = Format{SampleRate: SampleRate, Channels: Channels}

// Frame is one chunk of PCM audio moving from a backend to a voice channel.
type Frame struct {
	// Seq is the source sequence number. It increases strictly across real
	// frames of one backend session; silence frames carry zero.
	Seq uint64

	// PCM audio data, little-endian int16, interleaved.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Silence marks a frame synthesised to keep the transport clock running.
	Silence bool

	// Timestamp is the position of this frame within the current track.
	Timestamp time.Duration
}

// Format returns the frame's PCM format.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of the frame's PCM payload.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

var silence = make([]byte, FrameBytes)

// SilenceFrame returns a transport-format frame of digital silence. The
// payload is shared and must not be modified.
func SilenceFrame() Frame {
	return Frame{
		Data:       silence,
		SampleRate: SampleRate,
		Channels:   Channels,
		Silence:    true,
	}
}
