package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FormatConverter converts frames to a target format. It logs once on the
// first format mismatch and once on the first misaligned payload.
// Create one per stream; not safe for concurrent use.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns frame in the target format. Matching frames are returned
// unchanged without allocating. A payload that is not a whole number of
// samples is dropped and an empty frame is returned.
func (c *FormatConverter) Convert(frame Frame) Frame {
	if frame.Channels <= 0 || len(frame.Data)%(2*frame.Channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: misaligned PCM payload, dropping frame",
				"bytes", len(frame.Data),
				"format", frame.Format().String(),
			)
		})
		frame.Data = nil
		frame.SampleRate, frame.Channels = c.Target.SampleRate, c.Target.Channels
		return frame
	}
	if frame.Format() == c.Target {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio: format mismatch, converting",
			"from", frame.Format().String(),
			"to", c.Target.String(),
		)
	})

	pcm, channels := frame.Data, c.Target.Channels
	switch {
	case frame.Channels == 1 && channels == 2:
		pcm = MonoToStereo(pcm)
	case frame.Channels == 2 && channels == 1:
		pcm = StereoToMono(pcm)
	case frame.Channels != channels:
		// Unsupported layouts keep their channel count; resampling still applies.
		channels = frame.Channels
	}
	pcm = Resample16(pcm, channels, frame.SampleRate, c.Target.SampleRate)

	frame.Data = pcm
	frame.SampleRate, frame.Channels = c.Target.SampleRate, channels
	return frame
}

// MonoToStereo duplicates each int16 mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		copy(out[i*2:], pcm[i:i+2])
		copy(out[i*2+2:], pcm[i:i+2])
	}
	return out
}

// StereoToMono averages each L+R pair into one int16 sample.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clamp16((l+r)/2)))
	}
	return out
}

// Resample16 resamples interleaved int16 PCM with the given channel count from
// srcRate to dstRate using linear interpolation. Equal or invalid rates return
// the input unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	stride := 2 * channels
	srcFrames := len(pcm) / stride
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	sample := func(frame, ch int) float64 {
		if frame >= srcFrames {
			frame = srcFrames - 1
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[frame*stride+ch*2:])))
	}

	out := make([]byte, dstFrames*stride)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		for ch := range channels {
			v := sample(idx, ch)*(1-frac) + sample(idx+1, ch)*frac
			binary.LittleEndian.PutUint16(out[i*stride+ch*2:], uint16(clamp16(int32(v))))
		}
	}
	return out
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
