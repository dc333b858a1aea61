package audio

import "time"

// Framer turns PCM of any supported format and chunk size into exact
// transport frames. Sequence numbers on its output increase strictly: exact
// transport-size input keeps its source number when that number is ahead of
// the last one issued, everything else is renumbered.
//
// A Framer is owned by a single goroutine.
type Framer struct {
	conv FormatConverter
	buf  []byte
	last uint64
	ts   time.Duration
}

// NewFramer returns a Framer producing [TransportFormat] frames.
func NewFramer() *Framer {
	return &Framer{conv: FormatConverter{Target: TransportFormat}}
}

// Push converts frame and returns every complete transport frame now
// available. Leftover samples are kept for the next call.
func (f *Framer) Push(frame Frame) []Frame {
	if frame.Silence {
		return []Frame{frame}
	}
	in := f.conv.Convert(frame)
	if len(in.Data) == 0 {
		return nil
	}

	if len(f.buf) == 0 && len(in.Data) == FrameBytes {
		seq := in.Seq
		if seq <= f.last {
			seq = f.last + 1
		}
		f.last = seq
		f.ts = in.Timestamp + FrameDuration
		in.Seq = seq
		return []Frame{in}
	}

	if len(f.buf) == 0 {
		f.ts = in.Timestamp
	}
	f.buf = append(f.buf, in.Data...)
	var out []Frame
	for len(f.buf) >= FrameBytes {
		f.last++
		data := make([]byte, FrameBytes)
		copy(data, f.buf)
		out = append(out, Frame{
			Seq:        f.last,
			Data:       data,
			SampleRate: SampleRate,
			Channels:   Channels,
			Timestamp:  f.ts,
		})
		f.ts += FrameDuration
		f.buf = f.buf[FrameBytes:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return out
}

// Buffered returns the number of PCM bytes waiting for a full frame.
func (f *Framer) Buffered() int { return len(f.buf) }

// Reset drops any partial frame, e.g. on a track change. Sequence numbering
// continues.
func (f *Framer) Reset() {
	f.buf = nil
}
