package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/soundlink/pkg/audio"
	"github.com/google/go-cmp/cmp"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.MonoToStereo(samplesToBytes([]int16{100, -200, 300})))
	want := []int16{100, 100, -200, -200, 300, 300}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MonoToStereo mismatch (-want +got):\n%s", diff)
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []int16
		want []int16
	}{
		{name: "average", in: []int16{100, 200, -100, -200}, want: []int16{150, -150}},
		{name: "no overflow", in: []int16{32767, 32767}, want: []int16{32767}},
		{name: "negative extreme", in: []int16{-32768, -32768}, want: []int16{-32768}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := bytesToSamples(audio.StereoToMono(samplesToBytes(tt.in)))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("StereoToMono mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResample16(t *testing.T) {
	t.Parallel()

	t.Run("same rate is identity", func(t *testing.T) {
		t.Parallel()
		pcm := samplesToBytes([]int16{1, 2, 3, 4})
		if got := audio.Resample16(pcm, 2, 48000, 48000); len(got) != len(pcm) {
			t.Fatalf("len = %d, want %d", len(got), len(pcm))
		}
	})

	t.Run("upsample mono doubles length", func(t *testing.T) {
		t.Parallel()
		pcm := samplesToBytes([]int16{0, 100, 200, 300})
		got := bytesToSamples(audio.Resample16(pcm, 1, 24000, 48000))
		if len(got) != 8 {
			t.Fatalf("samples = %d, want 8", len(got))
		}
		if got[0] != 0 || got[1] != 50 || got[2] != 100 {
			t.Errorf("interpolation = %v, want 0,50,100,...", got[:3])
		}
	})

	t.Run("stereo keeps channels apart", func(t *testing.T) {
		t.Parallel()
		pcm := samplesToBytes([]int16{1000, -1000, 1000, -1000})
		got := bytesToSamples(audio.Resample16(pcm, 2, 24000, 48000))
		for i := 0; i < len(got); i += 2 {
			if got[i] != 1000 || got[i+1] != -1000 {
				t.Fatalf("frame %d = (%d,%d), want (1000,-1000)", i/2, got[i], got[i+1])
			}
		}
	})

	t.Run("invalid rate passes through", func(t *testing.T) {
		t.Parallel()
		pcm := samplesToBytes([]int16{1, 2})
		if got := audio.Resample16(pcm, 1, 0, 48000); len(got) != len(pcm) {
			t.Fatalf("len = %d, want %d", len(got), len(pcm))
		}
	})
}

func TestFormatConverter(t *testing.T) {
	t.Parallel()

	t.Run("matching format is untouched", func(t *testing.T) {
		t.Parallel()
		conv := audio.FormatConverter{Target: audio.TransportFormat}
		in := audio.Frame{Seq: 3, Data: make([]byte, audio.FrameBytes), SampleRate: 48000, Channels: 2}
		out := conv.Convert(in)
		if &out.Data[0] != &in.Data[0] || out.Seq != 3 {
			t.Error("expected the same frame back")
		}
	})

	t.Run("24k mono to transport format", func(t *testing.T) {
		t.Parallel()
		conv := audio.FormatConverter{Target: audio.TransportFormat}
		in := audio.Frame{Data: make([]byte, 480*2), SampleRate: 24000, Channels: 1}
		out := conv.Convert(in)
		if out.SampleRate != 48000 || out.Channels != 2 {
			t.Fatalf("format = %s, want 48000Hz stereo", out.Format())
		}
		if len(out.Data) != audio.FrameBytes {
			t.Errorf("len = %d, want %d", len(out.Data), audio.FrameBytes)
		}
	})

	t.Run("misaligned payload is dropped", func(t *testing.T) {
		t.Parallel()
		conv := audio.FormatConverter{Target: audio.TransportFormat}
		out := conv.Convert(audio.Frame{Data: make([]byte, 7), SampleRate: 48000, Channels: 2})
		if len(out.Data) != 0 {
			t.Errorf("len = %d, want 0", len(out.Data))
		}
	})
}

func TestFormatString(t *testing.T) {
	t.Parallel()
	tests := map[audio.Format]string{
		{SampleRate: 48000, Channels: 2}: "48000Hz stereo",
		{SampleRate: 16000, Channels: 1}: "16000Hz mono",
		{SampleRate: 44100, Channels: 6}: "44100Hz 6ch",
	}
	for f, want := range tests {
		if got := f.String(); got != want {
			t.Errorf("%#v.String() = %q, want %q", f, got, want)
		}
	}
}
