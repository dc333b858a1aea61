package audio

// SamplesToPCM converts int16 samples to little-endian PCM bytes.
func SamplesToPCM(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// PCMToSamples converts little-endian PCM bytes to int16 samples. A trailing
// odd byte is ignored.
func PCMToSamples(b []byte) []int16 {
	s := make([]int16, len(b)/2)
	for i := range s {
		s[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return s
}
