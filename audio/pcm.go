// Package audio handles the PCM side of a live session: encoding microphone
// samples for the wire, chunking them into fixed-size sends, and
// demultiplexing model audio into an ordered playback stream.
//
// Input audio is 16-bit little-endian mono at 16 kHz. Model audio arrives as
// 16-bit little-endian mono at 24 kHz.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Wire audio formats.
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000
	BytesPerSample   = 2

	// DefaultChunkSamples is 100ms of input audio.
	DefaultChunkSamples = InputSampleRate / 10

	InputMIMEType = "audio/pcm;rate=16000"
)

var (
	// ErrOddLength indicates PCM bytes that do not split into whole 16-bit samples.
	ErrOddLength = errors.New("pcm data length is not a multiple of 2 bytes")
	// ErrInvalidChunkSize indicates a non-positive chunk size.
	ErrInvalidChunkSize = errors.New("invalid chunk size: must be positive")
)

// EncodePCM16 converts samples to little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(s)) //nolint:gosec // PCM16 bit pattern
	}
	return out
}

// DecodePCM16 converts little-endian bytes to samples.
func DecodePCM16(data []byte) ([]int16, error) {
	if len(data)%BytesPerSample != 0 {
		return nil, ErrOddLength
	}
	out := make([]int16, len(data)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:])) //nolint:gosec // PCM16 bit pattern
	}
	return out, nil
}

// Chunk splits samples into consecutive slices of at most size samples.
// The last chunk may be shorter. The returned slices share memory with samples.
func Chunk(samples []int16, size int) ([][]int16, error) {
	if size <= 0 {
		return nil, ErrInvalidChunkSize
	}
	chunks := make([][]int16, 0, (len(samples)+size-1)/size)
	for start := 0; start < len(samples); start += size {
		end := min(start+size, len(samples))
		chunks = append(chunks, samples[start:end])
	}
	return chunks, nil
}

// Duration returns the playback length of n bytes of PCM16 mono at rate.
func Duration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(rate)
}

// Resample converts PCM16 samples between rates using linear interpolation.
// Capture sources that do not record at 16 kHz go through this before sending.
func Resample(input []int16, fromRate, toRate int) ([]int16, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: from=%d, to=%d", fromRate, toRate)
	}
	if fromRate == toRate || len(input) == 0 {
		out := make([]int16, len(input))
		copy(out, input)
		return out, nil
	}

	n := int(float64(len(input)) * float64(toRate) / float64(fromRate))
	out := make([]int16, n)
	ratio := float64(fromRate) / float64(toRate)
	last := len(input) - 1

	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = input[last]
			continue
		}
		frac := pos - float64(idx)
		s0, s1 := float64(input[idx]), float64(input[idx+1])
		out[i] = int16(s0 + frac*(s1-s0))
	}
	return out, nil
}
