package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// InputSampleRate is the capture rate the remote endpoint expects.
	InputSampleRate = 16000
	// OutputSampleRate is the rate of synthesized partner audio.
	OutputSampleRate = 24000
	// CaptureBlockSize is the number of samples per captured frame.
	CaptureBlockSize = 4096
)

// Blob is one outbound audio chunk in the remote endpoint's wire format.
type Blob struct {
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
}

// PCMMIMEType returns the MIME type for raw PCM16LE at sampleRate.
func PCMMIMEType(sampleRate int) string {
	if sampleRate <= 0 {
		sampleRate = InputSampleRate
	}
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// EncodePCM16 quantizes float samples to 16-bit little-endian PCM.
// Samples are clamped to [-1, 1] first so extremes never wrap.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

func quantize(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

// DecodePCM16 converts 16-bit little-endian PCM to float samples in [-1, 1).
// A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out
}

// NewBlob encodes a captured block into the outbound wire format.
func NewBlob(samples []float32, sampleRate int) Blob {
	return Blob{
		Data:     base64.StdEncoding.EncodeToString(EncodePCM16(samples)),
		MIMEType: PCMMIMEType(sampleRate),
	}
}

// DecodeBase64PCM decodes a base64 PCM16 chunk from the remote endpoint.
func DecodeBase64PCM(data string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode pcm chunk: %w", err)
	}
	return pcm, nil
}

// DecodeFloat32LE decodes raw little-endian float32 samples, the frame format
// browsers hand us from the capture worklet.
func DecodeFloat32LE(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("float32 frame length %d is not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// EncodeFloat32LE is the inverse of DecodeFloat32LE.
func EncodeFloat32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// PeakLevel returns the maximum absolute sample value, capped at 1.
func PeakLevel(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		a := math.Abs(float64(s))
		if a > peak {
			peak = a
		}
	}
	if peak > 1 {
		peak = 1
	}
	return peak
}

// PCMDuration returns the playback length in seconds of mono PCM16 bytes.
func PCMDuration(pcm []byte, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(len(pcm)/2) / float64(sampleRate)
}
