// Package audio converts Twilio media payloads into the PCM stream the
// transcription link expects.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync/atomic"
)

const (
	// TelephonySampleRate is the rate of Twilio media stream audio (G.711 µ-law).
	TelephonySampleRate = 8000
	// TranscriptionSampleRate is the pcm16 rate of the realtime transcription link.
	TranscriptionSampleRate = 24000
)

var (
	ErrDecode     = errors.New("audio: payload decode failed")
	ErrEmptyChunk = errors.New("audio: empty chunk")
)

// Bridge decodes µ-law chunks and resamples them to linear PCM16 LE.
// A Bridge belongs to one stream: it carries the last input sample and the
// interpolation phase between chunks so boundaries stay continuous.
// Convert must not be called concurrently; Stats may be.
type Bridge struct {
	inRate  int
	outRate int

	prev   int16
	primed bool
	pos    int // position of the next output sample, in 1/outRate input-sample units

	converted atomic.Int64
	dropped   atomic.Int64
}

// Stats reports how many chunks went through the bridge.
type Stats struct {
	Converted int64 `json:"converted"`
	Dropped   int64 `json:"dropped"`
}

// NewBridge returns a Bridge for 8kHz telephony audio into 24kHz PCM.
func NewBridge() *Bridge {
	return NewBridgeRates(TelephonySampleRate, TranscriptionSampleRate)
}

// NewBridgeRates returns a Bridge with explicit input and output rates.
func NewBridgeRates(inRate, outRate int) *Bridge {
	if inRate <= 0 {
		inRate = TelephonySampleRate
	}
	if outRate <= 0 {
		outRate = inRate
	}
	return &Bridge{inRate: inRate, outRate: outRate, pos: inRate}
}

// Convert decodes one base64 µ-law payload and returns resampled PCM16 LE.
// A payload that cannot be decoded is counted as dropped.
func (b *Bridge) Convert(payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		b.dropped.Add(1)
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(raw) == 0 {
		b.dropped.Add(1)
		return nil, ErrEmptyChunk
	}
	out := b.resample(DecodeMuLaw(raw))
	b.converted.Add(1)
	return PCM16Bytes(out), nil
}

// Stats returns converted/dropped counters.
func (b *Bridge) Stats() Stats {
	return Stats{Converted: b.converted.Load(), Dropped: b.dropped.Load()}
}

// Dropped returns the number of chunks that failed to decode.
func (b *Bridge) Dropped() int64 {
	return b.dropped.Load()
}

// resample linearly interpolates between consecutive samples. Positions are
// kept in integer units so an exact ratio (8k->24k) never drifts.
func (b *Bridge) resample(in []int16) []int16 {
	if b.inRate == b.outRate {
		return in
	}
	out := make([]int16, 0, len(in)*b.outRate/b.inRate+1)
	for _, cur := range in {
		if !b.primed {
			b.prev = cur
			b.primed = true
		}
		for b.pos <= b.outRate {
			v := int(b.prev) + (int(cur)-int(b.prev))*b.pos/b.outRate
			out = append(out, int16(v))
			b.pos += b.inRate
		}
		b.pos -= b.outRate
		b.prev = cur
	}
	return out
}

var muLawTable = func() [256]int16 {
	var t [256]int16
	for i := range t {
		t[i] = muLawToLinear(byte(i))
	}
	return t
}()

// DecodeMuLaw expands G.711 µ-law bytes to 16-bit linear samples.
func DecodeMuLaw(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, u := range in {
		out[i] = muLawTable[u]
	}
	return out
}

func muLawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + 0x84
	value <<= uint(exp)
	value -= 0x84
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// PCM16Bytes packs samples as little-endian 16-bit PCM.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

// PCM16Samples unpacks little-endian 16-bit PCM.
func PCM16Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	return out
}
