// Package cues maps call transitions to audio side effects: a looping
// outgoing tone while calling, a looping ring while an invitation is
// pending. Cue failures are swallowed; they never affect call state.
package cues

import (
	"math"
	"time"
)

// Audio format for generated tones
const (
	SampleRate = 8000
	amplitude  = 8000
)

// tone renders a sine at freq for the given duration as 16-bit LE mono
// PCM. A zero freq renders silence.
func tone(freq float64, d time.Duration) []byte {
	samples := int(float64(SampleRate) * d.Seconds())
	buf := make([]byte, samples*2)
	if freq == 0 {
		return buf
	}

	step := 2 * math.Pi * freq / float64(SampleRate)
	phase := 0.0
	for i := 0; i < samples; i++ {
		v := int16(math.Sin(phase) * amplitude)
		phase += step
		buf[i*2] = byte(v)
		buf[i*2+1] = byte(v >> 8)
	}
	return buf
}

// mix overlays two equal-length PCM buffers
func mix(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		va := int(int16(uint16(a[i]) | uint16(a[i+1])<<8))
		vb := int(int16(uint16(b[i]) | uint16(b[i+1])<<8))
		v := (va + vb) / 2
		out[i] = byte(v)
		out[i+1] = byte(v >> 8)
	}
	return out
}

// OutgoingTone is one cycle of the ringback heard while calling:
// 425Hz, one second on, four seconds off.
func OutgoingTone() []byte {
	return append(tone(425, time.Second), tone(0, 4*time.Second)...)
}

// IncomingTone is one cycle of the local ring for a pending
// invitation: a 440+480Hz dual tone, two seconds on, four off.
func IncomingTone() []byte {
	on := mix(tone(440, 2*time.Second), tone(480, 2*time.Second))
	return append(on, tone(0, 4*time.Second)...)
}
