package media

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// TrackKind distinguishes the two capture types
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// CaptureSource produces RTP packets for one local device
type CaptureSource interface {
	DeviceID() string
	Kind() TrackKind

	// ReadPacket blocks until the next packet is ready. Returns an
	// error once the source is closed.
	ReadPacket() (*rtp.Packet, error)

	Close() error
}

// SourceProvider opens capture sources by device id. An empty device id
// means the platform default.
type SourceProvider interface {
	Open(deviceID string, kind TrackKind) (CaptureSource, error)
}

// SyntheticProvider produces generated media: a sine tone for audio and
// empty keyframe padding for video. Stands in where no OS capture
// backend is wired, and drives tests.
type SyntheticProvider struct {
	// SampleRate for audio sources (default 48000)
	SampleRate uint32
}

// Open creates a synthetic source for the requested kind
func (p *SyntheticProvider) Open(deviceID string, kind TrackKind) (CaptureSource, error) {
	rate := p.SampleRate
	if rate == 0 {
		rate = 48000
	}

	switch kind {
	case KindAudio:
		return newSyntheticSource(deviceID, kind, rate, 20*time.Millisecond), nil
	case KindVideo:
		return newSyntheticSource(deviceID, kind, 90000, 33*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("media: unknown track kind %q", kind)
	}
}

// syntheticSource emits fixed-cadence RTP packets with a generated
// payload
type syntheticSource struct {
	deviceID  string
	kind      TrackKind
	clockRate uint32
	frame     time.Duration

	seq       uint16
	timestamp uint32
	ssrc      uint32
	phase     float64

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	ticker *time.Ticker
}

func newSyntheticSource(deviceID string, kind TrackKind, clockRate uint32, frame time.Duration) *syntheticSource {
	return &syntheticSource{
		deviceID:  deviceID,
		kind:      kind,
		clockRate: clockRate,
		frame:     frame,
		ssrc:      uint32(time.Now().UnixNano()),
		done:      make(chan struct{}),
		ticker:    time.NewTicker(frame),
	}
}

func (s *syntheticSource) DeviceID() string {
	return s.deviceID
}

func (s *syntheticSource) Kind() TrackKind {
	return s.kind
}

func (s *syntheticSource) ReadPacket() (*rtp.Packet, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("media: source closed")
	}
	ticker := s.ticker
	s.mu.Unlock()

	select {
	case <-ticker.C:
	case <-s.done:
		return nil, fmt.Errorf("media: source closed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("media: source closed")
	}

	s.seq++
	s.timestamp += uint32(float64(s.clockRate) * s.frame.Seconds())

	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: s.payload(),
	}, nil
}

func (s *syntheticSource) payload() []byte {
	if s.kind == KindVideo {
		return make([]byte, 128)
	}

	// 440Hz sine at 16-bit mono for the frame duration
	samples := int(float64(s.clockRate) * s.frame.Seconds())
	buf := make([]byte, samples*2)
	step := 2 * math.Pi * 440 / float64(s.clockRate)
	for i := 0; i < samples; i++ {
		v := int16(math.Sin(s.phase) * 8000)
		s.phase += step
		buf[i*2] = byte(v)
		buf[i*2+1] = byte(v >> 8)
	}
	return buf
}

func (s *syntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	s.ticker.Stop()
	return nil
}
