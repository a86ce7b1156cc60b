package media

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/velora/callkit/pkg/logger"
)

// EngineConfig holds configuration for the media engine
type EngineConfig struct {
	// ICE server URLs
	ICEServers []string

	// MediaURL is the room endpoint root the SDP offer is posted to
	MediaURL string

	// Token is the bearer credential for the room endpoint
	Token string

	// HTTPClient overrides the transport, mainly for tests
	HTTPClient *http.Client

	// Audio settings
	SampleRate  uint32
	Channels    uint16
	PayloadType uint8

	Logger *logger.Logger
}

// DefaultEngineConfig returns the default engine configuration
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ICEServers:  []string{"stun:stun.l.google.com:19302"},
		SampleRate:  48000,
		Channels:    1,
		PayloadType: 111,
	}
}

// Engine builds rooms. One webrtc.API is shared across all sessions;
// each room owns its own peer connection.
type Engine struct {
	config EngineConfig
	api    *webrtc.API
	client *http.Client
	logger *logger.Logger
}

// NewEngine creates a media engine with opus audio and VP8 video
// registered
func NewEngine(config EngineConfig) (*Engine, error) {
	if config.MediaURL == "" {
		return nil, fmt.Errorf("media: media URL is required")
	}
	if config.SampleRate == 0 {
		config.SampleRate = 48000
	}
	if config.Channels == 0 {
		config.Channels = 1
	}
	if config.PayloadType == 0 {
		config.PayloadType = 111
	}

	mediaEngine := &webrtc.MediaEngine{}

	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   config.SampleRate,
			Channels:    config.Channels,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: webrtc.PayloadType(config.PayloadType),
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register audio codec: %w", err)
	}

	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("failed to register video codec: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(webrtc.SettingEngine{}),
	)

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	log := config.Logger
	if log == nil {
		log = logger.Global().WithComponent("media")
	}

	return &Engine{
		config: config,
		api:    api,
		client: client,
		logger: log,
	}, nil
}

func (e *Engine) peerConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: e.config.ICEServers}},
	}
}

// NewRoom creates an unconnected room backed by the given capture
// provider
func (e *Engine) NewRoom(provider SourceProvider) Room {
	return &webrtcRoom{
		engine:   e,
		provider: provider,
		logger:   e.logger,
		peerLeft: make(chan string, 4),
	}
}
