package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/velora/callkit/pkg/callerr"
	"github.com/velora/callkit/pkg/logger"
)

// Room is one media session. Connect and Disconnect bracket its
// lifetime; a room is never reused after Disconnect.
type Room interface {
	// Connect joins roomID publishing tracks for the selected devices
	Connect(ctx context.Context, roomID string, devices DeviceSelection) error

	// UnpublishAll stops and removes every locally published track
	UnpublishAll() error

	// Disconnect leaves the room. Idempotent.
	Disconnect() error

	// LocalDevices returns the device ids behind the published tracks
	LocalDevices() DeviceSelection

	// PeerLeft delivers peer ids reported as gone by the room. A
	// supplementary signal; explicit signaling stays authoritative.
	PeerLeft() <-chan string
}

// webrtcRoom publishes local tracks over a single peer connection,
// negotiated by posting the SDP offer to the room endpoint.
type webrtcRoom struct {
	engine   *Engine
	provider SourceProvider
	logger   *logger.Logger
	peerLeft chan string

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	senders     []*webrtc.RTPSender
	sources     []CaptureSource
	devices     DeviceSelection
	resourceURL string
	connected   bool
	closed      bool
	stopForward chan struct{}
	wg          sync.WaitGroup
}

type roomEvent struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
}

func (r *webrtcRoom) Connect(ctx context.Context, roomID string, devices DeviceSelection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return callerr.Invariant(callerr.DomainMedia, callerr.CodeHandoffOrdering,
			"connect on a torn-down room")
	}
	if r.connected {
		return callerr.Invariant(callerr.DomainMedia, callerr.CodeHandoffOrdering,
			"room already connected")
	}

	mic, err := r.provider.Open(devices.MicrophoneID, KindAudio)
	if err != nil {
		return fmt.Errorf("failed to open microphone: %w", err)
	}
	camera, err := r.provider.Open(devices.CameraID, KindVideo)
	if err != nil {
		mic.Close()
		return fmt.Errorf("failed to open camera: %w", err)
	}

	pc, err := r.engine.api.NewPeerConnection(r.engine.peerConfiguration())
	if err != nil {
		mic.Close()
		camera.Close()
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	cleanup := func() {
		pc.Close()
		mic.Close()
		camera.Close()
	}

	audioTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: r.engine.config.SampleRate,
			Channels:  r.engine.config.Channels,
		},
		"audio", "callkit-audio",
	)
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to create audio track: %w", err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		"video", "callkit-video",
	)
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to create video track: %w", err)
	}

	audioSender, err := pc.AddTrack(audioTrack)
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to add audio track: %w", err)
	}
	videoSender, err := pc.AddTrack(videoTrack)
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to add video track: %w", err)
	}

	// Room events arrive on a data channel the publisher opens
	events, err := pc.CreateDataChannel("events", nil)
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to create event channel: %w", err)
	}
	events.OnMessage(func(msg webrtc.DataChannelMessage) {
		var ev roomEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		if ev.Type == "peer_left" && ev.PeerID != "" {
			select {
			case r.peerLeft <- ev.PeerID:
			default:
			}
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to create offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		cleanup()
		return fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		cleanup()
		return callerr.Cancelled(callerr.DomainMedia).WithCause(ctx.Err())
	}

	answer, resourceURL, err := r.postOffer(ctx, roomID, pc.LocalDescription().SDP)
	if err != nil {
		cleanup()
		return err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		cleanup()
		return fmt.Errorf("failed to apply answer: %w", err)
	}

	r.pc = pc
	r.senders = []*webrtc.RTPSender{audioSender, videoSender}
	r.sources = []CaptureSource{mic, camera}
	r.devices = DeviceSelection{
		CameraID:     camera.DeviceID(),
		MicrophoneID: mic.DeviceID(),
	}
	r.resourceURL = resourceURL
	r.connected = true
	r.stopForward = make(chan struct{})

	r.forward(mic, audioTrack)
	r.forward(camera, videoTrack)
	r.drainRTCP(audioSender)
	r.drainRTCP(videoSender)

	r.logger.WithRoomID(roomID).Info("connected to room",
		"camera", r.devices.CameraID, "microphone", r.devices.MicrophoneID)
	return nil
}

// postOffer performs the SDP exchange with the room endpoint
func (r *webrtcRoom) postOffer(ctx context.Context, roomID, sdp string) (string, string, error) {
	url := strings.TrimRight(r.engine.config.MediaURL, "/") + "/rooms/" + roomID + "/whip"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(sdp))
	if err != nil {
		return "", "", fmt.Errorf("failed to build offer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	if r.engine.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.engine.config.Token)
	}

	resp, err := r.engine.client.Do(req)
	if err != nil {
		return "", "", callerr.Transient(callerr.DomainMedia, callerr.CodeTransport,
			"offer exchange failed").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", fmt.Errorf("failed to read answer: %w", err)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", "", callerr.Transient(callerr.DomainMedia, callerr.CodeBadStatus,
			fmt.Sprintf("room endpoint returned %s", resp.Status))
	}

	resource := resp.Header.Get("Location")
	if resource != "" && strings.HasPrefix(resource, "/") {
		resource = strings.TrimRight(r.engine.config.MediaURL, "/") + resource
	}
	return string(body), resource, nil
}

// forward pumps packets from a capture source into a local track
func (r *webrtcRoom) forward(src CaptureSource, track *webrtc.TrackLocalStaticRTP) {
	stop := r.stopForward
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			pkt, err := src.ReadPacket()
			if err != nil {
				return
			}
			if err := track.WriteRTP(pkt); err != nil {
				if err != io.ErrClosedPipe {
					r.logger.Debug("track write failed", "error", err)
				}
				return
			}
		}
	}()
}

// drainRTCP keeps the sender's report stream from blocking
func (r *webrtcRoom) drainRTCP(sender *webrtc.RTPSender) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (r *webrtcRoom) UnpublishAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unpublishLocked()
}

func (r *webrtcRoom) unpublishLocked() error {
	if r.stopForward != nil {
		close(r.stopForward)
		r.stopForward = nil
	}
	for _, src := range r.sources {
		src.Close()
	}
	r.sources = nil

	var firstErr error
	if r.pc != nil {
		for _, sender := range r.senders {
			if err := r.pc.RemoveTrack(sender); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	r.senders = nil
	return firstErr
}

func (r *webrtcRoom) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.connected = false

	r.unpublishLocked()

	// Best-effort release of the server-side resource
	if r.resourceURL != "" {
		req, err := http.NewRequest(http.MethodDelete, r.resourceURL, nil)
		if err == nil {
			if r.engine.config.Token != "" {
				req.Header.Set("Authorization", "Bearer "+r.engine.config.Token)
			}
			if resp, err := r.engine.client.Do(req); err != nil {
				r.logger.Debug("resource delete failed", "error", err)
			} else {
				resp.Body.Close()
			}
		}
		r.resourceURL = ""
	}

	if r.pc != nil {
		if err := r.pc.Close(); err != nil {
			r.logger.Debug("peer connection close failed", "error", err)
		}
		r.pc = nil
	}
	return nil
}

func (r *webrtcRoom) LocalDevices() DeviceSelection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices
}

func (r *webrtcRoom) PeerLeft() <-chan string {
	return r.peerLeft
}
