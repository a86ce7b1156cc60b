// Package signaling implements the HTTP/JSON client for the call
// signaling backend. Every operation is bounded by a request timeout
// and carries an explicit cancellation handle; starting a new request
// of the same kind cancels the previous one.
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velora/callkit/pkg/callerr"
	"github.com/velora/callkit/pkg/logger"
	"github.com/velora/callkit/pkg/metrics"
)

const (
	// DefaultTimeout bounds every signaling request
	DefaultTimeout = 8 * time.Second

	// maxResponseBytes caps how much of a response body is read
	maxResponseBytes = 1 << 20

	pathStart         = "/call/start"
	pathAnswer        = "/call/answer"
	pathCancel        = "/call/cancel"
	pathCheckIncoming = "/call/check-incoming"
	pathStatus        = "/call/status"
	pathBalance       = "/call/balance"
	pathRoomEnded     = "/call/room-ended"
)

// opKind keys the per-operation cancellation handles
type opKind string

const (
	opStart     opKind = "start"
	opAnswer    opKind = "answer"
	opCancel    opKind = "cancel"
	opIncoming  opKind = "incoming"
	opStatus    opKind = "status"
	opRoomEnded opKind = "room-ended"
)

// ClientConfig configures the signaling client
type ClientConfig struct {
	// BaseURL is the backend root, e.g. https://api.example.com/v1
	BaseURL string

	// Token is the bearer credential presented on every request
	Token string

	// Timeout bounds each request (default 8s)
	Timeout time.Duration

	// HTTPClient overrides the transport, mainly for tests
	HTTPClient *http.Client

	// Metrics collects per-operation round-trip timings
	Metrics *metrics.CallMetrics

	// Logger for request-level logging
	Logger *logger.Logger
}

// Client issues the signaling operations against the backend. It holds
// no call state of its own beyond the per-operation cancellation
// handles.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	metrics *metrics.CallMetrics
	logger  *logger.Logger

	mu      sync.Mutex
	pending map[opKind]context.CancelFunc
}

// NewClient creates a signaling client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("signaling: base URL is required")
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCallMetrics()
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Global().WithComponent("signaling")
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  httpClient,
		metrics: cfg.Metrics,
		logger:  log,
		pending: make(map[opKind]context.CancelFunc),
	}, nil
}

// SetToken replaces the bearer credential, e.g. after re-login
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Start requests an outgoing call to calleeID. The balance pre-check is
// advisory: an unreachable balance endpoint never blocks the call, only
// an explicit insufficient answer does.
func (c *Client) Start(ctx context.Context, calleeID string, callType CallType) (StartResult, error) {
	if calleeID == "" {
		return StartResult{}, callerr.New(callerr.DomainSignaling, callerr.CodeBadPayload,
			callerr.KindRejected, "callee id is empty")
	}

	if sufficient, err := c.checkBalance(ctx); err != nil {
		c.logger.Debug("balance pre-check unavailable, proceeding", "error", err)
	} else if !sufficient {
		return StartResult{}, callerr.New(callerr.DomainSignaling, callerr.CodeInsufficientBalance,
			callerr.KindRejected, "insufficient balance for call")
	}

	var resp startResponse
	err := c.doJSON(ctx, opStart, http.MethodPost, pathStart,
		startRequest{ReceiverID: calleeID, CallType: string(callType)}, &resp)
	if err != nil {
		return StartResult{}, err
	}
	if !resp.Success || resp.CallID == "" {
		return StartResult{}, callerr.New(callerr.DomainSignaling, callerr.CodeBadPayload,
			callerr.KindTransient, "start rejected without error envelope")
	}

	return StartResult{CallID: resp.CallID, RoomName: resp.RoomName}, nil
}

// Answer accepts or rejects the incoming call callID
func (c *Client) Answer(ctx context.Context, callID string, accept bool) (AnswerResult, error) {
	action := "reject"
	if accept {
		action = "accept"
	}

	var resp answerResponse
	err := c.doJSON(ctx, opAnswer, http.MethodPost, pathAnswer,
		answerRequest{CallID: callID, Action: action}, &resp)
	if err != nil {
		return AnswerResult{}, err
	}
	if accept && (!resp.Success || resp.RoomName == "") {
		return AnswerResult{}, callerr.New(callerr.DomainSignaling, callerr.CodeBadPayload,
			callerr.KindTransient, "answer accepted without room name")
	}

	return AnswerResult{RoomName: resp.RoomName, Caller: resp.Caller}, nil
}

// Cancel withdraws the outgoing call callID. Best-effort: the caller is
// expected to log a failure, never to block on it.
func (c *Client) Cancel(ctx context.Context, callID string) error {
	var resp cancelResponse
	err := c.doJSON(ctx, opCancel, http.MethodPost, pathCancel,
		cancelRequest{CallID: callID}, &resp)
	if err != nil {
		c.logger.Warn("cancel request failed", "call_id", callID, "error", err)
		return err
	}
	return nil
}

// PollIncoming asks the backend whether a call is waiting for the local
// user
func (c *Client) PollIncoming(ctx context.Context) (IncomingResult, error) {
	var resp checkIncomingResponse
	err := c.doJSON(ctx, opIncoming, http.MethodGet, pathCheckIncoming, nil, &resp)
	if err != nil {
		return IncomingResult{}, err
	}

	if !resp.HasIncoming || resp.IncomingCall == nil {
		return IncomingResult{HasIncoming: false}, nil
	}
	return IncomingResult{HasIncoming: true, Invitation: resp.IncomingCall}, nil
}

// PollStatus fetches the backend's view of callID. An unknown or absent
// status means the call is still pending.
func (c *Client) PollStatus(ctx context.Context, callID string) (Status, error) {
	var resp statusResponse
	err := c.doJSON(ctx, opStatus, http.MethodPost, pathStatus,
		statusRequest{CallID: callID}, &resp)
	if err != nil {
		return StatusCalling, err
	}
	return normalizeStatus(resp.Call.Status), nil
}

// RoomEnded tells the backend the local user left roomID. Fire-and-forget
// from teardown; the backend reconciles on its own if this is lost.
func (c *Client) RoomEnded(ctx context.Context, roomID string) error {
	payload, err := json.Marshal(roomEndedRequest{RoomName: roomID})
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, pathRoomEnded, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return c.transportError(ctx, opRoomEnded, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode != http.StatusOK {
		return callerr.Newf(callerr.DomainSignaling, callerr.CodeBadStatus,
			callerr.KindTransient, "room-ended returned %s", resp.Status)
	}
	return nil
}

// CancelPending cancels any in-flight request of every kind. Used on
// teardown and when the poller is disarmed.
func (c *Client) CancelPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for kind, cancel := range c.pending {
		cancel()
		delete(c.pending, kind)
	}
}

// checkBalance is the advisory pre-call balance probe
func (c *Client) checkBalance(ctx context.Context) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, pathBalance, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("balance endpoint returned %s", resp.Status)
	}

	var body balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Sufficient, nil
}

// beginOp registers a fresh cancellation handle for kind, cancelling
// any still-pending previous request of the same kind first.
func (c *Client) beginOp(ctx context.Context, kind opKind) (context.Context, context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.pending[kind]; ok {
		prev()
	}

	opCtx, cancel := context.WithCancel(ctx)
	c.pending[kind] = cancel
	return opCtx, cancel
}

func (c *Client) endOp(kind opKind, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel()
	delete(c.pending, kind)
}

// doJSON performs one request/response round trip and maps failures
// onto the typed error taxonomy.
func (c *Client) doJSON(ctx context.Context, kind opKind, method, path string, reqBody, respBody interface{}) error {
	opCtx, cancel := c.beginOp(ctx, kind)
	defer c.endOp(kind, cancel)

	var payload io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return callerr.New(callerr.DomainSignaling, callerr.CodeBadPayload,
				callerr.KindTransient, "failed to encode request").WithCause(err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := c.newRequest(opCtx, method, path, payload)
	if err != nil {
		return callerr.New(callerr.DomainSignaling, callerr.CodeTransport,
			callerr.KindTransient, "failed to build request").WithCause(err)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return c.transportError(opCtx, kind, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return callerr.Transient(callerr.DomainSignaling, callerr.CodeTransport,
			"failed to read response").WithCause(err)
	}

	c.metrics.RecordSignalingDuration(string(kind), time.Since(start))
	c.logger.Debug("signaling request",
		"op", string(kind),
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp.StatusCode, data)
	}

	if respBody != nil {
		if err := json.Unmarshal(data, respBody); err != nil {
			return callerr.Transient(callerr.DomainSignaling, callerr.CodeBadPayload,
				"failed to parse response").WithCause(err)
		}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// transportError classifies a failed round trip: deliberate
// cancellation is expected, everything else is transient.
func (c *Client) transportError(ctx context.Context, kind opKind, err error) error {
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return callerr.Cancelled(callerr.DomainSignaling).WithCause(err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return callerr.Transient(callerr.DomainSignaling, callerr.CodeTimeout,
			fmt.Sprintf("%s request timed out", kind)).WithCause(err)
	}

	return callerr.Transient(callerr.DomainSignaling, callerr.CodeTransport,
		fmt.Sprintf("%s request failed", kind)).WithCause(err)
}

// statusError maps a non-200 response onto the taxonomy. A 401/403
// carrying the session-suspended code demands a full client reset.
func (c *Client) statusError(status int, body []byte) error {
	var envelope errorResponse
	_ = json.Unmarshal(body, &envelope)

	msg := envelope.Error
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if envelope.Code == "session_suspended" {
			return callerr.SessionSuspended(callerr.DomainSignaling, msg)
		}
		return callerr.Unauthenticated(callerr.DomainSignaling, msg)

	case status == http.StatusPaymentRequired || envelope.Code == "insufficient_balance":
		return callerr.New(callerr.DomainSignaling, callerr.CodeInsufficientBalance,
			callerr.KindRejected, msg)

	case status == http.StatusNotFound:
		return callerr.New(callerr.DomainSignaling, callerr.CodeCallNotFound,
			callerr.KindRejected, msg)

	case status >= 500:
		return callerr.Transient(callerr.DomainSignaling, callerr.CodeBadStatus,
			fmt.Sprintf("server error %d: %s", status, msg))

	default:
		return callerr.New(callerr.DomainSignaling, callerr.CodeBadStatus,
			callerr.KindRejected, fmt.Sprintf("unexpected status %d: %s", status, msg))
	}
}
