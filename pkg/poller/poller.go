// Package poller implements the incoming-call polling loop: one
// repeating timer, at most one request in flight, throttled against
// timer drift, with exponential backoff on consecutive errors.
package poller

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/velora/callkit/pkg/callerr"
	"github.com/velora/callkit/pkg/logger"
	"github.com/velora/callkit/pkg/metrics"
	"github.com/velora/callkit/pkg/signaling"
)

const (
	// DefaultBaseInterval is the tick cadence before backoff
	DefaultBaseInterval = 5 * time.Second

	// DefaultThrottleWindow is the minimum spacing between two poll
	// requests
	DefaultThrottleWindow = 3 * time.Second

	// DefaultBackoffCap bounds the backoff multiplier
	DefaultBackoffCap = 3.0
)

// IncomingClient is the slice of the signaling client the poller uses
type IncomingClient interface {
	PollIncoming(ctx context.Context) (signaling.IncomingResult, error)
}

// CycleState is the poller's bookkeeping. Owned exclusively by the run
// goroutine; Snapshot copies it for observation.
type CycleState struct {
	InFlight          bool
	LastCheckAt       time.Time
	ConsecutiveErrors int
}

// Config configures the incoming-call poller
type Config struct {
	Client IncomingClient

	// Eligible reports whether polling is currently allowed. Checked
	// every tick; polling suspends while it returns false.
	Eligible func() bool

	// View supplies the local call knowledge for echo suppression
	View func() LocalView

	// OnInvitation receives invitations that survived suppression
	OnInvitation func(ctx context.Context, inv signaling.Invitation)

	// OnSuppressed receives invitations filtered as echoes
	OnSuppressed func(inv signaling.Invitation, reason string)

	// OnCleared fires when the backend stops reporting the invitation
	// the client is ringing for
	OnCleared func(callID string)

	// OnSessionSuspended performs the hard client reset. The poller
	// stops itself before invoking it.
	OnSessionSuspended func()

	// OnUnauthenticated surfaces the login requirement. The poller
	// stops itself before invoking it.
	OnUnauthenticated func()

	BaseInterval   time.Duration
	ThrottleWindow time.Duration
	BackoffCap     float64

	Metrics *metrics.CallMetrics
	Logger  *logger.Logger
}

type pollOutcome struct {
	result signaling.IncomingResult
	err    error
}

// Poller owns the single incoming-call timer
type Poller struct {
	client   IncomingClient
	eligible func() bool
	view     func() LocalView

	onInvitation func(ctx context.Context, inv signaling.Invitation)
	onSuppressed func(inv signaling.Invitation, reason string)
	onCleared    func(callID string)
	onSuspended  func()
	onUnauth     func()

	base    time.Duration
	cap     float64
	limiter *rate.Limiter
	metrics *metrics.CallMetrics
	logger  *logger.Logger

	state       CycleState
	cancelPoll  context.CancelFunc
	wasEligible bool
	results     chan pollOutcome

	stateMu sync.Mutex

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  bool
	runMu    sync.Mutex
}

// New creates an incoming-call poller
func New(cfg Config) (*Poller, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("poller: client is required")
	}
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = DefaultBaseInterval
	}
	if cfg.ThrottleWindow <= 0 {
		cfg.ThrottleWindow = DefaultThrottleWindow
	}
	if cfg.BackoffCap < 1 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.Eligible == nil {
		cfg.Eligible = func() bool { return true }
	}
	if cfg.View == nil {
		cfg.View = func() LocalView { return LocalView{} }
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCallMetrics()
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Global().WithComponent("poller")
	}

	return &Poller{
		client:       cfg.Client,
		eligible:     cfg.Eligible,
		view:         cfg.View,
		onInvitation: cfg.OnInvitation,
		onSuppressed: cfg.OnSuppressed,
		onCleared:    cfg.OnCleared,
		onSuspended:  cfg.OnSessionSuspended,
		onUnauth:     cfg.OnUnauthenticated,
		base:         cfg.BaseInterval,
		cap:          cfg.BackoffCap,
		limiter:      rate.NewLimiter(rate.Every(cfg.ThrottleWindow), 1),
		metrics:      cfg.Metrics,
		logger:       log,
		wasEligible:  true,
		results:      make(chan pollOutcome, 1),
		stopChan:     make(chan struct{}),
	}, nil
}

// Start arms the poll timer
func (p *Poller) Start() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running {
		return
	}
	p.running = true

	p.wg.Add(1)
	go p.run()
}

// Stop disarms the timer and cancels any in-flight request
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}

// Snapshot returns a copy of the cycle state
func (p *Poller) Snapshot() CycleState {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

// Interval returns the current effective poll interval, growing with
// consecutive errors and bounded by the configured cap.
func (p *Poller) Interval() time.Duration {
	p.stateMu.Lock()
	errs := p.state.ConsecutiveErrors
	p.stateMu.Unlock()
	return p.intervalFor(errs)
}

func (p *Poller) intervalFor(errs int) time.Duration {
	multiplier := math.Min(1+0.5*float64(errs), p.cap)
	return time.Duration(float64(p.base) * multiplier)
}

func (p *Poller) run() {
	defer p.wg.Done()

	timer := time.NewTimer(p.Interval())
	defer timer.Stop()

	for {
		select {
		case <-p.stopChan:
			p.cancelInFlight()
			return

		case <-timer.C:
			p.tick()
			timer.Reset(p.Interval())

		case outcome := <-p.results:
			if !p.handleOutcome(outcome) {
				return
			}
		}
	}
}

// tick runs the per-fire decision chain: eligibility, single-flight,
// throttle, then issue.
func (p *Poller) tick() {
	eligible := p.eligible()
	if !eligible {
		if p.wasEligible {
			p.logger.Debug("polling suspended")
			p.cancelInFlight()
		}
		p.wasEligible = false
		p.metrics.RecordPollSkipped("ineligible")
		return
	}
	if !p.wasEligible {
		p.logger.Debug("polling resumed")
	}
	p.wasEligible = true

	p.stateMu.Lock()
	inFlight := p.state.InFlight
	p.stateMu.Unlock()
	if inFlight {
		p.metrics.RecordPollSkipped("in_flight")
		return
	}

	if !p.limiter.Allow() {
		p.metrics.RecordPollSkipped("throttled")
		return
	}

	p.cancelInFlight()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancelPoll = cancel

	p.stateMu.Lock()
	p.state.InFlight = true
	p.state.LastCheckAt = time.Now()
	p.stateMu.Unlock()

	go func() {
		result, err := p.client.PollIncoming(ctx)
		select {
		case p.results <- pollOutcome{result: result, err: err}:
		case <-p.stopChan:
		}
	}()
}

// handleOutcome consumes one finished poll. Returns false when the
// poller must stop itself.
func (p *Poller) handleOutcome(o pollOutcome) bool {
	p.stateMu.Lock()
	p.state.InFlight = false
	p.stateMu.Unlock()
	if p.cancelPoll != nil {
		p.cancelPoll()
		p.cancelPoll = nil
	}

	if o.err != nil {
		return p.handleError(o.err)
	}

	p.stateMu.Lock()
	p.state.ConsecutiveErrors = 0
	p.stateMu.Unlock()
	p.metrics.RecordPoll()
	p.metrics.UpdateBackoff(0, 1)

	view := p.view()

	if !o.result.HasIncoming || o.result.Invitation == nil {
		// The invitation we are ringing for is gone; the caller hung up
		if view.RingingCallID != "" && p.onCleared != nil {
			p.onCleared(view.RingingCallID)
		}
		return true
	}

	inv := *o.result.Invitation
	surface, reason := ShouldSurface(inv, view)
	if !surface {
		p.logger.Debug("suppressed incoming call",
			"call_id", inv.CallID, "reason", string(reason))
		p.metrics.RecordSuppressed(string(reason))
		if p.onSuppressed != nil {
			p.onSuppressed(inv, string(reason))
		}
		return true
	}

	p.logger.Info("incoming call",
		"call_id", inv.CallID, "caller_id", inv.Caller.ID)
	p.metrics.RecordSurfaced()
	if p.onInvitation != nil {
		p.onInvitation(context.Background(), inv)
	}
	return true
}

func (p *Poller) handleError(err error) bool {
	if callerr.IsUserCancelled(err) {
		return true
	}

	if callerr.IsSessionSuspended(err) {
		p.logger.Error("session suspended, resetting client state")
		if p.onSuspended != nil {
			p.onSuspended()
		}
		return false
	}

	if callerr.KindOf(err) == callerr.KindUnauthenticated {
		p.logger.Warn("poll unauthenticated, login required")
		if p.onUnauth != nil {
			p.onUnauth()
		}
		return false
	}

	p.stateMu.Lock()
	p.state.ConsecutiveErrors++
	errs := p.state.ConsecutiveErrors
	p.stateMu.Unlock()

	p.metrics.RecordPollError()
	p.metrics.UpdateBackoff(errs, math.Min(1+0.5*float64(errs), p.cap))
	p.logger.Warn("poll failed",
		"consecutive_errors", errs,
		"next_interval", p.intervalFor(errs).String(),
		"error", err)
	return true
}

func (p *Poller) cancelInFlight() {
	if p.cancelPoll != nil {
		p.cancelPoll()
		p.cancelPoll = nil
	}
}
