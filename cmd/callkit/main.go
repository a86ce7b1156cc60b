// callkit - call session client
//
// Runs the incoming-call poller, the call state machine, and the media
// hand-off against a signaling backend, with an interactive console for
// placing and answering calls.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/velora/callkit/pkg/call"
	"github.com/velora/callkit/pkg/config"
	"github.com/velora/callkit/pkg/cues"
	"github.com/velora/callkit/pkg/eventbus"
	"github.com/velora/callkit/pkg/logger"
	"github.com/velora/callkit/pkg/media"
	"github.com/velora/callkit/pkg/metrics"
	"github.com/velora/callkit/pkg/poller"
	"github.com/velora/callkit/pkg/qr"
	"github.com/velora/callkit/pkg/signaling"
	"github.com/velora/callkit/pkg/state"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

const opTimeout = 15 * time.Second

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("callkit %s (built %s)\n", version, buildTime)
		return
	}

	switch flag.Arg(0) {
	case "init":
		runInit(*configPath)
		return
	case "validate":
		runValidate(*configPath)
		return
	case "", "run":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flag.Arg(0))
		fmt.Fprintln(os.Stderr, "usage: callkit [-config path] [run|init|validate]")
		os.Exit(2)
	}

	cfg := config.LoadOrDie(*configPath)
	if err := logger.Initialize(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log := logger.Global().WithComponent("main")

	if err := run(cfg); err != nil {
		log.Error("callkit exited with error", "error", err)
		os.Exit(1)
	}
}

func runInit(path string) {
	if path == "" {
		path = config.ConfigPaths()[1]
	}
	if err := config.GenerateExampleConfig(path); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write example config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote example configuration to %s\n", path)
}

func runValidate(path string) {
	if _, err := config.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Configuration OK")
}

func run(cfg *config.Config) error {
	log := logger.Global().WithComponent("main")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := state.Open(cfg.State.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	token, err := resolveToken(ctx, cfg, store)
	if err != nil {
		return err
	}

	callMetrics := metrics.NewCallMetrics()
	metrics.Register()

	client, err := signaling.NewClient(signaling.ClientConfig{
		BaseURL: cfg.Signaling.BaseURL,
		Token:   token,
		Timeout: cfg.Signaling.RequestTimeout.Std(),
		Metrics: callMetrics,
	})
	if err != nil {
		return err
	}

	mediaURL := cfg.Media.URL
	if mediaURL == "" {
		mediaURL = cfg.Signaling.BaseURL
	}
	engineCfg := media.DefaultEngineConfig()
	engineCfg.ICEServers = cfg.Media.ICEServers
	engineCfg.MediaURL = mediaURL
	engineCfg.Token = token
	engine, err := media.NewEngine(engineCfg)
	if err != nil {
		return fmt.Errorf("failed to build media engine: %w", err)
	}

	devices, err := store.Devices(ctx)
	if err != nil {
		return err
	}
	if devices.Empty() {
		devices = media.DeviceSelection{
			CameraID:     cfg.Media.CameraID,
			MicrophoneID: cfg.Media.MicrophoneID,
		}
	}

	provider := &media.SyntheticProvider{}
	handoff, err := media.NewHandoff(media.HandoffConfig{
		Factory:  func() media.Room { return engine.NewRoom(provider) },
		Store:    store,
		Notifier: client,
		Devices:  devices,
		Metrics:  callMetrics,
	})
	if err != nil {
		return err
	}

	bus := eventbus.New(eventbus.Config{
		WebSocketEnabled: cfg.Events.Enabled,
		WebSocketAddr:    cfg.Events.Addr,
		WebSocketPath:    cfg.Events.Path,
	})
	if err := bus.Start(); err != nil {
		return err
	}
	defer bus.Stop()

	// Assembled below; the reset hook closes over the machine.
	var machine *call.Machine

	hardReset := func() {
		log.Warn("session suspended by backend, resetting client state")
		bus.Publish(eventbus.SuspendedEvent())
		client.CancelPending()
		resetCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if machine != nil {
			machine.Reset(resetCtx)
		}
		if err := store.Reset(); err != nil {
			log.Error("state reset failed", "error", err)
		}
	}

	machine, err = call.NewMachine(call.MachineConfig{
		Signaler:           client,
		Media:              handoff,
		StatusPollInterval: cfg.Call.StatusPollInterval.Std(),
		OnSessionSuspended: hardReset,
		OnUnauthenticated: func() {
			log.Error("credential rejected, sign in again and restart")
		},
	})
	if err != nil {
		return err
	}
	defer machine.Close()

	machine.AddListener(bus.Listener())
	machine.AddListener(func(t call.Transition) {
		callMetrics.RecordTransition(string(t.From), string(t.To))
	})

	var player *cues.ExecPlayer
	if cfg.Cues.Enabled {
		player, err = cues.NewExecPlayer(cfg.Cues.PlayerCommand, nil)
		if err != nil {
			return err
		}
		defer player.Close()
	}
	cueMgr := cues.NewManager(cues.Config{
		Enabled:       cfg.Cues.Enabled,
		NotifyCommand: cfg.Cues.NotifyCommand,
		Player:        player,
	})
	machine.AddListener(cueMgr.Listener())

	incoming, err := poller.New(poller.Config{
		Client:   client,
		Eligible: func() bool { return !machine.InActiveCall() },
		View: func() poller.LocalView {
			view := poller.LocalView{
				LocalUserID:   cfg.Signaling.UserID,
				RingingCallID: machine.Ringing(),
			}
			if s := machine.Current(); s.Role == call.RoleCaller && s.State.Live() {
				view.OutgoingCallID = s.ID
			}
			return view
		},
		OnInvitation: func(ctx context.Context, inv signaling.Invitation) {
			bus.Publish(eventbus.IncomingEvent(inv))
			machine.ReceiveInvitation(ctx, inv)
		},
		OnSuppressed: func(inv signaling.Invitation, reason string) {
			bus.Publish(eventbus.SuppressedEvent(inv, reason))
		},
		OnCleared:          machine.ClearInvitation,
		OnSessionSuspended: hardReset,
		OnUnauthenticated: func() {
			log.Error("credential rejected, sign in again and restart")
		},
		BaseInterval:   cfg.Poller.BaseInterval.Std(),
		ThrottleWindow: cfg.Poller.ThrottleWindow.Std(),
		BackoffCap:     cfg.Poller.BackoffCap,
		Metrics:        callMetrics,
	})
	if err != nil {
		return err
	}

	incoming.Start()
	defer incoming.Stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("metrics listener started", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// Not part of the group: a blocked stdin read must not hold up
	// shutdown.
	go console(gctx, cfg, machine, handoff, store, stop)

	log.Info("callkit is running",
		"backend", cfg.Signaling.BaseURL,
		"events", cfg.Events.Enabled,
		"metrics", cfg.Metrics.Enabled)

	<-ctx.Done()
	log.Info("shutting down")
	return g.Wait()
}

// resolveToken prefers the configured token and falls back to the
// sealed credential from a previous run
func resolveToken(ctx context.Context, cfg *config.Config, store *state.Store) (string, error) {
	if cfg.Signaling.Token != "" {
		if err := store.SealCredential(cfg.Signaling.Token); err != nil {
			return "", err
		}
		return cfg.Signaling.Token, nil
	}

	token, err := store.Credential(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", fmt.Errorf("no credential: set signaling.token or CALLKIT_TOKEN")
	}
	return token, nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// console reads user commands from stdin until EOF or shutdown
func console(ctx context.Context, cfg *config.Config, machine *call.Machine, handoff *media.Handoff, store *state.Store, quit func()) {
	log := logger.Global().WithComponent("console")
	scanner := bufio.NewScanner(os.Stdin)

	fmt.Println("commands: call <user> [video] | answer | decline | hangup | status | devices <cam> <mic> | qr | quit")

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		switch fields[0] {
		case "call":
			if len(fields) < 2 {
				fmt.Println("usage: call <user> [video]")
				break
			}
			callType := signaling.CallTypeAudio
			if len(fields) > 2 && fields[2] == "video" {
				callType = signaling.CallTypeVideo
			}
			if session, err := machine.Start(opCtx, fields[1], callType); err != nil {
				fmt.Printf("call failed: %v\n", err)
			} else {
				fmt.Printf("calling %s (%s)\n", fields[1], session.ID)
			}

		case "answer":
			if session, err := machine.Answer(opCtx); err != nil {
				fmt.Printf("answer failed: %v\n", err)
			} else {
				fmt.Printf("in call with %s in %s\n", session.Peer.Name, session.RoomName)
			}

		case "decline":
			machine.Decline(opCtx)

		case "hangup":
			if machine.Current().State == call.StateActive {
				machine.HangUp(opCtx)
			} else {
				machine.Cancel(opCtx)
			}

		case "status":
			s := machine.Current()
			if s.Idle() {
				fmt.Println("idle")
			} else {
				fmt.Printf("%s call %s with %s (%s)\n", s.State, s.ID, s.Peer.Name, s.Role)
			}

		case "devices":
			if len(fields) != 3 {
				fmt.Println("usage: devices <camera-id> <microphone-id>")
				break
			}
			selection := media.DeviceSelection{CameraID: fields[1], MicrophoneID: fields[2]}
			handoff.SetDevices(selection)
			if err := store.SaveDevices(selection); err != nil {
				log.Warn("failed to persist devices", "error", err)
			}
			fmt.Println("devices updated")

		case "qr":
			contact := qr.Contact{
				UserID: cfg.Signaling.UserID,
				Server: cfg.Signaling.BaseURL,
			}
			if art, err := qr.Terminal(contact); err != nil {
				fmt.Printf("qr failed: %v\n", err)
			} else {
				fmt.Println(art)
			}

		case "quit", "exit":
			cancel()
			quit()
			return

		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
		cancel()
	}
}
