// Command intercomd runs a single intercom endpoint: it wires a devnull
// capture/sink pair, a TCP peer link, and a debounced YAML settings
// store into one running Endpoint, then drives it from either
// command-line flags or an interactive stdin command loop.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"

	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/call"
	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/endpoint"
	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/settings"
)

var version = "dev"

// cliConfig is the flag-parsed CLI configuration, mirroring the
// struct-of-flags idiom used for a larger flag set.
type cliConfig struct {
	listenPort     int
	dial           string
	autoAnswer     bool
	aecEnabled     bool
	tone           bool
	volume         float64
	micGainDB      float64
	ringingTimeout time.Duration
	contacts       string
	settingsPath   string
	debug          bool
}

func parseCLIFlags() *cliConfig {
	cfg := &cliConfig{}

	defaultSettingsPath := "intercomd.yaml"
	if home, err := os.UserHomeDir(); err == nil {
		defaultSettingsPath = home + "/.config/intercomd/settings.yaml"
	}

	flagListenPort := flag.Int("listen-port", 6054, "TCP port to accept the inbound peer on")
	flagDial := flag.String("dial", "", "host:port to dial immediately instead of listening")
	flagAutoAnswer := flag.Bool("auto-answer", false, "answer inbound calls immediately instead of ringing")
	flagAEC := flag.Bool("aec", true, "route captured audio through the echo canceller")
	flagTone := flag.Bool("tone", false, "synthesize a 440 Hz test tone instead of silence on capture")
	flagVolume := flag.Float64("volume", 1.0, "initial playback volume, 0..1")
	flagMicGain := flag.Float64("mic-gain-db", 0, "initial capture gain in dB, -20..20")
	flagRingingTimeout := flag.Duration("ringing-timeout", 30*time.Second, "how long Ringing/Outgoing may persist before giving up")
	flagContacts := flag.String("contacts", "", "initial contact list, \"name@host:port,...\"")
	flagSettingsPath := flag.String("settings", defaultSettingsPath, "path to the persisted settings YAML file")
	flagDebug := flag.Bool("debug", false, "enable debug logging")

	flag.Parse()

	cfg.listenPort = *flagListenPort
	cfg.dial = *flagDial
	cfg.autoAnswer = *flagAutoAnswer
	cfg.aecEnabled = *flagAEC
	cfg.tone = *flagTone
	cfg.volume = *flagVolume
	cfg.micGainDB = *flagMicGain
	cfg.ringingTimeout = *flagRingingTimeout
	cfg.contacts = *flagContacts
	cfg.settingsPath = *flagSettingsPath
	cfg.debug = *flagDebug
	return cfg
}

func main() {
	cfg := parseCLIFlags()

	if cfg.debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pterm.Info.Println(fmt.Sprintf("intercomd — v%s", version))
	pterm.Println()

	store := settings.NewFileStore(cfg.settingsPath)

	source := newDevnullSource(cfg.tone)
	sink := newDevnullSink()

	ep, err := endpoint.New(endpoint.Config{
		ListenPort: cfg.listenPort,
		ClientDial: cfg.dial != "",
		Call: call.Config{
			AutoAnswer:     cfg.autoAnswer,
			ClientDial:     cfg.dial != "",
			RingingTimeout: cfg.ringingTimeout,
		},
	}, source, sink, store)
	if err != nil {
		pterm.Error.Println("failed to build endpoint:", err)
		os.Exit(1)
	}

	applyInitialFlags(ep, cfg)

	if err := ep.Run(); err != nil {
		pterm.Error.Println("failed to start endpoint:", err)
		os.Exit(1)
	}
	defer func() {
		if err := ep.Close(); err != nil {
			pterm.Error.Println("shutdown error:", err)
		}
	}()

	if cfg.dial != "" {
		host, port, err := splitHostPort(cfg.dial)
		if err != nil {
			pterm.Error.Println("invalid -dial address:", err)
			os.Exit(1)
		}
		if err := ep.ConnectTo(host, port); err != nil {
			pterm.Error.Println("connect failed:", err)
		}
	} else {
		pterm.Success.Println(fmt.Sprintf("listening on :%d", cfg.listenPort))
	}

	startStatusReporter(ctx, ep, source, sink)

	runCommandLoop(ctx, ep)
}

// applyInitialFlags pushes flag-provided values through the same
// control-surface methods an operator would use at runtime, so startup
// behaves exactly like an interactive session configured immediately
// after launch.
func applyInitialFlags(ep *endpoint.Endpoint, cfg *cliConfig) {
	if err := ep.SetVolume(cfg.volume); err != nil {
		pterm.Warning.Println("volume:", err)
	}
	if err := ep.SetMicGainDB(cfg.micGainDB); err != nil {
		pterm.Warning.Println("mic gain:", err)
	}
	if err := ep.SetAECEnabled(cfg.aecEnabled); err != nil {
		pterm.Warning.Println("aec:", err)
	}
	if err := ep.SetAutoAnswer(cfg.autoAnswer); err != nil {
		pterm.Warning.Println("auto-answer:", err)
	}
	if cfg.ringingTimeout > 0 {
		if err := ep.SetRingingTimeout(uint32(cfg.ringingTimeout.Milliseconds())); err != nil {
			pterm.Warning.Println("ringing-timeout:", err)
		}
	}
	if cfg.contacts != "" {
		if err := ep.SetContacts(cfg.contacts); err != nil {
			pterm.Warning.Println("contacts:", err)
		}
	}
}

// startStatusReporter logs every call-state transition and, every ten
// seconds, a capture/playback activity line — the devnull-stub
// equivalent of a real device's level meters.
func startStatusReporter(ctx context.Context, ep *endpoint.Endpoint, source *devnullSource, sink *devnullSink) {
	go func() {
		last := ep.Engine().State()
		stateTicker := time.NewTicker(100 * time.Millisecond)
		defer stateTicker.Stop()

		statsTicker := time.NewTicker(10 * time.Second)
		defer statsTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stateTicker.C:
				if cur := ep.Engine().State(); cur != last {
					pterm.Info.Println("call state:", last, "->", cur)
					last = cur
				}
			case <-statsTicker.C:
				pterm.DefaultLogger.Info(fmt.Sprintf(
					"captured=%d played=%d bytes_played=%d",
					source.ChunksCaptured.Load(), sink.ChunksPlayed.Load(), sink.BytesPlayed.Load(),
				))
			}
		}
	}()
}

// runCommandLoop reads one command per line from stdin and dispatches
// it to the control surface, until ctx is cancelled or stdin closes.
func runCommandLoop(ctx context.Context, ep *endpoint.Endpoint) {
	printHelp()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			pterm.Println()
			pterm.Info.Println("shutting down")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			dispatchCommand(ep, line)
		}
	}
}

func dispatchCommand(ep *endpoint.Endpoint, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]

	var err error
	switch cmd {
	case "start":
		err = ep.Start()
	case "stop", "disconnect":
		err = ep.Stop()
	case "answer":
		err = ep.Answer()
	case "decline":
		err = ep.Decline()
	case "toggle":
		err = ep.Toggle()
	case "connect_to":
		err = runConnectTo(ep, args)
	case "set_volume":
		err = runSetVolume(ep, args)
	case "set_mic_gain_db":
		err = runSetMicGainDB(ep, args)
	case "set_auto_answer":
		err = runSetAutoAnswer(ep, args)
	case "set_aec_enabled":
		err = runSetAECEnabled(ep, args)
	case "set_ringing_timeout":
		err = runSetRingingTimeout(ep, args)
	case "set_contacts":
		err = runSetContacts(ep, args)
	case "next_contact":
		printContact(ep.NextContact())
	case "prev_contact":
		printContact(ep.PrevContact())
	case "status":
		pterm.Info.Println("call state:", ep.Engine().State())
	case "help":
		printHelp()
	default:
		pterm.Warning.Println("unknown command:", cmd)
		return
	}

	if err != nil {
		pterm.Error.Println(err)
	}
}

func runConnectTo(ep *endpoint.Endpoint, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: connect_to <host> <port>")
	}
	port, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	return ep.ConnectTo(args[0], port)
}

func runSetVolume(ep *endpoint.Endpoint, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: set_volume <0..1>")
	}
	v, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid volume: %w", err)
	}
	return ep.SetVolume(v)
}

func runSetMicGainDB(ep *endpoint.Endpoint, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: set_mic_gain_db <-20..20>")
	}
	db, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid gain: %w", err)
	}
	return ep.SetMicGainDB(db)
}

func runSetAutoAnswer(ep *endpoint.Endpoint, args []string) error {
	on, err := parseBoolArg(args, "set_auto_answer <true|false>")
	if err != nil {
		return err
	}
	return ep.SetAutoAnswer(on)
}

func runSetAECEnabled(ep *endpoint.Endpoint, args []string) error {
	on, err := parseBoolArg(args, "set_aec_enabled <true|false>")
	if err != nil {
		return err
	}
	return ep.SetAECEnabled(on)
}

func runSetRingingTimeout(ep *endpoint.Endpoint, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: set_ringing_timeout <milliseconds>")
	}
	ms, err := strconv.Atoi(args[0])
	if err != nil || ms <= 0 {
		return fmt.Errorf("invalid timeout")
	}
	return ep.SetRingingTimeout(uint32(ms))
}

func runSetContacts(ep *endpoint.Endpoint, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: set_contacts <name@host:port,...>")
	}
	return ep.SetContacts(args[0])
}

func parseBoolArg(args []string, usage string) (bool, error) {
	if len(args) != 1 {
		return false, fmt.Errorf("usage: %s", usage)
	}
	on, err := strconv.ParseBool(args[0])
	if err != nil {
		return false, fmt.Errorf("invalid bool: %w", err)
	}
	return on, nil
}

func printContact(c endpoint.Contact, ok bool) {
	if !ok {
		pterm.Warning.Println("contact list is empty")
		return
	}
	pterm.Info.Println("selected contact:", c.Name, fmt.Sprintf("(%s:%d)", c.Host, c.Port))
}

func splitHostPort(hostport string) (string, int, error) {
	host, portStr, ok := strings.Cut(hostport, ":")
	if !ok {
		return "", 0, fmt.Errorf("expected host:port, got %q", hostport)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", hostport, err)
	}
	return host, port, nil
}

func printHelp() {
	pterm.Println("commands: start stop answer decline toggle connect_to <host> <port>")
	pterm.Println("          set_volume <0..1> set_mic_gain_db <-20..20>")
	pterm.Println("          set_auto_answer <bool> set_aec_enabled <bool>")
	pterm.Println("          set_ringing_timeout <ms> set_contacts <csv>")
	pterm.Println("          next_contact prev_contact status help")
	pterm.Println()
}
