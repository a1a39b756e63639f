package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/studyhall/internal/adapters/rtc"
	"github.com/dkeye/studyhall/internal/adapters/store/remote"
	"github.com/dkeye/studyhall/internal/app/negotiator"
	"github.com/dkeye/studyhall/internal/app/recorder"
	"github.com/dkeye/studyhall/internal/config"
	"github.com/dkeye/studyhall/internal/domain"
)

// autoID as the --create value asks for a generated session id.
const autoID = "auto"

type options struct {
	create    string
	join      string
	configEnv string
	server    string
	recordDir string
}

func (o options) role() (domain.Role, domain.SessionID, error) {
	switch {
	case o.create != "" && o.join != "":
		return "", "", errors.New("--create and --join are mutually exclusive")
	case o.create == autoID:
		return domain.RoleCaller, domain.SessionID(strings.SplitN(uuid.NewString(), "-", 2)[0]), nil
	case o.create != "":
		return domain.RoleCaller, domain.SessionID(o.create), nil
	case o.join != "":
		return domain.RoleCallee, domain.SessionID(o.join), nil
	}
	return "", "", errors.New("one of --create or --join is required")
}

func parseFlags(args []string) (options, *pflag.FlagSet, error) {
	var o options
	flagSet := pflag.NewFlagSet("studyhall", pflag.ContinueOnError)
	flagSet.StringVar(&o.create, "create", "", "create a study session with this id (bare --create generates one)")
	flagSet.Lookup("create").NoOptDefVal = autoID
	flagSet.StringVar(&o.join, "join", "", "join the study session with this id")
	flagSet.StringVar(&o.configEnv, "config-env", "", "load config/config.<env>.yaml (default $CONFIG_ENV or dev)")
	flagSet.StringVar(&o.server, "server", "", "relay WebSocket URL, overrides signal_url")
	flagSet.StringVar(&o.recordDir, "record-dir", "", "write remote media here, overrides media.record_dir")
	flagSet.BoolP("help", "h", false, "show help")
	if err := flagSet.Parse(args); err != nil {
		return o, flagSet, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return o, flagSet, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return o, flagSet, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	opts, flagSet, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		printHelp(flagSet)
		return nil
	}
	if err != nil {
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	role, id, err := opts.role()
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configEnv)
	if err != nil {
		return err
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if opts.server != "" {
		cfg.SignalURL = opts.server
	}
	if opts.recordDir != "" {
		cfg.Media.RecordDir = opts.recordDir
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	store, err := remote.Dial(dialCtx, cfg.SignalURL, remote.Options{PingPeriod: cfg.PingPeriod})
	dialCancel()
	if err != nil {
		return err
	}
	defer store.Close()

	gateway, err := rtc.NewGateway(rtc.GatewayConfig{
		Loopback: cfg.LoopbackCandidates,
		Capture: rtc.CaptureConfig{
			Deny:      !cfg.Media.Allow,
			VideoFile: cfg.Media.VideoFile,
			AudioFile: cfg.Media.AudioFile,
			FilesOnly: !cfg.Media.Synthetic,
		},
	})
	if err != nil {
		return err
	}

	var rec *recorder.Manager
	if cfg.Media.RecordDir != "" {
		if err := os.MkdirAll(cfg.Media.RecordDir, 0o755); err != nil {
			return fmt.Errorf("record dir: %w", err)
		}
		rec = recorder.NewManager(cfg.Media.RecordDir, recorder.FileWriter)
	}

	n := negotiator.New(store, gateway, negotiator.Config{ICEServers: iceServers(cfg.ICEServers)})

	s := &studySession{
		n:        n,
		id:       id,
		role:     role,
		recorder: rec,
		out:      os.Stdout,
	}
	return s.run(ctx, cfg.RequestTimeout, store.Done())
}

// iceServers is nil for an empty list so the negotiator falls back to its
// default STUN server.
func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `studyhall - join a two-person study session over WebRTC.

One side creates a session and shares its id; the other joins it. Offer,
answer and ICE candidates travel through the relay server's session store.

Usage:
  studyhall --create[=<id>] | --join <id> [flags]

Examples:
  # Start a session with a generated id
  studyhall --create

  # Join it from another machine and record what arrives
  studyhall --join 1f2e3d4c --server ws://relay:8080/api/ws --record-dir ./rec

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
