// Command cypress runs one instrument test session at a measurement
// station.
//
// Usage:
//
//	cypress -type <instrument> [flags]
//
// Flags:
//
//	-type string          Instrument: weigh_scale, audiometer, frax, spirometer
//	-confdir string       Directory holding configuration.toml (default "res")
//	-input string         Participant inputs (JSON object)
//	-output string        Result file (default <barcode>_<yyyyMMdd>_<type>_test.json)
//	-mode string          Run mode: live, simulate (default from configuration)
//	-barcode string       Verification barcode for a live batch run
//	-log-level string     Log level: debug, info, warn, error
//	-protocol-log string  Capture file for frames, commands and state changes
//	-interactive          Start the operator console
//
// Examples:
//
//	# Simulated weigh scale session, result written to the current directory
//	cypress -type weigh_scale -mode simulate -input participant.json
//
//	# Live FRAX session from the console
//	cypress -type frax -input participant.json -interactive
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/CodyCooperGit/cypress/cmd/cypress/interactive"
	"github.com/CodyCooperGit/cypress/internal/config"
	"github.com/CodyCooperGit/cypress/pkg/instrument"
	"github.com/CodyCooperGit/cypress/pkg/log"
	"github.com/CodyCooperGit/cypress/pkg/model"
	"github.com/CodyCooperGit/cypress/pkg/persistence"
	"github.com/CodyCooperGit/cypress/pkg/session"
)

// batchTimeout bounds a non-interactive run.
const batchTimeout = 2 * time.Minute

// Flags holds the command line.
type Flags struct {
	Type        string
	ConfDir     string
	Input       string
	Output      string
	Mode        string
	Barcode     string
	LogLevel    string
	ProtocolLog string
	Interactive bool
}

var flags Flags

func init() {
	flag.StringVar(&flags.Type, "type", "", "Instrument: weigh_scale, audiometer, frax, spirometer")
	flag.StringVar(&flags.ConfDir, "confdir", config.DefaultConfDir, "Directory holding "+config.FileName)
	flag.StringVar(&flags.Input, "input", "", "Participant inputs (JSON object)")
	flag.StringVar(&flags.Output, "output", "", "Result file (default <barcode>_<yyyyMMdd>_<type>_test.json)")
	flag.StringVar(&flags.Mode, "mode", "", "Run mode: live, simulate (default from configuration)")
	flag.StringVar(&flags.Barcode, "barcode", "", "Verification barcode for a live batch run")
	flag.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&flags.ProtocolLog, "protocol-log", "", "Capture file for frames, commands and state changes")
	flag.BoolVar(&flags.Interactive, "interactive", false, "Start the operator console")
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cypress: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	kind, err := instrument.ParseKind(flags.Type)
	if err != nil {
		return err
	}
	cfg, err := config.Load(flags.ConfDir)
	if err != nil {
		return err
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	var console *interactive.Console
	logOut := io.Writer(os.Stderr)
	if flags.Interactive {
		console, err = interactive.New(kind)
		if err != nil {
			return err
		}
		logOut = console.Stderr()
	}
	logger := newLogger(logOut, cfg.Logging.Level)

	raw, err := readInputs(flags.Input)
	if err != nil {
		return err
	}

	opts := cfg.Options(kind)
	drv, err := instrument.New(kind, opts)
	if err != nil {
		return err
	}
	policy := model.KeyPolicyLenient
	if cfg.Session.StrictInputs {
		policy = model.KeyPolicyStrict
	}
	inputs, err := model.ParseInputs(raw, policy, drv.RequiredInputs()...)
	if err != nil {
		return err
	}
	opts.Inputs = inputs
	driver, err := instrument.New(kind, opts)
	if err != nil {
		return err
	}

	sc, err := cfg.SessionConfig(kind)
	if err != nil {
		return err
	}
	sc.Inputs = inputs
	sc.Logger = logger
	sc.Settings = persistence.NewSettingsStore(cfg.Session.SettingsFile)

	sink := &FileSink{Dir: cfg.Session.OutputDir, Path: flags.Output, Kind: kind}
	sc.Sink = sink

	protocol, closeProtocol, err := protocolLogger(cfg.Logging.ProtocolLog, logger)
	if err != nil {
		return err
	}
	defer closeProtocol()
	sc.ProtocolLogger = protocol

	ctrl, err := session.NewController(driver, sc)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Info("received signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("session configured", "instrument", kind, "mode", sc.Mode, "barcode", inputs.Barcode())

	if console != nil {
		if err := console.Attach(ctrl); err != nil {
			return err
		}
		console.Run(ctx, cancel)
		return ctrl.Finish()
	}
	return runBatch(ctx, ctrl, sc.Mode, sink, logger)
}

// applyFlags overrides the configuration file with explicit flags.
func applyFlags(cfg *config.Config) {
	if flags.Mode != "" {
		cfg.Session.Mode = flags.Mode
	}
	if flags.LogLevel != "" {
		cfg.Logging.Level = flags.LogLevel
	}
	if flags.ProtocolLog != "" {
		cfg.Logging.ProtocolLog = flags.ProtocolLog
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// protocolLogger returns the capture logger: the capture file when path is
// set, plus debug-level lines on the operational logger.
func protocolLogger(path string, logger *slog.Logger) (log.Logger, func(), error) {
	adapter := log.NewSlogAdapter(logger)
	if path == "" {
		return adapter, func() {}, nil
	}
	fl, err := log.NewFileLogger(path)
	if err != nil {
		return nil, nil, fmt.Errorf("protocol log: %w", err)
	}
	closeFn := func() {
		if n := fl.Dropped(); n > 0 {
			logger.Warn("protocol events dropped", "count", n)
		}
		if err := fl.Close(); err != nil {
			logger.Warn("close protocol log", "error", err)
		}
	}
	return log.NewMultiLogger(fl, adapter), closeFn, nil
}

// readInputs decodes the participant inputs. No file means no inputs; the
// driver then works with its defaults.
func readInputs(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inputs: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: inputs %s: %v", model.ErrValidation, path, err)
	}
	return raw, nil
}

// runBatch drives one session to a written result without an operator.
func runBatch(ctx context.Context, ctrl *session.Controller, mode session.Mode, sink *FileSink, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	events := make(chan session.Notification, 32)
	forward := session.ObserverFunc(func(n session.Notification) {
		select {
		case events <- n:
		default:
		}
	})
	for _, topic := range []session.Topic{session.TopicCanMeasure, session.TopicCanWrite, session.TopicCanSelectDevice, session.TopicError} {
		if err := ctrl.Subscribe(topic, forward); err != nil {
			return err
		}
	}
	defer ctrl.Finish()

	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	if err := awaitTopic(ctx, ctrl, events, session.TopicCanMeasure); err != nil {
		return err
	}

	if mode == session.ModeLive {
		if flags.Barcode == "" {
			return errors.New("a live batch run needs -barcode to verify the participant")
		}
		if err := ctrl.VerifyBarcode(flags.Barcode); err != nil {
			return err
		}
	}
	if err := ctrl.Measure(ctx); err != nil {
		return err
	}
	if err := awaitTopic(ctx, ctrl, events, session.TopicCanWrite); err != nil {
		return err
	}

	if _, err := ctrl.Write(ctx); err != nil {
		return err
	}
	logger.Info("result written", "path", sink.LastPath())
	return nil
}

// awaitTopic waits for want. Errors are logged as they arrive; the run
// gives up once the session can only wait for another device.
func awaitTopic(ctx context.Context, ctrl *session.Controller, events <-chan session.Notification, want session.Topic) error {
	var last error
	for {
		select {
		case <-ctx.Done():
			if last != nil {
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), last)
			}
			return ctx.Err()
		case n := <-events:
			switch n.Topic {
			case want:
				return nil
			case session.TopicError:
				last = n.Err
			case session.TopicCanSelectDevice:
				if ctrl.State() == session.StateAwaitingSelection {
					if last == nil {
						last = errors.New("no device could be connected")
					}
					return last
				}
			}
		}
	}
}
