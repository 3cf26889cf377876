package session

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CodyCooperGit/cypress/pkg/instrument"
	"github.com/CodyCooperGit/cypress/pkg/log"
	"github.com/CodyCooperGit/cypress/pkg/model"
	"github.com/CodyCooperGit/cypress/pkg/persistence"
	"github.com/CodyCooperGit/cypress/pkg/transport"
)

// Mode selects live instruments or the driver's simulator.
type Mode uint8

const (
	// ModeLive talks to a real instrument and enforces the barcode gate.
	ModeLive Mode = iota

	// ModeSimulate talks to the driver's simulated device.
	ModeSimulate
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeSimulate:
		return "simulate"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "live":
		return ModeLive, nil
	case "simulate", "sim":
		return ModeSimulate, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, s)
	}
}

// Session defaults.
const (
	DefaultResponseTimeout = 10 * time.Second
	DefaultReopenAttempts  = 3
	DefaultReopenDelay     = 250 * time.Millisecond
)

// Config configures a Controller.
type Config struct {
	// Mode selects live or simulated operation.
	Mode Mode

	// Inputs are the participant inputs.
	Inputs model.Inputs

	// AutoSelect connects to the preferred, cached or simulated device as
	// soon as the scan finishes.
	AutoSelect bool

	// Device is the preferred device path. It takes precedence over the
	// cached one.
	Device string

	// ResponseTimeout bounds the wait for a command's response. Channels
	// that bound their own requests (process, exchange) extend it by their
	// own timeout.
	ResponseTimeout time.Duration

	// ReopenAttempts bounds the automatic reopen after a line error. Zero
	// disables reopening.
	ReopenAttempts int

	// ReopenDelay is the delay before the first reopen attempt.
	ReopenDelay time.Duration

	// Settings caches the last used device. Optional.
	Settings *persistence.SettingsStore

	// Sink receives the written result. Optional.
	Sink ResultSink

	// Logger is the operational logger. Nil disables logging.
	Logger *slog.Logger

	// ProtocolLogger captures frames, commands and state changes. Nil
	// disables capture.
	ProtocolLogger log.Logger

	// Clock stamps notifications and sessions. Defaults to time.Now.
	Clock func() time.Time

	// NewChannel overrides the driver's channel construction.
	NewChannel func(dev instrument.Device) (transport.Channel, error)
}

// DefaultConfig returns a live-mode configuration with default timeouts.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeLive,
		AutoSelect:      true,
		ResponseTimeout: DefaultResponseTimeout,
		ReopenAttempts:  DefaultReopenAttempts,
		ReopenDelay:     DefaultReopenDelay,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Mode != ModeLive && c.Mode != ModeSimulate {
		return fmt.Errorf("%w: mode %d", ErrInvalidConfig, c.Mode)
	}
	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("%w: response timeout must be positive", ErrInvalidConfig)
	}
	if c.ReopenAttempts < 0 {
		return fmt.Errorf("%w: negative reopen attempts", ErrInvalidConfig)
	}
	if c.ReopenAttempts > 0 && c.ReopenDelay <= 0 {
		return fmt.Errorf("%w: reopen delay must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c Config) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}
