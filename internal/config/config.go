// Package config loads the station configuration: a TOML file with the
// logging setup, session defaults and one table per instrument.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/CodyCooperGit/cypress/pkg/emr"
	"github.com/CodyCooperGit/cypress/pkg/instrument"
	"github.com/CodyCooperGit/cypress/pkg/session"
)

// Configuration file location.
const (
	DefaultConfDir = "res"
	FileName       = "configuration.toml"
)

// Defaults applied to keys left out of the file.
const (
	DefaultLogLevel     = "info"
	DefaultSettingsFile = "settings.yaml"
)

// ErrInvalid reports a configuration value that cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Config is the station configuration.
type Config struct {
	Logging     LoggingInfo     `toml:"Logging"`
	Session     SessionInfo     `toml:"Session"`
	Instruments InstrumentsInfo `toml:"Instruments"`
}

// LoggingInfo configures operational logging and protocol capture.
type LoggingInfo struct {
	// Level is debug, info, warn or error.
	Level string `toml:"Level"`

	// ProtocolLog is the capture file. Empty disables capture.
	ProtocolLog string `toml:"ProtocolLog"`
}

// SessionInfo holds session defaults.
type SessionInfo struct {
	Mode                   string `toml:"Mode"`
	SettingsFile           string `toml:"SettingsFile"`
	OutputDir              string `toml:"OutputDir"`
	StrictInputs           bool   `toml:"StrictInputs"`
	ResponseTimeoutSeconds int    `toml:"ResponseTimeoutSeconds"`
	ReopenAttempts         int    `toml:"ReopenAttempts"`
}

// InstrumentsInfo holds one table per instrument kind.
type InstrumentsInfo struct {
	WeighScale InstrumentInfo `toml:"weigh_scale"`
	Audiometer InstrumentInfo `toml:"audiometer"`
	Frax       InstrumentInfo `toml:"frax"`
	Spirometer InstrumentInfo `toml:"spirometer"`
}

// InstrumentInfo configures one instrument.
type InstrumentInfo struct {
	Port           string `toml:"Port"`
	BaudRate       int    `toml:"BaudRate"`
	Executable     string `toml:"Executable"`
	TransferDir    string `toml:"TransferDir"`
	Companion      string `toml:"Companion"`
	TimeoutSeconds int    `toml:"TimeoutSeconds"`
	SkipByDepth    bool   `toml:"SkipByDepth"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Logging: LoggingInfo{Level: DefaultLogLevel},
		Session: SessionInfo{
			Mode:                   session.ModeLive.String(),
			SettingsFile:           DefaultSettingsFile,
			ResponseTimeoutSeconds: int(session.DefaultResponseTimeout / time.Second),
			ReopenAttempts:         session.DefaultReopenAttempts,
		},
	}
}

// Load reads FileName from confDir. A missing file yields the defaults.
// Relative paths in the file are resolved against confDir.
func Load(confDir string) (*Config, error) {
	if confDir == "" {
		confDir = DefaultConfDir
	}
	path := filepath.Join(confDir, FileName)

	contents, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		cfg.resolve(confDir)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}

	cfg, err := parse(contents)
	if err != nil {
		return nil, fmt.Errorf("configuration %s: %w", path, err)
	}
	cfg.resolve(confDir)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration %s: %w", path, err)
	}
	return cfg, nil
}

// parse decodes contents and fills in the keys the file leaves out. The
// toml package can panic on values that do not fit the target fields.
func parse(contents []byte) (cfg *Config, err error) {
	defer func() {
		if r := recover(); r != nil {
			cfg, err = nil, fmt.Errorf("%w: invalid TOML (%v)", ErrInvalid, r)
		}
	}()

	tree, err := toml.LoadBytes(contents)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg = &Config{}
	if err := tree.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	def := Default()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Session.Mode == "" {
		cfg.Session.Mode = def.Session.Mode
	}
	if cfg.Session.SettingsFile == "" {
		cfg.Session.SettingsFile = def.Session.SettingsFile
	}
	if !tree.Has("Session.ResponseTimeoutSeconds") {
		cfg.Session.ResponseTimeoutSeconds = def.Session.ResponseTimeoutSeconds
	}
	// Zero reopen attempts disables reopening, so only an absent key
	// takes the default.
	if !tree.Has("Session.ReopenAttempts") {
		cfg.Session.ReopenAttempts = def.Session.ReopenAttempts
	}
	return cfg, nil
}

func (c *Config) resolve(dir string) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	abs(&c.Logging.ProtocolLog)
	abs(&c.Session.SettingsFile)
	abs(&c.Session.OutputDir)
	for _, in := range []*InstrumentInfo{&c.Instruments.Frax, &c.Instruments.Spirometer} {
		abs(&in.Executable)
		abs(&in.TransferDir)
		abs(&in.Companion)
	}
}

// Validate checks the values the session depends on.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log level %q", ErrInvalid, c.Logging.Level)
	}
	if _, err := session.ParseMode(c.Session.Mode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Session.ResponseTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: ResponseTimeoutSeconds must be positive", ErrInvalid)
	}
	if c.Session.ReopenAttempts < 0 {
		return fmt.Errorf("%w: ReopenAttempts must not be negative", ErrInvalid)
	}
	for _, kind := range instrument.Kinds() {
		in := c.Instrument(kind)
		if in.BaudRate < 0 || in.TimeoutSeconds < 0 {
			return fmt.Errorf("%w: %s: negative BaudRate or TimeoutSeconds", ErrInvalid, kind)
		}
	}
	return nil
}

// Instrument returns the table for kind.
func (c *Config) Instrument(kind instrument.Kind) InstrumentInfo {
	switch kind {
	case instrument.KindWeighScale:
		return c.Instruments.WeighScale
	case instrument.KindAudiometer:
		return c.Instruments.Audiometer
	case instrument.KindFrax:
		return c.Instruments.Frax
	case instrument.KindSpirometer:
		return c.Instruments.Spirometer
	default:
		return InstrumentInfo{}
	}
}

// Options returns the driver options for kind.
func (c *Config) Options(kind instrument.Kind) instrument.Options {
	in := c.Instrument(kind)
	opts := instrument.Options{
		Port:        in.Port,
		BaudRate:    in.BaudRate,
		Executable:  in.Executable,
		TransferDir: in.TransferDir,
		Companion:   in.Companion,
		Timeout:     time.Duration(in.TimeoutSeconds) * time.Second,
	}
	if in.SkipByDepth {
		opts.Skip = emr.SkipByDepth
	}
	return opts
}

// Device returns the configured device path for kind, if any.
func (c *Config) Device(kind instrument.Kind) string {
	in := c.Instrument(kind)
	switch {
	case in.Port != "":
		return in.Port
	case in.Executable != "":
		return in.Executable
	default:
		return in.TransferDir
	}
}

// SessionConfig returns the session configuration without inputs, sink or
// loggers.
func (c *Config) SessionConfig(kind instrument.Kind) (session.Config, error) {
	mode, err := session.ParseMode(c.Session.Mode)
	if err != nil {
		return session.Config{}, err
	}
	cfg := session.DefaultConfig()
	cfg.Mode = mode
	cfg.Device = c.Device(kind)
	cfg.ResponseTimeout = time.Duration(c.Session.ResponseTimeoutSeconds) * time.Second
	cfg.ReopenAttempts = c.Session.ReopenAttempts
	return cfg, nil
}
