package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// DefaultProcessTimeout bounds a single run of a spawned executable.
const DefaultProcessTimeout = 30 * time.Second

// processWaitDelay bounds how long a killed process may hold its stderr
// pipe open through grandchildren.
const processWaitDelay = time.Second

// ProcessConfig configures a ProcessChannel.
type ProcessConfig struct {
	// Executable is the program to run.
	Executable string

	// Args are passed to the executable.
	Args []string

	// Dir is the working directory. Defaults to the executable's directory.
	Dir string

	// InputPath receives the request before each run. Relative paths are
	// resolved against Dir.
	InputPath string

	// OutputPath is read after a successful run. Relative paths are
	// resolved against Dir.
	OutputPath string

	// Timeout bounds each run (default 30s).
	Timeout time.Duration
}

// ProcessChannel is a Channel that runs an executable once per request:
// the request is written to an input file, the program is run, and its
// output file is delivered as the response.
type ProcessChannel struct {
	cfg ProcessConfig

	mu         sync.Mutex
	state      ChannelState
	recv       Receiver
	running    bool
	stop       context.CancelFunc
	backupPath string
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewProcessChannel creates a closed process channel.
func NewProcessChannel(cfg ProcessConfig) *ProcessChannel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProcessTimeout
	}
	if cfg.Dir == "" && cfg.Executable != "" {
		cfg.Dir = filepath.Dir(cfg.Executable)
	}
	if cfg.InputPath != "" && !filepath.IsAbs(cfg.InputPath) {
		cfg.InputPath = filepath.Join(cfg.Dir, cfg.InputPath)
	}
	if cfg.OutputPath != "" && !filepath.IsAbs(cfg.OutputPath) {
		cfg.OutputPath = filepath.Join(cfg.Dir, cfg.OutputPath)
	}
	return &ProcessChannel{cfg: cfg}
}

// Config returns the resolved configuration.
func (c *ProcessChannel) Config() ProcessConfig {
	return c.cfg
}

// Path returns the executable path.
func (c *ProcessChannel) Path() string {
	return c.cfg.Executable
}

// SetReceiver installs the inbound data consumer.
func (c *ProcessChannel) SetReceiver(r Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recv = r
}

// State returns the channel state.
func (c *ProcessChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open validates the executable and moves an existing input file aside.
func (c *ProcessChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == ChannelOpen {
		return nil
	}
	if err := checkExecutable(c.cfg.Executable); err != nil {
		return err
	}
	if c.cfg.InputPath == "" || c.cfg.OutputPath == "" {
		return fmt.Errorf("%w: input and output paths are required", ErrConfiguration)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := os.Stat(c.cfg.InputPath); err == nil {
		backup := backupName(c.cfg.InputPath)
		if err := os.Rename(c.cfg.InputPath, backup); err != nil {
			return fmt.Errorf("%w: preserve %s: %v", ErrConfiguration, c.cfg.InputPath, err)
		}
		c.backupPath = backup
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.state = ChannelOpen
	return nil
}

// Send writes data to the input file and starts the executable. The output
// file arrives through the Receiver followed by a completion signal.
func (c *ProcessChannel) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ChannelOpen {
		return ErrNotOpen
	}
	if c.running {
		return ErrBusy
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.WriteFile(c.cfg.InputPath, data, 0644); err != nil {
		return fmt.Errorf("%w: write input: %v", ErrConfiguration, err)
	}
	if err := os.Remove(c.cfg.OutputPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove stale output: %v", ErrConfiguration, err)
	}

	runCtx, stop := context.WithCancel(c.ctx)
	c.running = true
	c.stop = stop
	go c.run(runCtx, stop, c.recv)
	return nil
}

// Timeout returns the bound on a single run.
func (c *ProcessChannel) Timeout() time.Duration {
	return c.cfg.Timeout
}

// Cancel kills the running executable. Nothing is delivered for it; the
// channel stays open and accepts the next request once the process has
// exited.
func (c *ProcessChannel) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		c.stop()
	}
}

func (c *ProcessChannel) run(parent context.Context, stop context.CancelFunc, recv Receiver) {
	defer stop()
	ctx, cancel := context.WithTimeout(parent, c.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.cfg.Executable, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = processWaitDelay
	runErr := cmd.Run()

	c.mu.Lock()
	c.running = false
	c.stop = nil
	c.mu.Unlock()

	// Closed or cancelled while running: nothing is committed.
	if parent.Err() != nil {
		return
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		deliver(recv, Delivery{Err: fmt.Errorf("%w: %s did not finish within %s", ErrTimeout, filepath.Base(c.cfg.Executable), c.cfg.Timeout)})
		return
	}
	if runErr != nil {
		deliver(recv, Delivery{Err: processError(c.cfg.Executable, runErr, stderr.String())})
		return
	}

	data, err := os.ReadFile(c.cfg.OutputPath)
	if err != nil {
		deliver(recv, Delivery{Err: fmt.Errorf("%w: read output: %v", ErrTransport, err)})
		return
	}
	deliver(recv, Delivery{Data: data})
	deliver(recv, Delivery{Done: true})
}

// Close cancels a running process, removes the output file and restores
// the original input file.
func (c *ProcessChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == ChannelClosed {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.state = ChannelClosed

	var errs []error
	if err := os.Remove(c.cfg.OutputPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	if err := os.Remove(c.cfg.InputPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	if c.backupPath != "" {
		if err := os.Rename(c.backupPath, c.cfg.InputPath); err != nil {
			errs = append(errs, err)
		}
		c.backupPath = ""
	}
	return errors.Join(errs...)
}

func processError(exe string, err error, stderr string) error {
	name := filepath.Base(exe)
	stderr = strings.TrimSpace(stderr)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if stderr != "" {
			return fmt.Errorf("%w: %s exited with status %d: %s", ErrExitStatus, name, exitErr.ExitCode(), stderr)
		}
		return fmt.Errorf("%w: %s exited with status %d", ErrExitStatus, name, exitErr.ExitCode())
	}
	return fmt.Errorf("%w: run %s: %v", ErrTransport, name, err)
}

// checkExecutable reports ErrConfiguration unless path names a regular,
// executable file.
func checkExecutable(path string) error {
	if path == "" {
		return fmt.Errorf("%w: no executable selected", ErrConfiguration)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: executable %s: %v", ErrConfiguration, path, err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%w: executable %s is not a regular file", ErrConfiguration, path)
	}
	if runtime.GOOS != "windows" && fi.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("%w: %s is not executable", ErrConfiguration, path)
	}
	return nil
}

// backupName returns the name an existing input file is moved to while the
// channel is open: input.txt becomes input_orig.txt.
func backupName(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_orig" + ext
}
