// Package interactive provides the operator console for a cypress
// session.
package interactive

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/CodyCooperGit/cypress/pkg/instrument"
	"github.com/CodyCooperGit/cypress/pkg/model"
	"github.com/CodyCooperGit/cypress/pkg/session"
)

// commandTimeout bounds a console command that talks to the instrument.
const commandTimeout = 30 * time.Second

// Console handles interactive mode for cypress.
type Console struct {
	kind instrument.Kind
	ctrl *session.Controller
	rl   *readline.Instance
}

// New creates a console for an instrument of kind.
func New(kind instrument.Kind) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          string(kind) + "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{kind: kind, rl: rl}, nil
}

// Stdout returns a writer that coordinates with the readline input.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Stderr returns a writer that coordinates with the readline input. Use
// it for log output.
func (c *Console) Stderr() io.Writer {
	return c.rl.Stderr()
}

// Attach connects the console to ctrl and prints its notifications.
func (c *Console) Attach(ctrl *session.Controller) error {
	c.ctrl = ctrl
	show := session.ObserverFunc(func(n session.Notification) {
		if line := Describe(n); line != "" {
			fmt.Fprintln(c.rl.Stdout(), line)
		}
	})
	for topic := session.TopicStateChanged; topic <= session.TopicError; topic++ {
		if err := ctrl.Subscribe(topic, show); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the command loop. It returns on quit, end of input or when
// ctx is cancelled.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if cmd == "quit" || cmd == "exit" || cmd == "q" {
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}
		if err := c.exec(ctx, cmd, args); err != nil {
			fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		}
	}
}

func (c *Console) exec(ctx context.Context, cmd string, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch cmd {
	case "help", "?":
		c.printHelp()
		return nil

	case "start", "s":
		return c.ctrl.Start(ctx)

	case "devices", "d":
		for i, dev := range c.ctrl.Devices() {
			fmt.Fprintf(c.rl.Stdout(), "  [%d] %s (%s)\n", i, dev.Name, dev.Path)
		}
		return nil

	case "select":
		if len(args) != 1 {
			return fmt.Errorf("usage: select <path|index>")
		}
		return c.ctrl.SelectDevice(ctx, resolveDevice(c.ctrl.Devices(), args[0]))

	case "verify", "v":
		if len(args) == 0 {
			return fmt.Errorf("usage: verify <barcode>")
		}
		if err := c.ctrl.VerifyBarcode(strings.Join(args, " ")); err != nil {
			return err
		}
		fmt.Fprintln(c.rl.Stdout(), "Barcode verified")
		return nil

	case "measure", "m":
		return c.ctrl.Measure(ctx)

	case "zero", "z":
		return c.ctrl.Zero(ctx)

	case "data":
		fmt.Fprint(c.rl.Stdout(), FormatTest(c.ctrl.Test()))
		return nil

	case "clear":
		return c.ctrl.ClearData()

	case "write", "w":
		r, err := c.ctrl.Write(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.rl.Stdout(), "Result written (%d values)\n", len(r))
		return nil

	case "disconnect":
		return c.ctrl.Disconnect()

	case "finish", "f":
		return c.ctrl.Finish()

	case "status":
		c.printStatus()
		return nil

	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

func (c *Console) printStatus() {
	out := c.rl.Stdout()
	snap, ok := c.ctrl.Session()
	if !ok {
		fmt.Fprintf(out, "State: %s (no session)\n", c.ctrl.State())
		return
	}
	fmt.Fprintf(out, "State:    %s\n", snap.State)
	fmt.Fprintf(out, "Session:  %s (%s)\n", snap.ID, snap.Mode)
	fmt.Fprintf(out, "Barcode:  %s (verified: %v)\n", snap.Barcode, snap.Verified)
	if snap.Device.Path != "" {
		fmt.Fprintf(out, "Device:   %s (%s)\n", snap.Device.Name, snap.Device.Path)
	}
	keys := make([]string, 0, len(snap.DeviceData))
	for k := range snap.DeviceData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %v\n", k, snap.DeviceData[k])
	}
}

func (c *Console) printHelp() {
	fmt.Fprintf(c.rl.Stdout(), `
Cypress %s Commands:
  Session:
    start              - Start a session and scan for devices
    devices            - List devices found by the scan
    select <path|idx>  - Connect to a device
    verify <barcode>   - Confirm the participant barcode
    status             - Show session status

  Test:
    measure            - Request a measurement
    zero               - Zero the instrument
    data               - Show the measurements so far
    clear              - Discard the measurements
    write              - Write the result

  General:
    disconnect         - Close the device channel
    finish             - End the session
    help               - Show this help
    quit               - Exit
`, c.kind)
}

// resolveDevice maps a device index to its path. Anything else is taken
// as a path.
func resolveDevice(devices []instrument.Device, arg string) string {
	if i, err := strconv.Atoi(arg); err == nil && i >= 0 && i < len(devices) {
		return devices[i].Path
	}
	return arg
}

// Describe renders a notification as one console line. Empty means the
// notification is not shown.
func Describe(n session.Notification) string {
	switch n.Topic {
	case session.TopicStateChanged:
		return fmt.Sprintf("[STATE] %s -> %s", n.Old, n.New)
	case session.TopicDeviceDiscovered:
		return fmt.Sprintf("[DEVICE] %s (%s)", n.Device.Name, n.Device.Path)
	case session.TopicCanSelectDevice:
		return "[READY] select a device"
	case session.TopicCanMeasure:
		return "[READY] measure"
	case session.TopicCanWrite:
		return "[READY] write"
	case session.TopicDataChanged:
		if len(n.Measurements) == 0 {
			return ""
		}
		var parts []string
		for _, m := range n.Measurements {
			parts = append(parts, formatMeasurement(m))
		}
		return "[DATA] " + strings.Join(parts, "; ")
	case session.TopicError:
		if n.Err == nil {
			return ""
		}
		return fmt.Sprintf("[ERROR] %s: %v", session.ErrorKind(n.Err), n.Err)
	default:
		return ""
	}
}

// FormatTest renders measurements one per line.
func FormatTest(ms []model.Measurement) string {
	if len(ms) == 0 {
		return "  (no measurements)\n"
	}
	var b strings.Builder
	for i, m := range ms {
		fmt.Fprintf(&b, "  [%d] %s\n", i+1, formatMeasurement(m))
	}
	return b.String()
}

func formatMeasurement(m model.Measurement) string {
	keys := m.Keys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == instrument.KeyTimestamp {
			continue
		}
		parts = append(parts, k+"="+m.String(k))
	}
	s := strings.Join(parts, " ")
	if !m.Valid() {
		s += " (invalid)"
	}
	return s
}
