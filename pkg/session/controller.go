package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/CodyCooperGit/cypress/pkg/connection"
	"github.com/CodyCooperGit/cypress/pkg/instrument"
	"github.com/CodyCooperGit/cypress/pkg/log"
	"github.com/CodyCooperGit/cypress/pkg/model"
	"github.com/CodyCooperGit/cypress/pkg/persistence"
	"github.com/CodyCooperGit/cypress/pkg/transport"
)

// taskQueueSize bounds the tasks waiting for the event loop.
const taskQueueSize = 64

// pendingCommand is the command awaiting its response.
type pendingCommand struct {
	id      uint64
	cmd     instrument.Command
	timeout time.Duration
	timer   *time.Timer
}

// Controller runs one test session for one instrument.
type Controller struct {
	cfg    Config
	driver instrument.Driver
	codec  instrument.Codec

	tasks chan func()
	quit  chan struct{}
	done  chan struct{}

	// Owned by the event loop.
	m          machine
	sess       *session
	test       *model.Test
	devices    []instrument.Device
	ch         transport.Channel
	asm        *transport.Assembler
	gen        uint64
	pending    *pendingCommand
	nextCmdID  uint64
	reopening  context.CancelFunc
	observers  observers
	canMeasure bool
	canWrite   bool
	closed     bool
}

// NewController creates a controller for driver and starts its event loop.
func NewController(driver instrument.Driver, cfg Config) (*Controller, error) {
	if driver == nil {
		return nil, fmt.Errorf("%w: no instrument driver", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:       cfg,
		driver:    driver,
		codec:     driver.Codec(),
		tasks:     make(chan func(), taskQueueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		test:      driver.NewTest(),
		observers: make(observers),
	}
	go c.run()
	return c, nil
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.tasks:
			fn()
		case <-c.quit:
			c.shutdown()
			return
		}
	}
}

// post queues fn on the event loop. It is dropped once the controller is
// closed.
func (c *Controller) post(fn func()) {
	select {
	case c.tasks <- fn:
	case <-c.quit:
	}
}

// call runs fn on the event loop and waits for its result.
func (c *Controller) call(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case c.tasks <- func() { errCh <- fn() }:
	case <-c.quit:
		return ErrClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// Close finishes the loop and releases the channel. The session is not
// saved; call Finish first for that.
func (c *Controller) Close() error {
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
	<-c.done
	return nil
}

func (c *Controller) shutdown() {
	c.closed = true
	c.stopReopen()
	c.clearPending()
	c.detach("controller closed")
}

// Subscribe registers obs for topic.
func (c *Controller) Subscribe(topic Topic, obs Observer) error {
	return c.call(func() error {
		return c.observers.add(topic, obs)
	})
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	var s State
	if err := c.call(func() error { s = c.m.state; return nil }); err != nil {
		return StateIdle
	}
	return s
}

// Session returns a snapshot of the current session.
func (c *Controller) Session() (Session, bool) {
	var snap Session
	var ok bool
	_ = c.call(func() error {
		if c.sess != nil {
			snap, ok = c.sess.snapshot(c.m.state), true
		}
		return nil
	})
	return snap, ok
}

// Test returns the measurements collected so far.
func (c *Controller) Test() []model.Measurement {
	var out []model.Measurement
	_ = c.call(func() error {
		out = c.test.Measurements()
		return nil
	})
	return out
}

// Devices returns the devices found by the last scan.
func (c *Controller) Devices() []instrument.Device {
	var out []instrument.Device
	_ = c.call(func() error {
		out = append(out, c.devices...)
		return nil
	})
	return out
}

// Start creates a session, scans for devices and, with AutoSelect,
// connects to the preferred one.
func (c *Controller) Start(ctx context.Context) error {
	return c.call(func() error { return c.start(ctx) })
}

func (c *Controller) start(ctx context.Context) error {
	if err := c.fire(EventStart); err != nil {
		return err
	}
	c.sess = newSession(c.cfg.Mode, c.cfg.Inputs.Barcode(), c.cfg.now())
	c.test.Reset()
	c.canWrite = false
	c.debugLog("session started", "id", c.sess.id, "instrument", c.driver.Kind(), "mode", c.cfg.Mode)

	preferred := c.cfg.Device
	if preferred == "" {
		preferred = c.cachedDevice()
	}

	var devices []instrument.Device
	if c.cfg.Mode == ModeSimulate {
		dev, _ := c.driver.Simulator()
		devices = []instrument.Device{dev}
		preferred = dev.Path
	} else {
		found, err := c.driver.Scan(ctx)
		if err != nil {
			err = fmt.Errorf("%w: scan: %w", transport.ErrTransport, err)
			c.report(log.LayerSession, err, "scan")
			_ = c.fire(EventTransportError)
			return err
		}
		devices = found
		if preferred != "" && !containsPath(devices, preferred) {
			devices = append([]instrument.Device{{Name: filepath.Base(preferred), Path: preferred}}, devices...)
		}
	}

	c.devices = devices
	for _, dev := range devices {
		if err := c.fire(EventDeviceFound); err != nil {
			return err
		}
		c.notify(Notification{Topic: TopicDeviceDiscovered, Device: dev})
	}
	if err := c.fire(EventScanCompleted); err != nil {
		return err
	}
	c.notify(Notification{Topic: TopicCanSelectDevice})

	if c.cfg.AutoSelect && preferred != "" {
		// A failed automatic selection leaves the session waiting for the
		// operator; the error is reported, not returned.
		_ = c.selectDevice(ctx, preferred)
	}
	return nil
}

// cachedDevice returns the device path saved by the last session.
func (c *Controller) cachedDevice() string {
	if c.cfg.Settings == nil {
		return ""
	}
	settings, err := c.cfg.Settings.Load()
	if err != nil {
		c.warn("load settings", "path", c.cfg.Settings.Path(), "error", err)
		return ""
	}
	path, _ := settings.Get(string(c.driver.Kind()), c.driver.SettingsKey())
	return path
}

func containsPath(devices []instrument.Device, path string) bool {
	for _, d := range devices {
		if d.Path == path {
			return true
		}
	}
	return false
}

// SelectDevice opens a channel to the device at path. A failed open
// returns to AwaitingSelection so another path can be tried.
func (c *Controller) SelectDevice(ctx context.Context, path string) error {
	return c.call(func() error { return c.selectDevice(ctx, path) })
}

func (c *Controller) selectDevice(ctx context.Context, path string) error {
	if err := c.fire(EventDeviceSelected); err != nil {
		return err
	}

	dev := instrument.Device{Name: filepath.Base(path), Path: path}
	for _, d := range c.devices {
		if d.Path == path {
			dev = d
			break
		}
	}
	c.sess.device = dev
	c.debugLog("device selected", "name", dev.Name, "path", dev.Path)

	ch, err := c.newChannel(dev)
	if err != nil {
		return c.connectFailed(err)
	}
	c.attach(ch)
	if err := ch.Open(ctx); err != nil {
		c.detach("open failed")
		return c.connectFailed(err)
	}
	c.captureChannel(transport.ChannelClosed, ch.State(), "open")

	if cmd, ok := c.driver.ConnectCommand(); ok {
		if err := c.dispatch(ctx, cmd); err != nil {
			c.detach("identify failed")
			return c.connectFailed(err)
		}
		return nil
	}
	c.connected()
	return nil
}

func (c *Controller) newChannel(dev instrument.Device) (transport.Channel, error) {
	if c.cfg.NewChannel != nil {
		return c.cfg.NewChannel(dev)
	}
	if c.cfg.Mode == ModeSimulate {
		_, ch := c.driver.Simulator()
		return ch, nil
	}
	return c.driver.Channel(dev)
}

// connectFailed reports err and returns to AwaitingSelection.
func (c *Controller) connectFailed(err error) error {
	c.report(log.LayerTransport, err, "connect")
	if c.m.can(EventConnectFailed) {
		_ = c.fire(EventConnectFailed)
	}
	c.notify(Notification{Topic: TopicCanSelectDevice})
	return err
}

func (c *Controller) connected() {
	if err := c.fire(EventConnected); err != nil {
		return
	}
	c.sess.connected = c.sess.device.Path
	if !c.canMeasure {
		c.canMeasure = true
		c.notify(Notification{Topic: TopicCanMeasure, Device: c.sess.device})
	}
}

// attach installs ch as the session channel. Deliveries are tagged with a
// new generation so those of an earlier channel are dropped.
func (c *Controller) attach(ch transport.Channel) {
	c.gen++
	gen := c.gen
	c.ch = ch
	c.asm = transport.NewAssembler(c.driver.Split())
	if c.cfg.ProtocolLogger != nil {
		c.asm.SetLogger(c.cfg.ProtocolLogger, c.sess.id)
	}
	ch.SetReceiver(func(d transport.Delivery) {
		c.post(func() { c.deliver(gen, d) })
	})
}

// detach closes and forgets the session channel.
func (c *Controller) detach(reason string) {
	if c.ch == nil {
		return
	}
	c.gen++
	old := c.ch.State()
	if err := c.ch.Close(); err != nil {
		c.debugLog("close channel", "error", err)
	}
	c.captureChannel(old, transport.ChannelClosed, reason)
	c.ch = nil
	c.asm = nil
	c.canMeasure = false
}

// VerifyBarcode confirms the participant barcode. Whitespace is ignored.
func (c *Controller) VerifyBarcode(input string) error {
	return c.call(func() error {
		if c.sess == nil {
			return &StateError{Op: "verifyBarcode", State: c.m.state, Reason: "no session"}
		}
		got := normalizeBarcode(input)
		c.sess.verification = got
		if got == "" || got != normalizeBarcode(c.sess.barcode) {
			c.sess.verified = false
			err := fmt.Errorf("%w: %q", ErrBarcodeMismatch, got)
			c.report(log.LayerSession, err, "verify barcode")
			return err
		}
		c.sess.verified = true
		c.debugLog("barcode verified", "barcode", got)
		return nil
	})
}

// Measure sends the measure command. In live mode the barcode must have
// been verified.
func (c *Controller) Measure(ctx context.Context) error {
	return c.call(func() error {
		if err := c.checkCommand("measure", EventMeasureRequested); err != nil {
			return err
		}
		if c.cfg.Mode == ModeLive && !c.sess.verified {
			return c.reject(&StateError{Op: "measure", State: c.m.state, Reason: "barcode not verified"})
		}
		if err := c.dispatch(ctx, instrument.CommandMeasure); err != nil {
			c.onTransportError(err)
			return err
		}
		return c.fire(EventMeasureRequested)
	})
}

// Zero sends the zero command. The response is reported but never added
// to the test.
func (c *Controller) Zero(ctx context.Context) error {
	return c.call(func() error {
		if c.m.state != StateReady {
			return c.reject(&StateError{Op: "zero", State: c.m.state})
		}
		if err := c.checkCommand("zero", EventMeasureRequested); err != nil {
			return err
		}
		if err := c.dispatch(ctx, instrument.CommandZero); err != nil {
			if !errors.Is(err, instrument.ErrUnsupportedCommand) {
				c.onTransportError(err)
			}
			return err
		}
		return nil
	})
}

// checkCommand rejects a command while another is outstanding, while the
// channel is being reopened, or when ev is not allowed.
func (c *Controller) checkCommand(op string, ev Event) error {
	if !c.m.can(ev) {
		return c.reject(&StateError{Op: op, State: c.m.state})
	}
	if c.pending != nil {
		return c.reject(&StateError{Op: op, State: c.m.state, Reason: c.pending.cmd.String() + " outstanding"})
	}
	if c.reopening != nil {
		return c.reject(&StateError{Op: op, State: c.m.state, Reason: "channel reopening"})
	}
	return nil
}

// dispatch encodes and sends cmd and records it as outstanding.
func (c *Controller) dispatch(ctx context.Context, cmd instrument.Command) error {
	if c.ch == nil {
		return transport.ErrNotOpen
	}
	req, err := c.codec.Encode(cmd)
	if err != nil {
		c.report(log.LayerCodec, err, cmd.String())
		return err
	}
	c.captureRequest(cmd, req)
	if err := c.ch.Send(ctx, req); err != nil {
		return err
	}

	c.nextCmdID++
	id := c.nextCmdID
	p := &pendingCommand{id: id, cmd: cmd, timeout: c.responseTimeout()}
	p.timer = time.AfterFunc(p.timeout, func() {
		c.post(func() { c.timeout(id) })
	})
	c.pending = p
	c.debugLog("command sent", "command", cmd, "bytes", len(req))
	return nil
}

// responseTimeout returns how long to wait for a response on the current
// channel. A channel that bounds its own requests gets its bound plus
// ResponseTimeout, so its own timeout error arrives first.
func (c *Controller) responseTimeout() time.Duration {
	if b, ok := c.ch.(transport.Bounded); ok {
		return b.Timeout() + c.cfg.ResponseTimeout
	}
	return c.cfg.ResponseTimeout
}

func (c *Controller) clearPending() {
	if c.pending == nil {
		return
	}
	c.pending.timer.Stop()
	c.pending = nil
}

func (c *Controller) timeout(id uint64) {
	if c.pending == nil || c.pending.id != id {
		return
	}
	cmd, timeout := c.pending.cmd, c.pending.timeout
	if cc, ok := c.ch.(transport.Canceler); ok {
		cc.Cancel()
	}
	if c.asm != nil {
		c.asm.Reset()
	}
	c.onTransportError(fmt.Errorf("%w: no response to %s within %s", transport.ErrTimeout, cmd, timeout))
}

// deliver handles one channel delivery on the event loop.
func (c *Controller) deliver(gen uint64, d transport.Delivery) {
	if gen != c.gen || c.ch == nil {
		c.debugLog("stale delivery dropped", "generation", gen)
		return
	}
	if d.Err != nil {
		c.onTransportError(d.Err)
		return
	}

	var frames []transport.RawFrame
	var err error
	if len(d.Data) > 0 {
		frames, err = c.asm.Push(d.Data)
	}
	if err == nil && d.Done {
		var rest []transport.RawFrame
		rest, err = c.asm.Complete()
		frames = append(frames, rest...)
	}
	for _, f := range frames {
		c.handleFrame(f)
	}
	if err != nil {
		c.asm.Reset()
		c.onProtocolError(fmt.Errorf("%w: %w", instrument.ErrProtocol, err))
	}
}

func (c *Controller) handleFrame(f transport.RawFrame) {
	if c.pending == nil {
		c.debugLog("unsolicited frame dropped", "seq", f.Seq, "bytes", len(f.Data))
		return
	}
	cmd := c.pending.cmd
	c.clearPending()

	resp, err := c.codec.Decode(cmd, f)
	if err != nil {
		c.onProtocolError(err)
		return
	}
	c.captureResponse(cmd, resp)
	if resp.Device.Len() > 0 {
		c.sess.mergeDevice(resp.Device)
	}

	switch cmd {
	case instrument.CommandIdentify:
		if c.m.state == StateConnecting {
			c.connected()
		}
	case instrument.CommandZero:
		c.notify(Notification{Topic: TopicDataChanged, Measurements: resp.Measurements})
	case instrument.CommandMeasure:
		c.addMeasurements(resp.Measurements)
	}
}

// addMeasurements appends decoded measurements to the test. Rejected
// measurements are reported and leave the test unchanged.
func (c *Controller) addMeasurements(ms []model.Measurement) {
	var added []model.Measurement
	for _, m := range ms {
		if err := c.test.Append(m); err != nil {
			c.report(log.LayerSession, err, "append measurement")
			continue
		}
		added = append(added, m)
		_ = c.fire(EventMeasurementReceived)
	}
	c.notify(Notification{Topic: TopicDataChanged, Measurements: added})

	if c.test.Valid() && c.m.can(EventTestCompleted) {
		_ = c.fire(EventTestCompleted)
		if !c.canWrite {
			c.canWrite = true
			c.notify(Notification{Topic: TopicCanWrite})
		}
	}
}

// onProtocolError reports an undecodable frame. Nothing is appended and
// the command is not retried.
func (c *Controller) onProtocolError(err error) {
	c.clearPending()
	c.report(log.LayerCodec, err, "decode")
	if c.m.state == StateConnecting {
		c.detach("identify failed")
		_ = c.connectFailed(err)
	}
}

// onTransportError applies the error policy for a failed delivery or send.
func (c *Controller) onTransportError(err error) {
	c.clearPending()
	c.report(log.LayerTransport, err, "channel")

	switch {
	case errors.Is(err, transport.ErrConfiguration):
		c.stopReopen()
		c.detach("configuration error")
		c.lose()

	case errors.Is(err, transport.ErrLine):
		if c.cfg.ReopenAttempts == 0 {
			c.detach("line error")
			c.lose()
			return
		}
		c.startReopen()

	case errors.Is(err, transport.ErrClosed):
		c.stopReopen()
		c.detach("closed by peer")
		if c.m.can(EventTransportError) {
			_ = c.fire(EventTransportError)
		}

	default:
		if c.m.state == StateConnecting {
			c.detach("identify failed")
			_ = c.connectFailed(err)
		}
	}
}

// lose returns to AwaitingSelection after the channel was given up.
func (c *Controller) lose() {
	switch {
	case c.m.can(EventConnectFailed):
		_ = c.fire(EventConnectFailed)
	case c.m.can(EventDisconnected):
		_ = c.fire(EventDisconnected)
	default:
		return
	}
	c.notify(Notification{Topic: TopicCanSelectDevice})
}

// startReopen closes the channel and reopens it in the background.
func (c *Controller) startReopen() {
	if c.reopening != nil || c.ch == nil {
		return
	}
	ch, gen := c.ch, c.gen
	old := ch.State()
	_ = ch.Close()
	c.captureChannel(old, transport.ChannelClosed, "line error")
	if c.asm != nil {
		c.asm.Reset()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.reopening = cancel
	r := connection.NewReopener(connection.Config{
		Attempts:   c.cfg.ReopenAttempts,
		FirstDelay: c.cfg.ReopenDelay,
		Jitter:     connection.DefaultJitter,
	})
	r.OnAttempt(func(attempt int, delay time.Duration) {
		c.debugLog("reopening channel", "attempt", attempt, "of", r.Attempts(), "delay", delay)
	})
	c.debugLog("line error, reopening", "path", ch.Path())

	go func() {
		err := r.Run(ctx, ch.Open)
		c.post(func() { c.reopened(ch, gen, err) })
	}()
}

func (c *Controller) reopened(ch transport.Channel, gen uint64, err error) {
	if gen != c.gen || c.reopening == nil {
		if err == nil {
			_ = ch.Close()
		}
		return
	}
	c.reopening()
	c.reopening = nil

	if err != nil {
		c.report(log.LayerTransport, err, "reopen")
		c.detach("reopen failed")
		c.lose()
		return
	}
	c.captureChannel(transport.ChannelClosed, ch.State(), "reopen")
	c.debugLog("channel reopened", "path", ch.Path())

	if c.m.state == StateConnecting {
		if cmd, ok := c.driver.ConnectCommand(); ok {
			if err := c.dispatch(context.Background(), cmd); err != nil {
				c.onTransportError(err)
			}
		}
	}
}

func (c *Controller) stopReopen() {
	if c.reopening != nil {
		c.reopening()
		c.reopening = nil
	}
}

// Disconnect closes the channel and returns to AwaitingSelection.
func (c *Controller) Disconnect() error {
	return c.call(func() error {
		if !c.m.can(EventDisconnected) {
			return c.reject(&StateError{Op: "disconnect", State: c.m.state})
		}
		c.stopReopen()
		c.clearPending()
		c.detach("disconnect")
		if err := c.fire(EventDisconnected); err != nil {
			return err
		}
		c.notify(Notification{Topic: TopicCanSelectDevice})
		return nil
	})
}

// ClearData discards the test and the device data and returns to Ready.
func (c *Controller) ClearData() error {
	return c.call(func() error {
		if !c.m.can(EventClearData) {
			return c.reject(&StateError{Op: "clearData", State: c.m.state})
		}
		if c.pending != nil {
			return c.reject(&StateError{Op: "clearData", State: c.m.state, Reason: c.pending.cmd.String() + " outstanding"})
		}
		c.test.Reset()
		clear(c.sess.deviceData)
		c.canWrite = false
		if err := c.fire(EventClearData); err != nil {
			return err
		}
		c.notify(Notification{Topic: TopicDataChanged})
		return nil
	})
}

// Write hands the result to the sink. A sink failure keeps the session in
// AwaitingWrite so the write can be retried.
func (c *Controller) Write(ctx context.Context) (Result, error) {
	var result Result
	err := c.call(func() error {
		if !c.m.can(EventWriteRequested) {
			return c.reject(&StateError{Op: "write", State: c.m.state})
		}
		r := buildResult(c.sess.deviceData, c.test.ResultObject(), c.sess.barcode, c.sess.verification)
		if c.cfg.Sink != nil {
			if err := c.cfg.Sink.WriteResult(ctx, r); err != nil {
				err = fmt.Errorf("write result: %w", err)
				c.report(log.LayerSession, err, "write")
				return err
			}
		}
		result = r
		return c.fire(EventWriteRequested)
	})
	return result, err
}

// Finish ends the session from any state: the channel is closed, the
// device path is cached and the controller returns to Idle.
func (c *Controller) Finish() error {
	return c.call(func() error {
		c.stopReopen()
		c.clearPending()
		c.saveDevice()
		c.detach("finish")
		c.test.Reset()
		c.devices = nil
		c.canWrite = false
		if err := c.fire(EventFinish); err != nil {
			return err
		}
		if c.sess != nil {
			c.debugLog("session finished", "id", c.sess.id)
		}
		c.sess = nil
		return nil
	})
}

// saveDevice caches the path of a device that was connected.
func (c *Controller) saveDevice() {
	if c.cfg.Settings == nil || c.sess == nil || c.cfg.Mode == ModeSimulate {
		return
	}
	path := c.sess.connected
	if path == "" {
		return
	}
	err := c.cfg.Settings.Update(func(s *persistence.Settings) {
		s.Set(string(c.driver.Kind()), c.driver.SettingsKey(), path)
	})
	if err != nil {
		c.warn("save settings", "path", c.cfg.Settings.Path(), "error", err)
	}
}

// fire applies ev and notifies observers of a state change.
func (c *Controller) fire(ev Event) error {
	old, next, err := c.m.fire(ev)
	if err != nil {
		return c.reject(err.(*StateError))
	}
	c.captureState(old, next, ev)
	if old != next {
		c.debugLog("state changed", "from", old, "to", next, "event", ev)
		c.notify(Notification{Topic: TopicStateChanged, Old: old, New: next})
	}
	return nil
}

// reject logs and reports a state violation.
func (c *Controller) reject(err *StateError) error {
	c.warn("rejected", "op", err.Op, "state", err.State, "reason", err.Reason)
	c.captureError(log.LayerSession, err, err.Op)
	c.notify(Notification{Topic: TopicError, Err: err})
	return err
}

// report logs err, captures it and notifies observers.
func (c *Controller) report(layer log.Layer, err error, op string) {
	c.debugLog("error", "op", op, "kind", ErrorKind(err), "error", err)
	c.captureError(layer, err, op)
	c.notify(Notification{Topic: TopicError, Err: err})
}

func (c *Controller) notify(n Notification) {
	if c.closed {
		return
	}
	n.At = c.cfg.now()
	if n.Topic != TopicStateChanged {
		n.Old, n.New = c.m.state, c.m.state
	}
	c.observers.notify(n)
}

// debugLog logs a debug message if logging is enabled.
func (c *Controller) debugLog(msg string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug(msg, args...)
	}
}

func (c *Controller) warn(msg string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Warn(msg, args...)
	}
}
