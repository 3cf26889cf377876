package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/CodyCooperGit/cypress/pkg/instrument"
	"github.com/CodyCooperGit/cypress/pkg/log"
	"github.com/CodyCooperGit/cypress/pkg/model"
	"github.com/CodyCooperGit/cypress/pkg/persistence"
	"github.com/CodyCooperGit/cypress/pkg/transport"
)

const (
	testBarcode = "12345678"
	waitTimeout = 3 * time.Second
	fraxOutput  = "t,19,65,1,24.5,0,0,0,0,0,0,0,-1.2,12.34,2.06,9.87,1.45\n"
)

var fixedTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

// stubChannel is a Channel whose Open and Send are scripted with testify.
type stubChannel struct {
	mock.Mock

	mu    sync.Mutex
	recv  transport.Receiver
	state transport.ChannelState
}

func newStubChannel() *stubChannel {
	s := &stubChannel{}
	s.On("Close").Return(nil).Maybe()
	return s
}

func (s *stubChannel) Path() string { return "/dev/ttyTEST" }

func (s *stubChannel) SetReceiver(r transport.Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recv = r
}

func (s *stubChannel) receiver() transport.Receiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recv
}

func (s *stubChannel) State() transport.ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubChannel) setState(st transport.ChannelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *stubChannel) Open(ctx context.Context) error {
	err := s.Called().Error(0)
	if err == nil {
		s.setState(transport.ChannelOpen)
	}
	return err
}

func (s *stubChannel) Send(ctx context.Context, data []byte) error {
	return s.Called(string(data)).Error(0)
}

func (s *stubChannel) Close() error {
	s.Called()
	s.setState(transport.ChannelClosed)
	return nil
}

// push delivers d through the receiver installed by the controller.
func (s *stubChannel) push(d transport.Delivery) {
	if r := s.receiver(); r != nil {
		r(d)
	}
}

// answer makes every Send reply with resp followed by a completion signal.
func (s *stubChannel) answer(req, resp string) *mock.Call {
	return s.On("Send", req).Run(func(mock.Arguments) {
		s.push(transport.Delivery{Data: []byte(resp)})
		s.push(transport.Delivery{Done: true})
	}).Return(nil)
}

// recorder collects notifications of every topic.
type recorder struct {
	ch chan Notification
}

func record(t *testing.T, c *Controller) *recorder {
	t.Helper()
	r := &recorder{ch: make(chan Notification, 512)}
	for topic := TopicStateChanged; topic <= TopicError; topic++ {
		require.NoError(t, c.Subscribe(topic, ObserverFunc(func(n Notification) {
			select {
			case r.ch <- n:
			default:
			}
		})))
	}
	return r
}

// waitFor returns the next notification of topic, skipping others.
func (r *recorder) waitFor(t *testing.T, topic Topic) Notification {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case n := <-r.ch:
			if n.Topic == topic {
				return n
			}
		case <-timeout:
			t.Fatalf("no %s notification", topic)
			return Notification{}
		}
	}
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, waitTimeout, 5*time.Millisecond,
		"state %s, want %s", c.State(), want)
}

func sessionInputs(t *testing.T, raw map[string]any) model.Inputs {
	t.Helper()
	if raw == nil {
		raw = map[string]any{}
	}
	if _, ok := raw[model.InputBarcode]; !ok {
		raw[model.InputBarcode] = testBarcode
	}
	in, err := model.ParseInputs(raw, model.KeyPolicyLenient)
	require.NoError(t, err)
	return in
}

func newController(t *testing.T, kind instrument.Kind, cfg Config) *Controller {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = fixedClock
	}
	driver, err := instrument.New(kind, instrument.Options{Inputs: cfg.Inputs, Clock: cfg.Clock})
	require.NoError(t, err)
	c, err := NewController(driver, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// stubConfig returns a live configuration whose channels are stubs.
func stubConfig(t *testing.T, channels ...*stubChannel) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Inputs = sessionInputs(t, nil)
	cfg.Device = "/dev/ttyTEST"
	cfg.ResponseTimeout = time.Second
	cfg.ReopenDelay = time.Millisecond

	var mu sync.Mutex
	next := 0
	cfg.NewChannel = func(instrument.Device) (transport.Channel, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(channels) {
			return nil, errors.New("no more channels")
		}
		ch := channels[next]
		next++
		return ch, nil
	}
	return cfg
}

// readyFrax starts a live FRAX session on st and verifies the barcode.
func readyFrax(t *testing.T, cfg Config, st *stubChannel) (*Controller, *recorder) {
	t.Helper()
	st.On("Open").Return(nil)
	c := newController(t, instrument.KindFrax, cfg)
	rec := record(t, c)
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, StateReady, c.State())
	require.NoError(t, c.VerifyBarcode(testBarcode))
	return c, rec
}

func TestNewControllerValidates(t *testing.T) {
	_, err := NewController(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	driver, err := instrument.New(instrument.KindWeighScale, instrument.Options{})
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.ResponseTimeout = 0
	_, err = NewController(driver, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSimulatedWeighScaleSession(t *testing.T) {
	var written Result
	cfg := DefaultConfig()
	cfg.Mode = ModeSimulate
	cfg.Inputs = sessionInputs(t, nil)
	cfg.Sink = ResultSinkFunc(func(_ context.Context, r Result) error {
		written = r
		return nil
	})
	c := newController(t, instrument.KindWeighScale, cfg)
	rec := record(t, c)

	require.NoError(t, c.Start(context.Background()))
	dev := rec.waitFor(t, TopicCanMeasure).Device
	assert.Equal(t, "simulator", dev.Path)
	assert.Equal(t, StateReady, c.State())

	require.NoError(t, c.Measure(context.Background()))
	rec.waitFor(t, TopicCanWrite)
	assert.Equal(t, StateAwaitingWrite, c.State())
	require.Len(t, c.Test(), 1)

	result, err := c.Write(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateFinished, c.State())
	assert.Equal(t, "36.1", result[instrument.KeyWeight])
	assert.Equal(t, "C", result[instrument.KeyUnits])
	assert.Equal(t, "body", result[instrument.KeyMode])
	assert.Equal(t, "12345", result[instrument.KeySoftwareID])
	assert.Equal(t, testBarcode, result[ResultBarcode])
	assert.Equal(t, "", result[ResultVerificationBarcode])
	assert.Equal(t, result, written)

	snap, ok := c.Session()
	require.True(t, ok)
	assert.Equal(t, ModeSimulate, snap.Mode)
	assert.Equal(t, StateFinished, snap.State)
	assert.NotEmpty(t, snap.ID)

	require.NoError(t, c.Finish())
	assert.Equal(t, StateIdle, c.State())
	_, ok = c.Session()
	assert.False(t, ok)
}

func TestStateNotifications(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeSimulate
	cfg.Inputs = sessionInputs(t, nil)
	c := newController(t, instrument.KindWeighScale, cfg)
	rec := record(t, c)

	require.NoError(t, c.Start(context.Background()))

	want := []State{StateScanning, StateAwaitingSelection, StateConnecting, StateReady}
	for _, s := range want {
		n := rec.waitFor(t, TopicStateChanged)
		assert.Equal(t, s, n.New)
		assert.NotEqual(t, n.Old, n.New)
		assert.Equal(t, fixedTime, n.At)
	}
}

func TestZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeSimulate
	cfg.Inputs = sessionInputs(t, nil)
	c := newController(t, instrument.KindWeighScale, cfg)
	rec := record(t, c)

	require.NoError(t, c.Start(context.Background()))
	rec.waitFor(t, TopicCanMeasure)

	require.NoError(t, c.Zero(context.Background()))
	n := rec.waitFor(t, TopicDataChanged)
	require.Len(t, n.Measurements, 1)
	assert.Equal(t, "0.0", n.Measurements[0].String(instrument.KeyWeight))
	assert.Equal(t, StateReady, c.State())
	assert.Empty(t, c.Test(), "zero readings are not part of the test")
}

func TestZeroUnsupported(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeSimulate
	cfg.Inputs = sessionInputs(t, nil)
	c := newController(t, instrument.KindAudiometer, cfg)
	rec := record(t, c)

	require.NoError(t, c.Start(context.Background()))
	rec.waitFor(t, TopicCanMeasure)

	err := c.Zero(context.Background())
	assert.ErrorIs(t, err, instrument.ErrUnsupportedCommand)
	assert.Equal(t, StateReady, c.State())
}

func TestBarcodeGate(t *testing.T) {
	st := newStubChannel()
	st.On("Open").Return(nil)
	cfg := stubConfig(t, st)
	c := newController(t, instrument.KindFrax, cfg)
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, StateReady, c.State())

	err := c.Measure(context.Background())
	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "barcode not verified", se.Reason)
	st.AssertNotCalled(t, "Send", mock.Anything)

	err = c.VerifyBarcode("87654321")
	assert.ErrorIs(t, err, ErrBarcodeMismatch)
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.ErrorIs(t, c.VerifyBarcode("   "), ErrBarcodeMismatch)
	assert.Error(t, c.Measure(context.Background()))

	require.NoError(t, c.VerifyBarcode(" 1234 5678\n"))
	snap, _ := c.Session()
	assert.True(t, snap.Verified)
	assert.Equal(t, testBarcode, snap.VerificationBarcode)

	st.On("Send", mock.Anything).Return(nil).Once()
	require.NoError(t, c.Measure(context.Background()))
	assert.Equal(t, StateMeasuring, c.State())
}

func TestVerifyBarcodeWithoutSession(t *testing.T) {
	c := newController(t, instrument.KindWeighScale, DefaultConfig())
	err := c.VerifyBarcode(testBarcode)
	assert.ErrorIs(t, err, ErrState)
}

func TestLiveFraxSession(t *testing.T) {
	st := newStubChannel()
	cfg := stubConfig(t, st)
	c, rec := readyFrax(t, cfg, st)

	st.answer(mock.Anything, fraxOutput)
	require.NoError(t, c.Measure(context.Background()))
	rec.waitFor(t, TopicCanWrite)
	assert.Len(t, c.Test(), len(instrument.FractureTypes))

	result, err := c.Write(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testBarcode, result[ResultVerificationBarcode])
	assert.Equal(t, "65", result["age"])
}

func TestMeasureRejectedWhileOutstanding(t *testing.T) {
	st := newStubChannel()
	cfg := stubConfig(t, st)
	c, _ := readyFrax(t, cfg, st)

	st.On("Send", mock.Anything).Return(nil)
	require.NoError(t, c.Measure(context.Background()))

	err := c.Measure(context.Background())
	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Reason, "outstanding")
	st.AssertNumberOfCalls(t, "Send", 1)

	assert.ErrorIs(t, c.ClearData(), ErrState)
}

func TestResponseTimeout(t *testing.T) {
	st := newStubChannel()
	cfg := stubConfig(t, st)
	cfg.ResponseTimeout = 50 * time.Millisecond
	c, rec := readyFrax(t, cfg, st)

	st.On("Send", mock.Anything).Return(nil)
	require.NoError(t, c.Measure(context.Background()))

	n := rec.waitFor(t, TopicError)
	assert.ErrorIs(t, n.Err, transport.ErrTimeout)
	assert.Equal(t, StateMeasuring, c.State())

	require.NoError(t, c.Measure(context.Background()), "timed out command no longer outstanding")
	st.AssertNumberOfCalls(t, "Send", 2)
}

// boundedStub is a stubChannel that bounds its own requests and can abandon
// one in flight.
type boundedStub struct {
	*stubChannel
	bound time.Duration
}

func (b *boundedStub) Timeout() time.Duration { return b.bound }
func (b *boundedStub) Cancel()                { b.Called() }

func TestResponseTimeoutExtendedByChannelBound(t *testing.T) {
	st := newStubChannel()
	bs := &boundedStub{stubChannel: st, bound: 150 * time.Millisecond}
	cfg := stubConfig(t)
	cfg.ResponseTimeout = 50 * time.Millisecond
	cfg.NewChannel = func(instrument.Device) (transport.Channel, error) { return bs, nil }
	c, rec := readyFrax(t, cfg, st)

	st.On("Send", mock.Anything).Return(nil)
	st.On("Cancel").Return().Once()
	sent := time.Now()
	require.NoError(t, c.Measure(context.Background()))

	n := rec.waitFor(t, TopicError)
	assert.GreaterOrEqual(t, time.Since(sent), 200*time.Millisecond)
	assert.ErrorIs(t, n.Err, transport.ErrTimeout)
	assert.ErrorContains(t, n.Err, "within 200ms")
	st.AssertCalled(t, "Cancel")
	assert.Equal(t, StateMeasuring, c.State())
}

func TestSlowBlackboxOutlastsResponseTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script blackbox")
	}
	dir := t.TempDir()
	exe := filepath.Join(dir, "blackbox")
	script := "#!/bin/sh\nsleep 1\nIFS= read -r line < input.txt\nprintf '%s,12.34,2.06,9.87,1.45\\n' \"$line\" > output.txt\n"
	require.NoError(t, os.WriteFile(exe, []byte(script), 0755))

	cfg := DefaultConfig()
	cfg.ResponseTimeout = 300 * time.Millisecond
	cfg.Inputs = sessionInputs(t, map[string]any{
		"age": 65, "gender": "female", "bmi": 24.5, "femoral_neck_tscore": -1.2,
	})
	cfg.Device = exe
	c := newController(t, instrument.KindFrax, cfg)
	rec := record(t, c)

	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, StateReady, c.State())
	require.NoError(t, c.VerifyBarcode(testBarcode))
	require.NoError(t, c.Measure(context.Background()))

	rec.waitFor(t, TopicCanWrite)
	assert.Equal(t, StateAwaitingWrite, c.State())
	result, err := c.Write(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "65", result["age"])
}

func TestProtocolErrorKeepsTest(t *testing.T) {
	st := newStubChannel()
	cfg := stubConfig(t, st)
	c, rec := readyFrax(t, cfg, st)

	st.answer(mock.Anything, "garbage\n").Once()
	require.NoError(t, c.Measure(context.Background()))

	n := rec.waitFor(t, TopicError)
	assert.ErrorIs(t, n.Err, instrument.ErrProtocol)
	assert.Equal(t, "protocol", ErrorKind(n.Err))
	assert.Equal(t, StateMeasuring, c.State())
	assert.Empty(t, c.Test())

	st.answer(mock.Anything, fraxOutput)
	require.NoError(t, c.Measure(context.Background()))
	rec.waitFor(t, TopicCanWrite)
}

func TestClosedByPeerFails(t *testing.T) {
	st := newStubChannel()
	cfg := stubConfig(t, st)
	c, _ := readyFrax(t, cfg, st)

	st.push(transport.Delivery{Err: transport.ErrClosed})
	waitState(t, c, StateFailed)
	assert.Equal(t, transport.ChannelClosed, st.State())

	assert.ErrorIs(t, c.Measure(context.Background()), ErrState)
	require.NoError(t, c.Finish())
	assert.Equal(t, StateIdle, c.State())
}

func TestConfigurationErrorReturnsToSelection(t *testing.T) {
	st := newStubChannel()
	cfg := stubConfig(t, st)
	c, rec := readyFrax(t, cfg, st)

	st.push(transport.Delivery{Err: transport.ErrConfiguration})
	waitState(t, c, StateAwaitingSelection)
	rec.waitFor(t, TopicCanSelectDevice)
}

func TestLineErrorReopens(t *testing.T) {
	st := newStubChannel()
	cfg := stubConfig(t, st)
	c, _ := readyFrax(t, cfg, st)

	st.answer(mock.Anything, fraxOutput)
	st.push(transport.Delivery{Err: transport.ErrLine})
	require.Eventually(t, func() bool {
		return c.Measure(context.Background()) == nil
	}, waitTimeout, 5*time.Millisecond)
	waitState(t, c, StateAwaitingWrite)
	st.AssertNumberOfCalls(t, "Open", 2)
}

func TestLineErrorReopenExhausted(t *testing.T) {
	st := newStubChannel()
	st.On("Open").Return(nil).Once()
	st.On("Open").Return(transport.ErrLine)
	cfg := stubConfig(t, st)
	c := newController(t, instrument.KindFrax, cfg)
	rec := record(t, c)
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, StateReady, c.State())

	st.push(transport.Delivery{Err: transport.ErrLine})
	waitState(t, c, StateAwaitingSelection)
	rec.waitFor(t, TopicCanSelectDevice)
	st.AssertNumberOfCalls(t, "Open", 1+DefaultReopenAttempts)
}

func TestLineErrorWithoutReopen(t *testing.T) {
	st := newStubChannel()
	cfg := stubConfig(t, st)
	cfg.ReopenAttempts = 0
	c, _ := readyFrax(t, cfg, st)

	st.push(transport.Delivery{Err: transport.ErrLine})
	waitState(t, c, StateAwaitingSelection)
	st.AssertNumberOfCalls(t, "Open", 1)
}

func TestStaleDeliveryDropped(t *testing.T) {
	first, second := newStubChannel(), newStubChannel()
	second.On("Open").Return(nil)
	cfg := stubConfig(t, first, second)
	c, _ := readyFrax(t, cfg, first)
	stale := first.receiver()

	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateAwaitingSelection, c.State())
	require.NoError(t, c.SelectDevice(context.Background(), "/dev/ttyTEST"))
	require.Equal(t, StateReady, c.State())

	stale(transport.Delivery{Err: transport.ErrClosed})
	// A round trip through the event loop orders the check after the
	// stale delivery.
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, transport.ChannelOpen, second.State())
}

func TestIdentifyOnConnect(t *testing.T) {
	st := newStubChannel()
	st.On("Open").Return(nil)
	st.On("Send", "i").Run(func(mock.Arguments) {
		st.push(transport.Delivery{Data: []byte("54321\r\n")})
	}).Return(nil)
	cfg := stubConfig(t, st)
	c := newController(t, instrument.KindWeighScale, cfg)
	rec := record(t, c)

	require.NoError(t, c.Start(context.Background()))
	rec.waitFor(t, TopicCanMeasure)

	snap, ok := c.Session()
	require.True(t, ok)
	assert.Equal(t, "54321", snap.DeviceData[instrument.KeySoftwareID])
	assert.Equal(t, "/dev/ttyTEST", snap.Device.Path)
}

func TestIdentifyFailureReturnsToSelection(t *testing.T) {
	st := newStubChannel()
	st.On("Open").Return(nil)
	st.On("Send", "i").Run(func(mock.Arguments) {
		st.push(transport.Delivery{Data: []byte("\r\n")})
	}).Return(nil)
	cfg := stubConfig(t, st)
	c := newController(t, instrument.KindWeighScale, cfg)
	rec := record(t, c)

	require.NoError(t, c.Start(context.Background()))
	n := rec.waitFor(t, TopicError)
	assert.ErrorIs(t, n.Err, instrument.ErrProtocol)
	waitState(t, c, StateAwaitingSelection)
	assert.Equal(t, transport.ChannelClosed, st.State())
}

func TestOpenFailureReturnsToSelection(t *testing.T) {
	st := newStubChannel()
	st.On("Open").Return(transport.ErrConfiguration)
	cfg := stubConfig(t, st)
	c := newController(t, instrument.KindFrax, cfg)
	rec := record(t, c)

	require.NoError(t, c.Start(context.Background()), "auto selection failure is reported, not returned")
	assert.Equal(t, StateAwaitingSelection, c.State())
	n := rec.waitFor(t, TopicError)
	assert.Equal(t, "configuration", ErrorKind(n.Err))
}

func TestMissingExecutableThenCorrected(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script blackbox")
	}
	dir := t.TempDir()
	exe := filepath.Join(dir, "blackbox")
	script := "#!/bin/sh\nIFS= read -r line < input.txt\nprintf '%s,12.34,2.06,9.87,1.45\\n' \"$line\" > output.txt\n"
	require.NoError(t, os.WriteFile(exe, []byte(script), 0755))

	cfg := DefaultConfig()
	cfg.Inputs = sessionInputs(t, map[string]any{
		"age": 65, "gender": "female", "bmi": 24.5, "femoral_neck_tscore": -1.2,
	})
	cfg.Device = filepath.Join(dir, "missing")
	c := newController(t, instrument.KindFrax, cfg)
	rec := record(t, c)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateAwaitingSelection, c.State())
	n := rec.waitFor(t, TopicError)
	assert.ErrorIs(t, n.Err, transport.ErrConfiguration)

	require.NoError(t, c.SelectDevice(context.Background(), exe))
	assert.Equal(t, StateReady, c.State())

	require.NoError(t, c.VerifyBarcode(testBarcode))
	require.NoError(t, c.Measure(context.Background()))
	rec.waitFor(t, TopicCanWrite)

	result, err := c.Write(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", result["sex"])
	require.NoError(t, c.Finish())

	_, err = os.Stat(filepath.Join(dir, "input.txt"))
	assert.True(t, os.IsNotExist(err), "input file removed on close")
}

func TestWriteSinkFailureKeepsAwaitingWrite(t *testing.T) {
	fail := true
	cfg := DefaultConfig()
	cfg.Mode = ModeSimulate
	cfg.Inputs = sessionInputs(t, nil)
	cfg.Sink = ResultSinkFunc(func(context.Context, Result) error {
		if fail {
			return errors.New("disk full")
		}
		return nil
	})
	c := newController(t, instrument.KindWeighScale, cfg)
	rec := record(t, c)

	require.NoError(t, c.Start(context.Background()))
	rec.waitFor(t, TopicCanMeasure)
	require.NoError(t, c.Measure(context.Background()))
	rec.waitFor(t, TopicCanWrite)

	_, err := c.Write(context.Background())
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, StateAwaitingWrite, c.State())

	fail = false
	_, err = c.Write(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateFinished, c.State())
}

func TestClearData(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeSimulate
	cfg.Inputs = sessionInputs(t, nil)
	c := newController(t, instrument.KindWeighScale, cfg)
	rec := record(t, c)

	require.NoError(t, c.Start(context.Background()))
	rec.waitFor(t, TopicCanMeasure)
	require.NoError(t, c.Measure(context.Background()))
	rec.waitFor(t, TopicCanWrite)

	require.NoError(t, c.ClearData())
	assert.Equal(t, StateReady, c.State())
	assert.Empty(t, c.Test())
	snap, _ := c.Session()
	assert.Empty(t, snap.DeviceData)

	_, err := c.Write(context.Background())
	assert.ErrorIs(t, err, ErrState)

	require.NoError(t, c.Measure(context.Background()))
	rec.waitFor(t, TopicCanWrite)
}

func TestFinishSavesDevice(t *testing.T) {
	store := persistence.NewSettingsStore(filepath.Join(t.TempDir(), "settings.yaml"))

	st := newStubChannel()
	cfg := stubConfig(t, st)
	cfg.Settings = store
	c, _ := readyFrax(t, cfg, st)
	require.NoError(t, c.Finish())

	settings, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, settings)
	path, ok := settings.Get(string(instrument.KindFrax), instrument.SettingExecutable)
	require.True(t, ok)
	assert.Equal(t, "/dev/ttyTEST", path)

	// The next session connects to the cached device.
	var selected string
	next := newStubChannel()
	next.On("Open").Return(nil)
	cfg = stubConfig(t, next)
	cfg.Device = ""
	cfg.Settings = store
	cfg.NewChannel = func(dev instrument.Device) (transport.Channel, error) {
		selected = dev.Path
		return next, nil
	}
	c2 := newController(t, instrument.KindFrax, cfg)
	require.NoError(t, c2.Start(context.Background()))
	assert.Equal(t, StateReady, c2.State())
	assert.Equal(t, "/dev/ttyTEST", selected)
}

func TestFinishWithoutConnectionSavesNothing(t *testing.T) {
	store := persistence.NewSettingsStore(filepath.Join(t.TempDir(), "settings.yaml"))

	st := newStubChannel()
	st.On("Open").Return(transport.ErrConfiguration)
	cfg := stubConfig(t, st)
	cfg.Settings = store
	c := newController(t, instrument.KindFrax, cfg)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Finish())

	settings, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, settings)
}

func TestSubscribeLimit(t *testing.T) {
	c := newController(t, instrument.KindWeighScale, DefaultConfig())
	noop := ObserverFunc(func(Notification) {})
	for range MaxObserversPerTopic {
		require.NoError(t, c.Subscribe(TopicError, noop))
	}
	assert.ErrorIs(t, c.Subscribe(TopicError, noop), ErrTooManyObservers)
	assert.NoError(t, c.Subscribe(TopicCanWrite, noop))
}

func TestRejectedOperationsInIdle(t *testing.T) {
	c := newController(t, instrument.KindWeighScale, DefaultConfig())
	ctx := context.Background()

	assert.ErrorIs(t, c.Measure(ctx), ErrState)
	assert.ErrorIs(t, c.Zero(ctx), ErrState)
	assert.ErrorIs(t, c.SelectDevice(ctx, "/dev/ttyS0"), ErrState)
	assert.ErrorIs(t, c.Disconnect(), ErrState)
	assert.ErrorIs(t, c.ClearData(), ErrState)
	_, err := c.Write(ctx)
	assert.ErrorIs(t, err, ErrState)

	require.NoError(t, c.Finish(), "finish is allowed in every state")
	assert.Equal(t, StateIdle, c.State())
}

func TestClosedController(t *testing.T) {
	c := newController(t, instrument.KindWeighScale, DefaultConfig())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
	assert.Equal(t, StateIdle, c.State())
}

type captureLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (l *captureLogger) Log(e log.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *captureLogger) categories() map[log.Category]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[log.Category]int)
	for _, e := range l.events {
		out[e.Category]++
	}
	return out
}

func TestProtocolCapture(t *testing.T) {
	logger := &captureLogger{}
	cfg := DefaultConfig()
	cfg.Mode = ModeSimulate
	cfg.Inputs = sessionInputs(t, nil)
	cfg.ProtocolLogger = logger
	c := newController(t, instrument.KindWeighScale, cfg)
	rec := record(t, c)

	require.NoError(t, c.Start(context.Background()))
	rec.waitFor(t, TopicCanMeasure)
	require.NoError(t, c.Measure(context.Background()))
	rec.waitFor(t, TopicCanWrite)

	cats := logger.categories()
	assert.Positive(t, cats[log.CategoryState])
	assert.Positive(t, cats[log.CategoryFrame])
	assert.Positive(t, cats[log.CategoryCommand])

	snap, _ := c.Session()
	logger.mu.Lock()
	defer logger.mu.Unlock()
	for _, e := range logger.events {
		if e.Category == log.CategoryFrame {
			assert.Equal(t, snap.ID, e.SessionID)
		}
	}
}
