package instrument

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const audiometerFrame = "RA300 101530 L 015 010 015 020 025 030 NR AA R 020 015 020 025 030 040 045 AA\x17\r"

func TestAudiometerEncode(t *testing.T) {
	codec := newDriver(t, KindAudiometer, Options{}).Codec()

	got, err := codec.Encode(CommandIdentify)
	require.NoError(t, err)
	assert.Equal(t, "I", string(got))

	got, err = codec.Encode(CommandMeasure)
	require.NoError(t, err)
	assert.Equal(t, "R", string(got))

	_, err = codec.Encode(CommandZero)
	assert.ErrorIs(t, err, ErrUnsupportedCommand)
}

func TestAudiometerDecodeIdentify(t *testing.T) {
	codec := newDriver(t, KindAudiometer, Options{}).Codec()

	resp, err := codec.Decode(CommandIdentify, frame("RA300 101530\x17\r"))
	require.NoError(t, err)
	assert.Equal(t, "RA300", resp.Device.String(KeyModel))
	assert.Equal(t, "101530", resp.Device.String(KeySerialNumber))

	_, err = codec.Decode(CommandIdentify, frame("RA300\x17\r"))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestAudiometerDecodeMeasure(t *testing.T) {
	d := newDriver(t, KindAudiometer, Options{})
	resp, err := d.Codec().Decode(CommandMeasure, frame(audiometerFrame))
	require.NoError(t, err)
	require.Len(t, resp.Measurements, 16)

	ts, ok := resp.Device.Time(KeyTimestamp)
	require.True(t, ok)
	assert.Equal(t, fixedTime, ts)

	test := d.NewTest()
	for _, m := range resp.Measurements {
		require.NoError(t, test.Append(m))
	}
	assert.True(t, test.Valid())

	tests := []struct {
		slot    string
		outcome string
		level   float64
	}{
		{"left_1000_test", OutcomePass, 15},
		{"left_500", OutcomePass, 10},
		{"left_6000", OutcomeNoResponse, -1},
		{"left_8000", OutcomeNotTested, -1},
		{"right_1000_test", OutcomePass, 20},
		{"right_6000", OutcomePass, 45},
		{"right_8000", OutcomeNotTested, -1},
	}
	for _, tt := range tests {
		m, ok := test.Get(tt.slot)
		if !ok {
			t.Errorf("slot %s not filled", tt.slot)
			continue
		}
		if got := m.String(KeyOutcome); got != tt.outcome {
			t.Errorf("%s outcome = %q, want %q", tt.slot, got, tt.outcome)
		}
		level, ok := m.Float(KeyLevel)
		if tt.level < 0 {
			if ok {
				t.Errorf("%s has level %v, want none", tt.slot, level)
			}
			continue
		}
		if level != tt.level {
			t.Errorf("%s level = %v, want %v", tt.slot, level, tt.level)
		}
	}

	result := test.ResultObject()
	assert.Equal(t, "left", result["left_500_side"])
	assert.Equal(t, "NR", result["left_6000_code"])
}

func TestAudiometerErrorCodes(t *testing.T) {
	tests := map[string]string{
		"AA": OutcomeNotTested,
		"NR": OutcomeNoResponse,
		"ER": OutcomePatientError,
		"XX": OutcomeMaskingError,
		"-5": OutcomePass,
		"00": OutcomePass,
	}
	for code, want := range tests {
		m, err := decodeThreshold("right", "2000", code)
		if err != nil {
			t.Errorf("decodeThreshold(%q): %v", code, err)
			continue
		}
		assert.Equal(t, want, m.String(KeyOutcome), code)
		assert.True(t, m.Valid(), code)
	}

	for _, code := range []string{"ZZ", "1", "1000", "abc"} {
		_, err := decodeThreshold("right", "2000", code)
		assert.Error(t, err, code)
	}
}

func TestAudiometerLevelOutOfRange(t *testing.T) {
	m, err := decodeThreshold("left", "500", "130")
	require.NoError(t, err)
	assert.False(t, m.Valid())
}

func TestAudiometerDecodeMalformed(t *testing.T) {
	codec := newDriver(t, KindAudiometer, Options{})

	tests := map[string]string{
		"short":       "RA300 101530 L 015 010\x17\r",
		"missing L":   strings.Replace(audiometerFrame, " L ", " X ", 1),
		"missing R":   strings.Replace(audiometerFrame, " R ", " X ", 1),
		"bad code":    strings.Replace(audiometerFrame, " NR ", " QQ ", 1),
		"extra field": strings.Replace(audiometerFrame, "\x17\r", " 010\x17\r", 1),
	}
	for name, raw := range tests {
		_, err := codec.Codec().Decode(CommandMeasure, frame(raw))
		assert.ErrorIs(t, err, ErrProtocol, name)
	}
}

func TestAudiometerSimulatorIdentifies(t *testing.T) {
	d := newDriver(t, KindAudiometer, Options{})
	resp, err := d.Codec().Decode(CommandIdentify, exchange(t, d, CommandIdentify))
	require.NoError(t, err)
	assert.Equal(t, "RA300", resp.Device.String(KeyModel))
}
