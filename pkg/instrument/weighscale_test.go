package instrument

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodyCooperGit/cypress/pkg/model"
)

func TestWeighScaleEncode(t *testing.T) {
	codec := newDriver(t, KindWeighScale, Options{}).Codec()
	tests := map[Command]string{
		CommandIdentify: "i",
		CommandZero:     "z",
		CommandMeasure:  "p",
	}
	for cmd, want := range tests {
		got, err := codec.Encode(cmd)
		require.NoError(t, err)
		assert.Equal(t, want, string(got), cmd.String())
	}

	_, err := codec.Encode(Command(42))
	assert.ErrorIs(t, err, ErrUnsupportedCommand)
}

func TestWeighScaleDecodeIdentify(t *testing.T) {
	codec := newDriver(t, KindWeighScale, Options{}).Codec()

	resp, err := codec.Decode(CommandIdentify, frame("12345\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "12345", resp.Device.String(KeySoftwareID))
	assert.Empty(t, resp.Measurements)

	_, err = codec.Decode(CommandIdentify, frame("\r\n"))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestWeighScaleDecodeMeasure(t *testing.T) {
	codec := newDriver(t, KindWeighScale, Options{}).Codec()

	resp, err := codec.Decode(CommandMeasure, frame("36.1 C body\r\n"))
	require.NoError(t, err)
	require.Len(t, resp.Measurements, 1)

	m := resp.Measurements[0]
	assert.Equal(t, "36.1", m.String(KeyWeight))
	assert.Equal(t, "C", m.String(KeyUnits))
	assert.Equal(t, "body", m.String(KeyMode))
	ts, ok := m.Time(KeyTimestamp)
	require.True(t, ok)
	assert.Equal(t, fixedTime, ts)
	assert.True(t, m.Valid())
}

func TestWeighScaleDecodeNormalizesFields(t *testing.T) {
	codec := newDriver(t, KindWeighScale, Options{}).Codec()

	tests := []struct {
		raw    string
		weight string
	}{
		{"  70.26   kg\tstandard \r\n", "70.3"},
		{"0 C body extra fields\r\n", "0.0"},
		{"82 kg body", "82.0"},
	}
	for _, tt := range tests {
		resp, err := codec.Decode(CommandMeasure, frame(tt.raw))
		if err != nil {
			t.Errorf("Decode(%q): %v", tt.raw, err)
			continue
		}
		if got := resp.Measurements[0].String(KeyWeight); got != tt.weight {
			t.Errorf("Decode(%q) weight = %q, want %q", tt.raw, got, tt.weight)
		}
	}
}

func TestWeighScaleDecodeFailures(t *testing.T) {
	codec := newDriver(t, KindWeighScale, Options{}).Codec()

	for _, raw := range []string{"", "36.1 C\r\n", "heavy C body\r\n"} {
		_, err := codec.Decode(CommandMeasure, frame(raw))
		assert.ErrorIs(t, err, ErrProtocol, "%q", raw)
	}
}

func TestWeighScaleNegativeWeightIsInvalid(t *testing.T) {
	d := newDriver(t, KindWeighScale, Options{})
	resp, err := d.Codec().Decode(CommandMeasure, frame("-1.0 kg body\r\n"))
	require.NoError(t, err)

	m := resp.Measurements[0]
	assert.ErrorIs(t, m.Err(), model.ErrValueOutOfRange)

	test := d.NewTest()
	assert.ErrorIs(t, test.Append(m), model.ErrValidation)
	assert.Zero(t, test.Len())
}

func TestWeighScaleZeroReading(t *testing.T) {
	d := newDriver(t, KindWeighScale, Options{})
	resp, err := d.Codec().Decode(CommandZero, exchange(t, d, CommandZero))
	require.NoError(t, err)
	assert.Equal(t, "0.0", resp.Measurements[0].String(KeyWeight))
}

func TestWeighScaleResultObject(t *testing.T) {
	d := newDriver(t, KindWeighScale, Options{})
	resp, err := d.Codec().Decode(CommandMeasure, frame("36.1 C body\r\n"))
	require.NoError(t, err)

	test := d.NewTest()
	require.NoError(t, test.Append(resp.Measurements[0]))
	assert.True(t, test.Complete())
	assert.ErrorIs(t, test.Append(resp.Measurements[0]), model.ErrSlotTaken)

	assert.Equal(t, map[string]any{
		"weight":    "36.1",
		"units":     "C",
		"mode":      "body",
		"timestamp": fixedTime,
	}, test.ResultObject())
}
