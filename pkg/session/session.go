package session

import (
	"maps"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/CodyCooperGit/cypress/pkg/instrument"
	"github.com/CodyCooperGit/cypress/pkg/model"
)

// Session is a snapshot of the current test session.
type Session struct {
	ID                  string
	Mode                Mode
	State               State
	StartedAt           time.Time
	Barcode             string
	VerificationBarcode string
	Verified            bool
	Device              instrument.Device
	DeviceData          map[string]any
}

// session is the controller-owned session record.
type session struct {
	id           string
	mode         Mode
	startedAt    time.Time
	barcode      string
	verification string
	verified     bool
	device       instrument.Device
	connected    string
	deviceData   map[string]any
}

func newSession(mode Mode, barcode string, now time.Time) *session {
	return &session{
		id:         uuid.NewString(),
		mode:       mode,
		startedAt:  now,
		barcode:    barcode,
		deviceData: make(map[string]any),
	}
}

// mergeDevice adds device values under canonical keys.
func (s *session) mergeDevice(m model.Measurement) {
	for _, key := range m.Keys() {
		v, _ := m.Get(key)
		s.deviceData[model.CanonicalKey(key)] = v
	}
}

func (s *session) snapshot(state State) Session {
	return Session{
		ID:                  s.id,
		Mode:                s.mode,
		State:               state,
		StartedAt:           s.startedAt,
		Barcode:             s.barcode,
		VerificationBarcode: s.verification,
		Verified:            s.verified,
		Device:              s.device,
		DeviceData:          maps.Clone(s.deviceData),
	}
}

// normalizeBarcode removes every whitespace rune.
func normalizeBarcode(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
