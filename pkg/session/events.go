package session

import (
	"time"

	"github.com/CodyCooperGit/cypress/pkg/instrument"
	"github.com/CodyCooperGit/cypress/pkg/model"
)

// MaxObserversPerTopic bounds the observers of a single topic.
const MaxObserversPerTopic = 8

// Topic identifies a kind of notification.
type Topic uint8

const (
	// TopicStateChanged - the lifecycle state changed. Old and New are set.
	TopicStateChanged Topic = iota + 1

	// TopicDeviceDiscovered - a scan found a device. Device is set.
	TopicDeviceDiscovered

	// TopicCanSelectDevice - the operator may select a device.
	TopicCanSelectDevice

	// TopicCanMeasure - the device is connected and ready to measure.
	TopicCanMeasure

	// TopicCanWrite - the test is complete and may be written.
	TopicCanWrite

	// TopicDataChanged - measurements or device data changed.
	// Measurements holds what was decoded, if anything.
	TopicDataChanged

	// TopicError - an operation or delivery failed. Err is set.
	TopicError
)

// String returns the topic name.
func (t Topic) String() string {
	switch t {
	case TopicStateChanged:
		return "STATE_CHANGED"
	case TopicDeviceDiscovered:
		return "DEVICE_DISCOVERED"
	case TopicCanSelectDevice:
		return "CAN_SELECT_DEVICE"
	case TopicCanMeasure:
		return "CAN_MEASURE"
	case TopicCanWrite:
		return "CAN_WRITE"
	case TopicDataChanged:
		return "DATA_CHANGED"
	case TopicError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Notification is delivered to observers.
type Notification struct {
	Topic        Topic
	Old          State
	New          State
	Device       instrument.Device
	Measurements []model.Measurement
	Err          error
	At           time.Time
}

// Observer receives notifications.
type Observer interface {
	Notify(n Notification)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(n Notification)

// Notify calls f(n).
func (f ObserverFunc) Notify(n Notification) { f(n) }

// observers is the bounded per-topic observer registry. It is owned by the
// event loop.
type observers map[Topic][]Observer

func (o observers) add(topic Topic, obs Observer) error {
	if len(o[topic]) >= MaxObserversPerTopic {
		return ErrTooManyObservers
	}
	o[topic] = append(o[topic], obs)
	return nil
}

func (o observers) notify(n Notification) {
	for _, obs := range o[n.Topic] {
		obs.Notify(n)
	}
}
