package device

import (
	"github.com/rendezvous-labs/rendezvous/pkg/keys"
	"github.com/rendezvous-labs/rendezvous/pkg/protocol"
)

// EventKind is the fixed enumeration of delegate events a Device emits,
// replacing an open-ended delegate interface.
type EventKind int

const (
	EventUserDeviceChanged EventKind = iota
	EventUserDeviceAdded
	EventUserDeviceRemoved
	EventTopicAdded
	EventTopicUpdated
	EventUpdateReceived
	EventChainStateReceived
	EventInvalidChain
	EventUpdateVerifiedLate
)

func (k EventKind) String() string {
	switch k {
	case EventUserDeviceChanged:
		return "user_device_changed"
	case EventUserDeviceAdded:
		return "user_device_added"
	case EventUserDeviceRemoved:
		return "user_device_removed"
	case EventTopicAdded:
		return "topic_added"
	case EventTopicUpdated:
		return "topic_updated"
	case EventUpdateReceived:
		return "update_received"
	case EventChainStateReceived:
		return "chain_state_received"
	case EventInvalidChain:
		return "invalid_chain"
	case EventUpdateVerifiedLate:
		return "update_verified_late"
	default:
		return "unknown_event"
	}
}

// Event is the single payload shape delivered to a Handler; only the
// fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	Device keys.SigningPublicKey

	TopicID [protocol.TopicIDSize]byte
	Topic   protocol.Topic

	Update     protocol.Update
	Verified   bool
	ChainIndex uint32

	Sender keys.SigningPublicKey
}

// Handler receives every event a Device emits. The device holds only a
// weak reference to it (a plain field, no back-reference from topic state
// to the device), so topics never keep a device alive.
type Handler func(Event)
