package bridge

import (
	"fmt"

	"github.com/KoHat1998/livenix-bridge/internal/mediaengine"
)

// Role distinguishes the single broadcaster from viewers.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleBroadcaster, RoleViewer:
		return Role(raw), nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

// Direction is the media flow of a transport relative to the peer.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "receive"
)

func ParseDirection(raw string) (Direction, error) {
	switch Direction(raw) {
	case DirectionSend, DirectionRecv:
		return Direction(raw), nil
	default:
		return "", fmt.Errorf("unknown direction %q", raw)
	}
}

// EventType names the notifications fanned out to connected peers.
type EventType string

const (
	EventBroadcasterStarted EventType = "broadcaster-started"
	EventBroadcasterLeft    EventType = "broadcaster-left"
	EventNewProducer        EventType = "new-producer"
	EventProducerClosed     EventType = "producer-closed"
)

// Event is a fire-and-forget notification. Kind and ProducerID are set for
// producer events only.
type Event struct {
	Type       EventType        `json:"type"`
	Kind       mediaengine.Kind `json:"kind,omitempty"`
	ProducerID string           `json:"producerId,omitempty"`
}

// Messenger delivers events to one connected peer. Implementations must not
// block; a slow or dead peer must never stall the coordinator.
type Messenger interface {
	Notify(ev Event)
}
