package bridge

import (
	"errors"
	"fmt"
)

// Failure kinds reported back to the originating peer. None of them
// terminate the peer's session.
var (
	// ErrBroadcasterConflict rejects a second broadcaster while one is live.
	ErrBroadcasterConflict = errors.New("another broadcaster is already live")

	// ErrUnauthorized rejects produce calls from non-broadcasters, including a
	// stale broadcaster racing its own departure.
	ErrUnauthorized = errors.New("peer is not the broadcaster")

	// ErrUnknownResource is returned when an operation references a transport
	// or consumer id not present in the registry.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrNoProducer is returned when consume is requested before any producer
	// of that kind exists.
	ErrNoProducer = errors.New("no producer for kind")

	// ErrIncompatibleCapabilities is returned when the negotiation gateway
	// rejects the viewer's capabilities against the producer.
	ErrIncompatibleCapabilities = errors.New("incompatible rtp capabilities")

	// ErrEngineFailure wraps errors from the media engine collaborator.
	ErrEngineFailure = errors.New("media engine failure")

	// ErrPeerNotFound is returned for operations from a peer that never joined
	// or has already left.
	ErrPeerNotFound = errors.New("peer not joined")

	// ErrAlreadyJoined rejects a second join on the same connection.
	ErrAlreadyJoined = errors.New("peer already joined")

	// ErrTooManyPeers is returned when the configured peer cap is reached.
	ErrTooManyPeers = errors.New("too many peers")
)

func engineErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrEngineFailure, op, err)
}
