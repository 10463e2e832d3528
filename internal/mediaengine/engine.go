// Package mediaengine defines the boundary to the media-routing engine: the
// router, transports, producers, and consumers the bridge orchestrates but
// does not implement itself. The production implementation is backed by pion
// ORTC primitives; tests substitute fakes.
package mediaengine

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Kind is a media kind.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindAudio:
		return KindAudio, nil
	case KindVideo:
		return KindVideo, nil
	default:
		return "", fmt.Errorf("unsupported media kind %q", raw)
	}
}

func (k Kind) codecType() webrtc.RTPCodecType {
	if k == KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// RTPEncoding describes one RTP stream within produced or consumed media.
type RTPEncoding struct {
	SSRC        uint32 `json:"ssrc"`
	RID         string `json:"rid,omitempty"`
	PayloadType uint8  `json:"payloadType,omitempty"`
}

// RTPParameters is the codec/encoding description exchanged with peers when
// producing and consuming.
type RTPParameters struct {
	Codecs    []webrtc.RTPCodecParameters `json:"codecs"`
	Encodings []RTPEncoding               `json:"encodings"`
}

// TransportParameters is the connection payload the remote side needs to
// reach a server transport.
type TransportParameters struct {
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// ConnectParameters finalizes a transport's secure connection. ICEParameters
// are required by the ORTC engine; other engines may ignore them.
type ConnectParameters struct {
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *webrtc.ICEParameters `json:"iceParameters,omitempty"`
}

// Router is the media engine's per-process routing core.
type Router interface {
	// RTPCapabilities reports the codecs and header extensions the engine can
	// negotiate.
	RTPCapabilities() webrtc.RTPCapabilities

	// CreateTransport allocates a server-side transport and gathers its
	// connection parameters.
	CreateTransport(ctx context.Context) (Transport, error)

	// CanConsume is a pure predicate: whether a viewer with the given
	// capabilities can consume the producer.
	CanConsume(producer Producer, caps webrtc.RTPCapabilities) bool

	// NewProducerFromTrack wraps an externally ingested track (the plain
	// peer-connection broadcast path) as a producer.
	NewProducerFromTrack(track *webrtc.TrackRemote) (Producer, error)

	Close() error
}

// Transport is a secured network channel owned by exactly one peer.
type Transport interface {
	ID() string
	Parameters() TransportParameters
	Connect(ctx context.Context, params ConnectParameters) error
	Produce(ctx context.Context, kind Kind, params RTPParameters) (Producer, error)
	Consume(ctx context.Context, producer Producer, caps webrtc.RTPCapabilities) (Consumer, error)

	// OnClose registers fn to run when the transport closes, whether via Close
	// or an engine-side failure. Registering after close invokes fn
	// immediately.
	OnClose(fn func())

	// Close is idempotent.
	Close() error
}

// Producer is one inbound media stream from the broadcaster.
type Producer interface {
	ID() string
	Kind() Kind
	RTPParameters() RTPParameters
	OnClose(fn func())
	Close() error
}

// Consumer is one outbound media stream to a viewer. Consumers start paused
// and forward nothing until resumed.
type Consumer interface {
	ID() string
	Kind() Kind
	ProducerID() string
	RTPParameters() RTPParameters
	Resume(ctx context.Context) error
	Close() error
}
