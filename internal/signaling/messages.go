package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/KoHat1998/livenix-bridge/internal/mediaengine"
)

const (
	methodJoin               = "join"
	methodRouterCapabilities = "getRouterRtpCapabilities"
	methodCreateTransport    = "createTransport"
	methodConnectTransport   = "connectTransport"
	methodProduce            = "produce"
	methodConsume            = "consume"
	methodResume             = "resume"
)

// request is the client-to-server envelope. Every request carries a caller
// chosen id echoed back in the reply.
type request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// response is the server-to-client reply envelope. Exactly one of Data and
// Error is set.
type response struct {
	ID    int64  `json:"id"`
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// eventMessage is a server-initiated notification; it has no id and expects
// no reply.
type eventMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func parseRequest(data []byte) (request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var req request
	if err := dec.Decode(&req); err != nil {
		return request{}, err
	}
	if req.Method == "" {
		return request{}, fmt.Errorf("request missing method")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return request{}, fmt.Errorf("unexpected trailing data")
	}
	return req, nil
}

// decodeData strictly decodes a request payload. A missing payload decodes
// the zero value so methods without arguments stay valid.
func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

type joinData struct {
	Role string `json:"role"`
}

type joinReply struct {
	PeerID       string `json:"peerId"`
	Broadcasting bool   `json:"broadcasting"`
}

type routerCapabilitiesReply struct {
	RTPCapabilities webrtc.RTPCapabilities `json:"rtpCapabilities"`
}

type createTransportData struct {
	Direction string `json:"direction"`
}

type createTransportReply struct {
	TransportID    string                `json:"transportId"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type connectTransportData struct {
	TransportID    string                `json:"transportId"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *webrtc.ICEParameters `json:"iceParameters,omitempty"`
}

type produceData struct {
	TransportID   string                    `json:"transportId"`
	Kind          string                    `json:"kind"`
	RTPParameters mediaengine.RTPParameters `json:"rtpParameters"`
}

type produceReply struct {
	ProducerID string `json:"producerId"`
}

type consumeData struct {
	TransportID     string                 `json:"transportId"`
	Kind            string                 `json:"kind"`
	RTPCapabilities webrtc.RTPCapabilities `json:"rtpCapabilities"`
}

type consumeReply struct {
	ConsumerID    string                    `json:"consumerId"`
	ProducerID    string                    `json:"producerId"`
	Kind          string                    `json:"kind"`
	RTPParameters mediaengine.RTPParameters `json:"rtpParameters"`
}

type resumeData struct {
	ConsumerID string `json:"consumerId"`
}

type producerEventData struct {
	ProducerID string `json:"producerId,omitempty"`
	Kind       string `json:"kind,omitempty"`
}
