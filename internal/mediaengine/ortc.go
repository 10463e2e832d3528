package mediaengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// EngineConfig configures the pion-backed engine.
type EngineConfig struct {
	// AnnouncedIP is published as a NAT 1:1 host candidate so peers behind NAT
	// reach the bridge on its public address.
	AnnouncedIP net.IP

	// UDPPortMin/Max restrict ICE candidate gathering. Zero means ephemeral.
	UDPPortMin uint16
	UDPPortMax uint16

	ICEServers []webrtc.ICEServer

	Logger *slog.Logger
}

func (cfg EngineConfig) logger() *slog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSettingEngine(cfg EngineConfig) (webrtc.SettingEngine, error) {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = slogLoggerFactory{log: cfg.logger()}
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return se, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if cfg.AnnouncedIP != nil {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP.String()}, webrtc.ICECandidateTypeHost)
	}
	return se, nil
}

// NewPlainAPI builds the pion API used by the plain peer-connection
// ingestion path, with the same network restrictions as the router.
func NewPlainAPI(cfg EngineConfig) (*webrtc.API, error) {
	se, err := newSettingEngine(cfg)
	if err != nil {
		return nil, err
	}
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me)), nil
}

// pionRouter implements Router on pion's ORTC primitives: each transport is
// an ICEGatherer + ICETransport + DTLSTransport stack, producers are
// RTPReceivers, consumers are RTPSenders bound to static RTP tracks.
type pionRouter struct {
	api  *webrtc.API
	cfg  EngineConfig
	log  *slog.Logger
	caps webrtc.RTPCapabilities

	mu     sync.Mutex
	closed bool
}

func NewRouter(cfg EngineConfig) (Router, error) {
	se, err := newSettingEngine(cfg)
	if err != nil {
		return nil, err
	}

	me := &webrtc.MediaEngine{}
	for _, kind := range []Kind{KindAudio, KindVideo} {
		for _, c := range routerCodecs[kind] {
			if err := me.RegisterCodec(c, kind.codecType()); err != nil {
				return nil, fmt.Errorf("register %s codec %s: %w", kind, c.MimeType, err)
			}
		}
	}

	return &pionRouter{
		api:  webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me)),
		cfg:  cfg,
		log:  cfg.logger(),
		caps: routerCapabilities(),
	}, nil
}

func (r *pionRouter) RTPCapabilities() webrtc.RTPCapabilities { return r.caps }

func (r *pionRouter) CanConsume(producer Producer, caps webrtc.RTPCapabilities) bool {
	if producer == nil {
		return false
	}
	_, ok := selectCodec(producer.RTPParameters(), caps)
	return ok
}

func (r *pionRouter) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *pionRouter) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *pionRouter) CreateTransport(ctx context.Context) (Transport, error) {
	if r.isClosed() {
		return nil, errors.New("router closed")
	}

	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: r.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new ice gatherer: %w", err)
	}
	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("new dtls transport: %w", err)
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("gather: %w", err)
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("local ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("local ice candidates: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("local dtls parameters: %w", err)
	}

	t := &pionTransport{
		id:       uuid.NewString(),
		router:   r,
		log:      r.log,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		params: TransportParameters{
			ICEParameters:  iceParams,
			ICECandidates:  candidates,
			DTLSParameters: dtlsParams,
		},
	}

	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		switch state {
		case webrtc.DTLSTransportStateFailed, webrtc.DTLSTransportStateClosed:
			_ = t.Close()
		}
	})

	return t, nil
}

type pionTransport struct {
	id     string
	router *pionRouter
	log    *slog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	params TransportParameters

	mu        sync.Mutex
	closed    bool
	onClose   []func()
	receivers []*webrtc.RTPReceiver
	senders   []*webrtc.RTPSender
}

func (t *pionTransport) ID() string                      { return t.id }
func (t *pionTransport) Parameters() TransportParameters { return t.params }

func (t *pionTransport) Connect(ctx context.Context, params ConnectParameters) error {
	if params.ICEParameters == nil {
		return errors.New("connect requires iceParameters")
	}

	// The client side is the controlling agent; its connectivity checks reach
	// our gathered host candidates, so remote candidates are learned
	// peer-reflexively.
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, *params.ICEParameters, &role); err != nil {
		return fmt.Errorf("ice start: %w", err)
	}
	if err := t.dtls.Start(params.DTLSParameters); err != nil {
		return fmt.Errorf("dtls start: %w", err)
	}
	return nil
}

func (t *pionTransport) Produce(ctx context.Context, kind Kind, params RTPParameters) (Producer, error) {
	codec, ok := matchProducerCodec(kind, params)
	if !ok {
		return nil, fmt.Errorf("no supported %s codec in rtp parameters", kind)
	}
	if len(params.Encodings) == 0 {
		return nil, errors.New("rtp parameters carry no encodings")
	}

	receiver, err := t.router.api.NewRTPReceiver(kind.codecType(), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new rtp receiver: %w", err)
	}

	recvParams := webrtc.RTPReceiveParameters{}
	for _, e := range params.Encodings {
		recvParams.Encodings = append(recvParams.Encodings, webrtc.RTPDecodingParameters{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				RID:         e.RID,
				SSRC:        webrtc.SSRC(e.SSRC),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		})
	}
	if err := receiver.Receive(recvParams); err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("rtp receive: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = receiver.Stop()
		return nil, errors.New("transport closed")
	}
	t.receivers = append(t.receivers, receiver)
	t.mu.Unlock()

	p := newPionProducer(kind, receiver.Track(), RTPParameters{
		Codecs:    []webrtc.RTPCodecParameters{codec},
		Encodings: params.Encodings,
	}, func() { _ = receiver.Stop() }, t.log)
	t.OnClose(func() { _ = p.Close() })
	return p, nil
}

func (t *pionTransport) Consume(ctx context.Context, producer Producer, caps webrtc.RTPCapabilities) (Consumer, error) {
	src, ok := producer.(*pionProducer)
	if !ok {
		return nil, errors.New("producer does not belong to this engine")
	}
	codec, ok := selectCodec(producer.RTPParameters(), caps)
	if !ok {
		return nil, fmt.Errorf("no mutually supported %s codec", producer.Kind())
	}

	track, err := webrtc.NewTrackLocalStaticRTP(codec.RTPCodecCapability, uuid.NewString(), "livenix")
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("rtp send: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sender.Stop()
		return nil, errors.New("transport closed")
	}
	t.senders = append(t.senders, sender)
	t.mu.Unlock()

	var ssrc uint32
	if len(sendParams.Encodings) > 0 {
		ssrc = uint32(sendParams.Encodings[0].SSRC)
	}
	c := newPionConsumer(src, track, RTPParameters{
		Codecs:    []webrtc.RTPCodecParameters{codec},
		Encodings: []RTPEncoding{{SSRC: ssrc, PayloadType: uint8(codec.PayloadType)}},
	}, func() { _ = sender.Stop() })
	src.attach(c)
	t.OnClose(func() { _ = c.Close() })
	return c, nil
}

func (t *pionTransport) OnClose(fn func()) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		fn()
		return
	}
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	callbacks := t.onClose
	t.onClose = nil
	receivers := t.receivers
	senders := t.senders
	t.receivers = nil
	t.senders = nil
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	for _, r := range receivers {
		_ = r.Stop()
	}
	for _, s := range senders {
		_ = s.Stop()
	}
	err := t.dtls.Stop()
	if stopErr := t.ice.Stop(); err == nil {
		err = stopErr
	}
	if closeErr := t.gatherer.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (r *pionRouter) NewProducerFromTrack(track *webrtc.TrackRemote) (Producer, error) {
	if track == nil {
		return nil, errors.New("nil track")
	}
	kind := KindVideo
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		kind = KindAudio
	}
	params := RTPParameters{
		Codecs:    []webrtc.RTPCodecParameters{track.Codec()},
		Encodings: []RTPEncoding{{SSRC: uint32(track.SSRC()), RID: track.RID()}},
	}
	return newPionProducer(kind, track, params, nil, r.log), nil
}
