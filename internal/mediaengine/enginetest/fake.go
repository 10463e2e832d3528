// Package enginetest provides a deterministic in-memory implementation of
// the mediaengine interfaces so lifecycle logic can be exercised without a
// live media engine.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/KoHat1998/livenix-bridge/internal/mediaengine"
)

type Router struct {
	mu  sync.Mutex
	seq int

	// FailCreateTransport, when set, is returned by CreateTransport.
	FailCreateTransport error

	// CanConsumeFunc overrides the default allow-all predicate.
	CanConsumeFunc func(producer mediaengine.Producer, caps webrtc.RTPCapabilities) bool

	Transports []*Transport
	Producers  []*Producer
	Consumers  []*Consumer
}

func NewRouter() *Router { return &Router{} }

func (r *Router) RTPCapabilities() webrtc.RTPCapabilities {
	return webrtc.RTPCapabilities{
		Codecs: []webrtc.RTPCodecCapability{
			{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		},
	}
}

func (r *Router) CreateTransport(ctx context.Context) (mediaengine.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailCreateTransport != nil {
		return nil, r.FailCreateTransport
	}
	r.seq++
	t := &Transport{id: fmt.Sprintf("transport-%d", r.seq), router: r}
	r.Transports = append(r.Transports, t)
	return t, nil
}

func (r *Router) CanConsume(producer mediaengine.Producer, caps webrtc.RTPCapabilities) bool {
	if r.CanConsumeFunc != nil {
		return r.CanConsumeFunc(producer, caps)
	}
	return producer != nil
}

func (r *Router) NewProducerFromTrack(track *webrtc.TrackRemote) (mediaengine.Producer, error) {
	kind := mediaengine.KindVideo
	if track != nil && track.Kind() == webrtc.RTPCodecTypeAudio {
		kind = mediaengine.KindAudio
	}
	r.mu.Lock()
	r.seq++
	p := &Producer{id: fmt.Sprintf("producer-%d", r.seq), kind: kind}
	r.Producers = append(r.Producers, p)
	r.mu.Unlock()
	return p, nil
}

func (r *Router) Close() error { return nil }

func (r *Router) nextID(prefix string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

type Transport struct {
	id     string
	router *Router

	// FailConnect/FailProduce/FailConsume, when set, are returned by the
	// corresponding operation.
	FailConnect error
	FailProduce error
	FailConsume error

	// ProduceHook/ConsumeHook, when set, run at the start of the call. Tests
	// use them to hold an engine call in flight while state changes around it.
	ProduceHook func()
	ConsumeHook func()

	mu         sync.Mutex
	connected  bool
	closed     bool
	closeCount int
	onClose    []func()
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Parameters() mediaengine.TransportParameters {
	return mediaengine.TransportParameters{
		ICEParameters: webrtc.ICEParameters{UsernameFragment: "ufrag-" + t.id, Password: "pwd-" + t.id},
	}
}

func (t *Transport) Connect(ctx context.Context, params mediaengine.ConnectParameters) error {
	if t.FailConnect != nil {
		return t.FailConnect
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Produce(ctx context.Context, kind mediaengine.Kind, params mediaengine.RTPParameters) (mediaengine.Producer, error) {
	if t.ProduceHook != nil {
		t.ProduceHook()
	}
	if t.FailProduce != nil {
		return nil, t.FailProduce
	}
	p := &Producer{id: t.router.nextID("producer"), kind: kind, params: params}
	t.router.mu.Lock()
	t.router.Producers = append(t.router.Producers, p)
	t.router.mu.Unlock()
	t.OnClose(func() { _ = p.Close() })
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producer mediaengine.Producer, caps webrtc.RTPCapabilities) (mediaengine.Consumer, error) {
	if t.ConsumeHook != nil {
		t.ConsumeHook()
	}
	if t.FailConsume != nil {
		return nil, t.FailConsume
	}
	c := &Consumer{
		id:         t.router.nextID("consumer"),
		kind:       producer.Kind(),
		producerID: producer.ID(),
	}
	c.paused = true
	t.router.mu.Lock()
	t.router.Consumers = append(t.router.Consumers, c)
	t.router.mu.Unlock()
	t.OnClose(func() { _ = c.Close() })
	return c, nil
}

func (t *Transport) OnClose(fn func()) {
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

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closeCount++
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	callbacks := t.onClose
	t.onClose = nil
	t.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// CloseCount reports how many times Close was invoked, including no-op
// repeats, for idempotence assertions.
func (t *Transport) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCount
}

type Producer struct {
	id     string
	kind   mediaengine.Kind
	params mediaengine.RTPParameters

	// FailClose, when set, is returned by the first Close. Teardown must
	// swallow it and keep going.
	FailClose error

	mu         sync.Mutex
	closed     bool
	closeCount int
	onClose    []func()
}

func (p *Producer) ID() string                               { return p.id }
func (p *Producer) Kind() mediaengine.Kind                   { return p.kind }
func (p *Producer) RTPParameters() mediaengine.RTPParameters { return p.params }

func (p *Producer) OnClose(fn func()) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

func (p *Producer) Close() error {
	p.mu.Lock()
	p.closeCount++
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	callbacks := p.onClose
	p.onClose = nil
	failClose := p.FailClose
	p.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
	return failClose
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCount
}

type Consumer struct {
	id         string
	kind       mediaengine.Kind
	producerID string

	FailResume error

	mu         sync.Mutex
	paused     bool
	closed     bool
	closeCount int
}

func (c *Consumer) ID() string                 { return c.id }
func (c *Consumer) Kind() mediaengine.Kind     { return c.kind }
func (c *Consumer) ProducerID() string         { return c.producerID }

func (c *Consumer) RTPParameters() mediaengine.RTPParameters {
	return mediaengine.RTPParameters{Encodings: []mediaengine.RTPEncoding{{SSRC: 1}}}
}

func (c *Consumer) Resume(ctx context.Context) error {
	if c.FailResume != nil {
		return c.FailResume
	}
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	return nil
}

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closeCount++
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}
