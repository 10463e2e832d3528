package mediaengine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pionProducer wraps one inbound remote track and fans its RTP packets out
// to every attached, non-paused consumer. The same wrapper serves both
// ORTC-produced tracks and tracks ingested via the plain peer-connection
// path.
type pionProducer struct {
	id     string
	kind   Kind
	params RTPParameters
	track  *webrtc.TrackRemote
	log    *slog.Logger

	mu        sync.Mutex
	closed    bool
	onClose   []func()
	stop      func()
	consumers map[string]*pionConsumer
}

func newPionProducer(kind Kind, track *webrtc.TrackRemote, params RTPParameters, stop func(), log *slog.Logger) *pionProducer {
	p := &pionProducer{
		id:        uuid.NewString(),
		kind:      kind,
		params:    params,
		track:     track,
		log:       log,
		stop:      stop,
		consumers: make(map[string]*pionConsumer),
	}
	go p.forward()
	return p
}

func (p *pionProducer) ID() string                   { return p.id }
func (p *pionProducer) Kind() Kind                   { return p.kind }
func (p *pionProducer) RTPParameters() RTPParameters { return p.params }

func (p *pionProducer) forward() {
	for {
		pkt, _, err := p.track.ReadRTP()
		if err != nil {
			// Track ended: the receiver was stopped or the remote stream closed.
			_ = p.Close()
			return
		}
		p.writeToConsumers(pkt)
	}
}

func (p *pionProducer) writeToConsumers(pkt *rtp.Packet) {
	p.mu.Lock()
	targets := make([]*pionConsumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		targets = append(targets, c)
	}
	p.mu.Unlock()

	for _, c := range targets {
		c.writeRTP(pkt)
	}
}

func (p *pionProducer) attach(c *pionConsumer) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = c.Close()
		return
	}
	p.consumers[c.id] = c
	p.mu.Unlock()
}

func (p *pionProducer) detach(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

func (p *pionProducer) OnClose(fn func()) {
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

func (p *pionProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	callbacks := p.onClose
	p.onClose = nil
	consumers := p.consumers
	p.consumers = make(map[string]*pionConsumer)
	stop := p.stop
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, c := range consumers {
		_ = c.Close()
	}
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// pionConsumer binds a producer to one local RTP track on a viewer's
// transport. It starts paused; Resume flips the gate the fan-out loop
// checks.
type pionConsumer struct {
	id       string
	producer *pionProducer
	params   RTPParameters
	track    *webrtc.TrackLocalStaticRTP
	stop     func()

	paused atomic.Bool
	closed atomic.Bool
}

func newPionConsumer(producer *pionProducer, track *webrtc.TrackLocalStaticRTP, params RTPParameters, stop func()) *pionConsumer {
	c := &pionConsumer{
		id:       uuid.NewString(),
		producer: producer,
		params:   params,
		track:    track,
		stop:     stop,
	}
	c.paused.Store(true)
	return c
}

func (c *pionConsumer) ID() string                   { return c.id }
func (c *pionConsumer) Kind() Kind                   { return c.producer.kind }
func (c *pionConsumer) ProducerID() string           { return c.producer.id }
func (c *pionConsumer) RTPParameters() RTPParameters { return c.params }

func (c *pionConsumer) Resume(ctx context.Context) error {
	c.paused.Store(false)
	return nil
}

func (c *pionConsumer) writeRTP(pkt *rtp.Packet) {
	if c.paused.Load() || c.closed.Load() {
		return
	}
	// TrackLocalStaticRTP rewrites SSRC and payload type per binding.
	_ = c.track.WriteRTP(pkt)
}

func (c *pionConsumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.producer.detach(c.id)
	if c.stop != nil {
		c.stop()
	}
	return nil
}
