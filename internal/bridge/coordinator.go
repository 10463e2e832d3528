// Package bridge holds the signaling state for one broadcast room: the peer
// session table, the resource registry, lifecycle orchestration and event
// fan-out. All media I/O is delegated to the mediaengine collaborator.
package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/KoHat1998/livenix-bridge/internal/mediaengine"
	"github.com/KoHat1998/livenix-bridge/internal/metrics"
)

type transportState string

const (
	transportCreated   transportState = "created"
	transportConnected transportState = "connected"
	transportProducing transportState = "producing"
	transportConsuming transportState = "consuming"
)

type peerState struct {
	id        string
	role      Role
	messenger Messenger
	gone      bool

	transports map[string]*transportEntry
	consumers  map[string]*consumerEntry
}

type transportEntry struct {
	id        string
	owner     string
	direction Direction
	state     transportState
	transport mediaengine.Transport
}

type producerEntry struct {
	id          string
	owner       string
	kind        mediaengine.Kind
	transportID string
	producer    mediaengine.Producer

	consumers map[string]*consumerEntry
}

type consumerEntry struct {
	id          string
	owner       string
	kind        mediaengine.Kind
	producerID  string
	transportID string
	consumer    mediaengine.Consumer
}

// pendingNotify is an event captured under the lock and delivered after it
// is released.
type pendingNotify struct {
	m  Messenger
	ev Event
}

// Config wires a Coordinator's collaborators.
type Config struct {
	Router  mediaengine.Router
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// MaxPeers caps concurrent sessions. Zero means unlimited.
	MaxPeers int
}

// Coordinator owns the session table and resource registry under a single
// mutex. Engine calls happen outside the lock; results are re-validated
// against the table before they are registered, so a produce racing the
// broadcaster's departure fails instead of leaking a live producer.
type Coordinator struct {
	router   mediaengine.Router
	log      *slog.Logger
	metrics  *metrics.Metrics
	maxPeers int

	mu          sync.Mutex
	peers       map[string]*peerState
	broadcaster string
	transports  map[string]*transportEntry
	producers   map[mediaengine.Kind]*producerEntry
	consumers   map[string]*consumerEntry
}

func NewCoordinator(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		router:     cfg.Router,
		log:        log.With("component", "bridge"),
		metrics:    cfg.Metrics,
		maxPeers:   cfg.MaxPeers,
		peers:      make(map[string]*peerState),
		transports: make(map[string]*transportEntry),
		producers:  make(map[mediaengine.Kind]*producerEntry),
		consumers:  make(map[string]*consumerEntry),
	}
}

// Join registers a peer session. For a broadcaster it atomically claims the
// broadcaster slot or fails with ErrBroadcasterConflict. The returned flag
// tells a viewer whether a broadcast is already live.
func (c *Coordinator) Join(peerID string, role Role, m Messenger) (bool, error) {
	c.mu.Lock()
	if _, ok := c.peers[peerID]; ok {
		c.mu.Unlock()
		return false, ErrAlreadyJoined
	}
	if c.maxPeers > 0 && len(c.peers) >= c.maxPeers {
		c.mu.Unlock()
		return false, ErrTooManyPeers
	}
	if role == RoleBroadcaster && c.broadcaster != "" {
		c.mu.Unlock()
		c.metrics.Inc(metrics.BroadcasterConflicts)
		return false, ErrBroadcasterConflict
	}
	p := &peerState{
		id:         peerID,
		role:       role,
		messenger:  m,
		transports: make(map[string]*transportEntry),
		consumers:  make(map[string]*consumerEntry),
	}
	c.peers[peerID] = p
	var notifies []pendingNotify
	if role == RoleBroadcaster {
		c.broadcaster = peerID
		notifies = c.notifyOthersLocked(peerID, Event{Type: EventBroadcasterStarted})
	}
	live := c.broadcaster != "" && c.broadcaster != peerID
	c.mu.Unlock()

	c.metrics.Inc(metrics.PeersJoined)
	c.log.Info("peer joined", "peer_id", peerID, "role", role)
	c.deliver(notifies)
	return live, nil
}

// Leave tears down everything the peer owns in dependency order and removes
// the session. Calling it for an unknown peer is a no-op, so it is safe to
// defer from every connection handler.
func (c *Coordinator) Leave(peerID string) {
	c.mu.Lock()
	p, ok := c.peers[peerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	p.gone = true
	delete(c.peers, peerID)

	wasBroadcaster := c.broadcaster == peerID
	if wasBroadcaster {
		c.broadcaster = ""
	}

	var closers []func() error
	var notifies []pendingNotify

	// Producers first so viewers hear producer-closed before broadcaster-left.
	for kind, pe := range c.producers {
		if pe.owner != peerID {
			continue
		}
		delete(c.producers, kind)
		cl, nt := c.removeProducerLocked(pe)
		closers = append(closers, cl...)
		notifies = append(notifies, nt...)
	}
	for id, ce := range p.consumers {
		delete(c.consumers, id)
		c.detachConsumerLocked(ce)
		closers = append(closers, ce.consumer.Close)
	}
	for id, te := range p.transports {
		delete(c.transports, id)
		closers = append(closers, te.transport.Close)
	}
	if wasBroadcaster {
		notifies = append(notifies, c.notifyOthersLocked(peerID, Event{Type: EventBroadcasterLeft})...)
	}
	c.mu.Unlock()

	for _, fn := range closers {
		c.closeQuiet(fn)
	}
	c.deliver(notifies)
	c.metrics.Inc(metrics.PeersLeft)
	c.log.Info("peer left", "peer_id", peerID, "was_broadcaster", wasBroadcaster)
}

// RouterCapabilities exposes the engine's supported codecs for the
// negotiation handshake.
func (c *Coordinator) RouterCapabilities() webrtc.RTPCapabilities {
	return c.router.RTPCapabilities()
}

// TransportInfo is the transport handle plus the parameters the peer needs
// to connect its side.
type TransportInfo struct {
	ID         string
	Parameters mediaengine.TransportParameters
}

// CreateTransport allocates an engine transport and registers it under the
// peer. The entry is dropped and the transport closed if the peer left while
// the engine call was in flight.
func (c *Coordinator) CreateTransport(ctx context.Context, peerID string, direction Direction) (TransportInfo, error) {
	c.mu.Lock()
	if _, ok := c.peers[peerID]; !ok {
		c.mu.Unlock()
		return TransportInfo{}, ErrPeerNotFound
	}
	c.mu.Unlock()

	t, err := c.router.CreateTransport(ctx)
	if err != nil {
		return TransportInfo{}, engineErr("create transport", err)
	}

	c.mu.Lock()
	p, ok := c.peers[peerID]
	if !ok || p.gone {
		c.mu.Unlock()
		c.closeQuiet(t.Close)
		return TransportInfo{}, ErrPeerNotFound
	}
	te := &transportEntry{
		id:        t.ID(),
		owner:     peerID,
		direction: direction,
		state:     transportCreated,
		transport: t,
	}
	c.transports[te.id] = te
	p.transports[te.id] = te
	c.mu.Unlock()

	t.OnClose(func() { c.handleTransportClosed(te.id) })
	c.metrics.Inc(metrics.TransportsCreated)
	c.log.Debug("transport created", "peer_id", peerID, "transport_id", te.id, "direction", direction)
	return TransportInfo{ID: te.id, Parameters: t.Parameters()}, nil
}

// ConnectTransport completes the DTLS handshake for a transport the peer
// owns.
func (c *Coordinator) ConnectTransport(ctx context.Context, peerID, transportID string, params mediaengine.ConnectParameters) error {
	c.mu.Lock()
	te, ok := c.transports[transportID]
	if !ok || te.owner != peerID {
		c.mu.Unlock()
		return ErrUnknownResource
	}
	t := te.transport
	c.mu.Unlock()

	if err := t.Connect(ctx, params); err != nil {
		return engineErr("connect transport", err)
	}

	c.mu.Lock()
	if te, ok := c.transports[transportID]; ok && te.state == transportCreated {
		te.state = transportConnected
	}
	c.mu.Unlock()
	return nil
}

// ProduceResult identifies the registered producer.
type ProduceResult struct {
	ID string
}

// Produce registers an inbound media stream for the broadcaster. A second
// produce of the same kind replaces the first: the old producer is closed,
// its consumers cascade, and viewers are told about the replacement.
func (c *Coordinator) Produce(ctx context.Context, peerID, transportID string, kind mediaengine.Kind, params mediaengine.RTPParameters) (ProduceResult, error) {
	c.mu.Lock()
	if _, ok := c.peers[peerID]; !ok {
		c.mu.Unlock()
		return ProduceResult{}, ErrPeerNotFound
	}
	if c.broadcaster != peerID {
		c.mu.Unlock()
		return ProduceResult{}, ErrUnauthorized
	}
	te, ok := c.transports[transportID]
	if !ok || te.owner != peerID {
		c.mu.Unlock()
		return ProduceResult{}, ErrUnknownResource
	}
	t := te.transport
	c.mu.Unlock()

	producer, err := t.Produce(ctx, kind, params)
	if err != nil {
		return ProduceResult{}, engineErr("produce", err)
	}

	c.mu.Lock()
	// The broadcaster may have left while the engine call was in flight.
	if c.broadcaster != peerID {
		c.mu.Unlock()
		c.closeQuiet(producer.Close)
		return ProduceResult{}, ErrUnauthorized
	}
	te, ok = c.transports[transportID]
	if !ok {
		c.mu.Unlock()
		c.closeQuiet(producer.Close)
		return ProduceResult{}, ErrUnknownResource
	}

	var closers []func() error
	var notifies []pendingNotify
	replaced := false
	if old, ok := c.producers[kind]; ok {
		replaced = true
		delete(c.producers, kind)
		closers, notifies = c.removeProducerLocked(old)
	}
	pe := &producerEntry{
		id:          producer.ID(),
		owner:       peerID,
		kind:        kind,
		transportID: transportID,
		producer:    producer,
		consumers:   make(map[string]*consumerEntry),
	}
	c.producers[kind] = pe
	te.state = transportProducing
	notifies = append(notifies, c.notifyOthersLocked(peerID, Event{
		Type:       EventNewProducer,
		Kind:       kind,
		ProducerID: pe.id,
	})...)
	c.mu.Unlock()

	for _, fn := range closers {
		c.closeQuiet(fn)
	}
	producer.OnClose(func() { c.handleProducerClosed(pe.id) })
	c.deliver(notifies)

	c.metrics.Inc(metrics.ProducersCreated)
	if replaced {
		c.metrics.Inc(metrics.ProducersReplaced)
	}
	c.log.Info("producer registered", "peer_id", peerID, "producer_id", pe.id, "kind", kind, "replaced", replaced)
	return ProduceResult{ID: pe.id}, nil
}

// AttachProducer registers an externally created producer (the plain
// peer-connection ingestion path) under the broadcaster, with the same
// replace semantics as Produce.
func (c *Coordinator) AttachProducer(peerID string, producer mediaengine.Producer) error {
	kind := producer.Kind()

	c.mu.Lock()
	if _, ok := c.peers[peerID]; !ok {
		c.mu.Unlock()
		c.closeQuiet(producer.Close)
		return ErrPeerNotFound
	}
	if c.broadcaster != peerID {
		c.mu.Unlock()
		c.closeQuiet(producer.Close)
		return ErrUnauthorized
	}
	var closers []func() error
	var notifies []pendingNotify
	replaced := false
	if old, ok := c.producers[kind]; ok {
		replaced = true
		delete(c.producers, kind)
		closers, notifies = c.removeProducerLocked(old)
	}
	pe := &producerEntry{
		id:        producer.ID(),
		owner:     peerID,
		kind:      kind,
		producer:  producer,
		consumers: make(map[string]*consumerEntry),
	}
	c.producers[kind] = pe
	notifies = append(notifies, c.notifyOthersLocked(peerID, Event{
		Type:       EventNewProducer,
		Kind:       kind,
		ProducerID: pe.id,
	})...)
	c.mu.Unlock()

	for _, fn := range closers {
		c.closeQuiet(fn)
	}
	producer.OnClose(func() { c.handleProducerClosed(pe.id) })
	c.deliver(notifies)

	c.metrics.Inc(metrics.ProducersCreated)
	if replaced {
		c.metrics.Inc(metrics.ProducersReplaced)
	}
	c.log.Info("producer attached", "peer_id", peerID, "producer_id", pe.id, "kind", kind, "replaced", replaced)
	return nil
}

// ConsumeResult carries everything the viewer needs to receive the stream.
// The consumer starts paused; the viewer resumes it once its transport is
// ready.
type ConsumeResult struct {
	ID            string
	ProducerID    string
	Kind          mediaengine.Kind
	RTPParameters mediaengine.RTPParameters
}

// Consume binds the current producer of the requested kind to a consumer on
// the viewer's transport, after the capability gateway accepts the viewer's
// capabilities.
func (c *Coordinator) Consume(ctx context.Context, peerID, transportID string, kind mediaengine.Kind, caps webrtc.RTPCapabilities) (ConsumeResult, error) {
	c.mu.Lock()
	if _, ok := c.peers[peerID]; !ok {
		c.mu.Unlock()
		return ConsumeResult{}, ErrPeerNotFound
	}
	pe, ok := c.producers[kind]
	if !ok {
		c.mu.Unlock()
		return ConsumeResult{}, ErrNoProducer
	}
	te, ok := c.transports[transportID]
	if !ok || te.owner != peerID {
		c.mu.Unlock()
		return ConsumeResult{}, ErrUnknownResource
	}
	producer := pe.producer
	t := te.transport
	c.mu.Unlock()

	if !c.router.CanConsume(producer, caps) {
		return ConsumeResult{}, ErrIncompatibleCapabilities
	}

	consumer, err := t.Consume(ctx, producer, caps)
	if err != nil {
		return ConsumeResult{}, engineErr("consume", err)
	}

	c.mu.Lock()
	p, ok := c.peers[peerID]
	if !ok || p.gone {
		c.mu.Unlock()
		c.closeQuiet(consumer.Close)
		return ConsumeResult{}, ErrPeerNotFound
	}
	te, ok = c.transports[transportID]
	if !ok {
		c.mu.Unlock()
		c.closeQuiet(consumer.Close)
		return ConsumeResult{}, ErrUnknownResource
	}
	if cur, ok := c.producers[kind]; !ok || cur != pe {
		// Producer closed or replaced while the engine call was in flight.
		c.mu.Unlock()
		c.closeQuiet(consumer.Close)
		return ConsumeResult{}, ErrNoProducer
	}
	ce := &consumerEntry{
		id:          consumer.ID(),
		owner:       peerID,
		kind:        kind,
		producerID:  pe.id,
		transportID: transportID,
		consumer:    consumer,
	}
	c.consumers[ce.id] = ce
	p.consumers[ce.id] = ce
	pe.consumers[ce.id] = ce
	te.state = transportConsuming
	c.mu.Unlock()

	c.metrics.Inc(metrics.ConsumersCreated)
	c.log.Debug("consumer created", "peer_id", peerID, "consumer_id", ce.id, "producer_id", pe.id, "kind", kind)
	return ConsumeResult{
		ID:            ce.id,
		ProducerID:    pe.id,
		Kind:          kind,
		RTPParameters: consumer.RTPParameters(),
	}, nil
}

// Resume unpauses a consumer the peer owns.
func (c *Coordinator) Resume(ctx context.Context, peerID, consumerID string) error {
	c.mu.Lock()
	ce, ok := c.consumers[consumerID]
	if !ok || ce.owner != peerID {
		c.mu.Unlock()
		return ErrUnknownResource
	}
	consumer := ce.consumer
	c.mu.Unlock()

	if err := consumer.Resume(ctx); err != nil {
		return engineErr("resume consumer", err)
	}
	c.metrics.Inc(metrics.ConsumersResumed)
	return nil
}

// BroadcasterID returns the id of the live broadcaster, or "".
func (c *Coordinator) BroadcasterID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcaster
}

// PeerCount reports the number of active sessions.
func (c *Coordinator) PeerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

// OwnedResourceCount reports how many registry entries the peer owns across
// transports, producers and consumers.
func (c *Coordinator) OwnedResourceCount(peerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, te := range c.transports {
		if te.owner == peerID {
			n++
		}
	}
	for _, pe := range c.producers {
		if pe.owner == peerID {
			n++
		}
	}
	for _, ce := range c.consumers {
		if ce.owner == peerID {
			n++
		}
	}
	return n
}

// handleTransportClosed reacts to an engine-initiated transport closure:
// resources on the transport cascade, and if it was the broadcaster's send
// transport the broadcaster slot is cleared.
func (c *Coordinator) handleTransportClosed(transportID string) {
	c.mu.Lock()
	te, ok := c.transports[transportID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.transports, transportID)
	if p, ok := c.peers[te.owner]; ok {
		delete(p.transports, transportID)
	}

	var closers []func() error
	var notifies []pendingNotify
	for kind, pe := range c.producers {
		if pe.transportID != transportID {
			continue
		}
		delete(c.producers, kind)
		closers2, notifies2 := c.removeProducerLocked(pe)
		closers = append(closers, closers2...)
		notifies = append(notifies, notifies2...)
	}
	for id, ce := range c.consumers {
		if ce.transportID != transportID {
			continue
		}
		delete(c.consumers, id)
		c.detachConsumerLocked(ce)
		closers = append(closers, ce.consumer.Close)
	}
	if te.owner == c.broadcaster && te.direction == DirectionSend {
		c.broadcaster = ""
		notifies = append(notifies, c.notifyOthersLocked(te.owner, Event{Type: EventBroadcasterLeft})...)
	}
	c.mu.Unlock()

	for _, fn := range closers {
		c.closeQuiet(fn)
	}
	c.deliver(notifies)
	c.metrics.Inc(metrics.CascadedCloses)
	c.log.Info("transport closed by engine", "transport_id", transportID, "owner", te.owner)
}

// handleProducerClosed reacts to an engine-initiated producer closure, e.g.
// the broadcaster's track ending on the plain ingestion path.
func (c *Coordinator) handleProducerClosed(producerID string) {
	c.mu.Lock()
	var pe *producerEntry
	for kind, entry := range c.producers {
		if entry.id == producerID {
			pe = entry
			delete(c.producers, kind)
			break
		}
	}
	if pe == nil {
		c.mu.Unlock()
		return
	}
	closers, notifies := c.removeProducerLocked(pe)
	c.mu.Unlock()

	for _, fn := range closers {
		c.closeQuiet(fn)
	}
	c.deliver(notifies)
	c.metrics.Inc(metrics.CascadedCloses)
	c.log.Info("producer closed by engine", "producer_id", producerID, "kind", pe.kind)
}

// removeProducerLocked unregisters a producer entry already deleted from
// c.producers: its consumers leave the registry, their owners are notified,
// and the close work is returned for execution outside the lock.
func (c *Coordinator) removeProducerLocked(pe *producerEntry) ([]func() error, []pendingNotify) {
	var closers []func() error
	var notifies []pendingNotify
	for id, ce := range pe.consumers {
		delete(c.consumers, id)
		if p, ok := c.peers[ce.owner]; ok {
			delete(p.consumers, id)
			if p.messenger != nil {
				notifies = append(notifies, pendingNotify{m: p.messenger, ev: Event{
					Type:       EventProducerClosed,
					Kind:       pe.kind,
					ProducerID: pe.id,
				}})
			}
		}
		closers = append(closers, ce.consumer.Close)
	}
	pe.consumers = make(map[string]*consumerEntry)
	closers = append(closers, pe.producer.Close)
	return closers, notifies
}

// detachConsumerLocked removes a consumer entry from its owner and producer
// maps. The caller removes it from c.consumers.
func (c *Coordinator) detachConsumerLocked(ce *consumerEntry) {
	if p, ok := c.peers[ce.owner]; ok {
		delete(p.consumers, ce.id)
	}
	for _, pe := range c.producers {
		delete(pe.consumers, ce.id)
	}
}

func (c *Coordinator) notifyOthersLocked(exceptPeerID string, ev Event) []pendingNotify {
	notifies := make([]pendingNotify, 0, len(c.peers))
	for id, p := range c.peers {
		if id == exceptPeerID || p.messenger == nil {
			continue
		}
		notifies = append(notifies, pendingNotify{m: p.messenger, ev: ev})
	}
	return notifies
}

func (c *Coordinator) deliver(notifies []pendingNotify) {
	for _, n := range notifies {
		n.m.Notify(n.ev)
	}
}

// closeQuiet runs a teardown step, logging instead of propagating so one
// failure never aborts the rest of the sequence.
func (c *Coordinator) closeQuiet(fn func() error) {
	if err := fn(); err != nil {
		c.metrics.Inc(metrics.TeardownErrors)
		c.log.Warn("teardown step failed", "err", err)
	}
}
