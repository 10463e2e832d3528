package bridge_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/KoHat1998/livenix-bridge/internal/bridge"
	"github.com/KoHat1998/livenix-bridge/internal/mediaengine"
	"github.com/KoHat1998/livenix-bridge/internal/mediaengine/enginetest"
	"github.com/KoHat1998/livenix-bridge/internal/metrics"
)

type recorder struct {
	mu     sync.Mutex
	events []bridge.Event
}

func (r *recorder) Notify(ev bridge.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []bridge.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bridge.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) last() bridge.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return bridge.Event{}
	}
	return r.events[len(r.events)-1]
}

func newCoordinator(t *testing.T) (*bridge.Coordinator, *enginetest.Router) {
	t.Helper()
	router := enginetest.NewRouter()
	c := bridge.NewCoordinator(bridge.Config{
		Router:  router,
		Metrics: metrics.New(),
	})
	return c, router
}

func mustJoin(t *testing.T, c *bridge.Coordinator, id string, role bridge.Role, m bridge.Messenger) bool {
	t.Helper()
	live, err := c.Join(id, role, m)
	if err != nil {
		t.Fatalf("join %s as %s: %v", id, role, err)
	}
	return live
}

func mustTransport(t *testing.T, c *bridge.Coordinator, peerID string, dir bridge.Direction) bridge.TransportInfo {
	t.Helper()
	info, err := c.CreateTransport(context.Background(), peerID, dir)
	if err != nil {
		t.Fatalf("create %s transport for %s: %v", dir, peerID, err)
	}
	return info
}

func mustProduce(t *testing.T, c *bridge.Coordinator, peerID, transportID string, kind mediaengine.Kind) bridge.ProduceResult {
	t.Helper()
	res, err := c.Produce(context.Background(), peerID, transportID, kind, mediaengine.RTPParameters{})
	if err != nil {
		t.Fatalf("produce %s for %s: %v", kind, peerID, err)
	}
	return res
}

func mustConsume(t *testing.T, c *bridge.Coordinator, peerID, transportID string, kind mediaengine.Kind) bridge.ConsumeResult {
	t.Helper()
	res, err := c.Consume(context.Background(), peerID, transportID, kind, webrtc.RTPCapabilities{})
	if err != nil {
		t.Fatalf("consume %s for %s: %v", kind, peerID, err)
	}
	return res
}

func TestSecondBroadcasterRejected(t *testing.T) {
	c, _ := newCoordinator(t)
	mustJoin(t, c, "b1", bridge.RoleBroadcaster, &recorder{})

	_, err := c.Join("b2", bridge.RoleBroadcaster, &recorder{})
	if !errors.Is(err, bridge.ErrBroadcasterConflict) {
		t.Fatalf("expected ErrBroadcasterConflict, got %v", err)
	}
	if c.PeerCount() != 1 {
		t.Fatalf("rejected broadcaster must not be registered, peer count = %d", c.PeerCount())
	}

	// The slot frees up once the first broadcaster leaves.
	c.Leave("b1")
	if _, err := c.Join("b2", bridge.RoleBroadcaster, &recorder{}); err != nil {
		t.Fatalf("join after slot freed: %v", err)
	}
}

func TestViewerJoinReportsLiveBroadcast(t *testing.T) {
	c, _ := newCoordinator(t)

	if live := mustJoin(t, c, "v1", bridge.RoleViewer, &recorder{}); live {
		t.Fatal("no broadcaster yet, live must be false")
	}
	mustJoin(t, c, "b", bridge.RoleBroadcaster, &recorder{})
	if live := mustJoin(t, c, "v2", bridge.RoleViewer, &recorder{}); !live {
		t.Fatal("broadcaster is live, viewer must be told so")
	}
}

func TestBroadcasterStartedFanOut(t *testing.T) {
	c, _ := newCoordinator(t)
	v1 := &recorder{}
	v2 := &recorder{}
	mustJoin(t, c, "v1", bridge.RoleViewer, v1)
	mustJoin(t, c, "v2", bridge.RoleViewer, v2)

	b := &recorder{}
	mustJoin(t, c, "b", bridge.RoleBroadcaster, b)

	for _, r := range []*recorder{v1, v2} {
		got := r.types()
		if len(got) != 1 || got[0] != bridge.EventBroadcasterStarted {
			t.Fatalf("viewer events = %v, want [broadcaster-started]", got)
		}
	}
	if len(b.types()) != 0 {
		t.Fatalf("broadcaster must not receive its own start event, got %v", b.types())
	}
}

func TestNewProducerFanOut(t *testing.T) {
	c, _ := newCoordinator(t)
	b := &recorder{}
	v := &recorder{}
	mustJoin(t, c, "b", bridge.RoleBroadcaster, b)
	mustJoin(t, c, "v", bridge.RoleViewer, v)

	st := mustTransport(t, c, "b", bridge.DirectionSend)
	res := mustProduce(t, c, "b", st.ID, mediaengine.KindVideo)

	ev := v.last()
	if ev.Type != bridge.EventNewProducer || ev.Kind != mediaengine.KindVideo || ev.ProducerID != res.ID {
		t.Fatalf("viewer got %+v, want new-producer for %s", ev, res.ID)
	}
	if len(b.types()) != 0 {
		t.Fatalf("producing broadcaster must not be notified, got %v", b.types())
	}
}

func TestProduceRequiresBroadcaster(t *testing.T) {
	c, _ := newCoordinator(t)
	mustJoin(t, c, "b", bridge.RoleBroadcaster, &recorder{})
	mustJoin(t, c, "v", bridge.RoleViewer, &recorder{})
	vt := mustTransport(t, c, "v", bridge.DirectionSend)

	_, err := c.Produce(context.Background(), "v", vt.ID, mediaengine.KindAudio, mediaengine.RTPParameters{})
	if !errors.Is(err, bridge.ErrUnauthorized) {
		t.Fatalf("viewer produce: expected ErrUnauthorized, got %v", err)
	}
}

func TestDuplicateProduceReplacesAndCascades(t *testing.T) {
	c, router := newCoordinator(t)
	mustJoin(t, c, "b", bridge.RoleBroadcaster, &recorder{})
	v := &recorder{}
	mustJoin(t, c, "v", bridge.RoleViewer, v)

	bt := mustTransport(t, c, "b", bridge.DirectionSend)
	first := mustProduce(t, c, "b", bt.ID, mediaengine.KindVideo)

	vt := mustTransport(t, c, "v", bridge.DirectionRecv)
	cons := mustConsume(t, c, "v", vt.ID, mediaengine.KindVideo)

	second := mustProduce(t, c, "b", bt.ID, mediaengine.KindVideo)
	if second.ID == first.ID {
		t.Fatal("replacement must mint a new producer id")
	}

	// The stale consumer cascaded and the viewer heard about it, then about
	// the replacement.
	types := v.types()
	wantTail := []bridge.EventType{bridge.EventProducerClosed, bridge.EventNewProducer}
	if len(types) < 3 || types[len(types)-2] != wantTail[0] || types[len(types)-1] != wantTail[1] {
		t.Fatalf("viewer events = %v, want tail %v", types, wantTail)
	}
	if err := c.Resume(context.Background(), "v", cons.ID); !errors.Is(err, bridge.ErrUnknownResource) {
		t.Fatalf("cascaded consumer must be gone from the registry, resume err = %v", err)
	}
	if n := router.Producers[0].CloseCount(); n != 1 {
		t.Fatalf("replaced producer close count = %d, want 1", n)
	}
}

func TestConsumeWithoutProducer(t *testing.T) {
	c, _ := newCoordinator(t)
	mustJoin(t, c, "v", bridge.RoleViewer, &recorder{})
	vt := mustTransport(t, c, "v", bridge.DirectionRecv)

	_, err := c.Consume(context.Background(), "v", vt.ID, mediaengine.KindVideo, webrtc.RTPCapabilities{})
	if !errors.Is(err, bridge.ErrNoProducer) {
		t.Fatalf("expected ErrNoProducer, got %v", err)
	}
}

func TestConsumeIncompatibleCapabilities(t *testing.T) {
	c, router := newCoordinator(t)
	router.CanConsumeFunc = func(mediaengine.Producer, webrtc.RTPCapabilities) bool { return false }

	mustJoin(t, c, "b", bridge.RoleBroadcaster, &recorder{})
	mustJoin(t, c, "v", bridge.RoleViewer, &recorder{})
	bt := mustTransport(t, c, "b", bridge.DirectionSend)
	mustProduce(t, c, "b", bt.ID, mediaengine.KindVideo)
	vt := mustTransport(t, c, "v", bridge.DirectionRecv)

	_, err := c.Consume(context.Background(), "v", vt.ID, mediaengine.KindVideo, webrtc.RTPCapabilities{})
	if !errors.Is(err, bridge.ErrIncompatibleCapabilities) {
		t.Fatalf("expected ErrIncompatibleCapabilities, got %v", err)
	}
}

func TestConsumerStartsPausedUntilResume(t *testing.T) {
	c, router := newCoordinator(t)
	mustJoin(t, c, "b", bridge.RoleBroadcaster, &recorder{})
	mustJoin(t, c, "v", bridge.RoleViewer, &recorder{})
	bt := mustTransport(t, c, "b", bridge.DirectionSend)
	mustProduce(t, c, "b", bt.ID, mediaengine.KindAudio)
	vt := mustTransport(t, c, "v", bridge.DirectionRecv)
	res := mustConsume(t, c, "v", vt.ID, mediaengine.KindAudio)

	if len(router.Consumers) != 1 {
		t.Fatalf("fake router tracked %d consumers, want 1", len(router.Consumers))
	}
	if !router.Consumers[0].Paused() {
		t.Fatal("consumer must start paused")
	}
	if err := c.Resume(context.Background(), "b", res.ID); !errors.Is(err, bridge.ErrUnknownResource) {
		t.Fatalf("resume by non-owner must fail with ErrUnknownResource, got %v", err)
	}
	if router.Consumers[0].Paused() != true {
		t.Fatal("failed resume must not unpause")
	}
	if err := c.Resume(context.Background(), "v", res.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if router.Consumers[0].Paused() {
		t.Fatal("consumer still paused after resume")
	}
}

func TestLeaveTearsDownEverything(t *testing.T) {
	c, router := newCoordinator(t)
	b := &recorder{}
	v := &recorder{}
	mustJoin(t, c, "b", bridge.RoleBroadcaster, b)
	mustJoin(t, c, "v", bridge.RoleViewer, v)

	bt := mustTransport(t, c, "b", bridge.DirectionSend)
	mustProduce(t, c, "b", bt.ID, mediaengine.KindVideo)
	vt := mustTransport(t, c, "v", bridge.DirectionRecv)
	mustConsume(t, c, "v", vt.ID, mediaengine.KindVideo)

	c.Leave("b")

	if c.BroadcasterID() != "" {
		t.Fatalf("broadcaster slot still %q after leave", c.BroadcasterID())
	}
	if n := c.OwnedResourceCount("b"); n != 0 {
		t.Fatalf("broadcaster still owns %d resources after leave", n)
	}
	// The viewer's consumer cascaded with the producer.
	if n := c.OwnedResourceCount("v"); n != 1 {
		t.Fatalf("viewer should keep only its transport, owns %d", n)
	}
	for _, tr := range router.Transports {
		if tr.ID() == bt.ID && !tr.Closed() {
			t.Fatal("broadcaster transport not closed")
		}
	}

	// A second leave finds nothing left to close.
	c.Leave("b")
	for _, tr := range router.Transports {
		if tr.ID() == bt.ID && tr.CloseCount() != 1 {
			t.Fatalf("broadcaster transport close count = %d, want 1", tr.CloseCount())
		}
	}

	types := v.types()
	// broadcaster-started, new-producer, producer-closed, broadcaster-left.
	want := []bridge.EventType{
		bridge.EventBroadcasterStarted,
		bridge.EventNewProducer,
		bridge.EventProducerClosed,
		bridge.EventBroadcasterLeft,
	}
	if len(types) != len(want) {
		t.Fatalf("viewer events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("viewer events = %v, want %v", types, want)
		}
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	c, _ := newCoordinator(t)
	mustJoin(t, c, "v", bridge.RoleViewer, &recorder{})
	c.Leave("v")
	c.Leave("v")
	c.Leave("never-joined")
	if c.PeerCount() != 0 {
		t.Fatalf("peer count = %d, want 0", c.PeerCount())
	}
}

func TestTeardownContinuesPastCloseErrors(t *testing.T) {
	c, router := newCoordinator(t)
	mustJoin(t, c, "b", bridge.RoleBroadcaster, &recorder{})
	bt := mustTransport(t, c, "b", bridge.DirectionSend)
	mustProduce(t, c, "b", bt.ID, mediaengine.KindVideo)
	mustProduce(t, c, "b", bt.ID, mediaengine.KindAudio)

	// The first producer's close fails; teardown must continue past it.
	router.Producers[0].FailClose = errors.New("close boom")

	c.Leave("b")
	for _, p := range router.Producers {
		if !p.Closed() {
			t.Fatalf("producer %s not closed after teardown", p.ID())
		}
	}
	for _, tr := range router.Transports {
		if !tr.Closed() {
			t.Fatalf("transport %s not closed after teardown", tr.ID())
		}
	}
	if n := c.OwnedResourceCount("b"); n != 0 {
		t.Fatalf("resources left after teardown: %d", n)
	}
}

func TestProduceAfterDepartureRace(t *testing.T) {
	c, _ := newCoordinator(t)
	mustJoin(t, c, "b", bridge.RoleBroadcaster, &recorder{})
	bt := mustTransport(t, c, "b", bridge.DirectionSend)

	c.Leave("b")

	_, err := c.Produce(context.Background(), "b", bt.ID, mediaengine.KindVideo, mediaengine.RTPParameters{})
	if !errors.Is(err, bridge.ErrPeerNotFound) {
		t.Fatalf("produce after leave: expected ErrPeerNotFound, got %v", err)
	}
}

func TestProduceInFlightDuringDeparture(t *testing.T) {
	c, router := newCoordinator(t)
	mustJoin(t, c, "b", bridge.RoleBroadcaster, &recorder{})
	bt := mustTransport(t, c, "b", bridge.DirectionSend)

	// Hold the engine call in flight while the broadcaster leaves.
	entered := make(chan struct{})
	release := make(chan struct{})
	router.Transports[0].ProduceHook = func() {
		close(entered)
		<-release
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Produce(context.Background(), "b", bt.ID, mediaengine.KindVideo, mediaengine.RTPParameters{})
		errCh <- err
	}()

	<-entered
	c.Leave("b")
	close(release)

	if err := <-errCh; !errors.Is(err, bridge.ErrUnauthorized) {
		t.Fatalf("in-flight produce after departure: expected ErrUnauthorized, got %v", err)
	}
	if len(router.Producers) != 1 || !router.Producers[0].Closed() {
		t.Fatal("orphaned engine producer must be closed")
	}
	if n := c.OwnedResourceCount("b"); n != 0 {
		t.Fatalf("departed broadcaster still owns %d resources", n)
	}
}

func TestConsumeInFlightDuringProducerReplacement(t *testing.T) {
	c, router := newCoordinator(t)
	mustJoin(t, c, "b", bridge.RoleBroadcaster, &recorder{})
	mustJoin(t, c, "v", bridge.RoleViewer, &recorder{})
	bt := mustTransport(t, c, "b", bridge.DirectionSend)
	mustProduce(t, c, "b", bt.ID, mediaengine.KindVideo)
	vt := mustTransport(t, c, "v", bridge.DirectionRecv)

	entered := make(chan struct{})
	release := make(chan struct{})
	router.Transports[1].ConsumeHook = func() {
		close(entered)
		<-release
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Consume(context.Background(), "v", vt.ID, mediaengine.KindVideo, webrtc.RTPCapabilities{})
		errCh <- err
	}()

	// The broadcaster replaces the video producer while the consume is held.
	<-entered
	mustProduce(t, c, "b", bt.ID, mediaengine.KindVideo)
	close(release)

	if err := <-errCh; !errors.Is(err, bridge.ErrNoProducer) {
		t.Fatalf("consume of replaced producer: expected ErrNoProducer, got %v", err)
	}
	if len(router.Consumers) != 1 || !router.Consumers[0].Closed() {
		t.Fatal("stale engine consumer must be closed")
	}
	if n := router.Consumers[0].CloseCount(); n != 1 {
		t.Fatalf("stale consumer close count = %d, want 1", n)
	}
	if n := c.OwnedResourceCount("v"); n != 1 {
		t.Fatalf("viewer should own only its transport, owns %d", n)
	}
}

func TestEngineTransportClosureClearsBroadcasterSlot(t *testing.T) {
	c, router := newCoordinator(t)
	v := &recorder{}
	mustJoin(t, c, "b", bridge.RoleBroadcaster, &recorder{})
	mustJoin(t, c, "v", bridge.RoleViewer, v)
	bt := mustTransport(t, c, "b", bridge.DirectionSend)
	mustProduce(t, c, "b", bt.ID, mediaengine.KindVideo)

	// Simulate an engine-side failure closing the broadcaster's transport.
	for _, tr := range router.Transports {
		if tr.ID() == bt.ID {
			_ = tr.Close()
		}
	}

	if c.BroadcasterID() != "" {
		t.Fatalf("slot still %q after engine closed the send transport", c.BroadcasterID())
	}
	types := v.types()
	if len(types) == 0 || types[len(types)-1] != bridge.EventBroadcasterLeft {
		t.Fatalf("viewer events = %v, want trailing broadcaster-left", types)
	}
}

func TestConnectTransportUnknownOrForeign(t *testing.T) {
	c, _ := newCoordinator(t)
	mustJoin(t, c, "a", bridge.RoleViewer, &recorder{})
	mustJoin(t, c, "b", bridge.RoleViewer, &recorder{})
	at := mustTransport(t, c, "a", bridge.DirectionRecv)

	err := c.ConnectTransport(context.Background(), "b", at.ID, mediaengine.ConnectParameters{})
	if !errors.Is(err, bridge.ErrUnknownResource) {
		t.Fatalf("foreign transport connect: expected ErrUnknownResource, got %v", err)
	}
	err = c.ConnectTransport(context.Background(), "a", "no-such-id", mediaengine.ConnectParameters{})
	if !errors.Is(err, bridge.ErrUnknownResource) {
		t.Fatalf("unknown transport connect: expected ErrUnknownResource, got %v", err)
	}
}

func TestConnectTransportMarksConnected(t *testing.T) {
	c, router := newCoordinator(t)
	mustJoin(t, c, "v", bridge.RoleViewer, &recorder{})
	vt := mustTransport(t, c, "v", bridge.DirectionRecv)

	if err := c.ConnectTransport(context.Background(), "v", vt.ID, mediaengine.ConnectParameters{}); err != nil {
		t.Fatalf("connect transport: %v", err)
	}
	if !router.Transports[0].Connected() {
		t.Fatal("engine transport not connected")
	}

	vt2 := mustTransport(t, c, "v", bridge.DirectionRecv)
	router.Transports[1].FailConnect = errors.New("dtls boom")
	err := c.ConnectTransport(context.Background(), "v", vt2.ID, mediaengine.ConnectParameters{})
	if !errors.Is(err, bridge.ErrEngineFailure) {
		t.Fatalf("failed connect: expected ErrEngineFailure, got %v", err)
	}
}

func TestConsumeEngineFailure(t *testing.T) {
	c, router := newCoordinator(t)
	mustJoin(t, c, "b", bridge.RoleBroadcaster, &recorder{})
	mustJoin(t, c, "v", bridge.RoleViewer, &recorder{})
	bt := mustTransport(t, c, "b", bridge.DirectionSend)
	mustProduce(t, c, "b", bt.ID, mediaengine.KindAudio)
	vt := mustTransport(t, c, "v", bridge.DirectionRecv)

	router.Transports[1].FailConsume = errors.New("consume boom")
	_, err := c.Consume(context.Background(), "v", vt.ID, mediaengine.KindAudio, webrtc.RTPCapabilities{})
	if !errors.Is(err, bridge.ErrEngineFailure) {
		t.Fatalf("failed consume: expected ErrEngineFailure, got %v", err)
	}
	if n := c.OwnedResourceCount("v"); n != 1 {
		t.Fatalf("failed consume must not register, viewer owns %d", n)
	}
}

func TestResumeEngineFailure(t *testing.T) {
	c, router := newCoordinator(t)
	mustJoin(t, c, "b", bridge.RoleBroadcaster, &recorder{})
	mustJoin(t, c, "v", bridge.RoleViewer, &recorder{})
	bt := mustTransport(t, c, "b", bridge.DirectionSend)
	mustProduce(t, c, "b", bt.ID, mediaengine.KindAudio)
	vt := mustTransport(t, c, "v", bridge.DirectionRecv)
	res := mustConsume(t, c, "v", vt.ID, mediaengine.KindAudio)

	router.Consumers[0].FailResume = errors.New("resume boom")
	err := c.Resume(context.Background(), "v", res.ID)
	if !errors.Is(err, bridge.ErrEngineFailure) {
		t.Fatalf("failed resume: expected ErrEngineFailure, got %v", err)
	}
	if !router.Consumers[0].Paused() {
		t.Fatal("failed resume must leave the consumer paused")
	}
}

func TestEngineFailureWrapped(t *testing.T) {
	c, router := newCoordinator(t)
	router.FailCreateTransport = errors.New("boom")
	mustJoin(t, c, "v", bridge.RoleViewer, &recorder{})

	_, err := c.CreateTransport(context.Background(), "v", bridge.DirectionRecv)
	if !errors.Is(err, bridge.ErrEngineFailure) {
		t.Fatalf("expected ErrEngineFailure, got %v", err)
	}
}

func TestMaxPeers(t *testing.T) {
	router := enginetest.NewRouter()
	c := bridge.NewCoordinator(bridge.Config{Router: router, Metrics: metrics.New(), MaxPeers: 1})
	mustJoin(t, c, "v1", bridge.RoleViewer, &recorder{})

	if _, err := c.Join("v2", bridge.RoleViewer, &recorder{}); !errors.Is(err, bridge.ErrTooManyPeers) {
		t.Fatalf("expected ErrTooManyPeers, got %v", err)
	}
	c.Leave("v1")
	if _, err := c.Join("v2", bridge.RoleViewer, &recorder{}); err != nil {
		t.Fatalf("join after capacity freed: %v", err)
	}
}

func TestDuplicateJoinRejected(t *testing.T) {
	c, _ := newCoordinator(t)
	mustJoin(t, c, "p", bridge.RoleViewer, &recorder{})
	if _, err := c.Join("p", bridge.RoleViewer, &recorder{}); !errors.Is(err, bridge.ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
}
