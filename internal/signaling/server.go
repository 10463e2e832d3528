// Package signaling speaks the bridge's wire protocol: a JSON
// request/reply/event protocol over WebSocket for browser peers, plus a
// plain peer-connection ingestion endpoint for broadcast tooling.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/KoHat1998/livenix-bridge/internal/bridge"
	"github.com/KoHat1998/livenix-bridge/internal/config"
	"github.com/KoHat1998/livenix-bridge/internal/mediaengine"
	"github.com/KoHat1998/livenix-bridge/internal/metrics"
	"github.com/KoHat1998/livenix-bridge/internal/ratelimit"

	"github.com/pion/webrtc/v4"
)

const wsWriteWait = 1 * time.Second

// Exact error strings clients key on.
const (
	msgBroadcasterConflict = "Another broadcaster is already live."
	msgNoProducer          = "No producer yet"
)

// Server owns the signaling endpoints. The WebSocket handler enforces
// per-connection message size and rate limits and keeps the connection alive
// with pings; the broadcast handler speaks plain SDP offer/answer.
type Server struct {
	log     *slog.Logger
	coord   *bridge.Coordinator
	router  mediaengine.Router
	api     *webrtc.API
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	maxMessageBytes   int64
	messagesPerSecond int
	idleTimeout       time.Duration
	pingInterval      time.Duration
	gatherTimeout     time.Duration

	upgrader websocket.Upgrader
}

// Options wires a Server. API may be nil when the plain broadcast endpoint
// is not needed (tests).
type Options struct {
	Config      config.Config
	Logger      *slog.Logger
	Coordinator *bridge.Coordinator
	Router      mediaengine.Router
	API         *webrtc.API
	Metrics     *metrics.Metrics
	Clock       ratelimit.Clock
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Server{
		log:     log.With("component", "signaling"),
		coord:   opts.Coordinator,
		router:  opts.Router,
		api:     opts.API,
		metrics: opts.Metrics,
		clock:   clock,

		maxMessageBytes:   opts.Config.MaxSignalingMessageBytes,
		messagesPerSecond: opts.Config.MaxSignalingMessagesPerSecond,
		idleTimeout:       opts.Config.SignalingWSIdleTimeout,
		pingInterval:      opts.Config.SignalingWSPingInterval,
		gatherTimeout:     opts.Config.ICEGatheringTimeout,

		// Origin enforcement happens in the http layer before the upgrade.
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes attaches the signaling endpoints to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /webrtc/broadcast", s.handleBroadcast)
}

// wsPeer is one WebSocket connection's view of the bridge. Writes are
// serialized through mu so replies, events and pings never interleave.
type wsPeer struct {
	id   string
	conn *websocket.Conn
	log  *slog.Logger

	mu sync.Mutex
}

func (p *wsPeer) writeJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return p.conn.WriteJSON(v)
}

func (p *wsPeer) writePing() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (p *wsPeer) reply(id int64, data any) {
	if err := p.writeJSON(response{ID: id, OK: true, Data: data}); err != nil {
		p.log.Debug("reply write failed", "err", err)
	}
}

func (p *wsPeer) fail(id int64, msg string) {
	if err := p.writeJSON(response{ID: id, Error: msg}); err != nil {
		p.log.Debug("error reply write failed", "err", err)
	}
}

// Notify implements bridge.Messenger. Events are fire-and-forget: a write
// failure only means the read loop will notice the dead connection shortly.
func (p *wsPeer) Notify(ev bridge.Event) {
	msg := eventMessage{Event: string(ev.Type)}
	switch ev.Type {
	case bridge.EventNewProducer, bridge.EventProducerClosed:
		msg.Data = producerEventData{ProducerID: ev.ProducerID, Kind: string(ev.Kind)}
	}
	if err := p.writeJSON(msg); err != nil {
		p.log.Debug("event write failed", "event", ev.Type, "err", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	peer := &wsPeer{
		id:   uuid.NewString(),
		conn: conn,
	}
	peer.log = s.log.With("peer_id", peer.id)

	defer func() {
		s.coord.Leave(peer.id)
		_ = conn.Close()
	}()

	conn.SetReadLimit(s.maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	stopPings := make(chan struct{})
	defer close(stopPings)
	go s.pingLoop(peer, stopPings)

	limiter := ratelimit.NewTokenBucket(s.clock, int64(s.messagesPerSecond), int64(s.messagesPerSecond))

	joined := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RateLimitedMessages)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		req, err := parseRequest(data)
		if err != nil {
			s.metrics.Inc(metrics.BadMessages)
			peer.fail(looseRequestID(data), "invalid message")
			continue
		}

		if !joined && req.Method != methodJoin {
			peer.fail(req.ID, "not joined")
			continue
		}

		result, err := s.dispatch(r.Context(), peer, req)
		if err != nil {
			peer.fail(req.ID, errorMessage(err))
			continue
		}
		if req.Method == methodJoin {
			joined = true
		}
		peer.reply(req.ID, result)
	}
}

func (s *Server) pingLoop(p *wsPeer, stop <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.writePing(); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, p *wsPeer, req request) (any, error) {
	switch req.Method {
	case methodJoin:
		var data joinData
		if err := decodeData(req.Data, &data); err != nil {
			return nil, errBadRequest(err)
		}
		role, err := bridge.ParseRole(data.Role)
		if err != nil {
			return nil, errBadRequest(err)
		}
		live, err := s.coord.Join(p.id, role, p)
		if err != nil {
			return nil, err
		}
		return joinReply{PeerID: p.id, Broadcasting: live}, nil

	case methodRouterCapabilities:
		return routerCapabilitiesReply{RTPCapabilities: s.coord.RouterCapabilities()}, nil

	case methodCreateTransport:
		var data createTransportData
		if err := decodeData(req.Data, &data); err != nil {
			return nil, errBadRequest(err)
		}
		dir, err := bridge.ParseDirection(data.Direction)
		if err != nil {
			return nil, errBadRequest(err)
		}
		info, err := s.coord.CreateTransport(ctx, p.id, dir)
		if err != nil {
			return nil, err
		}
		return createTransportReply{
			TransportID:    info.ID,
			ICEParameters:  info.Parameters.ICEParameters,
			ICECandidates:  info.Parameters.ICECandidates,
			DTLSParameters: info.Parameters.DTLSParameters,
		}, nil

	case methodConnectTransport:
		var data connectTransportData
		if err := decodeData(req.Data, &data); err != nil {
			return nil, errBadRequest(err)
		}
		err := s.coord.ConnectTransport(ctx, p.id, data.TransportID, mediaengine.ConnectParameters{
			DTLSParameters: data.DTLSParameters,
			ICEParameters:  data.ICEParameters,
		})
		if err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case methodProduce:
		var data produceData
		if err := decodeData(req.Data, &data); err != nil {
			return nil, errBadRequest(err)
		}
		kind, err := mediaengine.ParseKind(data.Kind)
		if err != nil {
			return nil, errBadRequest(err)
		}
		res, err := s.coord.Produce(ctx, p.id, data.TransportID, kind, data.RTPParameters)
		if err != nil {
			return nil, err
		}
		return produceReply{ProducerID: res.ID}, nil

	case methodConsume:
		var data consumeData
		if err := decodeData(req.Data, &data); err != nil {
			return nil, errBadRequest(err)
		}
		kind, err := mediaengine.ParseKind(data.Kind)
		if err != nil {
			return nil, errBadRequest(err)
		}
		res, err := s.coord.Consume(ctx, p.id, data.TransportID, kind, data.RTPCapabilities)
		if err != nil {
			return nil, err
		}
		return consumeReply{
			ConsumerID:    res.ID,
			ProducerID:    res.ProducerID,
			Kind:          string(res.Kind),
			RTPParameters: res.RTPParameters,
		}, nil

	case methodResume:
		var data resumeData
		if err := decodeData(req.Data, &data); err != nil {
			return nil, errBadRequest(err)
		}
		if err := s.coord.Resume(ctx, p.id, data.ConsumerID); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	default:
		return nil, errUnknownMethod
	}
}

var errUnknownMethod = errors.New("unknown method")

type badRequestError struct{ err error }

func (e badRequestError) Error() string { return e.err.Error() }

func errBadRequest(err error) error { return badRequestError{err: err} }

// errorMessage maps internal failures to the strings sent on the wire.
// Engine internals are never leaked to clients.
func errorMessage(err error) string {
	var bad badRequestError
	switch {
	case errors.Is(err, bridge.ErrBroadcasterConflict):
		return msgBroadcasterConflict
	case errors.Is(err, bridge.ErrNoProducer):
		return msgNoProducer
	case errors.Is(err, bridge.ErrUnauthorized):
		return "peer is not the broadcaster"
	case errors.Is(err, bridge.ErrUnknownResource):
		return "unknown resource"
	case errors.Is(err, bridge.ErrIncompatibleCapabilities):
		return "incompatible rtpCapabilities"
	case errors.Is(err, bridge.ErrAlreadyJoined):
		return "already joined"
	case errors.Is(err, bridge.ErrTooManyPeers):
		return "too many peers"
	case errors.Is(err, bridge.ErrPeerNotFound):
		return "not joined"
	case errors.Is(err, errUnknownMethod):
		return "unknown method"
	case errors.As(err, &bad):
		return bad.Error()
	default:
		return "internal error"
	}
}

// looseRequestID best-effort extracts an id from a malformed request so the
// error reply can still be correlated.
func looseRequestID(data []byte) int64 {
	var envelope struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return 0
	}
	return envelope.ID
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
