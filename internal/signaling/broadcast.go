package signaling

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/KoHat1998/livenix-bridge/internal/bridge"
)

type sessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// handleBroadcast ingests a broadcast over a plain peer connection: the
// client POSTs an SDP offer with sendonly tracks and receives the answer in
// the response body. The connection claims the broadcaster slot like any
// other broadcaster; its tracks become producers viewers consume the usual
// way.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.api == nil {
		httpError(w, http.StatusServiceUnavailable, "broadcast ingestion disabled")
		return
	}

	var offer sessionDescription
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxMessageBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&offer); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if offer.Type != "offer" || offer.SDP == "" {
		httpError(w, http.StatusBadRequest, "invalid offer")
		return
	}

	peerID := "broadcast-" + uuid.NewString()
	if _, err := s.coord.Join(peerID, bridge.RoleBroadcaster, nil); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, bridge.ErrBroadcasterConflict) {
			status = http.StatusConflict
		}
		httpError(w, status, errorMessage(err))
		return
	}

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		s.coord.Leave(peerID)
		httpError(w, http.StatusInternalServerError, "failed to create peer connection")
		return
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		producer, err := s.router.NewProducerFromTrack(track)
		if err != nil {
			s.log.Warn("wrap ingested track", "peer_id", peerID, "err", err)
			return
		}
		if err := s.coord.AttachProducer(peerID, producer); err != nil {
			s.log.Warn("attach ingested producer", "peer_id", peerID, "err", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if terminalConnectionState(state) {
			s.coord.Leave(peerID)
			_ = pc.Close()
		}
	})

	fail := func(status int, msg string) {
		s.coord.Leave(peerID)
		_ = pc.Close()
		httpError(w, status, msg)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		fail(http.StatusBadRequest, "invalid offer")
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		fail(http.StatusInternalServerError, "failed to create answer")
		return
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		fail(http.StatusInternalServerError, "failed to set local description")
		return
	}

	select {
	case <-gathered:
	case <-time.After(s.gatherTimeout):
		// Trickle-less answer with whatever candidates exist by now.
	case <-r.Context().Done():
		fail(http.StatusInternalServerError, "request cancelled")
		return
	}

	local := pc.LocalDescription()
	if local == nil {
		fail(http.StatusInternalServerError, "missing local description")
		return
	}

	s.log.Info("broadcast ingested", "peer_id", peerID)
	writeHTTPJSON(w, http.StatusOK, sessionDescription{Type: "answer", SDP: local.SDP})
}

// terminalConnectionState reports whether the peer connection cannot recover
// from state. Disconnected is transient: ICE may re-establish consent, so
// tearing down the broadcaster there would drop the stream on a network blip.
func terminalConnectionState(state webrtc.PeerConnectionState) bool {
	return state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeHTTPJSON(w, status, map[string]any{"error": msg})
}

func writeHTTPJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
