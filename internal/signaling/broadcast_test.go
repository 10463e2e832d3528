package signaling

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestTerminalConnectionState(t *testing.T) {
	cases := []struct {
		state webrtc.PeerConnectionState
		want  bool
	}{
		{webrtc.PeerConnectionStateNew, false},
		{webrtc.PeerConnectionStateConnecting, false},
		{webrtc.PeerConnectionStateConnected, false},
		// Disconnected can recover via ICE; it must not end the broadcast.
		{webrtc.PeerConnectionStateDisconnected, false},
		{webrtc.PeerConnectionStateFailed, true},
		{webrtc.PeerConnectionStateClosed, true},
	}
	for _, tc := range cases {
		if got := terminalConnectionState(tc.state); got != tc.want {
			t.Fatalf("terminalConnectionState(%s) = %v, want %v", tc.state, got, tc.want)
		}
	}
}
