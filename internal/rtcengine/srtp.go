package rtcengine

import (
	"fmt"

	"github.com/pion/dtls/v3"
	"github.com/pion/srtp/v3"
)

// deriveSRTPKeys extracts SRTP session keys from the completed DTLS
// handshake and builds the SRTP session this passive endpoint writes
// video/audio through, following the same
// srtp.Config.ExtractSessionKeysFromDTLS → srtp.NewSessionSRTP sequence
// the teacher's pion/webrtc DTLSTransport.startSRTP uses. This engine
// always plays the DTLS server role (the peer always initiates, spec
// §4.3 "no trickle ICE"/ICE-lite), so isClient is always false.
func (e *Engine) deriveSRTPKeys(conn *dtls.Conn) error {
	cfg := &srtp.Config{
		Profile:       srtp.ProtectionProfileAes128CmHmacSha1_80,
		LoggerFactory: pionLoggerFactory,
	}
	state, ok := conn.ConnectionState()
	if !ok {
		return fmt.Errorf("extract srtp session keys from dtls: connection state not available")
	}
	if err := cfg.ExtractSessionKeysFromDTLS(&state, false); err != nil {
		return fmt.Errorf("extract srtp session keys from dtls: %w", err)
	}

	session, err := srtp.NewSessionSRTP(e.rtpInner, cfg)
	if err != nil {
		return fmt.Errorf("create srtp session: %w", err)
	}
	e.srtpSession = session

	return nil
}
