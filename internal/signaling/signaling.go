// Package signaling implements the WebSocket offer/answer endpoint (spec
// §4.3): parse one SDP offer, mint a local ufrag/pwd pair, register a
// session keyed by the remote ufrag, and answer with an ICE-lite, single
// host-candidate SDP naming the multiplexer's own port.
package signaling

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pion/sdp/v3"

	"github.com/lanternops/waydesk/internal/broadcast"
	"github.com/lanternops/waydesk/internal/logging"
	"github.com/lanternops/waydesk/internal/rtcengine"
	"github.com/lanternops/waydesk/internal/session"
)

// candidatePriority matches the host/tcp/passive priority pion-webrtc
// computes for a single local interface (spec §6's S1 scenario literal:
// `candidate:1 1 tcp 2130706431 <addr> <port> typ host tcptype passive`).
const candidatePriority = 2130706431

// Config carries the address policy and negotiated payload types (spec §6).
type Config struct {
	Port                    int
	PublicCandidate         string
	CandidateFromHostHeader bool
	LocalBindAddr           string
	VideoPayloadType        uint8
	AudioPayloadType        uint8
}

// offerMessage and answerMessage are the two JSON shapes spec §4.3 fixes.
type offerMessage struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type answerMessage struct {
	Type      string `json:"type"`
	SDP       string `json:"sdp"`
	SessionID string `json:"session_id"`
}

// Handler serves GET /webrtc.
type Handler struct {
	cfg      Config
	registry *session.Registry
	video    *broadcast.Video
	audio    *broadcast.Audio
	text     *broadcast.Text
	upgrader websocket.Upgrader

	// OnSession is invoked with each newly registered session once the
	// answer has been sent. The session's driver is not started here; it
	// starts when a matching ICE-TCP connection arrives.
	OnSession func(*session.Session)
}

// New creates a signaling Handler.
func New(cfg Config, registry *session.Registry, video *broadcast.Video, audio *broadcast.Audio, text *broadcast.Text) *Handler {
	return &Handler{
		cfg:      cfg,
		registry: registry,
		video:    video,
		audio:    audio,
		text:     text,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection, reads exactly one offer message,
// and writes exactly one answer message, then lets the websocket close
// (spec §4.3: "the signaling WebSocket may be closed immediately after
// answer, but the session MUST survive that close").
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logging.L("signaling")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var offer offerMessage
	if err := conn.ReadJSON(&offer); err != nil {
		log.Debug("read offer failed", "error", err)
		return
	}
	if offer.Type != "offer" {
		h.writeError(conn, fmt.Sprintf("expected offer, got %q", offer.Type))
		return
	}

	sess, answerSDP, err := h.handleOffer(offer.SDP, r)
	if err != nil {
		log.Warn("offer handling failed", "error", err)
		h.writeError(conn, err.Error())
		return
	}

	resp := answerMessage{Type: "answer", SDP: answerSDP, SessionID: sess.ID}
	if err := conn.WriteJSON(resp); err != nil {
		log.Debug("write answer failed", "error", err)
		return
	}

	if h.OnSession != nil {
		h.OnSession(sess)
	}
}

func (h *Handler) writeError(conn *websocket.Conn, msg string) {
	_ = conn.WriteJSON(map[string]string{"error": msg})
}

// handleOffer parses sdpText, creates the engine/session pair, and
// returns the SDP answer to send back.
func (h *Handler) handleOffer(sdpText string, r *http.Request) (*session.Session, string, error) {
	offer := &sdp.SessionDescription{}
	if err := offer.UnmarshalString(sdpText); err != nil {
		return nil, "", fmt.Errorf("signaling: malformed offer sdp: %w", err)
	}

	remoteUfrag, remotePwd, err := iceCredentials(offer)
	if err != nil {
		return nil, "", err
	}

	videoSSRC := firstSSRC(offer, "video")
	audioSSRC := firstSSRC(offer, "audio")

	localUfrag, err := randomICEString(4)
	if err != nil {
		return nil, "", fmt.Errorf("signaling: generate local ufrag: %w", err)
	}
	localPwd, err := randomICEString(22)
	if err != nil {
		return nil, "", fmt.Errorf("signaling: generate local pwd: %w", err)
	}

	engine, err := rtcengine.New(rtcengine.Config{
		LocalUfrag:  localUfrag,
		LocalPwd:    localPwd,
		RemoteUfrag: remoteUfrag,
		RemotePwd:   remotePwd,
		Video:       rtcengine.MediaParams{PayloadType: h.cfg.VideoPayloadType, SSRC: videoSSRC},
		Audio:       rtcengine.MediaParams{PayloadType: h.cfg.AudioPayloadType, SSRC: audioSSRC},
		RemoteAddr:  remoteAddrFromRequest(r),
	})
	if err != nil {
		return nil, "", fmt.Errorf("signaling: create engine: %w", err)
	}

	sess := session.New(localUfrag, localPwd, remoteUfrag, engine, h.video, h.audio, h.text)
	sess.SetSSRCs(videoSSRC, audioSSRC)
	h.registry.Add(sess)

	answerSDP := buildAnswer(answerParams{
		Ufrag:       localUfrag,
		Pwd:         localPwd,
		Fingerprint: engine.FingerprintSHA256(),
		Addr:        h.candidateAddress(r),
		Port:        h.cfg.Port,
		VideoPT:     h.cfg.VideoPayloadType,
		AudioPT:     h.cfg.AudioPayloadType,
		MIDs:        mediaMIDs(offer),
	})
	return sess, answerSDP, nil
}

// candidateAddress implements spec §4.3's address policy: explicit
// config wins, then the request's Host header (if enabled), then the
// server's own bind address.
func (h *Handler) candidateAddress(r *http.Request) string {
	if h.cfg.PublicCandidate != "" {
		return h.cfg.PublicCandidate
	}
	if h.cfg.CandidateFromHostHeader {
		if host := hostOnly(r.Host); host != "" {
			return host
		}
	}
	return h.cfg.LocalBindAddr
}

func hostOnly(hostport string) string {
	host, _, found := strings.Cut(hostport, ":")
	if !found {
		return hostport
	}
	return host
}

func remoteAddrFromRequest(r *http.Request) remoteAddrStringer {
	return remoteAddrStringer(r.RemoteAddr)
}

// remoteAddrStringer satisfies net.Addr minimally so rtcengine.Config's
// RemoteAddr field (echoed into XOR-MAPPED-ADDRESS) can carry the peer's
// observed address without importing net.Conn machinery here.
type remoteAddrStringer string

func (a remoteAddrStringer) Network() string { return "tcp" }
func (a remoteAddrStringer) String() string  { return string(a) }

// iceCredentials extracts ice-ufrag/ice-pwd, checking the session level
// first and falling back to the first media section (both are valid
// placements per RFC 8839).
func iceCredentials(desc *sdp.SessionDescription) (ufrag, pwd string, err error) {
	ufrag, hasUfrag := desc.Attribute("ice-ufrag")
	pwd, hasPwd := desc.Attribute("ice-pwd")
	if hasUfrag && hasPwd {
		return ufrag, pwd, nil
	}
	for _, m := range desc.MediaDescriptions {
		if u, ok := m.Attribute("ice-ufrag"); ok {
			ufrag = u
			hasUfrag = true
		}
		if p, ok := m.Attribute("ice-pwd"); ok {
			pwd = p
			hasPwd = true
		}
		if hasUfrag && hasPwd {
			return ufrag, pwd, nil
		}
	}
	return "", "", fmt.Errorf("signaling: offer missing ice-ufrag/ice-pwd")
}

// firstSSRC returns the first a=ssrc value found in the named media
// section ("video" or "audio"), or 0 if absent.
func firstSSRC(desc *sdp.SessionDescription, mediaType string) uint32 {
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != mediaType {
			continue
		}
		for _, attr := range m.Attributes {
			if attr.Key != "ssrc" {
				continue
			}
			fields := strings.Fields(attr.Value)
			if len(fields) == 0 {
				continue
			}
			var ssrc uint32
			if _, err := fmt.Sscanf(fields[0], "%d", &ssrc); err == nil {
				return ssrc
			}
		}
	}
	return 0
}

// iceChars is RFC 8839's ice-char set (unreserved alphanumerics): the
// teacher/pack carry no ICE-string generator, so this is the stdlib
// fallback noted in DESIGN.md.
const iceChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomICEString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = iceChars[int(b)%len(iceChars)]
	}
	return string(out), nil
}

// answerMIDs carries the offer's media identification tags so the answer
// echoes them (the peer rejects an answer whose mids don't match).
type answerMIDs struct {
	Video, Audio, Application string
}

// mediaMIDs extracts the a=mid value of each media section, defaulting
// to the conventional "0"/"1"/"2" when the offer omits them.
func mediaMIDs(desc *sdp.SessionDescription) answerMIDs {
	mids := answerMIDs{Video: "0", Audio: "1", Application: "2"}
	for _, m := range desc.MediaDescriptions {
		mid, ok := m.Attribute("mid")
		if !ok {
			continue
		}
		switch m.MediaName.Media {
		case "video":
			mids.Video = mid
		case "audio":
			mids.Audio = mid
		case "application":
			mids.Application = mid
		}
	}
	return mids
}

type answerParams struct {
	Ufrag, Pwd  string
	Fingerprint string
	Addr        string
	Port        int
	VideoPT     uint8
	AudioPT     uint8
	MIDs        answerMIDs
}

// buildAnswer renders the literal SDP answer text (spec §6): ice-lite,
// exactly one tcp/passive/host candidate, and video/audio/application
// media sections matching the negotiated payload types. pion/sdp/v3's
// structured builder targets UDP/srflx-shaped answers; the single literal
// passive-TCP candidate line spec §6 mandates is built directly instead
// (see DESIGN.md).
func buildAnswer(p answerParams) string {
	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString("o=- 0 0 IN IP4 " + p.Addr + "\r\n")
	b.WriteString("s=-\r\n")
	b.WriteString("t=0 0\r\n")
	b.WriteString("a=ice-lite\r\n")
	fmt.Fprintf(&b, "a=group:BUNDLE %s %s %s\r\n", p.MIDs.Video, p.MIDs.Audio, p.MIDs.Application)
	b.WriteString("a=ice-ufrag:" + p.Ufrag + "\r\n")
	b.WriteString("a=ice-pwd:" + p.Pwd + "\r\n")
	b.WriteString("a=fingerprint:sha-256 " + p.Fingerprint + "\r\n")
	fmt.Fprintf(&b, "a=candidate:1 1 tcp %d %s %d typ host tcptype passive\r\n", candidatePriority, p.Addr, p.Port)

	fmt.Fprintf(&b, "m=video %d UDP/TLS/RTP/SAVPF %d\r\n", p.Port, p.VideoPT)
	b.WriteString("c=IN IP4 " + p.Addr + "\r\n")
	b.WriteString("a=mid:" + p.MIDs.Video + "\r\n")
	b.WriteString("a=setup:passive\r\n")
	b.WriteString("a=sendonly\r\n")
	fmt.Fprintf(&b, "a=rtpmap:%d H264/90000\r\n", p.VideoPT)

	fmt.Fprintf(&b, "m=audio %d UDP/TLS/RTP/SAVPF %d\r\n", p.Port, p.AudioPT)
	b.WriteString("c=IN IP4 " + p.Addr + "\r\n")
	b.WriteString("a=mid:" + p.MIDs.Audio + "\r\n")
	b.WriteString("a=setup:passive\r\n")
	b.WriteString("a=sendonly\r\n")
	fmt.Fprintf(&b, "a=rtpmap:%d opus/48000/2\r\n", p.AudioPT)

	fmt.Fprintf(&b, "m=application %d UDP/DTLS/SCTP webrtc-datachannel\r\n", p.Port)
	b.WriteString("c=IN IP4 " + p.Addr + "\r\n")
	b.WriteString("a=mid:" + p.MIDs.Application + "\r\n")
	b.WriteString("a=setup:passive\r\n")
	b.WriteString("a=sctp-port:5000\r\n")

	return b.String()
}
