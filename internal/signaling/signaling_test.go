package signaling

import (
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternops/waydesk/internal/broadcast"
	"github.com/lanternops/waydesk/internal/session"
)

// minimalOffer is the S1-shaped offer: one H.264 video m-line, one Opus
// audio m-line, one application m-line, ICE credentials at media level.
const minimalOffer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0 1 2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=ice-ufrag:abcd\r\n" +
	"a=ice-pwd:pSecretSecretSecretSec\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=ssrc:1111 cname:peer\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=ssrc:2222 cname:peer\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:2\r\n"

func newTestHandler(cfg Config) (*Handler, *session.Registry) {
	video, audio, text := broadcast.NewVideo(8), broadcast.NewAudio(), broadcast.NewText()
	registry := session.NewRegistry(video, audio, text)
	return New(cfg, registry, video, audio, text), registry
}

func TestHandleOffer_AnswerShape(t *testing.T) {
	h, registry := newTestHandler(Config{
		Port:             8008,
		PublicCandidate:  "10.0.0.1",
		VideoPayloadType: 96,
		AudioPayloadType: 111,
	})

	r := httptest.NewRequest("GET", "/webrtc", nil)
	sess, answer, err := h.handleOffer(minimalOffer, r)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	assert.Contains(t, answer, "a=ice-lite\r\n")
	assert.Contains(t, answer, "a=candidate:1 1 tcp 2130706431 10.0.0.1 8008 typ host tcptype passive\r\n")
	assert.Contains(t, answer, "a=sendonly")
	assert.Contains(t, answer, "a=mid:0\r\n")
	assert.Contains(t, answer, "a=rtpmap:96 H264/90000\r\n")
	assert.Contains(t, answer, "a=rtpmap:111 opus/48000/2\r\n")
	assert.Contains(t, answer, "m=application 8008 UDP/DTLS/SCTP webrtc-datachannel\r\n")

	fpRe := regexp.MustCompile(`a=fingerprint:sha-256 ([0-9A-F]{2}:){31}[0-9A-F]{2}\r\n`)
	assert.True(t, fpRe.MatchString(answer), "answer must pin the engine's DTLS certificate")

	// Exactly one candidate line.
	assert.Equal(t, 1, strings.Count(answer, "a=candidate:"))

	got, ok := registry.ByRemoteUfrag("abcd")
	require.True(t, ok, "session must be registered under the offer's ufrag")
	assert.Same(t, sess, got)

	videoSSRC, audioSSRC := sess.SSRCs()
	assert.Equal(t, uint32(1111), videoSSRC)
	assert.Equal(t, uint32(2222), audioSSRC)
}

func TestHandleOffer_MalformedSDPRejected(t *testing.T) {
	h, registry := newTestHandler(Config{Port: 8008, LocalBindAddr: "127.0.0.1"})

	r := httptest.NewRequest("GET", "/webrtc", nil)
	_, _, err := h.handleOffer("not an sdp", r)
	require.Error(t, err)
	assert.Empty(t, registry.All(), "no session may be created from a malformed offer")
}

func TestHandleOffer_MissingICECredentialsRejected(t *testing.T) {
	offer := "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\n"

	h, _ := newTestHandler(Config{Port: 8008, LocalBindAddr: "127.0.0.1"})
	r := httptest.NewRequest("GET", "/webrtc", nil)
	_, _, err := h.handleOffer(offer, r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ice-ufrag")
}

func TestCandidateAddressPolicy(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		host string
		want string
	}{
		{"explicit public candidate wins", Config{PublicCandidate: "203.0.113.7", CandidateFromHostHeader: true, LocalBindAddr: "0.0.0.0"}, "desk.example.com:8008", "203.0.113.7"},
		{"host header when enabled", Config{CandidateFromHostHeader: true, LocalBindAddr: "0.0.0.0"}, "desk.example.com:8008", "desk.example.com"},
		{"bind address otherwise", Config{LocalBindAddr: "192.168.1.5"}, "desk.example.com:8008", "192.168.1.5"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newTestHandler(tc.cfg)
			r := httptest.NewRequest("GET", "/webrtc", nil)
			r.Host = tc.host
			assert.Equal(t, tc.want, h.candidateAddress(r))
		})
	}
}

func TestMediaMIDsEchoOffer(t *testing.T) {
	h, _ := newTestHandler(Config{Port: 8008, PublicCandidate: "10.0.0.1"})

	offer := strings.ReplaceAll(minimalOffer, "a=mid:0", "a=mid:v")
	offer = strings.ReplaceAll(offer, "a=mid:1", "a=mid:a")
	offer = strings.ReplaceAll(offer, "a=mid:2", "a=mid:d")

	r := httptest.NewRequest("GET", "/webrtc", nil)
	_, answer, err := h.handleOffer(offer, r)
	require.NoError(t, err)

	assert.Contains(t, answer, "a=group:BUNDLE v a d\r\n")
	assert.Contains(t, answer, "a=mid:v\r\n")
	assert.Contains(t, answer, "a=mid:d\r\n")
}
