// Package rtcengine is the Sans-I/O WebRTC session engine: a per-peer
// state machine that receives raw network datagrams and
// timeouts and produces outbound bytes and events. It never touches a
// real socket — the host loop (internal/driver) owns the TCP connection,
// decides when to read and write, and drives this engine purely through
// HandleReceived/WriteRTP/WriteData/HandleTimeout/PollOutput.
//
// Internally the engine adapts pion's DTLS, SCTP and data-channel
// packages — each of which blocks on a net.Conn — onto this push/pull
// contract via an in-memory net.Pipe: one end is handed to those
// libraries, the other end is drained and fed by the engine's exported
// methods. This keeps the blocking crypto/transport stacks genuinely
// reusable while the driver still never shares socket ownership with the
// engine.
package rtcengine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
	dtlsnet "github.com/pion/dtls/v3/pkg/net"
	pionlogging "github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/sctp"
	"github.com/pion/srtp/v3"
	"github.com/pion/stun/v3"

	"github.com/lanternops/waydesk/internal/logging"
)

// ConnectionState mirrors the states the driver needs to react to
// ("connection-state change").
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

// pionLoggerFactory feeds the pion transport stacks' own logging; their
// output is separate from this process's slog tree by design (they log
// protocol internals at their own levels).
var pionLoggerFactory = pionlogging.NewDefaultLoggerFactory()

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "new"
	}
}

// Output is one unit of work the driver must perform after a poll.
type Output struct {
	// Transmit, when non-nil, is a raw datagram the driver must frame
	// (RFC 4571) and write to the session's TCP socket.
	Transmit []byte

	// Event, when non-empty, reports something that happened inside
	// the engine (data-channel open/data/close, state change).
	Event *Event
}

// EventKind enumerates the categories of Event.
type EventKind int

const (
	EventDataChannelOpen EventKind = iota
	EventDataChannelData
	EventDataChannelClose
	EventStateChange
)

// Event carries engine-internal occurrences out to the driver.
type Event struct {
	Kind          EventKind
	Label         string // originating data-channel label, for Open/Data/Close
	Data          []byte
	IsString      bool
	State         ConnectionState
}

// MediaParams describes one negotiated RTP media section: the remote's
// declared SSRC and payload type for a video or audio track.
type MediaParams struct {
	PayloadType uint8
	SSRC        uint32
}

// Config carries the per-session parameters fixed at engine creation,
// derived from the signaling offer/answer exchange.
type Config struct {
	LocalUfrag, LocalPwd   string
	RemoteUfrag, RemotePwd string
	Video                  MediaParams
	Audio                  MediaParams

	// RemoteAddr is the peer's observed TCP endpoint, echoed back in the
	// STUN binding response's XOR-MAPPED-ADDRESS attribute. Signaling sets
	// it from the WebSocket request; Session.AttachConn replaces it via
	// SetRemoteAddr once the ICE-TCP connection is attached.
	RemoteAddr net.Addr
}

// Engine is one session's Sans-I/O WebRTC state machine.
type Engine struct {
	cfg  Config
	cert tls.Certificate

	mu         sync.Mutex
	state      ConnectionState
	closed     bool
	remoteAddr net.Addr

	// dtlsInner is handed to DTLS/SCTP; dtlsOuter is driven directly by
	// HandleReceived/PollOutput for DTLS-classified datagrams.
	dtlsInner net.Conn
	dtlsOuter net.Conn

	// rtpInner is handed to the SRTP session; rtpOuter carries the
	// ciphertext datagrams the demuxer classifies as RTP/RTCP. SRTP
	// packets are never encapsulated inside the DTLS record layer, so
	// this is a second, independent pipe.
	rtpInner net.Conn
	rtpOuter net.Conn

	outputs chan Output

	dtlsConn  *dtls.Conn
	sctpAssoc *sctp.Association

	// dataStream is the primary text channel (first DCEP open wins);
	// auxStreams holds any transient auxiliary channels by label, at
	// most one of which (the upload stream) is expected at a time.
	dataStream *dataChannelStream
	auxStreams map[string]*dataChannelStream

	srtpSession *srtp.SessionSRTP

	nextTimeoutMu sync.Mutex
	nextTimeout   time.Time

	handshakeOnce sync.Once
}

// New creates an Engine for one session, in the ICE-lite/passive-DTLS
// configuration: RTP-mode, ICE-lite, NullPacer.
func New(cfg Config) (*Engine, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("rtcengine: generate certificate: %w", err)
	}

	dtlsInner, dtlsOuter := net.Pipe()
	rtpInner, rtpOuter := net.Pipe()

	e := &Engine{
		cfg:         cfg,
		cert:        cert,
		state:       StateNew,
		remoteAddr:  cfg.RemoteAddr,
		dtlsInner:   dtlsInner,
		dtlsOuter:   dtlsOuter,
		rtpInner:    rtpInner,
		rtpOuter:    rtpOuter,
		auxStreams:  make(map[string]*dataChannelStream),
		outputs:     make(chan Output, 256),
		nextTimeout: time.Now().Add(time.Second),
	}

	go e.pumpToOutputs(e.dtlsOuter)
	go e.pumpToOutputs(e.rtpOuter)

	return e, nil
}

// pumpToOutputs continuously reads whatever an internal transport writes
// to its outer pipe end and queues it as a Transmit output.
func (e *Engine) pumpToOutputs(outer net.Conn) {
	buf := make([]byte, 16*1024)
	for {
		n, err := outer.Read(buf)
		if err != nil {
			return
		}
		out := make([]byte, n)
		copy(out, buf[:n])

		select {
		case e.outputs <- Output{Transmit: out}:
		default:
			logging.L("rtcengine").Warn("output queue full, dropping datagram")
		}
	}
}

// HandleReceived processes one inbound network datagram (already
// RFC-4571-decoded by the driver). Returns promptly; any internal
// handshake/library work happens on engine-owned goroutines.
func (e *Engine) HandleReceived(data []byte) error {
	switch classify(data) {
	case kindSTUN:
		return e.handleSTUN(data)
	case kindDTLS:
		return e.forwardToDTLS(data)
	case kindRTP:
		_, err := e.rtpOuter.Write(data)
		return err
	default:
		return fmt.Errorf("rtcengine: unclassifiable datagram of length %d", len(data))
	}
}

func (e *Engine) forwardToDTLS(data []byte) error {
	e.ensureHandshakeStarted()
	_, err := e.dtlsOuter.Write(data)
	return err
}

// ensureHandshakeStarted lazily begins the DTLS server handshake the
// first time a DTLS-classified datagram arrives, since the peer (not
// this passive ICE-lite endpoint) initiates.
func (e *Engine) ensureHandshakeStarted() {
	e.handshakeOnce.Do(func() {
		go e.runHandshake()
	})
}

func (e *Engine) runHandshake() {
	log := logging.L("rtcengine")

	dtlsConn, err := dtls.Server(dtlsnet.PacketConnFromConn(e.dtlsInner), e.dtlsInner.RemoteAddr(), &dtls.Config{
		Certificates:         []tls.Certificate{e.cert},
		ClientAuth:           dtls.RequireAnyClientCert,
		InsecureSkipVerify:   true,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{
			dtls.SRTP_AES128_CM_HMAC_SHA1_80,
		},
		LoggerFactory: pionLoggerFactory,
	})
	if err != nil {
		log.Warn("dtls handshake failed", "error", err)
		e.setState(StateFailed)
		return
	}
	e.dtlsConn = dtlsConn

	if err := e.deriveSRTPKeys(dtlsConn); err != nil {
		log.Warn("srtp key derivation failed", "error", err)
		e.setState(StateFailed)
		return
	}

	assoc, err := sctp.Server(sctp.Config{
		NetConn:       dtlsConn,
		LoggerFactory: pionLoggerFactory,
	})
	if err != nil {
		log.Warn("sctp association failed", "error", err)
		e.setState(StateFailed)
		return
	}
	e.sctpAssoc = assoc

	e.setState(StateConnected)

	go e.acceptDataChannels()
}

func (e *Engine) setState(s ConnectionState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()

	e.emit(Event{Kind: EventStateChange, State: s})
}

func (e *Engine) emit(ev Event) {
	select {
	case e.outputs <- Output{Event: &ev}:
	default:
		logging.L("rtcengine").Warn("output queue full, dropping event")
	}
}

// WriteRTP encrypts pkt via SRTP and queues the ciphertext as a Transmit
// output, preserving payload type, sequence number, timestamp and marker
// exactly as given.
func (e *Engine) WriteRTP(mediaIsVideo bool, pkt *rtp.Packet) error {
	session := e.srtpSession
	if session == nil {
		return errors.New("rtcengine: srtp session not established yet")
	}

	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("rtcengine: marshal rtp packet: %w", err)
	}

	writeStream, err := session.OpenWriteStream()
	if err != nil {
		return fmt.Errorf("rtcengine: open srtp write stream: %w", err)
	}
	if _, err := writeStream.Write(raw); err != nil {
		return fmt.Errorf("rtcengine: srtp write: %w", err)
	}
	return nil
}

// WriteData sends data on the primary data channel.
func (e *Engine) WriteData(data []byte, isString bool) error {
	e.mu.Lock()
	stream := e.dataStream
	e.mu.Unlock()

	if stream == nil {
		return errors.New("rtcengine: data channel not open")
	}
	return stream.write(data, isString)
}

// NextTimeout reports when HandleTimeout should next be called.
func (e *Engine) NextTimeout() time.Time {
	e.nextTimeoutMu.Lock()
	defer e.nextTimeoutMu.Unlock()
	return e.nextTimeout
}

// HandleTimeout is invoked by the driver when NextTimeout has elapsed.
// STUN/DTLS in this profile need no periodic retransmit logic beyond
// what the libraries themselves drive through the conn; the method
// exists to satisfy the Sans-I/O contract and to push the next deadline
// forward.
func (e *Engine) HandleTimeout() error {
	e.nextTimeoutMu.Lock()
	e.nextTimeout = time.Now().Add(time.Second)
	e.nextTimeoutMu.Unlock()
	return nil
}

// PollOutput returns the next queued output, if any, without blocking.
func (e *Engine) PollOutput() (Output, bool) {
	select {
	case out := <-e.outputs:
		return out, true
	default:
		return Output{}, false
	}
}

// State reports the current connection state.
func (e *Engine) State() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Close tears down the engine's internal transports.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	primary := e.dataStream
	e.dataStream = nil
	aux := make([]*dataChannelStream, 0, len(e.auxStreams))
	for label, s := range e.auxStreams {
		aux = append(aux, s)
		delete(e.auxStreams, label)
	}
	e.mu.Unlock()

	if primary != nil {
		primary.close()
	}
	for _, s := range aux {
		s.close()
	}
	if e.sctpAssoc != nil {
		e.sctpAssoc.Close()
	}
	if e.dtlsConn != nil {
		e.dtlsConn.Close()
	}
	e.dtlsInner.Close()
	e.dtlsOuter.Close()
	e.rtpInner.Close()
	e.rtpOuter.Close()

	e.setState(StateClosed)
	return nil
}

// FingerprintSHA256 renders the engine's DTLS certificate fingerprint in
// the colon-separated uppercase hex form SDP's a=fingerprint attribute
// expects, so the signaling answer can pin the certificate the peer will
// see during the handshake.
func (e *Engine) FingerprintSHA256() string {
	sum := sha256.Sum256(e.cert.Certificate[0])
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// SetRemoteAddr updates the peer endpoint echoed into future STUN
// Binding Success responses' XOR-MAPPED-ADDRESS, once the actual
// ICE-TCP connection (not just the signaling WebSocket's) is known
// (spec §4.4 step 5).
func (e *Engine) SetRemoteAddr(addr net.Addr) {
	e.mu.Lock()
	e.remoteAddr = addr
	e.mu.Unlock()
}

func (e *Engine) handleSTUN(data []byte) error {
	msg := &stun.Message{Raw: append([]byte{}, data...)}
	if err := msg.Decode(); err != nil {
		return fmt.Errorf("rtcengine: stun decode: %w", err)
	}
	if msg.Type != stun.BindingRequest {
		return nil
	}

	e.mu.Lock()
	remote := e.remoteAddr
	e.mu.Unlock()

	resp, err := buildBindingSuccess(msg, e.cfg.LocalPwd, remote)
	if err != nil {
		return fmt.Errorf("rtcengine: stun response: %w", err)
	}

	select {
	case e.outputs <- Output{Transmit: resp.Raw}:
	default:
		logging.L("rtcengine").Warn("output queue full, dropping stun response")
	}
	return nil
}

func generateSelfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "waydesk"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
