// Package session implements the Session data model (spec §3) and the
// session registry (spec §4.4): the map from remote ufrag / session id
// to the live session, ICE-TCP connection matching by STUN USERNAME,
// and idempotent lifecycle/GC.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lanternops/waydesk/internal/broadcast"
	"github.com/lanternops/waydesk/internal/rtcengine"
)

// PingState tracks the keepalive handshake driven by the session driver
// (spec §4.5, source F).
type PingState int

const (
	PingIdle PingState = iota
	PingWaitingPong
)

// Session is one peer's live connection state (spec §3).
type Session struct {
	ID           string
	RemoteUfrag  string
	LocalUfrag   string
	LocalPwd     string

	Engine *rtcengine.Engine

	VideoReceiver *broadcast.VideoReceiver
	AudioReceiver *broadcast.AudioReceiver
	TextReceiver  *broadcast.TextReceiver

	mu                  sync.Mutex
	conn                net.Conn
	lastActivity        time.Time
	pingState           PingState
	pingSentAt          time.Time
	videoSSRC           uint32
	audioSSRC           uint32
	sentInitialKeyframe bool

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Session in the idle state, before any TCP connection has
// attached.
func New(localUfrag, localPwd, remoteUfrag string, engine *rtcengine.Engine, video *broadcast.Video, audio *broadcast.Audio, text *broadcast.Text) *Session {
	return &Session{
		ID:            NewID(),
		RemoteUfrag:   remoteUfrag,
		LocalUfrag:    localUfrag,
		LocalPwd:      localPwd,
		Engine:        engine,
		VideoReceiver: video.Subscribe(0),
		AudioReceiver: audio.Subscribe(),
		TextReceiver:  text.Subscribe(),
		lastActivity:  time.Now(),
		closed:        make(chan struct{}),
	}
}

// NewID generates a locally unique session id.
func NewID() string {
	return uuid.NewString()
}

// AttachConn binds (or rebinds) conn as the session's TCP socket,
// replacing any prior connection (spec §4.4 step 5).
func (s *Session) AttachConn(conn net.Conn) {
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if old != nil && old != conn {
		old.Close()
	}
	if s.Engine != nil && conn.RemoteAddr() != nil {
		s.Engine.SetRemoteAddr(conn.RemoteAddr())
	}
}

// Conn returns the currently attached TCP connection, or nil.
func (s *Session) Conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Touch records activity now, resetting the GC/timeout clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity reports the last recorded activity instant.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SetPingWaiting records that a ping was sent. The wait is timed from the
// first ping not yet answered by a pong; later pings do not restart it.
func (s *Session) SetPingWaiting() {
	s.mu.Lock()
	if s.pingState != PingWaitingPong {
		s.pingState = PingWaitingPong
		s.pingSentAt = time.Now()
	}
	s.mu.Unlock()
}

// SetPingIdle records that a pong was received.
func (s *Session) SetPingIdle() {
	s.mu.Lock()
	s.pingState = PingIdle
	s.mu.Unlock()
	s.Touch()
}

// PingTimedOut reports whether the session has been WaitingPong for
// longer than timeout.
func (s *Session) PingTimedOut(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingState == PingWaitingPong && time.Since(s.pingSentAt) > timeout
}

// SetSSRCs records the remote's declared video/audio SSRCs, learned from
// SDP during signaling.
func (s *Session) SetSSRCs(video, audio uint32) {
	s.mu.Lock()
	s.videoSSRC, s.audioSSRC = video, audio
	s.mu.Unlock()
}

// SSRCs returns the remote's declared video/audio SSRCs.
func (s *Session) SSRCs() (video, audio uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoSSRC, s.audioSSRC
}

// SentInitialKeyframe reports whether the cached keyframe has already
// been replayed to this peer.
func (s *Session) SentInitialKeyframe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentInitialKeyframe
}

// MarkInitialKeyframeSent records that the cached keyframe was replayed.
func (s *Session) MarkInitialKeyframeSent() {
	s.mu.Lock()
	s.sentInitialKeyframe = true
	s.mu.Unlock()
}

// ResetInitialKeyframe clears the flag so the next opportunity re-sends
// a keyframe (spec §4.10, on detected receiver lag).
func (s *Session) ResetInitialKeyframe() {
	s.mu.Lock()
	s.sentInitialKeyframe = false
	s.mu.Unlock()
}

// Done returns a channel closed when the session has been terminated.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Terminate tears down the engine, the TCP socket, and the broadcast
// receivers. Idempotent.
func (s *Session) Terminate(video *broadcast.Video, audio *broadcast.Audio, text *broadcast.Text) {
	s.closeOnce.Do(func() {
		if conn := s.Conn(); conn != nil {
			conn.Close()
		}
		if s.Engine != nil {
			s.Engine.Close()
		}
		video.Unsubscribe(s.VideoReceiver)
		audio.Unsubscribe(s.AudioReceiver)
		text.Unsubscribe(s.TextReceiver)
		close(s.closed)
	})
}

// Summary is the JSON-serializable view exposed by GET /clients.
type Summary struct {
	ID          string `json:"id"`
	RemoteUfrag string `json:"remote_ufrag"`
	State       string `json:"state"`
	LastActivitySecondsAgo float64 `json:"last_activity_seconds_ago"`
}

// Describe produces the summary for this session.
func (s *Session) Describe() Summary {
	state := "new"
	if s.Engine != nil {
		state = s.Engine.State().String()
	}
	return Summary{
		ID:                     s.ID,
		RemoteUfrag:            s.RemoteUfrag,
		State:                  state,
		LastActivitySecondsAgo: time.Since(s.LastActivity()).Seconds(),
	}
}
