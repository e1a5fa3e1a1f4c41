package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun/v3"

	"github.com/lanternops/waydesk/internal/broadcast"
	"github.com/lanternops/waydesk/internal/framing"
	"github.com/lanternops/waydesk/internal/logging"
	"github.com/lanternops/waydesk/internal/rtcengine"
)

// Registry maps remote_ufrag and session id to the one live Session that
// owns them (spec §4.4, spec §8 invariant 3: at most one session per
// remote ufrag).
type Registry struct {
	video *broadcast.Video
	audio *broadcast.Audio
	text  *broadcast.Text

	mu        sync.RWMutex
	byUfrag   map[string]*Session
	byID      map[string]*Session
}

// NewRegistry creates an empty registry publishing onto the given
// broadcast fabrics.
func NewRegistry(video *broadcast.Video, audio *broadcast.Audio, text *broadcast.Text) *Registry {
	return &Registry{
		video:   video,
		audio:   audio,
		text:    text,
		byUfrag: make(map[string]*Session),
		byID:    make(map[string]*Session),
	}
}

// Add registers s, replacing (and terminating) any prior session bound
// to the same remote ufrag — the registry never holds two sessions for
// one remote ufrag at once.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	prior := r.byUfrag[s.RemoteUfrag]
	r.byUfrag[s.RemoteUfrag] = s
	r.byID[s.ID] = s
	r.mu.Unlock()

	if prior != nil && prior != s {
		prior.Terminate(r.video, r.audio, r.text)
		r.Remove(prior)
	}
}

// ByRemoteUfrag looks up the session bound to a remote ufrag.
func (r *Registry) ByRemoteUfrag(ufrag string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byUfrag[ufrag]
	return s, ok
}

// ByID looks up a session by its id.
func (r *Registry) ByID(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Remove deregisters s. Idempotent.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byUfrag[s.RemoteUfrag] == s {
		delete(r.byUfrag, s.RemoteUfrag)
	}
	delete(r.byID, s.ID)
}

// All returns a snapshot of every live session, for GC and /clients.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// MatchConn implements spec §4.4's ICE-TCP connection matching: read the
// first RFC 4571 frame, parse it as a STUN binding request, extract the
// local_ufrag half of its USERNAME attribute, and look up the matching
// session. Returns the matched session and that first frame; the caller
// attaches the connection and replays the frame into the engine. Returns
// false if none matched — the caller closes the connection silently
// (spec §7, SessionNotFound).
func (r *Registry) MatchConn(read func([]byte) (int, error), remoteAddr fmt.Stringer) (*Session, []byte, bool) {
	log := logging.L("session")

	buf := make([]byte, 4096)
	n, err := read(buf)
	if err != nil {
		log.Debug("ice-tcp read failed before match", "error", err)
		return nil, nil, false
	}

	dec := framing.NewDecoder()
	frames, err := dec.Feed(buf[:n])
	if err != nil || len(frames) == 0 {
		log.Debug("no complete rfc4571 frame in first read", "error", err)
		return nil, nil, false
	}
	first := frames[0]

	msg := &stun.Message{Raw: append([]byte{}, first...)}
	if err := msg.Decode(); err != nil {
		log.Debug("first frame is not a stun message", "error", err)
		return nil, nil, false
	}

	var username stun.Username
	if err := username.GetFrom(msg); err != nil {
		log.Debug("stun message missing username", "error", err)
		return nil, nil, false
	}

	local, _, ok := strings.Cut(string(username), ":")
	if !ok {
		log.Debug("malformed ice username", "username", string(username))
		return nil, nil, false
	}

	s, found := r.byLocalUfrag(local)
	if !found {
		log.Debug("no session for local ufrag", "local_ufrag", local)
		return nil, nil, false
	}

	return s, first, true
}

func (r *Registry) byLocalUfrag(local string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.byUfrag {
		if s.LocalUfrag == local {
			return s, true
		}
	}
	return nil, false
}

// GC evicts sessions whose last activity predates timeout or whose
// engine has reached a terminal state, running every interval until
// stop is closed.
func (r *Registry) GC(interval, timeout time.Duration, stop <-chan struct{}) {
	log := logging.L("session")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, s := range r.All() {
				stale := time.Since(s.LastActivity()) > timeout
				terminal := false
				if s.Engine != nil {
					st := s.Engine.State()
					terminal = st == rtcengine.StateFailed || st == rtcengine.StateClosed
				}
				if stale || terminal {
					log.Info("evicting session", "session", s.ID, "stale", stale, "terminal", terminal)
					s.Terminate(r.video, r.audio, r.text)
					r.Remove(s)
				}
			}
		}
	}
}
