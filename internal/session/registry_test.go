package session

import (
	"testing"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternops/waydesk/internal/broadcast"
	"github.com/lanternops/waydesk/internal/framing"
)

type stubAddr string

func (a stubAddr) String() string { return string(a) }

func newTestRegistry() (*Registry, *broadcast.Video, *broadcast.Audio, *broadcast.Text) {
	video := broadcast.NewVideo(4)
	audio := broadcast.NewAudio()
	text := broadcast.NewText()
	return NewRegistry(video, audio, text), video, audio, text
}

func newTestSession(localUfrag, remoteUfrag string, video *broadcast.Video, audio *broadcast.Audio, text *broadcast.Text) *Session {
	return New(localUfrag, "localpwd", remoteUfrag, nil, video, audio, text)
}

func TestRegistryAddReplacesPriorSessionForSameRemoteUfrag(t *testing.T) {
	r, video, audio, text := newTestRegistry()

	first := newTestSession("local1", "remote1", video, audio, text)
	second := newTestSession("local2", "remote1", video, audio, text)

	r.Add(first)
	r.Add(second)

	got, ok := r.ByRemoteUfrag("remote1")
	require.True(t, ok)
	assert.Same(t, second, got)

	select {
	case <-first.Done():
	default:
		t.Fatal("the prior session bound to the same remote ufrag must be terminated")
	}

	_, stillThere := r.ByID(first.ID)
	assert.False(t, stillThere, "a replaced session must be removed from the id index too")
}

func TestRegistryByIDAndRemove(t *testing.T) {
	r, video, audio, text := newTestRegistry()
	s := newTestSession("local1", "remote1", video, audio, text)
	r.Add(s)

	got, ok := r.ByID(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	r.Remove(s)
	_, ok = r.ByID(s.ID)
	assert.False(t, ok)
	_, ok = r.ByRemoteUfrag("remote1")
	assert.False(t, ok)
}

func TestRegistryRemoveIsIdempotentAndLeavesReplacement(t *testing.T) {
	r, video, audio, text := newTestRegistry()
	s := newTestSession("local1", "remote1", video, audio, text)
	r.Add(s)
	r.Remove(s)
	r.Remove(s)

	other := newTestSession("local2", "remote1", video, audio, text)
	r.Add(other)
	r.Remove(s)

	got, ok := r.ByRemoteUfrag("remote1")
	require.True(t, ok, "removing a stale session must not evict its replacement")
	assert.Same(t, other, got)
}

func encodeStunBindingRequest(t *testing.T, username string) []byte {
	t.Helper()
	msg, err := stun.Build(
		stun.BindingRequest,
		stun.TransactionID,
		stun.NewUsername(username),
		stun.Fingerprint,
	)
	require.NoError(t, err)
	return msg.Raw
}

func TestRegistryMatchConnFindsSessionByLocalUfrag(t *testing.T) {
	r, video, audio, text := newTestRegistry()
	s := newTestSession("localufrag", "remoteufrag", video, audio, text)
	r.Add(s)

	stunMsg := encodeStunBindingRequest(t, "localufrag:remoteufrag")
	frame, err := framing.Encode(stunMsg)
	require.NoError(t, err)

	read := func(buf []byte) (int, error) {
		return copy(buf, frame), nil
	}

	matched, first, ok := r.MatchConn(read, stubAddr("1.2.3.4:9"))
	require.True(t, ok)
	assert.Same(t, s, matched)
	assert.Equal(t, stunMsg, first)
}

func TestRegistryMatchConnFailsForUnknownUfrag(t *testing.T) {
	r, video, audio, text := newTestRegistry()
	s := newTestSession("localufrag", "remoteufrag", video, audio, text)
	r.Add(s)

	stunMsg := encodeStunBindingRequest(t, "someoneelse:remoteufrag")
	frame, err := framing.Encode(stunMsg)
	require.NoError(t, err)

	read := func(buf []byte) (int, error) {
		return copy(buf, frame), nil
	}

	_, _, ok := r.MatchConn(read, stubAddr("1.2.3.4:9"))
	assert.False(t, ok)
}

func TestRegistryMatchConnFailsOnGarbage(t *testing.T) {
	r, video, audio, text := newTestRegistry()
	s := newTestSession("localufrag", "remoteufrag", video, audio, text)
	r.Add(s)

	garbage, err := framing.Encode([]byte("not a stun message"))
	require.NoError(t, err)

	read := func(buf []byte) (int, error) {
		return copy(buf, garbage), nil
	}

	_, _, ok := r.MatchConn(read, stubAddr("1.2.3.4:9"))
	assert.False(t, ok)
}

func TestRegistryAllReturnsSnapshot(t *testing.T) {
	r, video, audio, text := newTestRegistry()
	a := newTestSession("l1", "r1", video, audio, text)
	b := newTestSession("l2", "r2", video, audio, text)
	r.Add(a)
	r.Add(b)

	all := r.All()
	assert.Len(t, all, 2)

	ids := map[string]bool{}
	for _, s := range all {
		ids[s.ID] = true
	}
	assert.True(t, ids[a.ID])
	assert.True(t, ids[b.ID])
}
