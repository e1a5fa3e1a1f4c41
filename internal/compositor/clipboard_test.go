package compositor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClipboard_RemoteToBrowserDeferredRead(t *testing.T) {
	// S5: a Wayland client copies "World"; the deferred-read rule means
	// the pipe request happens on Step, not inside the callback.
	backend := NewSyntheticBackend(640, 480)
	backend.SimulateClientSelection("text/plain;charset=utf-8", []byte("World"))

	c := &ClipboardState{}
	c.HandleSelectionEvents(backend.PollSelectionEvents())

	var published []string
	publish := func(s string) { published = append(published, s) }

	c.Step(time.Now(), backend, publish)

	require.Equal(t, []string{"clipboard,V29ybGQ="}, published)
}

func TestClipboard_BrowserToRemoteWithEchoSuppression(t *testing.T) {
	// S4: peer sends cw,SGVsbG8= ("Hello"); within the 500ms suppression
	// window, a re-asserted new_selection callback from the focused
	// client must not publish clipboard,* nor trigger a read.
	backend := NewSyntheticBackend(640, 480)
	c := &ClipboardState{}

	start := time.Now()
	c.RequestWrite("Hello")

	var published []string
	publish := func(s string) { published = append(published, s) }

	c.Step(start, backend, publish)
	require.Equal(t, "Hello", backend.ReadSelectionAsClient())
	require.True(t, c.Suppressing(start), "suppression window must now be active")

	// Focused client re-asserts its own selection 10ms later.
	echoTime := start.Add(10 * time.Millisecond)
	backend.SimulateClientSelection("text/plain;charset=utf-8", []byte("Hello"))
	c.HandleSelectionEvents(backend.PollSelectionEvents())
	c.Step(echoTime, backend, publish)

	require.Empty(t, published, "no clipboard,* publish while suppressed")

	// A Wayland client reading at t+100ms still sees "Hello".
	require.Equal(t, "Hello", backend.ReadSelectionAsClient())

	// After the window elapses, the next callback is free to trigger a
	// read again.
	after := start.Add(600 * time.Millisecond)
	backend.SimulateClientSelection("text/plain;charset=utf-8", []byte("Hello again"))
	c.HandleSelectionEvents(backend.PollSelectionEvents())
	c.Step(after, backend, publish)
	require.Equal(t, []string{"clipboard,SGVsbG8gYWdhaW4="}, published)
}

func TestClipboard_MimeUpdateReplacesPendingRead(t *testing.T) {
	backend := NewSyntheticBackend(640, 480)
	c := &ClipboardState{}

	backend.SimulateClientSelection("text/plain", []byte("first"))
	c.HandleSelectionEvents(backend.PollSelectionEvents())
	require.True(t, c.hasPendingMime)

	backend.SimulateClientSelection("text/html", []byte("<b>second</b>"))
	c.HandleSelectionEvents(backend.PollSelectionEvents())

	require.Equal(t, "text/html", c.pendingMime)
}
