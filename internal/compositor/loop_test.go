package compositor

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternops/waydesk/internal/broadcast"
	"github.com/lanternops/waydesk/internal/protocol"
	"github.com/lanternops/waydesk/internal/video"
)

type taskbarSnapshot struct {
	Windows []struct {
		ID      int    `json:"id"`
		Title   string `json:"title"`
		Focused bool   `json:"focused"`
	} `json:"windows"`
}

func newTestLoop(t *testing.T) (*Loop, *SyntheticBackend, *[]string) {
	t.Helper()

	backend := NewSyntheticBackend(640, 480)
	pipeline, err := video.NewPipeline(broadcast.NewVideo(8), 0, 96, video.EncoderConfig{
		Width: 640, Height: 480, FPS: 30,
	})
	require.NoError(t, err)

	var published []string
	l := New(backend, pipeline, func(s string) { published = append(published, s) }, func() int { return 1 }, Config{})
	return l, backend, &published
}

func lastTaskbar(t *testing.T, published []string) taskbarSnapshot {
	t.Helper()
	for i := len(published) - 1; i >= 0; i-- {
		if rest, ok := strings.CutPrefix(published[i], "taskbar,"); ok {
			var snap taskbarSnapshot
			require.NoError(t, json.Unmarshal([]byte(rest), &snap))
			return snap
		}
	}
	t.Fatal("no taskbar message published")
	return taskbarSnapshot{}
}

func TestTaskbarPublishedOnWindowCreate(t *testing.T) {
	l, backend, published := newTestLoop(t)

	backend.SimulateWindowCreate("Editor", "org.gnome.TextEditor", false)
	backend.SimulateWindowCreate("Save As", "org.gnome.TextEditor", true)
	l.applyWindowEvents()
	l.diffTaskbar()

	snap := lastTaskbar(t, *published)
	require.Len(t, snap.Windows, 2)
	assert.Equal(t, 0, snap.Windows[0].ID)
	assert.Equal(t, "Editor", snap.Windows[0].Title)
	assert.Equal(t, 1, snap.Windows[1].ID)
}

func TestFocusMarksExactlyOneWindow(t *testing.T) {
	l, backend, published := newTestLoop(t)

	backend.SimulateWindowCreate("One", "app.one", false)
	backend.SimulateWindowCreate("Two", "app.two", false)
	l.applyWindowEvents()
	l.diffTaskbar()

	l.handleInput(protocol.InputEvent{Kind: protocol.EventFocusWindow, WindowID: 1})
	l.diffTaskbar()

	snap := lastTaskbar(t, *published)
	require.Len(t, snap.Windows, 2)
	for _, w := range snap.Windows {
		assert.Equal(t, w.ID == 1, w.Focused, "only the focused id may report focused=true")
	}
}

func TestRepeatedFocusIsIdempotent(t *testing.T) {
	l, backend, published := newTestLoop(t)

	backend.SimulateWindowCreate("One", "app.one", false)
	l.applyWindowEvents()
	l.handleInput(protocol.InputEvent{Kind: protocol.EventFocusWindow, WindowID: 0})
	l.diffTaskbar()

	before := len(*published)
	l.handleInput(protocol.InputEvent{Kind: protocol.EventFocusWindow, WindowID: 0})
	l.diffTaskbar()

	assert.Equal(t, before, len(*published), "re-focusing the focused window must not republish the taskbar")
}

func TestDataChannelOpenForcesTaskbarResend(t *testing.T) {
	l, backend, published := newTestLoop(t)

	backend.SimulateWindowCreate("One", "app.one", false)
	l.applyWindowEvents()
	l.diffTaskbar()
	before := len(*published)

	// Nothing changed, so a plain diff stays quiet...
	l.diffTaskbar()
	assert.Equal(t, before, len(*published))

	// ...but a newly opened data channel gets the full snapshot.
	l.DataChannelOpened()
	l.diffTaskbar()
	assert.Equal(t, before+1, len(*published))
}

func TestCursorDiffPublishesOnlyOnChange(t *testing.T) {
	l, _, published := newTestLoop(t)

	l.diffCursor()
	require.Equal(t, []string{`cursor,{"override":"default"}`}, *published)

	l.diffCursor()
	assert.Len(t, *published, 1, "unchanged cursor style must not republish")
}

func TestWindowDestroyRemovesFromTaskbar(t *testing.T) {
	l, backend, published := newTestLoop(t)

	backend.SimulateWindowCreate("One", "app.one", false)
	backend.SimulateWindowCreate("Two", "app.two", false)
	l.applyWindowEvents()
	l.diffTaskbar()

	require.True(t, backend.CloseWindow(0))
	l.applyWindowEvents()
	l.diffTaskbar()

	snap := lastTaskbar(t, *published)
	require.Len(t, snap.Windows, 1)
	assert.Equal(t, 1, snap.Windows[0].ID)
}
