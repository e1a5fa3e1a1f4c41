package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLine_Table(t *testing.T) {
	cases := []struct {
		name string
		line string
		want InputEvent
	}{
		{"pointer move", "m,100,200,1,0", InputEvent{Kind: EventPointerMove, X: 100, Y: 200, ButtonMask: 1}},
		{"button press", "b,0,1", InputEvent{Kind: EventPointerButton, Button: 0, Pressed: true}},
		{"scroll", "w,0,-5", InputEvent{Kind: EventPointerScroll, ScrollDX: 0, ScrollDY: -5}},
		{"key press", "k,65307,1", InputEvent{Kind: EventKey, Keysym: 65307, Pressed: true}},
		{"text insert", "t,hello world", InputEvent{Kind: EventTextInsert, Text: "hello world"}},
		{"resize", "r,1920x1080", InputEvent{Kind: EventResize, Width: 1920, Height: 1080}},
		{"focus", "focus,3", InputEvent{Kind: EventFocusWindow, WindowID: 3}},
		{"close", "close,3", InputEvent{Kind: EventCloseWindow, WindowID: 3}},
		{"keyboard reset", "kr", InputEvent{Kind: EventKeyboardReset}},
		{"ping", "ping", InputEvent{Kind: EventPing}},
		{"pong", "pong", InputEvent{Kind: EventPong}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok, err := ParseLine(tc.line)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseLine_ClipboardWriteBase64RoundTrip(t *testing.T) {
	ev, ok, err := ParseLine("cw,SGVsbG8=")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hello", string(ev.ClipboardRaw))
}

func TestParseLine_UnknownPrefixIgnored(t *testing.T) {
	_, ok, err := ParseLine("bogus,1,2,3")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseLine_TelemetryPrefixesRecognized(t *testing.T) {
	for _, line := range []string{"_f,123", "_l,456", "_stats_rtt,30"} {
		ev, ok, err := ParseLine(line)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, EventTelemetry, ev.Kind)
	}
}

func TestParseLine_MalformedFieldFailsMessageOnly(t *testing.T) {
	_, ok, err := ParseLine("m,notanumber,200,1")
	require.True(t, ok, "prefix matched, so the message is recognized")
	require.Error(t, err, "but the fields are malformed")
}

func TestParseLine_SettingsPassesThroughJSON(t *testing.T) {
	ev, ok, err := ParseLine(`SETTINGS,{"bitrate":2000000}`)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"bitrate":2000000}`, ev.SettingsJSON)
}

func TestOutboundBuilders(t *testing.T) {
	require.Equal(t, `cursor,{"override":"pointer"}`, Cursor("pointer"))
	require.Equal(t, "clipboard,SGVsbG8=", Clipboard([]byte("Hello")))
	require.Equal(t, `taskbar,{"windows":[]}`, Taskbar(`{"windows":[]}`))
	require.Equal(t, `stats,{"fps":30}`, Stats(`{"fps":30}`))
}
