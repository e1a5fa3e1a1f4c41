// Package protocol implements the data-channel input/control message
// codec (spec §4.9): one UTF-8, comma-separated line per inbound
// message, producing typed InputEvent values for the compositor's input
// queue; and the small set of outbound message formats the compositor
// publishes on the text broadcast fabric and the session driver writes
// to its own data channel.
//
// Parsing is total per spec §4.9: unknown messages are reported (so the
// caller can log them) but never returned as an error that would affect
// the data channel, and a malformed field only fails that one message.
package protocol

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// EventKind enumerates the shapes of input the compositor's input queue
// accepts (spec §4.8 step 2).
type EventKind int

const (
	EventPointerMove EventKind = iota
	EventPointerButton
	EventPointerScroll
	EventKey
	EventTextInsert
	EventClipboardWrite
	EventResize
	EventFocusWindow
	EventCloseWindow
	EventKeyboardReset
	EventPing
	EventPong
	EventSettings
	EventTelemetry
)

// InputEvent is the parsed form of one inbound data-channel message.
type InputEvent struct {
	Kind EventKind

	X, Y         int
	ButtonMask   int
	Button       int
	Pressed      bool
	ScrollDX     int
	ScrollDY     int
	Keysym       uint32
	Text         string
	ClipboardRaw []byte
	Width        int
	Height       int
	WindowID     int
	SettingsJSON string
	TelemetryRaw string
}

// ParseLine parses one inbound data-channel text message. ok is false
// when the prefix is unrecognized (spec: "unknown messages are logged
// and ignored"); err is non-nil only when the prefix matched but a
// field failed to parse (spec: "malformed fields fail the message but
// not the channel").
func ParseLine(line string) (ev InputEvent, ok bool, err error) {
	prefix, rest, hasComma := strings.Cut(line, ",")
	if !hasComma {
		prefix = line
		rest = ""
	}

	switch prefix {
	case "m":
		fields := strings.Split(rest, ",")
		if len(fields) < 3 {
			return ev, true, fmt.Errorf("protocol: malformed m message %q", line)
		}
		x, err1 := strconv.Atoi(fields[0])
		y, err2 := strconv.Atoi(fields[1])
		mask, err3 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil || err3 != nil {
			return ev, true, fmt.Errorf("protocol: malformed m fields %q", line)
		}
		return InputEvent{Kind: EventPointerMove, X: x, Y: y, ButtonMask: mask}, true, nil

	case "b":
		fields := strings.Split(rest, ",")
		if len(fields) < 2 {
			return ev, true, fmt.Errorf("protocol: malformed b message %q", line)
		}
		button, err1 := strconv.Atoi(fields[0])
		pressed, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			return ev, true, fmt.Errorf("protocol: malformed b fields %q", line)
		}
		return InputEvent{Kind: EventPointerButton, Button: button, Pressed: pressed != 0}, true, nil

	case "w":
		fields := strings.Split(rest, ",")
		if len(fields) < 2 {
			return ev, true, fmt.Errorf("protocol: malformed w message %q", line)
		}
		dx, err1 := strconv.Atoi(fields[0])
		dy, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			return ev, true, fmt.Errorf("protocol: malformed w fields %q", line)
		}
		return InputEvent{Kind: EventPointerScroll, ScrollDX: dx, ScrollDY: dy}, true, nil

	case "k":
		fields := strings.Split(rest, ",")
		if len(fields) < 2 {
			return ev, true, fmt.Errorf("protocol: malformed k message %q", line)
		}
		keysym, err1 := strconv.ParseUint(fields[0], 10, 32)
		pressed, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			return ev, true, fmt.Errorf("protocol: malformed k fields %q", line)
		}
		return InputEvent{Kind: EventKey, Keysym: uint32(keysym), Pressed: pressed != 0}, true, nil

	case "t":
		return InputEvent{Kind: EventTextInsert, Text: rest}, true, nil

	case "cw":
		raw, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return ev, true, fmt.Errorf("protocol: malformed cw base64 %q: %w", line, err)
		}
		return InputEvent{Kind: EventClipboardWrite, ClipboardRaw: raw}, true, nil

	case "r":
		w, h, found := strings.Cut(rest, "x")
		if !found {
			w, h, found = strings.Cut(rest, "X")
		}
		if !found {
			return ev, true, fmt.Errorf("protocol: malformed r message %q", line)
		}
		width, err1 := strconv.Atoi(w)
		height, err2 := strconv.Atoi(h)
		if err1 != nil || err2 != nil {
			return ev, true, fmt.Errorf("protocol: malformed r fields %q", line)
		}
		return InputEvent{Kind: EventResize, Width: width, Height: height}, true, nil

	case "focus":
		id, err := strconv.Atoi(rest)
		if err != nil {
			return ev, true, fmt.Errorf("protocol: malformed focus message %q", line)
		}
		return InputEvent{Kind: EventFocusWindow, WindowID: id}, true, nil

	case "close":
		id, err := strconv.Atoi(rest)
		if err != nil {
			return ev, true, fmt.Errorf("protocol: malformed close message %q", line)
		}
		return InputEvent{Kind: EventCloseWindow, WindowID: id}, true, nil

	case "kr":
		return InputEvent{Kind: EventKeyboardReset}, true, nil

	case "ping":
		return InputEvent{Kind: EventPing}, true, nil

	case "pong":
		return InputEvent{Kind: EventPong}, true, nil

	case "SETTINGS":
		return InputEvent{Kind: EventSettings, SettingsJSON: rest}, true, nil

	default:
		if strings.HasPrefix(prefix, "_f") || strings.HasPrefix(prefix, "_l") || strings.HasPrefix(prefix, "_stats") {
			return InputEvent{Kind: EventTelemetry, TelemetryRaw: line}, true, nil
		}
		return ev, false, nil
	}
}

// Outbound message builders (spec §4.9 outbound table).

func Cursor(cssCursorName string) string {
	return fmt.Sprintf(`cursor,{"override":%q}`, cssCursorName)
}

func Clipboard(raw []byte) string {
	return "clipboard," + base64.StdEncoding.EncodeToString(raw)
}

func Taskbar(json string) string {
	return "taskbar," + json
}

func Stats(json string) string {
	return "stats," + json
}

const (
	Ping = "ping"
	Pong = "pong"
)
