// Package compositor implements the compositor loop (spec §4.8): a
// single-threaded, cooperative event loop that dispatches Wayland
// protocol events, drains cross-thread input, steps the clipboard state
// machine, diffs the taskbar and cursor, and paces frame capture into
// the video pipeline.
package compositor

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lanternops/waydesk/internal/compositor/appdb"
	"github.com/lanternops/waydesk/internal/logging"
	"github.com/lanternops/waydesk/internal/protocol"
	"github.com/lanternops/waydesk/internal/video"
)

// inputQueueCapacity bounds the cross-thread input queue (spec §5,
// "Cross-thread compositor inputs": "bounded MPSC queues per
// direction").
const inputQueueCapacity = 1024

// progressPushInterval is the fallback push cadence when nothing
// changed but a session is live (spec §4.8 step 6, "progress guarantee
// for late joiners").
const progressPushInterval = time.Second

// Config are the compositor loop's tunables, carried from the top-level
// process Config.
type Config struct {
	TargetFrameTime time.Duration
	SuppressGTKCSD  bool
}

// Loop drives one compositor thread's iteration cycle.
type Loop struct {
	backend   WaylandBackend
	windows   *WindowRegistry
	clipboard *ClipboardState
	appDB     *appdb.DB
	pipeline  *video.Pipeline
	publish   func(string)
	cfg       Config

	input chan protocol.InputEvent

	liveSessions func() int

	needsRedraw          bool
	lastPush             time.Time
	datachannelOpenCount int
	lastTaskbarOpenCount int
	lastCursorStyle      string
}

// New creates a compositor loop. publish sends one line on the text
// broadcast fabric; liveSessions reports the current count of connected
// peers (spec §4.8 step 6's "at least one session is live" gate).
func New(backend WaylandBackend, pipeline *video.Pipeline, publish func(string), liveSessions func() int, cfg Config) *Loop {
	if cfg.TargetFrameTime <= 0 {
		cfg.TargetFrameTime = time.Second / 30
	}
	return &Loop{
		backend:      backend,
		windows:      NewWindowRegistry(),
		clipboard:    &ClipboardState{},
		appDB:        appdb.New(),
		pipeline:     pipeline,
		publish:      publish,
		cfg:          cfg,
		input:        make(chan protocol.InputEvent, inputQueueCapacity),
		liveSessions: liveSessions,
		needsRedraw:  true,
	}
}

// Windows exposes the window registry, read-only use (e.g. for an
// initial taskbar snapshot request).
func (l *Loop) Windows() *WindowRegistry { return l.windows }

// Enqueue delivers one parsed input event to the compositor's input
// queue (spec §4.9 dispatch target). Non-blocking: a full queue drops
// the event and logs, rather than stalling the network runtime caller.
func (l *Loop) Enqueue(ev protocol.InputEvent) {
	select {
	case l.input <- ev:
	default:
		logging.L("compositor").Warn("input queue full, dropping event", "kind", ev.Kind)
	}
}

// DataChannelOpened notifies the loop that a peer's data channel just
// opened, so the next taskbar diff resends the full snapshot (spec
// §4.8 step 4: "or datachannel_open_count has advanced").
func (l *Loop) DataChannelOpened() {
	l.datachannelOpenCount++
}

// RequestClipboardWrite queues a peer-originated clipboard write for
// application once the echo-suppression window elapses.
func (l *Loop) RequestClipboardWrite(text string) {
	l.clipboard.RequestWrite(text)
}

// Run executes the loop until stop is closed.
func (l *Loop) Run(stop <-chan struct{}) {
	log := logging.L("compositor")

	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := l.backend.Dispatch(l.cfg.TargetFrameTime); err != nil {
			log.Warn("wayland dispatch failed", "error", err)
		}

		l.applyWindowEvents()
		l.drainInput()

		now := time.Now()
		l.clipboard.HandleSelectionEvents(l.backend.PollSelectionEvents())
		l.clipboard.Step(now, l.backend, l.publish)

		l.diffTaskbar()
		l.diffCursor()
		l.renderAndPush(now)

		l.backend.FireFrameCallbacks()
	}
}

func (l *Loop) applyWindowEvents() {
	for _, ev := range l.backend.PollWindowEvents() {
		switch ev.Kind {
		case WindowCreated:
			displayName := l.appDB.Resolve(ev.AppID)
			l.windows.Create(ev.Surface, ev.Title, ev.AppID, displayName, ev.IsDialog)
			// The window is only registered: this loop does not resize
			// non-dialog windows to the display size, and
			// Config.SuppressGTKCSD is not consulted here.
			l.needsRedraw = true
		case WindowDestroyed:
			l.windows.Destroy(ev.ID)
			l.needsRedraw = true
		case WindowTitleChanged:
			l.windows.SetTitle(ev.ID, ev.Title)
		}
	}
}

func (l *Loop) drainInput() {
	for {
		select {
		case ev := <-l.input:
			l.handleInput(ev)
		default:
			return
		}
	}
}

func (l *Loop) handleInput(ev protocol.InputEvent) {
	log := logging.L("compositor")

	switch ev.Kind {
	case protocol.EventPointerMove:
		l.backend.InjectPointerMove(ev.X, ev.Y)
	case protocol.EventPointerButton:
		l.backend.InjectPointerButton(ev.Button, ev.Pressed)
	case protocol.EventPointerScroll:
		l.backend.InjectPointerScroll(ev.ScrollDX, ev.ScrollDY)
	case protocol.EventKey:
		l.backend.InjectKey(ev.Keysym, ev.Pressed)
	case protocol.EventTextInsert:
		l.backend.InjectText(ev.Text)
	case protocol.EventKeyboardReset:
		l.backend.ResetKeyboard()
	case protocol.EventClipboardWrite:
		l.clipboard.RequestWrite(string(ev.ClipboardRaw))
	case protocol.EventResize:
		if err := l.pipeline.Resize(ev.Width, ev.Height); err != nil {
			log.Warn("pipeline resize failed", "error", err)
		}
		l.backend.Resize(ev.Width, ev.Height)
		l.needsRedraw = true
	case protocol.EventFocusWindow:
		if l.windows.Focus(ev.WindowID) {
			l.backend.FocusWindow(ev.WindowID)
		}
	case protocol.EventCloseWindow:
		l.backend.CloseWindow(ev.WindowID)
	case protocol.EventSettings:
		l.applySettings(log, ev.SettingsJSON)
	case protocol.EventTelemetry:
		log.Debug("peer telemetry", "raw", ev.TelemetryRaw)
	default:
		log.Debug("input event not handled by compositor loop", "kind", ev.Kind)
	}
}

// settingsMessage is the SETTINGS data-channel payload shape (spec
// §4.9 supplemented runtime-SETTINGS feature): any field left zero/empty
// keeps the encoder's current value.
type settingsMessage struct {
	BitrateKbps int    `json:"bitrate_kbps"`
	FPS         int    `json:"fps"`
	Codec       string `json:"codec"`
}

// applySettings plumbs a peer-requested bitrate/fps/codec change into
// the encoder without forcing a keyframe, adapted from the teacher's
// handleControlMessage set_bitrate/set_fps dispatch.
func (l *Loop) applySettings(log *slog.Logger, raw string) {
	var msg settingsMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		log.Debug("malformed SETTINGS payload", "raw", raw, "error", err)
		return
	}

	cfg := l.pipeline.CurrentConfig()
	if msg.BitrateKbps > 0 {
		cfg.BitrateKbps = msg.BitrateKbps
	}
	if msg.FPS > 0 {
		cfg.FPS = msg.FPS
	}
	if msg.Codec != "" {
		cfg.Codec = video.Codec(msg.Codec)
	}

	if err := l.pipeline.Reconfigure(cfg); err != nil {
		log.Warn("apply settings failed", "error", err)
	}
}

func (l *Loop) diffTaskbar() {
	dirty := l.windows.TakeDirty()
	openCountAdvanced := l.datachannelOpenCount != l.lastTaskbarOpenCount
	if !dirty && !openCountAdvanced {
		return
	}
	l.lastTaskbarOpenCount = l.datachannelOpenCount

	type windowJSON struct {
		ID          int    `json:"id"`
		Title       string `json:"title"`
		AppID       string `json:"app_id"`
		DisplayName string `json:"display_name"`
		Focused     bool   `json:"focused"`
	}
	type taskbarJSON struct {
		Windows []windowJSON `json:"windows"`
	}

	records := l.windows.List()
	out := taskbarJSON{Windows: make([]windowJSON, 0, len(records))}
	for _, w := range records {
		out.Windows = append(out.Windows, windowJSON{
			ID: w.ID, Title: w.Title, AppID: w.AppID,
			DisplayName: w.DisplayName, Focused: w.Focused,
		})
	}

	data, err := json.Marshal(out)
	if err != nil {
		logging.L("compositor").Warn("marshal taskbar failed", "error", err)
		return
	}
	l.publish(protocol.Taskbar(string(data)))
}

func (l *Loop) diffCursor() {
	style := l.backend.CursorStyle()
	if style == l.lastCursorStyle {
		return
	}
	l.lastCursorStyle = style
	l.publish(protocol.Cursor(style))
}

func (l *Loop) renderAndPush(now time.Time) {
	live := l.liveSessions != nil && l.liveSessions() > 0
	if !live {
		return
	}

	shouldPush := l.needsRedraw || now.Sub(l.lastPush) >= progressPushInterval
	if !shouldPush {
		return
	}

	frame, _, _ := l.backend.RenderFrame()
	if err := l.pipeline.PushFrame(frame, now); err != nil {
		logging.L("compositor").Warn("push frame failed", "error", err)
	}
	l.needsRedraw = false
	l.lastPush = now
}
