package compositor

import "time"

// SurfaceRef is an opaque handle to a Wayland surface, portable only
// within the compositor thread (spec §9: "Wayland surface references
// are not portable to the browser"). The WindowRegistry maps the
// process-local small integer id both directions.
type SurfaceRef any

// WaylandBackend isolates the real Wayland protocol dispatch behind a
// small seam (spec §9's renderer/compositor open question: "any
// renderer that preserves the surface tree invariants suffices"). A
// production build would satisfy this with cgo bindings against
// wlroots/libwayland-server; none are present anywhere in the example
// pack, so this repository ships one concrete implementation — a
// synthetic in-memory backend (synthetic.go) — sufficient to exercise
// every compositor-loop invariant in spec §8 without a real display
// server.
type WaylandBackend interface {
	// Dispatch processes pending Wayland protocol events (surface
	// commits, new windows, destruction, selection changes), staging
	// their side effects for the loop to drain via the Poll* methods,
	// and blocks for at most timeout if nothing is pending.
	Dispatch(timeout time.Duration) error

	// PollWindowEvents drains window lifecycle events staged since the
	// last Dispatch.
	PollWindowEvents() []WindowEvent

	// PollSelectionEvents drains new_selection callbacks staged since
	// the last Dispatch (spec §4.8 clipboard step, phase 1).
	PollSelectionEvents() []SelectionEvent

	// InjectPointerMove, InjectPointerButton, InjectPointerScroll,
	// InjectKey, InjectText, ResetKeyboard deliver one parsed input
	// event (spec §4.8 step 2) into the backend's seat state.
	InjectPointerMove(x, y int)
	InjectPointerButton(button int, pressed bool)
	InjectPointerScroll(dx, dy int)
	InjectKey(keysym uint32, pressed bool)
	InjectText(text string)
	ResetKeyboard()

	// FocusWindow and CloseWindow apply spec §4.8's focus/close window
	// commands. Both report whether id was a live window.
	FocusWindow(id int) bool
	CloseWindow(id int) bool

	// Resize applies a browser-driven resize; racing with an in-flight
	// per-window fullscreen reconfigure resolves "next commit wins"
	// (spec §9).
	Resize(w, h int)

	// RequestSelectionRead is spec §4.8's
	// request_data_device_client_selection: it must be called only
	// after Dispatch has returned following the new_selection callback
	// that produced mimeType (spec §4.8, "Deferred-read rule"). It
	// hands the write end of a pipe to the seat and returns the
	// already-opened non-blocking read end.
	RequestSelectionRead(mimeType string) (pipeRead ReadEnd, err error)

	// FlushClients flushes pending Wayland protocol messages so a
	// client blocked on reading its pipe fd actually receives it (spec
	// §4.8 clipboard step 1: "flush the Wayland clients immediately").
	FlushClients()

	// SetSelection pushes text as the compositor's selection, to be
	// offered to Wayland clients via the standard selection protocol
	// (spec §4.8 clipboard step 3).
	SetSelection(text string) error

	// RenderFrame produces one RGBA framebuffer at the backend's
	// current resolution.
	RenderFrame() (rgba []byte, width, height int)

	// FireFrameCallbacks fires the Wayland `frame` callback for every
	// surface that committed this iteration (spec §4.8 step 7).
	FireFrameCallbacks()

	// CursorStyle reports the effective cursor style name.
	CursorStyle() string
}

// ReadEnd is a non-blocking read end of a selection-transfer pipe.
type ReadEnd interface {
	// Read behaves like io.Reader but returns ErrWouldBlock (spec §7,
	// ClipboardIOError: "non-blocking pipe read failed with a non-
	// WouldBlock error") when no data is currently available.
	Read(p []byte) (n int, err error)
	Close() error
}

// WindowEventKind enumerates window lifecycle notifications the backend
// stages for the loop to apply to the WindowRegistry.
type WindowEventKind int

const (
	WindowCreated WindowEventKind = iota
	WindowDestroyed
	WindowTitleChanged
)

// WindowEvent is one staged window lifecycle notification.
type WindowEvent struct {
	Kind        WindowEventKind
	ID          int
	Surface     SurfaceRef
	Title       string
	AppID       string
	IsDialog    bool
}

// SelectionEvent is one staged new_selection callback (spec §4.8,
// "Clipboard service step", and the "Callback-driven compositor
// selection race" design note in spec §9).
type SelectionEvent struct {
	MimeType string
}
