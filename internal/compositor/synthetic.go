package compositor

import (
	"io"
	"sync"
	"time"
)

// SyntheticBackend is the one concrete WaylandBackend this repository
// ships (spec §9 Open Question: "any renderer that preserves the
// surface tree invariants suffices"). It generates a deterministic
// test-pattern RGBA framebuffer and a minimal in-process window/
// selection model, sufficient to exercise every compositor invariant in
// spec §8 without a cgo libwayland-server dependency.
type SyntheticBackend struct {
	mu sync.Mutex

	width, height int
	frameCount    uint64

	pendingWindowEvents    []WindowEvent
	pendingSelectionEvents []SelectionEvent

	nextSurfaceID int
	windows       map[int]struct{}

	compositorSelection string
	clientOfferedMime   string
	clientOfferedData   []byte

	cursorStyle string
}

// NewSyntheticBackend creates a backend rendering at the given
// resolution.
func NewSyntheticBackend(width, height int) *SyntheticBackend {
	return &SyntheticBackend{
		width:       width,
		height:      height,
		windows:     make(map[int]struct{}),
		cursorStyle: "default",
	}
}

// Dispatch is a no-op beyond a bounded sleep: every event this synthetic
// backend produces is staged synchronously by its Simulate*/Inject*
// methods, matching a real compositor's callback-then-dispatch shape
// closely enough for the loop's invariants to hold.
func (b *SyntheticBackend) Dispatch(timeout time.Duration) error {
	time.Sleep(timeout)
	return nil
}

func (b *SyntheticBackend) PollWindowEvents() []WindowEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pendingWindowEvents
	b.pendingWindowEvents = nil
	return out
}

func (b *SyntheticBackend) PollSelectionEvents() []SelectionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pendingSelectionEvents
	b.pendingSelectionEvents = nil
	return out
}

// SimulateWindowCreate stages a new top-level window, returning the
// process-local surface id the loop will assign a WindowRecord id to.
func (b *SyntheticBackend) SimulateWindowCreate(title, appID string, isDialog bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSurfaceID
	b.nextSurfaceID++
	b.windows[id] = struct{}{}

	b.pendingWindowEvents = append(b.pendingWindowEvents, WindowEvent{
		Kind:     WindowCreated,
		ID:       id,
		Surface:  id,
		Title:    title,
		AppID:    appID,
		IsDialog: isDialog,
	})
	return id
}

// SimulateClientSelection stages a new_selection callback and arms the
// backend to serve data when the compositor later issues
// RequestSelectionRead, the way a focused Wayland client asserting its
// own wl_data_source would (spec S4/S5 scenarios).
func (b *SyntheticBackend) SimulateClientSelection(mimeType string, data []byte) {
	b.mu.Lock()
	b.clientOfferedMime = mimeType
	b.clientOfferedData = data
	b.pendingSelectionEvents = append(b.pendingSelectionEvents, SelectionEvent{MimeType: mimeType})
	b.mu.Unlock()
}

func (b *SyntheticBackend) InjectPointerMove(x, y int)             {}
func (b *SyntheticBackend) InjectPointerButton(button int, pressed bool) {}
func (b *SyntheticBackend) InjectPointerScroll(dx, dy int)         {}
func (b *SyntheticBackend) InjectKey(keysym uint32, pressed bool)  {}
func (b *SyntheticBackend) InjectText(text string)                {}
func (b *SyntheticBackend) ResetKeyboard()                         {}

func (b *SyntheticBackend) FocusWindow(id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.windows[id]
	return ok
}

func (b *SyntheticBackend) CloseWindow(id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.windows[id]; !ok {
		return false
	}
	delete(b.windows, id)
	b.pendingWindowEvents = append(b.pendingWindowEvents, WindowEvent{Kind: WindowDestroyed, ID: id})
	return true
}

func (b *SyntheticBackend) Resize(w, h int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.width, b.height = w, h
}

// RequestSelectionRead hands back a ReadEnd serving whatever the most
// recent SimulateClientSelection offered for mimeType, or an empty
// immediately-closed pipe if nothing matches — a synthetic client never
// actually blocks, unlike a real Wayland client's fd.
func (b *SyntheticBackend) RequestSelectionRead(mimeType string) (ReadEnd, error) {
	b.mu.Lock()
	data := b.clientOfferedData
	offered := b.clientOfferedMime
	b.mu.Unlock()

	p := newBufferPipe()
	if offered == mimeType {
		p.write(data)
	}
	p.closeWrite()
	return p, nil
}

func (b *SyntheticBackend) FlushClients() {}

func (b *SyntheticBackend) SetSelection(text string) error {
	b.mu.Lock()
	b.compositorSelection = text
	b.mu.Unlock()
	return nil
}

// ReadSelectionAsClient reports the current compositor-held selection,
// exercising spec §8 invariant 6 in tests.
func (b *SyntheticBackend) ReadSelectionAsClient() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.compositorSelection
}

func (b *SyntheticBackend) RenderFrame() ([]byte, int, int) {
	b.mu.Lock()
	w, h := b.width, b.height
	n := b.frameCount
	b.frameCount++
	b.mu.Unlock()

	frame := make([]byte, w*h*4)
	shade := byte(n % 256)
	for i := 0; i < len(frame); i += 4 {
		frame[i+0] = shade
		frame[i+1] = byte(i / 4 % 256)
		frame[i+2] = 0xA0
		frame[i+3] = 0xFF
	}
	return frame, w, h
}

func (b *SyntheticBackend) FireFrameCallbacks() {}

func (b *SyntheticBackend) CursorStyle() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursorStyle
}

// bufferPipe is the ReadEnd implementation backing
// RequestSelectionRead: a buffer with non-blocking Read semantics
// (ErrWouldBlock when empty and not yet closed for writing, io.EOF once
// closed and drained).
type bufferPipe struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
}

func newBufferPipe() *bufferPipe { return &bufferPipe{} }

func (p *bufferPipe) write(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, b...)
}

func (p *bufferPipe) closeWrite() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *bufferPipe) Read(dst []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) == 0 {
		if p.closed {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	n := copy(dst, p.buf)
	p.buf = p.buf[n:]
	if len(p.buf) == 0 && !p.closed {
		return n, nil
	}
	if len(p.buf) == 0 && p.closed {
		return n, io.EOF
	}
	return n, nil
}

func (p *bufferPipe) Close() error { return nil }

var _ WaylandBackend = (*SyntheticBackend)(nil)
