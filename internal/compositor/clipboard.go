package compositor

import (
	"errors"
	"io"
	"time"
	"unicode/utf8"

	"github.com/lanternops/waydesk/internal/logging"
	"github.com/lanternops/waydesk/internal/protocol"
)

// ErrWouldBlock is returned by ReadEnd.Read when no data is currently
// available on a non-blocking selection-transfer pipe.
var ErrWouldBlock = errors.New("compositor: read would block")

// suppressWindow is the echo-suppression deadline duration (spec §4.8
// design note: "absolute-deadline suppression window (500 ms)").
const suppressWindow = 500 * time.Millisecond

// ClipboardState implements the two-phase clipboard state machine (spec
// §3 "Clipboard state", §4.8 step 3, and the "Callback-driven compositor
// selection race" / "Echo loop with focused client" design notes in
// spec §9).
//
// Phase 1 (new_selection callback, via HandleSelectionEvents): record
// only pending_mime. Phase 2 (main iteration, via Step):
// request_data_device_client_selection is issued only here, never from
// inside the callback, because the compositor library's seat state is
// not yet visible synchronously inside the callback.
type ClipboardState struct {
	pendingMime    string
	hasPendingMime bool

	pendingPipe ReadEnd
	accum       []byte

	suppressUntil time.Time

	pendingWrite    string
	hasPendingWrite bool
}

// HandleSelectionEvents processes new_selection callbacks staged by the
// backend since the last Dispatch. During the echo-suppression window
// (suppress_until > now) a differing mime type may still be recorded,
// but — per spec §4.8's critical rule — no read is triggered: Step only
// ever acts on pending_mime once now has passed suppress_until, so
// recording here never itself causes a read.
func (c *ClipboardState) HandleSelectionEvents(events []SelectionEvent) {
	for _, ev := range events {
		if c.hasPendingMime && c.pendingMime == ev.MimeType {
			continue
		}
		// A new mime replaces any pending read in flight (spec §3
		// invariant: "mime updates replace the pending read").
		if c.pendingPipe != nil {
			c.pendingPipe.Close()
			c.pendingPipe = nil
			c.accum = nil
		}
		c.pendingMime = ev.MimeType
		c.hasPendingMime = true
	}
}

// RequestWrite queues a ClipboardWrite from a peer (spec §4.9, `cw`
// message) for application on the next Step call in which the
// suppression window has elapsed.
func (c *ClipboardState) RequestWrite(text string) {
	c.pendingWrite = text
	c.hasPendingWrite = true
}

// Suppressing reports whether the echo-suppression window is currently
// active (spec §8 invariant 5).
func (c *ClipboardState) Suppressing(now time.Time) bool {
	return now.Before(c.suppressUntil)
}

// Step runs one compositor-iteration's worth of clipboard work (spec
// §4.8 step 3). publish is called with the outbound `clipboard,<b64>`
// line when a read completes.
func (c *ClipboardState) Step(now time.Time, backend WaylandBackend, publish func(string)) {
	log := logging.L("compositor.clipboard")

	if c.hasPendingWrite && !c.Suppressing(now) {
		text := c.pendingWrite
		c.hasPendingWrite = false
		if err := backend.SetSelection(text); err != nil {
			log.Warn("set selection failed", "error", err)
		} else {
			c.suppressUntil = now.Add(suppressWindow)
		}
	}

	if c.hasPendingMime && !c.Suppressing(now) {
		pipe, err := backend.RequestSelectionRead(c.pendingMime)
		c.hasPendingMime = false
		if err != nil {
			log.Warn("request selection read failed", "error", err)
		} else {
			backend.FlushClients()
			c.pendingPipe = pipe
			c.accum = c.accum[:0]
		}
	}

	if c.pendingPipe != nil {
		c.pumpPipe(publish)
	}
}

func (c *ClipboardState) pumpPipe(publish func(string)) {
	log := logging.L("compositor.clipboard")

	buf := make([]byte, 4096)
	n, err := c.pendingPipe.Read(buf)
	if n > 0 {
		c.accum = append(c.accum, buf[:n]...)
	}

	switch {
	case err == nil:
		return
	case errors.Is(err, ErrWouldBlock):
		return
	case errors.Is(err, io.EOF):
		c.finishRead(publish)
	default:
		log.Warn("clipboard pipe read failed", "error", err)
		c.pendingPipe.Close()
		c.pendingPipe = nil
		c.accum = nil
	}
}

func (c *ClipboardState) finishRead(publish func(string)) {
	log := logging.L("compositor.clipboard")

	c.pendingPipe.Close()
	c.pendingPipe = nil

	data := c.accum
	c.accum = nil

	if !utf8.Valid(data) {
		log.Warn("clipboard selection was not valid utf-8, dropping")
		return
	}
	publish(protocol.Clipboard(data))
}
