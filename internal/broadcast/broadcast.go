// Package broadcast implements the bounded multi-producer/multi-consumer
// fan-out channels sitting between the compositor/pipeline/audio
// producers and every live session driver (spec §4.6): one fabric for
// video RTP packets, one for audio RTP packets, one for outbound text
// messages. Producers never block; a slow consumer drops the oldest
// queued item rather than stalling the others.
package broadcast

import "sync"

// Video is the fan-out fabric carrying RTP video packets. Capacity is
// ceil(target_fps * 1.5) packets; on overflow the oldest packet is
// dropped and every live receiver is told it missed one, so it can ask
// the pipeline for a fresh keyframe.
type Video struct {
	defaultCap int

	mu   sync.Mutex
	subs map[*VideoReceiver]struct{}
}

// VideoPacket is one RTP packet flowing through the video fabric.
type VideoPacket struct {
	PayloadType   uint8
	SequenceNum   uint16
	Timestamp     uint32
	Marker        bool
	Payload       []byte
	IsKeyframePart bool
}

// VideoReceiver is one session's view into the video fabric.
type VideoReceiver struct {
	fab     *Video
	ch      chan VideoPacket
	missed  chan struct{}
}

// NewVideo creates a video fabric with the given default per-receiver
// capacity (ceil(target_fps * 1.5) packets per spec §4.6).
func NewVideo(capacity int) *Video {
	if capacity < 1 {
		capacity = 1
	}
	return &Video{defaultCap: capacity, subs: make(map[*VideoReceiver]struct{})}
}

// Subscribe registers a new receiver with the given buffer capacity;
// capacity <= 0 uses the fabric's default.
func (v *Video) Subscribe(capacity int) *VideoReceiver {
	if capacity < 1 {
		capacity = v.defaultCap
	}
	r := &VideoReceiver{fab: v, ch: make(chan VideoPacket, capacity), missed: make(chan struct{}, 1)}
	v.mu.Lock()
	v.subs[r] = struct{}{}
	v.mu.Unlock()
	return r
}

// Unsubscribe removes r from the fabric. Idempotent.
func (v *Video) Unsubscribe(r *VideoReceiver) {
	v.mu.Lock()
	delete(v.subs, r)
	v.mu.Unlock()
}

// Publish fans pkt out to every live receiver, dropping the oldest
// buffered packet (and signalling a miss) for any receiver whose buffer
// is full.
func (v *Video) Publish(pkt VideoPacket) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for r := range v.subs {
		select {
		case r.ch <- pkt:
		default:
			select {
			case <-r.ch:
			default:
			}
			select {
			case r.ch <- pkt:
			default:
			}
			select {
			case r.missed <- struct{}{}:
			default:
			}
		}
	}
}

// Recv returns the receiver's channel of packets.
func (r *VideoReceiver) Recv() <-chan VideoPacket { return r.ch }

// Missed reports, non-blocking, whether packets were dropped for this
// receiver since the last check.
func (r *VideoReceiver) Missed() <-chan struct{} { return r.missed }

// AudioPacket is one Opus-encoded RTP packet.
type AudioPacket struct {
	SequenceNum uint16
	Timestamp   uint32
	Payload     []byte
}

// Audio is the fan-out fabric for encoded audio packets. Capacity is
// fixed at 200 packets (~4s at 50pkt/s), overflow drops oldest.
type Audio struct {
	mu   sync.Mutex
	subs map[*AudioReceiver]struct{}
}

type AudioReceiver struct {
	ch chan AudioPacket
}

const AudioCapacity = 200

func NewAudio() *Audio {
	return &Audio{subs: make(map[*AudioReceiver]struct{})}
}

func (a *Audio) Subscribe() *AudioReceiver {
	r := &AudioReceiver{ch: make(chan AudioPacket, AudioCapacity)}
	a.mu.Lock()
	a.subs[r] = struct{}{}
	a.mu.Unlock()
	return r
}

func (a *Audio) Unsubscribe(r *AudioReceiver) {
	a.mu.Lock()
	delete(a.subs, r)
	a.mu.Unlock()
}

func (a *Audio) Publish(pkt AudioPacket) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for r := range a.subs {
		select {
		case r.ch <- pkt:
		default:
			select {
			case <-r.ch:
			default:
			}
			select {
			case r.ch <- pkt:
			default:
			}
		}
	}
}

func (r *AudioReceiver) Recv() <-chan AudioPacket { return r.ch }

// Text is the fan-out fabric for outbound data-channel text messages
// (cursor/clipboard/taskbar/stats). Capacity is fixed at 256 messages,
// overflow drops oldest.
type Text struct {
	mu   sync.Mutex
	subs map[*TextReceiver]struct{}
}

type TextReceiver struct {
	ch chan string
}

const TextCapacity = 256

func NewText() *Text {
	return &Text{subs: make(map[*TextReceiver]struct{})}
}

func (t *Text) Subscribe() *TextReceiver {
	r := &TextReceiver{ch: make(chan string, TextCapacity)}
	t.mu.Lock()
	t.subs[r] = struct{}{}
	t.mu.Unlock()
	return r
}

func (t *Text) Unsubscribe(r *TextReceiver) {
	t.mu.Lock()
	delete(t.subs, r)
	t.mu.Unlock()
}

// Publish fans msg out to every live receiver, dropping the oldest
// buffered message for any receiver whose buffer is full.
func (t *Text) Publish(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for r := range t.subs {
		select {
		case r.ch <- msg:
		default:
			select {
			case <-r.ch:
			default:
			}
			select {
			case r.ch <- msg:
			default:
			}
		}
	}
}

func (r *TextReceiver) Recv() <-chan string { return r.ch }
