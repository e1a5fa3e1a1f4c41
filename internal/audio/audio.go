// Package audio defines the Opus RTP packet contract the driver's
// broadcast Source D consumes (spec §1 Non-goals: the audio capture
// thread itself is an external collaborator; only the packet contract
// it must emit is specified here). The Source interface mirrors the
// callback-based shape of the teacher's AudioCapturer
// (internal/remote/desktop/audio.go), adapted from μ-law/8kHz frames to
// Opus/48kHz RTP packets per spec §6's SDP media section.
package audio

import "time"

// ClockRate is the RTP clock rate for Opus audio (RFC 7587).
const ClockRate = 48000

// Channels is the fixed stereo channel count the SDP answer advertises
// (spec §6).
const Channels = 2

// FrameDuration is the Opus frame size this pipeline assumes (20ms,
// 50 packets/sec — matches the audio broadcast fabric's 200-packet,
// ~4s capacity in spec §4.6).
const FrameDuration = 20 * time.Millisecond

// Packet is one encoded Opus frame ready for RTP packetization.
type Packet struct {
	Payload   []byte
	Timestamp uint32
}

// Source captures and Opus-encodes system audio, invoking callback with
// one Packet per frame (spec §5, "Audio thread... blocks on the audio
// source; emits encoded RTP packets into the audio broadcast fabric").
// The real capture backend (PulseAudio/PipeWire via PULSE_SOURCE, spec
// §6) is an external collaborator; this package only fixes the contract
// and ships a deterministic silent Source.
type Source interface {
	Start(callback func(Packet)) error
	Stop()
}

// SilenceSource is a loopback Source that emits silent Opus-DTX-shaped
// frames on a fixed cadence, used as the default when no real capture
// backend is wired (matches the teacher's nil-AudioCapturer
// fallback on platforms without a capture backend).
type SilenceSource struct {
	stop chan struct{}
}

// NewSilenceSource creates a Source that never actually opens a device.
func NewSilenceSource() *SilenceSource {
	return &SilenceSource{stop: make(chan struct{})}
}

// opusDTXFrame is a single-byte Opus DTX (discontinuous transmission)
// "no audio" frame per RFC 6716 §2.1.3.
var opusDTXFrame = []byte{0xF8}

func (s *SilenceSource) Start(callback func(Packet)) error {
	go func() {
		ticker := time.NewTicker(FrameDuration)
		defer ticker.Stop()

		var ts uint32
		samplesPerFrame := uint32(ClockRate * FrameDuration / time.Second)

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				callback(Packet{Payload: opusDTXFrame, Timestamp: ts})
				ts += samplesPerFrame
			}
		}
	}()
	return nil
}

func (s *SilenceSource) Stop() {
	close(s.stop)
}
