// Package video implements the pipeline adapter (spec §4.7): it accepts
// raw RGBA frames from the compositor, drives a codec Encoder, and
// packetizes the result into RTP using pion/rtp's H.264 payloader
// (grounded on gtfodev-camsRelay/pkg/bridge/bridge.go's
// writeVideoSampleDirect, which does the same NALU-extract →
// H264Payloader.Payload → rtp.Packet sequence against a real
// webrtc.TrackLocalStaticRTP instead of this Sans-I/O broadcast fabric).
// It also owns the keyframe cache (spec §4.10) consulted on
// data-channel-open and on broadcast-lag.
package video

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/lanternops/waydesk/internal/broadcast"
	"github.com/lanternops/waydesk/internal/logging"
)

// clockRate is the RTP clock rate for H.264 video per RFC 6184.
const clockRate = 90000

// mtu bounds each RTP payload's size, matching the "safe MTU for
// WebRTC" the teacher uses in its H.264 packetization path.
const mtu = 1200

// maxConsecutiveEncoderErrors is the spec §7 EncoderError threshold
// ("on N consecutive errors (default 10) rebuild the pipeline").
const maxConsecutiveEncoderErrors = 10

// Pipeline is the video pipeline adapter. One instance serves one
// compositor output and fans packets out to every live session via the
// video broadcast fabric.
type Pipeline struct {
	fabric *broadcast.Video
	ssrc   uint32
	pt     uint8

	mu            sync.Mutex
	encoder       Encoder
	payloader     *codecs.H264Payloader
	seq           uint16
	forceKeyframe bool
	consecErrors  int
	cfg           EncoderConfig

	cacheMu sync.Mutex
	cache   []broadcast.VideoPacket
}

// NewPipeline creates a pipeline adapter publishing onto fabric with the
// given SSRC/payload type (negotiated via SDP, spec §3) and initial
// encoder configuration.
func NewPipeline(fabric *broadcast.Video, ssrc uint32, payloadType uint8, cfg EncoderConfig) (*Pipeline, error) {
	enc, err := NewEncoder(cfg)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		fabric:    fabric,
		ssrc:      ssrc,
		pt:        payloadType,
		encoder:   enc,
		payloader: &codecs.H264Payloader{},
		cfg:       cfg,
	}, nil
}

// PushFrame encodes one raw RGBA frame captured at pts and publishes the
// resulting RTP packets, in order, onto the video fabric. All packets
// for this frame share one 90kHz RTP timestamp derived from pts; the
// final packet carries marker=1 (spec §4.7, invariant 1 in spec §8).
func (p *Pipeline) PushFrame(frame []byte, pts time.Time) error {
	log := logging.L("video")

	p.mu.Lock()
	force := p.forceKeyframe
	p.forceKeyframe = false
	enc := p.encoder
	p.mu.Unlock()

	nalus, isKeyframe, err := enc.Encode(frame, force)
	if err != nil {
		p.mu.Lock()
		p.consecErrors++
		consec := p.consecErrors
		p.mu.Unlock()

		log.Warn("encoder produced no output, dropping frame", "error", err, "consecutive", consec)
		if consec >= maxConsecutiveEncoderErrors {
			p.rebuild()
		}
		return fmt.Errorf("video: encode: %w", err)
	}

	p.mu.Lock()
	p.consecErrors = 0
	p.mu.Unlock()

	timestamp := toRTPTimestamp(pts)

	var built []broadcast.VideoPacket
	for naluIdx, nalu := range nalus {
		payloads := p.payloader.Payload(mtu, nalu)
		keyframePart := isKeyframeNAL(nalu[0] & 0x1F)

		for i, payload := range payloads {
			last := naluIdx == len(nalus)-1 && i == len(payloads)-1

			p.mu.Lock()
			seq := p.seq
			p.seq++
			p.mu.Unlock()

			pkt := broadcast.VideoPacket{
				PayloadType:    p.pt,
				SequenceNum:    seq,
				Timestamp:      timestamp,
				Marker:         last,
				Payload:        payload,
				IsKeyframePart: keyframePart,
			}
			built = append(built, pkt)
			p.fabric.Publish(pkt)
		}
	}

	if isKeyframe && len(built) > 0 {
		p.cacheMu.Lock()
		p.cache = built
		p.cacheMu.Unlock()
	}

	return nil
}

// RequestKeyframe forces the encoder to emit a full keyframe no later
// than the next frame (spec §4.7, "on external request").
func (p *Pipeline) RequestKeyframe() {
	p.mu.Lock()
	p.forceKeyframe = true
	p.mu.Unlock()
}

// Resize reconfigures the encoder for a new resolution and guarantees
// the next emitted frame is a keyframe.
func (p *Pipeline) Resize(w, h int) error {
	p.mu.Lock()
	p.cfg.Width, p.cfg.Height = w, h
	cfg := p.cfg
	enc := p.encoder
	p.mu.Unlock()

	if err := enc.Reconfigure(cfg); err != nil {
		return fmt.Errorf("video: reconfigure for resize: %w", err)
	}
	p.RequestKeyframe()
	return nil
}

// CurrentConfig returns a copy of the encoder configuration currently in
// effect, for a caller (the SETTINGS handler) to apply partial updates
// on top of.
func (p *Pipeline) CurrentConfig() EncoderConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Reconfigure applies a runtime SETTINGS update (bitrate/fps/codec
// params) to the encoder without forcing a keyframe.
func (p *Pipeline) Reconfigure(cfg EncoderConfig) error {
	p.mu.Lock()
	p.cfg = cfg
	enc := p.encoder
	p.mu.Unlock()
	return enc.Reconfigure(cfg)
}

// Keyframe returns a clone of the most recently cached complete
// keyframe's packet list, in stored order, and whether one exists yet.
func (p *Pipeline) Keyframe() ([]broadcast.VideoPacket, bool) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	if p.cache == nil {
		return nil, false
	}
	clone := make([]broadcast.VideoPacket, len(p.cache))
	copy(clone, p.cache)
	return clone, true
}

// rebuild replaces the encoder after too many consecutive failures
// (spec §7, EncoderError).
func (p *Pipeline) rebuild() {
	log := logging.L("video")

	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	enc, err := NewEncoder(cfg)
	if err != nil {
		log.Error("pipeline rebuild failed", "error", err)
		return
	}

	p.mu.Lock()
	p.encoder = enc
	p.payloader = &codecs.H264Payloader{}
	p.consecErrors = 0
	p.forceKeyframe = true
	p.mu.Unlock()

	log.Warn("pipeline rebuilt after consecutive encoder errors")
}

func toRTPTimestamp(pts time.Time) uint32 {
	return uint32(pts.UnixNano() / int64(time.Second/clockRate))
}

// BuildRTPPacket constructs a pion rtp.Packet from a broadcast.VideoPacket
// for the driver to hand to the Sans-I/O engine's WriteRTP.
func BuildRTPPacket(ssrc uint32, pkt broadcast.VideoPacket) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pkt.PayloadType,
			SequenceNumber: pkt.SequenceNum,
			Timestamp:      pkt.Timestamp,
			SSRC:           ssrc,
			Marker:         pkt.Marker,
		},
		Payload: pkt.Payload,
	}
}
