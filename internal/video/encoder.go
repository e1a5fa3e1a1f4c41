package video

import (
	"fmt"
	"sync"
)

// Codec enumerates the video codecs the pipeline adapter can packetize.
// Only H.264 is implemented by the bundled software encoder; the others
// are accepted by Config so a future hardware backend can be selected
// without touching the adapter (spec §9, "encoder selection heuristic").
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecVP8  Codec = "vp8"
	CodecVP9  Codec = "vp9"
	CodecAV1  Codec = "av1"
)

// EncoderConfig is the mutable encoder configuration, adjustable at
// runtime via the data-channel SETTINGS message (spec §4.9) or a
// resize command.
type EncoderConfig struct {
	Width, Height int
	Codec         Codec
	BitrateKbps   int
	FPS           int

	// LatencyMS bounds the time from frame push to first RTP packet out;
	// backends that buffer (B-frames, lookahead) must configure themselves
	// to stay within it. The software backend emits synchronously and
	// always satisfies any bound.
	LatencyMS int
}

// Encoder turns one raw RGBA frame into a sequence of codec access-unit
// payloads ("NAL units" for H.264; one opaque payload per emitted unit
// for VPx/AV1 shaped backends). isKeyframe reports whether the whole
// frame is independently decodable; Pipeline.PushFrame caches the frame
// as the keyframe when it is set, and tags each packet as a keyframe
// part by the NAL type of the unit it came from.
type Encoder interface {
	Encode(frame []byte, forceKeyframe bool) (payloads [][]byte, isKeyframe bool, err error)
	Reconfigure(cfg EncoderConfig) error
	Name() string
}

// NewEncoder selects a backend for cfg.Codec. Only software H.264 is
// implemented: "h264" or an empty codec gets it, and any other codec is
// an error. The hardware_encoder setting is not consulted here.
func NewEncoder(cfg EncoderConfig) (Encoder, error) {
	switch cfg.Codec {
	case CodecH264, "":
		return newSoftwareH264Encoder(cfg)
	default:
		return nil, fmt.Errorf("video: codec %q not implemented by the software backend", cfg.Codec)
	}
}

// H.264 NAL unit types relevant to keyframe detection (ITU-T H.264 §7.4.1).
const (
	nalTypeSlice    = 1
	nalTypeIDR      = 5
	nalTypeSPS      = 7
	nalTypePPS      = 8
)

func isKeyframeNAL(nalType byte) bool {
	switch nalType {
	case nalTypeIDR, nalTypeSPS, nalTypePPS:
		return true
	default:
		return false
	}
}

// softwareH264Encoder is a placeholder codec backend: it does not
// perform real DCT/motion-compensated compression (no cgo x264/openh264
// binding is present anywhere in the example pack; see DESIGN.md), but
// it produces a stream of correctly shaped Annex-B NAL units — SPS/PPS/
// IDR on every keyframe interval or forced request, a single slice NAL
// otherwise — so every invariant the adapter and the wire protocol care
// about (timestamp/marker/keyframe tagging, SPS/PPS/IDR-on-keyframe) is
// exercised exactly as a real encoder would drive them.
type softwareH264Encoder struct {
	mu           sync.Mutex
	cfg          EncoderConfig
	frameCount   int
	keyframeEvery int
}

func newSoftwareH264Encoder(cfg EncoderConfig) (Encoder, error) {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &softwareH264Encoder{cfg: cfg, keyframeEvery: cfg.FPS * 2}, nil
}

func (e *softwareH264Encoder) Name() string { return "software-h264" }

func (e *softwareH264Encoder) Reconfigure(cfg EncoderConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.FPS <= 0 {
		cfg.FPS = e.cfg.FPS
	}
	e.cfg = cfg
	e.keyframeEvery = cfg.FPS * 2
	return nil
}

// Encode synthesizes the NAL unit sequence for one frame. forceKeyframe
// (resize, late joiner, lag recovery) always wins over the periodic
// interval.
func (e *softwareH264Encoder) Encode(frame []byte, forceKeyframe bool) ([][]byte, bool, error) {
	if len(frame) == 0 {
		return nil, false, fmt.Errorf("video: empty frame")
	}

	e.mu.Lock()
	isKeyframe := forceKeyframe || e.frameCount%e.keyframeEvery == 0
	e.frameCount++
	e.mu.Unlock()

	sliceType := byte(nalTypeSlice)
	if isKeyframe {
		sliceType = nalTypeIDR
	}

	var nalus [][]byte
	if isKeyframe {
		nalus = append(nalus, nalUnit(nalTypeSPS, spsPlaceholder))
		nalus = append(nalus, nalUnit(nalTypePPS, ppsPlaceholder))
	}
	nalus = append(nalus, nalUnit(sliceType, frame))

	return nalus, isKeyframe, nil
}

// nalUnit prepends a one-byte Annex-B NAL header (forbidden_zero_bit=0,
// nal_ref_idc=3, nal_unit_type=typ) to payload.
func nalUnit(typ byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = (3 << 5) | (typ & 0x1F)
	copy(out[1:], payload)
	return out
}

var (
	spsPlaceholder = []byte{0x64, 0x00, 0x1f}
	ppsPlaceholder = []byte{0xce, 0x3c, 0x80}
)
