// Package driver implements the per-session RTC event loop (spec §4.5):
// one concurrent task multiplexing TCP I/O, RTP/audio/text broadcast,
// data-channel input, engine timeouts, and ping/pong, with the ordering
// guarantee that every write_rtp is immediately followed by draining the
// engine's outputs before any other source is serviced (spec §5, §8
// invariant 2).
package driver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/lanternops/waydesk/internal/broadcast"
	"github.com/lanternops/waydesk/internal/compositor"
	"github.com/lanternops/waydesk/internal/filedrop"
	"github.com/lanternops/waydesk/internal/framing"
	"github.com/lanternops/waydesk/internal/logging"
	"github.com/lanternops/waydesk/internal/protocol"
	"github.com/lanternops/waydesk/internal/rtcengine"
	"github.com/lanternops/waydesk/internal/session"
	"github.com/lanternops/waydesk/internal/video"
)

// pingInterval and pingTimeout implement spec §4.5 source F and spec §7's
// PeerTimeout.
const (
	pingInterval = 15 * time.Second
	pingTimeout  = 45 * time.Second
)

// statsInterval paces the outbound stats,<json> telemetry message.
const statsInterval = 5 * time.Second

// totalBytesSent/totalBytesReceived aggregate wire traffic across every
// session, for the /metrics exposition.
var (
	totalBytesSent     atomic.Int64
	totalBytesReceived atomic.Int64
)

// TotalBytesSent reports the process-wide count of bytes written to
// session TCP sockets.
func TotalBytesSent() int64 { return totalBytesSent.Load() }

// TotalBytesReceived reports the process-wide count of bytes read from
// session TCP sockets.
func TotalBytesReceived() int64 { return totalBytesReceived.Load() }

// readBufSize bounds one TCP read; frames are reassembled by the
// session's own framing.Decoder across reads.
const readBufSize = 16 * 1024

// Config carries the collaborators one session driver needs beyond the
// Session/Engine pair itself.
type Config struct {
	Pipeline   *video.Pipeline
	Compositor *compositor.Loop
	Registry   *session.Registry

	// UploadDir and MaxUploadBytes configure the per-session file-upload
	// receiver; one upload may be open per session at a time.
	UploadDir      string
	MaxUploadBytes int64
}

// Driver runs one session's event loop.
type Driver struct {
	sess *session.Session
	cfg  Config

	video *broadcast.Video
	audio *broadcast.Audio
	text  *broadcast.Text

	decoder  *framing.Decoder
	fileDrop *filedrop.Handler

	// Wire counters for this session, read only from the loop goroutine.
	packetsSent   uint64
	bytesSent     uint64
	bytesReceived uint64
}

// New creates a Driver for sess. firstFrame, if non-nil, is the RFC 4571
// frame the registry already consumed while matching the STUN binding
// request (spec §4.4 step 5: "replay the frame into the session's
// engine").
func New(sess *session.Session, cfg Config, video *broadcast.Video, audio *broadcast.Audio, text *broadcast.Text, firstFrame []byte) *Driver {
	d := &Driver{sess: sess, cfg: cfg, video: video, audio: audio, text: text, decoder: framing.NewDecoder()}
	d.fileDrop = filedrop.New(engineTextSender{sess}, cfg.UploadDir, cfg.MaxUploadBytes)
	if firstFrame != nil {
		if err := sess.Engine.HandleReceived(firstFrame); err != nil {
			logging.L("driver").Warn("replaying matched frame failed", "session", sess.ID, "error", err)
		}
	}
	return d
}

// Run drives the event loop until the session terminates or stop closes.
func (d *Driver) Run(stop <-chan struct{}) {
	log := logging.L("driver").With("session", d.sess.ID)

	conn := d.sess.Conn()
	if conn == nil {
		log.Error("driver started with no attached connection")
		return
	}

	rawCh := make(chan []byte, 32)
	readErrCh := make(chan error, 1)
	go readLoop(conn, rawCh, readErrCh)

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()

	engine := d.sess.Engine

	timeoutTimer := time.NewTimer(timeUntilNextTimeout(engine))
	defer timeoutTimer.Stop()

	for {
		select {
		case <-stop:
			d.terminate(log, "process shutdown")
			return

		case <-d.sess.Done():
			return

		case raw, ok := <-rawCh:
			if !ok {
				rawCh = nil
				continue
			}
			d.handleIncoming(log, raw)
			d.drainOutputs(log)

		case err := <-readErrCh:
			log.Debug("tcp read ended", "error", err)
			d.terminate(log, "tcp closed")
			return

		case pkt := <-d.sess.VideoReceiver.Recv():
			d.writeVideo(log, pkt)
			d.drainOutputs(log)

		case <-d.sess.VideoReceiver.Missed():
			log.Debug("video receiver lagged, requesting keyframe")
			d.cfg.Pipeline.RequestKeyframe()
			d.sess.ResetInitialKeyframe()

		case pkt := <-d.sess.AudioReceiver.Recv():
			d.writeAudio(log, pkt)
			d.drainOutputs(log)

		case msg := <-d.sess.TextReceiver.Recv():
			if err := engine.WriteData([]byte(msg), true); err != nil {
				log.Debug("write text failed (data channel not open yet)", "error", err)
			}
			d.drainOutputs(log)

		case <-timeoutTimer.C:
			if err := engine.HandleTimeout(); err != nil {
				log.Warn("engine timeout handling failed", "error", err)
			}
			d.drainOutputs(log)
			timeoutTimer.Reset(timeUntilNextTimeout(engine))

		case <-pingTicker.C:
			d.handlePingTick(log)
			d.drainOutputs(log)

		case <-statsTicker.C:
			d.publishStats(log)
			d.drainOutputs(log)
		}

		if d.sess.PingTimedOut(pingTimeout) {
			d.terminate(log, "ping timeout")
			return
		}
		if engine.State() == rtcengine.StateFailed || engine.State() == rtcengine.StateClosed {
			d.terminate(log, "engine failure")
			return
		}
	}
}

func timeUntilNextTimeout(engine *rtcengine.Engine) time.Duration {
	d := time.Until(engine.NextTimeout())
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

// handlePingTick sends one keepalive ping and arms the pong deadline
// (spec §4.5 source F, §7 PeerTimeout).
func (d *Driver) handlePingTick(log *logWrapper) {
	if err := d.sess.Engine.WriteData([]byte(protocol.Ping), true); err != nil {
		log.Debug("ping write failed, data channel likely not open yet", "error", err)
		return
	}
	d.sess.SetPingWaiting()
}

// sessionStats is the stats,<json> payload, populated from the driver's
// per-session wire counters on a periodic timer.
type sessionStats struct {
	PacketsSent   uint64 `json:"packets_sent"`
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
	State         string `json:"state"`
}

func (d *Driver) publishStats(log *logWrapper) {
	data, err := json.Marshal(sessionStats{
		PacketsSent:   d.packetsSent,
		BytesSent:     d.bytesSent,
		BytesReceived: d.bytesReceived,
		State:         d.sess.Engine.State().String(),
	})
	if err != nil {
		return
	}
	if err := d.sess.Engine.WriteData([]byte(protocol.Stats(string(data))), true); err != nil {
		log.Debug("stats write failed, data channel likely not open yet", "error", err)
	}
}

func readLoop(conn net.Conn, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			errCh <- err
			return
		}
	}
}

func (d *Driver) handleIncoming(log *logWrapper, raw []byte) {
	d.bytesReceived += uint64(len(raw))
	totalBytesReceived.Add(int64(len(raw)))

	frames, err := d.decoder.Feed(raw)
	if err != nil {
		log.Warn("framing error, terminating session", "error", err)
		d.terminate(log, "framing error")
		return
	}
	for _, frame := range frames {
		if err := d.sess.Engine.HandleReceived(frame); err != nil {
			log.Debug("engine rejected datagram", "error", err)
		}
	}
	d.sess.Touch()
}

func (d *Driver) writeVideo(log *logWrapper, pkt broadcast.VideoPacket) {
	ssrc, _ := d.sess.SSRCs()
	rtpPkt := video.BuildRTPPacket(ssrc, pkt)
	if err := d.sess.Engine.WriteRTP(true, rtpPkt); err != nil {
		log.Debug("write rtp (video) failed", "error", err)
		return
	}
	if pkt.IsKeyframePart && !d.sess.SentInitialKeyframe() {
		d.sess.MarkInitialKeyframeSent()
	}
}

func (d *Driver) writeAudio(log *logWrapper, pkt broadcast.AudioPacket) {
	_, ssrc := d.sess.SSRCs()
	rtpPkt := video.BuildRTPPacket(ssrc, broadcast.VideoPacket{
		PayloadType: 111,
		SequenceNum: pkt.SequenceNum,
		Timestamp:   pkt.Timestamp,
		Marker:      true,
		Payload:     pkt.Payload,
	})
	if err := d.sess.Engine.WriteRTP(false, rtpPkt); err != nil {
		log.Debug("write rtp (audio) failed", "error", err)
	}
}

// drainOutputs repeatedly polls the engine until no output remains,
// transmitting bytes as RFC 4571 frames and dispatching events — the
// ordering guarantee of spec §4.5/§8 invariant 2.
func (d *Driver) drainOutputs(log *logWrapper) {
	conn := d.sess.Conn()
	for {
		out, ok := d.sess.Engine.PollOutput()
		if !ok {
			return
		}
		if out.Transmit != nil {
			if err := d.writeFramed(conn, out.Transmit); err != nil {
				log.Debug("tcp write failed", "error", err)
				d.terminate(log, "tcp write error")
				return
			}
		}
		if out.Event != nil {
			d.handleEvent(log, *out.Event)
		}
	}
}

func (d *Driver) writeFramed(conn net.Conn, payload []byte) error {
	if conn == nil {
		return errors.New("driver: no connection attached")
	}
	frame, err := framing.Encode(payload)
	if err != nil {
		return fmt.Errorf("driver: frame encode: %w", err)
	}
	n, err := conn.Write(frame)
	d.packetsSent++
	d.bytesSent += uint64(n)
	totalBytesSent.Add(int64(n))
	return err
}

func (d *Driver) handleEvent(log *logWrapper, ev rtcengine.Event) {
	switch ev.Kind {
	case rtcengine.EventDataChannelOpen:
		log.Debug("data channel open")
		d.cfg.Compositor.DataChannelOpened()
		d.replayOrRequestKeyframe(log)

	case rtcengine.EventDataChannelData:
		d.handleChannelData(log, ev)

	case rtcengine.EventDataChannelClose:
		log.Debug("data channel closed")

	case rtcengine.EventStateChange:
		log.Debug("connection state changed", "state", ev.State.String())
	}
}

func (d *Driver) replayOrRequestKeyframe(log *logWrapper) {
	if d.sess.SentInitialKeyframe() {
		return
	}
	packets, ok := d.cfg.Pipeline.Keyframe()
	if !ok {
		d.cfg.Pipeline.RequestKeyframe()
		return
	}
	ssrc, _ := d.sess.SSRCs()
	for _, pkt := range packets {
		rtpPkt := video.BuildRTPPacket(ssrc, pkt)
		if err := d.sess.Engine.WriteRTP(true, rtpPkt); err != nil {
			log.Debug("keyframe replay write failed", "error", err)
			return
		}
		d.drainOutputs(log)
	}
	d.sess.MarkInitialKeyframeSent()
}

func (d *Driver) handleChannelData(log *logWrapper, ev rtcengine.Event) {
	if !ev.IsString {
		if err := d.fileDrop.HandleBinary(ev.Data); err != nil {
			log.Debug("file chunk rejected", "error", err)
		}
		return
	}

	line := string(ev.Data)

	if handled, err := d.fileDrop.HandleText(line); handled {
		if err != nil {
			log.Debug("file control message error", "error", err)
		}
		return
	}

	parsed, ok, err := protocol.ParseLine(line)
	if !ok {
		log.Debug("unrecognized data channel message", "line", line)
		return
	}
	if err != nil {
		log.Debug("malformed data channel message", "line", line, "error", err)
		return
	}

	switch parsed.Kind {
	case protocol.EventPong:
		d.sess.SetPingIdle()
	case protocol.EventPing:
		if err := d.sess.Engine.WriteData([]byte(protocol.Pong), true); err != nil {
			log.Debug("pong write failed", "error", err)
		}
	default:
		d.cfg.Compositor.Enqueue(parsed)
	}
}

func (d *Driver) terminate(log *logWrapper, reason string) {
	log.Debug("terminating session", "reason", reason)
	d.sess.Terminate(d.video, d.audio, d.text)
	if d.cfg.Registry != nil {
		d.cfg.Registry.Remove(d.sess)
	}
}

// engineTextSender delivers upload warnings on this session's own data
// channel rather than the shared text fabric, so one peer's rejected
// upload never surfaces in another peer's UI.
type engineTextSender struct {
	sess *session.Session
}

func (s engineTextSender) SendText(line string) error {
	return s.sess.Engine.WriteData([]byte(line), true)
}

// logWrapper is the concrete logger type threaded through the loop's
// helper methods.
type logWrapper = slog.Logger
