package rtcengine

import (
	"github.com/pion/datachannel"

	"github.com/lanternops/waydesk/internal/logging"
)

// dataChannelStream wraps one open DCEP channel.
type dataChannelStream struct {
	dc *datachannel.DataChannel
}

func (s *dataChannelStream) write(data []byte, isString bool) error {
	_, err := s.dc.WriteDataChannel(data, isString)
	return err
}

func (s *dataChannelStream) close() error {
	return s.dc.Close()
}

// acceptDataChannels accepts every DCEP open handshake the peer issues
// on the established SCTP association, for the association's lifetime.
// The first accepted channel becomes the session's primary text channel;
// any later one is a transient auxiliary channel (the binary upload
// stream), tracked by label until its read loop ends. Outbound WriteData
// always targets the primary channel; auxiliary channels are
// peer-to-server only.
func (e *Engine) acceptDataChannels() {
	log := logging.L("rtcengine")

	for {
		dc, err := datachannel.Accept(e.sctpAssoc, &datachannel.Config{LoggerFactory: pionLoggerFactory})
		if err != nil {
			log.Debug("data channel accept loop ended", "error", err)
			return
		}

		stream := &dataChannelStream{dc: dc}
		label := dc.Config.Label

		e.mu.Lock()
		if e.dataStream == nil {
			e.dataStream = stream
		} else {
			e.auxStreams[label] = stream
		}
		e.mu.Unlock()

		e.emit(Event{Kind: EventDataChannelOpen, Label: label})
		go e.readDataChannel(dc)
	}
}

func (e *Engine) readDataChannel(dc *datachannel.DataChannel) {
	log := logging.L("rtcengine")
	label := dc.Config.Label
	buf := make([]byte, 16*1024)

	for {
		n, isString, err := dc.ReadDataChannel(buf)
		if err != nil {
			log.Debug("data channel read ended", "label", label, "error", err)
			e.dropStream(label)
			e.emit(Event{Kind: EventDataChannelClose, Label: label})
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		e.emit(Event{Kind: EventDataChannelData, Label: label, Data: data, IsString: isString})
	}
}

// dropStream forgets a channel whose read loop has ended. A closed
// primary channel clears the primary slot so WriteData fails fast
// instead of writing into a dead stream.
func (e *Engine) dropStream(label string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if aux, ok := e.auxStreams[label]; ok {
		aux.close()
		delete(e.auxStreams, label)
		return
	}
	if e.dataStream != nil && e.dataStream.dc.Config.Label == label {
		e.dataStream.close()
		e.dataStream = nil
	}
}
