package video

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lanternops/waydesk/internal/broadcast"
)

func TestPipelinePushFrame_MarkerAndTimestampInvariant(t *testing.T) {
	fab := broadcast.NewVideo(45)
	rx := fab.Subscribe(45)

	p, err := NewPipeline(fab, 0xdeadbeef, 96, EncoderConfig{Width: 640, Height: 480, FPS: 30})
	require.NoError(t, err)

	frame := make([]byte, 4096)
	require.NoError(t, p.PushFrame(frame, time.Unix(0, 0)))

	var got []broadcast.VideoPacket
drain:
	for {
		select {
		case pkt := <-rx.Recv():
			got = append(got, pkt)
		default:
			break drain
		}
	}
	require.NotEmpty(t, got)

	ts := got[0].Timestamp
	for i, pkt := range got {
		require.Equal(t, ts, pkt.Timestamp, "all packets of one frame share one RTP timestamp")
		if i == len(got)-1 {
			require.True(t, pkt.Marker, "last packet of frame must have marker=1")
		} else {
			require.False(t, pkt.Marker, "only the last packet may have marker=1")
		}
	}
}

func TestPipelineFirstFrameIsKeyframeAndCached(t *testing.T) {
	fab := broadcast.NewVideo(45)
	fab.Subscribe(45)

	p, err := NewPipeline(fab, 1, 96, EncoderConfig{FPS: 30})
	require.NoError(t, err)

	require.NoError(t, p.PushFrame(make([]byte, 64), time.Now()))

	packets, ok := p.Keyframe()
	require.True(t, ok)
	require.NotEmpty(t, packets)
	require.True(t, packets[len(packets)-1].Marker)
}

func TestPipelineRequestKeyframeForcesNextFrame(t *testing.T) {
	fab := broadcast.NewVideo(45)
	fab.Subscribe(45)

	p, err := NewPipeline(fab, 1, 96, EncoderConfig{FPS: 1000})
	require.NoError(t, err)

	// The first frame is an interval keyframe and gets cached; the second
	// falls inside the 2000-frame interval, so only the request can make
	// it a keyframe.
	require.NoError(t, p.PushFrame(make([]byte, 16), time.Now()))
	before, _ := p.Keyframe()

	p.RequestKeyframe()
	require.NoError(t, p.PushFrame(make([]byte, 16), time.Now().Add(time.Millisecond)))
	after, ok := p.Keyframe()
	require.True(t, ok)
	require.NotEqual(t, before[0].Timestamp, after[0].Timestamp)
}

func TestSequenceNumbersMonotonicAcrossFrames(t *testing.T) {
	fab := broadcast.NewVideo(90)
	rx := fab.Subscribe(90)

	p, err := NewPipeline(fab, 1, 96, EncoderConfig{FPS: 30})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.PushFrame(make([]byte, 32), time.Now().Add(time.Duration(i)*33*time.Millisecond)))
	}

	var last uint16
	first := true
	for {
		select {
		case pkt := <-rx.Recv():
			if !first {
				require.Equal(t, last+1, pkt.SequenceNum)
			}
			last = pkt.SequenceNum
			first = false
		default:
			return
		}
	}
}
