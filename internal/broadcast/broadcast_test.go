package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVideoFanOutDeliversToAllReceivers(t *testing.T) {
	v := NewVideo(4)
	a := v.Subscribe(4)
	b := v.Subscribe(4)

	pkt := VideoPacket{SequenceNum: 1, Timestamp: 90000, Marker: true}
	v.Publish(pkt)

	require.Equal(t, pkt, <-a.Recv())
	require.Equal(t, pkt, <-b.Recv())
}

func TestVideoOverflowDropsOldestAndSignalsMiss(t *testing.T) {
	v := NewVideo(2)
	r := v.Subscribe(1)

	v.Publish(VideoPacket{SequenceNum: 1})
	v.Publish(VideoPacket{SequenceNum: 2})

	select {
	case <-r.Missed():
	default:
		t.Fatal("expected a missed signal once the receiver's buffer overflowed")
	}

	got := <-r.Recv()
	assert.Equal(t, uint16(2), got.SequenceNum, "the newest packet must survive the drop")
}

func TestVideoUnsubscribeStopsDelivery(t *testing.T) {
	v := NewVideo(4)
	r := v.Subscribe(4)
	v.Unsubscribe(r)

	v.Publish(VideoPacket{SequenceNum: 1})

	select {
	case <-r.Recv():
		t.Fatal("unsubscribed receiver must not receive further packets")
	default:
	}
}

func TestAudioOverflowDropsOldest(t *testing.T) {
	a := NewAudio()
	r := a.Subscribe()

	for i := 0; i < AudioCapacity+5; i++ {
		a.Publish(AudioPacket{SequenceNum: uint16(i)})
	}

	var last AudioPacket
	for {
		select {
		case pkt := <-r.Recv():
			last = pkt
			continue
		default:
		}
		break
	}
	assert.Equal(t, uint16(AudioCapacity+4), last.SequenceNum)
}

func TestTextFanOutAndOverflow(t *testing.T) {
	text := NewText()
	r := text.Subscribe()

	for i := 0; i < TextCapacity+1; i++ {
		text.Publish("msg")
	}

	count := 0
	for {
		select {
		case <-r.Recv():
			count++
			continue
		default:
		}
		break
	}
	assert.Equal(t, TextCapacity, count, "overflow must drop rather than grow past capacity")
}
