package mux

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRoutesByFirstByte(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	var mu sync.Mutex
	var httpHits, iceHits int

	m := New(listener,
		func(c net.Conn) {
			mu.Lock()
			httpHits++
			mu.Unlock()
			buf := make([]byte, 3)
			io.ReadFull(c, buf)
			assert.Equal(t, "GET", string(buf))
			c.Close()
		},
		func(c net.Conn) {
			mu.Lock()
			iceHits++
			mu.Unlock()
			buf := make([]byte, 2)
			io.ReadFull(c, buf)
			assert.Equal(t, []byte{0x00, 0x01}, buf)
			c.Close()
		},
	)

	go m.Serve()

	httpConn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	httpConn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	httpConn.Close()

	iceConn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	iceConn.Write([]byte{0x00, 0x01, 0x02, 0x03})
	iceConn.Close()

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, httpHits)
	assert.Equal(t, 1, iceHits)
}
