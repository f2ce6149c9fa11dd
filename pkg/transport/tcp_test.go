package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialTCPRoundTripsBytes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		accepted <- conn
	}()

	ch, err := DialTCP(ln.Addr().String())
	require.NoError(t, err)
	defer ch.Close()

	server := <-accepted
	defer server.Close()

	_, err = server.Write([]byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var buf [16]byte
		n, err := ch.Read(buf[:])
		return err == nil && n == 5
	}, time.Second, time.Millisecond)
}

func TestTCPChannelIDStableAndDistinctAcrossConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	a, err := DialTCP(ln.Addr().String())
	require.NoError(t, err)
	defer a.Close()
	b, err := DialTCP(ln.Addr().String())
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, a.ID(), a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}
