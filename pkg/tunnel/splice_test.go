package tunnel

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoListener accepts one connection and echoes everything back,
// half-closing its write side when the client stops sending.
func echoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		tcp := conn.(*net.TCPConn)
		_, _ = io.Copy(tcp, tcp)
		_ = tcp.CloseWrite()
	}()
	return ln
}

func TestSplice_EchoRoundTrip(t *testing.T) {
	local := echoListener(t)

	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer dataLn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		Splice("c1", dataLn.Addr().String(), local.Addr().String())
	}()

	// Act as the relay's data endpoint.
	dataConn, err := dataLn.Accept()
	require.NoError(t, err)
	defer dataConn.Close()

	payload := make([]byte, 10*1024)
	_, err = rand.Read(payload)
	require.NoError(t, err)

	_, err = dataConn.Write(payload)
	require.NoError(t, err)
	require.NoError(t, dataConn.(*net.TCPConn).CloseWrite())

	got, err := io.ReadAll(dataConn)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "bytes must be proxied faithfully")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("splice did not finish after both EOFs")
	}
}

func TestSplice_LocalRefused(t *testing.T) {
	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer dataLn.Close()

	// A port with nothing listening.
	deadLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := deadLn.Addr().String()
	require.NoError(t, deadLn.Close())

	done := make(chan struct{})
	go func() {
		defer close(done)
		Splice("c2", dataLn.Addr().String(), deadAddr)
	}()

	// The data leg is opened first, then destroyed when local dial fails.
	dataConn, err := dataLn.Accept()
	require.NoError(t, err)
	defer dataConn.Close()

	require.NoError(t, dataConn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = dataConn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "data channel must be closed after local failure")

	<-done
}

func TestSplice_DataUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	done := make(chan struct{})
	go func() {
		defer close(done)
		Splice("c3", deadAddr, "127.0.0.1:1")
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("splice must abandon the pair when the data dial fails")
	}
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	conn, err := DialTCP(ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	assert.IsType(t, &net.TCPConn{}, conn)
}
