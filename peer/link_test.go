package peer

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/wire"
)

// freePort asks the OS for an ephemeral port by briefly binding to
// port 0, then releasing it for the real Listen call under test.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestListenAcceptConnectRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	port := freePort(t)
	server := New()
	require.NoError(t, server.Listen(port))
	defer server.Shutdown()

	accepted := make(chan *Session, 1)
	acceptErr := make(chan error, 1)
	go func() {
		s, err := server.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- s
	}()

	client := New()
	clientSession, err := client.Connect("127.0.0.1", port, time.Second)
	require.NoError(t, err)
	require.NotNil(t, clientSession)

	select {
	case s := <-accepted:
		require.NotNil(t, s)
		assert.NotEmpty(t, s.ID())
	case err := <-acceptErr:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept")
	}

	server.Close(clientSession) // closes the session's socket even through the other Link
	client.Close(clientSession) // already closed: no-op
}

func TestSendRecvRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	port := freePort(t)
	server := New()
	require.NoError(t, server.Listen(port))
	defer server.Shutdown()

	serverSessionCh := make(chan *Session, 1)
	go func() {
		s, err := server.Accept()
		require.NoError(t, err)
		serverSessionCh <- s
	}()

	client := New()
	clientSession, err := client.Connect("127.0.0.1", port, time.Second)
	require.NoError(t, err)

	serverSession := <-serverSessionCh

	require.NoError(t, client.Send(clientSession, wire.Audio, 0, []byte("pcm-frame")))

	frame, err := server.Recv(serverSession)
	require.NoError(t, err)
	assert.Equal(t, wire.Audio, frame.Header.Type)
	assert.Equal(t, "pcm-frame", string(frame.Payload))

	client.Close(clientSession)
	server.Close(serverSession)
}

func TestAcceptRejectsSecondSessionWithBusy(t *testing.T) {
	defer goleak.VerifyNone(t)

	port := freePort(t)
	server := New()
	require.NoError(t, server.Listen(port))
	defer server.Shutdown()

	firstAccepted := make(chan *Session, 1)
	go func() {
		s, err := server.Accept()
		require.NoError(t, err)
		firstAccepted <- s
	}()

	clientA := New()
	sessionA, err := clientA.Connect("127.0.0.1", port, time.Second)
	require.NoError(t, err)
	serverSessionA := <-firstAccepted
	require.NotNil(t, serverSessionA)

	// Second connect attempt while a session is active: the raw TCP
	// connect itself succeeds (the listener still accepts the SYN), but
	// Accept rejects it at the application level with ERROR{BUSY} and
	// closes it.
	rejectAccepted := make(chan error, 1)
	go func() {
		_, err := server.Accept()
		rejectAccepted <- err
	}()

	clientB := New()
	sessionB, err := clientB.Connect("127.0.0.1", port, time.Second)
	require.NoError(t, err)

	select {
	case err := <-rejectAccepted:
		assert.ErrorIs(t, err, ErrBusy)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for busy rejection")
	}

	frame, err := wire.DecodeStream(sessionB.socket())
	if err == nil {
		assert.Equal(t, wire.Error, frame.Header.Type)
		require.Len(t, frame.Payload, 1)
		assert.Equal(t, byte(wire.ReasonBusy), frame.Payload[0])
	}

	clientA.Close(sessionA)
	server.Close(serverSessionA)
	clientB.Close(sessionB)
}

func TestConnectUnreachableReturnsErrUnreachable(t *testing.T) {
	client := New()
	// Port 1 is a privileged, typically-closed port; dialing loopback on
	// it should fail fast with connection refused.
	_, err := client.Connect("127.0.0.1", 1, 200*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestCloseIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	port := freePort(t)
	server := New()
	require.NoError(t, server.Listen(port))
	defer server.Shutdown()

	serverSessionCh := make(chan *Session, 1)
	go func() {
		s, err := server.Accept()
		require.NoError(t, err)
		serverSessionCh <- s
	}()

	client := New()
	clientSession, err := client.Connect("127.0.0.1", port, time.Second)
	require.NoError(t, err)
	serverSession := <-serverSessionCh

	client.Close(clientSession)
	client.Close(clientSession) // second close must not panic or double-close an fd
	assert.True(t, clientSession.closed())

	server.Close(serverSession)
}

func TestSendAfterCloseReturnsErrClosed(t *testing.T) {
	defer goleak.VerifyNone(t)

	port := freePort(t)
	server := New()
	require.NoError(t, server.Listen(port))
	defer server.Shutdown()

	serverSessionCh := make(chan *Session, 1)
	go func() {
		s, err := server.Accept()
		require.NoError(t, err)
		serverSessionCh <- s
	}()

	client := New()
	clientSession, err := client.Connect("127.0.0.1", port, time.Second)
	require.NoError(t, err)
	serverSession := <-serverSessionCh

	client.Close(clientSession)
	err = client.Send(clientSession, wire.Ping, 0, nil)
	assert.ErrorIs(t, err, ErrClosed)

	server.Close(serverSession)
}
