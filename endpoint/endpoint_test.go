package endpoint

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/audio"
	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/call"
	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/settings"
)

// memStore is an in-memory settings.Store test double: synchronous,
// no debounce, so control-surface tests don't need to wait out
// FileStore's real 250 ms window.
type memStore struct {
	mu sync.Mutex
	s  settings.Settings
}

func newMemStore() *memStore {
	return &memStore{s: settings.Default()}
}

func (m *memStore) Load() (settings.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s, nil
}

func (m *memStore) Save(s settings.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	return nil
}

func (m *memStore) Flush() error { return nil }

// devnullSource is a Source that periodically synthesizes a silent
// chunk until Stop, standing in for the platform capture driver per
// SPEC_FULL's devnull capture/sink stub.
type devnullSource struct {
	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

func (d *devnullSource) Start(onCapture func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopCh = make(chan struct{})
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		silence := make([]byte, audio.ChunkBytes)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				onCapture(silence)
			}
		}
	}()
	return nil
}

func (d *devnullSource) Stop() error {
	d.mu.Lock()
	stopCh, done := d.stopCh, d.done
	d.mu.Unlock()
	if stopCh == nil {
		return nil
	}
	close(stopCh)
	<-done
	return nil
}

// partialChunkSource delivers capture callbacks smaller than
// audio.ChunkBytes, standing in for a real capture driver whose
// hardware buffer size doesn't line up with the pipeline's chunk size.
// It exists to exercise txTask's carry-over of a short ReadCaptureChunk
// read across iterations instead of discarding it.
type partialChunkSource struct {
	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

func (d *partialChunkSource) Start(onCapture func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopCh = make(chan struct{})
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		const partialBytes = audio.ChunkBytes / 4
		chunk := make([]byte, partialBytes)
		ticker := time.NewTicker(4 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				onCapture(chunk)
			}
		}
	}()
	return nil
}

func (d *partialChunkSource) Stop() error {
	d.mu.Lock()
	stopCh, done := d.stopCh, d.done
	d.mu.Unlock()
	if stopCh == nil {
		return nil
	}
	close(stopCh)
	<-done
	return nil
}

// recordingSink counts bytes handed to Play, so a test can confirm
// audio actually reached the far end rather than merely that the call
// reached Streaming.
type recordingSink struct {
	mu          sync.Mutex
	playedBytes int
}

func (s *recordingSink) Start() error { return nil }

func (s *recordingSink) Play(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playedBytes += len(pcm)
	return nil
}

func (s *recordingSink) Stop() error        { return nil }
func (s *recordingSink) SetVolume(v float64) {}

func (s *recordingSink) Bytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playedBytes
}

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

func waitForEngineState(t *testing.T, ep *Endpoint, want call.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ep.Engine().State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, got %s", want, ep.Engine().State())
}

func newServerEndpoint(t *testing.T, port int, autoAnswer bool) *Endpoint {
	t.Helper()
	ep, err := New(Config{ListenPort: port, Call: call.Config{AutoAnswer: autoAnswer}}, &devnullSource{}, audio.NopSink{}, newMemStore())
	require.NoError(t, err)
	require.NoError(t, ep.Run())
	t.Cleanup(func() { ep.Close() })
	return ep
}

func newClientEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	ep, err := New(Config{ClientDial: true}, &devnullSource{}, audio.NopSink{}, newMemStore())
	require.NoError(t, err)
	require.NoError(t, ep.Run())
	t.Cleanup(func() { ep.Close() })
	return ep
}

func TestClientDialsServerAutoAnswerAndReachesStreaming(t *testing.T) {
	// Registered first, so it runs after the endpoints' Close cleanups.
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	port := freePort(t)
	server := newServerEndpoint(t, port, true)
	client := newClientEndpoint(t)

	require.NoError(t, client.ConnectTo("127.0.0.1", port))

	waitForEngineState(t, client, call.Streaming)
	waitForEngineState(t, server, call.Streaming)
}

func TestConnectToDialsOutFromServerConstructedEndpoint(t *testing.T) {
	// Registered first, so it runs after the endpoints' Close cleanups.
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	serverPort := freePort(t)
	server := newServerEndpoint(t, serverPort, true)

	// Neither ClientDial nor any prior connect_to call: this endpoint
	// was constructed to listen, not dial. connect_to must still work,
	// per the original firmware's dynamic client_mode_ switch.
	callerPort := freePort(t)
	caller, err := New(Config{ListenPort: callerPort}, &devnullSource{}, audio.NopSink{}, newMemStore())
	require.NoError(t, err)
	require.NoError(t, caller.Run())
	t.Cleanup(func() { caller.Close() })

	require.NoError(t, caller.ConnectTo("127.0.0.1", serverPort))

	waitForEngineState(t, caller, call.Streaming)
	waitForEngineState(t, server, call.Streaming)
}

func TestTXTaskCarriesOverSubChunkCaptures(t *testing.T) {
	// Registered first, so it runs after the endpoints' Close cleanups.
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	port := freePort(t)
	sink := &recordingSink{}
	server, err := New(Config{ListenPort: port, Call: call.Config{AutoAnswer: true}}, &devnullSource{}, sink, newMemStore())
	require.NoError(t, err)
	require.NoError(t, server.Run())
	t.Cleanup(func() { server.Close() })

	client, err := New(Config{ClientDial: true}, &partialChunkSource{}, audio.NopSink{}, newMemStore())
	require.NoError(t, err)
	require.NoError(t, client.Run())
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.ConnectTo("127.0.0.1", port))
	waitForEngineState(t, client, call.Streaming)
	waitForEngineState(t, server, call.Streaming)

	require.Eventually(t, func() bool {
		return sink.Bytes() > 0
	}, 2*time.Second, 10*time.Millisecond,
		"server should have received played audio despite sub-chunk capture delivery")
}

func TestManualAnswerFlowReachesStreamingThenHangsUp(t *testing.T) {
	// Registered first, so it runs after the endpoints' Close cleanups.
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	port := freePort(t)
	server := newServerEndpoint(t, port, false)
	client := newClientEndpoint(t)

	require.NoError(t, client.ConnectTo("127.0.0.1", port))

	waitForEngineState(t, server, call.Ringing)
	require.NoError(t, server.Answer())

	waitForEngineState(t, client, call.Streaming)
	waitForEngineState(t, server, call.Streaming)

	require.NoError(t, client.Disconnect())
	waitForEngineState(t, client, call.Idle)
	waitForEngineState(t, server, call.Idle)
}

func TestConnectToUnreachableHostReturnsToIdle(t *testing.T) {
	// Registered first, so it runs after the endpoints' Close cleanups.
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	client := newClientEndpoint(t)

	// Port 1 on loopback refuses immediately rather than timing out,
	// giving the same fast-unreachable behavior as an unroutable host
	// without a multi-second test.
	require.NoError(t, client.ConnectTo("127.0.0.1", 1))

	waitForEngineState(t, client, call.Idle)
}

func TestSetVolumePersistsThroughStore(t *testing.T) {
	store := newMemStore()
	ep, err := New(Config{ClientDial: true}, &devnullSource{}, audio.NopSink{}, store)
	require.NoError(t, err)
	require.NoError(t, ep.Run())
	defer ep.Close()

	require.NoError(t, ep.SetVolume(0.25))

	s, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, uint8(25), s.VolumePct)
}

func TestSetAutoAnswerAndAECEnabledPersist(t *testing.T) {
	store := newMemStore()
	ep, err := New(Config{ClientDial: true}, &devnullSource{}, audio.NopSink{}, store)
	require.NoError(t, err)
	require.NoError(t, ep.Run())
	defer ep.Close()

	require.NoError(t, ep.SetAutoAnswer(true))
	require.NoError(t, ep.SetAECEnabled(false))

	s, err := store.Load()
	require.NoError(t, err)
	assert.True(t, s.AutoAnswer())
	assert.False(t, s.AECEnabled())
}

func TestContactCycling(t *testing.T) {
	ep, err := New(Config{ClientDial: true}, &devnullSource{}, audio.NopSink{}, newMemStore())
	require.NoError(t, err)
	require.NoError(t, ep.Run())
	defer ep.Close()

	require.NoError(t, ep.SetContacts("alice@10.0.0.1:6054,bob@10.0.0.2:6054"))

	c, ok := ep.CurrentContact()
	require.True(t, ok)
	assert.Equal(t, "alice", c.Name)

	c, ok = ep.NextContact()
	require.True(t, ok)
	assert.Equal(t, "bob", c.Name)

	c, ok = ep.NextContact()
	require.True(t, ok)
	assert.Equal(t, "alice", c.Name, "cycling wraps around")

	c, ok = ep.PrevContact()
	require.True(t, ok)
	assert.Equal(t, "bob", c.Name)
}

func TestSetMicGainDBRejectsOutOfRange(t *testing.T) {
	ep, err := New(Config{ClientDial: true}, &devnullSource{}, audio.NopSink{}, newMemStore())
	require.NoError(t, err)
	require.NoError(t, ep.Run())
	defer ep.Close()

	assert.Error(t, ep.SetMicGainDB(30))
	assert.NoError(t, ep.SetMicGainDB(6))
}
