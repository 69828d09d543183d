// Package peer implements PeerLink: the one-peer TCP transport that
// CallEngine drives. A Link listens for or dials exactly one
// PeerSession at a time, serializes all outbound sends through a
// single mutex, and closes sockets via a lock-free atomic swap so no
// two tasks ever race to close the same file descriptor.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/wire"
)

const (
	// recvBufferSize and sendBufferSize enlarge the OS socket buffers
	// to absorb bursts, per spec.md §4.3 ("≥32 kB").
	recvBufferSize = 32 * 1024
	sendBufferSize = 32 * 1024

	// sendBudget bounds how long Send retries a partial write before
	// giving up without closing the socket.
	sendBudget = 20 * time.Millisecond

	// sendAttemptSlice bounds a single write attempt's deadline, the
	// write-side counterpart of wire's read attemptSlice.
	sendAttemptSlice = 5 * time.Millisecond

	// connectTimeout is the default wall-clock budget for Connect.
	connectTimeout = 5 * time.Second
)

// Link is a one-peer TCP endpoint. The zero value is not usable; use
// New.
type Link struct {
	listener net.Listener

	active sync.Map // holds at most one *Session under key "active"

	sendMu sync.Mutex
}

// New creates an unbound Link. Call Listen or Connect to establish a
// role.
func New() *Link {
	return &Link{}
}

// Listen binds a non-blocking listening socket on port with
// SO_REUSEADDR set, per spec.md §4.3. Go's net package does not expose
// an explicit backlog parameter; the OS default backlog is used, which
// is acceptable for a single-peer endpoint that only ever expects one
// pending connection at a time.
func (l *Link) Listen(port int) error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("peer: listen on port %d: %w", port, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"port":     port,
	}).Info("peer link listening")

	l.listener = ln
	return nil
}

// Accept waits for and returns the next inbound connection as a
// Session. If a Session already exists, per spec.md §4.5's accept
// policy the caller is expected to have already verified this state;
// Accept itself additionally refuses at the transport level by
// responding ERROR{BUSY} and closing any connection that lands while
// one is active, matching spec.md §3's "accept/connect is refused when
// one exists" invariant.
func (l *Link) Accept() (*Session, error) {
	if l.listener == nil {
		return nil, errors.New("peer: Listen was not called")
	}

	conn, err := l.listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, fmt.Errorf("peer: accept: %w", err)
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, errors.New("peer: accepted non-TCP connection")
	}

	if l.hasActive() {
		logrus.WithFields(logrus.Fields{
			"function": "Accept",
			"addr":     conn.RemoteAddr().String(),
		}).Warn("rejecting inbound peer: session already active")
		l.rejectBusy(tcpConn)
		return nil, ErrBusy
	}

	if err := configureSocket(tcpConn); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Accept",
			"error":    err.Error(),
		}).Warn("failed to tune accepted socket, continuing anyway")
	}

	session := newSession(tcpConn, conn.RemoteAddr().String())
	l.active.Store("active", session)

	logrus.WithFields(logrus.Fields{
		"function":   "Accept",
		"session_id": session.ID(),
		"addr":       session.Addr(),
	}).Info("accepted new peer session")

	return session, nil
}

// Connect dials host:port with a non-blocking connect and a wall-clock
// timeout, per spec.md §4.3's connect semantics. Go's net.DialTimeout
// already implements non-blocking-connect-then-poll-for-writability
// internally; this wraps it with the spec's Busy/Unreachable
// classification.
func (l *Link) Connect(host string, port int, timeout time.Duration) (*Session, error) {
	if l.hasActive() {
		return nil, ErrBusy
	}
	if timeout <= 0 {
		timeout = connectTimeout
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Connect",
			"addr":     addr,
			"error":    err.Error(),
		}).Warn("connect failed")
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("%w: dialed non-TCP connection", ErrUnreachable)
	}

	if err := configureSocket(tcpConn); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Connect",
			"error":    err.Error(),
		}).Warn("failed to tune dialed socket, continuing anyway")
	}

	session := newSession(tcpConn, addr)
	l.active.Store("active", session)

	logrus.WithFields(logrus.Fields{
		"function":   "Connect",
		"session_id": session.ID(),
		"addr":       addr,
	}).Info("connected to peer")

	return session, nil
}

// Send serializes this call with every other sender (control and
// audio) behind a single mutex, so whole frames never interleave on
// the socket and leave in the order their senders acquire the mutex
// (each frame is encoded into its own buffer before the mutex is
// taken). Partial writes retry within sendBudget; exceeding the
// budget returns ErrSendTimeout without closing the socket — the
// caller decides what to do next, per spec.md §4.3.
func (l *Link) Send(s *Session, msgType wire.MessageType, flags byte, payload []byte) error {
	conn := s.socket()
	if conn == nil {
		return ErrClosed
	}

	frame, err := wire.Encode(msgType, flags, payload)
	if err != nil {
		return fmt.Errorf("peer: encode: %w", err)
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	// Re-check after acquiring the mutex: Close may have swapped the
	// socket to nil while we were waiting.
	conn = s.socket()
	if conn == nil {
		return ErrClosed
	}

	if err := writeExact(conn, frame, sendBudget); err != nil {
		if errors.Is(err, errSendIncomplete) {
			return ErrSendTimeout
		}
		return fmt.Errorf("peer: send: %w", err)
	}
	return nil
}

// Recv reads exactly one frame from s's socket, applying the protocol
// codec's own retry-budget and classifying the result per spec.md §7.
func (l *Link) Recv(s *Session) (wire.Frame, error) {
	conn := s.socket()
	if conn == nil {
		return wire.Frame{}, ErrClosed
	}

	frame, err := wire.DecodeStream(conn)
	if err != nil {
		return wire.Frame{}, err
	}
	return frame, nil
}

// Close implements the lock-free close pattern from spec.md §4.3:
// atomically swap the socket to none, attempt a best-effort STOP send
// on the old handle, shut down both directions, then close. Any task
// that observes the swap-to-none afterward fails fast instead of
// racing another closer.
func (l *Link) Close(s *Session) {
	old := s.conn.Swap(nil)
	if old == nil {
		return // already closed by another caller
	}

	s.streaming.Store(false)
	l.active.Delete("active")

	frame, err := wire.Encode(wire.Stop, 0, nil)
	if err == nil {
		_ = old.SetWriteDeadline(time.Now().Add(sendAttemptSlice))
		_, _ = old.Write(frame) // best-effort; errors suppressed once streaming is cleared
	}

	_ = old.CloseWrite()
	_ = old.CloseRead()
	_ = old.Close()

	logrus.WithFields(logrus.Fields{
		"function":   "Close",
		"session_id": s.ID(),
		"addr":       s.Addr(),
	}).Info("peer session closed")
}

// Shutdown closes the listening socket. It does not touch any active
// session.
func (l *Link) Shutdown() error {
	if l.listener == nil {
		return nil
	}
	return l.listener.Close()
}

func (l *Link) hasActive() bool {
	_, ok := l.active.Load("active")
	return ok
}

// rejectBusy replies ERROR{BUSY} on a freshly accepted connection that
// cannot be admitted because a session is already active, then closes
// it, per spec.md §4.5's accept policy and §7's Busy disposition.
func (l *Link) rejectBusy(conn *net.TCPConn) {
	frame, err := wire.Encode(wire.Error, 0, []byte{byte(wire.ReasonBusy)})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(sendAttemptSlice))
		_, _ = conn.Write(frame)
	}
	_ = conn.Close()
}

// configureSocket applies the spec's per-connection tuning: disable
// Nagle's algorithm and enlarge the send/receive buffers to absorb
// audio-frame bursts.
func configureSocket(conn *net.TCPConn) error {
	if err := conn.SetNoDelay(true); err != nil {
		return fmt.Errorf("set no delay: %w", err)
	}
	if err := conn.SetReadBuffer(recvBufferSize); err != nil {
		return fmt.Errorf("set read buffer: %w", err)
	}
	if err := conn.SetWriteBuffer(sendBufferSize); err != nil {
		return fmt.Errorf("set write buffer: %w", err)
	}
	return nil
}

// errSendIncomplete is returned internally by writeExact on budget
// exhaustion; Send translates it to the exported ErrSendTimeout.
var errSendIncomplete = errors.New("peer: write budget exhausted")

// writeExact loops over conn.Write until all of data has been written,
// retrying transient timeouts within budget and resetting the budget on
// any progress — the write-side mirror of wire.readExact.
func writeExact(conn *net.TCPConn, data []byte, budget time.Duration) error {
	giveUpAt := time.Now().Add(budget)
	written := 0
	for written < len(data) {
		_ = conn.SetWriteDeadline(time.Now().Add(sendAttemptSlice))
		n, err := conn.Write(data[written:])
		if n > 0 {
			written += n
			giveUpAt = time.Now().Add(budget)
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if time.Now().After(giveUpAt) {
					return errSendIncomplete
				}
				continue
			}
			return err
		}
	}
	return nil
}
