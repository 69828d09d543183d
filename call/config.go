package call

import "time"

const (
	// DefaultRingingTimeout bounds how long a call may sit in Ringing or
	// Outgoing before it is abandoned with reason Timeout.
	DefaultRingingTimeout = 30 * time.Second

	// DefaultPingInterval is how often a PING is sent on a connected,
	// non-streaming session to detect a silently dead peer.
	DefaultPingInterval = 5 * time.Second

	// DefaultConnectTimeout bounds the client-dial connect attempt
	// requested by Start in client-dial mode.
	DefaultConnectTimeout = 5 * time.Second
)

// Config configures an Engine at construction. Zero-value durations
// take the package defaults.
type Config struct {
	// AutoAnswer answers inbound calls immediately instead of ringing.
	AutoAnswer bool

	// ClientDial marks this endpoint as the active side: Start also
	// requests an outbound connect rather than waiting passively for an
	// inbound peer.
	ClientDial bool

	// DisplayName is sent as the START payload when dialing out.
	DisplayName string

	RingingTimeout time.Duration
	PingInterval   time.Duration
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RingingTimeout <= 0 {
		c.RingingTimeout = DefaultRingingTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}
