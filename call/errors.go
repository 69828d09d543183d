package call

import "errors"

// ErrInvalidCommand is returned when a command is issued in a state
// that does not permit it (e.g. answer() outside Ringing).
var ErrInvalidCommand = errors.New("call: command not valid in current state")
