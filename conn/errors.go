package conn

import "github.com/pkg/errors"

var (
	// ErrTimeout is returned by Read/Write when a deadline set with
	// SetDeadline/SetReadDeadline/SetWriteDeadline has elapsed.
	ErrTimeout = errors.New("i/o timeout")

	// ErrClosed is returned by Read/Write on a closed Session, by
	// Accept/AcceptSession on a closed Listener, and by a repeated Close.
	ErrClosed = errors.New("use of closed connection")
)
