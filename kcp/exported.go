package kcp

// Overhead returns the fixed per-segment header size in bytes.
func Overhead() int { return overhead }

// DefaultSndWnd returns the default send window size, in segments, that
// NewKCP starts a Control Block with.
func DefaultSndWnd() uint32 { return wndSnd }

// DeadLinkState returns the sentinel State() reports once a segment has
// exhausted its transmission budget.
func DeadLinkState() uint32 { return deadLinkState }
