package conn

import "sync"

// mtuLimit bounds any datagram this package will ever read from or write
// to the wire, regardless of what a Session's Control Block is configured
// to use as its mtu.
const mtuLimit = 1500

// acceptBacklog is the depth of a Listener's pending-Accept queue.
const acceptBacklog = 128

// xmitBuf pools the byte slices backing outgoing ipv4.Message buffers,
// shared across every Session so bursts of small writes don't churn the
// allocator.
var xmitBuf = sync.Pool{
	New: func() interface{} {
		return make([]byte, mtuLimit)
	},
}
