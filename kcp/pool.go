package kcp

import "sync"

// maxPoolBuf bounds the pooled payload buffers; it only needs to be large
// enough for any mtu a caller is realistically going to configure via
// SetMtu, since segment payloads never exceed mss = mtu - overhead.
const maxPoolBuf = 65536

// xmitBuf is a system-wide pool of payload buffers shared across every
// Control Block, mitigating high-frequency allocation on the hot path of
// fragmentation and reassembly.
var xmitBuf = sync.Pool{
	New: func() interface{} {
		return make([]byte, maxPoolBuf)
	},
}

// getBuf returns a buffer of exactly size bytes, drawn from the pool when
// size fits a pooled buffer and freshly allocated otherwise -- SetMtu has
// no upper bound, so a caller-chosen mss can exceed maxPoolBuf.
func getBuf(size int) []byte {
	b := xmitBuf.Get().([]byte)
	if size > len(b) {
		xmitBuf.Put(b)
		return make([]byte, size)
	}
	return b[:size]
}

// putBuf returns b to the pool, unless it's an oversized buffer getBuf
// allocated outside the pool -- pooling those would ratchet the pool's
// buffers up to whatever the largest mtu ever configured was.
func putBuf(b []byte) {
	if cap(b) > 0 && cap(b) <= maxPoolBuf {
		xmitBuf.Put(b[:cap(b)])
	}
}
