package kcp

import "encoding/binary"

// segment is the unit of wire transfer. Header layout, little-endian:
//
//	conv(4) cmd(1) frg(1) wnd(2) ts(4) sn(4) una(4) len(4) data(len)
type segment struct {
	conv uint32
	cmd  uint8
	frg  uint8
	wnd  uint16
	ts   uint32
	sn   uint32
	una  uint32
	data []byte

	// send-side bookkeeping; meaningless for a decoded inbound segment.
	rto      uint32
	xmit     uint32
	resendts uint32
	fastack  uint32
}

// encode writes the header and payload to ptr, returning the unused tail.
func (seg *segment) encode(ptr []byte) []byte {
	ptr = encode32u(ptr, seg.conv)
	ptr = encode8u(ptr, seg.cmd)
	ptr = encode8u(ptr, seg.frg)
	ptr = encode16u(ptr, seg.wnd)
	ptr = encode32u(ptr, seg.ts)
	ptr = encode32u(ptr, seg.sn)
	ptr = encode32u(ptr, seg.una)
	ptr = encode32u(ptr, uint32(len(seg.data)))
	n := copy(ptr, seg.data)
	return ptr[n:]
}

func encode8u(p []byte, c uint8) []byte {
	p[0] = c
	return p[1:]
}

func decode8u(p []byte, c *uint8) []byte {
	*c = p[0]
	return p[1:]
}

func encode16u(p []byte, w uint16) []byte {
	binary.LittleEndian.PutUint16(p, w)
	return p[2:]
}

func decode16u(p []byte, w *uint16) []byte {
	*w = binary.LittleEndian.Uint16(p)
	return p[2:]
}

func encode32u(p []byte, l uint32) []byte {
	binary.LittleEndian.PutUint32(p, l)
	return p[4:]
}

func decode32u(p []byte, l *uint32) []byte {
	*l = binary.LittleEndian.Uint32(p)
	return p[4:]
}

// itimediff performs the signed 32-bit wrap-around subtraction that every
// sn/ts comparison in this package relies on.
func itimediff(later, earlier uint32) int32 {
	return int32(later - earlier)
}

func imin(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func imax(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func ibound(lower, middle, upper uint32) uint32 {
	return imin(imax(lower, middle), upper)
}

// PeekConv decodes the first 4 bytes of a datagram as a conversation id,
// for demultiplexing before a Control Block exists.
func PeekConv(data []byte) uint32 {
	var conv uint32
	decode32u(data, &conv)
	return conv
}
