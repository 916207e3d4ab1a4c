// Package kcp implements the control-block engine of a reliable, ordered,
// connection-oriented transport protocol carried over an unreliable
// datagram substrate. It reimplements the well-known KCP ARQ protocol:
// fragmentation, in-order delivery with retransmission, fast retransmit on
// duplicate ACKs, selective-acknowledgement-driven buffer reclamation,
// window-based flow control and a simple AIMD congestion controller.
//
// The datagram substrate itself, address demultiplexing, and any scheduler
// driving Update are outside this package; see package conn for a
// reference collaborator built on top of KCP.
package kcp

import "container/list"

// ackItem is a pending acknowledgement record awaiting the next Flush.
type ackItem struct {
	sn uint32
	ts uint32
}

// Output is the callback a Control Block invokes synchronously from Flush
// whenever it has an encoded datagram ready for the wire. Its return value
// is ignored except for logging.
type Output func(buf []byte, size int, cb *KCP, user interface{}) int

// KCP is a single control block: all per-connection ARQ state for one
// (local endpoint, remote peer, conversation id) triple. A KCP value is not
// safe for concurrent use; all of Send, Recv, Input, Update and Flush must
// be externally serialized by the caller. Distinct KCP values are fully
// independent and may run on separate goroutines concurrently.
type KCP struct {
	conv uint32

	sndUNA uint32
	sndNxt uint32
	rcvNxt uint32

	sndWnd uint32
	rcvWnd uint32
	rmtWnd uint32
	cwnd   uint32
	incr   uint32

	ssthresh uint32

	mtu uint32
	mss uint32

	rxSrtt   int32
	rxRttval int32
	rxRto    uint32
	rxMinrto uint32

	interval uint32
	current  uint32
	tsFlush  uint32
	updated  bool

	probe     uint32
	tsProbe   uint32
	probeWait uint32

	nodelay    int
	fastresend int32
	fastlimit  int32
	nocwnd     bool
	stream     bool

	fastackConserve bool

	deadLink uint32
	xmit     uint32
	state    uint32

	logMask  uint32
	writeLog LogWriter

	output Output
	// User is opaque caller state handed back unchanged to Output; the
	// collaborator owns its meaning, the Control Block never inspects it.
	User interface{}

	buffer []byte

	sndQueue *list.List // application segments awaiting sn assignment
	sndBuf   *list.List // in-flight segments, ordered ascending by sn
	rcvBuf   *list.List // out-of-order inbound segments, ordered by sn
	rcvQueue *list.List // in-order segments ready for delivery

	acklist []ackItem
}

// NewKCP creates a Control Block for conversation id conv with all defaults
// from the protocol specification. The output callback must be registered
// separately with SetOutput before Flush can do anything useful.
func NewKCP(conv uint32) *KCP {
	kcp := &KCP{
		conv:      conv,
		sndWnd:    wndSnd,
		rcvWnd:    wndRcv,
		rmtWnd:    wndRcv,
		mtu:       mtuDef,
		mss:       mtuDef - overhead,
		rxRto:     rtoDef,
		rxMinrto:  rtoMin,
		interval:  interval,
		tsFlush:   interval,
		ssthresh:  threshInit,
		deadLink:  deadlink,
		fastlimit: fastackLimitDef,
		buffer:    make([]byte, (mtuDef+overhead)*3),
		sndQueue:  list.New(),
		sndBuf:    list.New(),
		rcvBuf:    list.New(),
		rcvQueue:  list.New(),
	}
	return kcp
}

// Release drains and frees every segment held by the Control Block. The
// KCP value must not be used again afterwards.
func (kcp *KCP) Release() {
	drain := func(l *list.List) {
		for e := l.Front(); e != nil; e = e.Next() {
			putBuf(e.Value.(*segment).data)
		}
		l.Init()
	}
	drain(kcp.sndQueue)
	drain(kcp.sndBuf)
	drain(kcp.rcvBuf)
	drain(kcp.rcvQueue)
	kcp.acklist = nil
	kcp.buffer = nil
}

// SetOutput registers the callback invoked by Flush with an encoded byte
// buffer and its length. There is exactly one callback per Control Block;
// calling SetOutput again replaces it.
func (kcp *KCP) SetOutput(output Output) { kcp.output = output }

// SetMtu changes the maximum transmission unit, default 1400. It returns 0
// on success, or -1 if mtu is smaller than 50 or than the 24-byte header.
func (kcp *KCP) SetMtu(mtu int) int {
	if mtu < 50 || mtu < overhead {
		return -1
	}
	buffer := make([]byte, (mtu+overhead)*3)
	kcp.buffer = buffer
	kcp.mtu = uint32(mtu)
	kcp.mss = kcp.mtu - overhead
	return 0
}

// SetWndSize sets the local send and receive window sizes, in segments. A
// non-positive argument leaves the corresponding window unchanged; the
// receive window is always raised to at least wndRcv (128), since it must
// be able to hold the largest legal fragment count of any message.
func (kcp *KCP) SetWndSize(snd, rcv int) {
	if snd > 0 {
		kcp.sndWnd = uint32(snd)
	}
	if rcv > 0 {
		r := uint32(rcv)
		if r < wndRcv {
			r = wndRcv
		}
		kcp.rcvWnd = r
	}
}

// SetNodelay configures the nodelay/interval/fast-resend/congestion-window
// knobs in one call. A negative argument leaves the corresponding setting
// unchanged. nodelay is 0 (disabled), 1, or 2 (more aggressive RTO growth);
// resend is the fast-resend duplicate-ACK threshold (0 disables fast
// retransmit); nc disables the congestion window when non-zero.
func (kcp *KCP) SetNodelay(nodelay, intervalMs, resend, nc int) int {
	if nodelay >= 0 {
		kcp.nodelay = nodelay
		if nodelay != 0 {
			kcp.rxMinrto = rtoNodelay
		} else {
			kcp.rxMinrto = rtoMin
		}
	}
	if intervalMs >= 0 {
		if intervalMs > 5000 {
			intervalMs = 5000
		} else if intervalMs < 10 {
			intervalMs = 10
		}
		kcp.interval = uint32(intervalMs)
	}
	if resend >= 0 {
		kcp.fastresend = int32(resend)
	}
	if nc >= 0 {
		kcp.nocwnd = nc != 0
	}
	return 0
}

// SetFastLimit sets the maximum number of fast retransmits applied to a
// single segment; n <= 0 removes the limit. Default is 5.
func (kcp *KCP) SetFastLimit(n int) { kcp.fastlimit = int32(n) }

// SetFastackConserve toggles the upstream IKCP_FASTACK_CONSERVE behaviour:
// when enabled, a duplicate-ACK fastack bump additionally requires the
// ACK's timestamp to be at or after the segment's own send timestamp.
// Default is disabled, matching upstream's default build.
func (kcp *KCP) SetFastackConserve(enable bool) { kcp.fastackConserve = enable }

// SetStreamMode toggles stream mode: when enabled, Send merges new bytes
// into the tail of snd_queue instead of always starting a fresh fragment
// group, and every fragment is emitted with frg=0.
func (kcp *KCP) SetStreamMode(enable bool) { kcp.stream = enable }

// Conv returns the conversation id.
func (kcp *KCP) Conv() uint32 { return kcp.conv }

// State returns 0 under normal operation, or the dead-link sentinel
// 0xFFFFFFFF once some segment has reached its transmission limit.
// Teardown on a dead link is the collaborator's responsibility.
func (kcp *KCP) State() uint32 { return kcp.state }

// RemoteWindow returns the last window size advertised by the peer.
func (kcp *KCP) RemoteWindow() uint32 { return kcp.rmtWnd }

// Mtu returns the configured maximum transmission unit.
func (kcp *KCP) Mtu() uint32 { return kcp.mtu }

// WaitSnd reports how many segments are queued or in flight, unacknowledged.
func (kcp *KCP) WaitSnd() int { return kcp.sndBuf.Len() + kcp.sndQueue.Len() }

// Send submits application bytes for delivery. It fragments buffer into
// mss-sized segments (merging into the pending tail segment first when
// stream mode is on) and appends them to snd_queue; no I/O happens until
// the next Flush. It returns the number of bytes accepted, or -2 if
// fragmentation would require wndRcv (128) or more fragments.
func (kcp *KCP) Send(buffer []byte) int {
	if len(buffer) == 0 {
		return 0
	}
	total := len(buffer)
	data := buffer

	if kcp.stream {
		if e := kcp.sndQueue.Back(); e != nil {
			tail := e.Value.(*segment)
			if len(tail.data) < int(kcp.mss) {
				capacity := int(kcp.mss) - len(tail.data)
				extend := capacity
				if len(data) < capacity {
					extend = len(data)
				}
				oldLen := len(tail.data)
				tail.data = tail.data[:oldLen+extend]
				copy(tail.data[oldLen:], data[:extend])
				data = data[extend:]
			}
		}
		if len(data) == 0 {
			return total
		}
	}

	var count int
	if len(data) <= int(kcp.mss) {
		count = 1
	} else {
		count = (len(data) + int(kcp.mss) - 1) / int(kcp.mss)
	}
	if count >= wndRcv {
		return -2
	}

	for i := 0; i < count; i++ {
		size := len(data)
		if size > int(kcp.mss) {
			size = int(kcp.mss)
		}
		seg := &segment{data: getBuf(size)}
		copy(seg.data, data[:size])
		if !kcp.stream {
			seg.frg = uint8(count - i - 1)
		}
		kcp.sndQueue.PushBack(seg)
		data = data[size:]
	}
	kcp.logf(LogSend, "send %d bytes in %d fragment(s)", total, count)
	return total
}

// PeekSize returns the byte length of the next fully-reassembled message
// at the head of rcv_queue, or -1 if the queue is empty or that message's
// final fragment (frg=0) has not arrived yet.
func (kcp *KCP) PeekSize() int {
	e := kcp.rcvQueue.Front()
	if e == nil {
		return -1
	}
	head := e.Value.(*segment)
	if head.frg == 0 {
		return len(head.data)
	}
	if kcp.rcvQueue.Len() < int(head.frg)+1 {
		return -1
	}
	length := 0
	for el := kcp.rcvQueue.Front(); el != nil; el = el.Next() {
		s := el.Value.(*segment)
		length += len(s.data)
		if s.frg == 0 {
			break
		}
	}
	return length
}

// Recv delivers the next complete message into buffer, consuming it from
// rcv_queue. It returns the message length, -1 if nothing is ready, -2 if
// the head message is still incomplete, or -3 if buffer is too small.
func (kcp *KCP) Recv(buffer []byte) int { return kcp.recv(buffer, false) }

// RecvPeek behaves like Recv but leaves the message in rcv_queue, so a
// subsequent Recv (or RecvPeek) observes the same data again.
func (kcp *KCP) RecvPeek(buffer []byte) int { return kcp.recv(buffer, true) }

func (kcp *KCP) recv(buffer []byte, peek bool) int {
	if kcp.rcvQueue.Len() == 0 {
		return -1
	}
	peeksize := kcp.PeekSize()
	if peeksize < 0 {
		return -2
	}
	if peeksize > len(buffer) {
		return -3
	}

	fastRecover := kcp.rcvQueue.Len() >= int(kcp.rcvWnd)

	n := 0
	var next *list.Element
	for e := kcp.rcvQueue.Front(); e != nil; e = next {
		next = e.Next()
		seg := e.Value.(*segment)
		n += copy(buffer[n:], seg.data)
		last := seg.frg == 0
		if !peek {
			kcp.rcvQueue.Remove(e)
			putBuf(seg.data)
		}
		if last {
			break
		}
	}

	if !peek {
		var nextB *list.Element
		for e := kcp.rcvBuf.Front(); e != nil; e = nextB {
			seg := e.Value.(*segment)
			if seg.sn == kcp.rcvNxt && kcp.rcvQueue.Len() < int(kcp.rcvWnd) {
				nextB = e.Next()
				kcp.rcvBuf.Remove(e)
				kcp.rcvQueue.PushBack(seg)
				kcp.rcvNxt++
			} else {
				break
			}
		}

		if kcp.rcvQueue.Len() < int(kcp.rcvWnd) && fastRecover {
			kcp.probe |= askTell
		}
	}

	kcp.logf(LogRecv, "recv %d bytes peek=%v", n, peek)
	return n
}

func (kcp *KCP) shrinkBuf() {
	if e := kcp.sndBuf.Front(); e != nil {
		kcp.sndUNA = e.Value.(*segment).sn
	} else {
		kcp.sndUNA = kcp.sndNxt
	}
}

// parseUNA drops every snd_buf segment the peer has cumulatively
// acknowledged (sn < una).
func (kcp *KCP) parseUNA(una uint32) int {
	count := 0
	var next *list.Element
	for e := kcp.sndBuf.Front(); e != nil; e = next {
		seg := e.Value.(*segment)
		if itimediff(una, seg.sn) <= 0 {
			break
		}
		next = e.Next()
		putBuf(seg.data)
		kcp.sndBuf.Remove(e)
		count++
	}
	return count
}

// parseAck removes the single snd_buf segment matching sn, selectively
// acknowledged.
func (kcp *KCP) parseAck(sn uint32) {
	if itimediff(sn, kcp.sndUNA) < 0 || itimediff(sn, kcp.sndNxt) >= 0 {
		return
	}
	for e := kcp.sndBuf.Front(); e != nil; e = e.Next() {
		seg := e.Value.(*segment)
		if sn == seg.sn {
			putBuf(seg.data)
			kcp.sndBuf.Remove(e)
			break
		}
		if itimediff(sn, seg.sn) < 0 {
			break
		}
	}
}

// parseFastack bumps the duplicate-ACK counter of every snd_buf segment
// preceding sn, for the fast-retransmit heuristic in Flush.
func (kcp *KCP) parseFastack(sn, ts uint32) {
	if itimediff(sn, kcp.sndUNA) < 0 || itimediff(sn, kcp.sndNxt) >= 0 {
		return
	}
	for e := kcp.sndBuf.Front(); e != nil; e = e.Next() {
		seg := e.Value.(*segment)
		if itimediff(sn, seg.sn) < 0 {
			break
		}
		if sn == seg.sn {
			continue
		}
		if kcp.fastackConserve {
			if itimediff(ts, seg.ts) >= 0 {
				seg.fastack++
			}
		} else {
			seg.fastack++
		}
	}
}

func (kcp *KCP) ackPush(sn, ts uint32) {
	kcp.acklist = append(kcp.acklist, ackItem{sn: sn, ts: ts})
}

// parseData inserts an inbound PUSH segment into rcv_buf in sn order,
// rejecting duplicates, then drains every now-contiguous run at the head
// of rcv_buf into rcv_queue. It returns true if the segment was dropped,
// either as a duplicate or because seg.sn lies outside the receive window.
func (kcp *KCP) parseData(seg *segment) bool {
	sn := seg.sn
	if itimediff(sn, kcp.rcvNxt+kcp.rcvWnd) >= 0 || itimediff(sn, kcp.rcvNxt) < 0 {
		putBuf(seg.data)
		return true
	}

	var insertAfter *list.Element
	repeat := false
	for e := kcp.rcvBuf.Back(); e != nil; e = e.Prev() {
		s := e.Value.(*segment)
		if s.sn == sn {
			repeat = true
			break
		}
		if itimediff(sn, s.sn) > 0 {
			insertAfter = e
			break
		}
	}

	if repeat {
		putBuf(seg.data)
	} else if insertAfter != nil {
		kcp.rcvBuf.InsertAfter(seg, insertAfter)
	} else {
		kcp.rcvBuf.PushFront(seg)
	}

	var next *list.Element
	for e := kcp.rcvBuf.Front(); e != nil; e = next {
		s := e.Value.(*segment)
		if s.sn == kcp.rcvNxt && kcp.rcvQueue.Len() < int(kcp.rcvWnd) {
			next = e.Next()
			kcp.rcvBuf.Remove(e)
			kcp.rcvQueue.PushBack(s)
			kcp.rcvNxt++
		} else {
			break
		}
	}
	return repeat
}

// updateRTT folds one round-trip sample into the smoothed RTT estimator
// and recomputes the retransmission timeout, per RFC 6298's SRTT/RTTVAR
// recurrence.
func (kcp *KCP) updateRTT(rtt int32) {
	if kcp.rxSrtt == 0 {
		kcp.rxSrtt = rtt
		kcp.rxRttval = rtt / 2
	} else {
		delta := rtt - kcp.rxSrtt
		if delta < 0 {
			delta = -delta
		}
		kcp.rxRttval = (3*kcp.rxRttval + delta) / 4
		kcp.rxSrtt = (7*kcp.rxSrtt + rtt) / 8
		if kcp.rxSrtt < 1 {
			kcp.rxSrtt = 1
		}
	}
	rto := uint32(kcp.rxSrtt) + imax(kcp.interval, uint32(kcp.rxRttval)*4)
	kcp.rxRto = ibound(kcp.rxMinrto, rto, rtoMax)
}

// Input decodes and dispatches every segment packed into data. size must be
// at least overhead (24) bytes. Malformed input aborts processing of the
// current datagram but leaves the Control Block in a usable state.
func (kcp *KCP) Input(data []byte) int {
	if len(data) < overhead {
		return -1
	}
	kcp.logf(LogInput, "input %d bytes", len(data))

	sndUNABefore := kcp.sndUNA
	var sawAck bool
	var maxack, maxackTs uint32

	for len(data) >= overhead {
		var conv, ts, sn, una, length uint32
		var wnd uint16
		var cmd, frg uint8

		data = decode32u(data, &conv)
		if conv != kcp.conv {
			return -1
		}
		data = decode8u(data, &cmd)
		data = decode8u(data, &frg)
		data = decode16u(data, &wnd)
		data = decode32u(data, &ts)
		data = decode32u(data, &sn)
		data = decode32u(data, &una)
		data = decode32u(data, &length)
		if uint32(len(data)) < length {
			return -2
		}
		if cmd != cmdPush && cmd != cmdAck && cmd != cmdWask && cmd != cmdWins {
			return -3
		}

		kcp.rmtWnd = uint32(wnd)
		kcp.parseUNA(una)
		kcp.shrinkBuf()

		switch cmd {
		case cmdAck:
			if itimediff(kcp.current, ts) >= 0 {
				kcp.updateRTT(itimediff(kcp.current, ts))
			}
			kcp.parseAck(sn)
			kcp.shrinkBuf()
			kcp.logf(LogInAck, "input ack sn=%d ts=%d", sn, ts)
			if !sawAck {
				sawAck = true
				maxack, maxackTs = sn, ts
			} else if itimediff(sn, maxack) > 0 {
				if kcp.fastackConserve {
					if itimediff(ts, maxackTs) > 0 {
						maxack, maxackTs = sn, ts
					}
				} else {
					maxack, maxackTs = sn, ts
				}
			}
		case cmdPush:
			kcp.logf(LogInData, "input push sn=%d len=%d", sn, length)
			if itimediff(sn, kcp.rcvNxt+kcp.rcvWnd) < 0 {
				kcp.ackPush(sn, ts)
				if itimediff(sn, kcp.rcvNxt) >= 0 {
					seg := &segment{conv: conv, cmd: cmd, frg: frg, wnd: wnd, ts: ts, sn: sn, una: una}
					seg.data = getBuf(int(length))
					copy(seg.data, data[:length])
					kcp.parseData(seg)
				}
			}
		case cmdWask:
			kcp.logf(LogInProbe, "input probe")
			kcp.probe |= askTell
		case cmdWins:
			kcp.logf(LogInWins, "input wins wnd=%d", wnd)
		}

		data = data[length:]
	}

	if sawAck {
		kcp.parseFastack(maxack, maxackTs)
	}

	if itimediff(kcp.sndUNA, sndUNABefore) > 0 && kcp.cwnd < kcp.rmtWnd {
		if kcp.cwnd < kcp.ssthresh {
			kcp.cwnd++
			kcp.incr += kcp.mss
		} else {
			if kcp.incr < kcp.mss {
				kcp.incr = kcp.mss
			}
			kcp.incr += kcp.mss*kcp.mss/kcp.incr + kcp.mss/16
			if (kcp.cwnd+1)*kcp.mss <= kcp.incr {
				kcp.cwnd = (kcp.incr + kcp.mss - 1) / kcp.mss
			}
		}
		if kcp.cwnd > kcp.rmtWnd {
			kcp.cwnd = kcp.rmtWnd
			kcp.incr = kcp.rmtWnd * kcp.mss
		}
	}
	return 0
}

func (kcp *KCP) wndUnused() uint16 {
	if kcp.rcvQueue.Len() < int(kcp.rcvWnd) {
		return uint16(int(kcp.rcvWnd) - kcp.rcvQueue.Len())
	}
	return 0
}

// Flush emits pending ACKs, window probes, and due (re)transmissions as a
// sequence of datagrams, each at most mtu bytes, via the registered
// Output. It is a no-op until Update has been called at least once, and
// returns the recommended next-wakeup interval in milliseconds.
func (kcp *KCP) Flush() uint32 {
	if !kcp.updated {
		return kcp.interval
	}

	var tmpl segment
	tmpl.conv = kcp.conv
	tmpl.cmd = cmdAck
	tmpl.wnd = kcp.wndUnused()
	tmpl.una = kcp.rcvNxt

	buffer := kcp.buffer
	ptr := buffer

	emit := func(size int) {
		if kcp.output != nil {
			kcp.output(buffer[:size], size, kcp, kcp.User)
			kcp.logf(LogOutput, "output %d bytes", size)
		}
	}
	makeSpace := func(space int) {
		size := len(buffer) - len(ptr)
		if size+space > int(kcp.mtu) {
			emit(size)
			ptr = buffer
		}
	}
	flushBuffer := func() {
		size := len(buffer) - len(ptr)
		if size > 0 {
			emit(size)
		}
	}

	// 1. pending acknowledgements
	for i, ack := range kcp.acklist {
		makeSpace(overhead)
		if itimediff(ack.sn, kcp.rcvNxt) >= 0 || i == len(kcp.acklist)-1 {
			tmpl.sn, tmpl.ts = ack.sn, ack.ts
			kcp.logf(LogOutAck, "output ack sn=%d", tmpl.sn)
			ptr = tmpl.encode(ptr)
		}
	}
	kcp.acklist = kcp.acklist[:0]

	// 2. window probing
	if kcp.rmtWnd == 0 {
		if kcp.probeWait == 0 {
			kcp.probeWait = probeInit
			kcp.tsProbe = kcp.current + kcp.probeWait
		} else if itimediff(kcp.current, kcp.tsProbe) >= 0 {
			if kcp.probeWait < probeInit {
				kcp.probeWait = probeInit
			}
			kcp.probeWait += kcp.probeWait / 2
			if kcp.probeWait > probeLimit {
				kcp.probeWait = probeLimit
			}
			kcp.tsProbe = kcp.current + kcp.probeWait
			kcp.probe |= askSend
		}
	} else {
		kcp.tsProbe = 0
		kcp.probeWait = 0
	}

	// 3/4. control segments
	if kcp.probe&askSend != 0 {
		tmpl.cmd = cmdWask
		makeSpace(overhead)
		kcp.logf(LogOutProbe, "output wask")
		ptr = tmpl.encode(ptr)
	}
	if kcp.probe&askTell != 0 {
		tmpl.cmd = cmdWins
		makeSpace(overhead)
		kcp.logf(LogOutWins, "output wins wnd=%d", tmpl.wnd)
		ptr = tmpl.encode(ptr)
	}
	kcp.probe = 0

	// 5. promote snd_queue -> snd_buf under the effective congestion window
	effCwnd := imin(kcp.sndWnd, kcp.rmtWnd)
	if !kcp.nocwnd {
		effCwnd = imin(kcp.cwnd, effCwnd)
	}

	var next *list.Element
	for e := kcp.sndQueue.Front(); e != nil; e = next {
		if itimediff(kcp.sndNxt, kcp.sndUNA+effCwnd) >= 0 {
			break
		}
		next = e.Next()
		seg := e.Value.(*segment)
		seg.conv = kcp.conv
		seg.cmd = cmdPush
		seg.wnd = tmpl.wnd
		seg.una = tmpl.una
		seg.sn = kcp.sndNxt
		seg.ts = kcp.current
		seg.resendts = kcp.current
		seg.rto = kcp.rxRto
		seg.fastack = 0
		seg.xmit = 0
		kcp.sndQueue.Remove(e)
		kcp.sndBuf.PushBack(seg)
		kcp.sndNxt++
	}

	// 6. walk snd_buf: first send, timeout retransmit, or fast retransmit
	var change, lost int
	minrto := int32(kcp.interval)

	var rtomin uint32
	if kcp.nodelay == 0 {
		rtomin = kcp.rxRto >> 3
	}

	for e := kcp.sndBuf.Front(); e != nil; e = e.Next() {
		seg := e.Value.(*segment)
		needsend := false

		switch {
		case seg.xmit == 0:
			needsend = true
			seg.rto = kcp.rxRto
			seg.resendts = kcp.current + seg.rto + rtomin
		case itimediff(kcp.current, seg.resendts) >= 0:
			needsend = true
			switch {
			case kcp.nodelay == 0:
				seg.rto += imax(seg.rto, kcp.rxRto)
			case kcp.nodelay == 1:
				seg.rto += seg.rto / 2
			default:
				seg.rto += kcp.rxRto / 2
			}
			seg.resendts = kcp.current + seg.rto
			lost++
		case kcp.fastresend > 0 && seg.fastack >= uint32(kcp.fastresend) &&
			(kcp.fastlimit <= 0 || int32(seg.xmit) <= kcp.fastlimit):
			needsend = true
			seg.fastack = 0
			seg.resendts = kcp.current + seg.rto
			change++
		}

		if needsend {
			seg.xmit++
			kcp.xmit++
			seg.ts = kcp.current
			seg.wnd = tmpl.wnd
			seg.una = tmpl.una

			makeSpace(overhead + len(seg.data))
			ptr = seg.encode(ptr)
			kcp.logf(LogOutData, "output push sn=%d xmit=%d", seg.sn, seg.xmit)

			if seg.xmit >= kcp.deadLink {
				kcp.state = deadLinkState
			}
		}

		if rto := itimediff(seg.resendts, kcp.current); rto > 0 && rto < minrto {
			minrto = rto
		}
	}

	// 7. flush remaining partial datagram
	flushBuffer()

	// 8. fast-retransmit congestion response
	if change > 0 {
		inflight := kcp.sndNxt - kcp.sndUNA
		kcp.ssthresh = imax(inflight/2, threshMin)
		kcp.cwnd = kcp.ssthresh + uint32(change)
		kcp.incr = kcp.cwnd * kcp.mss
	}

	// 9. timeout congestion response
	if lost > 0 {
		kcp.ssthresh = imax(kcp.cwnd/2, threshMin)
		kcp.cwnd = 1
		kcp.incr = kcp.mss
	}

	// 10. floor
	if kcp.cwnd < 1 {
		kcp.cwnd = 1
		kcp.incr = kcp.mss
	}

	return uint32(minrto)
}

// Update drives the Control Block's clock. Call it repeatedly (every
// 10-100ms, or per the schedule Check recommends) with the current
// monotonic millisecond timestamp; it stores it and, once the flush
// cadence has elapsed, calls Flush.
func (kcp *KCP) Update(now uint32) {
	kcp.current = now
	if !kcp.updated {
		kcp.updated = true
		kcp.tsFlush = kcp.current
	}

	slap := itimediff(kcp.current, kcp.tsFlush)
	if slap >= 10000 || slap < -10000 {
		kcp.tsFlush = kcp.current
		slap = 0
	}

	if slap >= 0 {
		kcp.tsFlush += kcp.interval
		if itimediff(kcp.current, kcp.tsFlush) >= 0 {
			kcp.tsFlush = kcp.current + kcp.interval
		}
		kcp.Flush()
	}
}

// Check reports when the caller should next invoke Update, given no
// further Send/Input calls in the meantime: the earlier of the next flush
// deadline and the nearest pending retransmission, clipped to interval. It
// returns now immediately if a retransmission is already due.
func (kcp *KCP) Check(now uint32) uint32 {
	if !kcp.updated {
		return now
	}

	tsFlush := kcp.tsFlush
	if itimediff(now, tsFlush) >= 10000 || itimediff(now, tsFlush) < -10000 {
		tsFlush = now
	}
	if itimediff(now, tsFlush) >= 0 {
		return now
	}

	tmFlush := itimediff(tsFlush, now)
	tmPacket := int32(0x7fffffff)
	for e := kcp.sndBuf.Front(); e != nil; e = e.Next() {
		seg := e.Value.(*segment)
		diff := itimediff(seg.resendts, now)
		if diff <= 0 {
			return now
		}
		if diff < tmPacket {
			tmPacket = diff
		}
	}

	minimal := tmPacket
	if tmPacket >= tmFlush {
		minimal = tmFlush
	}
	if uint32(minimal) >= kcp.interval {
		minimal = int32(kcp.interval)
	}
	return now + uint32(minimal)
}
