package kcp

// Protocol commands, window-probe flags and tuning defaults, all bit-exact
// with the upstream KCP wire format.
const (
	cmdPush = 81 // data push
	cmdAck  = 82 // acknowledge
	cmdWask = 83 // window probe: ask
	cmdWins = 84 // window probe: tell

	askSend = 1 // need to send cmdWask
	askTell = 2 // need to send cmdWins

	wndSnd = 32  // default send window, in segments
	wndRcv = 128 // default receive window, in segments; also max legal frg+1

	mtuDef   = 1400
	overhead = 24

	interval = 100 // default flush cadence, ms

	deadlink = 20 // max transmissions before a segment declares the link dead

	rtoNodelay = 30 // rx_minrto under nodelay>=1
	rtoMin     = 100
	rtoDef     = 200
	rtoMax     = 60000

	threshInit = 2
	threshMin  = 2

	probeInit  = 7000   // 7s to first window probe
	probeLimit = 120000 // up to 120s between probes

	fastackLimitDef = 5 // default max fast-retransmits per segment

	deadLinkState = 0xFFFFFFFF // sentinel written to state on dead link
)
