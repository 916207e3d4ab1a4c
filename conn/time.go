package conn

import "time"

// refTime anchors currentMs so Control Block timestamps are a monotonic
// millisecond counter since process start rather than wall-clock time,
// which can jump backwards under NTP adjustment.
var refTime = time.Now()

// currentMs returns milliseconds elapsed since process start, wrapping
// per uint32 arithmetic the same way the wire format's ts field does.
func currentMs() uint32 { return uint32(time.Since(refTime) / time.Millisecond) }
