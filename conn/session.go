// Package conn is a reference net.Conn/net.Listener collaborator for the
// kcp package: it demultiplexes UDP datagrams onto Control Blocks,
// schedules their update ticks, and turns Send/Recv into blocking,
// deadline-aware Read/Write calls.
package conn

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/arqnet/kcp/kcp"
	"github.com/arqnet/kcp/sched"
)

var scheduler = sched.System

// ListenerI is the subset of Listener a Session needs in order to detach
// itself on Close. It lets a Session depend on that one method rather than
// on Listener's concrete type.
type ListenerI interface {
	CloseSession(remote net.Addr) bool
}

// Session implements net.Conn over a Control Block. The zero value is not
// usable; construct one with NewSession or Dial.
type Session struct {
	conn    net.PacketConn
	ownConn bool
	xconn   *ipv4.PacketConn // non-nil when conn is a *net.UDPConn over IPv4, enabling WriteBatch
	kcp     *kcp.KCP
	l       ListenerI

	recvbuf []byte
	bufptr  []byte

	remote net.Addr
	rd     time.Time
	wd     time.Time

	die     chan struct{}
	dieOnce sync.Once

	chReadEvent  chan struct{}
	chWriteEvent chan struct{}

	socketReadError      atomic.Value
	socketWriteError     atomic.Value
	chSocketReadError    chan struct{}
	chSocketWriteError   chan struct{}
	socketReadErrorOnce  sync.Once
	socketWriteErrorOnce sync.Once

	txqueue []ipv4.Message

	logger *logrus.Logger

	mu sync.Mutex
}

// Dial establishes a client Session talking to raddr over a freshly
// allocated UDP socket, with a randomly generated conversation id.
func Dial(raddr string) (*Session, error) {
	udpaddr, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	network := "udp4"
	if udpaddr.IP.To4() == nil {
		network = "udp"
	}

	pc, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var convid uint32
	if err := binary.Read(rand.Reader, binary.LittleEndian, &convid); err != nil {
		return nil, errors.WithStack(err)
	}
	return NewSession(convid, nil, pc, true, udpaddr, nil), nil
}

// NewSession wraps conn in a Control Block and starts its reader (for
// client sessions, l == nil) and its self-scheduled update loop. logger
// may be nil, in which case logging is disabled.
func NewSession(conv uint32, l ListenerI, pc net.PacketConn, ownConn bool, remote net.Addr, logger *logrus.Logger) *Session {
	sess := new(Session)
	sess.die = make(chan struct{})
	sess.chReadEvent = make(chan struct{}, 1)
	sess.chWriteEvent = make(chan struct{}, 1)
	sess.chSocketReadError = make(chan struct{})
	sess.chSocketWriteError = make(chan struct{})
	sess.remote = remote
	sess.conn = pc
	sess.ownConn = ownConn
	sess.l = l
	sess.logger = logger
	sess.recvbuf = make([]byte, mtuLimit)

	if udpConn, ok := pc.(*net.UDPConn); ok {
		if addr, err := net.ResolveUDPAddr("udp", udpConn.LocalAddr().String()); err == nil && addr.IP.To4() != nil {
			sess.xconn = ipv4.NewPacketConn(udpConn)
		}
	}

	sess.kcp = kcp.NewKCP(conv)
	sess.kcp.SetOutput(func(buf []byte, size int, _ *kcp.KCP, _ interface{}) int {
		sess.output(buf[:size])
		return 0
	})
	if logger != nil {
		sess.kcp.SetLogMask(kcp.LogOutput|kcp.LogInput, func(cb *kcp.KCP, msg string) {
			logger.WithField("conv", cb.Conv()).Debug(msg)
		})
	}

	if sess.l == nil { // client connection: nobody else reads this socket
		go sess.readLoop()
	}

	scheduleUpdate(sess)
	return sess
}

// Read implements net.Conn.
func (s *Session) Read(b []byte) (n int, err error) {
	for {
		s.mu.Lock()
		if len(s.bufptr) > 0 {
			n = copy(b, s.bufptr)
			s.bufptr = s.bufptr[n:]
			s.mu.Unlock()
			return n, nil
		}

		if size := s.kcp.PeekSize(); size > 0 {
			if len(b) >= size {
				s.kcp.Recv(b)
				s.mu.Unlock()
				return size, nil
			}

			if cap(s.recvbuf) < size {
				s.recvbuf = make([]byte, size)
			}
			s.recvbuf = s.recvbuf[:size]
			s.kcp.Recv(s.recvbuf)
			n = copy(b, s.recvbuf)
			s.bufptr = s.recvbuf[n:]
			s.mu.Unlock()
			return n, nil
		}

		var timeout *time.Timer
		var c <-chan time.Time
		if !s.rd.IsZero() {
			if time.Now().After(s.rd) {
				s.mu.Unlock()
				return 0, errors.WithStack(ErrTimeout)
			}
			timeout = time.NewTimer(time.Until(s.rd))
			c = timeout.C
		}
		s.mu.Unlock()

		select {
		case <-s.chReadEvent:
			if timeout != nil {
				timeout.Stop()
			}
		case <-c:
			return 0, errors.WithStack(ErrTimeout)
		case <-s.chSocketReadError:
			return 0, s.socketReadError.Load().(error)
		case <-s.die:
			return 0, errors.WithStack(ErrClosed)
		}
	}
}

// Write implements net.Conn.
func (s *Session) Write(b []byte) (n int, err error) { return s.WriteBuffers([][]byte{b}) }

// WriteBuffers writes a vector of byte slices as a single logical message
// stream, blocking until the send/receive window has room or a deadline
// or error interrupts it.
func (s *Session) WriteBuffers(v [][]byte) (n int, err error) {
	for {
		select {
		case <-s.chSocketWriteError:
			return 0, s.socketWriteError.Load().(error)
		case <-s.die:
			return 0, errors.WithStack(ErrClosed)
		default:
		}

		s.mu.Lock()

		waitsnd := s.kcp.WaitSnd()
		if waitsnd < int(kcp.DefaultSndWnd()) && uint32(waitsnd) < s.kcp.RemoteWindow() {
			for _, buf := range v {
				n += len(buf)
				mss := int(s.kcp.Mtu()) - kcp.Overhead()
				for len(buf) > 0 {
					chunk := buf
					if len(chunk) > mss {
						chunk = buf[:mss]
					}
					s.kcp.Send(chunk)
					buf = buf[len(chunk):]
				}
			}

			waitsnd = s.kcp.WaitSnd()
			if waitsnd >= int(kcp.DefaultSndWnd()) || uint32(waitsnd) >= s.kcp.RemoteWindow() {
				s.kcp.Flush()
				s.uncork()
			}
			s.mu.Unlock()
			return n, nil
		}

		var timeout *time.Timer
		var c <-chan time.Time
		if !s.wd.IsZero() {
			if time.Now().After(s.wd) {
				s.mu.Unlock()
				return 0, errors.WithStack(ErrTimeout)
			}
			timeout = time.NewTimer(time.Until(s.wd))
			c = timeout.C
		}
		s.mu.Unlock()

		select {
		case <-s.chWriteEvent:
			if timeout != nil {
				timeout.Stop()
			}
		case <-c:
			return 0, errors.WithStack(ErrTimeout)
		case <-s.chSocketWriteError:
			return 0, s.socketWriteError.Load().(error)
		case <-s.die:
			return 0, errors.WithStack(ErrClosed)
		}
	}
}

func (s *Session) uncork() {
	if len(s.txqueue) > 0 {
		s.tx(s.txqueue)
		for k := range s.txqueue {
			xmitBuf.Put(s.txqueue[k].Buffers[0])
			s.txqueue[k].Buffers = nil
		}
		s.txqueue = s.txqueue[:0]
	}
}

// Close flushes any pending output, releases the Control Block, and tears
// down the session. Close is idempotent.
func (s *Session) Close() error {
	var once bool
	s.dieOnce.Do(func() {
		close(s.die)
		once = true
	})

	if !once {
		return errors.WithStack(ErrClosed)
	}

	s.mu.Lock()
	s.kcp.Flush()
	s.uncork()
	s.kcp.Release()
	s.mu.Unlock()

	if s.l != nil {
		s.l.CloseSession(s.remote)
		return nil
	}
	if s.ownConn {
		return s.conn.Close()
	}
	return nil
}

// LocalAddr returns the local network address.
func (s *Session) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// RemoteAddr returns the remote network address.
func (s *Session) RemoteAddr() net.Addr { return s.remote }

// SetDeadline implements net.Conn.
func (s *Session) SetDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rd, s.wd = t, t
	s.notifyReadEvent()
	s.notifyWriteEvent()
	return nil
}

// SetReadDeadline implements net.Conn.
func (s *Session) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rd = t
	s.notifyReadEvent()
	return nil
}

// SetWriteDeadline implements net.Conn.
func (s *Session) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wd = t
	s.notifyWriteEvent()
	return nil
}

// SetStreamMode toggles whether small writes are merged into the pending
// tail segment instead of always starting a new fragment group.
func (s *Session) SetStreamMode(enable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kcp.SetStreamMode(enable)
}

// SetWindowSize sets the local send/receive window sizes, in segments.
func (s *Session) SetWindowSize(sndwnd, rcvwnd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kcp.SetWndSize(sndwnd, rcvwnd)
}

// SetMtu sets the maximum transmission unit, not including the UDP
// header. It has no effect if mtu exceeds mtuLimit.
func (s *Session) SetMtu(mtu int) bool {
	if mtu > mtuLimit {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kcp.SetMtu(mtu) == 0
}

// SetNoDelay configures the nodelay/interval/fast-resend/no-congestion-
// window knobs of the underlying Control Block.
func (s *Session) SetNoDelay(nodelay, interval, resend, nc int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kcp.SetNodelay(nodelay, interval, resend, nc)
}

// WaitSnd reports how many segments are queued or unacknowledged.
func (s *Session) WaitSnd() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kcp.WaitSnd()
}

// Conv returns the session's conversation id.
func (s *Session) Conv() uint32 { return s.kcp.Conv() }

func (s *Session) output(buf []byte) {
	bts := xmitBuf.Get().([]byte)[:len(buf)]
	copy(bts, buf)
	s.txqueue = append(s.txqueue, ipv4.Message{Buffers: [][]byte{bts}, Addr: s.remote})
}

// update advances the Control Block's clock by one tick, reschedules
// itself for whenever Check says is next due, and tears the session down
// if the Control Block has declared the link dead.
func (s *Session) update() {
	select {
	case <-s.die:
		return
	default:
	}

	s.mu.Lock()
	now := currentMs()
	s.kcp.Update(now)
	next := s.kcp.Check(now)
	dead := s.kcp.State() == kcp.DeadLinkState()
	waitsnd := s.kcp.WaitSnd()
	if waitsnd < int(kcp.DefaultSndWnd()) && uint32(waitsnd) < s.kcp.RemoteWindow() {
		s.notifyWriteEvent()
	}
	s.uncork()
	s.mu.Unlock()

	if dead {
		s.Close()
		return
	}

	interval := next - now
	if interval == 0 {
		interval = 1
	}
	scheduler.Put(s.update, time.Now().Add(time.Duration(interval)*time.Millisecond))
}

func (s *Session) notifyReadEvent() {
	select {
	case s.chReadEvent <- struct{}{}:
	default:
	}
}

func (s *Session) notifyWriteEvent() {
	select {
	case s.chWriteEvent <- struct{}{}:
	default:
	}
}

// NotifyReadError propagates a socket-level read error to every blocked
// Read call. It is exported so a Listener can fan a shared socket's error
// out to every Session it owns.
func (s *Session) NotifyReadError(err error) {
	s.socketReadErrorOnce.Do(func() {
		s.socketReadError.Store(err)
		close(s.chSocketReadError)
	})
}

func (s *Session) notifyWriteError(err error) {
	s.socketWriteErrorOnce.Do(func() {
		s.socketWriteError.Store(err)
		close(s.chSocketWriteError)
	})
}

// PacketInput feeds one inbound datagram, already addressed to this
// session, into its Control Block.
func (s *Session) PacketInput(data []byte) {
	if len(data) < kcp.Overhead() {
		return
	}
	s.mu.Lock()
	s.kcp.Input(data)
	if n := s.kcp.PeekSize(); n > 0 {
		s.notifyReadEvent()
	}
	waitsnd := s.kcp.WaitSnd()
	if waitsnd < int(kcp.DefaultSndWnd()) && uint32(waitsnd) < s.kcp.RemoteWindow() {
		s.notifyWriteEvent()
	}
	s.uncork()
	s.mu.Unlock()
}

// tx flushes txqueue to the wire, batching the syscall via WriteBatch when
// the underlying socket is a *net.UDPConn over IPv4 (sendmmsg on Linux),
// falling back to one WriteTo per packet otherwise.
func (s *Session) tx(txqueue []ipv4.Message) {
	if s.xconn != nil {
		msgs := txqueue
		for len(msgs) > 0 {
			n, err := s.xconn.WriteBatch(msgs, 0)
			if err != nil {
				s.notifyWriteError(errors.WithStack(err))
				return
			}
			if n <= 0 {
				break
			}
			msgs = msgs[n:]
		}
		return
	}

	for k := range txqueue {
		if _, err := s.conn.WriteTo(txqueue[k].Buffers[0], txqueue[k].Addr); err != nil {
			s.notifyWriteError(errors.WithStack(err))
			return
		}
	}
}

func (s *Session) readLoop() {
	buf := make([]byte, mtuLimit)
	var src string
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			s.NotifyReadError(errors.WithStack(err))
			return
		}
		if src == "" {
			src = addr.String()
		} else if addr.String() != src {
			continue
		}
		s.PacketInput(buf[:n])
	}
}

func scheduleUpdate(s *Session) {
	scheduler.Put(s.update, time.Now())
}
