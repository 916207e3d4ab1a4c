package conn

import (
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arqnet/kcp/kcp"
)

// defaultSessionCacheSize bounds the number of live sessions a Listener
// keeps in its LRU session table before it starts evicting the least
// recently touched ones. A session that is evicted while still live is
// closed, not orphaned.
const defaultSessionCacheSize = 4096

// Listener accepts inbound KCP sessions multiplexed over a single UDP
// socket, keyed by remote address.
type Listener struct {
	conn net.PacketConn

	sessions    *lru.Cache
	sessionLock sync.RWMutex

	chAccepts       chan *Session
	chSessionClosed chan net.Addr

	die     chan struct{}
	dieOnce sync.Once

	socketReadError     atomic.Value
	chSocketReadError   chan struct{}
	socketReadErrorOnce sync.Once

	logger *logrus.Logger
}

// Listen starts a Listener on laddr ("udp" network address syntax).
func Listen(laddr string) (*Listener, error) { return ListenWithLogger(laddr, nil) }

// ListenWithLogger starts a Listener on laddr, wiring every accepted
// Session's Control Block logging through logger. A nil logger disables
// logging.
func ListenWithLogger(laddr string, logger *logrus.Logger) (*Listener, error) {
	udpaddr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	pc, err := net.ListenUDP("udp", udpaddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return serveConn(pc, logger)
}

func serveConn(pc net.PacketConn, logger *logrus.Logger) (*Listener, error) {
	l := new(Listener)
	l.conn = pc
	l.logger = logger
	l.chAccepts = make(chan *Session, acceptBacklog)
	l.chSessionClosed = make(chan net.Addr)
	l.die = make(chan struct{})
	l.chSocketReadError = make(chan struct{})

	sessions, err := lru.NewWithEvict(defaultSessionCacheSize, l.onEvicted)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	l.sessions = sessions

	go l.monitor()
	return l, nil
}

// onEvicted runs synchronously inside sessionLock, on whichever goroutine's
// Add or Remove triggered the eviction. It must not call back into
// CloseSession: Session.Close does exactly that, and sessionLock is not
// reentrant, so the closing happens on its own goroutine instead.
func (l *Listener) onEvicted(_ interface{}, value interface{}) {
	if sess, ok := value.(*Session); ok {
		go sess.Close()
	}
}

// packetInput demultiplexes an inbound datagram by remote address and
// conversation id, replacing a stale session (peer reconnected with a new
// conv, signalled by sn == 0) and accepting brand new ones.
func (l *Listener) packetInput(data []byte, remoteAddr net.Addr) {
	if len(data) < kcp.Overhead() {
		return
	}

	key := remoteAddr.String()
	l.sessionLock.RLock()
	cached, ok := l.sessions.Get(key)
	l.sessionLock.RUnlock()

	var sess *Session
	if ok {
		sess = cached.(*Session)
	}

	conv := kcp.PeekConv(data)
	sn := binary.LittleEndian.Uint32(data[snOffset:])

	if sess != nil {
		if conv == sess.Conv() {
			sess.PacketInput(data)
			return
		}
		if sn == 0 {
			// peer has reconnected with a fresh conversation id; the old
			// session for this address is stale.
			sess.Close()
			sess = nil
		} else {
			return
		}
	}

	select {
	case <-l.die:
		return
	default:
	}
	if len(l.chAccepts) >= cap(l.chAccepts) {
		return
	}

	sess = NewSession(conv, l, l.conn, false, remoteAddr, l.logger)
	sess.PacketInput(data)

	l.sessionLock.Lock()
	l.sessions.Add(key, sess)
	l.sessionLock.Unlock()

	l.chAccepts <- sess
}

// snOffset is the byte offset of the sn field within a segment header:
// conv(4) cmd(1) frg(1) wnd(2) ts(4) sn(4)...
const snOffset = 4 + 1 + 1 + 2 + 4

func (l *Listener) notifyReadError(err error) {
	l.socketReadErrorOnce.Do(func() {
		l.socketReadError.Store(err)
		close(l.chSocketReadError)

		l.sessionLock.RLock()
		for _, key := range l.sessions.Keys() {
			if v, ok := l.sessions.Peek(key); ok {
				v.(*Session).NotifyReadError(err)
			}
		}
		l.sessionLock.RUnlock()
	})
}

// Accept waits for and returns the next session accepted from the
// listener, as a net.Conn.
func (l *Listener) Accept() (net.Conn, error) { return l.AcceptSession() }

// AcceptSession waits for and returns the next session as its concrete
// type.
func (l *Listener) AcceptSession() (*Session, error) {
	select {
	case c := <-l.chAccepts:
		return c, nil
	case <-l.chSocketReadError:
		return nil, l.socketReadError.Load().(error)
	case <-l.die:
		return nil, errors.WithStack(ErrClosed)
	}
}

// Close stops accepting new sessions and closes the underlying socket.
// Sessions already accepted share that socket: the resulting read error is
// passed on to each of them, and their writes fail from then on.
func (l *Listener) Close() error {
	var once bool
	l.dieOnce.Do(func() {
		close(l.die)
		once = true
	})
	if !once {
		return errors.WithStack(ErrClosed)
	}
	return l.conn.Close()
}

// CloseSession notifies the Listener that the session for remote has
// closed, dropping it from the session table. It returns false if remote
// had no tracked session.
func (l *Listener) CloseSession(remote net.Addr) bool {
	l.sessionLock.Lock()
	defer l.sessionLock.Unlock()
	key := remote.String()
	if !l.sessions.Contains(key) {
		return false
	}
	l.sessions.Remove(key)
	return true
}

// Addr returns the listener's local network address.
func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

func (l *Listener) monitor() {
	buf := make([]byte, mtuLimit)
	for {
		n, remoteAddr, err := l.conn.ReadFrom(buf)
		if err != nil {
			l.notifyReadError(errors.WithStack(err))
			return
		}
		l.packetInput(buf[:n], remoteAddr)
	}
}
