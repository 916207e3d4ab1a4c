// Command kcpecho runs a small echo server and client over a KCP session,
// for manual testing and as a usage example of package conn.
package main

import (
	"flag"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arqnet/kcp/conn"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:12345", "address to listen on / dial")
	mode := flag.String("mode", "server", "server, client, or both")
	nodelay := flag.Int("nodelay", 1, "kcp nodelay mode (0, 1, or 2)")
	interval := flag.Int("interval", 20, "kcp flush interval, in milliseconds")
	resend := flag.Int("resend", 2, "fast-resend duplicate-ACK threshold, 0 disables")
	stream := flag.Bool("stream", false, "enable stream mode")
	verbose := flag.Bool("verbose", false, "log every datagram the server sends and receives")
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	switch *mode {
	case "server":
		runServer(*addr, logger, *nodelay, *interval, *resend, *stream)
	case "client":
		runClient(*addr, logger, *nodelay, *interval, *resend, *stream)
	case "both":
		go runServer(*addr, logger, *nodelay, *interval, *resend, *stream)
		time.Sleep(200 * time.Millisecond)
		runClient(*addr, logger, *nodelay, *interval, *resend, *stream)
	default:
		logger.Fatalf("unknown mode %q", *mode)
	}
}

func runServer(addr string, logger *logrus.Logger, nodelay, interval, resend int, stream bool) {
	l, err := conn.ListenWithLogger(addr, logger)
	if err != nil {
		logger.Fatal(err)
	}
	logger.Infof("listening on %s", l.Addr())

	for {
		sess, err := l.AcceptSession()
		if err != nil {
			logger.WithError(err).Error("accept failed")
			return
		}
		sess.SetNoDelay(nodelay, interval, resend, 1)
		sess.SetStreamMode(stream)
		go handleEcho(sess, logger)
	}
}

func handleEcho(sess *conn.Session, logger *logrus.Logger) {
	buf := make([]byte, 4096)
	for {
		n, err := sess.Read(buf)
		if err != nil {
			logger.WithError(err).WithField("conv", sess.Conv()).Info("session closed")
			return
		}
		if _, err := sess.Write(buf[:n]); err != nil {
			logger.WithError(err).Error("write failed")
			return
		}
	}
}

func runClient(addr string, logger *logrus.Logger, nodelay, interval, resend int, stream bool) {
	sess, err := conn.Dial(addr)
	if err != nil {
		logger.Fatal(err)
	}
	sess.SetNoDelay(nodelay, interval, resend, 1)
	sess.SetStreamMode(stream)

	for {
		msg := time.Now().String()
		logger.Infof("sent: %s", msg)
		if _, err := sess.Write([]byte(msg)); err != nil {
			logger.Fatal(err)
		}

		buf := make([]byte, len(msg))
		if _, err := io.ReadFull(sess, buf); err != nil {
			logger.Fatal(err)
		}
		logger.Infof("recv: %s", string(buf))
		time.Sleep(time.Second)
	}
}
