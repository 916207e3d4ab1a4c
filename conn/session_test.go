package conn

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEchoOverListener(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		sess, err := l.AcceptSession()
		if err != nil {
			return
		}
		sess.SetNoDelay(1, 10, 2, 1)
		buf := make([]byte, 256)
		n, err := sess.Read(buf)
		if err != nil {
			return
		}
		sess.Write(buf[:n])
	}()

	client, err := Dial(l.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	client.SetNoDelay(1, 10, 2, 1)

	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestReadDeadlineExpires(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	client, err := Dial(l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	buf := make([]byte, 16)
	_, err = client.Read(buf)
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	client, err := Dial("127.0.0.1:1")
	require.NoError(t, err)
	require.NoError(t, client.Close())
	require.Error(t, client.Close())
}
