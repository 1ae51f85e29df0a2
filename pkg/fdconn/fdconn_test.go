package fdconn

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func unixSocketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	a, b, err := socketpair()
	require.NoError(t, err)
	return a, b
}

func TestSendRecvNoFDs(t *testing.T) {
	a, b := unixSocketPair(t)
	defer a.Close()
	defer b.Close()

	_, err := Send(a, []byte("hello"), nil)
	require.NoError(t, err)

	buf, fds, err := Recv(b, 1024, time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
	require.Empty(t, fds)
}

func TestSendRecvWithFD(t *testing.T) {
	a, b := unixSocketPair(t)
	defer a.Close()
	defer b.Close()

	tmp, err := os.CreateTemp("", "fdconn-test-*")
	require.NoError(t, err)
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	_, err = tmp.WriteString("payload")
	require.NoError(t, err)

	_, err = Send(a, []byte("with-fd"), []int{int(tmp.Fd())})
	require.NoError(t, err)

	buf, fds, err := Recv(b, 1024, time.Second)
	require.NoError(t, err)
	require.Equal(t, "with-fd", string(buf))
	require.Len(t, fds, 1)
	defer CloseAll(fds)

	f := os.NewFile(uintptr(fds[0]), "received")
	data := make([]byte, 7)
	n, err := f.ReadAt(data, 0)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data[:n]))
}

func TestRecvDeadlineExceeded(t *testing.T) {
	_, b := unixSocketPair(t)
	defer b.Close()

	_, _, err := Recv(b, 1024, 50*time.Millisecond)
	require.Error(t, err)
}
