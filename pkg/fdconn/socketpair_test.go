package fdconn

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// socketpair creates a connected pair of unix-domain datagram sockets for
// tests, wrapped as *net.UnixConn so Send/Recv can be exercised directly.
func socketpair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, nil, err
	}

	connFromFD := func(fd int) (*net.UnixConn, error) {
		f := os.NewFile(uintptr(fd), "socketpair")
		c, err := net.FileConn(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		f.Close()
		return c.(*net.UnixConn), nil
	}

	a, err := connFromFD(fds[0])
	if err != nil {
		return nil, nil, err
	}
	b, err := connFromFD(fds[1])
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}
