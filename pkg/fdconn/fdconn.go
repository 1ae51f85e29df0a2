// Package fdconn sends and receives open file descriptors across a unix
// domain socket using SCM_RIGHTS ancillary data. It is the mechanism by
// which a worker hands a listening socket, a pipe, or a plain file to a
// peer process without either side re-opening it.
package fdconn

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wrpc/wrpc/pkg/errors"
)

// maxFDs sizes the ancillary-data buffer of a single Recv. Descriptors
// beyond this many in one message do not fit and are not returned; Recv
// does not report the truncation.
const maxFDs = 16

// Send writes buf as the regular payload of a unix-domain datagram, with fds
// attached as SCM_RIGHTS ancillary data. The receiving end (Recv) must read
// the message in one shot to pick up the descriptors.
func Send(c *net.UnixConn, buf []byte, fds []int) (int, error) {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	n, oobn, err := c.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return n, errors.NewIOError("writing fd-bearing message", err)
	}
	if n != len(buf) || oobn != len(oob) {
		return n, errors.NewIOError("short write of fd-bearing message", nil)
	}
	return n, nil
}

// Recv reads one fd-bearing message in a single read, waiting for data
// until deadline elapses (0 means no deadline); it does not retry a short
// read. Only unix.SCM_RIGHTS control
// messages are honored; anything else found in the ancillary buffer is
// ignored.
func Recv(c *net.UnixConn, maxBytes int, deadline time.Duration) (buf []byte, fds []int, err error) {
	if deadline > 0 {
		if err := c.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return nil, nil, errors.NewIOError("setting read deadline", err)
		}
		defer c.SetReadDeadline(time.Time{})
	}

	data := make([]byte, maxBytes)
	oob := make([]byte, unix.CmsgSpace(maxFDs*4))

	n, oobn, _, _, rErr := c.ReadMsgUnix(data, oob)
	if rErr != nil {
		return nil, nil, errors.NewIOError("reading fd-bearing message", rErr)
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return data[:n], nil, errors.NewProtocolError("parsing socket control message", err)
	}

	for _, scm := range scms {
		if scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		received, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return data[:n], fds, errors.NewProtocolError("parsing unix rights", err)
		}
		fds = append(fds, received...)
	}

	return data[:n], fds, nil
}

// CloseAll closes every descriptor in fds, ignoring individual close
// errors. Used when a caller decodes descriptors
// it ultimately does not use.
func CloseAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
