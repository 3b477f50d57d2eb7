/*Package comm provides connection makers, a connection pool, and embeddable
io wrappers for communication with lab hardware.

Most usages of this package will boil down to:
	1.  pick a CreationFunc for the transport (BackingOffTCPConnMaker for a
		socket, SerialConnMaker for RS232, or any closure returning an
		io.ReadWriteCloser, e.g. a USBTMC device)
	2.  make a Pool around it with NewPool
	3.  Get a connection, wrap it with NewTerminator and NewTimeout,
		and ReturnWithError it when done

A minimal example for an instrument that answers "*IDN?" over TCP:

	maker := comm.BackingOffTCPConnMaker("192.168.1.70:5555", time.Second)
	pool := comm.NewPool(1, time.Minute, maker)
	conn, err := pool.Get()
	if err != nil {
		return "", err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	wrap := comm.NewTerminator(conn, '\n', '\n')
	_, err = io.WriteString(wrap, "*IDN?")
	...
*/
package comm

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when a nil connection is used
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// BackingOffTCPConnMaker returns a CreationFunc that dials addr with an
// exponential backoff.  Connection refused is treated as permanent, since the
// instrument is there and said no; anything else (usually a timeout while the
// remote is still releasing the previous socket) is retried for a few seconds.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var (
			conn    net.Conn
			refused error
		)
		op := func() error {
			var err error
			conn, err = net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "refused") {
					refused = err
					return nil
				}
				return err
			}
			return nil
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 25 * time.Millisecond
		b.RandomizationFactor = 0.
		b.Multiplier = 2.
		b.MaxInterval = 1 * time.Second
		b.MaxElapsedTime = 3 * time.Second
		err := backoff.Retry(op, b)
		if refused != nil {
			return nil, refused
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc that opens the serial port described by conf
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}
