package comm

import (
	"errors"
	"io"
	"time"
)

// deadliner is satisfied by net.Conn and net.Pipe
type deadliner interface {
	SetDeadline(time.Time) error
}

// Terminator wraps an io.ReadWriter, appending Tx to every Write and reading
// byte-wise until Rx on every Read.  The terminator is stripped from what Read
// returns.
//
// Reads are unbuffered on purpose: the connection goes back to a pool
// afterwards, and anything read past the terminator would be lost.
type Terminator struct {
	rw     io.ReadWriter
	rx, tx byte
}

// NewTerminator wraps rw with the given receive and transmit terminators
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, rx: rx, tx: tx}
}

// Write sends b followed by the transmit terminator.  The returned count does
// not include the terminator.
func (t *Terminator) Write(b []byte) (int, error) {
	buf := make([]byte, len(b), len(b)+1)
	copy(buf, b)
	buf = append(buf, t.tx)
	n, err := t.rw.Write(buf)
	if n > len(b) {
		n = len(b)
	}
	return n, err
}

// Read fills p up to the receive terminator.  If p fills before the terminator
// arrives, ErrTerminatorNotFound is returned with the partial data.
func (t *Terminator) Read(p []byte) (int, error) {
	var (
		one = make([]byte, 1)
		n   int
	)
	for n < len(p) {
		m, err := t.rw.Read(one)
		if m == 1 {
			if one[0] == t.rx {
				return n, nil
			}
			p[n] = one[0]
			n++
		}
		if err != nil {
			if err == io.EOF && n > 0 {
				return n, ErrTerminatorNotFound
			}
			return n, err
		}
	}
	return n, ErrTerminatorNotFound
}

// SetDeadline forwards to the wrapped ReadWriter if it supports deadlines
func (t *Terminator) SetDeadline(tm time.Time) error {
	if d, ok := t.rw.(deadliner); ok {
		return d.SetDeadline(tm)
	}
	return nil
}

// Timeout wraps an io.ReadWriter, refreshing its deadline before every
// Read and Write
type Timeout struct {
	rw      io.ReadWriter
	timeout time.Duration
}

// NewTimeout wraps rw so each call must complete within timeout.  If rw does
// not support deadlines (USB, serial ports with their own timeouts) it is
// returned unchanged.
func NewTimeout(rw io.ReadWriter, timeout time.Duration) (io.ReadWriter, error) {
	if timeout <= 0 {
		return nil, errors.New("comm: timeout must be positive")
	}
	if _, ok := rw.(deadliner); !ok {
		return rw, nil
	}
	return &Timeout{rw: rw, timeout: timeout}, nil
}

// Read implements io.Reader
func (t *Timeout) Read(p []byte) (int, error) {
	t.rw.(deadliner).SetDeadline(time.Now().Add(t.timeout))
	return t.rw.Read(p)
}

// Write implements io.Writer
func (t *Timeout) Write(p []byte) (int, error) {
	t.rw.(deadliner).SetDeadline(time.Now().Add(t.timeout))
	return t.rw.Write(p)
}
