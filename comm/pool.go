package comm

import (
	"io"
	"sync"
	"time"
)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
//
// A pool of size 1 is the usual case for SCPI instruments, which keep their
// state (e.g. the waveform read window) per instrument and not per socket.
type Pool struct {
	timeout time.Duration           // time after all conns are returned to free them
	leases  chan struct{}           // one token per connection given out, cap == maximum size
	conns   chan io.ReadWriteCloser // idle connections
	reclaim *time.Timer             // fires reclaimIdle after timeout
	maker   CreationFunc

	mu sync.Mutex
}

// NewPool creates a new pool which will hold at most maxSize connections,
// closing idle ones after timeout has elapsed with nothing on lease
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	return &Pool{
		timeout: timeout,
		leases:  make(chan struct{}, maxSize),
		conns:   make(chan io.ReadWriteCloser, maxSize),
		maker:   maker,
	}
}

// Get retrieves a communicator from the pool, blocking until one is
// available if all are in use.  It is guaranteed that there is no contestion
// for the ReadWriter.  The consumer should not attempt to cast it to its
// concrete type and use it outside this interface.
//
// When done with the communicator, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).  ReturnWithError
// picks between the two.
//
// If the error from Get is not nil, you must not return it
// to the pool, or you will cause a panic.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.leases <- struct{}{}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reclaim != nil {
		p.reclaim.Stop()
		p.reclaim = nil
	}
	select {
	case ret := <-p.conns:
		return ret, nil
	default:
	}
	c, err := p.maker()
	if err != nil {
		<-p.leases
		return nil, err
	}
	return c, nil
}

// Put restores a communicator to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timout
// has elapsed.  Junk communicators (ones that always error) should be
// Destroy()'d and not returned with Put.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns <- rwc
	<-p.leases
	if len(p.leases) == 0 && p.reclaim == nil {
		p.reclaim = time.AfterFunc(p.timeout, p.reclaimIdle)
	}
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	if rwc, ok := rw.(io.Closer); ok {
		rwc.Close()
	}
	<-p.leases
}

// ReturnWithError returns the communicator to the pool if err is nil, and
// destroys it otherwise.  It is intended to be deferred with a closure over
// the caller's error variable:
//
//	defer func() { pool.ReturnWithError(conn, err) }()
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + len(p.leases)
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	return len(p.leases)
}

// reclaimIdle closes every idle connection
func (p *Pool) reclaimIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reclaim = nil
	for {
		select {
		case c := <-p.conns:
			c.Close()
		default:
			return
		}
	}
}
