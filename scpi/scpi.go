// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nasa-jpl/rigolcap/comm"
)

const (
	// DefaultTimeout is used for every call when SCPI.Timeout is zero
	DefaultTimeout = 5 * time.Second

	tcpFrameSize = 1500

	terminatorGrace = 50 * time.Millisecond

	// DefaultMaxBlock bounds ReadBlock when SCPI.MaxBlock is zero.  It holds
	// the deepest DS1000Z memory, 24 Mpts, at one byte per point
	DefaultMaxBlock = 24_000_000
)

var (
	// ErrEmptyResponse is generated when a query is answered with nothing but a terminator
	ErrEmptyResponse = errors.New("scpi: empty response")

	// ErrNotBlock is generated when a binary query is not answered with an IEEE 488.2 block
	ErrNotBlock = errors.New("scpi: response is not a definite length block")
)

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// Timeout bounds each read and write on the connection.  Zero uses DefaultTimeout
	Timeout time.Duration

	// MaxBlock is the largest block ReadBlock accepts.  Zero uses DefaultMaxBlock
	MaxBlock int
}

func (s *SCPI) timeout() time.Duration {
	if s.Timeout == 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

func (s *SCPI) maxBlock() int {
	if s.MaxBlock == 0 {
		return DefaultMaxBlock
	}
	return s.MaxBlock
}

// noError reports whether an error queue entry means "no error".
// Keysight replies +0,"No error"; Rigol replies 0,"No error"
func noError(str string) bool {
	str = strings.TrimSpace(str)
	return strings.HasPrefix(str, "+0") || strings.HasPrefix(str, "0,") || str == "0"
}

// Write sends a command to the device.  if f.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	conn, err := s.Pool.Get()
	if err != nil {
		return err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap, err = comm.NewTimeout(comm.NewTerminator(conn, '\n', '\n'), s.timeout())
	if err != nil {
		return err
	}
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	str := strings.Join(cmds, " ")
	_, err = io.WriteString(wrap, str)
	if err != nil {
		return err
	}
	if s.Handshaking {
		buf := make([]byte, tcpFrameSize)
		var n int
		n, err = wrap.Read(buf)
		if err != nil {
			return err
		}
		str := string(buf[:n])
		if !noError(str) {
			return errors.New(str)
		}
	}
	return nil
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	var resp []byte
	conn, err := s.Pool.Get()
	if err != nil {
		return resp, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap, err = comm.NewTimeout(comm.NewTerminator(conn, '\n', '\n'), s.timeout())
	if err != nil {
		return resp, err
	}
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	str := strings.Join(cmds, " ")
	_, err = io.WriteString(wrap, str)
	if err != nil {
		return resp, err
	}
	buf := make([]byte, tcpFrameSize)
	n, err := wrap.Read(buf)
	if err != nil {
		return resp, err
	}
	resp = buf[:n]
	if s.Handshaking {
		pieces := bytes.Split(resp, []byte{';'})
		errS := string(pieces[len(pieces)-1])
		if !noError(errS) {
			return resp, errors.New(errS)
		}
		return bytes.Join(pieces[:len(pieces)-1], []byte{}), nil
	}
	return resp, nil
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err != nil {
		return "", err
	}
	resp = bytes.TrimRight(resp, "\r\n")
	if len(resp) == 0 {
		return "", ErrEmptyResponse
	}
	return string(resp), nil
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(strings.TrimSpace(resp)) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	return strconv.ParseBool(resp)
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer.  Instruments that answer integer
// queries in scientific notation (1.200000e+04) are tolerated.
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	resp = strings.TrimSpace(resp)
	i, err := strconv.Atoi(resp)
	if err == nil {
		return i, nil
	}
	f, ferr := strconv.ParseFloat(resp, 64)
	if ferr != nil {
		return 0, err
	}
	return int(f), nil
}

// ReadBlock sends a query and decodes an IEEE 488.2 definite length block,
// #<N><N digits of length><data>, returning only the data.  The trailing
// terminator, if any, is consumed.  Handshaking is not applied, since the
// error query response would be appended to binary data.
func (s *SCPI) ReadBlock(cmds ...string) ([]byte, error) {
	conn, err := s.Pool.Get()
	if err != nil {
		return nil, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap, err = comm.NewTimeout(conn, s.timeout())
	if err != nil {
		return nil, err
	}
	str := strings.Join(cmds, " ") + "\n"
	_, err = io.WriteString(wrap, str)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(wrap)
	var data []byte
	data, err = DecodeBlock(br, s.maxBlock())
	if err != nil {
		return nil, err
	}
	if br.Buffered() == 0 {
		// the terminator may trail the data in a separate segment
		if d, ok := conn.(interface{ SetDeadline(time.Time) error }); ok {
			d.SetDeadline(time.Now().Add(terminatorGrace))
			one := make([]byte, 1)
			conn.Read(one)
		}
	}
	return data, nil
}

// DecodeBlock reads a single IEEE 488.2 definite length block from r.  A
// trailing newline already buffered in r is consumed.  A header declaring
// more than limit bytes is rejected with ErrNotBlock before anything is
// allocated for the data
func DecodeBlock(r *bufio.Reader, limit int) ([]byte, error) {
	hash, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if hash != '#' {
		return nil, fmt.Errorf("%w: first byte was %q, expected #", ErrNotBlock, hash)
	}
	nd, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	ndigits := int(nd) - '0'
	if ndigits < 1 || ndigits > 9 {
		return nil, fmt.Errorf("%w: length of length was %q", ErrNotBlock, nd)
	}
	digits := make([]byte, ndigits)
	if _, err = io.ReadFull(r, digits); err != nil {
		return nil, err
	}
	nbytes, err := strconv.Atoi(string(digits))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotBlock, err)
	}
	if nbytes > limit {
		return nil, fmt.Errorf("%w: declared length %d exceeds the limit of %d", ErrNotBlock, nbytes, limit)
	}
	data := make([]byte, nbytes)
	if _, err = io.ReadFull(r, data); err != nil {
		return nil, err
	}
	// now we need to pop off the terminator, if it came with the data
	if r.Buffered() > 0 {
		if b, err := r.Peek(1); err == nil && b[0] == '\n' {
			r.ReadByte()
		}
	}
	return data, nil
}

// Raw sends a command to the scope and returns a response if it was a query,
// else a blank string
func (s *SCPI) Raw(str string) (string, error) {
	prev := s.Handshaking
	s.Handshaking = false
	defer func() { s.Handshaking = prev }()
	if strings.Contains(str, "?") {
		return s.ReadString(str)
	}
	return "", s.Write(str)
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	str, err := s.ReadString(":SYSTem:ERRor?")
	if err != nil {
		return err
	}
	if noError(str) {
		return nil
	}
	return errors.New(str)
}

// AllErrors returns all errors from the device as a list.  It stops at the
// first transport failure, which is included as the last element.
func (s *SCPI) AllErrors() []error {
	var errs []error
	for {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		if errors.Is(err, ErrEmptyResponse) || !isQueueEntry(err) {
			break
		}
	}
	return errs
}

// isQueueEntry reports whether err came from the device's error queue
// (looks like -113,"Undefined header") rather than the transport
func isQueueEntry(err error) bool {
	str := err.Error()
	idx := strings.IndexByte(str, ',')
	if idx < 1 {
		return false
	}
	_, convErr := strconv.Atoi(strings.TrimPrefix(str[:idx], "+"))
	return convErr == nil
}

// AllErrorsString is equivalent to AllErrors, but joining by newline
// if there were no errors, the error return value is nil, otherwise
// it is the first error in the list and has no particular meaning
func (s *SCPI) AllErrorsString() (string, error) {
	errs := s.AllErrors()
	if len(errs) == 0 {
		return "", nil
	}
	strs := make([]string, len(errs))
	for i := 0; i < len(errs); i++ {
		strs[i] = errs[i].Error()
	}
	return strings.Join(strs, "\n"), errs[0]
}
