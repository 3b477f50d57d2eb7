/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices, and exposes a device as an io.ReadWriteCloser so it
can sit behind a comm.Pool like any socket.

To send a message:
1.  Allocate a send buffer
2.  Write the header to it
3.  Write your data to it
4.  Ensure that the total transmission size is a multiple of 4 bytes before flushing

To receive a message:
1.  Create a read header and send it on the Out endpoint
2.  Read from the In endpoint until the transfer size announced in the
    response header has arrived
3.  Repeat while the EOM bit is not set

These macros are implemented as Write() and Read() on the concrete USB type defined in this package.
*/
package usbtmc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gousb"
)

const (
	// reserved is the byte to insert in reserved header fields
	reserved = 0x00

	headerSize = 12

	msgDevDepOut       = 0x01
	msgRequestDevDepIn = 0x02

	// maxTransfer is the largest DEV_DEP_MSG_IN requested at once.  A full
	// 250k point BYTE read from a DS1000Z fits in a single transfer.
	maxTransfer = 1 << 20
)

// RigolVID is the USB vendor ID of Rigol Technologies
const RigolVID = 0x1ab1

// DS1000ZPID is the USB product ID of the DS1000Z / MSO1000Z series
const DS1000ZPID = 0x04ce

// ErrShortHeader is generated when a bulk-in response is too short to hold a header
var ErrShortHeader = errors.New("usbtmc: response shorter than the 12 byte header")

// BTagger can generate atomic bTags
type BTagger interface {
	nextbTag() byte
}

// bTagGen is a concurrent-safe bTag generator
type bTagGen struct {
	// embedded mutex for concurrent safety
	sync.Mutex

	value byte
	min   byte
}

func newBTagGen() *bTagGen {
	return &bTagGen{value: 0, min: 1}
}

func (b *bTagGen) nextbTag() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value < b.min {
		b.value = b.min
	}
	return b.value
}

// invbTag computes the bitwise inversion of a btag, per USBTMC standard table 1 offset 2
func invbTag(b byte) byte {
	// ^ is bitwise exclusive OR.  Comparing with 0xff (all 1s) is the bitwise inversion
	return b ^ 0xff
}

// encBulkOutHeader creates the header defined in USBTMC standard, Table 3
func encBulkOutHeader(btag BTagger, datalen int) [headerSize]byte {
	out := [headerSize]byte{}
	/* data map by offset:
	0 MsgID, 1 byte, here hardcoded to 1; devDepMsgOut
	1 bTag, a single byte 1 < x < 255, unique and incrementing with each message
	2 bTagInverse, a single byte, the bitwise inverse of bTag.  Can be calculated with invbTag
	3 Reserved (0x00)
	4-7 transferSize, LSB first, > 0
	8 bitmap, bit 0 EOM
	9-11 reserved
	*/
	tag := btag.nextbTag()
	out[0] = msgDevDepOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = 0x01 // every write is a complete message
	return out
}

// encBulkInHeader creates the header defined in USBTMC standard, Table 4.
// if terminator is nil, puts 0x00 in the header and sets the bit to use it to false
func encBulkInHeader(btag BTagger, bufsize int, terminator *byte) [headerSize]byte {
	out := [headerSize]byte{}
	/* this differs from BulkOut by bytes 8~11
	8 bitmap
		bit 1 termination character enabled,
		if 1 datagram must end on term char
		if 0 device must ignore termination char
	9 terminator byte
	10~11 reserved
	*/
	tag := btag.nextbTag()
	out[0] = msgRequestDevDepIn
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02
		out[9] = *terminator
	}
	return out
}

// bulkInHeader is the decoded form of a DEV_DEP_MSG_IN response header
type bulkInHeader struct {
	tag          byte
	transferSize int
	eom          bool
}

func decBulkInHeader(b []byte) (bulkInHeader, error) {
	var h bulkInHeader
	if len(b) < headerSize {
		return h, ErrShortHeader
	}
	if b[0] != msgRequestDevDepIn {
		return h, fmt.Errorf("usbtmc: unexpected MsgID %d in bulk-in header", b[0])
	}
	if b[2] != invbTag(b[1]) {
		return h, fmt.Errorf("usbtmc: bTag %d and inverse %d disagree", b[1], b[2])
	}
	h.tag = b[1]
	h.transferSize = int(binary.LittleEndian.Uint32(b[4:8]))
	h.eom = b[8]&0x01 != 0
	return h, nil
}

// USBDevice is a struct hiding the details of USB and exposing an io.ReadWriteCloser
type USBDevice struct {
	tagger  BTagger
	ctx     *gousb.Context
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	device  *gousb.Device
	closer  func()
	pending []byte
}

// NewUSBDevice opens the first device matching vid and pid and claims the bulk
// endpoints of its default interface
func NewUSBDevice(vid, pid uint16) (*USBDevice, error) {
	out := &USBDevice{tagger: newBTagGen(), ctx: gousb.NewContext()}
	var err error
	out.device, err = out.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		out.ctx.Close()
		return nil, err
	}
	if out.device == nil {
		out.ctx.Close()
		return nil, fmt.Errorf("usbtmc: no device with VID %04x PID %04x", vid, pid)
	}
	// the kernel usbtmc driver grabs Rigol scopes on linux
	err = out.device.SetAutoDetach(true)
	if err != nil {
		out.device.Close()
		out.ctx.Close()
		return nil, err
	}
	iface, done, err := out.device.DefaultInterface()
	if err != nil {
		out.device.Close()
		out.ctx.Close()
		return nil, err
	}
	out.closer = done
	inNum, outNum := -1, -1
	for _, ep := range iface.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn {
			inNum = ep.Number
		} else {
			outNum = ep.Number
		}
	}
	if inNum < 0 || outNum < 0 {
		out.Close()
		return nil, errors.New("usbtmc: default interface has no bulk in/out endpoint pair")
	}
	out.in, err = iface.InEndpoint(inNum)
	if err != nil {
		out.Close()
		return nil, err
	}
	out.out, err = iface.OutEndpoint(outNum)
	if err != nil {
		out.Close()
		return nil, err
	}
	return out, nil
}

// Write sends b as a single DEV_DEP_MSG_OUT with EOM set.  Any unread
// remainder of the previous response is dropped
func (d *USBDevice) Write(b []byte) (int, error) {
	const (
		alignment = 4
	)
	d.pending = nil
	hdr := encBulkOutHeader(d.tagger, len(b))
	msg := append(hdr[:], b...) // [:] array => slice of underlying values

	if residual := len(msg) % alignment; residual > 0 {
		// language spec: the contents of the slice is zero value
		msg = append(msg, make([]byte, alignment-residual)...)
	}
	_, err := d.out.Write(msg)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read copies the next message bytes into p, requesting more from the device
// when nothing is pending
func (d *USBDevice) Read(p []byte) (int, error) {
	if len(d.pending) == 0 {
		msg, err := d.readMessage()
		if err != nil {
			return 0, err
		}
		d.pending = msg
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

// readMessage performs REQUEST_DEV_DEP_MSG_IN transfers until EOM
func (d *USBDevice) readMessage() ([]byte, error) {
	var msg []byte
	for {
		hdr := encBulkInHeader(d.tagger, maxTransfer, nil)
		if _, err := d.out.Write(hdr[:]); err != nil {
			return msg, err
		}
		buf := make([]byte, maxTransfer+headerSize+3)
		n, err := d.in.Read(buf)
		if err != nil {
			return msg, err
		}
		h, err := decBulkInHeader(buf[:n])
		if err != nil {
			return msg, err
		}
		payload := buf[headerSize:n]
		// a transfer larger than the max packet size may arrive in pieces
		for len(payload) < h.transferSize {
			more := make([]byte, h.transferSize-len(payload)+3)
			m, err := d.in.Read(more)
			if err != nil {
				return msg, err
			}
			payload = append(payload, more[:m]...)
		}
		msg = append(msg, payload[:h.transferSize]...)
		if h.eom {
			return msg, nil
		}
	}
}

// Close releases the interface, device, and libusb context
func (d *USBDevice) Close() error {
	if d.closer != nil {
		d.closer()
	}
	var err error
	if d.device != nil {
		err = d.device.Close()
	}
	d.ctx.Close()
	return err
}
