package ptp

import (
	"fmt"
	"time"

	"github.com/bjacobel/pyptp2/log"
)

// Endpoint names one of the three logical channels of a PTP transport.
type Endpoint int

const (
	BulkOut Endpoint = iota
	BulkIn
	InterruptIn
)

// Transport is the raw byte channel to the camera. Implementations
// deliver reads in bounded chunks; a zero timeout means the
// transport's own default. Discovery of the endpoints is the
// transport's concern.
type Transport interface {
	Write(ep Endpoint, data []byte, timeout time.Duration) (int, error)
	Read(ep Endpoint, max int, timeout time.Duration) ([]byte, error)
}

// The USB high-speed bulk packet length; the default receive chunk.
const defaultChunkSize = 512

// Device drives PTP transactions over a Transport. It owns the
// transaction-id counter and the session state. Not safe for
// concurrent use; callers serialize access to one device handle.
type Device struct {
	transport Transport

	// In effect for every exchange. Defaults to 2 seconds.
	Timeout time.Duration

	// Receive chunk size; set from the transport's max packet size.
	ChunkSize int

	// Session id sent in OpenSession. Defaults to 1.
	SessionID uint32

	Log *log.ChildLogger

	tid         uint32
	sessionOpen bool
}

func NewDevice(t Transport) *Device {
	return &Device{
		transport: t,
		Timeout:   2 * time.Second,
		ChunkSize: defaultChunkSize,
		SessionID: 0x1,
		Log:       log.NewChildLogger(log.Root, "ptp", false),
	}
}

// nextTransactionID hands out the id for one command and advances the
// counter. Ids are never reused within a session.
func (d *Device) nextTransactionID() uint32 {
	tid := d.tid
	d.tid++
	return tid
}

func (d *Device) sendContainer(c *Container, timeout time.Duration) error {
	buf := c.Encode()
	if d.Log.IsDebug() {
		d.Log.Debugf("send %s", c)
	}
	n, err := d.transport.Write(BulkOut, buf, timeout)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return SyncError(fmt.Sprintf("short write: 0x%x of 0x%x bytes", n, len(buf)))
	}
	return nil
}

// recvContainer reassembles one container from the bulk-in endpoint.
// The first chunk carries the header; the declared total length drives
// the remaining reads, one per outstanding byte range.
func (d *Device) recvContainer(timeout time.Duration) (*Container, error) {
	chunk := d.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}

	buf, err := d.transport.Read(BulkIn, chunk, timeout)
	if err != nil {
		return nil, err
	}
	if len(buf) < usbHdrLen {
		return nil, SyncError(fmt.Sprintf("short read: 0x%x bytes, want header", len(buf)))
	}

	total := int(byteOrder.Uint32(buf[:4]))
	if total < usbHdrLen {
		return nil, SyncError(fmt.Sprintf("container declares 0x%x bytes", total))
	}
	for len(buf) < total {
		rest, err := d.transport.Read(BulkIn, total-len(buf), timeout)
		if err != nil {
			return nil, err
		}
		if len(rest) == 0 {
			return nil, SyncError(fmt.Sprintf("got 0x%x of 0x%x bytes", len(buf), total))
		}
		buf = append(buf, rest...)
	}

	c, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	if d.Log.IsDebug() {
		d.Log.Debugf("recv %s", c)
	}
	return c, nil
}

// Transact runs a single PTP transaction: the command, an optional
// outbound data phase, and the inbound phase(s). With expectData set,
// the first inbound container is captured as the payload unless it
// already is the response; some extension operations echo a parameter
// container instead of a data container, which is captured the same
// way. The response is read separately whenever it was not bundled
// with the payload read.
func (d *Device) Transact(code uint16, params []uint32, send []byte,
	expectData bool, timeout time.Duration) (rep *Container, data *Container, err error) {
	if timeout == 0 {
		timeout = d.Timeout
	}

	cmd := &Container{
		Type:          USB_CONTAINER_COMMAND,
		Code:          code,
		TransactionID: d.nextTransactionID(),
		Param:         params,
	}
	d.Log.Debugf("request %s %v", getName(OC_names, int(code)), params)
	if err := d.sendContainer(cmd, timeout); err != nil {
		return nil, nil, err
	}

	if send != nil {
		out := &Container{
			Type:          USB_CONTAINER_DATA,
			Code:          cmd.Code,
			TransactionID: cmd.TransactionID,
			Data:          send,
		}
		if err := d.sendContainer(out, timeout); err != nil {
			return nil, nil, err
		}
	}

	if expectData {
		c, err := d.recvContainer(timeout)
		if err != nil {
			return nil, nil, err
		}
		switch c.Type {
		case USB_CONTAINER_DATA, USB_CONTAINER_COMMAND, USB_CONTAINER_EVENT:
			data = c
		case USB_CONTAINER_RESPONSE:
			rep = c
		}
	}

	if rep == nil {
		c, err := d.recvContainer(timeout)
		if err != nil {
			return nil, nil, err
		}
		if c.Type != USB_CONTAINER_RESPONSE {
			return nil, nil, SyncError(fmt.Sprintf("expected response container, got %s",
				getName(USB_names, int(c.Type))))
		}
		rep = c
	}

	if rep.TransactionID != cmd.TransactionID {
		return nil, nil, SyncError(fmt.Sprintf("transaction ID mismatch got %x want %x",
			rep.TransactionID, cmd.TransactionID))
	}
	d.Log.Debugf("response %s %v", getName(RC_names, int(rep.Code)), rep.Param)
	return rep, data, nil
}

// PollEvent performs one read on the interrupt endpoint. It is
// independent of Transact; the caller chooses when to interleave the
// two channels.
func (d *Device) PollEvent(timeout time.Duration) (*Container, error) {
	if timeout == 0 {
		timeout = d.Timeout
	}
	buf, err := d.transport.Read(InterruptIn, d.ChunkSize, timeout)
	if err != nil {
		return nil, err
	}
	if len(buf) >= usbHdrLen {
		// Interrupt transfers can round up to the packet size; the
		// header knows the true length.
		if total := int(byteOrder.Uint32(buf[:4])); total >= usbHdrLen && total < len(buf) {
			buf = buf[:total]
		}
	}
	c, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	if c.Type != USB_CONTAINER_EVENT {
		return nil, SyncError(fmt.Sprintf("received non-event container of type %s on interrupt endpoint",
			getName(USB_names, int(c.Type))))
	}
	d.Log.Debugf("event %s %v", getName(EC_names, int(c.Code)), c.Param)
	return c, nil
}
