package ptp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var byteOrder = binary.LittleEndian

// usbBulkHeader is the fixed 12-byte header every container starts
// with, on both the bulk and the interrupt channel.
type usbBulkHeader struct {
	Length        uint32
	Type          uint16
	Code          uint16
	TransactionID uint32
}

const usbHdrLen = 2*2 + 2*4

// Container is the wire unit exchanged with the camera. Param is
// populated for Command, Response and Event containers; Data holds the
// raw payload of a Data container.
type Container struct {
	Type          uint16
	Code          uint16
	TransactionID uint32
	Param         []uint32
	Data          []byte
}

// IsData reports whether the container carries an opaque byte payload
// rather than a parameter list.
func (c *Container) IsData() bool {
	return c.Type == USB_CONTAINER_DATA
}

func (c *Container) String() string {
	if c.IsData() {
		return fmt.Sprintf("%s %s tid=%d 0x%x bytes",
			getName(USB_names, int(c.Type)), getName(OC_names, int(c.Code)),
			c.TransactionID, len(c.Data))
	}
	return fmt.Sprintf("%s 0x%x tid=%d %v",
		getName(USB_names, int(c.Type)), c.Code, c.TransactionID, c.Param)
}

// Encode serializes the container into the 12-byte header plus payload
// form, little-endian throughout.
func (c *Container) Encode() []byte {
	payload := c.Data
	if !c.IsData() {
		payload = make([]byte, 4*len(c.Param))
		for i, p := range c.Param {
			byteOrder.PutUint32(payload[4*i:], p)
		}
	}

	buf := bytes.NewBuffer(make([]byte, 0, usbHdrLen+len(payload)))
	hdr := usbBulkHeader{
		Length:        uint32(usbHdrLen + len(payload)),
		Type:          c.Type,
		Code:          c.Code,
		TransactionID: c.TransactionID,
	}
	if err := binary.Write(buf, byteOrder, &hdr); err != nil {
		panic(err)
	}
	buf.Write(payload)
	return buf.Bytes()
}

// Decode parses a complete container from buf. The payload
// interpretation is selected by the header's type field.
func Decode(data []byte) (*Container, error) {
	if len(data) < usbHdrLen {
		return nil, SyncError(fmt.Sprintf("container truncated: 0x%x bytes", len(data)))
	}

	var hdr usbBulkHeader
	if err := binary.Read(bytes.NewReader(data[:usbHdrLen]), byteOrder, &hdr); err != nil {
		return nil, err
	}
	if int(hdr.Length) != len(data) {
		return nil, SyncError(fmt.Sprintf("header specified 0x%x bytes, but have 0x%x",
			hdr.Length, len(data)))
	}

	c := &Container{
		Type:          hdr.Type,
		Code:          hdr.Code,
		TransactionID: hdr.TransactionID,
	}
	rest := data[usbHdrLen:]

	switch hdr.Type {
	case USB_CONTAINER_DATA:
		c.Data = append([]byte(nil), rest...)
	case USB_CONTAINER_COMMAND, USB_CONTAINER_RESPONSE, USB_CONTAINER_EVENT:
		nParam := len(rest) / 4
		for i := 0; i < nParam; i++ {
			c.Param = append(c.Param, byteOrder.Uint32(rest[4*i:]))
		}
	default:
		return nil, SyncError(fmt.Sprintf("unknown container type %d", hdr.Type))
	}
	return c, nil
}
