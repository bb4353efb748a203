package chdk

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Live-view frames start with a fixed header of section offsets; the
// pixel data behind each section is opaque to this package.

type FrameHeader struct {
	VersionMajor     int32
	VersionMinor     int32
	LCDAspectRatio   int32
	PaletteType      int32
	PaletteDataStart int32
	VPDescStart      int32
	BMDescStart      int32
}

const frameHeaderSize = 7 * 4

// FramebufferDesc describes one framebuffer section of a frame.
type FramebufferDesc struct {
	FBType        int32
	DataStart     int32
	BufferWidth   int32
	VisibleWidth  int32
	VisibleHeight int32
	MarginLeft    int32
	MarginTop     int32
	MarginRight   int32
	MarginBottom  int32
}

const framebufferDescSize = 9 * 4

type LiveViewFrame struct {
	Header   FrameHeader
	Viewport *FramebufferDesc
	Bitmap   *FramebufferDesc

	// The complete frame payload; section offsets in the header and
	// descriptors index into it.
	Raw []byte
}

func decodeFramebufferDesc(raw []byte, start int32) (*FramebufferDesc, error) {
	if start <= 0 {
		return nil, nil
	}
	if int(start)+framebufferDescSize > len(raw) {
		return nil, fmt.Errorf("framebuffer descriptor at 0x%x overruns 0x%x byte frame", start, len(raw))
	}
	var desc FramebufferDesc
	if err := binary.Read(bytes.NewReader(raw[start:int(start)+framebufferDescSize]),
		binary.LittleEndian, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

func decodeLiveViewFrame(raw []byte) (*LiveViewFrame, error) {
	if len(raw) < frameHeaderSize {
		return nil, fmt.Errorf("live view frame has insufficient length: 0x%x bytes", len(raw))
	}

	f := &LiveViewFrame{Raw: raw}
	if err := binary.Read(bytes.NewReader(raw[:frameHeaderSize]),
		binary.LittleEndian, &f.Header); err != nil {
		return nil, err
	}

	var err error
	if f.Viewport, err = decodeFramebufferDesc(raw, f.Header.VPDescStart); err != nil {
		return nil, err
	}
	if f.Bitmap, err = decodeFramebufferDesc(raw, f.Header.BMDescStart); err != nil {
		return nil, err
	}
	return f, nil
}

// section returns the frame bytes from start onward, or nil when the
// section is absent.
func (f *LiveViewFrame) section(start int32) []byte {
	if start <= 0 || int(start) >= len(f.Raw) {
		return nil
	}
	return f.Raw[start:]
}

// PaletteBytes returns the overlay palette section, when present.
func (f *LiveViewFrame) PaletteBytes() []byte {
	return f.section(f.Header.PaletteDataStart)
}

// ViewportBytes returns the viewport image section, when present.
func (f *LiveViewFrame) ViewportBytes() []byte {
	if f.Viewport == nil {
		return nil
	}
	return f.section(f.Viewport.DataStart)
}

// BitmapBytes returns the overlay bitmap section, when present.
func (f *LiveViewFrame) BitmapBytes() []byte {
	if f.Bitmap == nil {
		return nil
	}
	return f.section(f.Bitmap.DataStart)
}
