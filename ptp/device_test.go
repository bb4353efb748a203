package ptp

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

// fakeTransport replays canned inbound containers and records every
// outbound frame. Reads honor the caller's max and an optional chunk
// cap, so the reassembly loop sees the same bounded reads a USB
// endpoint would produce.
type fakeTransport struct {
	chunk int

	sent      [][]byte
	bulk      [][]byte
	events    [][]byte
	bulkReads int
}

func (f *fakeTransport) Write(ep Endpoint, data []byte, timeout time.Duration) (int, error) {
	if ep != BulkOut {
		return 0, errors.New("write on a read endpoint")
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return len(data), nil
}

func (f *fakeTransport) Read(ep Endpoint, max int, timeout time.Duration) ([]byte, error) {
	var q *[][]byte
	switch ep {
	case BulkIn:
		q = &f.bulk
		f.bulkReads++
	case InterruptIn:
		q = &f.events
	default:
		return nil, errors.New("read on the write endpoint")
	}
	if len(*q) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	front := (*q)[0]
	n := len(front)
	if n > max {
		n = max
	}
	if f.chunk > 0 && n > f.chunk {
		n = f.chunk
	}
	out := front[:n]
	if n < len(front) {
		(*q)[0] = front[n:]
	} else {
		*q = (*q)[1:]
	}
	return out, nil
}

func (f *fakeTransport) queueBulk(c *Container) {
	f.bulk = append(f.bulk, c.Encode())
}

func (f *fakeTransport) queueEvent(c *Container) {
	f.events = append(f.events, c.Encode())
}

func response(code uint16, tid uint32, params ...uint32) *Container {
	return &Container{Type: USB_CONTAINER_RESPONSE, Code: code, TransactionID: tid, Param: params}
}

func event(code uint16, params ...uint32) *Container {
	return &Container{Type: USB_CONTAINER_EVENT, Code: code, Param: params}
}

// sentCommand decodes the i'th outbound frame, which must be a command.
func sentCommand(t *testing.T, f *fakeTransport, i int) *Container {
	t.Helper()
	if i >= len(f.sent) {
		t.Fatalf("no outbound frame %d, only %d sent", i, len(f.sent))
	}
	c, err := Decode(f.sent[i])
	if err != nil {
		t.Fatalf("outbound frame %d does not decode: %v", i, err)
	}
	return c
}

func TestTransactionIDsIncrease(t *testing.T) {
	f := &fakeTransport{}
	d := NewDevice(f)

	for tid := uint32(0); tid < 3; tid++ {
		f.queueBulk(response(RC_OK, tid))
		rep, _, err := d.Transact(OC_GetDeviceInfo, nil, nil, false, 0)
		if err != nil {
			t.Fatalf("transaction %d failed: %v", tid, err)
		}
		if rep.Code != RC_OK {
			t.Fatalf("transaction %d: response code 0x%x", tid, rep.Code)
		}
		cmd := sentCommand(t, f, int(tid))
		if cmd.TransactionID != tid {
			t.Errorf("command %d carries transaction id %d", tid, cmd.TransactionID)
		}
	}
}

func TestTransactDataThenResponse(t *testing.T) {
	f := &fakeTransport{}
	d := NewDevice(f)

	payload := []byte("object bytes")
	f.queueBulk(&Container{Type: USB_CONTAINER_DATA, Code: OC_GetObject, TransactionID: 0, Data: payload})
	f.queueBulk(response(RC_OK, 0))

	rep, data, err := d.Transact(OC_GetObject, []uint32{0x42}, nil, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Code != RC_OK {
		t.Errorf("response code 0x%x", rep.Code)
	}
	if data == nil || !data.IsData() || !bytes.Equal(data.Data, payload) {
		t.Errorf("data phase not captured: %v", data)
	}
}

func TestTransactResponseWithoutData(t *testing.T) {
	f := &fakeTransport{}
	d := NewDevice(f)

	f.queueBulk(response(RC_AccessDenied, 0))

	rep, data, err := d.Transact(OC_GetObject, []uint32{0x42}, nil, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Errorf("unexpected data container %s", data)
	}
	if rep.Code != RC_AccessDenied {
		t.Errorf("response code 0x%x", rep.Code)
	}
	if f.bulkReads != 1 {
		t.Errorf("expected a single bulk read, got %d", f.bulkReads)
	}
}

func TestTransactCapturesParameterEcho(t *testing.T) {
	f := &fakeTransport{}
	d := NewDevice(f)

	echo := &Container{Type: USB_CONTAINER_COMMAND, Code: OC_CHDK, TransactionID: 0, Param: []uint32{0, 0}}
	f.queueBulk(echo)
	f.queueBulk(response(RC_OK, 0))

	rep, data, err := d.Transact(OC_CHDK, []uint32{12, 1}, nil, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Code != RC_OK {
		t.Errorf("response code 0x%x", rep.Code)
	}
	if data == nil || data.IsData() || data.Type != USB_CONTAINER_COMMAND {
		t.Errorf("parameter echo not captured: %v", data)
	}
}

func TestTransactRejectsNonResponse(t *testing.T) {
	f := &fakeTransport{}
	d := NewDevice(f)

	f.queueBulk(&Container{Type: USB_CONTAINER_DATA, Code: OC_GetObject, TransactionID: 0, Data: []byte{1}})

	_, _, err := d.Transact(OC_GetObject, []uint32{0x42}, nil, false, 0)
	if _, ok := err.(SyncError); !ok {
		t.Fatalf("expected SyncError for a data container in the response slot, got %v", err)
	}
}

func TestTransactTransactionIDMismatch(t *testing.T) {
	f := &fakeTransport{}
	d := NewDevice(f)

	f.queueBulk(response(RC_OK, 99))

	_, _, err := d.Transact(OC_GetDeviceInfo, nil, nil, false, 0)
	if _, ok := err.(SyncError); !ok {
		t.Fatalf("expected SyncError for a mismatched transaction id, got %v", err)
	}
}

func TestTransactSendsDataPhase(t *testing.T) {
	f := &fakeTransport{}
	d := NewDevice(f)

	f.queueBulk(response(RC_OK, 0))

	out := []byte("upload me")
	if _, _, err := d.Transact(OC_CHDK, []uint32{5}, out, false, 0); err != nil {
		t.Fatal(err)
	}
	if len(f.sent) != 2 {
		t.Fatalf("expected command and data frames, got %d frames", len(f.sent))
	}
	data := sentCommand(t, f, 1)
	if data.Type != USB_CONTAINER_DATA || data.TransactionID != 0 || !bytes.Equal(data.Data, out) {
		t.Errorf("outbound data frame wrong: %s", data)
	}
}

func TestRecvContainerChunked(t *testing.T) {
	f := &fakeTransport{chunk: 256}
	d := NewDevice(f)
	d.ChunkSize = 256

	payload := bytes.Repeat([]byte{0x5a}, 1000)
	f.queueBulk(&Container{Type: USB_CONTAINER_DATA, Code: OC_GetObject, TransactionID: 0, Data: payload})
	f.queueBulk(response(RC_OK, 0))

	_, data, err := d.Transact(OC_GetObject, []uint32{1}, nil, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data.Data, payload) {
		t.Fatalf("reassembled payload wrong: %d bytes", len(data.Data))
	}
	// 1012 container bytes at 256 per read, plus one read for the
	// response container.
	if f.bulkReads != 5 {
		t.Errorf("expected 5 bulk reads, got %d", f.bulkReads)
	}
}

func TestPollEventTrimsPadding(t *testing.T) {
	f := &fakeTransport{}
	d := NewDevice(f)

	buf := event(EC_ObjectAdded, 0x77).Encode()
	f.events = append(f.events, append(buf, make([]byte, 16)...))

	ev, err := d.PollEvent(0)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Code != EC_ObjectAdded || len(ev.Param) != 1 || ev.Param[0] != 0x77 {
		t.Errorf("event decoded wrong: %s", ev)
	}
}

func TestPollEventRejectsNonEvent(t *testing.T) {
	f := &fakeTransport{}
	d := NewDevice(f)

	f.events = append(f.events, response(RC_OK, 0).Encode())

	_, err := d.PollEvent(0)
	if _, ok := err.(SyncError); !ok {
		t.Fatalf("expected SyncError for non-event on interrupt endpoint, got %v", err)
	}
}

func TestOpenSession(t *testing.T) {
	for _, tc := range []struct {
		code uint16
		ok   bool
	}{
		{RC_OK, true},
		{RC_SessionAlreadyOpened, true},
		{RC_DeviceBusy, false},
	} {
		f := &fakeTransport{}
		d := NewDevice(f)
		f.queueBulk(response(tc.code, 0))

		err := d.OpenSession()
		if tc.ok && err != nil {
			t.Errorf("code 0x%x: unexpected error %v", tc.code, err)
		}
		if !tc.ok {
			var rc RCError
			if !errors.As(err, &rc) || uint16(rc) != tc.code {
				t.Errorf("code 0x%x: expected RCError, got %v", tc.code, err)
			}
		}
		if d.SessionOpen() != tc.ok {
			t.Errorf("code 0x%x: SessionOpen() = %v", tc.code, d.SessionOpen())
		}

		cmd := sentCommand(t, f, 0)
		if cmd.Code != OC_OpenSession || len(cmd.Param) != 1 || cmd.Param[0] != d.SessionID {
			t.Errorf("OpenSession command wrong: %s", cmd)
		}
	}
}

func TestCaptureEventOrder(t *testing.T) {
	orders := [][]*Container{
		{event(EC_ObjectAdded, 0xbeef), event(EC_CaptureComplete)},
		{event(EC_CaptureComplete), event(EC_ObjectAdded, 0xbeef)},
	}
	for i, evs := range orders {
		f := &fakeTransport{}
		d := NewDevice(f)
		f.queueBulk(response(RC_OK, 0))
		for _, ev := range evs {
			f.queueEvent(ev)
		}

		handle, err := d.Capture()
		if err != nil {
			t.Fatalf("order %d: %v", i, err)
		}
		if handle != 0xbeef {
			t.Errorf("order %d: handle 0x%x", i, handle)
		}
	}
}

func TestCaptureMissingEvent(t *testing.T) {
	f := &fakeTransport{}
	d := NewDevice(f)
	f.queueBulk(response(RC_OK, 0))
	f.queueEvent(event(EC_ObjectAdded, 1))
	f.queueEvent(event(EC_ObjectAdded, 2))

	_, err := d.Capture()
	if !errors.Is(err, ErrMissingCaptureComplete) {
		t.Fatalf("expected ErrMissingCaptureComplete, got %v", err)
	}

	f = &fakeTransport{}
	d = NewDevice(f)
	f.queueBulk(response(RC_OK, 0))
	f.queueEvent(event(EC_CaptureComplete))
	f.queueEvent(event(EC_CaptureComplete))

	_, err = d.Capture()
	if !errors.Is(err, ErrMissingObjectAdded) {
		t.Fatalf("expected ErrMissingObjectAdded, got %v", err)
	}
}

func TestCaptureAndDownload(t *testing.T) {
	f := &fakeTransport{}
	d := NewDevice(f)

	img := bytes.Repeat([]byte{0xd8}, 300)
	f.queueBulk(response(RC_OK, 0)) // InitiateCapture
	f.queueEvent(event(EC_ObjectAdded, 0x10))
	f.queueEvent(event(EC_CaptureComplete))
	f.queueBulk(&Container{Type: USB_CONTAINER_DATA, Code: OC_GetObject, TransactionID: 1, Data: img})
	f.queueBulk(response(RC_OK, 1))

	got, err := d.CaptureAndDownload()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, img) {
		t.Fatalf("downloaded %d bytes, want %d", len(got), len(img))
	}

	getObj := sentCommand(t, f, 1)
	if getObj.Code != OC_GetObject || getObj.Param[0] != 0x10 {
		t.Errorf("GetObject command wrong: %s", getObj)
	}
}
