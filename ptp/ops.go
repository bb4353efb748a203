package ptp

import (
	"fmt"
	"time"
)

// checkResponse turns a non-OK response into an RCError.
func checkResponse(rep *Container) error {
	if rep.Code != RC_OK {
		return RCError(rep.Code)
	}
	return nil
}

// OpenSession opens a session, which is necessary for any command that
// queries or modifies storage. A SessionAlreadyOpened response counts
// as success; reopening is a usage error on the device side only.
func (d *Device) OpenSession() error {
	rep, _, err := d.Transact(OC_OpenSession, []uint32{d.SessionID}, nil, false, 0)
	if err != nil {
		return err
	}
	if rep.Code != RC_OK && rep.Code != RC_SessionAlreadyOpened {
		return RCError(rep.Code)
	}
	d.sessionOpen = true
	return nil
}

// CloseSession closes the session. The transaction counter is left
// alone so a stale in-flight exchange cannot collide with a reopened
// session.
func (d *Device) CloseSession() error {
	rep, _, err := d.Transact(OC_CloseSession, nil, nil, false, 0)
	if err != nil {
		return err
	}
	d.sessionOpen = false
	return checkResponse(rep)
}

// SessionOpen reports whether OpenSession succeeded on this handle.
func (d *Device) SessionOpen() bool {
	return d.sessionOpen
}

func (d *Device) InitiateCapture() error {
	rep, _, err := d.Transact(OC_InitiateCapture, []uint32{0x0, 0x0}, nil, false, 0)
	if err != nil {
		return err
	}
	return checkResponse(rep)
}

// Capture triggers a still capture and waits for the ObjectAdded and
// CaptureComplete events, returning the new object's handle. Some
// devices emit the two events out of order, so both reads happen
// before classification.
func (d *Device) Capture() (uint32, error) {
	if err := d.InitiateCapture(); err != nil {
		return 0, err
	}

	var objectAdded, captureComplete *Container
	for i := 0; i < 2; i++ {
		ev, err := d.PollEvent(0)
		if err != nil {
			return 0, err
		}
		switch ev.Code {
		case EC_ObjectAdded:
			objectAdded = ev
		case EC_CaptureComplete:
			captureComplete = ev
		}
	}

	if objectAdded == nil {
		return 0, ErrMissingObjectAdded
	}
	if captureComplete == nil {
		return 0, ErrMissingCaptureComplete
	}
	if len(objectAdded.Param) == 0 {
		return 0, SyncError("ObjectAdded event carried no object handle")
	}
	return objectAdded.Param[0], nil
}

// GetObject fetches the object with the given handle and returns its
// byte content.
func (d *Device) GetObject(handle uint32) ([]byte, error) {
	rep, data, err := d.Transact(OC_GetObject, []uint32{handle}, nil, true, 0)
	if err != nil {
		return nil, err
	}
	if err := checkResponse(rep); err != nil {
		return nil, err
	}
	if data == nil || !data.IsData() {
		return nil, SyncError(fmt.Sprintf("GetObject returned no data for handle 0x%x", handle))
	}
	return data.Data, nil
}

// CaptureAndDownload captures a still image and downloads it.
func (d *Device) CaptureAndDownload() ([]byte, error) {
	start := time.Now()
	handle, err := d.Capture()
	if err != nil {
		return nil, err
	}
	img, err := d.GetObject(handle)
	if err != nil {
		return nil, err
	}
	d.Log.Infof("capture and download took %.4fs, 0x%x bytes", time.Since(start).Seconds(), len(img))
	return img, nil
}
