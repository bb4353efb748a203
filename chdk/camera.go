package chdk

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bjacobel/pyptp2/log"
	"github.com/bjacobel/pyptp2/ptp"
)

// Default cadence of the script-wait poll loop.
const defaultPollInterval = 50 * time.Millisecond

// Camera is a PTP device with the CHDK extension set. All extension
// operations run over the single vendor operation code, selected by
// the first command parameter.
type Camera struct {
	*ptp.Device

	// Script-wait poll interval. Defaults to 50ms.
	PollInterval time.Duration

	// Total wall-time budget for a blocking script execution; zero
	// waits forever.
	ScriptTimeout time.Duration

	Clock Clock
	Log   *log.ChildLogger
}

func New(d *ptp.Device) *Camera {
	return &Camera{
		Device:       d,
		PollInterval: defaultPollInterval,
		Clock:        systemClock{},
		Log:          log.NewChildLogger(log.Root, "chdk", false),
	}
}

// ScriptMessage is one message produced by a device-side script.
type ScriptMessage struct {
	Type     uint32
	Subtype  uint32
	ScriptID uint32
	Payload  []byte
}

func nulTerminated(s string) []byte {
	b := []byte(s)
	if len(b) == 0 || b[len(b)-1] != 0 {
		b = append(b, 0)
	}
	return b
}

// status extracts the extension status from the first response
// parameter.
func status(rep *ptp.Container) (uint32, error) {
	if len(rep.Param) == 0 {
		return 0, ptp.SyncError("extension response carried no status parameter")
	}
	return rep.Param[0], nil
}

func checkStatus(rep *ptp.Container) error {
	code, err := status(rep)
	if err != nil {
		return err
	}
	if code != StatusOK {
		return newDeviceError(code)
	}
	return nil
}

// Version retrieves the (major, minor) version pair of the camera's
// PTP extension core. This is distinct from the live-view protocol
// version reported inside display-data frames.
func (c *Camera) Version() (major, minor uint32, err error) {
	rep, _, err := c.Transact(ptp.OC_CHDK, []uint32{OP_Version}, nil, false, 0)
	if err != nil {
		return 0, 0, err
	}
	if len(rep.Param) < 2 {
		return 0, 0, ptp.SyncError("version response carried fewer than two parameters")
	}
	return rep.Param[0], rep.Param[1], nil
}

// CheckScriptStatus polls the status bitmask of running scripts.
func (c *Camera) CheckScriptStatus() (ScriptStatus, error) {
	rep, _, err := c.Transact(ptp.OC_CHDK, []uint32{OP_ScriptStatus}, nil, false, 0)
	if err != nil {
		return 0, err
	}
	raw, err := status(rep)
	if err != nil {
		return 0, err
	}
	return ScriptStatus(raw), nil
}

// ExecuteScript runs a Lua script on the camera. With block set, the
// call polls until the script finishes, draining any messages it
// produced; otherwise it returns as soon as the script is started.
// scriptErr is the device's parse/start error code, zero on success.
func (c *Camera) ExecuteScript(script string, block bool) (scriptID, scriptErr uint32, msgs []ScriptMessage, err error) {
	rep, _, err := c.Transact(ptp.OC_CHDK,
		[]uint32{OP_ExecuteScript, SL_Lua}, nulTerminated(script), false, 0)
	if err != nil {
		return 0, 0, nil, err
	}
	if len(rep.Param) < 2 {
		return 0, 0, nil, ptp.SyncError("execute response carried fewer than two parameters")
	}
	scriptID, scriptErr = rep.Param[0], rep.Param[1]
	c.Log.Debugf("script %d started, err=0x%x", scriptID, scriptErr)

	if !block {
		return scriptID, scriptErr, nil, nil
	}
	msgs, err = c.waitScriptDone()
	return scriptID, scriptErr, msgs, err
}

// waitScriptDone is the script-wait state machine: poll the status at
// the configured interval, sleep while the script runs, drain one
// message per pending-message tick, stop on idle. The deadline, when
// set, is compared against the total elapsed time since the wait
// began.
func (c *Camera) waitScriptDone() ([]ScriptMessage, error) {
	var msgs []ScriptMessage
	start := c.Clock.Now()

	for {
		st, err := c.CheckScriptStatus()
		if err != nil {
			return msgs, err
		}

		switch {
		case st.Running():
			if c.ScriptTimeout > 0 {
				if elapsed := c.Clock.Now().Sub(start); elapsed >= c.ScriptTimeout {
					return msgs, &TimeoutError{Deadline: c.ScriptTimeout, Elapsed: elapsed}
				}
			}
			c.Clock.Sleep(c.PollInterval)

		case st.HasMsg():
			m, err := c.ReadScriptMessage()
			if err != nil {
				return msgs, err
			}
			msgs = append(msgs, *m)

		case st.Idle():
			return msgs, nil

		default:
			return msgs, ScriptStatusError(st)
		}
	}
}

// ReadScriptMessage fetches one queued message produced by a running
// script.
func (c *Camera) ReadScriptMessage() (*ScriptMessage, error) {
	rep, data, err := c.Transact(ptp.OC_CHDK,
		[]uint32{OP_ReadScriptMsg, SL_Lua}, nil, true, 0)
	if err != nil {
		return nil, err
	}
	if len(rep.Param) < 3 {
		return nil, ptp.SyncError("script message response carried fewer than three parameters")
	}
	m := &ScriptMessage{
		Type:     rep.Param[0],
		Subtype:  rep.Param[1],
		ScriptID: rep.Param[2],
	}
	if data != nil && data.IsData() {
		m.Payload = data.Data
	}
	return m, nil
}

// WriteScriptMessage delivers a message to a running script and
// returns the device's delivery status. A script id of 0 targets the
// most recently started script.
func (c *Camera) WriteScriptMessage(message string, scriptID uint32) (uint32, error) {
	rep, _, err := c.Transact(ptp.OC_CHDK,
		[]uint32{OP_WriteScriptMsg, scriptID}, []byte(message), false, 0)
	if err != nil {
		return 0, err
	}
	return status(rep)
}

// packFileForUpload builds the upload payload: the remote filename
// length (including the terminating NUL), the filename, then the file
// content.
func packFileForUpload(localPath, remoteName string) ([]byte, error) {
	if remoteName == "" {
		remoteName = filepath.Base(localPath)
	}
	name := nulTerminated(remoteName)

	contents, err := os.ReadFile(localPath)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 4, 4+len(name)+len(contents))
	binary.LittleEndian.PutUint32(buf, uint32(len(name)))
	buf = append(buf, name...)
	buf = append(buf, contents...)
	return buf, nil
}

// UploadFile stores a local file on the camera. An empty remoteName
// defaults to the base name of localPath, landing in the root folder
// of the SD card.
func (c *Camera) UploadFile(localPath, remoteName string) error {
	payload, err := packFileForUpload(localPath, remoteName)
	if err != nil {
		return err
	}
	rep, _, err := c.Transact(ptp.OC_CHDK, []uint32{OP_UploadFile}, payload, false, 0)
	if err != nil {
		return err
	}
	return checkStatus(rep)
}

// DownloadFile fetches a file from the camera by full path. The path
// is first stored in the TempData slot, since OP_DownloadFile has no
// parameter slot for strings; the slot is scrubbed afterwards. When
// only the scrub fails, the downloaded bytes are returned together
// with the clear error.
func (c *Camera) DownloadFile(path string) ([]byte, error) {
	rep, _, err := c.Transact(ptp.OC_CHDK,
		[]uint32{OP_TempData, TD_Store}, nulTerminated(path), false, 0)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(rep); err != nil {
		return nil, err
	}

	rep, data, err := c.Transact(ptp.OC_CHDK, []uint32{OP_DownloadFile}, nil, true, 0)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(rep); err != nil {
		return nil, err
	}
	if data == nil || !data.IsData() {
		return nil, ptp.SyncError(fmt.Sprintf("download of %q returned no data", path))
	}

	rep, _, err = c.Transact(ptp.OC_CHDK, []uint32{OP_TempData, TD_Clear}, nil, false, 0)
	if err == nil {
		err = checkStatus(rep)
	}
	if err != nil {
		return data.Data, fmt.Errorf("clearing temp data: %w", err)
	}
	return data.Data, nil
}

// GetDisplayData grabs one live-view frame. The flags select which
// sections the camera includes; a frame is returned only when the
// camera answers with a data container.
func (c *Camera) GetDisplayData(viewport, overlay, palette bool) (*LiveViewFrame, error) {
	var flags uint32
	if viewport {
		flags |= LV_TFR_Viewport
	}
	if overlay {
		flags |= LV_TFR_Bitmap
	}
	if palette {
		flags |= LV_TFR_Palette
	}

	rep, data, err := c.Transact(ptp.OC_CHDK,
		[]uint32{OP_GetDisplayData, flags}, nil, true, 0)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(rep); err != nil {
		return nil, err
	}
	if data == nil || !data.IsData() {
		return nil, nil
	}
	return decodeLiveViewFrame(data.Data)
}
