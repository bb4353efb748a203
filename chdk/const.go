// Package chdk drives the CHDK PTP extension: remote script
// execution, script messaging, file transfer and live-view capture on
// Canon cameras running the CHDK firmware.
package chdk

import "fmt"

// Sub-operations, multiplexed under ptp.OC_CHDK via the first command
// parameter.
const OP_Version = 0
const OP_GetMemory = 1
const OP_SetMemory = 2
const OP_CallFunction = 3
const OP_TempData = 4
const OP_UploadFile = 5
const OP_DownloadFile = 6
const OP_ExecuteScript = 7
const OP_ScriptStatus = 8
const OP_ScriptSupport = 9
const OP_ReadScriptMsg = 10
const OP_WriteScriptMsg = 11
const OP_GetDisplayData = 12

var OP_names = map[int]string{
	0:  "Version",
	1:  "GetMemory",
	2:  "SetMemory",
	3:  "CallFunction",
	4:  "TempData",
	5:  "UploadFile",
	6:  "DownloadFile",
	7:  "ExecuteScript",
	8:  "ScriptStatus",
	9:  "ScriptSupport",
	10: "ReadScriptMsg",
	11: "WriteScriptMsg",
	12: "GetDisplayData",
}

// TempData selectors (second command parameter of OP_TempData).
const TD_Store = 0x0
const TD_Download = 0x1
const TD_Clear = 0x2

// Script languages.
const SL_Lua = 0
const SL_UBasic = 1

// ScriptStatus is the bitmask returned by OP_ScriptStatus. Zero means
// no script is running and no messages are pending.
type ScriptStatus uint32

const (
	ScriptStatusRun ScriptStatus = 0x1
	ScriptStatusMsg ScriptStatus = 0x2
)

func (s ScriptStatus) Running() bool { return s&ScriptStatusRun != 0 }
func (s ScriptStatus) HasMsg() bool  { return s&ScriptStatusMsg != 0 }
func (s ScriptStatus) Idle() bool    { return s == 0 }

// Live-view transfer flags for OP_GetDisplayData.
const LV_TFR_Viewport = 0x01
const LV_TFR_Bitmap = 0x04
const LV_TFR_Palette = 0x08

// Extension status codes, reported in the first response parameter.
// The values mirror the standard PTP return codes.
const StatusOK = 0x2001
const StatusGeneralError = 0x2002
const StatusOperationNotSupported = 0x2005
const StatusParameterNotSupported = 0x2006
const StatusAccessDenied = 0x200F
const StatusDeviceBusy = 0x2019
const StatusInvalidParameter = 0x201D

var statusMessages = map[uint32]string{
	0x2001: "OK",
	0x2002: "general error",
	0x2005: "operation not supported",
	0x2006: "parameter not supported",
	0x200F: "access denied",
	0x2019: "device busy",
	0x201D: "invalid parameter",
}

func statusMessage(code uint32) string {
	if m, ok := statusMessages[code]; ok {
		return m
	}
	return fmt.Sprintf("status 0x%x", code)
}
