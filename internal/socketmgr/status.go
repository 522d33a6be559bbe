package socketmgr

import "strconv"

// BtStatus mirrors the adapter daemon's status enumeration. Only
// StatusSuccess carries meaning for this engine; every other value is
// reported to callers unchanged.
type BtStatus uint32

const (
	StatusSuccess BtStatus = iota
	StatusFail
	StatusNotReady
	StatusNoMemory
	StatusBusy
	StatusDone
	StatusUnsupported
	StatusInvalidParam
	StatusUnhandled
	StatusAuthFailure
	StatusRemoteDeviceDown
	StatusAuthRejected
	StatusTimeout
)

// Ok reports whether the status is the daemon's success value.
func (s BtStatus) Ok() bool { return s == StatusSuccess }

func (s BtStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFail:
		return "fail"
	case StatusNotReady:
		return "not-ready"
	case StatusNoMemory:
		return "no-memory"
	case StatusBusy:
		return "busy"
	case StatusDone:
		return "done"
	case StatusUnsupported:
		return "unsupported"
	case StatusInvalidParam:
		return "invalid-param"
	case StatusUnhandled:
		return "unhandled"
	case StatusAuthFailure:
		return "auth-failure"
	case StatusRemoteDeviceDown:
		return "remote-device-down"
	case StatusAuthRejected:
		return "auth-rejected"
	case StatusTimeout:
		return "timeout"
	default:
		return "status(" + strconv.FormatUint(uint64(s), 10) + ")"
	}
}
