// Package socketmgr is a client engine for the Floss adapter daemon's
// SocketManager interface, responsible for correlating the daemon's
// asynchronous socket notifications with synchronous caller operations and
// for taking ownership of the unix file descriptors those notifications
// carry.
//
// The engine has three layers:
//
//   - Registry: mutex-guarded per-id state fed by daemon notifications
//     (ready listeners, queued incoming connections, outgoing results) plus
//     the synchronous wait bridge over that state.
//   - Manager: the caller-facing command façade; each operation is a remote
//     call optionally followed by a wait on the Registry.
//   - Transport: the thin slice of the D-Bus connection the engine needs;
//     DbusTransport is the production implementation.
//
// Thread-safety: Manager and Registry methods are safe for concurrent use.
// Notifications are dispatched from the transport's inbound thread and never
// block on caller state.
//
// Fd ownership: every descriptor the Registry stores is a process-owned
// duplicate. A caller that claims one (TakeIncomingConnection, TakeOutgoingFd)
// owns it, should wrap it with os.NewFile(uintptr(fd), ...) for I/O, and must
// close it. Unclaimed descriptors are closed when their entry is removed or
// evicted.
package socketmgr

import "floss-socketmgr/internal/fdguard"

// Device identifies a remote device for outgoing connection calls.
type Device struct {
	Address string
	Name    string
}

// ServiceUUID is a 128-bit service uuid in canonical string form. The
// transport converts it to the daemon's 16-byte wire encoding.
type ServiceUUID string

// SocketType is the daemon's socket type discriminator.
type SocketType uint32

const (
	SocketTypeUnknown SocketType = iota
	SocketTypeRfcomm
	SocketTypeSco
	SocketTypeL2cap
	SocketTypeL2capLE
)

// ServerSocket is the daemon's record of a listening socket.
// PSM and Channel are optional on the wire; a negative value means absent.
type ServerSocket struct {
	ID      uint64
	Type    SocketType
	Flags   uint32
	PSM     int32
	Channel int32
	Name    string
	UUID    string
}

// Socket is the daemon's record of an established connection. Fd refers to
// the out-of-band descriptor list of the notification it arrived in; it is
// only meaningful while that notification is being handled.
type Socket struct {
	ID           uint64
	RemoteDevice Device
	Type         SocketType
	Flags        uint32
	Fd           fdguard.Carrier
	Port         int32
	UUID         string
	MaxRxSize    int32
	MaxTxSize    int32
}

// SocketResult is the immediate reply of the listen*/create* calls: the call
// status and the listener or connecting id the daemon assigned.
type SocketResult struct {
	Status BtStatus
	ID     uint64
}

// IncomingConnection pairs a connection record with its process-owned fd.
type IncomingConnection struct {
	Conn Socket
	Fd   int
}

// OutgoingResult is the recorded outcome of an outgoing connection attempt.
// Fd is -1 while no descriptor has been transferred (or after a caller took
// it).
type OutgoingResult struct {
	Status BtStatus
	Socket *Socket
	Fd     int
}

// NotificationSink receives the SocketManager callbacks pushed by the daemon.
// The Registry is the engine's sink; the transport decodes wire payloads into
// these calls. fds is the notification's out-of-band descriptor list, owned
// by the transport for the duration of the call.
type NotificationSink interface {
	OnIncomingSocketReady(socket ServerSocket, status BtStatus)
	OnIncomingSocketClosed(listenerID uint64, reason BtStatus)
	OnHandleIncomingConnection(listenerID uint64, conn Socket, fds []int)
	OnOutgoingConnectionResult(connectingID uint64, result BtStatus, socket *Socket, fds []int)
}
