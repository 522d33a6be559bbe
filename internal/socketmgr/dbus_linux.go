//go:build linux

package socketmgr

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"floss-socketmgr/internal/fdguard"
)

const (
	adapterService     = "org.chromium.bluetooth"
	socketManagerIface = "org.chromium.bluetooth.SocketManager"
	callbackIface      = "org.chromium.bluetooth.SocketManagerCallback"
)

var callbackPathCounter uint64

// DbusTransport reaches the adapter daemon's SocketManager interface over the
// system bus and exports the engine's callback object to it.
type DbusTransport struct {
	log     *slog.Logger
	bus     *dbus.Conn
	objpath dbus.ObjectPath
	cbPath  dbus.ObjectPath
}

// NewDbusTransport opens a private system-bus connection targeting the
// adapter at the given hci index. A nil log falls back to slog.Default().
func NewDbusTransport(hci int, log *slog.Logger) (*DbusTransport, error) {
	if log == nil {
		log = slog.Default()
	}
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("socketmgr: connect system bus: %w", err)
	}
	return &DbusTransport{
		log:     log,
		bus:     bus,
		objpath: dbus.ObjectPath(fmt.Sprintf("/org/chromium/bluetooth/hci%d/adapter", hci)),
	}, nil
}

// Invoke calls a SocketManager method with engine-level args translated to
// their wire shapes and stores the reply into out.
func (t *DbusTransport) Invoke(method string, out interface{}, args ...interface{}) error {
	wireArgs, err := encodeArgs(args)
	if err != nil {
		return fmt.Errorf("socketmgr: %s: %w", method, err)
	}
	call := t.bus.Object(adapterService, t.objpath).Call(socketManagerIface+"."+method, 0, wireArgs...)
	if call.Err != nil {
		return fmt.Errorf("socketmgr: call %s: %w", method, call.Err)
	}
	if out == nil || len(call.Body) == 0 {
		return nil
	}
	return storeReply(method, call.Body[0], out)
}

// RegisterNotifications exports the callback object at a per-process unique
// path and registers that path with the daemon.
func (t *DbusTransport) RegisterNotifications(sink NotificationSink) (uint32, error) {
	n := atomic.AddUint64(&callbackPathCounter, 1)
	path := dbus.ObjectPath(fmt.Sprintf("/floss_socketmgr/callback/p%d", n))
	if err := t.bus.Export(&callbackServer{sink: sink, log: t.log}, path, callbackIface); err != nil {
		return 0, fmt.Errorf("socketmgr: export callbacks: %w", err)
	}
	t.cbPath = path

	call := t.bus.Object(adapterService, t.objpath).Call(socketManagerIface+".RegisterCallback", 0, path)
	if call.Err != nil {
		return 0, fmt.Errorf("socketmgr: RegisterCallback: %w", call.Err)
	}
	var cbID uint32
	if err := call.Store(&cbID); err != nil {
		return 0, fmt.Errorf("socketmgr: decode RegisterCallback reply: %w", err)
	}
	return cbID, nil
}

// Close unexports the callback object and closes the bus connection.
func (t *DbusTransport) Close() error {
	if t.cbPath != "" {
		_ = t.bus.Export(nil, t.cbPath, callbackIface)
		t.cbPath = ""
	}
	if err := t.bus.Close(); err != nil {
		return fmt.Errorf("socketmgr: close bus: %w", err)
	}
	return nil
}

// encodeArgs maps engine-level argument types onto their wire shapes.
func encodeArgs(args []interface{}) ([]interface{}, error) {
	out := make([]interface{}, 0, len(args))
	for _, a := range args {
		switch v := a.(type) {
		case Device:
			out = append(out, map[string]dbus.Variant{
				"address": dbus.MakeVariant(v.Address),
				"name":    dbus.MakeVariant(v.Name),
			})
		case ServiceUUID:
			u, err := uuid.Parse(string(v))
			if err != nil {
				return nil, fmt.Errorf("parse service uuid %q: %w", string(v), err)
			}
			out = append(out, u[:])
		case *int32:
			// Optional int argument, encoded as a{sv}.
			opt := map[string]dbus.Variant{}
			if v != nil {
				opt["optional_value"] = dbus.MakeVariant(*v)
			}
			out = append(out, opt)
		default:
			out = append(out, a)
		}
	}
	return out, nil
}

func storeReply(method string, body interface{}, out interface{}) error {
	switch dst := out.(type) {
	case *SocketResult:
		dict, ok := body.(map[string]dbus.Variant)
		if !ok {
			return fmt.Errorf("socketmgr: %s: unexpected reply type %T", method, body)
		}
		dst.Status = BtStatus(vUint32(dict, "status"))
		dst.ID = vUint64(dict, "id")
		return nil
	case *BtStatus:
		v, ok := body.(uint32)
		if !ok {
			return fmt.Errorf("socketmgr: %s: unexpected reply type %T", method, body)
		}
		*dst = BtStatus(v)
		return nil
	default:
		return fmt.Errorf("socketmgr: %s: unsupported reply target %T", method, out)
	}
}

// callbackServer is the object exported on the bus; it decodes wire payloads
// and forwards them to the engine's sink.
type callbackServer struct {
	sink NotificationSink
	log  *slog.Logger
}

func (s *callbackServer) OnIncomingSocketReady(socket map[string]dbus.Variant, status uint32) *dbus.Error {
	s.sink.OnIncomingSocketReady(decodeServerSocket(socket), BtStatus(status))
	return nil
}

func (s *callbackServer) OnIncomingSocketClosed(listenerID uint64, reason uint32) *dbus.Error {
	s.sink.OnIncomingSocketClosed(listenerID, BtStatus(reason))
	return nil
}

func (s *callbackServer) OnHandleIncomingConnection(listenerID uint64, connection map[string]dbus.Variant) *dbus.Error {
	conn, fds := decodeSocket(connection)
	s.sink.OnHandleIncomingConnection(listenerID, conn, fds)
	return nil
}

func (s *callbackServer) OnOutgoingConnectionResult(connectingID uint64, result uint32, socket map[string]dbus.Variant) *dbus.Error {
	var conn *Socket
	var fds []int
	if inner, ok := unwrapOptional(socket); ok {
		if dict, ok := inner.(map[string]dbus.Variant); ok {
			c, f := decodeSocket(dict)
			conn, fds = &c, f
		} else {
			s.log.Warn("outgoing result carries malformed socket payload")
		}
	}
	s.sink.OnOutgoingConnectionResult(connectingID, BtStatus(result), conn, fds)
	return nil
}

// unwrapOptional unpacks the daemon's a{sv} optional encoding. An empty dict
// or a missing optional_value key means absent.
func unwrapOptional(d map[string]dbus.Variant) (interface{}, bool) {
	v, ok := d["optional_value"]
	if !ok {
		return nil, false
	}
	return v.Value(), true
}

func decodeServerSocket(d map[string]dbus.Variant) ServerSocket {
	return ServerSocket{
		ID:      vUint64(d, "id"),
		Type:    SocketType(vUint32(d, "sock_type")),
		Flags:   vUint32(d, "flags"),
		PSM:     vOptionalInt32(d, "psm"),
		Channel: vOptionalInt32(d, "channel"),
		Name:    vOptionalString(d, "name"),
		UUID:    vUUID(d, "uuid"),
	}
}

// decodeSocket decodes a connection record. The daemon references the
// connection's fd as a unix-fd handle resolved by the bus library against the
// message's out-of-band descriptor list during decode, so the side channel
// handed to the guard is the resolved descriptor itself.
func decodeSocket(d map[string]dbus.Variant) (Socket, []int) {
	s := Socket{
		ID:        vUint64(d, "id"),
		Type:      SocketType(vUint32(d, "sock_type")),
		Flags:     vUint32(d, "flags"),
		Port:      vInt32(d, "port"),
		UUID:      vUUID(d, "uuid"),
		MaxRxSize: vInt32(d, "max_rx_size"),
		MaxTxSize: vInt32(d, "max_tx_size"),
	}
	if dev, ok := d["remote_device"]; ok {
		if dd, ok := dev.Value().(map[string]dbus.Variant); ok {
			s.RemoteDevice = Device{
				Address: vString(dd, "address"),
				Name:    vString(dd, "name"),
			}
		}
	}
	var fds []int
	if fdDict, ok := d["fd"]; ok {
		if inner, ok := fdDict.Value().(map[string]dbus.Variant); ok {
			if raw, present := unwrapOptional(inner); present {
				switch fd := raw.(type) {
				case dbus.UnixFD:
					s.Fd = fdguard.Carrier{Present: true, Handle: 0}
					fds = []int{int(fd)}
				case dbus.UnixFDIndex:
					// Unresolved handle with no descriptor list to match;
					// the guard rejects it downstream.
					s.Fd = fdguard.Carrier{Present: true, Handle: int(fd)}
				}
			}
		}
	}
	return s, fds
}

func vString(d map[string]dbus.Variant, key string) string {
	if v, ok := d[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

// vOptionalString reads a string that may be wrapped in the optional a{sv}
// encoding.
func vOptionalString(d map[string]dbus.Variant, key string) string {
	v, ok := d[key]
	if !ok {
		return ""
	}
	switch val := v.Value().(type) {
	case string:
		return val
	case map[string]dbus.Variant:
		if inner, present := unwrapOptional(val); present {
			if s, ok := inner.(string); ok {
				return s
			}
		}
	}
	return ""
}

func vUint32(d map[string]dbus.Variant, key string) uint32 {
	if v, ok := d[key]; ok {
		if n, ok := v.Value().(uint32); ok {
			return n
		}
	}
	return 0
}

func vUint64(d map[string]dbus.Variant, key string) uint64 {
	if v, ok := d[key]; ok {
		if n, ok := v.Value().(uint64); ok {
			return n
		}
	}
	return 0
}

func vInt32(d map[string]dbus.Variant, key string) int32 {
	if v, ok := d[key]; ok {
		if n, ok := v.Value().(int32); ok {
			return n
		}
	}
	return 0
}

// vOptionalInt32 reads an optional int field; -1 means absent.
func vOptionalInt32(d map[string]dbus.Variant, key string) int32 {
	v, ok := d[key]
	if !ok {
		return -1
	}
	switch val := v.Value().(type) {
	case int32:
		return val
	case map[string]dbus.Variant:
		if inner, present := unwrapOptional(val); present {
			if n, ok := inner.(int32); ok {
				return n
			}
		}
	}
	return -1
}

// vUUID reads a service uuid delivered either as a 16-byte array or a
// string.
func vUUID(d map[string]dbus.Variant, key string) string {
	v, ok := d[key]
	if !ok {
		return ""
	}
	switch val := v.Value().(type) {
	case string:
		return val
	case []byte:
		if u, err := uuid.FromBytes(val); err == nil {
			return u.String()
		}
	}
	return ""
}
