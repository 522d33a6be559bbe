package socketmgr

import (
	"fmt"
	"log/slog"
	"time"
)

// Options configures a Manager.
type Options struct {
	// Logger receives engine logs; nil falls back to slog.Default().
	Logger *slog.Logger

	// ResponseLatency bounds the synchronous waits; <= 0 means
	// DefaultResponseLatency.
	ResponseLatency time.Duration

	// EvictAfter is the registry's stale-entry TTL; 0 disables eviction,
	// < 0 means DefaultEvictAfter.
	EvictAfter time.Duration
}

// Manager is the caller-facing command façade. Every operation is a remote
// call through the Transport, optionally followed by a synchronous wait on
// the Registry for the matching notification.
type Manager struct {
	log        *slog.Logger
	transport  Transport
	registry   *Registry
	latency    time.Duration
	callbackID uint32
}

// NewManager registers the engine's notification sink with the daemon and
// returns a ready-to-use façade. The caller retains ownership of t and is
// responsible for closing it.
func NewManager(t Transport, opts Options) (*Manager, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	latency := opts.ResponseLatency
	if latency <= 0 {
		latency = DefaultResponseLatency
	}
	evict := opts.EvictAfter
	if evict < 0 {
		evict = DefaultEvictAfter
	}
	reg := NewRegistry(log, evict)
	cbID, err := t.RegisterNotifications(reg)
	if err != nil {
		return nil, fmt.Errorf("socketmgr: register notifications: %w", err)
	}
	return &Manager{
		log:        log,
		transport:  t,
		registry:   reg,
		latency:    latency,
		callbackID: cbID,
	}, nil
}

// Registry exposes the engine's socket state for connection claims and
// direct waits.
func (m *Manager) Registry() *Registry { return m.registry }

// CallbackID returns the id the daemon assigned to this registration.
func (m *Manager) CallbackID() uint32 { return m.callbackID }

func (m *Manager) call(method string, args ...interface{}) (SocketResult, error) {
	var res SocketResult
	callArgs := append([]interface{}{m.callbackID}, args...)
	if err := m.transport.Invoke(method, &res, callArgs...); err != nil {
		return SocketResult{}, fmt.Errorf("socketmgr: %s: %w", method, err)
	}
	return res, nil
}

// ListenUsingL2capChannel asks the daemon to open a secure L2CAP listener.
// The returned result is the daemon's immediate reply; readiness arrives
// later as a notification.
func (m *Manager) ListenUsingL2capChannel() (SocketResult, error) {
	return m.call(methodListenL2cap)
}

// ListenUsingInsecureL2capChannel asks the daemon to open an insecure L2CAP
// listener.
func (m *Manager) ListenUsingInsecureL2capChannel() (SocketResult, error) {
	return m.call(methodListenInsecureL2cap)
}

// ListenUsingRfcommWithServiceRecord asks the daemon to open a secure RFCOMM
// listener published under the given service record.
func (m *Manager) ListenUsingRfcommWithServiceRecord(name, uuid string) (SocketResult, error) {
	return m.call(methodListenRfcommRecord, name, ServiceUUID(uuid))
}

// ListenUsingInsecureRfcommWithServiceRecord asks the daemon to open an
// insecure RFCOMM listener published under the given service record.
func (m *Manager) ListenUsingInsecureRfcommWithServiceRecord(name, uuid string) (SocketResult, error) {
	return m.call(methodListenInsecureRfcommRec, name, ServiceUUID(uuid))
}

// ListenUsingRfcommWithServiceRecordSync issues the listen call and blocks
// until the daemon confirms the listener is ready. It fails when the call
// itself fails, when either status is non-success, or when the ready
// notification does not arrive in time.
func (m *Manager) ListenUsingRfcommWithServiceRecordSync(name, uuid string) (*SocketResult, error) {
	res, err := m.ListenUsingRfcommWithServiceRecord(name, uuid)
	if err != nil {
		return nil, err
	}
	if !res.Status.Ok() {
		return nil, fmt.Errorf("socketmgr: listen with service record: status %s", res.Status)
	}
	_, status, ok := m.registry.WaitForReady(res.ID, m.latency)
	if !ok {
		return nil, fmt.Errorf("socketmgr: listener %d: ready notification timed out", res.ID)
	}
	if !status.Ok() {
		return nil, fmt.Errorf("socketmgr: listener %d failed to start: status %s", res.ID, status)
	}
	return &res, nil
}

// CreateL2capChannel asks the daemon to connect a secure L2CAP channel to
// the device. The outcome arrives later as an outgoing-connection-result
// notification under the returned id.
func (m *Manager) CreateL2capChannel(dev Device, psm int32) (SocketResult, error) {
	return m.call(methodCreateL2cap, dev, psm)
}

// CreateInsecureL2capChannel asks the daemon to connect an insecure L2CAP
// channel to the device.
func (m *Manager) CreateInsecureL2capChannel(dev Device, psm int32) (SocketResult, error) {
	return m.call(methodCreateInsecureL2cap, dev, psm)
}

// CreateRfcommSocketToServiceRecord asks the daemon to connect a secure
// RFCOMM socket to the device's service record.
func (m *Manager) CreateRfcommSocketToServiceRecord(dev Device, uuid string) (SocketResult, error) {
	return m.call(methodCreateRfcommToRecord, dev, ServiceUUID(uuid))
}

// CreateInsecureRfcommSocketToServiceRecord asks the daemon to connect an
// insecure RFCOMM socket to the device's service record.
func (m *Manager) CreateInsecureRfcommSocketToServiceRecord(dev Device, uuid string) (SocketResult, error) {
	return m.call(methodCreateInsecureRfcommToRec, dev, ServiceUUID(uuid))
}

// Accept tells the daemon to accept connections on the listener. timeoutMs
// is the daemon-side accept timeout; nil omits it.
func (m *Manager) Accept(socketID uint64, timeoutMs *int32) (BtStatus, error) {
	var status BtStatus
	if err := m.transport.Invoke(methodAccept, &status, m.callbackID, socketID, timeoutMs); err != nil {
		return 0, fmt.Errorf("socketmgr: %s: %w", methodAccept, err)
	}
	return status, nil
}

// Close asks the daemon to close the socket. It does not wait for the
// closed notification; see CloseSync.
func (m *Manager) Close(socketID uint64) error {
	var status BtStatus
	if err := m.transport.Invoke(methodClose, &status, m.callbackID, socketID); err != nil {
		return fmt.Errorf("socketmgr: %s: %w", methodClose, err)
	}
	if !status.Ok() {
		m.log.Error("failed to close socket", "id", socketID, "status", status.String())
		return fmt.Errorf("socketmgr: close socket %d: status %s", socketID, status)
	}
	return nil
}

// CloseSync closes the socket and blocks until its listening entry is gone.
func (m *Manager) CloseSync(socketID uint64) error {
	if err := m.Close(socketID); err != nil {
		return err
	}
	if !m.registry.WaitForClosed(socketID, m.latency) {
		return fmt.Errorf("socketmgr: socket %d: closed notification timed out", socketID)
	}
	return nil
}

// CloseAll closes every live listener. The id set is snapshotted up front
// because each CloseSync mutates the registry while we iterate. All failures
// are aggregated into one error naming the ids that did not close.
func (m *Manager) CloseAll() error {
	ids := m.registry.ListeningIDs()
	var failed []uint64
	for _, id := range ids {
		if err := m.CloseSync(id); err != nil {
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		m.log.Error("failed to close sockets", "ids", failed)
		return fmt.Errorf("socketmgr: failed to close sockets %v", failed)
	}
	return nil
}
