package socketmgr

import (
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"floss-socketmgr/internal/fdguard"
)

const (
	// DefaultResponseLatency bounds how long the synchronous waits block for
	// a daemon notification before giving up.
	DefaultResponseLatency = 3 * time.Second

	// DefaultEvictAfter bounds how long unclaimed ready/connecting entries
	// (and any fd they still own) survive before the lazy sweep drops them.
	// Entries are only reaped opportunistically, on the notification path.
	DefaultEvictAfter = time.Minute
)

type readyEntry struct {
	socket  ServerSocket
	status  BtStatus
	created time.Time
}

type listeningEntry struct {
	socket  ServerSocket
	pending *queue.Queue // of IncomingConnection, in arrival order
}

type connectingEntry struct {
	status  BtStatus
	socket  *Socket
	fd      int // -1 when no descriptor was transferred
	created time.Time
}

// Registry tracks per-id socket state fed by daemon notifications and hands
// it over to synchronous waiters. One mutex guards all tables; waiters are
// woken through per-id signal channels closed by the notification handlers,
// so the notification path never blocks on caller state.
type Registry struct {
	log        *slog.Logger
	evictAfter time.Duration

	mu         sync.Mutex
	ready      map[uint64]readyEntry
	listening  map[uint64]*listeningEntry
	connecting map[uint64]connectingEntry

	readySignal    map[uint64]chan struct{}
	closedSignal   map[uint64]chan struct{}
	incomingSignal map[uint64]chan struct{}
	outgoingSignal map[uint64]chan struct{}
}

// NewRegistry returns an empty registry. A nil log falls back to
// slog.Default(); evictAfter <= 0 disables the stale-entry sweep.
func NewRegistry(log *slog.Logger, evictAfter time.Duration) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:            log,
		evictAfter:     evictAfter,
		ready:          make(map[uint64]readyEntry),
		listening:      make(map[uint64]*listeningEntry),
		connecting:     make(map[uint64]connectingEntry),
		readySignal:    make(map[uint64]chan struct{}),
		closedSignal:   make(map[uint64]chan struct{}),
		incomingSignal: make(map[uint64]chan struct{}),
		outgoingSignal: make(map[uint64]chan struct{}),
	}
}

// signalLocked returns the current signal channel for id, creating one if
// none is pending. Callers wait on the channel outside the lock.
func (r *Registry) signalLocked(m map[uint64]chan struct{}, id uint64) chan struct{} {
	ch, ok := m[id]
	if !ok {
		ch = make(chan struct{})
		m[id] = ch
	}
	return ch
}

// wakeLocked wakes every waiter currently parked on id. Waiters re-check the
// tables under the lock, so a spurious wake is harmless.
func (r *Registry) wakeLocked(m map[uint64]chan struct{}, id uint64) {
	if ch, ok := m[id]; ok {
		close(ch)
		delete(m, id)
	}
}

// OnIncomingSocketReady records the ready result for the listener and, on
// success, opens its connection queue. A repeated ready for a live listener
// keeps the existing queue so already-delivered connections are not lost.
func (r *Registry) OnIncomingSocketReady(socket ServerSocket, status BtStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(time.Now())

	id := socket.ID
	r.log.Debug("incoming socket ready", "id", id, "status", status.String())
	r.ready[id] = readyEntry{socket: socket, status: status, created: time.Now()}
	r.wakeLocked(r.readySignal, id)

	if !status.Ok() {
		return
	}
	if _, ok := r.listening[id]; ok {
		r.log.Warn("listener already registered, keeping its queue", "id", id)
		return
	}
	r.listening[id] = &listeningEntry{socket: socket, pending: queue.New()}
}

// OnIncomingSocketClosed removes the listener and closes any connection fds
// still queued on it. A close for an unknown id is a tolerated anomaly.
func (r *Registry) OnIncomingSocketClosed(listenerID uint64, reason BtStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.log.Debug("incoming socket closed", "id", listenerID, "reason", reason.String())
	e, ok := r.listening[listenerID]
	if !ok {
		r.log.Warn("closed notification for unknown listener", "id", listenerID, "reason", reason.String())
		return
	}
	delete(r.listening, listenerID)
	r.wakeLocked(r.closedSignal, listenerID)

	for e.pending.Length() > 0 {
		ic := e.pending.Remove().(IncomingConnection)
		if err := unix.Close(ic.Fd); err != nil {
			r.log.Warn("closing unclaimed connection fd", "id", listenerID, "fd", ic.Fd, "err", err)
		}
	}
}

// OnHandleIncomingConnection queues a connection on its listener after
// duplicating the transferred descriptor. A connection without an fd
// reference is still pending assignment and is ignored. An unknown listener
// id is dropped before any descriptor is duplicated, so nothing can leak.
func (r *Registry) OnHandleIncomingConnection(listenerID uint64, conn Socket, fds []int) {
	if !conn.Fd.Present {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.listening[listenerID]
	if !ok {
		r.log.Error("incoming connection for unknown listener, dropping", "id", listenerID)
		return
	}
	fd, err := fdguard.Extract(conn.Fd, fds)
	if err != nil {
		r.log.Error("incoming connection fd rejected", "id", listenerID, "err", err)
		return
	}
	r.log.Debug("incoming connection queued", "id", listenerID, "fd", fd)
	e.pending.Add(IncomingConnection{Conn: conn, Fd: fd})
	r.wakeLocked(r.incomingSignal, listenerID)
}

// OnOutgoingConnectionResult overwrites the result for the connecting id.
// The entry is stored before any fd extraction so a guard failure still
// leaves the status readable; a previously stored fd for the same id is
// closed before being replaced.
func (r *Registry) OnOutgoingConnectionResult(connectingID uint64, result BtStatus, socket *Socket, fds []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(time.Now())

	r.log.Debug("outgoing connection result", "id", connectingID, "result", result.String())
	if prev, ok := r.connecting[connectingID]; ok && prev.fd >= 0 {
		if err := unix.Close(prev.fd); err != nil {
			r.log.Warn("closing stale outgoing fd", "id", connectingID, "fd", prev.fd, "err", err)
		}
	}
	entry := connectingEntry{status: result, socket: socket, fd: -1, created: time.Now()}
	r.connecting[connectingID] = entry
	r.wakeLocked(r.outgoingSignal, connectingID)

	if socket == nil || !socket.Fd.Present {
		return
	}
	fd, err := fdguard.Extract(socket.Fd, fds)
	if err != nil {
		r.log.Error("outgoing connection fd rejected", "id", connectingID, "err", err)
		return
	}
	entry.fd = fd
	r.connecting[connectingID] = entry
}

// WaitForReady blocks until the ready result for listenerID arrives or
// timeout elapses (DefaultResponseLatency when timeout <= 0). The entry is
// removed on return: exactly one waiter observes any given ready result.
// ok is false on timeout.
func (r *Registry) WaitForReady(listenerID uint64, timeout time.Duration) (socket ServerSocket, status BtStatus, ok bool) {
	if timeout <= 0 {
		timeout = DefaultResponseLatency
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		r.mu.Lock()
		if e, found := r.ready[listenerID]; found {
			delete(r.ready, listenerID)
			r.mu.Unlock()
			return e.socket, e.status, true
		}
		ch := r.signalLocked(r.readySignal, listenerID)
		r.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			r.log.Error("socket ready notification not received", "id", listenerID)
			return ServerSocket{}, 0, false
		}
	}
}

// WaitForClosed blocks until listenerID has no listening entry or timeout
// elapses (DefaultResponseLatency when timeout <= 0). Returns true once the
// entry is gone, false on timeout.
func (r *Registry) WaitForClosed(listenerID uint64, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultResponseLatency
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		r.mu.Lock()
		if _, found := r.listening[listenerID]; !found {
			r.mu.Unlock()
			return true
		}
		ch := r.signalLocked(r.closedSignal, listenerID)
		r.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			r.log.Error("socket closed notification not received", "id", listenerID)
			return false
		}
	}
}

// WaitForIncomingConnection blocks until a queued connection can be claimed
// from listenerID or timeout elapses (DefaultResponseLatency when
// timeout <= 0). The claimed fd is owned by the caller.
func (r *Registry) WaitForIncomingConnection(listenerID uint64, timeout time.Duration) (IncomingConnection, bool) {
	if timeout <= 0 {
		timeout = DefaultResponseLatency
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		r.mu.Lock()
		if ic, found := r.takeIncomingLocked(listenerID); found {
			r.mu.Unlock()
			return ic, true
		}
		ch := r.signalLocked(r.incomingSignal, listenerID)
		r.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return IncomingConnection{}, false
		}
	}
}

// WaitForOutgoingResult blocks until a result for connectingID is present or
// timeout elapses (DefaultResponseLatency when timeout <= 0). The entry is
// read without being cleared; use TakeOutgoingFd to claim its descriptor.
func (r *Registry) WaitForOutgoingResult(connectingID uint64, timeout time.Duration) (OutgoingResult, bool) {
	if timeout <= 0 {
		timeout = DefaultResponseLatency
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		r.mu.Lock()
		if e, found := r.connecting[connectingID]; found {
			r.mu.Unlock()
			return OutgoingResult{Status: e.status, Socket: e.socket, Fd: e.fd}, true
		}
		ch := r.signalLocked(r.outgoingSignal, connectingID)
		r.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			r.log.Error("outgoing connection result not received", "id", connectingID)
			return OutgoingResult{}, false
		}
	}
}

// TakeIncomingConnection pops the oldest queued connection for listenerID,
// transferring fd ownership to the caller. ok is false when the listener is
// unknown or its queue is empty.
func (r *Registry) TakeIncomingConnection(listenerID uint64) (IncomingConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.takeIncomingLocked(listenerID)
}

func (r *Registry) takeIncomingLocked(listenerID uint64) (IncomingConnection, bool) {
	e, ok := r.listening[listenerID]
	if !ok || e.pending.Length() == 0 {
		return IncomingConnection{}, false
	}
	return e.pending.Remove().(IncomingConnection), true
}

// PendingConnections reports how many unclaimed connections are queued for
// listenerID.
func (r *Registry) PendingConnections(listenerID uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.listening[listenerID]; ok {
		return e.pending.Length()
	}
	return 0
}

// OutgoingResult reads the recorded result for connectingID without clearing
// it. The returned Fd stays owned by the registry; claim it with
// TakeOutgoingFd.
func (r *Registry) OutgoingResult(connectingID uint64) (OutgoingResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.connecting[connectingID]
	if !ok {
		return OutgoingResult{}, false
	}
	return OutgoingResult{Status: e.status, Socket: e.socket, Fd: e.fd}, true
}

// TakeOutgoingFd transfers ownership of the connecting entry's descriptor to
// the caller. ok is false when the entry is unknown or holds no descriptor.
func (r *Registry) TakeOutgoingFd(connectingID uint64) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.connecting[connectingID]
	if !ok || e.fd < 0 {
		return -1, false
	}
	fd := e.fd
	e.fd = -1
	r.connecting[connectingID] = e
	return fd, true
}

// ListeningIDs returns a snapshot of the live listener ids.
func (r *Registry) ListeningIDs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, 0, len(r.listening))
	for id := range r.listening {
		ids = append(ids, id)
	}
	return ids
}

// sweepLocked evicts ready and connecting entries nobody claimed within
// evictAfter, closing any descriptor they still own. Abandoned waits would
// otherwise pin entries (and fds) forever.
func (r *Registry) sweepLocked(now time.Time) {
	if r.evictAfter <= 0 {
		return
	}
	cutoff := now.Add(-r.evictAfter)
	for id, e := range r.ready {
		if e.created.Before(cutoff) {
			r.log.Debug("evicting stale ready entry", "id", id)
			delete(r.ready, id)
		}
	}
	for id, e := range r.connecting {
		if e.created.Before(cutoff) {
			if e.fd >= 0 {
				if err := unix.Close(e.fd); err != nil {
					r.log.Warn("closing evicted outgoing fd", "id", id, "fd", e.fd, "err", err)
				}
			}
			r.log.Debug("evicting stale connecting entry", "id", id)
			delete(r.connecting, id)
		}
	}
}
