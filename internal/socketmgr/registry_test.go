package socketmgr

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"floss-socketmgr/internal/fdguard"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(discardLogger(), 0)
}

func testPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func fdValid(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

func TestWaitForReadySingleConsumer(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	reg.OnIncomingSocketReady(ServerSocket{ID: 7, Name: "svc"}, StatusSuccess)

	socket, status, ok := reg.WaitForReady(7, 100*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, StatusSuccess, status)
	require.Equal(t, uint64(7), socket.ID)

	// The entry was consumed; a second wait can only time out.
	_, _, ok = reg.WaitForReady(7, 50*time.Millisecond)
	require.False(t, ok)
}

func TestWaitForReadyConcurrentWaiters(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	var wg sync.WaitGroup
	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, ok := reg.WaitForReady(1, 400*time.Millisecond)
			results <- ok
		}()
	}
	time.Sleep(50 * time.Millisecond)
	reg.OnIncomingSocketReady(ServerSocket{ID: 1}, StatusSuccess)
	wg.Wait()
	close(results)

	won := 0
	for ok := range results {
		if ok {
			won++
		}
	}
	require.Equal(t, 1, won, "exactly one waiter may observe the ready entry")
}

func TestWaitForReadyBlocksUntilNotified(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	go func() {
		time.Sleep(40 * time.Millisecond)
		reg.OnIncomingSocketReady(ServerSocket{ID: 2}, StatusFail)
	}()

	_, status, ok := reg.WaitForReady(2, time.Second)
	require.True(t, ok)
	require.Equal(t, StatusFail, status)
}

func TestWaitForReadyTimeoutBound(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	start := time.Now()
	_, _, ok := reg.WaitForReady(99, 150*time.Millisecond)
	elapsed := time.Since(start)

	require.False(t, ok)
	require.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	require.Less(t, elapsed, time.Second)
}

func TestReadyFailureDoesNotOpenListener(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	reg.OnIncomingSocketReady(ServerSocket{ID: 3}, StatusFail)
	require.Empty(t, reg.ListeningIDs())

	// The failure is still observable through the wait bridge.
	_, status, ok := reg.WaitForReady(3, 100*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, StatusFail, status)
}

func TestRepeatedReadyKeepsConnectionQueue(t *testing.T) {
	reg := testRegistry(t)
	_, w := testPipe(t)

	reg.OnIncomingSocketReady(ServerSocket{ID: 4}, StatusSuccess)
	reg.OnHandleIncomingConnection(4, Socket{ID: 40, Fd: fdguard.Carrier{Present: true, Handle: 0}}, []int{w})
	require.Equal(t, 1, reg.PendingConnections(4))

	reg.OnIncomingSocketReady(ServerSocket{ID: 4}, StatusSuccess)
	require.Equal(t, 1, reg.PendingConnections(4), "repeat ready must not drop queued connections")
}

func TestIncomingConnectionOrderingAndOwnership(t *testing.T) {
	reg := testRegistry(t)
	_, w := testPipe(t)

	reg.OnIncomingSocketReady(ServerSocket{ID: 5}, StatusSuccess)
	reg.OnHandleIncomingConnection(5, Socket{ID: 50, Fd: fdguard.Carrier{Present: true, Handle: 0}}, []int{w})
	reg.OnHandleIncomingConnection(5, Socket{ID: 51, Fd: fdguard.Carrier{Present: true, Handle: 0}}, []int{w})

	first, ok := reg.TakeIncomingConnection(5)
	require.True(t, ok)
	require.Equal(t, uint64(50), first.Conn.ID)
	require.NotEqual(t, w, first.Fd, "registry must hold a duplicate, not the transport's fd")
	require.True(t, fdValid(first.Fd))
	unix.Close(first.Fd)

	second, ok := reg.TakeIncomingConnection(5)
	require.True(t, ok)
	require.Equal(t, uint64(51), second.Conn.ID)
	unix.Close(second.Fd)

	_, ok = reg.TakeIncomingConnection(5)
	require.False(t, ok)
}

func TestIncomingConnectionWithoutFdIsIgnored(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	reg.OnIncomingSocketReady(ServerSocket{ID: 6}, StatusSuccess)
	reg.OnHandleIncomingConnection(6, Socket{ID: 60}, nil)
	require.Equal(t, 0, reg.PendingConnections(6))
}

func TestIncomingConnectionUnknownListenerDropped(t *testing.T) {
	reg := testRegistry(t)
	_, w := testPipe(t)

	reg.OnHandleIncomingConnection(8, Socket{ID: 80, Fd: fdguard.Carrier{Present: true, Handle: 0}}, []int{w})
	require.Equal(t, 0, reg.PendingConnections(8))
	require.True(t, fdValid(w), "drop must not touch the transport's fd")
}

func TestIncomingConnectionGuardFailureDropped(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	reg.OnIncomingSocketReady(ServerSocket{ID: 9}, StatusSuccess)
	reg.OnHandleIncomingConnection(9, Socket{ID: 90, Fd: fdguard.Carrier{Present: true, Handle: 3}}, []int{1})
	require.Equal(t, 0, reg.PendingConnections(9))
}

func TestClosedRemovesListenerAndQueuedFds(t *testing.T) {
	reg := testRegistry(t)
	_, w := testPipe(t)

	reg.OnIncomingSocketReady(ServerSocket{ID: 10}, StatusSuccess)
	reg.OnHandleIncomingConnection(10, Socket{ID: 100, Fd: fdguard.Carrier{Present: true, Handle: 0}}, []int{w})

	reg.OnIncomingSocketClosed(10, StatusSuccess)
	require.Empty(t, reg.ListeningIDs())
	_, ok := reg.TakeIncomingConnection(10)
	require.False(t, ok)
}

func TestClosedUnknownListenerIsTolerated(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	reg.OnIncomingSocketClosed(11, StatusFail)
	require.Empty(t, reg.ListeningIDs())
}

func TestWaitForClosed(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	// Absent listener: already closed.
	require.True(t, reg.WaitForClosed(12, 50*time.Millisecond))

	reg.OnIncomingSocketReady(ServerSocket{ID: 12}, StatusSuccess)
	go func() {
		time.Sleep(40 * time.Millisecond)
		reg.OnIncomingSocketClosed(12, StatusSuccess)
	}()
	require.True(t, reg.WaitForClosed(12, time.Second))

	reg.OnIncomingSocketReady(ServerSocket{ID: 13}, StatusSuccess)
	require.False(t, reg.WaitForClosed(13, 80*time.Millisecond))
}

func TestOutgoingResultOverwriteAndFdTransfer(t *testing.T) {
	reg := testRegistry(t)
	_, w := testPipe(t)

	// First result without a socket payload.
	reg.OnOutgoingConnectionResult(20, StatusFail, nil, nil)
	out, ok := reg.OutgoingResult(20)
	require.True(t, ok)
	require.Equal(t, StatusFail, out.Status)
	require.Equal(t, -1, out.Fd)

	// Overwritten by a successful result carrying an fd.
	sock := &Socket{ID: 200, Fd: fdguard.Carrier{Present: true, Handle: 0}}
	reg.OnOutgoingConnectionResult(20, StatusSuccess, sock, []int{w})
	out, ok = reg.OutgoingResult(20)
	require.True(t, ok)
	require.Equal(t, StatusSuccess, out.Status)
	require.NotEqual(t, w, out.Fd)
	require.GreaterOrEqual(t, out.Fd, 0)

	// Reads do not clear; only TakeOutgoingFd transfers ownership.
	again, ok := reg.OutgoingResult(20)
	require.True(t, ok)
	require.Equal(t, out.Fd, again.Fd)

	fd, ok := reg.TakeOutgoingFd(20)
	require.True(t, ok)
	require.Equal(t, out.Fd, fd)
	unix.Close(fd)

	_, ok = reg.TakeOutgoingFd(20)
	require.False(t, ok)
}

func TestOutgoingResultGuardFailureKeepsStatus(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	sock := &Socket{ID: 210, Fd: fdguard.Carrier{Present: true, Handle: 5}}
	reg.OnOutgoingConnectionResult(21, StatusSuccess, sock, []int{1})

	out, ok := reg.OutgoingResult(21)
	require.True(t, ok)
	require.Equal(t, StatusSuccess, out.Status)
	require.Equal(t, -1, out.Fd, "guard failure leaves the fd absent")
}

func TestWaitForOutgoingResult(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	go func() {
		time.Sleep(30 * time.Millisecond)
		reg.OnOutgoingConnectionResult(22, StatusSuccess, nil, nil)
	}()
	out, ok := reg.WaitForOutgoingResult(22, time.Second)
	require.True(t, ok)
	require.Equal(t, StatusSuccess, out.Status)

	_, ok = reg.WaitForOutgoingResult(23, 60*time.Millisecond)
	require.False(t, ok)
}

func TestWaitForIncomingConnection(t *testing.T) {
	reg := testRegistry(t)
	_, w := testPipe(t)

	reg.OnIncomingSocketReady(ServerSocket{ID: 30}, StatusSuccess)
	go func() {
		time.Sleep(30 * time.Millisecond)
		reg.OnHandleIncomingConnection(30, Socket{ID: 300, Fd: fdguard.Carrier{Present: true, Handle: 0}}, []int{w})
	}()

	ic, ok := reg.WaitForIncomingConnection(30, time.Second)
	require.True(t, ok)
	require.Equal(t, uint64(300), ic.Conn.ID)
	unix.Close(ic.Fd)

	_, ok = reg.WaitForIncomingConnection(30, 60*time.Millisecond)
	require.False(t, ok)
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	reg := NewRegistry(discardLogger(), 20*time.Millisecond)
	_, w := testPipe(t)

	reg.OnIncomingSocketReady(ServerSocket{ID: 40}, StatusSuccess)
	sock := &Socket{ID: 400, Fd: fdguard.Carrier{Present: true, Handle: 0}}
	reg.OnOutgoingConnectionResult(41, StatusSuccess, sock, []int{w})
	out, ok := reg.OutgoingResult(41)
	require.True(t, ok)
	staleFd := out.Fd

	time.Sleep(50 * time.Millisecond)
	// Any notification triggers the lazy sweep.
	reg.OnIncomingSocketReady(ServerSocket{ID: 42}, StatusSuccess)

	_, _, ok = reg.WaitForReady(40, 30*time.Millisecond)
	require.False(t, ok, "stale ready entry must be evicted")
	_, ok = reg.OutgoingResult(41)
	require.False(t, ok, "stale connecting entry must be evicted")
	require.False(t, fdValid(staleFd), "evicted connecting fd must be closed")

	// The listening table is not subject to eviction.
	require.Contains(t, reg.ListeningIDs(), uint64(40))
}
