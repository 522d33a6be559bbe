package fdguard

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func pipeFds(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestExtractRejectsAbsentCarrier(t *testing.T) {
	t.Parallel()

	_, err := Extract(Carrier{}, []int{3})
	require.ErrorIs(t, err, ErrNoFd)
}

func TestExtractRejectsEmptyFdList(t *testing.T) {
	t.Parallel()

	_, err := Extract(Carrier{Present: true, Handle: 0}, nil)
	require.ErrorIs(t, err, ErrEmptyFdList)

	_, err = Extract(Carrier{Present: true, Handle: 0}, []int{})
	require.ErrorIs(t, err, ErrEmptyFdList)
}

func TestExtractRejectsInvalidHandle(t *testing.T) {
	r, w := pipeFds(t)
	fds := []int{r, w}

	for _, handle := range []int{-1, 2, 7} {
		_, err := Extract(Carrier{Present: true, Handle: handle}, fds)
		require.ErrorIs(t, err, ErrInvalidFdHandle, "handle %d", handle)
	}
}

func TestExtractReturnsOwnedDuplicate(t *testing.T) {
	r, w := pipeFds(t)

	dup, err := Extract(Carrier{Present: true, Handle: 1}, []int{r, w})
	require.NoError(t, err)
	require.NotEqual(t, w, dup, "must never hand back the transport's descriptor")

	// The duplicate reaches the same pipe.
	_, err = unix.Write(dup, []byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err := unix.Read(r, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	// Closing the duplicate must not invalidate the original.
	require.NoError(t, unix.Close(dup))
	_, err = unix.Write(w, []byte("pong"))
	require.NoError(t, err)
	n, err = unix.Read(r, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))
}
