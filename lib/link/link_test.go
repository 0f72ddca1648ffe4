package link

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/go-overlay/lib/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHash(suffix byte) data.Hash {
	var h data.Hash
	h[0] = 0xBB
	h[31] = suffix
	return h
}

func newPipeLink(t *testing.T, opts Options) (*Link, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	l := New(testHash(1), local, opts)
	t.Cleanup(func() {
		l.Close()
		remote.Close()
	})
	return l, remote
}

func TestLink_WriteDeliversFrame(t *testing.T) {
	l, remote := newPipeLink(t, Options{})
	l.Start()
	assert.Equal(t, StateOpen, l.State())

	got := make(chan []byte, 1)
	go func() {
		body, err := wire.ReadFrame(remote, 0)
		if err == nil {
			got <- body
		}
	}()

	require.NoError(t, l.Write(context.Background(), []byte("ping")))
	select {
	case body := <-got:
		assert.Equal(t, "ping", string(body))
	case <-time.After(time.Second):
		t.Fatal("frame not received")
	}
	assert.EqualValues(t, 4, l.BytesWritten())
	assert.EqualValues(t, 4, l.WindowBytes())
	assert.EqualValues(t, 0, l.QueuedBytes())
}

func TestLink_ReceiveInvokesOnFrame(t *testing.T) {
	frames := make(chan string, 2)
	l, remote := newPipeLink(t, Options{
		OnFrame: func(_ *Link, body []byte) { frames <- string(body) },
	})
	l.Start()

	require.NoError(t, wire.WriteFrame(remote, []byte("a")))
	require.NoError(t, wire.WriteFrame(remote, []byte("b")))
	assert.Equal(t, "a", <-frames)
	assert.Equal(t, "b", <-frames)
}

func TestLink_WriteBlocksUntilAccepted(t *testing.T) {
	l, remote := newPipeLink(t, Options{})
	l.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Write(ctx, []byte("stalled"))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.EqualValues(t, 7, l.QueuedBytes(), "queued body still counted while transport is blocked")

	body, err := wire.ReadFrame(remote, 0)
	require.NoError(t, err)
	assert.Equal(t, "stalled", string(body))
	require.Eventually(t, func() bool { return l.QueuedBytes() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLink_CloseReleasesWriters(t *testing.T) {
	l, _ := newPipeLink(t, Options{QueueSize: 1})
	l.Start()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Write(context.Background(), []byte("x"))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Close())

	wg.Wait()
	close(errs)
	for err := range errs {
		assert.True(t, errors.Is(err, ErrLinkClosed), "got %v", err)
	}

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("link did not shut down")
	}
	assert.Equal(t, StateClosed, l.State())
	assert.True(t, errors.Is(l.Write(context.Background(), []byte("late")), ErrLinkClosed))
}

func TestLink_RemoteCloseRunsOnClose(t *testing.T) {
	closed := make(chan struct{})
	l, remote := newPipeLink(t, Options{
		OnClose: func(*Link) { close(closed) },
	})
	l.Start()

	require.NoError(t, remote.Close())
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("OnClose not called")
	}
	assert.Equal(t, StateClosed, l.State())
}

func TestLink_OversizedFrameClosesLink(t *testing.T) {
	l, remote := newPipeLink(t, Options{MaxFrameSize: 8})
	l.Start()

	go wire.WriteFrame(remote, make([]byte, 64))
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("link should close on oversized frame")
	}
	assert.True(t, errors.Is(l.Err(), wire.ErrFrameTooLarge))
}

func TestLink_ResetWindow(t *testing.T) {
	l, remote := newPipeLink(t, Options{})
	l.Start()
	go func() {
		for {
			if _, err := wire.ReadFrame(remote, 0); err != nil {
				return
			}
		}
	}()

	require.NoError(t, l.Write(context.Background(), make([]byte, 10)))
	assert.EqualValues(t, 10, l.ResetWindow())
	assert.EqualValues(t, 0, l.WindowBytes())
	assert.EqualValues(t, 10, l.BytesWritten())
}

func TestLink_CloseBeforeStart(t *testing.T) {
	l, _ := newPipeLink(t, Options{})
	require.NoError(t, l.Close())
	l.Start()
	<-l.Done()
	assert.Equal(t, StateClosed, l.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "state(9)", State(9).String())
}
