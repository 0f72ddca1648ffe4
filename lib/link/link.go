// Package link wraps one authenticated byte stream to a neighbour. It frames
// outbound bodies through a bounded queue drained by a single writer and
// hands every inbound body to a callback from a single reader.
package link

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/go-overlay/lib/identity"
	"github.com/go-i2p/go-overlay/lib/wire"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// ErrLinkClosed is returned by Write once the link is closing or closed.
var ErrLinkClosed = errors.New("link closed")

const (
	DefaultQueueSize    = 128
	DefaultMaxFrameSize = 4 << 20
)

// Options configures a Link.
type Options struct {
	// QueueSize bounds the number of queued writes before Write blocks.
	QueueSize int
	// MaxFrameSize bounds inbound bodies. Larger frames close the link.
	MaxFrameSize int
	// OnFrame receives every inbound body. It runs on the link's reader
	// goroutine, so a slow handler delays only this link.
	OnFrame func(l *Link, body []byte)
	// OnClose runs once, after both workers have exited and before Done
	// is closed.
	OnClose func(l *Link)
}

type writeRequest struct {
	body []byte
	done chan error
}

// Link is a framed, queued connection to one neighbour.
type Link struct {
	remote data.Hash
	conn   io.ReadWriteCloser
	opts   Options
	opened time.Time

	sendQueue    chan *writeRequest
	queuedBytes  atomic.Int64
	bytesWritten atomic.Uint64
	windowBytes  atomic.Uint64
	state        atomic.Int32

	errMu     sync.Mutex
	lastError error

	ctx    context.Context
	cancel context.CancelFunc

	lifecycle sync.Mutex
	closing   bool
	wg        sync.WaitGroup
	closed    chan struct{}
}

// New wraps conn. The link is in StateConnecting until Start is called;
// writes issued before Start are queued.
func New(remote data.Hash, conn io.ReadWriteCloser, opts Options) *Link {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		remote:    remote,
		conn:      conn,
		opts:      opts,
		opened:    time.Now(),
		sendQueue: make(chan *writeRequest, opts.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}
}

// Start launches the reader and writer. It does nothing if the link was
// already started or closed.
func (l *Link) Start() {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()
	if l.closing || !l.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return
	}
	l.wg.Add(2)
	go l.sendWorker()
	go l.receiveWorker()

	log.WithFields(logger.Fields{
		"at":     "(Link) Start",
		"remote": identity.Short(l.remote),
	}).Debug("link open")
}

// Remote returns the neighbour's hash.
func (l *Link) Remote() data.Hash { return l.remote }

// State returns the current lifecycle state.
func (l *Link) State() State { return State(l.state.Load()) }

// Opened returns when the link was created.
func (l *Link) Opened() time.Time { return l.opened }

// Done is closed once the link has fully shut down.
func (l *Link) Done() <-chan struct{} { return l.closed }

// Err returns the error that closed the link, if any.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.lastError
}

// QueuedBytes returns the number of body bytes accepted by Write but not yet
// handed to the transport.
func (l *Link) QueuedBytes() int64 { return l.queuedBytes.Load() }

// BytesWritten returns the total body bytes handed to the transport.
func (l *Link) BytesWritten() uint64 { return l.bytesWritten.Load() }

// WindowBytes returns the bytes written since the last ResetWindow.
func (l *Link) WindowBytes() uint64 { return l.windowBytes.Load() }

// ResetWindow zeroes the window counter and returns its previous value.
func (l *Link) ResetWindow() uint64 { return l.windowBytes.Swap(0) }

// Write queues body and blocks until the transport accepts it, ctx ends, or
// the link closes. After Close every Write fails with ErrLinkClosed.
func (l *Link) Write(ctx context.Context, body []byte) error {
	if s := l.State(); s == StateClosing || s == StateClosed {
		return ErrLinkClosed
	}
	req := &writeRequest{body: body, done: make(chan error, 1)}
	n := int64(len(body))
	l.queuedBytes.Add(n)

	select {
	case l.sendQueue <- req:
	case <-ctx.Done():
		l.queuedBytes.Add(-n)
		return ctx.Err()
	case <-l.ctx.Done():
		l.queuedBytes.Add(-n)
		return ErrLinkClosed
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		select {
		case err := <-req.done:
			return err
		default:
			return ErrLinkClosed
		}
	}
}

// Close tears the link down without waiting for the workers. Pending and
// future writers are released with ErrLinkClosed. Use Done to wait.
func (l *Link) Close() error {
	return l.terminate(nil)
}

func (l *Link) terminate(cause error) error {
	l.lifecycle.Lock()
	if l.closing {
		l.lifecycle.Unlock()
		return nil
	}
	l.closing = true
	l.state.Store(int32(StateClosing))
	l.lifecycle.Unlock()

	if cause != nil {
		l.errMu.Lock()
		l.lastError = cause
		l.errMu.Unlock()
	}
	l.cancel()
	err := l.conn.Close()

	go func() {
		l.wg.Wait()
		l.state.Store(int32(StateClosed))
		if l.opts.OnClose != nil {
			l.opts.OnClose(l)
		}
		close(l.closed)
	}()

	if err != nil {
		return oops.Wrapf(err, "close link to %s", identity.Short(l.remote))
	}
	return nil
}

func (l *Link) sendWorker() {
	defer l.wg.Done()

	for {
		select {
		case req := <-l.sendQueue:
			n := len(req.body)
			err := wire.WriteFrame(l.conn, req.body)
			l.queuedBytes.Add(-int64(n))
			if err != nil {
				req.done <- oops.Wrapf(ErrLinkClosed, "write to %s: %s", identity.Short(l.remote), err)
				l.fail(err, "write_failed")
				return
			}
			l.bytesWritten.Add(uint64(n))
			l.windowBytes.Add(uint64(n))
			req.done <- nil

		case <-l.ctx.Done():
			return
		}
	}
}

func (l *Link) receiveWorker() {
	defer l.wg.Done()

	for {
		body, err := wire.ReadFrame(l.conn, l.opts.MaxFrameSize)
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, io.EOF) {
				l.terminate(nil)
				return
			}
			l.fail(err, "read_failed")
			return
		}
		if l.opts.OnFrame != nil {
			l.opts.OnFrame(l, body)
		}
	}
}

func (l *Link) fail(err error, reason string) {
	if l.ctx.Err() == nil {
		log.WithFields(logger.Fields{
			"at":     "(Link) fail",
			"remote": identity.Short(l.remote),
			"reason": reason,
		}).WithError(err).Warn("closing link")
	}
	l.terminate(err)
}
