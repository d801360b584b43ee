// Package mfd implements the stream contract over deadline-capable
// descriptors: net.Conn values and poller-registered os.File values.
// Reads frame against a holdover buffer so delimiter splits survive
// across syscalls, writes drain through a single flusher goroutine.
package mfd

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influx6/faux/metrics"
	"github.com/influx6/faux/pools/seeker"
	"github.com/influx6/mstream"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/sys/unix"
)

const (
	// MinBufferSize sets the smallest slice used to read in content
	// from the descriptor when a read's length cap falls below it.
	// Reads without a smaller cap use MaxBufferSize.
	MinBufferSize = 512

	// MaxBufferSize sets the maximum size allowed for a single
	// read from the descriptor.
	MaxBufferSize = 65536

	// MaxWriteChunk sets the largest slice handed to the descriptor
	// in one write call by the flusher.
	MaxWriteChunk = 65536
)

// Conn is the descriptor surface the stream drives: reads, writes and
// deadlines. Both net.Conn and *os.File satisfy it.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

var (
	_ Conn = (net.Conn)(nil)
	_ Conn = (*os.File)(nil)
)

// Option defines a function type used to apply giving changes to a
// *Stream during construction.
type Option func(s *Stream)

// Metrics sets the metrics instance to be used by the stream for
// logging.
func Metrics(m metrics.Metrics) Option {
	return func(s *Stream) {
		s.metrics = m
	}
}

// Stat holds counters describing a stream's activity so far.
type Stat struct {
	BytesRead       int64
	BytesWritten    int64
	MessagesRead    int64
	MessagesWritten int64
	PendingWrites   int64
}

type writeRequest struct {
	data     []byte
	written  int
	timeout  time.Duration
	end      bool
	inflight bool
	w        *mstream.Waiter
}

// Stream implements the duplex stream contract over a Conn. At most
// one read may be pending, writes queue FIFO behind a flusher
// goroutine and a failed or stalled head write poisons the whole
// queue and closes the stream.
type Stream struct {
	totalRead     int64
	totalWritten  int64
	messagesRead  int64
	messagesWrit  int64
	pendingWrites int64
	closedCounter int64

	id      string
	metrics metrics.Metrics
	conn    Conn

	rmu      sync.Mutex
	reading  bool
	rclosed  bool
	holdover *mstream.ByteBuffer

	wmu     sync.Mutex
	wclosed bool
	queue   []*writeRequest
	kick    chan struct{}
	closing chan struct{}
	waiter  sync.WaitGroup
}

// FromConn wraps the giving descriptor in a Stream. Ownership of the
// descriptor transfers to the stream.
func FromConn(conn Conn, ops ...Option) *Stream {
	s := &Stream{
		conn:     conn,
		holdover: mstream.NewByteBuffer(nil),
		kick:     make(chan struct{}, 1),
		closing:  make(chan struct{}),
	}
	s.id = uuid.NewV4().String()

	for _, op := range ops {
		op(s)
	}

	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	s.waiter.Add(1)
	go s.flushLoop()

	s.metrics.Emit(
		metrics.WithID(s.id),
		metrics.Message("Stream: descriptor attached"),
	)

	return s
}

// FromFile puts the giving file descriptor into non-blocking mode so
// the runtime poller drives readiness, then wraps it in a Stream.
// Ownership of the file transfers to the stream.
func FromFile(f *os.File, ops ...Option) (*Stream, error) {
	if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
		return nil, mstream.Failure(err)
	}
	return FromConn(f, ops...), nil
}

// ID returns the stream's identifier.
func (s *Stream) ID() string {
	return s.id
}

// IsOpen reports whether the stream has not closed.
func (s *Stream) IsOpen() bool {
	return atomic.LoadInt64(&s.closedCounter) == 0
}

// IsReadable reports whether reads may still yield data.
func (s *Stream) IsReadable() bool {
	if !s.IsOpen() {
		return false
	}
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return !s.rclosed || !s.holdover.Empty()
}

// IsWritable reports whether the write half is still open.
func (s *Stream) IsWritable() bool {
	if !s.IsOpen() {
		return false
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return !s.wclosed
}

// Stat returns a snapshot of the stream's counters.
func (s *Stream) Stat() Stat {
	return Stat{
		BytesRead:       atomic.LoadInt64(&s.totalRead),
		BytesWritten:    atomic.LoadInt64(&s.totalWritten),
		MessagesRead:    atomic.LoadInt64(&s.messagesRead),
		MessagesWritten: atomic.LoadInt64(&s.messagesWrit),
		PendingWrites:   atomic.LoadInt64(&s.pendingWrites),
	}
}

// Read takes the next frame off the descriptor. See ReadContext.
func (s *Stream) Read(length int, delim mstream.Delimiter, timeout time.Duration) ([]byte, error) {
	return s.ReadContext(context.Background(), length, delim, timeout)
}

// ReadContext takes the next frame off the descriptor. Held-over
// bytes from an earlier read serve first; else a single descriptor
// read runs, the frame is cut by the giving length and delimiter and
// the tail is held over for the next call. End of file resolves with
// an empty frame once the holdover drains and closes the stream.
func (s *Stream) ReadContext(ctx context.Context, length int, delim mstream.Delimiter, timeout time.Duration) ([]byte, error) {
	if !s.IsOpen() {
		return nil, mstream.ErrUnreadable
	}

	s.rmu.Lock()
	if s.reading {
		s.rmu.Unlock()
		return nil, mstream.ErrBusy
	}
	s.reading = true

	if !s.holdover.Empty() {
		data := s.holdover.Remove(length, delim)
		s.reading = false
		s.rmu.Unlock()

		atomic.AddInt64(&s.totalRead, int64(len(data)))
		atomic.AddInt64(&s.messagesRead, 1)
		return data, nil
	}

	if s.rclosed {
		// descriptor already hit end of file and the holdover is
		// spent; the stream ends here.
		s.reading = false
		s.rmu.Unlock()
		s.Close()
		return []byte{}, nil
	}
	s.rmu.Unlock()

	data, err := s.readFresh(ctx, length, delim, timeout)

	s.rmu.Lock()
	s.reading = false
	s.rmu.Unlock()

	if err != nil {
		return nil, err
	}

	atomic.AddInt64(&s.totalRead, int64(len(data)))
	atomic.AddInt64(&s.messagesRead, 1)
	return data, nil
}

func (s *Stream) readFresh(ctx context.Context, length int, delim mstream.Delimiter, timeout time.Duration) ([]byte, error) {
	size := MaxBufferSize
	if length > 0 && length < size {
		size = length
		if size < MinBufferSize {
			size = MinBufferSize
		}
	}

	if timeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		s.conn.SetReadDeadline(time.Time{})
	}

	stop := s.watchCancel(ctx, s.conn.SetReadDeadline)
	buf := make([]byte, size)
	n, err := s.conn.Read(buf)
	if stop != nil {
		close(stop)
	}
	s.conn.SetReadDeadline(time.Time{})

	if n > 0 {
		s.rmu.Lock()
		s.holdover.Push(buf[:n])
		data := s.holdover.Remove(length, delim)
		if err == io.EOF {
			s.rclosed = true
		}
		s.rmu.Unlock()
		return data, nil
	}

	switch {
	case err == io.EOF:
		s.rmu.Lock()
		s.rclosed = true
		s.rmu.Unlock()
		s.Close()
		return []byte{}, nil
	case err == nil:
		return []byte{}, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case isTimeout(err):
		return nil, mstream.ErrTimeout
	case !s.IsOpen():
		return nil, mstream.ErrClosed
	default:
		s.metrics.Emit(
			metrics.Error(err),
			metrics.WithID(s.id),
			metrics.Message("Stream: descriptor read failed"),
		)
		s.Close()
		return nil, mstream.Failure(err)
	}
}

// Write queues data for the descriptor. See WriteContext.
func (s *Stream) Write(data []byte, timeout time.Duration) (int, error) {
	return s.WriteContext(context.Background(), data, timeout)
}

// WriteContext queues data behind the stream's flusher and waits for
// it to reach the descriptor. Partial writes retry from their offset.
// An empty write acts as a barrier: it resolves once everything
// queued ahead of it has flushed, returning the stream's cumulative
// written count.
func (s *Stream) WriteContext(ctx context.Context, data []byte, timeout time.Duration) (int, error) {
	return s.enqueue(ctx, data, timeout, false)
}

// End flushes the giving bytes then half-closes the write side. On
// descriptors supporting it the write direction shuts down.
func (s *Stream) End(data []byte, timeout time.Duration) (int, error) {
	return s.enqueue(context.Background(), data, timeout, true)
}

// EndContext is End with cancellation for the flush wait.
func (s *Stream) EndContext(ctx context.Context, data []byte, timeout time.Duration) (int, error) {
	return s.enqueue(ctx, data, timeout, true)
}

func (s *Stream) enqueue(ctx context.Context, data []byte, timeout time.Duration, end bool) (int, error) {
	if !s.IsOpen() {
		return 0, mstream.ErrUnwritable
	}

	s.wmu.Lock()
	if s.wclosed {
		s.wmu.Unlock()
		return 0, mstream.ErrUnwritable
	}
	if end {
		s.wclosed = true
	}

	wr := &writeRequest{timeout: timeout, end: end, w: mstream.NewWaiter()}
	if len(data) != 0 {
		wr.data = append(wr.data, data...)
	}
	s.queue = append(s.queue, wr)
	atomic.AddInt64(&s.pendingWrites, 1)
	s.wmu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}

	select {
	case <-ctx.Done():
		s.dropWrite(wr)
		if wr.w.Cancel(ctx.Err()) {
			return 0, ctx.Err()
		}
	case <-wr.w.Done():
	}

	if _, err := wr.w.Wait(); err != nil {
		return 0, err
	}

	if len(data) == 0 {
		return int(atomic.LoadInt64(&s.totalWritten)), nil
	}
	return len(data), nil
}

// Close tears the stream down, cancelling queued writes with
// ErrClosed and releasing the descriptor. Closing twice returns
// ErrClosed.
func (s *Stream) Close() error {
	if !atomic.CompareAndSwapInt64(&s.closedCounter, 0, 1) {
		return mstream.ErrClosed
	}

	close(s.closing)
	err := s.conn.Close()
	s.waiter.Wait()

	s.metrics.Emit(
		metrics.WithID(s.id),
		metrics.Message("Stream: closed"),
	)

	return err
}

func (s *Stream) flushLoop() {
	defer s.waiter.Done()

	scratch := seeker.NewBufferedPeeker(nil)

	for {
		select {
		case <-s.closing:
			s.failQueue(mstream.ErrClosed)
			return
		case <-s.kick:
		}

		for {
			s.wmu.Lock()
			if len(s.queue) == 0 {
				s.wmu.Unlock()
				break
			}
			wr := s.queue[0]
			wr.inflight = true
			s.wmu.Unlock()

			if err := s.flushOne(scratch, wr); err != nil {
				s.metrics.Emit(
					metrics.Error(err),
					metrics.WithID(s.id),
					metrics.Message("Stream: write flush failed, closing"),
				)
				s.failHead(wr, err)
				go s.Close()
				return
			}

			s.wmu.Lock()
			if len(s.queue) != 0 && s.queue[0] == wr {
				s.queue = s.queue[1:]
			}
			s.wmu.Unlock()

			atomic.AddInt64(&s.pendingWrites, -1)
			if len(wr.data) != 0 {
				atomic.AddInt64(&s.totalWritten, int64(len(wr.data)))
				atomic.AddInt64(&s.messagesWrit, 1)
			}
			wr.w.Resolve(nil)

			if wr.end {
				s.shutWrite()
			}
		}
	}
}

func (s *Stream) flushOne(scratch *seeker.BufferedPeeker, wr *writeRequest) error {
	if len(wr.data) == 0 {
		return nil
	}

	if wr.timeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(wr.timeout))
	} else {
		s.conn.SetWriteDeadline(time.Time{})
	}
	defer s.conn.SetWriteDeadline(time.Time{})

	scratch.Reset(wr.data[wr.written:])
	defer scratch.Reset(nil)

	for scratch.Area() > 0 {
		next := scratch.Next(MaxWriteChunk)
		n, err := s.conn.Write(next)
		wr.written += n
		if n < len(next) {
			scratch.Reverse(len(next) - n)
		}
		if err != nil {
			if isTimeout(err) {
				return mstream.ErrTimeout
			}
			return mstream.Failure(err)
		}
	}

	return nil
}

// failHead rejects the head write with its cause and cancels the rest
// of the queue with the same cause.
func (s *Stream) failHead(head *writeRequest, cause error) {
	s.wmu.Lock()
	queue := s.queue
	s.queue = nil
	s.wmu.Unlock()

	for _, wr := range queue {
		atomic.AddInt64(&s.pendingWrites, -1)
		if wr == head {
			wr.w.Reject(cause)
			continue
		}
		wr.w.Cancel(cause)
	}
}

func (s *Stream) failQueue(cause error) {
	s.wmu.Lock()
	queue := s.queue
	s.queue = nil
	s.wmu.Unlock()

	for _, wr := range queue {
		atomic.AddInt64(&s.pendingWrites, -1)
		wr.w.Cancel(cause)
	}
}

func (s *Stream) dropWrite(stalled *writeRequest) {
	s.wmu.Lock()
	for i, wr := range s.queue {
		if wr == stalled {
			if wr.inflight {
				break
			}
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			atomic.AddInt64(&s.pendingWrites, -1)
			break
		}
	}
	s.wmu.Unlock()
}

func (s *Stream) shutWrite() {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := s.conn.(closeWriter); ok {
		cw.CloseWrite()
	}

	s.metrics.Emit(
		metrics.WithID(s.id),
		metrics.Message("Stream: write half closed"),
	)
}

// watchCancel arms a goroutine forcing the pending descriptor call to
// fail with a past deadline once ctx cancels. The returned channel
// must be closed when the call finishes; nil means ctx cannot cancel.
func (s *Stream) watchCancel(ctx context.Context, setDeadline func(time.Time) error) chan struct{} {
	if ctx.Done() == nil {
		return nil
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			setDeadline(time.Unix(1, 0))
		case <-stop:
		}
	}()
	return stop
}

func isTimeout(err error) bool {
	if os.IsTimeout(err) {
		return true
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}
