// Package mmem implements the in-memory duplex stream engine: a
// delimiter-aware byte queue with a single pending reader slot and a
// FIFO of write waiters gated on the stream's high-water mark.
package mmem

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influx6/faux/metrics"
	"github.com/influx6/mstream"
	uuid "github.com/satori/go.uuid"
)

// DefaultHighWaterMark is a reasonable gate for streams fed by a
// socket read loop. Streams built by New carry no gate unless the
// HighWaterMark option sets one.
const DefaultHighWaterMark = 16384

// Option defines a function type used to apply giving changes to a
// *Stream during construction.
type Option func(s *Stream)

// HighWaterMark sets the buffered byte count above which writes
// queue. Zero disables write gating; negative values clamp to zero.
func HighWaterMark(n int) Option {
	return func(s *Stream) {
		if n < 0 {
			n = 0
		}
		s.hwm = n
	}
}

// InitialData seeds the stream's buffer with the giving bytes.
func InitialData(data []byte) Option {
	return func(s *Stream) {
		s.buffer.Push(data)
	}
}

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
	PendingReads    int64
	PendingWrites   int64
}

type pendingRead struct {
	w      *mstream.Waiter
	length int
	delim  mstream.Delimiter
}

type pendingWrite struct {
	w *mstream.Waiter
	n int
}

// Stream is an in-memory duplex byte stream. Reads see writes in
// order, at most one read may be pending at a time and writes queue
// once the buffer sits above the high-water mark. The zero value is
// not usable; use New.
type Stream struct {
	totalRead     int64
	totalWritten  int64
	messagesRead  int64
	messagesWrit  int64
	pendingWrites int64

	id      string
	hwm     int
	metrics metrics.Metrics

	mu       sync.Mutex
	buffer   *mstream.ByteBuffer
	open     bool
	writable bool
	reader   *pendingRead
	writers  []*pendingWrite
}

// New returns an open Stream configured by the giving options.
func New(ops ...Option) *Stream {
	s := &Stream{
		buffer:   mstream.NewByteBuffer(nil),
		open:     true,
		writable: true,
	}
	s.id = uuid.NewV4().String()

	for _, op := range ops {
		op(s)
	}

	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	s.metrics.Emit(
		metrics.WithID(s.id),
		metrics.With("hwm", s.hwm),
		metrics.Message("Stream: opened"),
	)

	return s
}

// ID returns the stream's identifier.
func (s *Stream) ID() string {
	return s.id
}

// IsOpen reports whether the stream has not fully closed.
func (s *Stream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// IsReadable reports whether reads may still yield data.
func (s *Stream) IsReadable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// IsWritable reports whether the write half is still open.
func (s *Stream) IsWritable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable
}

// Stat returns a snapshot of the stream's counters.
func (s *Stream) Stat() Stat {
	var readers int64
	s.mu.Lock()
	if s.reader != nil {
		readers = 1
	}
	s.mu.Unlock()

	return Stat{
		PendingReads:    readers,
		BytesRead:       atomic.LoadInt64(&s.totalRead),
		BytesWritten:    atomic.LoadInt64(&s.totalWritten),
		MessagesRead:    atomic.LoadInt64(&s.messagesRead),
		MessagesWritten: atomic.LoadInt64(&s.messagesWrit),
		PendingWrites:   atomic.LoadInt64(&s.pendingWrites),
	}
}

// Read takes the next frame off the stream, blocking until data
// arrives, the timeout elapses or the stream ends. See ReadContext.
func (s *Stream) Read(length int, delim mstream.Delimiter, timeout time.Duration) ([]byte, error) {
	return s.ReadContext(context.Background(), length, delim, timeout)
}

// ReadContext takes the next frame off the stream. When the buffer
// holds data the frame is cut by the giving length and delimiter and
// returned at once; else the read parks until a write arrives. Only
// one read may park at a time, a second fails with ErrBusy. A
// non-zero timeout rejects the parked read with ErrTimeout, and
// cancelling the context abandons it cleanly.
func (s *Stream) ReadContext(ctx context.Context, length int, delim mstream.Delimiter, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()

	if !s.open {
		s.mu.Unlock()
		return nil, mstream.ErrUnreadable
	}

	if s.reader != nil {
		s.mu.Unlock()
		return nil, mstream.ErrBusy
	}

	if !s.buffer.Empty() {
		data := s.buffer.Remove(length, delim)
		s.afterDrainLocked()
		s.mu.Unlock()

		atomic.AddInt64(&s.totalRead, int64(len(data)))
		atomic.AddInt64(&s.messagesRead, 1)
		return data, nil
	}

	if !s.writable {
		// half-closed and drained: the stream ends here.
		s.closeLocked()
		s.mu.Unlock()
		return []byte{}, nil
	}

	pr := &pendingRead{w: mstream.NewWaiter(), length: length, delim: delim}
	s.reader = pr
	s.mu.Unlock()

	pr.w.ExpireAfter(timeout, func() {
		s.dropReader(pr)
	})

	select {
	case <-ctx.Done():
		s.dropReader(pr)
		if pr.w.Cancel(ctx.Err()) {
			return nil, ctx.Err()
		}
		// settled before the cancel landed; take its outcome.
	case <-pr.w.Done():
	}

	data, err := pr.w.Wait()
	if err != nil {
		return nil, err
	}

	atomic.AddInt64(&s.totalRead, int64(len(data)))
	atomic.AddInt64(&s.messagesRead, 1)
	return data, nil
}

// Write appends data to the stream. See WriteContext.
func (s *Stream) Write(data []byte, timeout time.Duration) (int, error) {
	return s.WriteContext(context.Background(), data, timeout)
}

// WriteContext appends data to the stream, waking a parked read. The
// write returns at once while the buffer sits at or below the
// high-water mark; above it the write parks behind earlier parked
// writes and resolves FIFO as reads drain the buffer. A parked write
// hitting its timeout is fatal to the stream.
func (s *Stream) WriteContext(ctx context.Context, data []byte, timeout time.Duration) (int, error) {
	return s.push(ctx, data, timeout, false)
}

// End writes the giving bytes then half-closes the stream: later
// writes fail with ErrUnwritable while buffered data stays readable
// until drained.
func (s *Stream) End(data []byte, timeout time.Duration) (int, error) {
	return s.push(context.Background(), data, timeout, true)
}

// EndContext is End with cancellation for the parked-write wait.
func (s *Stream) EndContext(ctx context.Context, data []byte, timeout time.Duration) (int, error) {
	return s.push(ctx, data, timeout, true)
}

// Close tears the stream down: a parked read rejects with ErrClosed,
// parked writes cancel with ErrClosed and buffered data is dropped.
// Closing an already-closed stream returns ErrClosed.
func (s *Stream) Close() error {
	s.mu.Lock()
	if !s.open && !s.writable {
		s.mu.Unlock()
		return mstream.ErrClosed
	}

	s.failAllLocked(mstream.ErrClosed)
	s.closeLocked()
	s.mu.Unlock()
	return nil
}

func (s *Stream) push(ctx context.Context, data []byte, timeout time.Duration, end bool) (int, error) {
	s.mu.Lock()

	if !s.writable {
		s.mu.Unlock()
		return 0, mstream.ErrUnwritable
	}

	n := len(data)
	s.buffer.Push(data)

	if end {
		s.writable = false
	}

	if s.reader != nil && !s.buffer.Empty() {
		pr := s.reader
		s.reader = nil
		pr.w.Resolve(s.buffer.Remove(pr.length, pr.delim))
	}

	if end && s.buffer.Empty() {
		if s.reader != nil {
			pr := s.reader
			s.reader = nil
			pr.w.Reject(mstream.ErrClosed)
		}
		s.closeLocked()
		s.mu.Unlock()

		atomic.AddInt64(&s.totalWritten, int64(n))
		atomic.AddInt64(&s.messagesWrit, 1)
		return n, nil
	}

	if s.hwm > 0 && (s.buffer.Len() > s.hwm || len(s.writers) != 0) {
		pw := &pendingWrite{w: mstream.NewWaiter(), n: n}
		s.writers = append(s.writers, pw)
		atomic.AddInt64(&s.pendingWrites, 1)
		s.mu.Unlock()

		pw.w.ExpireAfter(timeout, func() {
			s.failStalled(pw)
		})

		select {
		case <-ctx.Done():
			s.dropWriter(pw)
			if pw.w.Cancel(ctx.Err()) {
				return 0, ctx.Err()
			}
		case <-pw.w.Done():
		}

		if _, err := pw.w.Wait(); err != nil {
			return 0, err
		}

		atomic.AddInt64(&s.totalWritten, int64(n))
		atomic.AddInt64(&s.messagesWrit, 1)
		return n, nil
	}

	s.mu.Unlock()

	atomic.AddInt64(&s.totalWritten, int64(n))
	atomic.AddInt64(&s.messagesWrit, 1)
	return n, nil
}

// afterDrainLocked runs after a read consumed buffered bytes: parked
// writes release FIFO once the buffer is back at or below the
// high-water mark, and a drained half-closed stream closes.
func (s *Stream) afterDrainLocked() {
	if s.hwm == 0 || s.buffer.Len() <= s.hwm {
		for _, pw := range s.writers {
			atomic.AddInt64(&s.pendingWrites, -1)
			pw.w.Resolve(nil)
		}
		s.writers = nil
	}

	if !s.writable && s.buffer.Empty() {
		s.closeLocked()
	}
}

// failStalled handles a parked write hitting its timeout: the stall
// poisons the stream, so every other parked write cancels with
// ErrTimeout, a parked read rejects with ErrClosed and the stream
// closes. The stalled write itself rejects with ErrTimeout through
// its own timer.
func (s *Stream) failStalled(stalled *pendingWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, pw := range s.writers {
		if pw == stalled {
			found = true
			break
		}
	}
	if !found {
		return
	}

	for _, pw := range s.writers {
		atomic.AddInt64(&s.pendingWrites, -1)
		if pw != stalled {
			pw.w.Cancel(mstream.ErrTimeout)
		}
	}
	s.writers = nil

	if s.reader != nil {
		pr := s.reader
		s.reader = nil
		pr.w.Reject(mstream.ErrClosed)
	}

	s.metrics.Emit(
		metrics.Error(mstream.ErrTimeout),
		metrics.WithID(s.id),
		metrics.With("pending", s.buffer.Len()),
		metrics.Message("Stream: backpressure stall, closing"),
	)

	s.closeLocked()
}

func (s *Stream) failAllLocked(cause error) {
	if s.reader != nil {
		pr := s.reader
		s.reader = nil
		pr.w.Reject(cause)
	}

	for _, pw := range s.writers {
		atomic.AddInt64(&s.pendingWrites, -1)
		pw.w.Cancel(cause)
	}
	s.writers = nil
}

func (s *Stream) closeLocked() {
	if !s.open && !s.writable {
		return
	}

	s.open = false
	s.writable = false
	s.buffer.Drain()

	s.metrics.Emit(
		metrics.WithID(s.id),
		metrics.Message("Stream: closed"),
	)
}

func (s *Stream) dropReader(pr *pendingRead) {
	s.mu.Lock()
	if s.reader == pr {
		s.reader = nil
	}
	s.mu.Unlock()
}

func (s *Stream) dropWriter(stalled *pendingWrite) {
	s.mu.Lock()
	for i, pw := range s.writers {
		if pw == stalled {
			s.writers = append(s.writers[:i], s.writers[i+1:]...)
			atomic.AddInt64(&s.pendingWrites, -1)
			break
		}
	}
	s.mu.Unlock()
}
