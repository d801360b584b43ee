// Package mws carries the duplex stream contract over a websocket
// connection. Incoming binary frames feed an in-memory receive stream
// whose high-water mark throttles the read loop, outgoing writes
// stage through a pooled buffer flushed onto the websocket writer.
package mws

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/influx6/faux/metrics"
	"github.com/influx6/faux/netutils"
	"github.com/influx6/faux/pools/done"
	"github.com/influx6/mstream"
	"github.com/influx6/mstream/mmem"
)

var (
	wsClientState = ws.StateClientSide
	wsReadBuffer  = 1024
	wsWriteBuffer = 1024

	bufferPool = done.NewDonePool(218, 20)
)

const (
	// MinTemporarySleep sets the minimum, initial sleep the dialer
	// takes when facing a Temporary net error.
	MinTemporarySleep = 10 * time.Millisecond

	// MaxTemporarySleep sets the maximum, allowed sleep the dialer
	// takes when facing a Temporary net error.
	MaxTemporarySleep = 1 * time.Second
)

// errors ...
var (
	ErrNoTLSConfig = errors.New("no tls.Config provided")
)

// ConnectOption defines a function type used to apply giving changes
// to a *Stream during Connect.
type ConnectOption func(s *Stream)

// Metrics sets the metrics instance to be used by the stream for
// logging.
func Metrics(m metrics.Metrics) ConnectOption {
	return func(s *Stream) {
		s.metrics = m
	}
}

// TLSConfig sets the giving tls.Config to be used by the dialer for
// wss addresses.
func TLSConfig(config *tls.Config) ConnectOption {
	return func(s *Stream) {
		s.tls = config
	}
}

// Dialer sets the ws.Dialer used for creating the connection.
func Dialer(dialer *ws.Dialer) ConnectOption {
	return func(s *Stream) {
		s.dialer = dialer
	}
}

// DialTimeout sets the timeout used by the dialer.
func DialTimeout(dur time.Duration) ConnectOption {
	return func(s *Stream) {
		s.dialTimeout = dur
	}
}

// HighWaterMark sets the receive buffer's high-water mark. Once the
// buffered bytes sit above it the read loop stops pulling frames
// until reads drain the backlog.
func HighWaterMark(n int) ConnectOption {
	return func(s *Stream) {
		s.hwm = n
	}
}

// Stream implements the duplex stream contract over a websocket
// connection. Reads delegate to the embedded receive stream, writes
// flush binary frames onto the socket.
type Stream struct {
	closedCounter int64

	id          string
	addr        string
	hwm         int
	tls         *tls.Config
	dialer      *ws.Dialer
	dialTimeout time.Duration
	metrics     metrics.Metrics

	recv *mmem.Stream

	cu   sync.Mutex
	conn net.Conn

	bu       sync.Mutex
	wclosed  bool
	wsWriter *wsutil.Writer

	waiter sync.WaitGroup
}

// Connect dials the giving websocket address and returns a Stream
// carrying the duplex contract over it.
func Connect(addr string, ops ...ConnectOption) (*Stream, error) {
	s := &Stream{hwm: mmem.DefaultHighWaterMark}

	for _, op := range ops {
		op(s)
	}

	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	addr = netutils.GetAddr(addr)
	if !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://") {
		addr = "ws://" + addr
	}

	if strings.HasPrefix(addr, "wss://") && s.tls == nil {
		return nil, ErrNoTLSConfig
	}

	s.addr = addr

	if s.dialer == nil {
		s.dialer = &ws.Dialer{
			Timeout:         s.dialTimeout,
			ReadBufferSize:  wsReadBuffer,
			WriteBufferSize: wsWriteBuffer,
		}
	}
	if s.tls != nil {
		s.dialer.TLSConfig = s.tls
	}

	conn, err := s.dial(addr)
	if err != nil {
		return nil, err
	}

	s.recv = mmem.New(mmem.HighWaterMark(s.hwm), mmem.Metrics(s.metrics))
	s.id = s.recv.ID()

	s.conn = conn
	s.wsWriter = wsutil.NewWriter(conn, wsClientState, ws.OpBinary)

	s.waiter.Add(1)
	go s.readLoop(conn, wsutil.NewReader(conn, wsClientState))

	s.metrics.Emit(
		metrics.WithID(s.id),
		metrics.With("addr", addr),
		metrics.Message("Stream: websocket attached"),
	)

	return s, nil
}

func (s *Stream) dial(addr string) (net.Conn, error) {
	lastSleep := MinTemporarySleep

	for {
		conn, _, _, err := s.dialer.Dial(context.Background(), addr)
		if err == nil {
			return conn, nil
		}

		s.metrics.Emit(
			metrics.Error(err),
			metrics.With("addr", addr),
			metrics.Message("Connect: dial failed"),
		)

		netErr, ok := err.(net.Error)
		if !ok || !netErr.Temporary() {
			return nil, err
		}
		if lastSleep >= MaxTemporarySleep {
			return nil, err
		}

		time.Sleep(lastSleep)
		lastSleep *= 2
	}
}

// ID returns the stream's identifier.
func (s *Stream) ID() string {
	return s.id
}

// IsOpen reports whether the stream has not fully closed.
func (s *Stream) IsOpen() bool {
	return atomic.LoadInt64(&s.closedCounter) == 0 && s.recv.IsOpen()
}

// IsReadable reports whether reads may still yield data.
func (s *Stream) IsReadable() bool {
	return s.recv.IsReadable()
}

// IsWritable reports whether the write half is still open.
func (s *Stream) IsWritable() bool {
	if atomic.LoadInt64(&s.closedCounter) != 0 {
		return false
	}
	s.bu.Lock()
	defer s.bu.Unlock()
	return !s.wclosed
}

// Stat returns a snapshot of the receive stream's counters.
func (s *Stream) Stat() mmem.Stat {
	return s.recv.Stat()
}

// Read takes the next frame off the receive buffer. See the memory
// stream's ReadContext for framing and blocking behaviour.
func (s *Stream) Read(length int, delim mstream.Delimiter, timeout time.Duration) ([]byte, error) {
	return s.recv.Read(length, delim, timeout)
}

// ReadContext takes the next frame off the receive buffer with
// cancellation.
func (s *Stream) ReadContext(ctx context.Context, length int, delim mstream.Delimiter, timeout time.Duration) ([]byte, error) {
	return s.recv.ReadContext(ctx, length, delim, timeout)
}

// Write sends data as a binary frame. See WriteContext.
func (s *Stream) Write(data []byte, timeout time.Duration) (int, error) {
	return s.WriteContext(context.Background(), data, timeout)
}

// WriteContext stages data through the pooled writer and flushes it
// onto the socket as a binary frame. A non-zero timeout bounds the
// socket write.
func (s *Stream) WriteContext(ctx context.Context, data []byte, timeout time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.bu.Lock()
	defer s.bu.Unlock()

	if err := s.flushLocked(data, timeout); err != nil {
		return 0, err
	}
	return len(data), nil
}

// End flushes the giving bytes then sends a close frame, half-closing
// the write side.
func (s *Stream) End(data []byte, timeout time.Duration) (int, error) {
	return s.EndContext(context.Background(), data, timeout)
}

// EndContext is End with early cancellation.
func (s *Stream) EndContext(ctx context.Context, data []byte, timeout time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.bu.Lock()
	defer s.bu.Unlock()

	if err := s.flushLocked(data, timeout); err != nil {
		return 0, err
	}

	s.wclosed = true

	s.cu.Lock()
	conn := s.conn
	s.cu.Unlock()

	if conn != nil {
		wsutil.WriteClientMessage(conn, ws.OpClose, nil)
	}

	s.metrics.Emit(
		metrics.WithID(s.id),
		metrics.Message("Stream: write half closed"),
	)

	return len(data), nil
}

// Close tears the whole stream down. Pending reads reject with
// ErrClosed through the receive stream. Closing twice returns
// ErrClosed.
func (s *Stream) Close() error {
	if !atomic.CompareAndSwapInt64(&s.closedCounter, 0, 1) {
		return mstream.ErrClosed
	}

	s.bu.Lock()
	s.wclosed = true
	s.bu.Unlock()

	s.cu.Lock()
	conn := s.conn
	s.conn = nil
	s.cu.Unlock()

	var err error
	if conn != nil {
		wsutil.WriteClientMessage(conn, ws.OpClose, nil)
		err = conn.Close()
	}

	// release the read loop before waiting on it: it may be parked
	// on a receive buffer above its high-water mark.
	if s.recv.IsOpen() {
		s.recv.Close()
	}

	s.waiter.Wait()

	s.metrics.Emit(
		metrics.WithID(s.id),
		metrics.Message("Stream: closed"),
	)

	return err
}

// flushLocked writes data through a pooled staging writer onto the
// websocket writer and flushes the frame. Callers hold bu.
func (s *Stream) flushLocked(data []byte, timeout time.Duration) error {
	if atomic.LoadInt64(&s.closedCounter) != 0 || s.wclosed {
		return mstream.ErrUnwritable
	}

	if len(data) == 0 {
		return nil
	}

	s.cu.Lock()
	conn := s.conn
	s.cu.Unlock()

	if conn == nil {
		return mstream.ErrUnwritable
	}

	if timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(timeout))
		defer conn.SetWriteDeadline(time.Time{})
	}

	var failure error
	staged := bufferPool.Get(len(data), func(rec int, from io.WriterTo) error {
		if _, err := from.WriteTo(s.wsWriter); err != nil {
			failure = err
			return err
		}
		if err := s.wsWriter.Flush(); err != nil {
			failure = err
			return err
		}
		return nil
	})

	if _, err := staged.Write(data); err != nil && failure == nil {
		failure = err
	}
	staged.Close()

	if failure != nil {
		s.metrics.Emit(
			metrics.Error(failure),
			metrics.WithID(s.id),
			metrics.Message("Stream: frame flush failed"),
		)
		if isTimeout(failure) {
			return mstream.ErrTimeout
		}
		return mstream.Failure(failure)
	}

	return nil
}

// readLoop pulls frames off the socket into the receive stream. The
// receive stream's high-water mark applies: a full buffer parks the
// loop until reads drain it.
func (s *Stream) readLoop(conn net.Conn, reader *wsutil.Reader) {
	defer s.waiter.Done()

	for {
		hdr, err := reader.NextFrame()
		if err != nil {
			s.endReceive(err)
			return
		}

		if hdr.OpCode == ws.OpClose {
			s.endReceive(nil)
			return
		}

		if hdr.OpCode.IsControl() {
			if err := wsutil.ControlFrameHandler(conn, wsClientState)(hdr, reader); err != nil {
				s.endReceive(err)
				return
			}
			continue
		}

		if hdr.Length == 0 {
			continue
		}

		payload := make([]byte, int(hdr.Length))
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.endReceive(err)
			return
		}

		if _, err := s.recv.Write(payload, 0); err != nil {
			return
		}
	}
}

// endReceive half-closes the receive stream so buffered frames stay
// readable until drained.
func (s *Stream) endReceive(cause error) {
	if cause != nil && atomic.LoadInt64(&s.closedCounter) == 0 {
		s.metrics.Emit(
			metrics.Error(cause),
			metrics.WithID(s.id),
			metrics.Message("Stream: socket read ended"),
		)
	}

	if s.recv.IsWritable() {
		s.recv.End(nil, 0)
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
