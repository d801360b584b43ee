package mfd_test

import (
	"bytes"
	"net"
	"os"
	"testing"
	"time"

	"github.com/influx6/faux/metrics"
	"github.com/influx6/faux/metrics/custom"
	"github.com/influx6/faux/tests"
	"github.com/influx6/mstream"
	"github.com/influx6/mstream/mfd"
)

var events metrics.Metrics

func initMetrics() {
	if testing.Verbose() {
		events = metrics.New(custom.StackDisplay(os.Stderr))
	}
}

func TestReadDelimiterFraming(t *testing.T) {
	initMetrics()

	local, remote := net.Pipe()
	s := mfd.FromConn(local, mfd.Metrics(events))
	defer s.Close()

	go remote.Write([]byte("one\ntwo\n"))

	first, err := s.Read(0, mstream.Delim('\n'), time.Second)
	if err != nil {
		tests.FailedWithError(err, "Should have read first delimited frame")
	}
	if !bytes.Equal(first, []byte("one\n")) {
		tests.Info("Received: %+q", first)
		tests.Failed("Should have cut the first frame at the delimiter")
	}
	tests.Passed("Should have cut the first frame at the delimiter")

	// second frame arrives from holdover without touching the descriptor.
	second, err := s.Read(0, mstream.Delim('\n'), time.Second)
	if err != nil {
		tests.FailedWithError(err, "Should have read second frame from holdover")
	}
	if !bytes.Equal(second, []byte("two\n")) {
		tests.Failed("Should have served the held-over tail as the next frame")
	}
	tests.Passed("Should have served the held-over tail as the next frame")
}

func TestReadTimeout(t *testing.T) {
	initMetrics()

	local, remote := net.Pipe()
	defer remote.Close()

	s := mfd.FromConn(local, mfd.Metrics(events))
	defer s.Close()

	if _, err := s.Read(0, mstream.NoDelim, 50*time.Millisecond); err != mstream.ErrTimeout {
		tests.Failed("Should have rejected idle read with timeout error")
	}
	tests.Passed("Should have rejected idle read with timeout error")

	if !s.IsOpen() {
		tests.Failed("Should have kept stream open after read timeout")
	}
	tests.Passed("Should have kept stream open after read timeout")
}

func TestSecondReadBusy(t *testing.T) {
	initMetrics()

	local, remote := net.Pipe()
	defer remote.Close()

	s := mfd.FromConn(local, mfd.Metrics(events))
	defer s.Close()

	go s.Read(0, mstream.NoDelim, time.Second)
	time.Sleep(20 * time.Millisecond)

	if _, err := s.Read(0, mstream.NoDelim, time.Second); err != mstream.ErrBusy {
		tests.Failed("Should have rejected second concurrent read with busy error")
	}
	tests.Passed("Should have rejected second concurrent read with busy error")
}

func TestReadEOF(t *testing.T) {
	initMetrics()

	local, remote := net.Pipe()
	s := mfd.FromConn(local, mfd.Metrics(events))

	go func() {
		remote.Write([]byte("tail"))
		remote.Close()
	}()

	data, err := s.Read(0, mstream.NoDelim, time.Second)
	if err != nil {
		tests.FailedWithError(err, "Should have read final bytes before end of file")
	}
	if !bytes.Equal(data, []byte("tail")) {
		tests.Failed("Should have delivered final bytes")
	}
	tests.Passed("Should have delivered final bytes")

	empty, err := s.Read(0, mstream.NoDelim, time.Second)
	if err != nil {
		tests.FailedWithError(err, "Should have resolved end of file with empty frame")
	}
	if len(empty) != 0 {
		tests.Failed("Should have returned empty frame at end of file")
	}
	tests.Passed("Should have resolved end of file with empty frame")

	if s.IsOpen() {
		tests.Failed("Should have closed stream at end of file")
	}
	tests.Passed("Should have closed stream at end of file")

	if _, err := s.Read(0, mstream.NoDelim, time.Second); err != mstream.ErrUnreadable {
		tests.Failed("Should have rejected read on ended stream with unreadable error")
	}
	tests.Passed("Should have rejected read on ended stream with unreadable error")
}

func TestWriteReachesPeer(t *testing.T) {
	initMetrics()

	local, remote := net.Pipe()
	s := mfd.FromConn(local, mfd.Metrics(events))
	defer s.Close()

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := remote.Read(buf)
		received <- buf[:n]
	}()

	n, err := s.Write([]byte("payload"), time.Second)
	if err != nil {
		tests.FailedWithError(err, "Should have written payload to descriptor")
	}
	tests.Passed("Should have written payload to descriptor")

	if n != len("payload") {
		tests.Failed("Should have reported full payload length")
	}
	tests.Passed("Should have reported full payload length")

	if got := <-received; !bytes.Equal(got, []byte("payload")) {
		tests.Info("Received: %+q", got)
		tests.Failed("Should have delivered payload bytes to the peer")
	}
	tests.Passed("Should have delivered payload bytes to the peer")
}

func TestWriteBarrier(t *testing.T) {
	initMetrics()

	local, remote := net.Pipe()
	s := mfd.FromConn(local, mfd.Metrics(events))
	defer s.Close()

	go func() {
		buf := make([]byte, 64)
		remote.Read(buf)
	}()

	if _, err := s.Write([]byte("abc"), time.Second); err != nil {
		tests.FailedWithError(err, "Should have written bytes ahead of barrier")
	}
	tests.Passed("Should have written bytes ahead of barrier")

	n, err := s.Write(nil, time.Second)
	if err != nil {
		tests.FailedWithError(err, "Should have resolved empty write barrier")
	}
	tests.Passed("Should have resolved empty write barrier")

	if n != 3 {
		tests.Info("Cumulative: %d", n)
		tests.Failed("Should have reported cumulative written count on barrier")
	}
	tests.Passed("Should have reported cumulative written count on barrier")
}

func TestEndClosesWriteHalf(t *testing.T) {
	initMetrics()

	local, remote := net.Pipe()
	s := mfd.FromConn(local, mfd.Metrics(events))
	defer s.Close()

	go func() {
		buf := make([]byte, 64)
		remote.Read(buf)
	}()

	if _, err := s.End([]byte("bye"), time.Second); err != nil {
		tests.FailedWithError(err, "Should have flushed final bytes on end")
	}
	tests.Passed("Should have flushed final bytes on end")

	if s.IsWritable() {
		tests.Failed("Should have turned stream unwritable after end")
	}
	tests.Passed("Should have turned stream unwritable after end")

	if _, err := s.Write([]byte("more"), time.Second); err != mstream.ErrUnwritable {
		tests.Failed("Should have rejected write after end with unwritable error")
	}
	tests.Passed("Should have rejected write after end with unwritable error")
}

func TestWriteTimeoutFatal(t *testing.T) {
	initMetrics()

	// nobody reads the remote end, so the flush stalls.
	local, remote := net.Pipe()
	defer remote.Close()

	s := mfd.FromConn(local, mfd.Metrics(events))

	if _, err := s.Write([]byte("stalled"), 50*time.Millisecond); err != mstream.ErrTimeout {
		tests.Failed("Should have rejected stalled write with timeout error")
	}
	tests.Passed("Should have rejected stalled write with timeout error")

	deadline := time.Now().Add(2 * time.Second)
	for s.IsOpen() {
		if time.Now().After(deadline) {
			tests.Failed("Should have closed stream after fatal write stall")
		}
		time.Sleep(time.Millisecond)
	}
	tests.Passed("Should have closed stream after fatal write stall")
}

func TestListenEcho(t *testing.T) {
	initMetrics()

	acceptor, err := mfd.Listen("tcp", "localhost:4087", nil, mfd.Metrics(events))
	if err != nil {
		tests.FailedWithError(err, "Should have bound listener")
	}
	tests.Passed("Should have bound listener")
	defer acceptor.Close()

	go func() {
		server, err := acceptor.Accept()
		if err != nil {
			return
		}
		defer server.Close()

		frame, err := server.Read(0, mstream.Delim('\n'), 2*time.Second)
		if err != nil {
			return
		}
		server.Write(frame, 2*time.Second)
	}()

	conn, err := net.DialTimeout("tcp", "localhost:4087", 2*time.Second)
	if err != nil {
		tests.FailedWithError(err, "Should have dialed listener")
	}
	tests.Passed("Should have dialed listener")

	client := mfd.FromConn(conn, mfd.Metrics(events))
	defer client.Close()

	if _, err := client.Write([]byte("echo me\n"), 2*time.Second); err != nil {
		tests.FailedWithError(err, "Should have written request frame")
	}
	tests.Passed("Should have written request frame")

	reply, err := client.Read(0, mstream.Delim('\n'), 2*time.Second)
	if err != nil {
		tests.FailedWithError(err, "Should have read echoed frame")
	}
	if !bytes.Equal(reply, []byte("echo me\n")) {
		tests.Info("Received: %+q", reply)
		tests.Failed("Should have received the request frame back")
	}
	tests.Passed("Should have received the request frame back")
}

func TestAcceptorClose(t *testing.T) {
	initMetrics()

	acceptor, err := mfd.Listen("tcp", "localhost:4088", nil)
	if err != nil {
		tests.FailedWithError(err, "Should have bound listener")
	}
	tests.Passed("Should have bound listener")

	if acceptor.Addr() == nil {
		tests.Failed("Should have exposed bound address")
	}
	tests.Passed("Should have exposed bound address")

	if cerr := acceptor.Close(); cerr != nil {
		tests.FailedWithError(cerr, "Should have closed acceptor")
	}
	tests.Passed("Should have closed acceptor")

	if cerr := acceptor.Close(); cerr != mfd.ErrAcceptorClosed {
		tests.Failed("Should have rejected second close with closed error")
	}
	tests.Passed("Should have rejected second close with closed error")

	if _, aerr := acceptor.Accept(); aerr != mfd.ErrAcceptorClosed {
		tests.Failed("Should have rejected accept on closed acceptor")
	}
	tests.Passed("Should have rejected accept on closed acceptor")
}
