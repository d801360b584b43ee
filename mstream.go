// Package mstream provides asynchronous, backpressure-aware byte streams
// with a shared contract implemented over in-memory buffers, file and
// network descriptors, and websocket connections.
package mstream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// errors ...
var (
	ErrUnreadable       = errors.New("stream is not readable")
	ErrUnwritable       = errors.New("stream is not writable")
	ErrClosed           = errors.New("stream already closed")
	ErrBusy             = errors.New("pending read in progress")
	ErrTimeout          = errors.New("operation timed out")
	ErrInvalidDelimiter = errors.New("delimiter must be a single byte")
	ErrFailure          = errors.New("io failure on descriptor")
)

// Failure wraps the underline os/io error as a ErrFailure, allowing
// callers to match on ErrFailure while retaining the cause text.
func Failure(err error) error {
	if err == nil {
		return ErrFailure
	}
	return fmt.Errorf("%w: %v", ErrFailure, err)
}

// Readable defines the read half of a stream. At most one read may be
// pending at any time; a second concurrent read fails with ErrBusy.
type Readable interface {
	IsOpen() bool
	IsReadable() bool
	Read(length int, delim Delimiter, timeout time.Duration) ([]byte, error)
	ReadContext(ctx context.Context, length int, delim Delimiter, timeout time.Duration) ([]byte, error)
}

// Writable defines the write half of a stream. Writes queue when the
// stream's buffer sits above its high-water mark and resolve in FIFO
// order as the reader drains.
type Writable interface {
	IsOpen() bool
	IsWritable() bool
	Write(data []byte, timeout time.Duration) (int, error)
	WriteContext(ctx context.Context, data []byte, timeout time.Duration) (int, error)
	End(data []byte, timeout time.Duration) (int, error)
	Close() error
}

// Duplex composes both halves of a stream.
type Duplex interface {
	Readable
	Writable
}
