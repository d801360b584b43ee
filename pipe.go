package mstream

import (
	"context"
	"time"

	"github.com/influx6/faux/metrics"
	uuid "github.com/satori/go.uuid"
)

// PipeOption defines a function type used to apply giving changes
// to a pipe run.
type PipeOption func(p *piper)

// PipeLimit caps the total bytes moved by the pipe. Zero or below
// means unlimited.
func PipeLimit(n int) PipeOption {
	return func(p *piper) {
		p.limit = n
	}
}

// PipeDelimiter sets the delimiter reads use; the pipe stops after
// forwarding a chunk terminated by the delimiter byte.
func PipeDelimiter(d Delimiter) PipeOption {
	return func(p *piper) {
		p.delim = d
	}
}

// PipeTimeout sets the per-operation timeout applied to each read and
// write the pipe performs.
func PipeTimeout(dur time.Duration) PipeOption {
	return func(p *piper) {
		p.timeout = dur
	}
}

// KeepOpen disables the pipe's half-close of the destination when it
// finishes.
func KeepOpen() PipeOption {
	return func(p *piper) {
		p.keepOpen = true
	}
}

// PipeMetrics sets the metrics instance used by the pipe for logging.
func PipeMetrics(m metrics.Metrics) PipeOption {
	return func(p *piper) {
		p.metrics = m
	}
}

type piper struct {
	id       string
	limit    int
	delim    Delimiter
	timeout  time.Duration
	keepOpen bool
	metrics  metrics.Metrics
}

// Pipe moves bytes from the readable into the writable until the
// source stops being readable, the giving limit is reached or a chunk
// ends on the delimiter. Unless KeepOpen is set the destination is
// ended once the pipe finishes, on both clean and failed runs. Pipe
// returns the count of bytes moved.
func Pipe(ctx context.Context, from Readable, to Writable, ops ...PipeOption) (int, error) {
	p := &piper{id: uuid.NewV4().String()}
	for _, op := range ops {
		op(p)
	}

	if p.metrics == nil {
		p.metrics = metrics.New()
	}

	var total int

	finish := func(cause error) (int, error) {
		if !p.keepOpen && to.IsWritable() {
			if _, endErr := to.End(nil, p.timeout); endErr != nil && cause == nil {
				cause = endErr
			}
		}
		if cause != nil {
			p.metrics.Emit(
				metrics.Error(cause),
				metrics.WithID(p.id),
				metrics.With("moved", total),
				metrics.Message("Pipe: finished with error"),
			)
		}
		return total, cause
	}

	for from.IsReadable() {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		var length int
		if p.limit > 0 {
			length = p.limit - total
		}

		chunk, err := from.ReadContext(ctx, length, p.delim, p.timeout)
		if err != nil {
			return finish(err)
		}

		if len(chunk) == 0 {
			if !from.IsReadable() {
				break
			}
			continue
		}

		n, err := to.WriteContext(ctx, chunk, p.timeout)
		if err != nil {
			return finish(err)
		}
		total += n

		if !to.IsWritable() {
			break
		}
		if p.delim.Match(chunk[len(chunk)-1]) {
			break
		}
		if p.limit > 0 && total >= p.limit {
			break
		}
	}

	return finish(nil)
}
