// Package pump turns a raw connection into a blocking byte stream.
//
// A Pump owns one goroutine that performs deadline-bounded reads on the
// connection and forwards every chunk into an io.Pipe. The consumer reads
// from the Pump with ordinary blocking reads (bufio line reads included)
// while the goroutine absorbs read timeouts. End of stream and I/O failure
// are terminal: the connection and the pipe are closed and the goroutine
// exits.
package pump

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"timedrive/logging"

	"github.com/rs/zerolog"
)

const (
	defaultReadTimeout = time.Second
	defaultChunkSize   = 8192
)

// ErrClosed is returned by Read after Close was called by the consumer.
var ErrClosed = errors.New("pump closed")

// Result classifies one timed read.
type Result int

const (
	// Data means bytes arrived.
	Data Result = iota
	// Timeout means the deadline expired with nothing read; read again.
	Timeout
	// Closed means the peer closed the stream.
	Closed
	// Failed means the connection returned an I/O error.
	Failed
)

func (r Result) String() string {
	switch r {
	case Data:
		return "data"
	case Timeout:
		return "timeout"
	case Closed:
		return "closed"
	}
	return "failed"
}

// Classify maps the outcome of conn.Read onto a Result. Bytes win over an
// error returned alongside them; the error is seen again on the next read.
func Classify(n int, err error) Result {
	if n > 0 {
		return Data
	}
	if err == nil {
		return Timeout
	}
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return Timeout
	}
	if errors.Is(err, io.EOF) {
		return Closed
	}
	return Failed
}

// Options tunes a Pump.
type Options struct {
	// ReadTimeout bounds each read on the connection. Default 1s.
	ReadTimeout time.Duration
	// ChunkSize is the largest single read. Default 8KiB.
	ChunkSize int
	// Label names the pump in logs (client, downstream).
	Label string
	// OnBytes observes every chunk read, for byte accounting.
	OnBytes func(n int)
}

// Pump feeds a connection's bytes to a single consumer.
type Pump struct {
	conn    net.Conn
	pr      *io.PipeReader
	pw      *io.PipeWriter
	opts    Options
	log     zerolog.Logger
	done    chan struct{}
	once    sync.Once
	closed  atomic.Bool
	mu      sync.Mutex
	err     error
	outcome Result
}

// Start launches the read goroutine for conn.
func Start(conn net.Conn, opts Options) *Pump {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	pr, pw := io.Pipe()
	p := &Pump{
		conn: conn,
		pr:   pr,
		pw:   pw,
		opts: opts,
		log:  logging.Component("pump").With().Str("side", opts.Label).Logger(),
		done: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Pump) run() {
	defer close(p.done)
	buf := make([]byte, p.opts.ChunkSize)
	for {
		// A connection the peer already closed may refuse the deadline; the
		// read itself then reports EOF.
		_ = p.conn.SetReadDeadline(time.Now().Add(p.opts.ReadTimeout))
		n, err := p.conn.Read(buf)
		switch Classify(n, err) {
		case Timeout:
			continue
		case Closed:
			p.finish(Closed, nil)
			return
		case Failed:
			if p.closed.Load() {
				p.finish(Closed, nil)
			} else {
				p.finish(Failed, err)
			}
			return
		}
		if p.opts.OnBytes != nil {
			p.opts.OnBytes(n)
		}
		// Blocks until the consumer has taken every byte.
		if _, werr := p.pw.Write(buf[:n]); werr != nil {
			p.finish(Failed, werr)
			return
		}
	}
}

func (p *Pump) finish(outcome Result, err error) {
	p.mu.Lock()
	p.outcome = outcome
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	if err != nil {
		p.log.Trace().Err(err).Str("result", outcome.String()).Msg("pump stopped")
	} else {
		p.log.Trace().Str("result", outcome.String()).Msg("pump stopped")
	}
	_ = p.conn.Close()
	// A nil error surfaces to the consumer as io.EOF.
	_ = p.pw.CloseWithError(err)
}

// Read returns bytes in arrival order, io.EOF once the peer closed, the
// connection error that stopped the pump, or ErrClosed after Close.
func (p *Pump) Read(b []byte) (int, error) {
	n, err := p.pr.Read(b)
	if err != nil && p.closed.Load() && errors.Is(err, io.ErrClosedPipe) {
		return n, ErrClosed
	}
	return n, err
}

// Write sends bytes on the underlying connection. Writes do not go through
// the pipe.
func (p *Pump) Write(b []byte) (int, error) {
	return p.conn.Write(b)
}

// Close stops the pump from the consumer side and closes the connection.
func (p *Pump) Close() error {
	var err error
	p.once.Do(func() {
		p.closed.Store(true)
		_ = p.pr.CloseWithError(ErrClosed)
		err = p.conn.Close()
	})
	<-p.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Done is closed when the read goroutine has exited.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// Err reports the terminal outcome once Done is closed.
func (p *Pump) Err() (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome, p.err
}

// Conn exposes the underlying connection for address lookups.
func (p *Pump) Conn() net.Conn {
	return p.conn
}
